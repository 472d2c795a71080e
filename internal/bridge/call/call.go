// Package call owns the Call struct: per-call state, every timer, and the
// single cleanup path that guarantees both sockets close and every timer is
// cancelled on any exit (spec.md §4.7, invariant I6).
package call

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/callbridge/voicebridge/internal/analytics"
	"github.com/callbridge/voicebridge/internal/bridge/aiconnect"
	"github.com/callbridge/voicebridge/internal/bridge/audioformat"
	"github.com/callbridge/voicebridge/internal/bridge/pacer"
	"github.com/callbridge/voicebridge/internal/bridge/registry"
	"github.com/callbridge/voicebridge/internal/bridge/telephony"
	"github.com/callbridge/voicebridge/internal/bridge/upstreambuffer"
	"github.com/callbridge/voicebridge/internal/bridge/vad"
	"github.com/callbridge/voicebridge/internal/bridge/wire"
	"github.com/callbridge/voicebridge/internal/bridgeerr"
	"github.com/callbridge/voicebridge/internal/config"
	"github.com/callbridge/voicebridge/internal/metrics"
	"github.com/callbridge/voicebridge/internal/profile"
)

// Call is one telephone call's worth of state: both sockets, the turn
// controller, the upstream buffer, the outbound counters, and every timer
// that runs for its duration. Nothing here is shared with any other Call.
type Call struct {
	id     string
	cfg    config.Config
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	registry   *registry.Registry
	unregister func()
	store      profile.Store
	sink       analytics.Sink

	telephonySock *telephony.Socket
	vadCtrl       *vad.Controller
	buf           *upstreambuffer.Buffer
	counters      pacer.Counters

	mu                    sync.Mutex
	ai                    *aiconnect.Conn
	streamSid             string
	mode                  string
	agentID               string
	callerPhone           string
	aiInputFormat         audioformat.Format
	aiOutputFormat        audioformat.Format
	userAudioStarted      bool
	userAudioEnded        bool
	processingNudgeTimer  *time.Timer

	inboundFrames  int64
	outboundFrames int64
	startedAt      time.Time

	cleanupOnce sync.Once
}

// New creates a Call bound to an already-upgraded telephony WebSocket
// connection. Call Run to drive it; Run blocks until the Call ends.
func New(parentCtx context.Context, cfg config.Config, logger *slog.Logger, ws *websocket.Conn, reg *registry.Registry, store profile.Store, sink analytics.Sink) *Call {
	ctx, cancel := context.WithCancel(parentCtx)
	id := uuid.NewString()
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("session_id", id)

	c := &Call{
		id:       id,
		cfg:      cfg,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
		registry: reg,
		store:    store,
		sink:     sink,
		vadCtrl: vad.New(vad.Config{
			SilenceTimeout: cfg.SilenceDuration,
			HardCapTimeout: cfg.UtteranceMaxDuration,
			AgentCooldown:  cfg.AgentSpeakCooldown,
		}),
		buf: upstreambuffer.New(packetFramesFor(cfg.UpstreamPacketDuration)),
	}
	c.telephonySock = telephony.New(ws, telephony.Callbacks{
		OnStart: c.onStart,
		OnMedia: c.onMedia,
		OnMark:  c.onMark,
		OnStop:  c.onStop,
	})
	c.vadCtrl.SetCallbacks(c.onTurnStart, c.onTurnEnd)
	return c
}

func packetFramesFor(d time.Duration) int {
	if d <= 0 {
		return 10
	}
	frames := int(d / (20 * time.Millisecond))
	if frames <= 0 {
		frames = 1
	}
	return frames
}

// Run drives the Call's telephony read loop until the connection closes,
// then runs cleanup. Call this in its own goroutine per accepted upgrade.
func (c *Call) Run() {
	metrics.ActiveCalls.Inc()
	c.startedAt = time.Now()
	c.unregister = c.registry.Register(c.id, c.cancel)

	go c.flushTickerLoop()

	c.telephonySock.ReadLoop(c.onMalformed)
	c.cleanup("telephony closed")
}

func (c *Call) flushTickerLoop() {
	interval := c.cfg.UpstreamFlushInterval
	if interval <= 0 {
		interval = 50 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.flushUpstream()
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *Call) onMalformed(err error) {
	c.logger.Debug("malformed telephony record", "err", err)
}

func (c *Call) onStart(info telephony.StartInfo) {
	if c.cfg.BearerToken != "" && info.Token != c.cfg.BearerToken {
		c.logger.Warn("rejecting call: bad token")
		_ = c.telephonySock.Close(bridgeerr.CloseCodePolicyViolation, "invalid token")
		c.cleanup("auth rejected")
		return
	}

	agentID, ok := c.cfg.AgentIDFor(info.Mode, info.AgentIDOverride)
	if !ok {
		c.logger.Error("no agent id available", "mode", info.Mode)
		_ = c.telephonySock.Close(bridgeerr.CloseCodeInternalError, "no agent configured")
		c.cleanup("no agent configured")
		return
	}

	c.mu.Lock()
	c.streamSid = info.StreamSid
	c.mode = info.Mode
	c.agentID = agentID
	c.callerPhone = info.CallerPhone
	c.mu.Unlock()

	c.logger.Info("call started", "stream_sid", info.StreamSid, "agent_id", agentID, "mode", info.Mode)

	go c.connectAI(info, agentID)
}

func (c *Call) connectAI(info telephony.StartInfo, agentID string) {
	aiCfg := aiconnect.Config{
		APIKey:                  c.cfg.AIAPIKey,
		AgentID:                 agentID,
		SignedURLBase:           c.cfg.SignedURLBase,
		DirectWSSBase:           c.cfg.DirectWSSBase,
		SignedURLTimeout:        c.cfg.SignedURLTimeout,
		HandshakeTimeout:        c.cfg.AIHandshakeTimeout,
		MetadataFallbackTimeout: c.cfg.MetadataFallbackTimeout,
		NudgeIntervals:          c.cfg.NudgeIntervals,
	}
	conn, err := aiconnect.Connect(c.ctx, aiCfg, aiconnect.Callbacks{
		OnReady:        c.onAIReady,
		OnAudio:        c.onAIAudio,
		OnInterruption: c.onAIInterruption,
		OnError:        c.onAIError,
		OnClose:        c.onAIClose,
		OnNudge:        c.onAINudge,
	})
	if err != nil {
		c.logger.Error("ai connect failed", "err", err)
		_ = c.telephonySock.Close(bridgeerr.CloseCodeInternalError, "ai connect failed")
		c.cleanup("ai connect failed")
		return
	}

	c.mu.Lock()
	c.ai = conn
	c.mu.Unlock()

	if err := conn.SendInitiation(c.buildDynamicVariables(info)); err != nil {
		c.logger.Warn("send initiation failed", "err", err)
	}
}

// buildDynamicVariables prefers the start event's inline profile blob;
// falling back to the configured profile.Store only when the telephony
// side sent no blob at all (spec.md §4.5/§6).
func (c *Call) buildDynamicVariables(info telephony.StartInfo) map[string]any {
	vars := map[string]any{
		"caller_phone": info.CallerPhone,
		"mode":         info.Mode,
		"session_id":   c.id,
		"timestamp":    time.Now().UTC().Format(time.RFC3339),
	}

	if info.ProfileB64 != "" {
		if raw, err := base64.StdEncoding.DecodeString(info.ProfileB64); err == nil {
			var obj map[string]any
			if json.Unmarshal(raw, &obj) == nil {
				vars["profile"] = obj
			}
		}
	} else if c.store != nil {
		if p, ok, err := c.store.Lookup(c.ctx, info.CallerPhone); err == nil && ok {
			vars["profile"] = p.Attributes
		}
	}
	return vars
}

func (c *Call) onMedia(payload []byte) {
	c.recordInboundFrame()
	c.vadCtrl.InboundFrame()
	c.buf.Write(payload)
	if c.buf.Ready() {
		c.flushUpstream()
	}
}

func (c *Call) onMark(name string) {
	c.logger.Debug("telephony mark ack", "name", name)
}

func (c *Call) onStop() {
	c.flushUpstream()
	c.sendUserAudioEnd()

	c.mu.Lock()
	conn := c.ai
	c.mu.Unlock()
	if conn != nil {
		if err := conn.SendUserMessage("(Call ended)"); err != nil {
			c.logger.Warn("terminal user_message failed", "err", err)
		}
	}
	c.cleanup("telephony stop")
}

// flushUpstream drains the buffer and ships it to the AI leg only once the
// AI session is ready and its input format is known; otherwise caller audio
// stays buffered (spec.md §8 S2: audio delivered once fallback readiness
// resolves, never dropped on the floor while connecting).
func (c *Call) flushUpstream() {
	c.mu.Lock()
	conn := c.ai
	format := c.aiInputFormat
	c.mu.Unlock()

	if conn == nil || conn.State() != aiconnect.StateReady || format == "" {
		return
	}

	frames := c.buf.Flush()
	if frames == nil {
		return
	}
	chunks, err := upstreambuffer.Rechunk(frames, format)
	if err != nil {
		c.logger.Warn("rechunk failed", "err", err)
		return
	}
	for _, chunk := range chunks {
		if err := conn.SendUserAudioChunk(base64.StdEncoding.EncodeToString(chunk)); err != nil {
			c.logger.Warn("send user_audio_chunk failed", "err", err)
		}
	}
}

func (c *Call) onTurnStart() {
	metrics.TurnsStarted.Inc()

	c.mu.Lock()
	conn := c.ai
	c.userAudioStarted = true
	c.userAudioEnded = false
	c.mu.Unlock()

	if conn == nil {
		return
	}
	if err := conn.SendUserAudioStart(); err != nil {
		c.logger.Warn("user_audio_start failed", "err", err)
	}
	if conn.AgentHasSpoken() {
		if err := conn.SendUserActivity(); err != nil {
			c.logger.Warn("user_activity failed", "err", err)
		}
	}
}

func (c *Call) onTurnEnd() {
	metrics.TurnsEnded.Inc()
	c.flushUpstream()
	c.sendUserAudioEnd()
	c.armProcessingNudge()
}

// sendUserAudioEnd is idempotent within a turn: a second call before the
// next onTurnStart is a no-op (spec.md §8: "a second user_audio_end in the
// same turn is a no-op").
func (c *Call) sendUserAudioEnd() {
	c.mu.Lock()
	conn := c.ai
	if !c.userAudioStarted || c.userAudioEnded {
		c.mu.Unlock()
		return
	}
	c.userAudioEnded = true
	c.mu.Unlock()

	if conn == nil {
		return
	}
	if err := conn.SendUserAudioEnd(); err != nil {
		c.logger.Warn("user_audio_end failed", "err", err)
	}
}

// armProcessingNudge schedules a one-shot nudge shortly after a turn ends,
// telling a provider that never started processing on user_audio_end alone
// to go ahead (spec.md §8 S5: "a processing nudge 250ms later").
func (c *Call) armProcessingNudge() {
	c.mu.Lock()
	if c.processingNudgeTimer != nil {
		c.processingNudgeTimer.Stop()
	}
	delay := c.cfg.NudgeFollowupDelay
	if delay <= 0 {
		delay = 250 * time.Millisecond
	}
	c.processingNudgeTimer = time.AfterFunc(delay, c.sendProcessingNudge)
	c.mu.Unlock()
}

func (c *Call) sendProcessingNudge() {
	c.mu.Lock()
	conn := c.ai
	c.mu.Unlock()
	if conn == nil || conn.AgentHasSpoken() {
		return
	}
	if err := conn.SendUserMessage("(continue)"); err != nil {
		c.logger.Warn("processing nudge failed", "err", err)
	}
}

func (c *Call) cancelProcessingNudge() {
	c.mu.Lock()
	if c.processingNudgeTimer != nil {
		c.processingNudgeTimer.Stop()
		c.processingNudgeTimer = nil
	}
	c.mu.Unlock()
}

func (c *Call) onAIReady(in, out audioformat.Format) {
	c.mu.Lock()
	c.aiInputFormat = in
	c.aiOutputFormat = out
	c.mu.Unlock()

	c.vadCtrl.SetAIOpen(true)
	c.flushUpstream()
}

func (c *Call) onAIAudio(payload []byte) {
	c.vadCtrl.AgentAudioArrived()
	c.cancelProcessingNudge()

	c.mu.Lock()
	format := c.aiOutputFormat
	streamSid := c.streamSid
	c.mu.Unlock()
	if format == "" {
		format = audioformat.ULaw8000
	}

	records, err := pacer.Pace(&c.counters, streamSid, format, payload)
	if err != nil {
		c.logger.Warn("pace failed", "err", err)
		return
	}
	for _, rec := range records {
		if err := c.telephonySock.WriteRecord(rec); err != nil {
			c.logger.Warn("telephony write failed", "err", err)
			continue
		}
		if _, ok := rec.(wire.TelephonyMediaOut); ok {
			c.recordOutboundFrame()
		}
	}
}

func (c *Call) onAIInterruption() {
	c.mu.Lock()
	streamSid := c.streamSid
	c.mu.Unlock()
	if err := c.telephonySock.WriteRecord(wire.TelephonyClearOut{Event: "clear", StreamSid: streamSid}); err != nil {
		c.logger.Warn("clear write failed", "err", err)
	}
}

func (c *Call) onAIError(message string) {
	c.logger.Error("ai reported error", "message", message)
	_ = c.telephonySock.Close(bridgeerr.CloseCodeInternalError, "ai error")
	c.cleanup("ai error: " + message)
}

func (c *Call) onAIClose(reason string) {
	_ = c.telephonySock.Close(bridgeerr.CloseCodeInternalError, "ai transport closed")
	c.cleanup("ai closed: " + reason)
}

func (c *Call) onAINudge(attempt int) {
	metrics.NudgesSent.Inc()
	c.mu.Lock()
	conn := c.ai
	c.mu.Unlock()
	if conn == nil {
		return
	}
	var err error
	if attempt == 1 {
		err = conn.SendConversationStart()
	} else {
		err = conn.SendUserMessage("Hello")
	}
	if err != nil {
		c.logger.Warn("nudge send failed", "attempt", attempt, "err", err)
	}
}

func (c *Call) recordInboundFrame() {
	n := atomic.AddInt64(&c.inboundFrames, 1)
	metrics.FramesRelayed.WithLabelValues("inbound").Inc()
	if c.cfg.LogSampleRate > 0 && n%int64(c.cfg.LogSampleRate) == 0 {
		c.logger.Debug("inbound frame", "count", n)
	}
}

func (c *Call) recordOutboundFrame() {
	n := atomic.AddInt64(&c.outboundFrames, 1)
	metrics.FramesRelayed.WithLabelValues("outbound").Inc()
	if c.cfg.LogSampleRate > 0 && n%int64(c.cfg.LogSampleRate) == 0 {
		c.logger.Debug("outbound frame", "count", n)
	}
}

// cleanup is the single exit path (invariant I6): every timer cancelled,
// both sockets closed, exactly once regardless of which event triggered it.
func (c *Call) cleanup(reason string) {
	c.cleanupOnce.Do(func() {
		c.vadCtrl.Stop()
		c.cancelProcessingNudge()

		c.mu.Lock()
		conn := c.ai
		mode, agentID, callerPhone := c.mode, c.agentID, c.callerPhone
		c.mu.Unlock()

		if conn != nil {
			_ = conn.Close()
		}
		_ = c.telephonySock.Close(bridgeerr.CloseCodeNormal, reason)

		c.cancel()
		metrics.ActiveCalls.Dec()
		if c.unregister != nil {
			c.unregister()
		}

		c.logger.Info("call ended", "reason", reason)

		if c.sink != nil {
			summary := analytics.Summary{
				SessionID:         c.id,
				CallerPhone:       callerPhone,
				Mode:              mode,
				AgentID:           agentID,
				Duration:          time.Since(c.startedAt),
				InboundFrames:     atomic.LoadInt64(&c.inboundFrames),
				OutboundFrames:    atomic.LoadInt64(&c.outboundFrames),
				TerminationReason: reason,
			}
			_ = c.sink.RecordCall(context.Background(), summary)
		}
	})
}

// ID returns the Call's session id.
func (c *Call) ID() string { return c.id }
