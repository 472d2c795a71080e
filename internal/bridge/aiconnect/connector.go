// Package aiconnect implements the AI-leg connect-with-fallback state
// machine: obtain a short-lived signed WSS URL, or fall back to a direct
// WSS dial with an API-key header; then handshake, classify inbound
// frames, and drive the metadata-fallback and nudge timers.
package aiconnect

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/callbridge/voicebridge/internal/bridge/audioformat"
	"github.com/callbridge/voicebridge/internal/bridge/wire"
	"github.com/callbridge/voicebridge/internal/metrics"
)

// State is the AI session's connect/ready lifecycle (spec.md §3).
type State int

const (
	StateConnecting State = iota
	StateOpen
	StateReady
	StateClosed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateReady:
		return "ready"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	default:
		return "connecting"
	}
}

// Config holds everything Connect needs to reach the AI provider.
type Config struct {
	APIKey        string
	AgentID       string
	SignedURLBase string
	DirectWSSBase string

	SignedURLTimeout        time.Duration
	HandshakeTimeout        time.Duration
	MetadataFallbackTimeout time.Duration
	NudgeIntervals          []time.Duration

	HTTPClient *http.Client
	Dialer     *websocket.Dialer
}

// Callbacks are invoked from the Conn's read loop goroutine, except OnNudge
// and the metadata-fallback OnReady, which run on timer goroutines.
type Callbacks struct {
	OnReady        func(inputFormat, outputFormat audioformat.Format)
	OnAudio        func(payload []byte)
	OnInterruption func()
	OnError        func(message string)
	OnClose        func(reason string)
	OnNudge        func(attempt int)
}

// Conn is one AI-leg connection and its associated timers. One Conn exists
// per Call; nothing here is shared across calls.
type Conn struct {
	cfg Config
	cb  Callbacks
	ws  *websocket.Conn

	writeMu sync.Mutex

	mu             sync.Mutex
	state          State
	agentHasSpoken bool
	metadataTimer  *time.Timer
	nudgeTimers    []*time.Timer
	suppressClose  bool

	closeOnce sync.Once
	closed    chan struct{}
	ready     chan struct{}
	readyOnce sync.Once
}

// Connect runs the full connect-with-fallback state machine described in
// spec.md §4.5 and returns an open (not yet necessarily ready) Conn.
func Connect(ctx context.Context, cfg Config, cb Callbacks) (*Conn, error) {
	ws, usedSigned, err := dialSignedThenDirect(ctx, cfg)
	if err != nil {
		return nil, err
	}

	c := &Conn{
		cfg:    cfg,
		cb:     cb,
		ws:     ws,
		state:  StateOpen,
		closed: make(chan struct{}),
		ready:  make(chan struct{}),
		// Suppressed until the handshake window resolves in this
		// transport's favor: a close before then is a fallback trigger,
		// not a user-facing event (see below).
		suppressClose: usedSigned,
	}
	go c.readLoop()

	if usedSigned {
		// A transport that dies abnormally before producing any activity,
		// within the handshake window, is treated the same as a dial
		// failure: fall back to the direct transport once (spec.md §4.5
		// reconnect policy). suppressClose keeps this provisional Conn's
		// readLoop from calling cb.OnClose (and thereby tearing down the
		// Call) while that retry is still possible.
		window := cfg.HandshakeTimeout
		if window <= 0 {
			window = 5 * time.Second
		}
		select {
		case <-c.closed:
			_ = ws.Close()
			metrics.AIConnectFallbacks.Inc()
			ws2, _, err2 := dialDirect(ctx, cfg)
			if err2 != nil {
				return nil, fmt.Errorf("aiconnect: fallback transport also failed: %w", err2)
			}
			c = &Conn{cfg: cfg, cb: cb, ws: ws2, state: StateOpen, closed: make(chan struct{}), ready: make(chan struct{})}
			go c.readLoop()
		case <-time.After(window):
			c.mu.Lock()
			c.suppressClose = false
			c.mu.Unlock()
		case <-c.ready:
			c.mu.Lock()
			c.suppressClose = false
			c.mu.Unlock()
		}
	}

	c.armMetadataFallback()
	c.armNudges()
	return c, nil
}

func dialSignedThenDirect(ctx context.Context, cfg Config) (*websocket.Conn, bool, error) {
	if signedURL, err := fetchSignedURL(ctx, cfg); err == nil {
		if ws, _, dialErr := dial(ctx, cfg, signedURL); dialErr == nil {
			return ws, true, nil
		}
	}
	metrics.AIConnectFallbacks.Inc()
	ws, _, err := dialDirect(ctx, cfg)
	if err != nil {
		return nil, false, fmt.Errorf("aiconnect: direct wss dial failed: %w", err)
	}
	return ws, false, nil
}

func dialDirect(ctx context.Context, cfg Config) (*websocket.Conn, *http.Response, error) {
	u, err := url.Parse(cfg.DirectWSSBase)
	if err != nil {
		return nil, nil, fmt.Errorf("aiconnect: invalid direct wss base: %w", err)
	}
	q := u.Query()
	q.Set("agent_id", cfg.AgentID)
	u.RawQuery = q.Encode()
	return dial(ctx, cfg, u.String())
}

func dial(ctx context.Context, cfg Config, target string) (*websocket.Conn, *http.Response, error) {
	timeout := cfg.HandshakeTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	header := http.Header{}
	header.Set("xi-api-key", cfg.APIKey)

	dialer := cfg.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	return dialer.DialContext(dialCtx, target, header)
}

func fetchSignedURL(ctx context.Context, cfg Config) (string, error) {
	timeout := cfg.SignedURLTimeout
	if timeout <= 0 {
		timeout = 4 * time.Second
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	u, err := url.Parse(cfg.SignedURLBase)
	if err != nil {
		return "", fmt.Errorf("aiconnect: invalid signed url base: %w", err)
	}
	q := u.Query()
	q.Set("agent_id", cfg.AgentID)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, u.String(), nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("xi-api-key", cfg.APIKey)

	client := cfg.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("aiconnect: signed url request returned status %d", resp.StatusCode)
	}

	var body wire.SignedURLResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("aiconnect: malformed signed url response: %w", err)
	}
	if strings.TrimSpace(body.SignedURL) == "" {
		return "", fmt.Errorf("aiconnect: signed url response missing signed_url")
	}
	return body.SignedURL, nil
}

// State returns the Conn's current lifecycle state.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// AgentHasSpoken reports whether any agent audio has arrived yet.
func (c *Conn) AgentHasSpoken() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.agentHasSpoken
}

func (c *Conn) writeJSON(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return c.ws.WriteJSON(v)
}

// SendInitiation sends the initial record: dynamic variables only, no
// voice/prompt overrides (spec.md §4.5: "the agent's own configuration
// rules").
func (c *Conn) SendInitiation(vars map[string]any) error {
	return c.writeJSON(wire.AIInitiation{
		Type:                              "conversation_initiation_client_data",
		ConversationInitiationClientData: wire.AIInitiationData{DynamicVariables: vars},
	})
}

func (c *Conn) SendUserAudioChunk(payloadB64 string) error {
	return c.writeJSON(wire.AIUserAudioChunk{UserAudioChunk: payloadB64})
}

func (c *Conn) SendUserAudioStart() error {
	return c.writeJSON(wire.AIControl{Type: "user_audio_start"})
}

func (c *Conn) SendUserAudioEnd() error {
	return c.writeJSON(wire.AIControl{Type: "user_audio_end"})
}

func (c *Conn) SendUserActivity() error {
	return c.writeJSON(wire.AIControl{Type: "user_activity"})
}

func (c *Conn) SendUserMessage(text string) error {
	return c.writeJSON(wire.AIUserMessage{Type: "user_message", UserMessage: wire.AIUserMessageInner{Message: text}})
}

func (c *Conn) SendConversationStart() error {
	return c.writeJSON(wire.AIControl{Type: "conversation_start"})
}

func (c *Conn) sendPong(eventID string) error {
	return c.writeJSON(wire.AIPong{Type: "pong", EventID: eventID})
}

// Close tears down the socket and cancels every timer. Idempotent.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.state = StateClosed
		c.cancelMetadataTimerLocked()
		c.cancelNudgesLocked()
		c.mu.Unlock()

		_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		err = c.ws.Close()
		// readLoop closes c.closed itself when the transport ended first.
		select {
		case <-c.closed:
		default:
			close(c.closed)
		}
	})
	return err
}

func (c *Conn) readLoop() {
	defer func() {
		c.mu.Lock()
		alreadyClosed := c.state == StateClosed
		suppressed := c.suppressClose
		c.mu.Unlock()
		if !alreadyClosed {
			close(c.closed)
		}
		if !suppressed && c.cb.OnClose != nil {
			c.cb.OnClose("ai transport closed")
		}
	}()

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		frame := Classify(data)
		switch frame.Kind {
		case wire.AIInboundMetadata:
			c.handleMetadata(frame)
		case wire.AIInboundAudio:
			c.handleAudio(frame)
		case wire.AIInboundPing:
			_ = c.sendPong(frame.EventID)
		case wire.AIInboundInterruption:
			if c.cb.OnInterruption != nil {
				c.cb.OnInterruption()
			}
		case wire.AIInboundError:
			c.mu.Lock()
			c.state = StateFailed
			c.mu.Unlock()
			if c.cb.OnError != nil {
				c.cb.OnError(frame.ErrorMessage)
			}
			return
		case wire.AIInboundUserTranscript, wire.AIInboundAgentResponse, wire.AIInboundUnknown:
			// diagnostic only; never crashes the Call (spec.md §9).
		}
	}
}

func (c *Conn) handleMetadata(frame wire.AIInboundFrame) {
	in, ok := audioformat.Parse(frame.InputFormat)
	if !ok {
		in = audioformat.ULaw8000
	}
	out, ok := audioformat.Parse(frame.OutputFormat)
	if !ok {
		out = audioformat.ULaw8000
	}

	c.mu.Lock()
	if c.state == StateReady {
		c.mu.Unlock()
		return
	}
	c.state = StateReady
	c.cancelMetadataTimerLocked()
	c.mu.Unlock()
	c.signalReady()

	if c.cb.OnReady != nil {
		c.cb.OnReady(in, out)
	}
}

func (c *Conn) handleAudio(frame wire.AIInboundFrame) {
	audio, err := decodeBase64Any(frame.AudioB64)
	if err != nil || len(audio) == 0 {
		return
	}
	c.mu.Lock()
	c.agentHasSpoken = true
	c.cancelNudgesLocked()
	c.mu.Unlock()

	if c.cb.OnAudio != nil {
		c.cb.OnAudio(audio)
	}
}

func (c *Conn) signalReady() {
	c.readyOnce.Do(func() { close(c.ready) })
}

func (c *Conn) armMetadataFallback() {
	d := c.cfg.MetadataFallbackTimeout
	if d <= 0 {
		d = time.Second
	}
	c.mu.Lock()
	c.metadataTimer = time.AfterFunc(d, c.metadataFallbackFired)
	c.mu.Unlock()
}

// metadataFallbackFired forces an optimistic ready transition, defaulting
// both audio formats to ulaw_8000, so a provider variant that omits the
// metadata event never stalls the Call.
func (c *Conn) metadataFallbackFired() {
	c.mu.Lock()
	if c.state != StateOpen {
		c.mu.Unlock()
		return
	}
	c.state = StateReady
	c.mu.Unlock()
	c.signalReady()

	if c.cb.OnReady != nil {
		c.cb.OnReady(audioformat.ULaw8000, audioformat.ULaw8000)
	}
}

func (c *Conn) cancelMetadataTimerLocked() {
	if c.metadataTimer != nil {
		c.metadataTimer.Stop()
		c.metadataTimer = nil
	}
}

func (c *Conn) armNudges() {
	intervals := c.cfg.NudgeIntervals
	if len(intervals) != 3 {
		intervals = []time.Duration{2 * time.Second, 4 * time.Second, 6 * time.Second}
	}
	c.mu.Lock()
	c.nudgeTimers = make([]*time.Timer, len(intervals))
	for i, d := range intervals {
		attempt := i + 1
		c.nudgeTimers[i] = time.AfterFunc(d, func() { c.nudgeFired(attempt) })
	}
	c.mu.Unlock()
}

func (c *Conn) nudgeFired(attempt int) {
	c.mu.Lock()
	spoken := c.agentHasSpoken
	dead := c.state == StateClosed || c.state == StateFailed
	c.mu.Unlock()
	if spoken || dead {
		return
	}
	if c.cb.OnNudge != nil {
		c.cb.OnNudge(attempt)
	}
}

func (c *Conn) cancelNudgesLocked() {
	for _, t := range c.nudgeTimers {
		if t != nil {
			t.Stop()
		}
	}
	c.nudgeTimers = nil
}

// decodeBase64Any tries every base64 variant a provider might use; ElevenLabs-
// style endpoints are usually standard but sometimes omit padding.
func decodeBase64Any(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	if b, err := base64.StdEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	if b, err := base64.RawStdEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	if b, err := base64.URLEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	if b, err := base64.RawURLEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	return nil, fmt.Errorf("aiconnect: invalid base64 audio payload")
}
