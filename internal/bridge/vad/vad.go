// Package vad tracks the caller's speaking state for one Call and fires
// turn-start/turn-end events on silence or a hard utterance cap.
//
// This is deliberately naive: absence of inbound frames is the only
// silence signal (no energy threshold, no semantic turn-completion check).
// The telephony leg suppresses comfort noise, so silence of frames is a
// reliable proxy for a phone call. A future detector can plug in here
// without changing the turn-start/turn-end event shape.
package vad

import (
	"sync"
	"time"
)

// State is the caller's turn state.
type State int

const (
	Idle State = iota
	Speaking
)

func (s State) String() string {
	if s == Speaking {
		return "speaking"
	}
	return "idle"
}

// Config holds the controller's timing tunables.
type Config struct {
	SilenceTimeout time.Duration // default 800ms
	HardCapTimeout time.Duration // default 3s
	AgentCooldown  time.Duration // default 500ms
}

// Controller is the per-Call turn-state machine described in spec.md §4.3.
// All exported methods are safe for concurrent use, though in practice a
// Call drives them from its single logical event loop.
type Controller struct {
	cfg Config

	mu              sync.Mutex
	state           State
	aiOpen          bool
	agentHasSpoken  bool
	lastAgentOutput time.Time
	silenceTimer    *time.Timer
	hardCapTimer    *time.Timer

	onTurnStart func()
	onTurnEnd   func()
}

// New creates a Controller. Zero-valued Config fields fall back to
// spec.md's stated defaults.
func New(cfg Config) *Controller {
	if cfg.SilenceTimeout <= 0 {
		cfg.SilenceTimeout = 800 * time.Millisecond
	}
	if cfg.HardCapTimeout <= 0 {
		cfg.HardCapTimeout = 3 * time.Second
	}
	if cfg.AgentCooldown <= 0 {
		cfg.AgentCooldown = 500 * time.Millisecond
	}
	return &Controller{cfg: cfg}
}

// SetCallbacks installs the turn-start/turn-end handlers. onTurnStart fires
// when a caller utterance begins; onTurnEnd fires on silence or hard-cap
// exit, never on an agent-audio reset (spec.md: "no user_audio_end
// synthesized by the VAD" in that case).
func (c *Controller) SetCallbacks(onTurnStart, onTurnEnd func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onTurnStart = onTurnStart
	c.onTurnEnd = onTurnEnd
}

// SetAIOpen records whether the AI socket is currently open. While it is
// not open, turn entry is never blocked by the agent cooldown.
func (c *Controller) SetAIOpen(open bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.aiOpen = open
}

// State returns the current turn state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// InboundFrame reports one caller audio frame. It may enter a turn (firing
// onTurnStart) and always resets the silence timer while speaking.
func (c *Controller) InboundFrame() {
	c.mu.Lock()
	entering := c.shouldEnterLocked(time.Now())
	if entering {
		c.state = Speaking
		c.armHardCapLocked()
	}
	if c.state == Speaking {
		c.armSilenceLocked()
	}
	onStart := c.onTurnStart
	c.mu.Unlock()

	if entering && onStart != nil {
		onStart()
	}
}

// AgentAudioArrived records agent output. It updates the cooldown clock and,
// if a caller turn is open, resets it to idle without firing onTurnEnd: the
// AI has taken the turn, so no synthetic user_audio_end is warranted.
func (c *Controller) AgentAudioArrived() {
	c.mu.Lock()
	c.lastAgentOutput = time.Now()
	c.agentHasSpoken = true
	if c.state == Speaking {
		c.state = Idle
		c.stopTimersLocked()
	}
	c.mu.Unlock()
}

// AgentHasSpoken reports whether the agent has produced any audio yet.
func (c *Controller) AgentHasSpoken() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.agentHasSpoken
}

// Stop cancels any pending timers without firing onTurnEnd. Call on Call
// cleanup so no stray timer fires after teardown (invariant I6).
func (c *Controller) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopTimersLocked()
}

func (c *Controller) shouldEnterLocked(now time.Time) bool {
	if c.state != Idle {
		return false
	}
	if !c.agentHasSpoken || !c.aiOpen {
		return true
	}
	return now.Sub(c.lastAgentOutput) > c.cfg.AgentCooldown
}

func (c *Controller) armHardCapLocked() {
	if c.hardCapTimer != nil {
		c.hardCapTimer.Stop()
	}
	c.hardCapTimer = time.AfterFunc(c.cfg.HardCapTimeout, c.exit)
}

func (c *Controller) armSilenceLocked() {
	if c.silenceTimer != nil {
		c.silenceTimer.Stop()
	}
	c.silenceTimer = time.AfterFunc(c.cfg.SilenceTimeout, c.exit)
}

func (c *Controller) stopTimersLocked() {
	if c.silenceTimer != nil {
		c.silenceTimer.Stop()
		c.silenceTimer = nil
	}
	if c.hardCapTimer != nil {
		c.hardCapTimer.Stop()
		c.hardCapTimer = nil
	}
}

// exit is the shared silence/hard-cap turn-exit path. It is idempotent: a
// second timer firing after the turn already closed is a no-op, which is
// what guarantees only one turn-end event per turn (spec.md §8).
func (c *Controller) exit() {
	c.mu.Lock()
	if c.state != Speaking {
		c.mu.Unlock()
		return
	}
	c.state = Idle
	c.stopTimersLocked()
	onEnd := c.onTurnEnd
	c.mu.Unlock()

	if onEnd != nil {
		onEnd()
	}
}
