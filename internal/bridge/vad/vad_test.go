package vad

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func newTestController(silence, hardCap time.Duration) *Controller {
	return New(Config{
		SilenceTimeout: silence,
		HardCapTimeout: hardCap,
		AgentCooldown:  500 * time.Millisecond,
	})
}

func TestInboundFrame_EntersTurnWhenAgentNeverSpoken(t *testing.T) {
	c := newTestController(50*time.Millisecond, time.Second)

	var starts int32
	c.SetCallbacks(func() { atomic.AddInt32(&starts, 1) }, nil)

	c.InboundFrame()
	if c.State() != Speaking {
		t.Fatal("expected Speaking after first frame")
	}
	if atomic.LoadInt32(&starts) != 1 {
		t.Fatalf("starts = %d, want 1", atomic.LoadInt32(&starts))
	}

	// A second frame while already speaking must not re-fire onTurnStart.
	c.InboundFrame()
	if atomic.LoadInt32(&starts) != 1 {
		t.Fatalf("starts = %d, want 1 (no re-entry while speaking)", atomic.LoadInt32(&starts))
	}
}

func TestSilenceTimeout_FiresTurnEndExactlyOnce(t *testing.T) {
	c := newTestController(40*time.Millisecond, time.Second)

	var ends int32
	var mu sync.Mutex
	c.SetCallbacks(nil, func() {
		mu.Lock()
		ends++
		mu.Unlock()
	})

	c.InboundFrame()
	time.Sleep(100 * time.Millisecond)

	if c.State() != Idle {
		t.Fatal("expected Idle after silence timeout")
	}
	mu.Lock()
	got := ends
	mu.Unlock()
	if got != 1 {
		t.Fatalf("turn-end fired %d times, want 1", got)
	}
}

func TestHardCap_FiresWhileSilenceTimerPending_OnlyOneExit(t *testing.T) {
	// Hard cap is shorter than silence here, so it fires first; the silence
	// timer (still pending) must be a no-op once it eventually fires too.
	c := newTestController(500*time.Millisecond, 40*time.Millisecond)

	var ends int32
	c.SetCallbacks(nil, func() { atomic.AddInt32(&ends, 1) })

	c.InboundFrame()
	time.Sleep(150 * time.Millisecond)

	if got := atomic.LoadInt32(&ends); got != 1 {
		t.Fatalf("turn-end fired %d times, want 1", got)
	}
}

func TestAgentAudioArrived_ResetsTurnWithoutTurnEnd(t *testing.T) {
	c := newTestController(time.Second, time.Second)

	var ends int32
	c.SetCallbacks(nil, func() { atomic.AddInt32(&ends, 1) })

	c.InboundFrame()
	if c.State() != Speaking {
		t.Fatal("expected Speaking")
	}

	c.AgentAudioArrived()
	if c.State() != Idle {
		t.Fatal("expected Idle after agent audio")
	}
	if got := atomic.LoadInt32(&ends); got != 0 {
		t.Fatalf("turn-end fired %d times, want 0 (VAD must not synthesize it)", got)
	}
}

func TestReentryBlockedDuringCooldownWhenAIOpen(t *testing.T) {
	c := newTestController(20*time.Millisecond, time.Second)
	c.SetAIOpen(true)

	var starts int32
	c.SetCallbacks(func() { atomic.AddInt32(&starts, 1) }, nil)

	c.AgentAudioArrived() // agent has spoken, cooldown starts now
	c.InboundFrame()      // immediately within cooldown window

	if c.State() != Idle {
		t.Fatal("expected turn entry to be blocked during cooldown")
	}
	if got := atomic.LoadInt32(&starts); got != 0 {
		t.Fatalf("starts = %d, want 0", got)
	}
}

func TestReentryAllowedWhenAISocketNotOpen(t *testing.T) {
	c := newTestController(20*time.Millisecond, time.Second)
	c.SetAIOpen(false)

	c.AgentAudioArrived()
	c.InboundFrame()

	if c.State() != Speaking {
		t.Fatal("expected turn entry even within cooldown when AI socket is not open")
	}
}

func TestStop_CancelsTimersWithoutFiringTurnEnd(t *testing.T) {
	c := newTestController(30*time.Millisecond, time.Second)

	var ends int32
	c.SetCallbacks(nil, func() { atomic.AddInt32(&ends, 1) })

	c.InboundFrame()
	c.Stop()
	time.Sleep(80 * time.Millisecond)

	if got := atomic.LoadInt32(&ends); got != 0 {
		t.Fatalf("turn-end fired %d times after Stop, want 0", got)
	}
}
