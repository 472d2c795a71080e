// Package analytics models the downstream analytics sink named
// out-of-scope at the implementation level (spec.md §1/§6): the
// orchestrator records one Summary per Call without owning persistence.
package analytics

import (
	"context"
	"log/slog"
	"time"
)

// Summary is recorded once, from the orchestrator's cleanup path.
type Summary struct {
	SessionID          string
	CallerPhone        string
	Mode               string
	AgentID            string
	Duration           time.Duration
	InboundFrames      int64
	OutboundFrames     int64
	TerminationReason  string
}

// Sink persists or forwards a call Summary.
type Sink interface {
	RecordCall(ctx context.Context, s Summary) error
}

// LogSink writes one structured line per call. It is the default: it keeps
// the call summary observable without inventing a persistence dependency
// that isn't grounded in anything the bridge actually imports.
type LogSink struct {
	Logger *slog.Logger
}

func (s LogSink) RecordCall(ctx context.Context, sum Summary) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("call completed",
		"session_id", sum.SessionID,
		"mode", sum.Mode,
		"agent_id", sum.AgentID,
		"duration_ms", sum.Duration.Milliseconds(),
		"inbound_frames", sum.InboundFrames,
		"outbound_frames", sum.OutboundFrames,
		"termination_reason", sum.TerminationReason,
	)
	return nil
}
