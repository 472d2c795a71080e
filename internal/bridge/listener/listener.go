// Package listener accepts the telephony provider's WebSocket upgrade and
// hands each accepted connection to a new Call.
package listener

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/callbridge/voicebridge/internal/analytics"
	"github.com/callbridge/voicebridge/internal/bridge/call"
	"github.com/callbridge/voicebridge/internal/bridge/registry"
	"github.com/callbridge/voicebridge/internal/config"
	"github.com/callbridge/voicebridge/internal/lifecycle"
	"github.com/callbridge/voicebridge/internal/profile"
)

// Listener upgrades incoming telephony connections and spawns a Call for
// each one it accepts.
type Listener struct {
	Config    config.Config
	Logger    *slog.Logger
	Registry  *registry.Registry
	Store     profile.Store
	Sink      analytics.Sink
	Lifecycle *lifecycle.Lifecycle

	upgrader websocket.Upgrader
}

// New builds a Listener. store and sink may be nil; the zero values
// (profile.NoopStore / no analytics) are substituted.
func New(cfg config.Config, logger *slog.Logger, reg *registry.Registry, store profile.Store, sink analytics.Sink, lc *lifecycle.Lifecycle) *Listener {
	if logger == nil {
		logger = slog.Default()
	}
	if store == nil {
		store = profile.NoopStore{}
	}
	return &Listener{
		Config:    cfg,
		Logger:    logger,
		Registry:  reg,
		Store:     store,
		Sink:      sink,
		Lifecycle: lc,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// ServeHTTP implements http.Handler. It rejects the upgrade outright when
// the process is draining or a process-wide token is configured and absent
// or wrong in the query string; telephony-level auth mismatches (the start
// event's own token field) are handled later inside the Call.
func (l *Listener) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if l.Lifecycle != nil && l.Lifecycle.IsDraining() {
		http.Error(w, "server is draining", http.StatusServiceUnavailable)
		return
	}
	if l.Config.BearerToken != "" {
		if r.URL.Query().Get("token") != l.Config.BearerToken {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
	}

	ws, err := l.upgrader.Upgrade(w, r, nil)
	if err != nil {
		l.Logger.Warn("websocket upgrade failed", "err", err, "remote", r.RemoteAddr)
		return
	}

	c := call.New(context.Background(), l.Config, l.Logger, ws, l.Registry, l.Store, l.Sink)
	l.Logger.Info("call accepted", "session_id", c.ID(), "remote", r.RemoteAddr)
	go c.Run()
}
