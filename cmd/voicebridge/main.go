package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/callbridge/voicebridge/internal/analytics"
	"github.com/callbridge/voicebridge/internal/bridge/listener"
	"github.com/callbridge/voicebridge/internal/bridge/registry"
	"github.com/callbridge/voicebridge/internal/config"
	"github.com/callbridge/voicebridge/internal/dotenv"
	"github.com/callbridge/voicebridge/internal/health"
	"github.com/callbridge/voicebridge/internal/lifecycle"
	"github.com/callbridge/voicebridge/internal/metrics"
	"github.com/callbridge/voicebridge/internal/profile"
	"github.com/callbridge/voicebridge/internal/twiml"
)

type bridgeDeps struct {
	loadConfig   func() (config.Config, error)
	signalNotify func(chan<- os.Signal, ...os.Signal)
	signalStop   func(chan<- os.Signal)
}

func defaultBridgeDeps() bridgeDeps {
	return bridgeDeps{
		loadConfig: config.LoadFromEnv,
		signalNotify: func(c chan<- os.Signal, sig ...os.Signal) {
			signal.Notify(c, sig...)
		},
		signalStop: signal.Stop,
	}
}

func buildHTTPServer(cfg config.Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:    cfg.Addr,
		Handler: handler,
	}
}

func buildMux(cfg config.Config, logger *slog.Logger, reg *registry.Registry, lc *lifecycle.Lifecycle) *http.ServeMux {
	mux := health.NewMux(reg, cfg.HealthPath, "/", cfg.StatusPath)
	mux.Handle("/metrics", metrics.Handler())

	if cfg.PublicWSSURL != "" {
		mux.HandleFunc(cfg.TwiMLPath, twiml.Handler(cfg.PublicWSSURL))
	}

	store := profileStoreFor(cfg)
	sink := analytics.Sink(analytics.LogSink{Logger: logger})

	l := listener.New(cfg, logger, reg, store, sink, lc)
	mux.Handle(cfg.WSPath, l)
	mux.Handle(cfg.WSAliasPath, l)

	return mux
}

// profileStoreFor resolves the caller-profile lookup backend. No DSN-backed
// store is wired yet; an empty DSN falls back to the no-op store.
func profileStoreFor(cfg config.Config) profile.Store {
	if cfg.ProfileStoreDSN == "" {
		return profile.NoopStore{}
	}
	return profile.NoopStore{}
}

func runBridge(ctx context.Context, logger *slog.Logger, deps bridgeDeps) error {
	if deps.loadConfig == nil {
		return errors.New("missing loadConfig dependency")
	}
	if deps.signalNotify == nil || deps.signalStop == nil {
		return errors.New("missing signal dependency")
	}
	if logger == nil {
		logger = slog.Default()
	}

	cfg, err := deps.loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	reg := registry.New()
	lc := &lifecycle.Lifecycle{}

	mux := buildMux(cfg, logger, reg, lc)
	httpSrv := buildHTTPServer(cfg, mux)

	logger.Info("starting voicebridge", "addr", cfg.Addr, "ws_path", cfg.WSPath, "ws_alias_path", cfg.WSAliasPath)

	listenErrCh := make(chan error, 1)
	go func() {
		err := httpSrv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			listenErrCh <- err
			return
		}
		listenErrCh <- nil
	}()

	sigCh := make(chan os.Signal, 1)
	deps.signalNotify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer deps.signalStop(sigCh)

	select {
	case err := <-listenErrCh:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case sig := <-sigCh:
		logger.Info("shutdown signal received", "signal", sig.String())
	}

	lc.SetDraining(true)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}

	waitCtx, waitCancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer waitCancel()
	if err := reg.Wait(waitCtx); err != nil {
		logger.Warn("calls still active after grace period, cancelling", "active", reg.Count())
		reg.CancelAll()
	}

	if err := <-listenErrCh; err != nil {
		return fmt.Errorf("serve: %w", err)
	}

	logger.Info("voicebridge stopped")
	return nil
}

func runMain(ctx context.Context, stderr io.Writer, deps bridgeDeps) int {
	if stderr == nil {
		stderr = os.Stderr
	}
	logger := slog.New(slog.NewTextHandler(stderr, nil))

	if err := dotenv.LoadFile(".env"); err != nil {
		fmt.Fprintf(stderr, "voicebridge: %v\n", err)
		return 1
	}

	if err := runBridge(ctx, logger, deps); err != nil {
		fmt.Fprintf(stderr, "voicebridge: %v\n", err)
		return 1
	}
	return 0
}

func main() {
	os.Exit(runMain(context.Background(), os.Stderr, defaultBridgeDeps()))
}
