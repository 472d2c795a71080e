// Package config loads process-wide configuration for the voice bridge from
// the environment. Configuration is loaded once at startup and never
// mutated afterward.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds every tunable the bridge needs. Nothing here is mutable
// after LoadFromEnv returns.
type Config struct {
	Addr string

	// AI provider credentials and endpoints.
	AIAPIKey        string
	SignedURLBase   string // e.g. https://api.elevenlabs.io/v1/convai/conversation/get_signed_url
	DirectWSSBase   string // e.g. wss://api.elevenlabs.io/v1/convai/conversation
	DefaultAgentID  map[string]string // mode -> agent id ("discovery", "daily")

	// Telephony-side auth.
	BearerToken string // empty disables the check

	// Tunables (spec.md §5/§6).
	SilenceDuration         time.Duration
	UtteranceMaxDuration    time.Duration
	UpstreamPacketDuration  time.Duration
	UpstreamFlushInterval   time.Duration
	MetadataFallbackTimeout time.Duration
	NudgeIntervals          []time.Duration
	NudgeFollowupDelay      time.Duration
	AgentSpeakCooldown      time.Duration

	SignedURLTimeout      time.Duration
	AIHandshakeTimeout    time.Duration
	ShutdownGracePeriod   time.Duration

	LogSampleRate int // log every Nth inbound and outbound frame; 1 logs every frame, <=0 fails Validate

	HealthPath  string
	WSPath      string
	WSAliasPath string
	TwiMLPath   string
	StatusPath  string

	// PublicWSSURL is the externally reachable wss:// URL telephony should
	// connect its media stream to; baked into the TwiML document.
	PublicWSSURL string

	// Optional glue DSNs, read from the environment but not used to select a
	// backend: the profile store is always profile.NoopStore and the
	// analytics sink is always analytics.LogSink (see cmd/voicebridge).
	ProfileStoreDSN  string
	AnalyticsSinkDSN string
}

// LoadFromEnv builds a Config from the process environment, applying
// defaults for anything unset.
func LoadFromEnv() (Config, error) {
	cfg := Config{
		Addr:            envOr("BRIDGE_ADDR", ":8080"),
		AIAPIKey:        strings.TrimSpace(os.Getenv("BRIDGE_AI_API_KEY")),
		SignedURLBase:   envOr("BRIDGE_AI_SIGNED_URL_BASE", "https://api.elevenlabs.io/v1/convai/conversation/get_signed_url"),
		DirectWSSBase:   envOr("BRIDGE_AI_DIRECT_WSS_BASE", "wss://api.elevenlabs.io/v1/convai/conversation"),
		DefaultAgentID:  map[string]string{},
		BearerToken:     strings.TrimSpace(os.Getenv("BRIDGE_BEARER_TOKEN")),

		SilenceDuration:         envDurationOr("BRIDGE_SILENCE_MS", 800*time.Millisecond),
		UtteranceMaxDuration:    envDurationOr("BRIDGE_UTTERANCE_MAX_MS", 3*time.Second),
		UpstreamPacketDuration:  envDurationOr("BRIDGE_BUFFER_MS", 200*time.Millisecond),
		UpstreamFlushInterval:   envDurationOr("BRIDGE_BUFFER_FLUSH_TICK_MS", 50*time.Millisecond),
		MetadataFallbackTimeout: envDurationOr("BRIDGE_METADATA_FALLBACK_MS", time.Second),
		NudgeFollowupDelay:      envDurationOr("BRIDGE_NUDGE_FOLLOWUP_MS", 250*time.Millisecond),
		AgentSpeakCooldown:      envDurationOr("BRIDGE_AGENT_COOLDOWN_MS", 500*time.Millisecond),

		SignedURLTimeout:    envDurationOr("BRIDGE_SIGNED_URL_TIMEOUT", 4*time.Second),
		AIHandshakeTimeout:  envDurationOr("BRIDGE_AI_HANDSHAKE_TIMEOUT", 5*time.Second),
		ShutdownGracePeriod: envDurationOr("BRIDGE_SHUTDOWN_GRACE_PERIOD", 15*time.Second),

		LogSampleRate: envIntOr("BRIDGE_LOG_SAMPLE_RATE", 25),

		HealthPath:   envOr("BRIDGE_HEALTH_PATH", "/health"),
		WSPath:       envOr("BRIDGE_WS_PATH", "/ws"),
		WSAliasPath:  envOr("BRIDGE_WS_ALIAS_PATH", "/media-stream"),
		TwiMLPath:    envOr("BRIDGE_TWIML_PATH", "/twiml"),
		StatusPath:   envOr("BRIDGE_STATUS_PATH", "/status"),
		PublicWSSURL: strings.TrimSpace(os.Getenv("BRIDGE_PUBLIC_WSS_URL")),

		ProfileStoreDSN:  strings.TrimSpace(os.Getenv("BRIDGE_PROFILE_STORE_DSN")),
		AnalyticsSinkDSN: strings.TrimSpace(os.Getenv("BRIDGE_ANALYTICS_SINK_DSN")),
	}

	cfg.NudgeIntervals = []time.Duration{
		envDurationOr("BRIDGE_NUDGE_1_MS", 2*time.Second),
		envDurationOr("BRIDGE_NUDGE_2_MS", 4*time.Second),
		envDurationOr("BRIDGE_NUDGE_3_MS", 6*time.Second),
	}

	if v := strings.TrimSpace(os.Getenv("BRIDGE_AGENT_ID_DISCOVERY")); v != "" {
		cfg.DefaultAgentID["discovery"] = v
	}
	if v := strings.TrimSpace(os.Getenv("BRIDGE_AGENT_ID_DAILY")); v != "" {
		cfg.DefaultAgentID["daily"] = v
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks invariants LoadFromEnv can't express inline. It is also
// used directly by tests that build a Config by hand.
func (cfg Config) Validate() error {
	if strings.TrimSpace(cfg.AIAPIKey) == "" {
		return fmt.Errorf("BRIDGE_AI_API_KEY must be set")
	}
	if cfg.DefaultAgentID["discovery"] == "" {
		return fmt.Errorf("BRIDGE_AGENT_ID_DISCOVERY must be set (no per-call agent_id fallback)")
	}
	if cfg.SilenceDuration <= 0 {
		return fmt.Errorf("BRIDGE_SILENCE_MS must be > 0")
	}
	if cfg.UtteranceMaxDuration <= 0 {
		return fmt.Errorf("BRIDGE_UTTERANCE_MAX_MS must be > 0")
	}
	if cfg.UpstreamPacketDuration <= 0 {
		return fmt.Errorf("BRIDGE_BUFFER_MS must be > 0")
	}
	if cfg.UpstreamFlushInterval <= 0 {
		return fmt.Errorf("BRIDGE_BUFFER_FLUSH_TICK_MS must be > 0")
	}
	if cfg.MetadataFallbackTimeout <= 0 {
		return fmt.Errorf("BRIDGE_METADATA_FALLBACK_MS must be > 0")
	}
	if len(cfg.NudgeIntervals) != 3 {
		return fmt.Errorf("exactly three nudge intervals are required")
	}
	for i, d := range cfg.NudgeIntervals {
		if d <= 0 {
			return fmt.Errorf("nudge interval %d must be > 0", i+1)
		}
	}
	if cfg.SignedURLTimeout <= 0 {
		return fmt.Errorf("BRIDGE_SIGNED_URL_TIMEOUT must be > 0")
	}
	if cfg.AIHandshakeTimeout <= 0 {
		return fmt.Errorf("BRIDGE_AI_HANDSHAKE_TIMEOUT must be > 0")
	}
	if cfg.ShutdownGracePeriod <= 0 {
		return fmt.Errorf("BRIDGE_SHUTDOWN_GRACE_PERIOD must be > 0")
	}
	if cfg.LogSampleRate <= 0 {
		return fmt.Errorf("BRIDGE_LOG_SAMPLE_RATE must be > 0")
	}
	return nil
}

// AgentIDFor resolves the agent id for a mode, given an optional per-call
// override parameter (spec.md §4.6: "if agent_id parameter is present use
// it; else use the per-mode default").
func (cfg Config) AgentIDFor(mode, override string) (string, bool) {
	if strings.TrimSpace(override) != "" {
		return override, true
	}
	id, ok := cfg.DefaultAgentID[mode]
	return id, ok
}

func envOr(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envIntOr(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func envDurationOr(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return d
}
