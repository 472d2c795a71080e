// Package metrics exposes process-wide Prometheus counters and gauges for
// the bridge, supplementing the health surface named in spec.md §6.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ActiveCalls = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "voicebridge_active_calls",
		Help: "Number of Calls currently in flight.",
	})

	FramesRelayed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "voicebridge_frames_relayed_total",
		Help: "Audio frames relayed, by direction.",
	}, []string{"direction"})

	TurnsStarted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "voicebridge_turns_started_total",
		Help: "Caller turns started by the VAD controller.",
	})

	TurnsEnded = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "voicebridge_turns_ended_total",
		Help: "Caller turns ended (silence or hard cap).",
	})

	NudgesSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "voicebridge_nudges_sent_total",
		Help: "Nudge records sent to the AI provider while awaiting its first response.",
	})

	AIConnectFallbacks = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "voicebridge_ai_connect_fallbacks_total",
		Help: "Times the AI connector fell back from the signed-URL transport to direct WSS.",
	})
)

func init() {
	prometheus.MustRegister(ActiveCalls, FramesRelayed, TurnsStarted, TurnsEnded, NudgesSent, AIConnectFallbacks)
}

// Handler serves the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.Handler()
}
