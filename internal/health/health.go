// Package health exposes the bridge's HTTP health/status surface
// (spec.md §6: "/health", "/", "/status").
package health

import (
	"fmt"
	"net/http"
)

// StatusSource reports how many Calls are currently in flight.
type StatusSource interface {
	Count() int
}

// NewMux builds the health/status mux at the configured paths.
func NewMux(status StatusSource, healthPath, rootPath, statusPath string) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc(healthPath, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	mux.HandleFunc(rootPath, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "voicebridge")
	})
	mux.HandleFunc(statusPath, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, "active_calls=%d\n", status.Count())
	})
	return mux
}
