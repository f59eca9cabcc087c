// Package net assembles the HTTP surface: health, diagnostics, metrics,
// and the websocket endpoint.
package net

import (
	"encoding/json"
	nethttp "net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"cardroom/server/internal/observability"
)

// Diagnostics produces the point-in-time snapshot served on /diagnostics.
// The app wiring supplies it from registry, queue, breaker, and load
// controller stats.
type Diagnostics func() any

// NewRouter builds the process mux. The websocket handler is mounted as-is
// so its upgrade path stays free of response middleware.
func NewRouter(ws nethttp.HandlerFunc, diagnostics Diagnostics, obs observability.Config) *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	if obs.EnablePprof {
		r.Mount("/debug", middleware.Profiler())
	}

	r.Get("/health", func(w nethttp.ResponseWriter, _ *nethttp.Request) {
		writeJSON(w, nethttp.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/diagnostics", func(w nethttp.ResponseWriter, _ *nethttp.Request) {
		writeJSON(w, nethttp.StatusOK, diagnostics())
	})
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/ws", ws)

	return r
}

func writeJSON(w nethttp.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}
