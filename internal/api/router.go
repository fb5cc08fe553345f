// OMEN - Durable Signal Delivery for Risk Decisioning
// Copyright 2026 OMEN Authors
// SPDX-License-Identifier: Apache-2.0
// https://github.com/omenhq/omen

package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RouterConfig holds the API surface settings.
type RouterConfig struct {
	// APIKey is the static bearer key; empty disables auth.
	APIKey string

	// IngestRatePerMinute caps ingest requests per client IP.
	IngestRatePerMinute int
}

// NewRouter assembles the HTTP surface.
func NewRouter(cfg RouterConfig, h *Handler) http.Handler {
	r := chi.NewRouter()

	r.Use(requestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)

	// Health and metrics stay unauthenticated for probes and scrapers.
	r.Route("/api/v1/health", func(r chi.Router) {
		r.Get("/live", h.HealthLive)
		r.Get("/ready", h.HealthReady)
	})
	r.Handle("/metrics", promhttp.Handler())

	// Consumer-owned ingest endpoint: the hot path and reconcile replay
	// both land here.
	r.Route("/signals", func(r chi.Router) {
		r.Use(ingestRateLimit(cfg.IngestRatePerMinute))
		r.Use(bearerAuth(cfg.APIKey))
		r.Post("/ingest", h.IngestSignal)
	})

	// Operational endpoints.
	r.Route("/reconcile", func(r chi.Router) {
		r.Use(bearerAuth(cfg.APIKey))
		r.Post("/run", h.ReconcileRun)
		r.Get("/history", h.ReconcileHistory)
	})
	r.With(bearerAuth(cfg.APIKey)).Get("/ledger/{partition}/{sequence}", h.LedgerRecord)
	r.With(bearerAuth(cfg.APIKey)).Get("/api/v1/breakers", h.BreakerStats)

	return r
}
