// OMEN - Durable Signal Delivery for Risk Decisioning
// Copyright 2026 OMEN Authors
// SPDX-License-Identifier: Apache-2.0
// https://github.com/omenhq/omen

package api

import (
	"crypto/subtle"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/httprate"

	"github.com/omenhq/omen/internal/logging"
)

// requestID attaches a request ID to the context and response for log
// correlation.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = logging.GenerateRequestID()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(logging.ContextWithRequestID(r.Context(), id)))
	})
}

// bearerAuth enforces the static API key. An empty configured key
// disables auth (development only).
func bearerAuth(apiKey string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if apiKey == "" {
				next.ServeHTTP(w, r)
				return
			}
			header := r.Header.Get("Authorization")
			token, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(apiKey)) != 1 {
				writeError(w, r, http.StatusUnauthorized, "invalid or missing bearer token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ingestRateLimit caps ingest requests per client IP. Rejected requests
// get 429 with a Retry-After header so well-behaved emitters back off by
// the server's schedule.
func ingestRateLimit(perMinute int) func(http.Handler) http.Handler {
	window := time.Minute
	return httprate.Limit(
		perMinute,
		window,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Retry-After", strconv.Itoa(int(window.Seconds())))
			writeError(w, r, http.StatusTooManyRequests, "ingest rate limit exceeded")
		}),
	)
}
