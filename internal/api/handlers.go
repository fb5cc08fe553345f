// OMEN - Durable Signal Delivery for Risk Decisioning
// Copyright 2026 OMEN Authors
// SPDX-License-Identifier: Apache-2.0
// https://github.com/omenhq/omen

// Package api exposes the HTTP surface of the delivery subsystem: the
// consumer-owned ingest endpoint the hot path POSTs to, and the
// operational endpoints for triggering and auditing reconciliation.
package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"

	"github.com/omenhq/omen/internal/breaker"
	"github.com/omenhq/omen/internal/database"
	"github.com/omenhq/omen/internal/ledger"
	"github.com/omenhq/omen/internal/logging"
	"github.com/omenhq/omen/internal/models"
	"github.com/omenhq/omen/internal/reconcile"
)

// maxBodyBytes bounds request bodies on the ingest endpoint.
const maxBodyBytes = 1 << 20 // 1MB

// Handler carries the dependencies of the HTTP endpoints. Constructed
// once at startup with explicit dependencies; no ambient globals.
type Handler struct {
	db       *database.DB
	ledger   *ledger.Ledger
	job      *reconcile.Job
	breakers *breaker.Registry
}

// NewHandler builds the handler set.
func NewHandler(db *database.DB, l *ledger.Ledger, job *reconcile.Job, breakers *breaker.Registry) *Handler {
	return &Handler{db: db, ledger: l, job: job, breakers: breakers}
}

// IngestSignal is the consumer-owned idempotent ingest endpoint.
//
// Responses:
//
//	201 {ack_id}            first acceptance
//	409 {ack_id, duplicate} signal_id already stored; original ack_id
//	400                     malformed envelope
func (h *Handler) IngestSignal(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)

	var env models.DeliveryEnvelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		writeError(w, r, http.StatusBadRequest, "malformed delivery envelope")
		return
	}
	if env.Signal == nil || env.Signal.SignalID == "" {
		writeError(w, r, http.StatusBadRequest, "signal_id is required")
		return
	}
	if key := r.Header.Get("X-Idempotency-Key"); key != "" && key != env.Signal.SignalID {
		writeError(w, r, http.StatusBadRequest, "idempotency key does not match signal_id")
		return
	}
	source := env.Source
	if source != models.SourceHotPath && source != models.SourceReconcile {
		source = models.SourceHotPath
	}

	payload, err := json.Marshal(env.Signal)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "unencodable signal")
		return
	}

	ackID, duplicate, err := h.db.InsertProcessedSignal(r.Context(), &models.ProcessedSignal{
		SignalID:      env.Signal.SignalID,
		TraceID:       env.Signal.TraceID,
		SourceEventID: env.Signal.SourceEventID,
		ProcessedAt:   time.Now().UTC(),
		EmittedAt:     env.EmittedAt,
		PartitionDate: env.Signal.Partition(),
		Source:        source,
		Payload:       payload,
	})
	if err != nil {
		logging.Ctx(r.Context()).Error().Err(err).
			Str("signal_id", env.Signal.SignalID).
			Msg("ingest store insert failed")
		writeError(w, r, http.StatusInternalServerError, "ingest store unavailable")
		return
	}

	if duplicate {
		writeJSON(w, r, http.StatusConflict, models.DeliveryAck{AckID: ackID, Duplicate: true})
		return
	}
	writeJSON(w, r, http.StatusCreated, models.DeliveryAck{AckID: ackID})
}

// reconcileRequest is the optional body of POST /reconcile/run.
type reconcileRequest struct {
	// Date reconciles exactly one partition when set (YYYY-MM-DD).
	Date string `json:"date,omitempty"`

	// SinceDays overrides the trailing window for a full sweep.
	SinceDays int `json:"since_days,omitempty"`
}

// ReconcileRun triggers reconciliation and returns per-partition
// outcomes. A run that repaired nothing still reports its counts.
func (h *Handler) ReconcileRun(w http.ResponseWriter, r *http.Request) {
	var req reconcileRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, r, http.StatusBadRequest, "malformed reconcile request")
			return
		}
	}

	if req.Date != "" {
		if _, err := time.Parse(models.PartitionLayout, req.Date); err != nil {
			writeError(w, r, http.StatusBadRequest, "date must be YYYY-MM-DD")
			return
		}
		report, err := h.job.ReconcilePartition(r.Context(), req.Date)
		if err != nil {
			logging.Ctx(r.Context()).Error().Err(err).Str("partition", req.Date).Msg("reconcile run failed")
			if report == nil {
				writeError(w, r, http.StatusInternalServerError, err.Error())
				return
			}
			// Partial results still go back to the operator.
			writeJSON(w, r, http.StatusInternalServerError, map[string]any{
				"error":   err.Error(),
				"reports": []*models.ReconcileReport{report},
			})
			return
		}
		writeJSON(w, r, http.StatusOK, []*models.ReconcileReport{report})
		return
	}

	reports, err := h.job.Run(r.Context(), req.SinceDays)
	if err != nil {
		logging.Ctx(r.Context()).Error().Err(err).Msg("reconcile sweep failed")
		// Partial results still go back to the operator.
		writeJSON(w, r, http.StatusInternalServerError, map[string]any{
			"error":   err.Error(),
			"reports": reports,
		})
		return
	}
	writeJSON(w, r, http.StatusOK, reports)
}

// ReconcileHistory lists past runs for a partition (?partition=YYYY-MM-DD).
func (h *Handler) ReconcileHistory(w http.ResponseWriter, r *http.Request) {
	partition := r.URL.Query().Get("partition")
	if partition == "" {
		writeError(w, r, http.StatusBadRequest, "partition query parameter is required")
		return
	}
	reports, err := h.db.ListReconcileHistory(r.Context(), partition, 100)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, r, http.StatusOK, reports)
}

// LedgerRecord looks up one record by partition and sequence for audits.
// A record failing verification is an integrity error, never a 404.
func (h *Handler) LedgerRecord(w http.ResponseWriter, r *http.Request) {
	partition := chi.URLParam(r, "partition")
	if _, err := time.Parse(models.PartitionLayout, partition); err != nil {
		writeError(w, r, http.StatusBadRequest, "partition must be YYYY-MM-DD")
		return
	}
	sequence, err := strconv.ParseUint(chi.URLParam(r, "sequence"), 10, 64)
	if err != nil || sequence == 0 {
		writeError(w, r, http.StatusBadRequest, "sequence must be a positive integer")
		return
	}

	rec, err := h.ledger.Record(partition, sequence, ledger.ReadOptions{Verify: true, IncludeLate: true})
	switch {
	case err == nil:
		writeJSON(w, r, http.StatusOK, rec)
	case errors.Is(err, ledger.ErrRecordNotFound):
		writeError(w, r, http.StatusNotFound, err.Error())
	case errors.Is(err, ledger.ErrChecksumMismatch):
		logging.Ctx(r.Context()).Error().Err(err).Str("partition", partition).Msg("ledger record failed verification")
		writeError(w, r, http.StatusInternalServerError, err.Error())
	default:
		writeError(w, r, http.StatusInternalServerError, err.Error())
	}
}

// BreakerStats exposes circuit breaker snapshots for operators.
func (h *Handler) BreakerStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, h.breakers.Stats())
}

// HealthLive reports process liveness.
func (h *Handler) HealthLive(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, map[string]string{"status": "ok"})
}

// HealthReady reports readiness: the ingest store must answer.
func (h *Handler) HealthReady(w http.ResponseWriter, r *http.Request) {
	if _, err := h.db.CountProcessed(r.Context(), time.Now().UTC().Format(models.PartitionLayout)); err != nil {
		writeError(w, r, http.StatusServiceUnavailable, "ingest store unavailable")
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]string{"status": "ready"})
}
