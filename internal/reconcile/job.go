// OMEN - Durable Signal Delivery for Risk Decisioning
// Copyright 2026 OMEN Authors
// SPDX-License-Identifier: Apache-2.0
// https://github.com/omenhq/omen

package reconcile

import (
	"context"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/omenhq/omen/internal/database"
	"github.com/omenhq/omen/internal/emitter"
	"github.com/omenhq/omen/internal/ledger"
	"github.com/omenhq/omen/internal/logging"
	"github.com/omenhq/omen/internal/metrics"
	"github.com/omenhq/omen/internal/models"
)

// Config holds reconcile job settings.
type Config struct {
	// SinceDays is the trailing partition window Run covers.
	SinceDays int

	// ReplayRatePerSecond paces replays so reconciliation cannot starve
	// live emission. Zero means unpaced.
	ReplayRatePerSecond float64

	// ManifestRevision is recorded into state rows. Revision drift alone
	// never forces a run (highwater is the only trigger).
	ManifestRevision int64
}

// Job reads the ledger and the ingest store, computes the missing set
// per partition and replays it. Reconciling one partition never blocks
// emission to another: the job only takes per-partition read paths.
type Job struct {
	cfg     Config
	ledger  *ledger.Ledger
	db      *database.DB
	emitter *emitter.Emitter
	limiter *rate.Limiter

	// now is a clock hook for tests.
	now func() time.Time
}

// NewJob builds a reconcile job sharing the live delivery path.
func NewJob(cfg Config, l *ledger.Ledger, db *database.DB, em *emitter.Emitter) *Job {
	var limiter *rate.Limiter
	if cfg.ReplayRatePerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.ReplayRatePerSecond), 1)
	}
	if cfg.ManifestRevision == 0 {
		cfg.ManifestRevision = 1
	}
	return &Job{
		cfg:     cfg,
		ledger:  l,
		db:      db,
		emitter: em,
		limiter: limiter,
		now:     time.Now,
	}
}

// SetClock replaces the job clock. Intended for tests.
func (j *Job) SetClock(now func() time.Time) { j.now = now }

// Run reconciles every partition in the trailing window that
// NeedsReconcile flags, oldest first. The returned reports cover only
// the partitions that actually ran.
func (j *Job) Run(ctx context.Context, sinceDays int) ([]*models.ReconcileReport, error) {
	if sinceDays <= 0 {
		sinceDays = j.cfg.SinceDays
	}

	today := j.now().UTC().Truncate(24 * time.Hour)
	var reports []*models.ReconcileReport
	for i := sinceDays - 1; i >= 0; i-- {
		partition := today.AddDate(0, 0, -i).Format(models.PartitionLayout)

		highwater, err := j.ledger.Highwater(partition)
		if err != nil {
			return reports, err
		}

		needed, reason, err := NeedsReconcile(ctx, j.db, partition, highwater, j.cfg.ManifestRevision)
		if err != nil {
			return reports, err
		}
		if !needed {
			logging.Debug().Str("partition", partition).Str("reason", reason).Msg("partition up to date")
			continue
		}
		if highwater == 0 && reason == ReasonNeverReconciled {
			// Nothing was ever ledgered for this day; recording a state
			// row would only add churn.
			continue
		}

		report, err := j.ReconcilePartition(ctx, partition)
		if report != nil {
			report.Reason = reason
			reports = append(reports, report)
		}
		if err != nil {
			return reports, err
		}
	}
	return reports, nil
}

// ReconcilePartition repairs one partition and persists its state and
// history. It always produces a report, even on partial failure; only
// infrastructure errors (store unreachable) return a non-nil error.
func (j *Job) ReconcilePartition(ctx context.Context, partition string) (*models.ReconcileReport, error) {
	start := j.now()
	report := &models.ReconcileReport{
		RunID:     uuid.New().String(),
		Partition: partition,
		StartedAt: start.UTC(),
	}
	defer func() {
		report.DurationMS = time.Since(start).Milliseconds()
		metrics.ReconcileDuration.Observe(time.Since(start).Seconds())
		metrics.ReconcileRuns.WithLabelValues(string(report.Status)).Inc()
	}()

	records, highwater, readErr := j.readLedger(partition)
	report.LedgerCount = len(records)

	processed, err := j.db.ListProcessedIDs(ctx, partition)
	if err != nil {
		report.Status = models.ReconcileFailed
		j.persist(ctx, report, highwater)
		return report, err
	}
	report.ProcessedCount = len(processed)

	// The missing set: ledgered but never acked by the consumer.
	var missing []*models.LedgerRecord
	for _, rec := range records {
		signal, err := rec.DecodeSignal()
		if err != nil {
			logging.Warn().Err(err).
				Str("partition", partition).
				Uint64("sequence", rec.Sequence).
				Msg("skipping undecodable ledger record")
			readErr = err
			continue
		}
		if !processed[signal.SignalID] {
			missing = append(missing, rec)
		}
	}
	report.MissingCount = len(missing)
	metrics.ReconcileMissing.Add(float64(len(missing)))

	replayFailures := 0
	for _, rec := range missing {
		if j.limiter != nil {
			if err := j.limiter.Wait(ctx); err != nil {
				report.Status = models.ReconcilePartial
				j.persist(ctx, report, highwater)
				return report, err
			}
		}

		result := j.emitter.Replay(ctx, rec)
		switch result.Status {
		case models.EmitDelivered, models.EmitDuplicate:
			signal, _ := rec.DecodeSignal()
			report.ReplayedIDs = append(report.ReplayedIDs, signal.SignalID)
			report.ReplayedCount++
			metrics.ReconcileReplayed.Inc()
		default:
			replayFailures++
			logging.Warn().
				Str("partition", partition).
				Uint64("sequence", rec.Sequence).
				Str("reason", result.Reason).
				Msg("replay failed, will retry next run")
		}
	}

	switch {
	case replayFailures == 0 && readErr == nil:
		report.Status = models.ReconcileCompleted
	case report.ReplayedCount > 0 || report.MissingCount == 0:
		report.Status = models.ReconcilePartial
	default:
		report.Status = models.ReconcileFailed
	}

	j.persist(ctx, report, highwater)

	logging.Info().
		Str("partition", partition).
		Str("status", string(report.Status)).
		Int("ledger_count", report.LedgerCount).
		Int("processed_count", report.ProcessedCount).
		Int("missing_count", report.MissingCount).
		Int("replayed_count", report.ReplayedCount).
		Int64("duration_ms", report.DurationMS).
		Msg("reconcile run finished")

	return report, nil
}

// readLedger loads the partition's records, late segment included and
// checksums verified. A corrupt tail or checksum failure ends the read
// early; the valid prefix is still reconciled and the error degrades the
// run status so the next sweep retries.
func (j *Job) readLedger(partition string) ([]*models.LedgerRecord, uint64, error) {
	reader, err := j.ledger.ReadPartition(partition, ledger.ReadOptions{Verify: true, IncludeLate: true})
	if err != nil {
		return nil, 0, err
	}
	defer reader.Close()

	records, readErr := reader.ReadAll()
	var highwater uint64
	for _, rec := range records {
		if rec.Sequence > highwater {
			highwater = rec.Sequence
		}
	}
	if readErr != nil {
		logging.Error().Err(readErr).Str("partition", partition).Msg("ledger read ended early")
	}
	return records, highwater, readErr
}

// persist upserts the state row and appends the history entry. Failures
// here are logged, not fatal: the next NeedsReconcile treats a stale or
// missing state as drift and runs again.
func (j *Job) persist(ctx context.Context, report *models.ReconcileReport, highwater uint64) {
	state := &models.ReconcileState{
		Partition:         report.Partition,
		LastReconcileAt:   j.now().UTC(),
		LedgerHighwater:   highwater,
		ManifestRevision:  j.cfg.ManifestRevision,
		LedgerRecordCount: report.LedgerCount,
		ProcessedCount:    report.ProcessedCount,
		MissingCount:      report.MissingCount,
		Status:            report.Status,
	}
	if err := j.db.UpsertReconcileState(ctx, state); err != nil {
		logging.Error().Err(err).Str("partition", report.Partition).Msg("persist reconcile state failed")
	}
	if err := j.db.InsertReconcileHistory(ctx, report); err != nil {
		logging.Error().Err(err).Str("partition", report.Partition).Msg("persist reconcile history failed")
	}
}
