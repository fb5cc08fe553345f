// OMEN - Durable Signal Delivery for Risk Decisioning
// Copyright 2026 OMEN Authors
// SPDX-License-Identifier: Apache-2.0
// https://github.com/omenhq/omen

// Package supervisor wraps the long-running pieces of the delivery
// subsystem as suture services: the HTTP server and the reconcile
// scheduler. Supervision gives crash isolation and restart-with-backoff
// without hand-rolled goroutine management.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/thejerf/suture/v4"
	"github.com/thejerf/sutureslog"

	"github.com/omenhq/omen/internal/logging"
	"github.com/omenhq/omen/internal/models"
	"github.com/omenhq/omen/internal/reconcile"
)

// HTTPServer matches *http.Server's lifecycle, allowing mocks in tests.
type HTTPServer interface {
	ListenAndServe() error
	Shutdown(ctx context.Context) error
}

// HTTPService adapts an HTTP server's blocking ListenAndServe to
// suture's context-aware Serve.
type HTTPService struct {
	server          HTTPServer
	shutdownTimeout time.Duration
}

// NewHTTPService wraps server as a supervised service.
func NewHTTPService(server HTTPServer, shutdownTimeout time.Duration) *HTTPService {
	if shutdownTimeout <= 0 {
		shutdownTimeout = 10 * time.Second
	}
	return &HTTPService{server: server, shutdownTimeout: shutdownTimeout}
}

func (s *HTTPService) String() string { return "http-server" }

// Serve implements suture.Service. Returns nil on graceful shutdown.
func (s *HTTPService) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http server shutdown: %w", err)
		}
		// Wait for ListenAndServe to unwind before reporting stopped.
		<-errCh
		return ctx.Err()
	}
}

// ReconcileScheduler runs the reconcile sweep on a fixed interval.
type ReconcileScheduler struct {
	job      *reconcile.Job
	interval time.Duration
}

// NewReconcileScheduler builds the scheduler. A zero interval disables
// it; don't add it to the tree in that case.
func NewReconcileScheduler(job *reconcile.Job, interval time.Duration) *ReconcileScheduler {
	return &ReconcileScheduler{job: job, interval: interval}
}

func (s *ReconcileScheduler) String() string { return "reconcile-scheduler" }

// Serve implements suture.Service: sweep, sleep, repeat until canceled.
func (s *ReconcileScheduler) Serve(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			reports, err := s.job.Run(ctx, 0)
			if err != nil {
				logging.Error().Err(err).Msg("scheduled reconcile sweep failed")
				continue
			}
			for _, report := range reports {
				if report.Status != models.ReconcileCompleted {
					logging.Warn().
						Str("partition", report.Partition).
						Str("status", string(report.Status)).
						Msg("reconcile run did not complete")
				}
			}
		}
	}
}

// NewTree builds the root supervisor with sutureslog event logging.
func NewTree(logger *slog.Logger) *suture.Supervisor {
	handler := &sutureslog.Handler{Logger: logger}
	return suture.New("omen", suture.Spec{
		EventHook: handler.MustHook(),
	})
}
