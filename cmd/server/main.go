// OMEN - Durable Signal Delivery for Risk Decisioning
// Copyright 2026 OMEN Authors
// SPDX-License-Identifier: Apache-2.0
// https://github.com/omenhq/omen

// Package main is the entry point for the OMEN delivery server.
//
// OMEN makes risk signals durable before anything else sees them. Every
// emitted signal is appended to a partitioned, checksummed ledger first;
// only then is best-effort delivery to the downstream consumer
// attempted, behind a circuit breaker with bounded retries. A reconcile
// job replays whatever the hot path dropped, so the consumer converges
// on the ledger's contents.
//
// # Application Architecture
//
// The server initializes components in the following order:
//
//  1. Configuration: layered Koanf v2 (defaults, config.yaml, OMEN_* env)
//  2. Ledger: append-only CRC-framed segments, one per date partition
//  3. Database: DuckDB ingest store and reconcile state
//  4. Breakers: named circuit breaker registry (hot-path consumer)
//  5. Emitter: ledger-first dual-path emission
//  6. Reconcile: gap-repair job plus its interval scheduler
//  7. HTTP Server: ingest, reconcile ops, breakers, health, metrics
//
// # Signal Handling
//
// SIGINT and SIGTERM trigger graceful shutdown: the HTTP server drains
// in-flight requests, the scheduler stops, then the ledger and database
// close.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/omenhq/omen/internal/api"
	"github.com/omenhq/omen/internal/breaker"
	"github.com/omenhq/omen/internal/config"
	"github.com/omenhq/omen/internal/database"
	"github.com/omenhq/omen/internal/emitter"
	"github.com/omenhq/omen/internal/ledger"
	"github.com/omenhq/omen/internal/logging"
	"github.com/omenhq/omen/internal/reconcile"
	"github.com/omenhq/omen/internal/schema"
	"github.com/omenhq/omen/internal/supervisor"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		// Default logger; config is not available yet.
		logging.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})

	logging.Info().
		Str("ledger_dir", cfg.Ledger.Dir).
		Str("db_path", cfg.Database.Path).
		Str("hot_path_url", cfg.HotPath.URL).
		Msg("Configuration loaded")

	led, err := ledger.Open(ledger.Config{
		Dir:        cfg.Ledger.Dir,
		SyncWrites: cfg.Ledger.SyncWrites,
		LateWindow: cfg.Ledger.LateWindow,
		Schemas:    schema.Default(),
	})
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to open ledger")
	}
	defer func() {
		if err := led.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing ledger")
		}
	}()

	db, err := database.Open(cfg.Database)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to open database")
	}
	defer func() {
		if err := db.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing database")
		}
	}()
	logging.Info().Msg("Database initialized")

	breakers := breaker.NewRegistry()
	hotBreaker := breakers.GetOrCreate(breaker.Config{
		Name:             emitter.HotPathBreakerName,
		FailureThreshold: cfg.HotPath.FailureThreshold,
		SuccessThreshold: cfg.HotPath.SuccessThreshold,
		Timeout:          cfg.HotPath.BreakerTimeout,
	})

	client := emitter.NewClient(emitter.ClientConfig{
		URL:            cfg.HotPath.URL,
		APIKey:         cfg.HotPath.APIKey,
		RequestTimeout: cfg.HotPath.RequestTimeout,
		MaxAttempts:    cfg.HotPath.MaxAttempts,
		InitialBackoff: cfg.HotPath.InitialBackoff,
		MaxBackoff:     cfg.HotPath.MaxBackoff,
	})
	em := emitter.New(led, client, hotBreaker, cfg.HotPath.BackpressureWindow)

	job := reconcile.NewJob(reconcile.Config{
		SinceDays:           cfg.Reconcile.SinceDays,
		ReplayRatePerSecond: cfg.Reconcile.ReplayRatePerSecond,
	}, led, db, em)

	handler := api.NewHandler(db, led, job, breakers)
	router := api.NewRouter(api.RouterConfig{
		APIKey:              cfg.Server.APIKey,
		IngestRatePerMinute: cfg.Server.IngestRatePerMinute,
	}, handler)

	server := &http.Server{
		Addr:         cfg.Server.Listen,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tree := supervisor.NewTree(logging.NewSlogLogger())
	tree.Add(supervisor.NewHTTPService(server, cfg.Server.ShutdownTimeout))
	if cfg.Reconcile.Interval > 0 {
		tree.Add(supervisor.NewReconcileScheduler(job, cfg.Reconcile.Interval))
	} else {
		logging.Info().Msg("Reconcile scheduler disabled (manual trigger only)")
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logging.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
		cancel()
	}()

	logging.Info().Str("listen", cfg.Server.Listen).Msg("Starting supervisor tree")
	errCh := tree.ServeBackground(ctx)

	select {
	case <-ctx.Done():
		logging.Info().Msg("Context canceled, waiting for services to stop")
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			logging.Error().Err(err).Msg("Supervisor tree error")
		}
	}
	for err := range errCh {
		if err != nil && !errors.Is(err, context.Canceled) {
			logging.Error().Err(err).Msg("Supervisor shutdown error")
		}
	}

	if unstopped, _ := tree.UnstoppedServiceReport(); len(unstopped) > 0 {
		for _, svc := range unstopped {
			logging.Warn().Str("service", svc.Name).Msg("Service failed to stop within timeout")
		}
	}

	logging.Info().Msg("Server stopped gracefully")
}
