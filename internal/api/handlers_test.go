// OMEN - Durable Signal Delivery for Risk Decisioning
// Copyright 2026 OMEN Authors
// SPDX-License-Identifier: Apache-2.0
// https://github.com/omenhq/omen

package api

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/omenhq/omen/internal/breaker"
	"github.com/omenhq/omen/internal/config"
	"github.com/omenhq/omen/internal/database"
	"github.com/omenhq/omen/internal/emitter"
	"github.com/omenhq/omen/internal/ledger"
	"github.com/omenhq/omen/internal/models"
	"github.com/omenhq/omen/internal/reconcile"
)

const testAPIKey = "test-api-key"

var apiDay = time.Date(2026, 8, 20, 8, 0, 0, 0, time.UTC)

type apiFixture struct {
	router http.Handler
	db     *database.DB
	ledger *ledger.Ledger
}

func newAPIFixture(t *testing.T, cfg RouterConfig) *apiFixture {
	t.Helper()

	db, err := database.Open(config.DatabaseConfig{
		Path:    filepath.Join(t.TempDir(), "api_test.duckdb"),
		Threads: 2,
	})
	if err != nil {
		t.Fatalf("database.Open() error = %v", err)
	}
	t.Cleanup(func() { db.Close() })

	l, err := ledger.Open(ledger.Config{Dir: t.TempDir(), LateWindow: 48 * time.Hour})
	if err != nil {
		t.Fatalf("ledger.Open() error = %v", err)
	}
	t.Cleanup(func() { l.Close() })
	l.SetClock(func() time.Time { return apiDay })

	breakers := breaker.NewRegistry()
	b := breakers.GetOrCreate(breaker.Config{
		Name:             emitter.HotPathBreakerName,
		FailureThreshold: 5,
		SuccessThreshold: 1,
		Timeout:          time.Minute,
	})

	// The reconcile job's hot path points nowhere; handler tests never
	// trigger replays that need it.
	client := emitter.NewClient(emitter.ClientConfig{
		URL:            "http://127.0.0.1:0",
		RequestTimeout: time.Second,
		MaxAttempts:    1,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     2 * time.Millisecond,
	})
	em := emitter.New(l, client, b, 0)
	job := reconcile.NewJob(reconcile.Config{SinceDays: 1, ManifestRevision: 1}, l, db, em)
	job.SetClock(func() time.Time { return apiDay })

	return &apiFixture{
		router: NewRouter(cfg, NewHandler(db, l, job, breakers)),
		db:     db,
		ledger: l,
	}
}

func ingestBody(t *testing.T, id string) []byte {
	t.Helper()
	body, err := json.Marshal(models.DeliveryEnvelope{
		Signal: &models.Signal{
			SignalID:      id,
			TraceID:       "trace-" + id,
			SourceEventID: "evt-" + id,
			Category:      "route_risk",
			ObservedAt:    apiDay,
		},
		Source:    models.SourceHotPath,
		EmittedAt: apiDay,
	})
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	return body
}

func doIngest(fx *apiFixture, body []byte, mutate func(*http.Request)) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/signals/ingest", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if mutate != nil {
		mutate(req)
	}
	rec := httptest.NewRecorder()
	fx.router.ServeHTTP(rec, req)
	return rec
}

func TestIngestSignalCreatedThenConflict(t *testing.T) {
	fx := newAPIFixture(t, RouterConfig{IngestRatePerMinute: 1000})
	body := ingestBody(t, "sig-1")

	rec := doIngest(fx, body, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("first ingest status = %d, want 201: %s", rec.Code, rec.Body)
	}
	var ack1 models.DeliveryAck
	if err := json.Unmarshal(rec.Body.Bytes(), &ack1); err != nil {
		t.Fatalf("decode ack: %v", err)
	}
	if ack1.AckID == "" || ack1.Duplicate {
		t.Errorf("first ack = %+v, want fresh ack_id", ack1)
	}

	rec = doIngest(fx, body, nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("duplicate ingest status = %d, want 409", rec.Code)
	}
	var ack2 models.DeliveryAck
	json.Unmarshal(rec.Body.Bytes(), &ack2)
	if !ack2.Duplicate || ack2.AckID != ack1.AckID {
		t.Errorf("duplicate ack = %+v, want original ack_id %s", ack2, ack1.AckID)
	}
}

func TestIngestSignalValidation(t *testing.T) {
	fx := newAPIFixture(t, RouterConfig{IngestRatePerMinute: 1000})

	tests := []struct {
		name   string
		body   []byte
		mutate func(*http.Request)
	}{
		{"malformed json", []byte(`{"signal":`), nil},
		{"missing signal_id", []byte(`{"signal":{"trace_id":"t"}}`), nil},
		{"idempotency key mismatch", ingestBody(t, "sig-1"), func(r *http.Request) {
			r.Header.Set("X-Idempotency-Key", "some-other-id")
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doIngest(fx, tt.body, tt.mutate)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", rec.Code)
			}
		})
	}
}

func TestIngestSignalMatchingIdempotencyKey(t *testing.T) {
	fx := newAPIFixture(t, RouterConfig{IngestRatePerMinute: 1000})
	rec := doIngest(fx, ingestBody(t, "sig-1"), func(r *http.Request) {
		r.Header.Set("X-Idempotency-Key", "sig-1")
	})
	if rec.Code != http.StatusCreated {
		t.Errorf("status = %d, want 201", rec.Code)
	}
}

func TestBearerAuthGuardsEndpoints(t *testing.T) {
	fx := newAPIFixture(t, RouterConfig{APIKey: testAPIKey, IngestRatePerMinute: 1000})

	rec := doIngest(fx, ingestBody(t, "sig-1"), nil)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("no token status = %d, want 401", rec.Code)
	}

	rec = doIngest(fx, ingestBody(t, "sig-1"), func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer wrong-key")
	})
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("wrong token status = %d, want 401", rec.Code)
	}

	rec = doIngest(fx, ingestBody(t, "sig-1"), func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer "+testAPIKey)
	})
	if rec.Code != http.StatusCreated {
		t.Errorf("valid token status = %d, want 201", rec.Code)
	}

	// Health endpoints stay open for probes.
	req := httptest.NewRequest(http.MethodGet, "/api/v1/health/live", nil)
	probe := httptest.NewRecorder()
	fx.router.ServeHTTP(probe, req)
	if probe.Code != http.StatusOK {
		t.Errorf("health status = %d, want 200 without auth", probe.Code)
	}
}

func TestIngestRateLimitReturns429WithRetryAfter(t *testing.T) {
	fx := newAPIFixture(t, RouterConfig{IngestRatePerMinute: 2})

	for i := 0; i < 2; i++ {
		rec := doIngest(fx, ingestBody(t, "sig-"+string(rune('a'+i))), nil)
		if rec.Code != http.StatusCreated {
			t.Fatalf("request %d status = %d, want 201", i, rec.Code)
		}
	}

	rec := doIngest(fx, ingestBody(t, "sig-z"), nil)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("over-limit status = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("429 response missing Retry-After header")
	}
}

func TestReconcileRunSinglePartition(t *testing.T) {
	fx := newAPIFixture(t, RouterConfig{IngestRatePerMinute: 1000})
	partition := apiDay.Format(models.PartitionLayout)

	// Already-acked ledger contents: the run has nothing to replay, so
	// the dead hot-path URL is never contacted.
	if _, err := fx.ledger.Append(&models.Signal{SignalID: "sig-1", ObservedAt: apiDay}); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if _, _, err := fx.db.InsertProcessedSignal(context.Background(), &models.ProcessedSignal{
		SignalID:      "sig-1",
		TraceID:       "trace-sig-1",
		SourceEventID: "evt-sig-1",
		PartitionDate: partition,
		Source:        models.SourceHotPath,
	}); err != nil {
		t.Fatalf("InsertProcessedSignal() error = %v", err)
	}

	body, _ := json.Marshal(map[string]string{"date": partition})
	req := httptest.NewRequest(http.MethodPost, "/reconcile/run", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	fx.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body)
	}
	var reports []*models.ReconcileReport
	if err := json.Unmarshal(rec.Body.Bytes(), &reports); err != nil {
		t.Fatalf("decode reports: %v", err)
	}
	if len(reports) != 1 {
		t.Fatalf("reports = %d, want 1", len(reports))
	}
	if reports[0].Status != models.ReconcileCompleted || reports[0].MissingCount != 0 {
		t.Errorf("report = %+v, want completed with nothing missing", reports[0])
	}
}

func TestReconcileRunSinglePartitionSurfacesStoreError(t *testing.T) {
	fx := newAPIFixture(t, RouterConfig{IngestRatePerMinute: 1000})
	partition := apiDay.Format(models.PartitionLayout)

	// Kill the ingest store: the run still produces a report, but the
	// operator must see the failure, not a clean 200.
	fx.db.Close()

	body, _ := json.Marshal(map[string]string{"date": partition})
	req := httptest.NewRequest(http.MethodPost, "/reconcile/run", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	fx.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500: %s", rec.Code, rec.Body)
	}
	var resp struct {
		Error   string                    `json:"error"`
		Reports []*models.ReconcileReport `json:"reports"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Error == "" {
		t.Error("response missing error")
	}
	if len(resp.Reports) != 1 || resp.Reports[0].Status != models.ReconcileFailed {
		t.Errorf("reports = %+v, want one failed report", resp.Reports)
	}
}

func TestReconcileRunRejectsBadDate(t *testing.T) {
	fx := newAPIFixture(t, RouterConfig{IngestRatePerMinute: 1000})

	body, _ := json.Marshal(map[string]string{"date": "20-08-2026"})
	req := httptest.NewRequest(http.MethodPost, "/reconcile/run", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	fx.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestReconcileHistoryRequiresPartition(t *testing.T) {
	fx := newAPIFixture(t, RouterConfig{IngestRatePerMinute: 1000})

	req := httptest.NewRequest(http.MethodGet, "/reconcile/history", nil)
	rec := httptest.NewRecorder()
	fx.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing partition status = %d, want 400", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/reconcile/history?partition=2026-08-20", nil)
	rec = httptest.NewRecorder()
	fx.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
}

func TestLedgerRecordLookup(t *testing.T) {
	fx := newAPIFixture(t, RouterConfig{IngestRatePerMinute: 1000})
	partition := apiDay.Format(models.PartitionLayout)

	if _, err := fx.ledger.Append(&models.Signal{SignalID: "sig-1", ObservedAt: apiDay}); err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/ledger/"+partition+"/1", nil)
	rec := httptest.NewRecorder()
	fx.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body)
	}
	var record models.LedgerRecord
	if err := json.Unmarshal(rec.Body.Bytes(), &record); err != nil {
		t.Fatalf("decode record: %v", err)
	}
	if record.Sequence != 1 || record.Partition != partition {
		t.Errorf("record = %s/%d, want %s/1", record.Partition, record.Sequence, partition)
	}

	req = httptest.NewRequest(http.MethodGet, "/ledger/"+partition+"/99", nil)
	rec = httptest.NewRecorder()
	fx.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Errorf("absent sequence status = %d, want 404", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/ledger/not-a-date/1", nil)
	rec = httptest.NewRecorder()
	fx.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad partition status = %d, want 400", rec.Code)
	}
}

func TestBreakerStatsEndpoint(t *testing.T) {
	fx := newAPIFixture(t, RouterConfig{IngestRatePerMinute: 1000})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/breakers", nil)
	rec := httptest.NewRecorder()
	fx.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var stats map[string]breaker.Stats
	if err := json.Unmarshal(rec.Body.Bytes(), &stats); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if _, ok := stats[emitter.HotPathBreakerName]; !ok {
		t.Errorf("stats missing %s: %v", emitter.HotPathBreakerName, stats)
	}
}

func TestHealthEndpoints(t *testing.T) {
	fx := newAPIFixture(t, RouterConfig{IngestRatePerMinute: 1000})

	for _, path := range []string{"/api/v1/health/live", "/api/v1/health/ready"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rec := httptest.NewRecorder()
		fx.router.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Errorf("%s status = %d, want 200", path, rec.Code)
		}
	}
}
