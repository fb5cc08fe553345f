// OMEN - Durable Signal Delivery for Risk Decisioning
// Copyright 2026 OMEN Authors
// SPDX-License-Identifier: Apache-2.0
// https://github.com/omenhq/omen

package emitter

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand/v2"
	"net/http"
	"strconv"
	"time"

	"github.com/goccy/go-json"

	"github.com/omenhq/omen/internal/logging"
	"github.com/omenhq/omen/internal/metrics"
	"github.com/omenhq/omen/internal/models"
)

// IdempotencyKeyHeader carries the signal_id so the consumer can dedup
// concurrent deliveries.
const IdempotencyKeyHeader = "X-Idempotency-Key"

// ErrRetriesExhausted wraps the last attempt error once the bounded
// retry budget is spent.
var ErrRetriesExhausted = errors.New("hot path retries exhausted")

// StatusError is a terminal, non-retryable HTTP outcome (anything other
// than 2xx/409/429/5xx).
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("hot path returned status %d: %s", e.Code, e.Body)
}

// ClientConfig holds hot-path HTTP client settings.
type ClientConfig struct {
	URL            string
	APIKey         string
	RequestTimeout time.Duration
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// Client POSTs signals to the consumer's ingest endpoint under a retry
// policy: exponential backoff with jitter, bounded attempts, retrying on
// timeouts, connection errors, 429 and 5xx, honoring Retry-After.
type Client struct {
	cfg  ClientConfig
	http *http.Client
}

// NewClient builds a hot-path client from cfg.
func NewClient(cfg ClientConfig) *Client {
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.RequestTimeout},
	}
}

// Deliver POSTs the envelope and returns the consumer's ack. A 409 is a
// successful outcome with Duplicate set, carrying the original ack_id.
func (c *Client) Deliver(ctx context.Context, env *models.DeliveryEnvelope) (*models.DeliveryAck, error) {
	body, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshal delivery envelope: %w", err)
	}

	var lastErr error
	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		start := time.Now()
		ack, retryAfter, err := c.attempt(ctx, env.Signal.SignalID, body)
		metrics.HotPathLatency.Observe(time.Since(start).Seconds())

		if err == nil {
			if ack.Duplicate {
				metrics.HotPathAttempts.WithLabelValues("duplicate").Inc()
			} else {
				metrics.HotPathAttempts.WithLabelValues("success").Inc()
			}
			return ack, nil
		}

		var se *StatusError
		if errors.As(err, &se) {
			metrics.HotPathAttempts.WithLabelValues("terminal").Inc()
			return nil, err
		}

		metrics.HotPathAttempts.WithLabelValues("retryable").Inc()
		lastErr = err
		if attempt == c.cfg.MaxAttempts {
			break
		}

		delay := c.backoff(attempt)
		if retryAfter > 0 {
			// The server knows better than our schedule.
			delay = retryAfter
		}
		logging.Debug().
			Str("signal_id", env.Signal.SignalID).
			Int("attempt", attempt).
			Dur("delay", delay).
			Err(err).
			Msg("hot path attempt failed, backing off")

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	return nil, fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, c.cfg.MaxAttempts, lastErr)
}

// attempt performs one POST. retryAfter is non-zero when the server
// supplied a Retry-After header on a retryable status.
func (c *Client) attempt(ctx context.Context, signalID string, body []byte) (ack *models.DeliveryAck, retryAfter time.Duration, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return nil, 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(IdempotencyKeyHeader, signalID)
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("hot path request: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated:
		ack, err := decodeAck(respBody)
		if err != nil {
			return nil, 0, err
		}
		return ack, 0, nil

	case resp.StatusCode == http.StatusConflict:
		ack, err := decodeAck(respBody)
		if err != nil {
			return nil, 0, err
		}
		ack.Duplicate = true
		return ack, 0, nil

	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, parseRetryAfter(resp.Header.Get("Retry-After")),
			fmt.Errorf("hot path status %d", resp.StatusCode)

	default:
		return nil, 0, &StatusError{Code: resp.StatusCode, Body: string(respBody)}
	}
}

func decodeAck(body []byte) (*models.DeliveryAck, error) {
	var ack models.DeliveryAck
	if err := json.Unmarshal(body, &ack); err != nil {
		return nil, fmt.Errorf("decode ack body: %w", err)
	}
	if ack.AckID == "" {
		return nil, fmt.Errorf("ack body missing ack_id")
	}
	return &ack, nil
}

// backoff returns the exponential delay for attempt (1-based) with
// +-25% jitter, capped at MaxBackoff.
func (c *Client) backoff(attempt int) time.Duration {
	d := float64(c.cfg.InitialBackoff) * math.Pow(2, float64(attempt-1))
	if limit := float64(c.cfg.MaxBackoff); d > limit {
		d = limit
	}
	jitter := 0.75 + rand.Float64()*0.5
	return time.Duration(d * jitter)
}

func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}
	if secs, err := strconv.Atoi(header); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(header); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}
