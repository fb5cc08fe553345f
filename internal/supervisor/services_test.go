// OMEN - Durable Signal Delivery for Risk Decisioning
// Copyright 2026 OMEN Authors
// SPDX-License-Identifier: Apache-2.0
// https://github.com/omenhq/omen

package supervisor

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"testing"
	"time"
)

type fakeHTTPServer struct {
	serveErr    error
	started     chan struct{}
	release     chan struct{}
	shutdowns   atomic.Int32
	shutdownErr error

	// exitDelay stalls ListenAndServe's return after release, so tests
	// can observe whether Serve waits for the listener to unwind.
	exitDelay time.Duration
	exited    atomic.Bool
}

func newFakeHTTPServer() *fakeHTTPServer {
	return &fakeHTTPServer{
		started: make(chan struct{}),
		release: make(chan struct{}),
	}
}

func (s *fakeHTTPServer) ListenAndServe() error {
	close(s.started)
	<-s.release
	if s.exitDelay > 0 {
		time.Sleep(s.exitDelay)
	}
	s.exited.Store(true)
	if s.serveErr != nil {
		return s.serveErr
	}
	return http.ErrServerClosed
}

func (s *fakeHTTPServer) Shutdown(_ context.Context) error {
	s.shutdowns.Add(1)
	close(s.release)
	return s.shutdownErr
}

func TestHTTPServiceShutsDownOnContextCancel(t *testing.T) {
	srv := newFakeHTTPServer()
	svc := NewHTTPService(srv, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Serve(ctx) }()

	<-srv.started
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Serve() error = %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Serve() did not return after cancel")
	}
	if srv.shutdowns.Load() != 1 {
		t.Errorf("Shutdown called %d times, want 1", srv.shutdowns.Load())
	}
}

func TestHTTPServiceSurfacesListenError(t *testing.T) {
	srv := newFakeHTTPServer()
	srv.serveErr = errors.New("listen tcp: address in use")
	close(srv.release) // fail immediately

	svc := NewHTTPService(srv, time.Second)
	err := svc.Serve(context.Background())
	if !errors.Is(err, srv.serveErr) {
		t.Fatalf("Serve() error = %v, want wrapped listen failure", err)
	}
	if srv.shutdowns.Load() != 0 {
		t.Errorf("Shutdown called on listen failure")
	}
}

func TestHTTPServiceWaitsForListenerExit(t *testing.T) {
	srv := newFakeHTTPServer()
	srv.exitDelay = 50 * time.Millisecond
	svc := NewHTTPService(srv, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Serve(ctx) }()

	<-srv.started
	cancel()

	select {
	case <-done:
		if !srv.exited.Load() {
			t.Error("Serve() returned before ListenAndServe unwound")
		}
	case <-time.After(time.Second):
		t.Fatal("Serve() did not return after cancel")
	}
}

func TestHTTPServiceCleanCloseReturnsNil(t *testing.T) {
	srv := newFakeHTTPServer()
	svc := NewHTTPService(srv, time.Second)

	done := make(chan error, 1)
	go func() { done <- svc.Serve(context.Background()) }()
	<-srv.started
	close(srv.release) // ListenAndServe returns http.ErrServerClosed

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Serve() error = %v, want nil on clean close", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Serve() did not return")
	}
}

func TestServiceNames(t *testing.T) {
	if got := NewHTTPService(newFakeHTTPServer(), 0).String(); got != "http-server" {
		t.Errorf("HTTPService.String() = %s", got)
	}
	if got := NewReconcileScheduler(nil, time.Minute).String(); got != "reconcile-scheduler" {
		t.Errorf("ReconcileScheduler.String() = %s", got)
	}
}
