// OMEN - Durable Signal Delivery for Risk Decisioning
// Copyright 2026 OMEN Authors
// SPDX-License-Identifier: Apache-2.0
// https://github.com/omenhq/omen

package breaker

import "sync"

// Registry hands out one breaker instance per named downstream
// dependency. Constructed once at process start and passed by reference;
// no ambient global state.
type Registry struct {
	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{breakers: make(map[string]*Breaker)}
}

// GetOrCreate returns the breaker named cfg.Name, creating it with cfg
// on first use. Subsequent calls ignore cfg and return the existing
// instance.
func (r *Registry) GetOrCreate(cfg Config) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[cfg.Name]; ok {
		return b
	}
	b := New(cfg)
	r.breakers[cfg.Name] = b
	return b
}

// Get returns the named breaker, or nil if absent.
func (r *Registry) Get(name string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.breakers[name]
}

// Stats returns a snapshot for every registered breaker.
func (r *Registry) Stats() map[string]Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]Stats, len(r.breakers))
	for name, b := range r.breakers {
		out[name] = b.Stats()
	}
	return out
}
