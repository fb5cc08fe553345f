// OMEN - Durable Signal Delivery for Risk Decisioning
// Copyright 2026 OMEN Authors
// SPDX-License-Identifier: Apache-2.0
// https://github.com/omenhq/omen

// Package schema migrates ledger records between envelope schema
// versions on read, so records written under older layouts replay
// cleanly through the current pipeline.
//
// Migrations are pure functions over the record's map representation:
// no I/O, fully deterministic, independently testable. Each migration
// covers exactly one version step; the registry composes steps to cross
// multiple versions.
package schema

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrNoMigrationPath is returned when no step chain connects the
// record's version to the target.
var ErrNoMigrationPath = errors.New("no migration path")

// ErrUnknownVersion is returned for versions never registered.
var ErrUnknownVersion = errors.New("unknown schema version")

// Record is the loosely-typed map form a ledger record migrates through.
type Record = map[string]any

// MigrateFunc upgrades a record one version step. It must not mutate its
// input; it returns a new map.
type MigrateFunc func(Record) (Record, error)

type step struct {
	from, to int
}

// Registry holds the ordered schema versions and the directed step
// migrations between them. Safe for concurrent use after registration.
type Registry struct {
	mu       sync.RWMutex
	versions map[int]bool
	steps    map[step]MigrateFunc
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		versions: make(map[int]bool),
		steps:    make(map[step]MigrateFunc),
	}
}

// RegisterVersion declares a schema version.
func (r *Registry) RegisterVersion(v int) {
	r.mu.Lock()
	r.versions[v] = true
	r.mu.Unlock()
}

// RegisterMigration declares the step migration from one version to
// another. Both versions are implicitly registered.
func (r *Registry) RegisterMigration(from, to int, fn MigrateFunc) {
	r.mu.Lock()
	r.versions[from] = true
	r.versions[to] = true
	r.steps[step{from, to}] = fn
	r.mu.Unlock()
}

// Versions returns the registered versions in ascending order.
func (r *Registry) Versions() []int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]int, 0, len(r.versions))
	for v := range r.versions {
		out = append(out, v)
	}
	sort.Ints(out)
	return out
}

// Migrate upgrades record to target, walking the migration path version
// by version and stamping schema_version at each step. A record already
// at target is returned unchanged. Returns ErrNoMigrationPath when the
// chain is broken.
func (r *Registry) Migrate(record Record, target int) (Record, error) {
	version, err := recordVersion(record)
	if err != nil {
		return nil, err
	}
	if version == target {
		return record, nil
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	if !r.versions[version] {
		return nil, fmt.Errorf("%w: %d", ErrUnknownVersion, version)
	}
	if !r.versions[target] {
		return nil, fmt.Errorf("%w: %d", ErrUnknownVersion, target)
	}

	path, ok := r.findPath(version, target)
	if !ok {
		return nil, fmt.Errorf("%w: %d -> %d", ErrNoMigrationPath, version, target)
	}

	current := record
	for _, st := range path {
		next, err := r.steps[st](current)
		if err != nil {
			return nil, fmt.Errorf("migrate %d -> %d: %w", st.from, st.to, err)
		}
		next["schema_version"] = st.to
		current = next
	}
	return current, nil
}

// findPath walks the step graph breadth-first from 'from' to 'to'.
// Caller holds r.mu.
func (r *Registry) findPath(from, to int) ([]step, bool) {
	type node struct {
		version int
		path    []step
	}
	visited := map[int]bool{from: true}
	queue := []node{{version: from}}

	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		for st := range r.steps {
			if st.from != n.version || visited[st.to] {
				continue
			}
			path := append(append([]step(nil), n.path...), st)
			if st.to == to {
				return path, true
			}
			visited[st.to] = true
			queue = append(queue, node{version: st.to, path: path})
		}
	}
	return nil, false
}

func recordVersion(record Record) (int, error) {
	raw, ok := record["schema_version"]
	if !ok {
		return 0, fmt.Errorf("%w: record has no schema_version", ErrUnknownVersion)
	}
	switch v := raw.(type) {
	case int:
		return v, nil
	case int64:
		return int(v), nil
	case float64:
		// JSON-decoded numbers arrive as float64.
		return int(v), nil
	default:
		return 0, fmt.Errorf("%w: schema_version has type %T", ErrUnknownVersion, raw)
	}
}
