// OMEN - Durable Signal Delivery for Risk Decisioning
// Copyright 2026 OMEN Authors
// SPDX-License-Identifier: Apache-2.0
// https://github.com/omenhq/omen

package schema

import "maps"

// Default wires the registry with the envelope versions shipped to date.
//
// Version history:
//
//	v1: original envelope; signal carried "prob" and "conf"
//	v2: renamed prob -> probability, conf -> confidence
//	v3: added category (default "uncategorized"), folded legacy "meta"
//	    into the signal payload
func Default() *Registry {
	r := NewRegistry()
	r.RegisterMigration(1, 2, migrateV1toV2)
	r.RegisterMigration(2, 3, migrateV2toV3)
	return r
}

func migrateV1toV2(record Record) (Record, error) {
	out := maps.Clone(record)
	signal, ok := out["signal"].(map[string]any)
	if !ok {
		// v1 records without an embedded signal map migrate untouched.
		return out, nil
	}
	sig := maps.Clone(signal)
	if v, ok := sig["prob"]; ok {
		sig["probability"] = v
		delete(sig, "prob")
	}
	if v, ok := sig["conf"]; ok {
		sig["confidence"] = v
		delete(sig, "conf")
	}
	out["signal"] = sig
	return out, nil
}

func migrateV2toV3(record Record) (Record, error) {
	out := maps.Clone(record)
	signal, ok := out["signal"].(map[string]any)
	if !ok {
		return out, nil
	}
	sig := maps.Clone(signal)
	if _, ok := sig["category"]; !ok {
		sig["category"] = "uncategorized"
	}
	if meta, ok := sig["meta"]; ok {
		sig["payload"] = meta
		delete(sig, "meta")
	}
	out["signal"] = sig
	return out, nil
}
