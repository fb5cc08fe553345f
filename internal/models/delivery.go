// OMEN - Durable Signal Delivery for Risk Decisioning
// Copyright 2026 OMEN Authors
// SPDX-License-Identifier: Apache-2.0
// https://github.com/omenhq/omen

package models

import "time"

// DeliveryEnvelope is the wire body POSTed to the consumer's ingest
// endpoint, on both the hot path and reconcile replay.
type DeliveryEnvelope struct {
	Signal    *Signal   `json:"signal"`
	Source    string    `json:"source"`
	EmittedAt time.Time `json:"emitted_at"`
}

// DeliveryAck is the consumer's response body for accepted (200/201) and
// duplicate (409) deliveries. The ack_id is identical in both cases:
// duplicates always return the original.
type DeliveryAck struct {
	AckID     string `json:"ack_id"`
	Duplicate bool   `json:"duplicate,omitempty"`
}
