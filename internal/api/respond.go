// OMEN - Durable Signal Delivery for Risk Decisioning
// Copyright 2026 OMEN Authors
// SPDX-License-Identifier: Apache-2.0
// https://github.com/omenhq/omen

package api

import (
	"net/http"

	"github.com/goccy/go-json"

	"github.com/omenhq/omen/internal/logging"
)

type errorBody struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logging.Ctx(r.Context()).Warn().Err(err).Msg("write response failed")
	}
}

func writeError(w http.ResponseWriter, r *http.Request, status int, msg string) {
	writeJSON(w, r, status, errorBody{Error: msg})
}
