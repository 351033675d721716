// Electrochem-Sim - Real-Time Potentiostat Telemetry and Control
// Copyright 2026 MADFAM
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/madfam-io/electrochem-sim

package apperr

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/madfam-io/electrochem-sim/internal/logging"
)

// envelope is the JSON error body returned by every endpoint:
//
//	{"error": {"code": "...", "message": "...", "details": {...},
//	           "request_id": "...", "timestamp": "..."}}
type envelope struct {
	Error envelopeBody `json:"error"`
}

type envelopeBody struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
	Timestamp string         `json:"timestamp"`
}

// WriteHTTP renders err as the standard error envelope. Errors that map
// to a 5xx status are logged with their cause and sanitized in the
// response body.
func WriteHTTP(w http.ResponseWriter, r *http.Request, err error) {
	kind := KindOf(err)
	status := HTTPStatus(kind)

	message := err.Error()
	var details map[string]any
	var e *Error
	if errors.As(err, &e) {
		message = e.Message
		details = e.Details
	}

	if status >= http.StatusInternalServerError {
		logger := logging.Ctx(r.Context())
		logger.Error().Err(err).
			Str("path", r.URL.Path).
			Msg("request failed")
		message = "an internal error occurred"
		details = nil
	}

	body := envelope{Error: envelopeBody{
		Code:      strings.ToUpper(string(kind)),
		Message:   message,
		Details:   details,
		RequestID: logging.RequestIDFromContext(r.Context()),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if encErr := json.NewEncoder(w).Encode(body); encErr != nil {
		logging.Error().Err(encErr).Msg("failed to encode error envelope")
	}
}
