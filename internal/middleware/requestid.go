// Electrochem-Sim - Real-Time Potentiostat Telemetry and Control
// Copyright 2026 MADFAM
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/madfam-io/electrochem-sim

// Package middleware holds the HTTP middleware shared by both servers.
package middleware

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/madfam-io/electrochem-sim/internal/logging"
)

// RequestID assigns each request a unique ID, echoes it in the
// X-Request-ID response header, and threads it through the logging
// context. An upstream proxy's ID is preserved.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.New().String()
		}

		w.Header().Set("X-Request-ID", requestID)
		ctx := logging.ContextWithRequestID(r.Context(), requestID)

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
