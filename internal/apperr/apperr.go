// Electrochem-Sim - Real-Time Potentiostat Telemetry and Control
// Copyright 2026 MADFAM
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/madfam-io/electrochem-sim

// Package apperr defines the error kinds shared by every service
// boundary and their mapping to HTTP status codes.
package apperr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for boundary handling. Kinds are stable
// wire-visible identifiers; the error message is for humans.
type Kind string

const (
	KindUnauthenticated     Kind = "unauthenticated"
	KindAccessDenied        Kind = "access_denied"
	KindNotFound            Kind = "not_found"
	KindConflict            Kind = "conflict"
	KindQuotaExceeded       Kind = "quota_exceeded"
	KindInvalidInput        Kind = "invalid_input"
	KindSafetyViolation     Kind = "safety_violation"
	KindEmergencyStopActive Kind = "emergency_stop_active"
	KindUnknownDriver       Kind = "unknown_driver"
	KindConnectionFailed    Kind = "connection_failed"
	KindStartFailed         Kind = "start_failed"
	KindBusUnavailable      Kind = "bus_unavailable"
	KindTimeout             Kind = "timeout"
	KindCancelled           Kind = "cancelled"
	KindInternal            Kind = "internal"
)

// Error is the typed error used at service boundaries. Details carries
// structured context that is safe to return to the caller (offending
// bounds, available drivers, quota limits).
type Error struct {
	Kind    Kind
	Message string
	Details map[string]any
	cause   error
}

// New creates an Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf creates an Error with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an Error of the given kind around a cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, cause: cause}
}

// WithDetail attaches a structured detail field and returns the error.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.cause
}

// Is matches two Errors by kind so callers can compare against a
// prototype: errors.Is(err, apperr.New(apperr.KindConflict, "")).
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Kind == t.Kind
	}
	return false
}

// KindOf extracts the Kind from err, or KindInternal for foreign errors.
// An *Error anywhere in the chain keeps its own Kind; otherwise a
// context cancellation surfaces as KindCancelled however it is wrapped.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// HTTPStatus maps an error kind to its HTTP-equivalent status.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindUnauthenticated:
		return http.StatusUnauthorized
	case KindAccessDenied:
		return http.StatusForbidden
	case KindNotFound, KindUnknownDriver:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindQuotaExceeded:
		return http.StatusTooManyRequests
	case KindInvalidInput, KindSafetyViolation, KindStartFailed:
		return http.StatusBadRequest
	case KindEmergencyStopActive:
		return http.StatusLocked
	case KindBusUnavailable:
		return http.StatusServiceUnavailable
	case KindTimeout:
		return http.StatusGatewayTimeout
	case KindCancelled:
		// Client-initiated teardown never reaches a response, but the
		// mapping exists for completeness.
		return 499
	default:
		return http.StatusInternalServerError
	}
}
