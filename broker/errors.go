// Copyright 2026 The AsyncRPC Authors
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a protocol error. The values are wire-visible: they
// appear verbatim in error envelopes so callers can distinguish
// retryable rejections from terminal ones.
type Kind string

const (
	KindUnauthorized     Kind = "unauthorized"
	KindPayloadTooLarge  Kind = "payloadTooLarge"
	KindMethodNotAllowed Kind = "methodNotAllowed"
	KindOverCapacity     Kind = "overCapacity"
	KindRateLimited      Kind = "rateLimited"
	KindConflict         Kind = "conflict"
	KindBadRequest       Kind = "badRequest"
	KindUnknown          Kind = "unknown"
	KindInternal         Kind = "internal"
	KindExpired          Kind = "expired"
	KindCancelled        Kind = "cancelled"
)

// Error is a protocol-level error with a wire-visible kind. Handlers
// may return *Error to control the failure kind recorded in a result;
// any other handler error is recorded as internal.
type Error struct {
	Kind    Kind   `json:"kind"`
	Message string `json:"message,omitempty"`
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// NewError constructs a protocol error.
func NewError(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Errorf constructs a protocol error with a formatted message.
func Errorf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Retryable reports whether the caller may retry the same submission
// unchanged after backing off. Capacity and rate rejections clear on
// their own; everything else requires the caller to change something.
func (e *Error) Retryable() bool {
	return e.Kind == KindOverCapacity || e.Kind == KindRateLimited
}

// HTTPStatus maps an error kind to its HTTP response status.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindPayloadTooLarge:
		return http.StatusRequestEntityTooLarge
	case KindMethodNotAllowed:
		return http.StatusForbidden
	case KindOverCapacity, KindRateLimited:
		return http.StatusTooManyRequests
	case KindConflict:
		return http.StatusConflict
	case KindBadRequest:
		return http.StatusBadRequest
	case KindUnknown:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// asError coerces any error into a *Error. Protocol errors pass
// through (including wrapped ones); everything else becomes internal
// so handler failures never leak arbitrary error text classification.
func asError(err error) *Error {
	var protocolErr *Error
	if errors.As(err, &protocolErr) {
		return protocolErr
	}
	return &Error{Kind: KindInternal, Message: err.Error()}
}
