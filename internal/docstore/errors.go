// Palaver - Self-hosted Chat Service with Optimistic Message Delivery
// Copyright 2026 The Palaver Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/palaver-chat/palaver

package docstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go"
)

// Error codes carried on the wire between responder and client.
const (
	CodeIndexRequired    = "index_required"
	CodePermissionDenied = "permission_denied"
	CodeUnavailable      = "unavailable"
	CodeInvalidDocument  = "invalid_document"
	CodeUnknown          = "unknown"
)

// Category classifies store errors for logging and user messaging.
type Category string

const (
	// CategoryIndexRequired marks queries the backend cannot serve
	// without additional indexing. A deployment problem, not a user
	// error.
	CategoryIndexRequired Category = "index_required"
	// CategoryPermissionDenied marks writes or reads rejected by the
	// backend's access rules.
	CategoryPermissionDenied Category = "permission_denied"
	// CategoryUnavailable marks transient transport failures worth
	// retrying.
	CategoryUnavailable Category = "unavailable"
	// CategoryUnknown is everything else.
	CategoryUnknown Category = "unknown"
)

// Error is a store error with a wire-level code.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("docstore: %s: %s", e.Code, e.Message)
}

// NewError creates a coded store error.
func NewError(code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Classify maps an error from any store operation to a Category.
func Classify(err error) Category {
	if err == nil {
		return CategoryUnknown
	}

	var storeErr *Error
	if errors.As(err, &storeErr) {
		switch storeErr.Code {
		case CodeIndexRequired:
			return CategoryIndexRequired
		case CodePermissionDenied:
			return CategoryPermissionDenied
		case CodeUnavailable:
			return CategoryUnavailable
		}
		return CategoryUnknown
	}

	switch {
	case errors.Is(err, nats.ErrTimeout),
		errors.Is(err, nats.ErrNoResponders),
		errors.Is(err, nats.ErrConnectionClosed),
		errors.Is(err, nats.ErrDisconnected),
		errors.Is(err, context.DeadlineExceeded):
		return CategoryUnavailable
	}

	return CategoryUnknown
}
