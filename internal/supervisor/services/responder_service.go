// Palaver - Self-hosted Chat Service with Optimistic Message Delivery
// Copyright 2026 The Palaver Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/palaver-chat/palaver

package services

import (
	"context"
	"fmt"
)

// Responder matches *docstore.Responder's lifecycle.
type Responder interface {
	Start() error
	Close() error
}

// ResponderService wraps the docstore responder as a supervised
// service. Start subscribes the request subjects; a failed start
// returns immediately so suture can restart with backoff.
type ResponderService struct {
	responder Responder
}

// NewResponderService creates the responder service wrapper.
func NewResponderService(responder Responder) *ResponderService {
	return &ResponderService{responder: responder}
}

// Serve implements suture.Service.
func (s *ResponderService) Serve(ctx context.Context) error {
	if err := s.responder.Start(); err != nil {
		return fmt.Errorf("docstore responder start failed: %w", err)
	}

	<-ctx.Done()

	if err := s.responder.Close(); err != nil {
		return fmt.Errorf("docstore responder close failed: %w", err)
	}
	return ctx.Err()
}

// String implements fmt.Stringer for suture's log messages.
func (s *ResponderService) String() string {
	return "docstore-responder"
}
