// Palaver - Self-hosted Chat Service with Optimistic Message Delivery
// Copyright 2026 The Palaver Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/palaver-chat/palaver

package services

import (
	"context"
	"fmt"
	"time"
)

// Broker matches *broker.EmbeddedServer's lifecycle. The server is
// started before the tree runs, since clients need its URL to connect.
type Broker interface {
	Shutdown(ctx context.Context) error
	IsRunning() bool
}

// BrokerService supervises an already-running embedded NATS server:
// it holds the server open until shutdown and reports a failure if the
// server stops on its own.
type BrokerService struct {
	broker          Broker
	shutdownTimeout time.Duration
}

// NewBrokerService creates the broker service wrapper.
func NewBrokerService(broker Broker, shutdownTimeout time.Duration) *BrokerService {
	if shutdownTimeout <= 0 {
		shutdownTimeout = 10 * time.Second
	}
	return &BrokerService{broker: broker, shutdownTimeout: shutdownTimeout}
}

// Serve implements suture.Service.
func (s *BrokerService) Serve(ctx context.Context) error {
	if !s.broker.IsRunning() {
		return fmt.Errorf("embedded NATS server is not running")
	}

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
			defer cancel()
			if err := s.broker.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("embedded NATS shutdown failed: %w", err)
			}
			return ctx.Err()

		case <-ticker.C:
			if !s.broker.IsRunning() {
				return fmt.Errorf("embedded NATS server stopped unexpectedly")
			}
		}
	}
}

// String implements fmt.Stringer for suture's log messages.
func (s *BrokerService) String() string {
	return "nats-broker"
}
