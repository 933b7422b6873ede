// Palaver - Self-hosted Chat Service with Optimistic Message Delivery
// Copyright 2026 The Palaver Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/palaver-chat/palaver

// Package docstore provides the remote document store the chat service
// writes messages and chats to, and subscribes to for live updates.
//
// Subscriptions deliver full snapshots: every update carries the
// complete current result set for the query, never a delta. Two
// implementations exist: a NATS-transported client paired with a
// responder, and an in-process store for tests and single-binary
// deployments without messaging.
package docstore

import (
	"context"
	"time"
)

// Collection names. Documents are JSON-encoded models.Message and
// models.Chat respectively.
const (
	CollectionMessages = "messages"
	CollectionChats    = "chats"
)

// DefaultQueryLimit caps message query results when the query does not
// set its own limit.
const DefaultQueryLimit = 100

// WriteResult reports the server-assigned identity of a written
// document.
type WriteResult struct {
	// ID is the server-assigned document ID.
	ID string `json:"id"`
	// ServerTime is the authoritative write timestamp.
	ServerTime time.Time `json:"server_time"`
}

// Query selects documents for a subscription or one-shot read.
type Query struct {
	// Collection is CollectionMessages or CollectionChats.
	Collection string `json:"collection"`
	// ChatID scopes a messages query to one chat. Required for
	// CollectionMessages.
	ChatID string `json:"chat_id,omitempty"`
	// Participant scopes a chats query to chats the user belongs to.
	// Required for CollectionChats.
	Participant string `json:"participant,omitempty"`
	// Requester is the user the query runs as. Messages queries are
	// served only when the requester is a participant of the chat;
	// chats queries only when the requester queries their own list.
	Requester string `json:"requester,omitempty"`
	// ActiveOnly excludes deactivated chats.
	ActiveOnly bool `json:"active_only,omitempty"`
	// Limit caps the result set. 0 means DefaultQueryLimit for
	// messages and unlimited for chats.
	Limit int `json:"limit,omitempty"`
}

// CancelFunc tears down a subscription. Safe to call more than once.
type CancelFunc func()

// SnapshotFunc receives the full current result set for a query, one
// JSON document per element. Messages arrive newest first; chats by
// most recent activity.
type SnapshotFunc func(docs [][]byte)

// ErrorFunc receives subscription delivery errors. The subscription
// stays registered; a later snapshot resumes delivery.
type ErrorFunc func(err error)

// Store is the remote document store interface.
type Store interface {
	// Write stores doc in collection and returns its server-assigned
	// identity. The write is atomic: it either lands fully or not at
	// all.
	Write(ctx context.Context, collection string, doc []byte) (WriteResult, error)

	// Read evaluates q once and returns the matching documents in
	// snapshot order.
	Read(ctx context.Context, q Query) ([][]byte, error)

	// Subscribe registers a live query. onSnapshot is called with the
	// initial result set and again after every matching change, each
	// time with the full result set. Callbacks for one subscription
	// are never invoked concurrently.
	Subscribe(q Query, onSnapshot SnapshotFunc, onError ErrorFunc) (CancelFunc, error)

	// Close tears down all subscriptions and releases resources.
	Close() error
}
