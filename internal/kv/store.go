// Palaver - Self-hosted Chat Service with Optimistic Message Delivery
// Copyright 2026 The Palaver Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/palaver-chat/palaver

// Package kv provides the key-value persistence layer backing the local
// message cache and the user registry.
//
// Two durable backends exist: the current BadgerDB store and the legacy
// flat-file store. Migrate moves a legacy store's contents into the
// current backend, after which the legacy directory is retired. An
// in-memory store is provided for tests and development.
//
// Store handles are constructed at application startup and injected into
// their consumers; there is no package-level instance.
package kv

import "errors"

// ErrKeyNotFound is returned by Get when the key does not exist.
var ErrKeyNotFound = errors.New("key not found")

// Store is a minimal key-value store. Values are opaque byte slices;
// callers own serialization. Implementations must be safe for concurrent
// use.
type Store interface {
	// Get returns the value stored under key, or ErrKeyNotFound.
	Get(key string) ([]byte, error)

	// Set stores value under key, overwriting any existing value.
	Set(key string, value []byte) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(key string) error

	// Keys returns all keys with the given prefix. An empty prefix
	// returns every key.
	Keys(prefix string) ([]string, error)

	// Close releases the underlying resources.
	Close() error
}
