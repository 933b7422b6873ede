// Palaver - Self-hosted Chat Service with Optimistic Message Delivery
// Copyright 2026 The Palaver Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/palaver-chat/palaver

package kv

import (
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/palaver-chat/palaver/internal/logging"
)

// BadgerStore implements Store on top of BadgerDB. This is the current
// production backend.
type BadgerStore struct {
	db       *badger.DB
	ownsDB   bool
	inMemory bool
	stopGC   chan struct{}
	gcClosed chan struct{}
}

// OpenBadger opens (or creates) a BadgerDB store at path and starts a
// background value-log GC loop. Pass inMemory=true for an ephemeral
// store without a directory.
func OpenBadger(path string, inMemory bool) (*BadgerStore, error) {
	opts := badger.DefaultOptions(path).
		WithInMemory(inMemory).
		WithLogger(nil)
	if inMemory {
		opts.Dir = ""
		opts.ValueDir = ""
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger at %q: %w", path, err)
	}

	s := &BadgerStore{
		db:       db,
		ownsDB:   true,
		inMemory: inMemory,
		stopGC:   make(chan struct{}),
		gcClosed: make(chan struct{}),
	}
	go s.runGC()
	return s, nil
}

// NewBadgerStore wraps an existing BadgerDB handle. Close does not close
// the handle; the caller retains ownership.
func NewBadgerStore(db *badger.DB) *BadgerStore {
	s := &BadgerStore{
		db:       db,
		stopGC:   make(chan struct{}),
		gcClosed: make(chan struct{}),
	}
	go s.runGC()
	return s
}

// Get returns the value stored under key, or ErrKeyNotFound.
func (s *BadgerStore) Get(key string) ([]byte, error) {
	var value []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrKeyNotFound
		}
		if err != nil {
			return fmt.Errorf("get %q: %w", key, err)
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		return nil, err
	}
	return value, nil
}

// Set stores value under key.
func (s *BadgerStore) Set(key string, value []byte) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), value)
	})
	if err != nil {
		return fmt.Errorf("set %q: %w", key, err)
	}
	return nil
}

// Delete removes key. Missing keys are ignored.
func (s *BadgerStore) Delete(key string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
	if err != nil {
		return fmt.Errorf("delete %q: %w", key, err)
	}
	return nil
}

// Keys returns all keys with the given prefix. Values are not fetched.
func (s *BadgerStore) Keys(prefix string) ([]string, error) {
	var keys []string
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(prefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			keys = append(keys, string(it.Item().KeyCopy(nil)))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("keys %q: %w", prefix, err)
	}
	return keys, nil
}

// Close stops the GC loop and, when the store owns its DB handle, closes
// BadgerDB.
func (s *BadgerStore) Close() error {
	close(s.stopGC)
	<-s.gcClosed
	if s.ownsDB {
		return s.db.Close()
	}
	return nil
}

// runGC runs BadgerDB value-log garbage collection periodically.
// badger.ErrNoRewrite means there was nothing to reclaim.
func (s *BadgerStore) runGC() {
	defer close(s.gcClosed)

	// Value log GC only applies to disk-backed stores we own.
	if !s.ownsDB || s.inMemory {
		<-s.stopGC
		return
	}

	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopGC:
			return
		case <-ticker.C:
			err := s.db.RunValueLogGC(0.5)
			if err != nil && !errors.Is(err, badger.ErrNoRewrite) {
				logging.Warn().Err(err).Msg("BadgerDB value log GC failed")
			}
		}
	}
}
