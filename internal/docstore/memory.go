// Palaver - Self-hosted Chat Service with Optimistic Message Delivery
// Copyright 2026 The Palaver Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/palaver-chat/palaver

package docstore

import (
	"context"
	"sync"

	"github.com/palaver-chat/palaver/internal/kv"
	"github.com/palaver-chat/palaver/internal/logging"
	"github.com/palaver-chat/palaver/internal/metrics"
)

// memorySubscription delivers snapshots to one subscriber through a
// dedicated goroutine so callbacks never run concurrently.
type memorySubscription struct {
	query      Query
	onSnapshot SnapshotFunc
	onError    ErrorFunc
	deliveries chan [][]byte
	done       chan struct{}
	closeOnce  sync.Once
}

func (s *memorySubscription) run() {
	for {
		select {
		case docs := <-s.deliveries:
			s.onSnapshot(docs)
			metrics.SnapshotsDeliveredTotal.WithLabelValues(s.query.Collection).Inc()
		case <-s.done:
			return
		}
	}
}

func (s *memorySubscription) close() {
	s.closeOnce.Do(func() {
		close(s.done)
		metrics.ActiveSubscriptions.WithLabelValues(s.query.Collection).Dec()
	})
}

// deliver hands a snapshot to the dispatch goroutine. A subscriber that
// cannot keep up drops older snapshots; only the newest full result set
// matters.
func (s *memorySubscription) deliver(docs [][]byte) {
	for {
		select {
		case s.deliveries <- docs:
			return
		case <-s.done:
			return
		default:
		}
		select {
		case <-s.deliveries:
		default:
		}
	}
}

// MemoryStore is an in-process Store. It backs tests and deployments
// that run without messaging.
type MemoryStore struct {
	db   *database
	mu   sync.Mutex
	subs map[*memorySubscription]struct{}
}

// NewMemoryStore creates an in-process document store with its own
// private key-value backing. Documents do not survive the process;
// deployments hand NewMemoryStoreOver their durable store instead.
func NewMemoryStore() *MemoryStore {
	return NewMemoryStoreOver(kv.NewMemoryStore())
}

// NewMemoryStoreOver creates an in-process document store over an
// existing key-value store, so documents share that store's
// durability.
func NewMemoryStoreOver(store kv.Store) *MemoryStore {
	return &MemoryStore{
		db:   newDatabase(store),
		subs: make(map[*memorySubscription]struct{}),
	}
}

// Write stores doc and refreshes every matching subscription.
func (m *MemoryStore) Write(ctx context.Context, collection string, doc []byte) (WriteResult, error) {
	if err := ctx.Err(); err != nil {
		return WriteResult{}, err
	}

	result, updates, err := m.db.writeDoc(collection, doc)
	if err != nil {
		return WriteResult{}, err
	}

	m.notify(updates)
	return result, nil
}

// Read evaluates q once.
func (m *MemoryStore) Read(ctx context.Context, q Query) ([][]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := validateQuery(q); err != nil {
		return nil, err
	}
	return m.db.runQuery(q)
}

func (m *MemoryStore) notify(updates []snapshotUpdate) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for sub := range m.subs {
		for _, update := range updates {
			if !scopeMatches(sub.query, update) {
				continue
			}
			docs, err := m.db.runQuery(sub.query)
			if err != nil {
				sub.onError(err)
				continue
			}
			sub.deliver(docs)
			break
		}
	}
}

// Subscribe registers a live query and delivers the initial snapshot
// asynchronously.
func (m *MemoryStore) Subscribe(q Query, onSnapshot SnapshotFunc, onError ErrorFunc) (CancelFunc, error) {
	if err := validateQuery(q); err != nil {
		return nil, err
	}

	sub := &memorySubscription{
		query:      q,
		onSnapshot: onSnapshot,
		onError:    onError,
		deliveries: make(chan [][]byte, 1),
		done:       make(chan struct{}),
	}

	m.mu.Lock()
	m.subs[sub] = struct{}{}
	m.mu.Unlock()
	metrics.ActiveSubscriptions.WithLabelValues(q.Collection).Inc()

	go sub.run()

	// Initial snapshot, delivered through the same path as updates.
	docs, err := m.db.runQuery(q)
	if err != nil {
		logging.Warn().Err(err).Str("collection", q.Collection).Msg("Initial snapshot query failed")
		sub.onError(err)
	} else {
		sub.deliver(docs)
	}

	return func() {
		m.mu.Lock()
		delete(m.subs, sub)
		m.mu.Unlock()
		sub.close()
	}, nil
}

// Close cancels every subscription.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	subs := make([]*memorySubscription, 0, len(m.subs))
	for sub := range m.subs {
		subs = append(subs, sub)
	}
	m.subs = make(map[*memorySubscription]struct{})
	m.mu.Unlock()

	for _, sub := range subs {
		sub.close()
	}
	return nil
}
