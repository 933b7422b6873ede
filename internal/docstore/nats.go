// Palaver - Self-hosted Chat Service with Optimistic Message Delivery
// Copyright 2026 The Palaver Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/palaver-chat/palaver

package docstore

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/nats-io/nats.go"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/palaver-chat/palaver/internal/logging"
	"github.com/palaver-chat/palaver/internal/metrics"
)

// NATSStore implements Store over a NATS connection talking to a
// Responder. Writes go through a circuit breaker so a dead backend
// fails fast instead of stacking up blocked sends.
type NATSStore struct {
	conn    *nats.Conn
	breaker *gobreaker.CircuitBreaker[WriteResult]
	timeout time.Duration

	mu     sync.Mutex
	subs   map[*natsSubscription]struct{}
	closed bool
}

// NATSStoreConfig configures a NATSStore.
type NATSStoreConfig struct {
	// RequestTimeout bounds write and query round-trips.
	RequestTimeout time.Duration
	// BreakerFailureThreshold is the consecutive-failure count that
	// opens the write breaker.
	BreakerFailureThreshold uint32
	// BreakerRecoveryTimeout is how long the breaker stays open before
	// probing again.
	BreakerRecoveryTimeout time.Duration
}

func (c *NATSStoreConfig) withDefaults() NATSStoreConfig {
	out := NATSStoreConfig{
		RequestTimeout:          10 * time.Second,
		BreakerFailureThreshold: 5,
		BreakerRecoveryTimeout:  15 * time.Second,
	}
	if c == nil {
		return out
	}
	if c.RequestTimeout > 0 {
		out.RequestTimeout = c.RequestTimeout
	}
	if c.BreakerFailureThreshold > 0 {
		out.BreakerFailureThreshold = c.BreakerFailureThreshold
	}
	if c.BreakerRecoveryTimeout > 0 {
		out.BreakerRecoveryTimeout = c.BreakerRecoveryTimeout
	}
	return out
}

// NewNATSStore creates a Store over conn. The caller owns the
// connection; Close tears down subscriptions but leaves conn open.
func NewNATSStore(conn *nats.Conn, cfg *NATSStoreConfig) *NATSStore {
	resolved := cfg.withDefaults()

	breaker := gobreaker.NewCircuitBreaker[WriteResult](gobreaker.Settings{
		Name:    "docstore-writes",
		Timeout: resolved.BreakerRecoveryTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= resolved.BreakerFailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Circuit breaker state changed")
		},
	})

	return &NATSStore{
		conn:    conn,
		breaker: breaker,
		timeout: resolved.RequestTimeout,
		subs:    make(map[*natsSubscription]struct{}),
	}
}

// Write sends doc to the responder and waits for its assigned identity.
func (s *NATSStore) Write(ctx context.Context, collection string, doc []byte) (WriteResult, error) {
	result, err := s.breaker.Execute(func() (WriteResult, error) {
		return s.write(ctx, collection, doc)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return WriteResult{}, NewError(CodeUnavailable, "document store writes suspended: %v", err)
	}
	return result, err
}

func (s *NATSStore) write(ctx context.Context, collection string, doc []byte) (WriteResult, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	msg, err := s.conn.RequestWithContext(ctx, writeSubject(collection), doc)
	if err != nil {
		return WriteResult{}, NewError(CodeUnavailable, "write request: %v", err)
	}

	var reply writeReply
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		return WriteResult{}, NewError(CodeUnknown, "decode write reply: %v", err)
	}
	if !reply.OK {
		if reply.Err != nil {
			return WriteResult{}, reply.Err
		}
		return WriteResult{}, NewError(CodeUnknown, "write rejected without error detail")
	}
	return reply.Result, nil
}

// natsSubscription mirrors memorySubscription: a dispatch goroutine
// serializes snapshot callbacks, and stale snapshots are dropped in
// favor of newer ones.
type natsSubscription struct {
	query      Query
	onSnapshot SnapshotFunc
	onError    ErrorFunc
	natsSub    *nats.Subscription
	deliveries chan [][]byte
	done       chan struct{}
	closeOnce  sync.Once
}

func (s *natsSubscription) run() {
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

func (s *natsSubscription) deliver(docs [][]byte) {
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

func (s *natsSubscription) close() {
	s.closeOnce.Do(func() {
		if s.natsSub != nil {
			if err := s.natsSub.Unsubscribe(); err != nil {
				logging.Debug().Err(err).Msg("Unsubscribe failed")
			}
		}
		close(s.done)
		metrics.ActiveSubscriptions.WithLabelValues(s.query.Collection).Dec()
	})
}

// Subscribe attaches to the query's snapshot subject, then fetches the
// initial result set. Subscribing before querying means no update
// published in between is lost; at worst an extra full snapshot is
// delivered, which full-replace semantics absorb.
func (s *NATSStore) Subscribe(q Query, onSnapshot SnapshotFunc, onError ErrorFunc) (CancelFunc, error) {
	if err := validateQuery(q); err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, NewError(CodeUnavailable, "store is closed")
	}
	s.mu.Unlock()

	sub := &natsSubscription{
		query:      q,
		onSnapshot: onSnapshot,
		onError:    onError,
		deliveries: make(chan [][]byte, 1),
		done:       make(chan struct{}),
	}

	natsSub, err := s.conn.Subscribe(snapshotSubject(q), func(msg *nats.Msg) {
		docs, err := decodeSnapshot(msg.Data)
		if err != nil {
			sub.onError(NewError(CodeUnknown, "bad snapshot payload: %v", err))
			return
		}
		sub.deliver(docs)
	})
	if err != nil {
		return nil, NewError(CodeUnavailable, "subscribe %s: %v", snapshotSubject(q), err)
	}
	sub.natsSub = natsSub

	s.mu.Lock()
	s.subs[sub] = struct{}{}
	s.mu.Unlock()
	metrics.ActiveSubscriptions.WithLabelValues(q.Collection).Inc()

	go sub.run()

	// Initial snapshot.
	go func() {
		docs, err := s.query(context.Background(), q)
		if err != nil {
			sub.onError(err)
			return
		}
		sub.deliver(docs)
	}()

	return func() {
		s.mu.Lock()
		delete(s.subs, sub)
		s.mu.Unlock()
		sub.close()
	}, nil
}

// Read evaluates q once against the responder.
func (s *NATSStore) Read(ctx context.Context, q Query) ([][]byte, error) {
	if err := validateQuery(q); err != nil {
		return nil, err
	}
	return s.query(ctx, q)
}

func (s *NATSStore) query(ctx context.Context, q Query) ([][]byte, error) {
	payload, err := json.Marshal(q)
	if err != nil {
		return nil, NewError(CodeUnknown, "encode query: %v", err)
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	msg, err := s.conn.RequestWithContext(ctx, querySubject(q.Collection), payload)
	if err != nil {
		return nil, NewError(CodeUnavailable, "query request: %v", err)
	}

	var reply queryReply
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		return nil, NewError(CodeUnknown, "decode query reply: %v", err)
	}
	if !reply.OK {
		if reply.Err != nil {
			return nil, reply.Err
		}
		return nil, NewError(CodeUnknown, "query rejected without error detail")
	}

	docs := make([][]byte, len(reply.Docs))
	for i, doc := range reply.Docs {
		docs[i] = []byte(doc)
	}
	return docs, nil
}

// Close cancels all subscriptions. The NATS connection stays open; the
// caller owns it.
func (s *NATSStore) Close() error {
	s.mu.Lock()
	s.closed = true
	subs := make([]*natsSubscription, 0, len(s.subs))
	for sub := range s.subs {
		subs = append(subs, sub)
	}
	s.subs = make(map[*natsSubscription]struct{})
	s.mu.Unlock()

	for _, sub := range subs {
		sub.close()
	}
	return nil
}
