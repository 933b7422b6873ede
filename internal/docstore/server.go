// Palaver - Self-hosted Chat Service with Optimistic Message Delivery
// Copyright 2026 The Palaver Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/palaver-chat/palaver

package docstore

import (
	"fmt"

	"github.com/goccy/go-json"
	"github.com/nats-io/nats.go"

	"github.com/palaver-chat/palaver/internal/kv"
	"github.com/palaver-chat/palaver/internal/logging"
)

// Responder serves the document store over NATS: it answers write and
// query requests and publishes a fresh full snapshot to every scope a
// write touched.
type Responder struct {
	conn *nats.Conn
	db   *database
	subs []*nats.Subscription
}

// NewResponder creates a responder backed by store. Call Start to begin
// serving.
func NewResponder(conn *nats.Conn, store kv.Store) *Responder {
	return &Responder{
		conn: conn,
		db:   newDatabase(store),
	}
}

// Start subscribes to the write and query subjects of both collections.
func (r *Responder) Start() error {
	for _, collection := range []string{CollectionMessages, CollectionChats} {
		collection := collection

		writeSub, err := r.conn.Subscribe(writeSubject(collection), func(msg *nats.Msg) {
			r.handleWrite(collection, msg)
		})
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", writeSubject(collection), err)
		}
		r.subs = append(r.subs, writeSub)

		querySub, err := r.conn.Subscribe(querySubject(collection), func(msg *nats.Msg) {
			r.handleQuery(collection, msg)
		})
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", querySubject(collection), err)
		}
		r.subs = append(r.subs, querySub)
	}

	logging.Info().Msg("Document store responder started")
	return nil
}

func (r *Responder) handleWrite(collection string, msg *nats.Msg) {
	result, updates, err := r.db.writeDoc(collection, msg.Data)

	reply := writeReply{OK: err == nil, Result: result}
	if err != nil {
		reply.Err = asWireError(err)
		logging.Warn().Err(err).Str("collection", collection).Msg("Document write rejected")
	}
	r.respond(msg, reply)

	if err != nil {
		return
	}
	for _, update := range updates {
		r.publishSnapshot(update)
	}
}

func (r *Responder) handleQuery(collection string, msg *nats.Msg) {
	var q Query
	if err := json.Unmarshal(msg.Data, &q); err != nil {
		r.respond(msg, queryReply{Err: NewError(CodeInvalidDocument, "decode query: %v", err)})
		return
	}
	q.Collection = collection

	docs, err := r.db.runQuery(q)
	if err != nil {
		r.respond(msg, queryReply{Err: asWireError(err)})
		return
	}

	raw := make([]json.RawMessage, len(docs))
	for i, doc := range docs {
		raw[i] = json.RawMessage(doc)
	}
	r.respond(msg, queryReply{OK: true, Docs: raw})
}

// publishSnapshot recomputes and publishes the full result set for the
// scope an update touched.
func (r *Responder) publishSnapshot(update snapshotUpdate) {
	q := Query{Collection: update.Collection}
	switch update.Collection {
	case CollectionMessages:
		q.ChatID = update.Scope
	case CollectionChats:
		q.Participant = update.Scope
		q.ActiveOnly = true
	}

	docs, err := r.db.runQueryPrivileged(q)
	if err != nil {
		logging.Warn().Err(err).Str("subject", updateSubject(update)).Msg("Snapshot query failed")
		return
	}
	payload, err := encodeSnapshot(docs)
	if err != nil {
		logging.Warn().Err(err).Str("subject", updateSubject(update)).Msg("Snapshot encode failed")
		return
	}
	if err := r.conn.Publish(updateSubject(update), payload); err != nil {
		logging.Warn().Err(err).Str("subject", updateSubject(update)).Msg("Snapshot publish failed")
	}
}

func (r *Responder) respond(msg *nats.Msg, reply any) {
	data, err := json.Marshal(reply)
	if err != nil {
		logging.Error().Err(err).Msg("Failed to encode reply")
		return
	}
	if err := msg.Respond(data); err != nil {
		logging.Warn().Err(err).Msg("Failed to send reply")
	}
}

// asWireError keeps coded errors intact and wraps everything else.
func asWireError(err error) *Error {
	if coded, ok := err.(*Error); ok {
		return coded
	}
	return NewError(CodeUnknown, "%v", err)
}

// Close drops the responder's subscriptions. The backing store and the
// NATS connection stay open; their owners close them.
func (r *Responder) Close() error {
	for _, sub := range r.subs {
		if err := sub.Unsubscribe(); err != nil {
			logging.Debug().Err(err).Msg("Unsubscribe failed")
		}
	}
	r.subs = nil
	return nil
}
