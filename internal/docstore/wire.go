// Palaver - Self-hosted Chat Service with Optimistic Message Delivery
// Copyright 2026 The Palaver Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/palaver-chat/palaver

package docstore

import (
	"fmt"

	"github.com/goccy/go-json"
)

// NATS subjects. Writes and queries are request/reply; snapshots are
// plain publishes carrying the full current result set.
const (
	subjectWritePrefix     = "docs."
	subjectWriteSuffix     = ".write"
	subjectQuerySuffix     = ".query"
	subjectMessagesUpdates = "docs.messages.chat."
	subjectChatsUpdates    = "docs.chats.user."
)

func writeSubject(collection string) string {
	return subjectWritePrefix + collection + subjectWriteSuffix
}

func querySubject(collection string) string {
	return subjectWritePrefix + collection + subjectQuerySuffix
}

// snapshotSubject returns the publish subject for a query's scope.
// validateQuery has already rejected scopes with NATS-reserved
// characters.
func snapshotSubject(q Query) string {
	if q.Collection == CollectionMessages {
		return subjectMessagesUpdates + q.ChatID
	}
	return subjectChatsUpdates + q.Participant
}

func updateSubject(u snapshotUpdate) string {
	if u.Collection == CollectionMessages {
		return subjectMessagesUpdates + u.Scope
	}
	return subjectChatsUpdates + u.Scope
}

// writeReply is the responder's answer to a write request.
type writeReply struct {
	OK     bool        `json:"ok"`
	Result WriteResult `json:"result,omitempty"`
	Err    *Error      `json:"error,omitempty"`
}

// queryReply is the responder's answer to a query request. Docs doubles
// as the snapshot publish payload.
type queryReply struct {
	OK   bool              `json:"ok"`
	Docs []json.RawMessage `json:"docs,omitempty"`
	Err  *Error            `json:"error,omitempty"`
}

func encodeSnapshot(docs [][]byte) ([]byte, error) {
	raw := make([]json.RawMessage, len(docs))
	for i, doc := range docs {
		raw[i] = json.RawMessage(doc)
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}
	return data, nil
}

func decodeSnapshot(data []byte) ([][]byte, error) {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	docs := make([][]byte, len(raw))
	for i, doc := range raw {
		docs[i] = []byte(doc)
	}
	return docs, nil
}
