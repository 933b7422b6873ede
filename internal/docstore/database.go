// Palaver - Self-hosted Chat Service with Optimistic Message Delivery
// Copyright 2026 The Palaver Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/palaver-chat/palaver

package docstore

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/palaver-chat/palaver/internal/kv"
	"github.com/palaver-chat/palaver/internal/models"
)

// Key layout in the backing store.
const (
	docMessagePrefix = "doc:messages:" // doc:messages:<chatID>:<id>
	docChatPrefix    = "doc:chats:"    // doc:chats:<id>
)

// snapshotUpdate names a query scope whose result set changed after a
// write. The transport layer turns these into snapshot deliveries.
type snapshotUpdate struct {
	Collection string
	// Scope is the chat ID for messages, the participant user ID for
	// chats.
	Scope string
}

// database holds the document collections over a key-value store and
// evaluates queries. It is shared by the in-process store and the NATS
// responder; a mutex serializes writes so message and chat updates from
// one write land together.
type database struct {
	mu    sync.Mutex
	store kv.Store
	now   func() time.Time
}

func newDatabase(store kv.Store) *database {
	return &database{store: store, now: time.Now}
}

// writeDoc applies one document write and reports which query scopes
// changed.
func (d *database) writeDoc(collection string, doc []byte) (WriteResult, []snapshotUpdate, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch collection {
	case CollectionMessages:
		return d.writeMessage(doc)
	case CollectionChats:
		return d.writeChat(doc)
	default:
		return WriteResult{}, nil, NewError(CodeInvalidDocument, "unknown collection %q", collection)
	}
}

func (d *database) writeMessage(doc []byte) (WriteResult, []snapshotUpdate, error) {
	var msg models.Message
	if err := json.Unmarshal(doc, &msg); err != nil {
		return WriteResult{}, nil, NewError(CodeInvalidDocument, "decode message: %v", err)
	}
	if msg.ChatID == "" {
		return WriteResult{}, nil, NewError(CodeInvalidDocument, "message has no chat_id")
	}
	if msg.Text == "" {
		return WriteResult{}, nil, NewError(CodeInvalidDocument, "message has no text")
	}

	// Only participants of a live chat may write into it. A missing
	// chat reads the same as a foreign one so callers cannot tell chat
	// IDs apart.
	chat, err := d.loadChat(msg.ChatID)
	if err != nil || !chat.Active || msg.SenderID == "" || !chat.HasParticipant(msg.SenderID) {
		return WriteResult{}, nil, NewError(CodePermissionDenied,
			"sender %q may not write to chat %q", msg.SenderID, msg.ChatID)
	}

	// The store assigns identity and time: client-side temp IDs and
	// local clocks never reach the stored document.
	serverTime := d.now().UTC()
	msg.ID = uuid.New().String()
	msg.Timestamp = serverTime
	msg.Status = models.StatusSent

	stored, err := json.Marshal(&msg)
	if err != nil {
		return WriteResult{}, nil, fmt.Errorf("encode message: %w", err)
	}
	key := docMessagePrefix + msg.ChatID + ":" + msg.ID
	if err := d.store.Set(key, stored); err != nil {
		return WriteResult{}, nil, fmt.Errorf("store message: %w", err)
	}

	updates := []snapshotUpdate{{Collection: CollectionMessages, Scope: msg.ChatID}}

	// Reflect the new message on the chat so chat lists show the
	// latest activity.
	chat.LastMessage = msg.Text
	chat.LastActivity = serverTime
	if err := d.storeChat(chat); err == nil {
		for _, participant := range chat.Participants {
			updates = append(updates, snapshotUpdate{Collection: CollectionChats, Scope: participant})
		}
	}

	return WriteResult{ID: msg.ID, ServerTime: serverTime}, updates, nil
}

func (d *database) writeChat(doc []byte) (WriteResult, []snapshotUpdate, error) {
	var chat models.Chat
	if err := json.Unmarshal(doc, &chat); err != nil {
		return WriteResult{}, nil, NewError(CodeInvalidDocument, "decode chat: %v", err)
	}
	if len(chat.Participants) == 0 {
		return WriteResult{}, nil, NewError(CodeInvalidDocument, "chat has no participants")
	}

	serverTime := d.now().UTC()
	created := chat.ID == ""
	if created {
		chat.ID = uuid.New().String()
		chat.CreatedAt = serverTime
		chat.Active = true
	}
	if chat.LastActivity.IsZero() {
		chat.LastActivity = serverTime
	}

	// Writes to an existing chat must keep participants of the stored
	// document in the update set even when the write shrinks them.
	notify := map[string]struct{}{}
	if !created {
		if existing, err := d.loadChat(chat.ID); err == nil {
			for _, p := range existing.Participants {
				notify[p] = struct{}{}
			}
			if chat.CreatedAt.IsZero() {
				chat.CreatedAt = existing.CreatedAt
			}
		}
	}
	for _, p := range chat.Participants {
		notify[p] = struct{}{}
	}

	if err := d.storeChat(&chat); err != nil {
		return WriteResult{}, nil, fmt.Errorf("store chat: %w", err)
	}

	updates := make([]snapshotUpdate, 0, len(notify))
	for p := range notify {
		updates = append(updates, snapshotUpdate{Collection: CollectionChats, Scope: p})
	}
	sort.Slice(updates, func(i, j int) bool { return updates[i].Scope < updates[j].Scope })

	return WriteResult{ID: chat.ID, ServerTime: serverTime}, updates, nil
}

func (d *database) loadChat(id string) (*models.Chat, error) {
	data, err := d.store.Get(docChatPrefix + id)
	if err != nil {
		return nil, err
	}
	var chat models.Chat
	if err := json.Unmarshal(data, &chat); err != nil {
		return nil, fmt.Errorf("decode chat %q: %w", id, err)
	}
	return &chat, nil
}

func (d *database) storeChat(chat *models.Chat) error {
	data, err := json.Marshal(chat)
	if err != nil {
		return fmt.Errorf("encode chat: %w", err)
	}
	return d.store.Set(docChatPrefix+chat.ID, data)
}

// runQuery evaluates q as the query's requester and returns the
// matching documents, encoded. The ordering contract matches
// SnapshotFunc.
func (d *database) runQuery(q Query) ([][]byte, error) {
	if err := d.checkAccess(q); err != nil {
		return nil, err
	}
	return d.runQueryPrivileged(q)
}

// runQueryPrivileged evaluates q without access checks. Only for
// store-internal reads such as snapshot publication, where the scope
// itself already names the audience.
func (d *database) runQueryPrivileged(q Query) ([][]byte, error) {
	switch q.Collection {
	case CollectionMessages:
		return d.queryMessages(q)
	case CollectionChats:
		return d.queryChats(q)
	default:
		return nil, NewError(CodeInvalidDocument, "unknown collection %q", q.Collection)
	}
}

// checkAccess enforces the store's access rules: message history is
// visible to chat participants only, and a chat list only to its own
// user. Missing and foreign chats are indistinguishable to the caller.
func (d *database) checkAccess(q Query) error {
	switch q.Collection {
	case CollectionMessages:
		if q.ChatID == "" {
			return NewError(CodeIndexRequired, "messages query requires chat_id")
		}
		chat, err := d.loadChat(q.ChatID)
		if err != nil || q.Requester == "" || !chat.HasParticipant(q.Requester) {
			return NewError(CodePermissionDenied,
				"requester %q may not read chat %q", q.Requester, q.ChatID)
		}
	case CollectionChats:
		if q.Participant == "" {
			return NewError(CodeIndexRequired, "chats query requires participant")
		}
		if q.Requester == "" || q.Requester != q.Participant {
			return NewError(CodePermissionDenied,
				"requester %q may not read chats of %q", q.Requester, q.Participant)
		}
	}
	return nil
}

func (d *database) queryMessages(q Query) ([][]byte, error) {
	if q.ChatID == "" {
		// Messages are only indexed per chat.
		return nil, NewError(CodeIndexRequired, "messages query requires chat_id")
	}

	keys, err := d.store.Keys(docMessagePrefix + q.ChatID + ":")
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}

	messages := make([]models.Message, 0, len(keys))
	for _, key := range keys {
		data, err := d.store.Get(key)
		if err != nil {
			continue
		}
		var msg models.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		messages = append(messages, msg)
	}

	sort.SliceStable(messages, func(i, j int) bool {
		if !messages[i].Timestamp.Equal(messages[j].Timestamp) {
			return messages[i].Timestamp.After(messages[j].Timestamp)
		}
		return messages[i].ID > messages[j].ID
	})

	limit := q.Limit
	if limit <= 0 {
		limit = DefaultQueryLimit
	}
	if len(messages) > limit {
		messages = messages[:limit]
	}

	return encodeDocs(len(messages), func(i int) any { return &messages[i] })
}

func (d *database) queryChats(q Query) ([][]byte, error) {
	if q.Participant == "" {
		return nil, NewError(CodeIndexRequired, "chats query requires participant")
	}

	keys, err := d.store.Keys(docChatPrefix)
	if err != nil {
		return nil, fmt.Errorf("list chats: %w", err)
	}

	chats := make([]models.Chat, 0, len(keys))
	for _, key := range keys {
		data, err := d.store.Get(key)
		if err != nil {
			continue
		}
		var chat models.Chat
		if err := json.Unmarshal(data, &chat); err != nil {
			continue
		}
		if !chat.HasParticipant(q.Participant) {
			continue
		}
		if q.ActiveOnly && !chat.Active {
			continue
		}
		chats = append(chats, chat)
	}

	sort.SliceStable(chats, func(i, j int) bool {
		if !chats[i].LastActivity.Equal(chats[j].LastActivity) {
			return chats[i].LastActivity.After(chats[j].LastActivity)
		}
		return chats[i].ID > chats[j].ID
	})

	if q.Limit > 0 && len(chats) > q.Limit {
		chats = chats[:q.Limit]
	}

	return encodeDocs(len(chats), func(i int) any { return &chats[i] })
}

func encodeDocs(n int, at func(i int) any) ([][]byte, error) {
	docs := make([][]byte, 0, n)
	for i := 0; i < n; i++ {
		data, err := json.Marshal(at(i))
		if err != nil {
			return nil, fmt.Errorf("encode document: %w", err)
		}
		docs = append(docs, data)
	}
	return docs, nil
}

// scopeMatches reports whether a subscription query is refreshed by an
// update to the given scope.
func scopeMatches(q Query, update snapshotUpdate) bool {
	if q.Collection != update.Collection {
		return false
	}
	switch q.Collection {
	case CollectionMessages:
		return q.ChatID == update.Scope
	case CollectionChats:
		return q.Participant == update.Scope
	}
	return false
}

// validateQuery rejects queries the store can never serve.
func validateQuery(q Query) error {
	switch q.Collection {
	case CollectionMessages:
		if q.ChatID == "" {
			return NewError(CodeIndexRequired, "messages query requires chat_id")
		}
	case CollectionChats:
		if q.Participant == "" {
			return NewError(CodeIndexRequired, "chats query requires participant")
		}
	default:
		return NewError(CodeInvalidDocument, "unknown collection %q", q.Collection)
	}
	if strings.ContainsAny(q.ChatID, " .*>") || strings.ContainsAny(q.Participant, " .*>") {
		return NewError(CodeInvalidDocument, "query scope contains reserved characters")
	}
	return nil
}
