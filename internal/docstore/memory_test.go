// Palaver - Self-hosted Chat Service with Optimistic Message Delivery
// Copyright 2026 The Palaver Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/palaver-chat/palaver

package docstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/palaver-chat/palaver/internal/kv"
	"github.com/palaver-chat/palaver/internal/models"
)

const snapshotWait = 2 * time.Second

func mustMarshal(t *testing.T, v any) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	return data
}

func decodeMessages(t *testing.T, docs [][]byte) []models.Message {
	t.Helper()
	out := make([]models.Message, 0, len(docs))
	for _, doc := range docs {
		var msg models.Message
		if err := json.Unmarshal(doc, &msg); err != nil {
			t.Fatalf("Unmarshal message failed: %v", err)
		}
		out = append(out, msg)
	}
	return out
}

func decodeChats(t *testing.T, docs [][]byte) []models.Chat {
	t.Helper()
	out := make([]models.Chat, 0, len(docs))
	for _, doc := range docs {
		var chat models.Chat
		if err := json.Unmarshal(doc, &chat); err != nil {
			t.Fatalf("Unmarshal chat failed: %v", err)
		}
		out = append(out, chat)
	}
	return out
}

// receiveSnapshot waits for the next snapshot on ch.
func receiveSnapshot(t *testing.T, ch <-chan [][]byte) [][]byte {
	t.Helper()
	select {
	case docs := <-ch:
		return docs
	case <-time.After(snapshotWait):
		t.Fatal("Timed out waiting for snapshot")
		return nil
	}
}

func writeTestChat(t *testing.T, store Store, participants []string) string {
	t.Helper()
	result, err := store.Write(context.Background(), CollectionChats, mustMarshal(t, models.Chat{
		Name:         "test chat",
		Participants: participants,
	}))
	if err != nil {
		t.Fatalf("Write chat failed: %v", err)
	}
	return result.ID
}

func TestMemoryStore_WriteMessageAssignsIdentity(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()

	chatID := writeTestChat(t, store, []string{"alice", "bob"})

	result, err := store.Write(context.Background(), CollectionMessages, mustMarshal(t, models.Message{
		ID:       "tmp-123",
		ChatID:   chatID,
		Text:     "hello",
		SenderID: "alice",
		Status:   models.StatusSending,
	}))
	if err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if result.ID == "" || result.ID == "tmp-123" {
		t.Errorf("server did not assign a fresh ID: %q", result.ID)
	}
	if result.ServerTime.IsZero() {
		t.Error("server did not assign a timestamp")
	}
}

func TestMemoryStore_WriteRejectsInvalid(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()

	tests := []struct {
		name       string
		collection string
		doc        any
	}{
		{"message without chat", CollectionMessages, models.Message{Text: "hi"}},
		{"message without text", CollectionMessages, models.Message{ChatID: "c1"}},
		{"chat without participants", CollectionChats, models.Chat{Name: "empty"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := store.Write(context.Background(), tt.collection, mustMarshal(t, tt.doc))
			if err == nil {
				t.Fatal("Write succeeded, want error")
			}
			var coded *Error
			if !errors.As(err, &coded) || coded.Code != CodeInvalidDocument {
				t.Errorf("error = %v, want invalid_document", err)
			}
		})
	}
}

func TestMemoryStore_WriteRejectsNonParticipantSender(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()

	chatID := writeTestChat(t, store, []string{"alice", "bob"})

	tests := []struct {
		name string
		msg  models.Message
	}{
		{"foreign sender", models.Message{ChatID: chatID, Text: "intrusion", SenderID: "mallory"}},
		{"no sender", models.Message{ChatID: chatID, Text: "anonymous"}},
		{"unknown chat", models.Message{ChatID: "no-such-chat", Text: "hi", SenderID: "alice"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := store.Write(context.Background(), CollectionMessages, mustMarshal(t, tt.msg))
			if Classify(err) != CategoryPermissionDenied {
				t.Errorf("Classify = %v, want permission_denied (err = %v)", Classify(err), err)
			}
		})
	}

	// Nothing was stored.
	docs, err := store.Read(context.Background(), Query{Collection: CollectionMessages, ChatID: chatID, Requester: "alice"})
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if len(docs) != 0 {
		t.Errorf("rejected writes left %d documents behind", len(docs))
	}
}

func TestMemoryStore_ReadDeniedForNonParticipant(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()

	chatID := writeTestChat(t, store, []string{"alice"})
	if _, err := store.Write(context.Background(), CollectionMessages, mustMarshal(t, models.Message{
		ChatID: chatID, Text: "private", SenderID: "alice",
	})); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	tests := []struct {
		name string
		q    Query
	}{
		{"foreign requester", Query{Collection: CollectionMessages, ChatID: chatID, Requester: "mallory"}},
		{"no requester", Query{Collection: CollectionMessages, ChatID: chatID}},
		{"other user's chat list", Query{Collection: CollectionChats, Participant: "alice", Requester: "mallory"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := store.Read(context.Background(), tt.q)
			if Classify(err) != CategoryPermissionDenied {
				t.Errorf("Classify = %v, want permission_denied (err = %v)", Classify(err), err)
			}
		})
	}
}

func TestMemoryStore_SubscribeDeniedForNonParticipant(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()

	chatID := writeTestChat(t, store, []string{"alice"})

	snapshots := make(chan [][]byte, 1)
	errs := make(chan error, 1)
	cancel, err := store.Subscribe(
		Query{Collection: CollectionMessages, ChatID: chatID, Requester: "mallory"},
		func(docs [][]byte) { snapshots <- docs },
		func(err error) { errs <- err },
	)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer cancel()

	select {
	case err := <-errs:
		if Classify(err) != CategoryPermissionDenied {
			t.Errorf("Classify = %v, want permission_denied", Classify(err))
		}
	case docs := <-snapshots:
		t.Fatalf("non-participant received a snapshot with %d docs", len(docs))
	case <-time.After(snapshotWait):
		t.Fatal("Timed out waiting for the subscription refusal")
	}
}

func TestMemoryStore_SubscribeMessages(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()

	chatID := writeTestChat(t, store, []string{"alice", "bob"})

	snapshots := make(chan [][]byte, 8)
	cancel, err := store.Subscribe(
		Query{Collection: CollectionMessages, ChatID: chatID, Requester: "alice"},
		func(docs [][]byte) { snapshots <- docs },
		func(err error) { t.Errorf("subscription error: %v", err) },
	)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer cancel()

	// Initial snapshot is empty.
	if docs := receiveSnapshot(t, snapshots); len(docs) != 0 {
		t.Fatalf("initial snapshot has %d docs, want 0", len(docs))
	}

	if _, err := store.Write(context.Background(), CollectionMessages, mustMarshal(t, models.Message{
		ChatID: chatID, Text: "first", SenderID: "alice",
	})); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	msgs := decodeMessages(t, receiveSnapshot(t, snapshots))
	if len(msgs) != 1 {
		t.Fatalf("snapshot has %d messages, want 1", len(msgs))
	}
	if msgs[0].Text != "first" || msgs[0].Status != models.StatusSent {
		t.Errorf("unexpected message: %+v", msgs[0])
	}

	if _, err := store.Write(context.Background(), CollectionMessages, mustMarshal(t, models.Message{
		ChatID: chatID, Text: "second", SenderID: "bob",
	})); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	// Full snapshot again, newest first.
	msgs = decodeMessages(t, receiveSnapshot(t, snapshots))
	if len(msgs) != 2 {
		t.Fatalf("snapshot has %d messages, want 2", len(msgs))
	}
	if msgs[0].Text != "second" || msgs[1].Text != "first" {
		t.Errorf("snapshot order = [%s %s], want [second first]", msgs[0].Text, msgs[1].Text)
	}
}

func TestMemoryStore_SubscribeRequiresScope(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()

	_, err := store.Subscribe(
		Query{Collection: CollectionMessages},
		func([][]byte) {}, func(error) {},
	)
	if Classify(err) != CategoryIndexRequired {
		t.Errorf("Classify = %v, want index_required (err = %v)", Classify(err), err)
	}

	_, err = store.Subscribe(
		Query{Collection: CollectionChats},
		func([][]byte) {}, func(error) {},
	)
	if Classify(err) != CategoryIndexRequired {
		t.Errorf("Classify = %v, want index_required (err = %v)", Classify(err), err)
	}
}

func TestMemoryStore_MessageWriteUpdatesChatList(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()

	chatID := writeTestChat(t, store, []string{"alice", "bob"})

	snapshots := make(chan [][]byte, 8)
	cancel, err := store.Subscribe(
		Query{Collection: CollectionChats, Participant: "bob", Requester: "bob", ActiveOnly: true},
		func(docs [][]byte) { snapshots <- docs },
		func(err error) { t.Errorf("subscription error: %v", err) },
	)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer cancel()

	chats := decodeChats(t, receiveSnapshot(t, snapshots))
	if len(chats) != 1 || chats[0].LastMessage != "" {
		t.Fatalf("initial chat snapshot unexpected: %+v", chats)
	}

	if _, err := store.Write(context.Background(), CollectionMessages, mustMarshal(t, models.Message{
		ChatID: chatID, Text: "ping", SenderID: "alice",
	})); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	chats = decodeChats(t, receiveSnapshot(t, snapshots))
	if len(chats) != 1 {
		t.Fatalf("chat snapshot has %d chats, want 1", len(chats))
	}
	if chats[0].LastMessage != "ping" {
		t.Errorf("LastMessage = %q, want ping", chats[0].LastMessage)
	}
	if chats[0].LastActivity.IsZero() {
		t.Error("LastActivity not set")
	}
}

func TestMemoryStore_DeactivatedChatLeavesActiveList(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()

	chatID := writeTestChat(t, store, []string{"alice"})

	snapshots := make(chan [][]byte, 8)
	cancel, err := store.Subscribe(
		Query{Collection: CollectionChats, Participant: "alice", Requester: "alice", ActiveOnly: true},
		func(docs [][]byte) { snapshots <- docs },
		func(err error) { t.Errorf("subscription error: %v", err) },
	)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer cancel()

	if chats := decodeChats(t, receiveSnapshot(t, snapshots)); len(chats) != 1 {
		t.Fatalf("initial snapshot has %d chats, want 1", len(chats))
	}

	// Deactivate.
	if _, err := store.Write(context.Background(), CollectionChats, mustMarshal(t, models.Chat{
		ID:           chatID,
		Name:         "test chat",
		Participants: []string{"alice"},
		Active:       false,
	})); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	if chats := decodeChats(t, receiveSnapshot(t, snapshots)); len(chats) != 0 {
		t.Errorf("snapshot still lists %d chats after deactivation", len(chats))
	}
}

func TestMemoryStore_CancelIsIdempotent(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()

	chatID := writeTestChat(t, store, []string{"alice"})
	cancel, err := store.Subscribe(
		Query{Collection: CollectionMessages, ChatID: chatID, Requester: "alice"},
		func([][]byte) {}, func(error) {},
	)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	cancel()
	cancel()
}

func TestMemoryStore_QueryLimit(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()

	chatID := writeTestChat(t, store, []string{"alice"})
	for i := 0; i < 5; i++ {
		if _, err := store.Write(context.Background(), CollectionMessages, mustMarshal(t, models.Message{
			ChatID: chatID, Text: "m", SenderID: "alice",
		})); err != nil {
			t.Fatalf("Write failed: %v", err)
		}
	}

	snapshots := make(chan [][]byte, 8)
	cancel, err := store.Subscribe(
		Query{Collection: CollectionMessages, ChatID: chatID, Requester: "alice", Limit: 3},
		func(docs [][]byte) { snapshots <- docs },
		func(err error) { t.Errorf("subscription error: %v", err) },
	)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer cancel()

	if docs := receiveSnapshot(t, snapshots); len(docs) != 3 {
		t.Errorf("limited snapshot has %d docs, want 3", len(docs))
	}
}

func TestMemoryStore_Read(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()

	chatID := writeTestChat(t, store, []string{"alice"})
	if _, err := store.Write(context.Background(), CollectionMessages, mustMarshal(t, models.Message{
		ChatID: chatID, Text: "hello", SenderID: "alice",
	})); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	docs, err := store.Read(context.Background(), Query{Collection: CollectionMessages, ChatID: chatID, Requester: "alice"})
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if msgs := decodeMessages(t, docs); len(msgs) != 1 || msgs[0].Text != "hello" {
		t.Errorf("Read = %+v", msgs)
	}

	chats, err := store.Read(context.Background(), Query{Collection: CollectionChats, Participant: "alice", Requester: "alice"})
	if err != nil {
		t.Fatalf("Read chats failed: %v", err)
	}
	if got := decodeChats(t, chats); len(got) != 1 || got[0].ID != chatID {
		t.Errorf("Read chats = %+v", got)
	}
}

func TestMemoryStore_SharedBackingSurvivesReopen(t *testing.T) {
	backing := kv.NewMemoryStore()

	first := NewMemoryStoreOver(backing)
	chatID := writeTestChat(t, first, []string{"alice"})
	if _, err := first.Write(context.Background(), CollectionMessages, mustMarshal(t, models.Message{
		ChatID: chatID, Text: "durable", SenderID: "alice",
	})); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if err := first.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	// A new store over the same backing sees everything.
	second := NewMemoryStoreOver(backing)
	defer second.Close()

	chats, err := second.Read(context.Background(), Query{Collection: CollectionChats, Participant: "alice", Requester: "alice"})
	if err != nil {
		t.Fatalf("Read chats failed: %v", err)
	}
	if got := decodeChats(t, chats); len(got) != 1 || got[0].ID != chatID {
		t.Fatalf("chats after reopen = %+v", got)
	}

	docs, err := second.Read(context.Background(), Query{Collection: CollectionMessages, ChatID: chatID, Requester: "alice"})
	if err != nil {
		t.Fatalf("Read messages failed: %v", err)
	}
	if msgs := decodeMessages(t, docs); len(msgs) != 1 || msgs[0].Text != "durable" {
		t.Errorf("messages after reopen = %+v", msgs)
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Category
	}{
		{"nil", nil, CategoryUnknown},
		{"coded index", NewError(CodeIndexRequired, "x"), CategoryIndexRequired},
		{"coded permission", NewError(CodePermissionDenied, "x"), CategoryPermissionDenied},
		{"coded unavailable", NewError(CodeUnavailable, "x"), CategoryUnavailable},
		{"coded invalid", NewError(CodeInvalidDocument, "x"), CategoryUnknown},
		{"wrapped coded", errorsWrap(NewError(CodePermissionDenied, "x")), CategoryPermissionDenied},
		{"deadline", context.DeadlineExceeded, CategoryUnavailable},
		{"plain", errors.New("boom"), CategoryUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.want {
				t.Errorf("Classify = %v, want %v", got, tt.want)
			}
		})
	}
}

func errorsWrap(err error) error {
	return &wrappedError{err}
}

type wrappedError struct{ inner error }

func (w *wrappedError) Error() string { return "wrapped: " + w.inner.Error() }
func (w *wrappedError) Unwrap() error { return w.inner }
