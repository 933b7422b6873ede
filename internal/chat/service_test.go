// Palaver - Self-hosted Chat Service with Optimistic Message Delivery
// Copyright 2026 The Palaver Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/palaver-chat/palaver

package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"golang.org/x/time/rate"

	"github.com/palaver-chat/palaver/internal/cache"
	"github.com/palaver-chat/palaver/internal/config"
	"github.com/palaver-chat/palaver/internal/docstore"
	"github.com/palaver-chat/palaver/internal/kv"
	"github.com/palaver-chat/palaver/internal/models"
)

var alice = &models.User{ID: "u-alice", Username: "alice", DisplayName: "Alice"}

// fakeStore lets tests decide when and how each write completes. It
// serves a fixed chat list so membership checks resolve locally.
type fakeStore struct {
	mu        sync.Mutex
	writes    chan *fakeWrite
	subs      []*fakeSub
	chats     []models.Chat
	chatsErr  error
}

type fakeWrite struct {
	collection string
	doc        []byte
	done       chan fakeOutcome
}

type fakeOutcome struct {
	result docstore.WriteResult
	err    error
}

type fakeSub struct {
	query      docstore.Query
	onSnapshot docstore.SnapshotFunc
	onError    docstore.ErrorFunc
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		writes: make(chan *fakeWrite, 16),
		chats: []models.Chat{
			{ID: "chat-1", Name: "test", Participants: []string{"u-alice", "u-bob"}, Active: true},
		},
	}
}

func (f *fakeStore) Write(ctx context.Context, collection string, doc []byte) (docstore.WriteResult, error) {
	w := &fakeWrite{collection: collection, doc: doc, done: make(chan fakeOutcome)}
	f.writes <- w
	outcome := <-w.done
	return outcome.result, outcome.err
}

func (f *fakeStore) Read(ctx context.Context, q docstore.Query) ([][]byte, error) {
	if q.Collection != docstore.CollectionChats {
		return nil, nil
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.chatsErr != nil {
		return nil, f.chatsErr
	}
	var docs [][]byte
	for i := range f.chats {
		if !f.chats[i].HasParticipant(q.Participant) {
			continue
		}
		doc, err := json.Marshal(&f.chats[i])
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

// failChats makes every chat list read fail with err.
func (f *fakeStore) failChats(err error) {
	f.mu.Lock()
	f.chatsErr = err
	f.mu.Unlock()
}

func (f *fakeStore) Subscribe(q docstore.Query, onSnapshot docstore.SnapshotFunc, onError docstore.ErrorFunc) (docstore.CancelFunc, error) {
	f.mu.Lock()
	f.subs = append(f.subs, &fakeSub{query: q, onSnapshot: onSnapshot, onError: onError})
	f.mu.Unlock()
	return func() {}, nil
}

func (f *fakeStore) Close() error { return nil }

// nextWrite waits for the service to issue a write.
func (f *fakeStore) nextWrite(t *testing.T) *fakeWrite {
	t.Helper()
	select {
	case w := <-f.writes:
		return w
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for a write")
		return nil
	}
}

func (w *fakeWrite) succeed(id string, ts int64) {
	w.done <- fakeOutcome{result: docstore.WriteResult{ID: id, ServerTime: time.UnixMilli(ts).UTC()}}
}

func (w *fakeWrite) fail(err error) {
	w.done <- fakeOutcome{err: err}
}

func newTestService(t *testing.T, store docstore.Store) *Service {
	t.Helper()
	return NewService(store, cache.NewMessageCache(kv.NewMemoryStore(), 50), &config.SecurityConfig{})
}

// waitFor polls until cond holds or the deadline passes.
func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %s", what)
}

func findMessage(tl *Timeline, id string) (models.Message, bool) {
	for _, msg := range tl.Snapshot() {
		if msg.ID == id {
			return msg, true
		}
	}
	return models.Message{}, false
}

func TestService_SendOptimisticInsert(t *testing.T) {
	store := newFakeStore()
	s := newTestService(t, store)

	tempID, err := s.Send(context.Background(), "chat-1", alice, "  hello world  ")
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if !strings.HasPrefix(tempID, models.TempIDPrefix) {
		t.Errorf("tempID = %q, want tmp- prefix", tempID)
	}

	tl, release, err := s.OpenTimeline(context.Background(), "chat-1", "u-alice")
	if err != nil {
		t.Fatalf("OpenTimeline failed: %v", err)
	}
	defer release()

	msg, ok := findMessage(tl, tempID)
	if !ok {
		t.Fatal("pending message not in timeline")
	}
	if msg.Status != models.StatusSending {
		t.Errorf("Status = %q, want sending", msg.Status)
	}
	if msg.Text != "hello world" {
		t.Errorf("Text = %q, want trimmed text", msg.Text)
	}
	if msg.SenderID != "u-alice" || msg.SenderName != "Alice" {
		t.Errorf("sender fields = %q %q", msg.SenderID, msg.SenderName)
	}

	store.nextWrite(t).succeed("srv-1", 1000)

	waitFor(t, func() bool {
		msg, ok := findMessage(tl, "srv-1")
		return ok && msg.Status == models.StatusSent
	}, "confirmation")

	if _, stillThere := findMessage(tl, tempID); stillThere {
		t.Error("temp ID entry still present after confirmation")
	}
}

func TestService_SendWhitespaceIsNoOp(t *testing.T) {
	store := newFakeStore()
	s := newTestService(t, store)

	tempID, err := s.Send(context.Background(), "chat-1", alice, "   \n\t  ")
	if err != nil {
		t.Fatalf("Send returned error for whitespace: %v", err)
	}
	if tempID != "" {
		t.Errorf("tempID = %q, want empty", tempID)
	}

	select {
	case <-store.writes:
		t.Error("whitespace-only send reached the store")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestService_SendTooLong(t *testing.T) {
	store := newFakeStore()
	s := newTestService(t, store)

	_, err := s.Send(context.Background(), "chat-1", alice, strings.Repeat("x", models.MaxMessageLength+1))
	if !errors.Is(err, models.ErrMessageTooLong) {
		t.Errorf("Send error = %v, want ErrMessageTooLong", err)
	}
}

func TestService_SendFailureKeepsMessage(t *testing.T) {
	store := newFakeStore()
	s := newTestService(t, store)

	tempID, err := s.Send(context.Background(), "chat-1", alice, "doomed")
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	tl, release, err := s.OpenTimeline(context.Background(), "chat-1", "u-alice")
	if err != nil {
		t.Fatalf("OpenTimeline failed: %v", err)
	}
	defer release()

	store.nextWrite(t).fail(docstore.NewError(docstore.CodeUnavailable, "backend down"))

	waitFor(t, func() bool {
		msg, ok := findMessage(tl, tempID)
		return ok && msg.Status == models.StatusFailed
	}, "failure")

	msg, _ := findMessage(tl, tempID)
	if msg.Text != "doomed" {
		t.Errorf("failed message lost text: %q", msg.Text)
	}
}

func TestService_RetryAfterFailure(t *testing.T) {
	store := newFakeStore()
	s := newTestService(t, store)

	tempID, err := s.Send(context.Background(), "chat-1", alice, "try again")
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	tl, release, err := s.OpenTimeline(context.Background(), "chat-1", "u-alice")
	if err != nil {
		t.Fatalf("OpenTimeline failed: %v", err)
	}
	defer release()

	store.nextWrite(t).fail(errors.New("boom"))
	waitFor(t, func() bool {
		msg, ok := findMessage(tl, tempID)
		return ok && msg.Status == models.StatusFailed
	}, "failure")

	if err := s.Retry(context.Background(), "chat-1", tempID, "u-alice"); err != nil {
		t.Fatalf("Retry failed: %v", err)
	}

	msg, _ := findMessage(tl, tempID)
	if msg.Status != models.StatusSending {
		t.Errorf("Status after Retry = %q, want sending", msg.Status)
	}

	retryWrite := store.nextWrite(t)
	var sent models.Message
	if err := json.Unmarshal(retryWrite.doc, &sent); err != nil {
		t.Fatalf("decode retried doc: %v", err)
	}
	if sent.Text != "try again" || sent.ID != tempID {
		t.Errorf("retry payload = %+v, want original text and temp ID", sent)
	}
	retryWrite.succeed("srv-2", 2000)

	waitFor(t, func() bool {
		msg, ok := findMessage(tl, "srv-2")
		return ok && msg.Status == models.StatusSent
	}, "retry confirmation")
}

func TestService_RetryRequiresFailedState(t *testing.T) {
	store := newFakeStore()
	s := newTestService(t, store)

	tempID, err := s.Send(context.Background(), "chat-1", alice, "in flight")
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	// Still sending: not retryable.
	if err := s.Retry(context.Background(), "chat-1", tempID, "u-alice"); !errors.Is(err, ErrNotRetryable) {
		t.Errorf("Retry of in-flight message error = %v, want ErrNotRetryable", err)
	}
	if err := s.Retry(context.Background(), "chat-1", "tmp-unknown", "u-alice"); !errors.Is(err, ErrNotRetryable) {
		t.Errorf("Retry of unknown message error = %v, want ErrNotRetryable", err)
	}

	store.nextWrite(t).succeed("srv-1", 1000)
}

func TestService_ConcurrentSendsResolveIndependently(t *testing.T) {
	store := newFakeStore()
	s := newTestService(t, store)

	temp1, err := s.Send(context.Background(), "chat-1", alice, "first")
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	temp2, err := s.Send(context.Background(), "chat-1", alice, "second")
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	tl, release, err := s.OpenTimeline(context.Background(), "chat-1", "u-alice")
	if err != nil {
		t.Fatalf("OpenTimeline failed: %v", err)
	}
	defer release()

	write1 := store.nextWrite(t)
	write2 := store.nextWrite(t)

	// Identify which write carries which payload; goroutine scheduling
	// does not guarantee arrival order.
	var msg1 models.Message
	if err := json.Unmarshal(write1.doc, &msg1); err != nil {
		t.Fatalf("decode doc: %v", err)
	}
	firstWrite, secondWrite := write1, write2
	if msg1.Text != "first" {
		firstWrite, secondWrite = write2, write1
	}

	// Second completes before first; first fails.
	secondWrite.succeed("srv-2", 2000)
	firstWrite.fail(errors.New("boom"))

	waitFor(t, func() bool {
		failed, okF := findMessage(tl, temp1)
		confirmed, okC := findMessage(tl, "srv-2")
		return okF && failed.Status == models.StatusFailed &&
			okC && confirmed.Status == models.StatusSent
	}, "independent resolution")

	if _, stale := findMessage(tl, temp2); stale {
		t.Error("second send still shows its temp ID after confirmation")
	}
}

func TestService_TimelineSeededFromCache(t *testing.T) {
	kvStore := kv.NewMemoryStore()
	messageCache := cache.NewMessageCache(kvStore, 50)
	messageCache.Save("chat-1", []models.Message{
		{ID: "srv-1", ChatID: "chat-1", Text: "cached", SenderID: "bob",
			Timestamp: time.UnixMilli(100).UTC(), Status: models.StatusSent},
	})

	s := NewService(newFakeStore(), messageCache, &config.SecurityConfig{})

	tl, release, err := s.OpenTimeline(context.Background(), "chat-1", "u-alice")
	if err != nil {
		t.Fatalf("OpenTimeline failed: %v", err)
	}
	defer release()

	if msg, ok := findMessage(tl, "srv-1"); !ok || msg.Text != "cached" {
		t.Errorf("cached history not seeded: %v %v", msg, ok)
	}
}

func TestService_SnapshotWrittenToCache(t *testing.T) {
	store := newFakeStore()
	kvStore := kv.NewMemoryStore()
	messageCache := cache.NewMessageCache(kvStore, 50)
	s := NewService(store, messageCache, &config.SecurityConfig{})

	tl, release, err := s.OpenTimeline(context.Background(), "chat-1", "u-alice")
	if err != nil {
		t.Fatalf("OpenTimeline failed: %v", err)
	}
	defer release()

	tl.ApplySnapshot([]models.Message{
		{ID: "srv-1", ChatID: "chat-1", Text: "from remote", SenderID: "bob",
			Timestamp: time.UnixMilli(100).UTC(), Status: models.StatusSent},
	})

	cached := messageCache.Load("chat-1")
	if len(cached) != 1 || cached[0].ID != "srv-1" {
		t.Errorf("cache after snapshot = %+v", cached)
	}
}

func TestService_SendRateLimit(t *testing.T) {
	store := newFakeStore()
	s := NewService(store, cache.NewMessageCache(kv.NewMemoryStore(), 50), &config.SecurityConfig{
		SendRatePerSecond: 1,
		SendBurst:         2,
	})

	if _, err := s.Send(context.Background(), "chat-1", alice, "one"); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if _, err := s.Send(context.Background(), "chat-1", alice, "two"); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if _, err := s.Send(context.Background(), "chat-1", alice, "three"); !errors.Is(err, ErrRateLimited) {
		t.Errorf("Send error = %v, want ErrRateLimited", err)
	}

	// Other users are unaffected.
	bob := &models.User{ID: "u-bob", Username: "bob", DisplayName: "Bob"}
	if _, err := s.Send(context.Background(), "chat-1", bob, "bob says hi"); err != nil {
		t.Errorf("Send for other user failed: %v", err)
	}

	for i := 0; i < 3; i++ {
		store.nextWrite(t).succeed("srv", 1000)
	}
}

func TestService_CreateAndDeleteChat(t *testing.T) {
	store := docstore.NewMemoryStore()
	defer store.Close()
	s := newTestService(t, store)

	chat, err := s.CreateChat(context.Background(), "team", []string{"u-alice", "u-bob"}, []string{"Alice", "Bob"})
	if err != nil {
		t.Fatalf("CreateChat failed: %v", err)
	}
	if chat.ID == "" || !chat.Active {
		t.Errorf("created chat = %+v", chat)
	}

	chats, err := s.Chats(context.Background(), "u-alice")
	if err != nil {
		t.Fatalf("Chats failed: %v", err)
	}
	if len(chats) != 1 || chats[0].ID != chat.ID {
		t.Fatalf("Chats = %+v", chats)
	}

	if err := s.DeleteChat(context.Background(), chat.ID, "u-alice"); err != nil {
		t.Fatalf("DeleteChat failed: %v", err)
	}

	chats, err = s.Chats(context.Background(), "u-alice")
	if err != nil {
		t.Fatalf("Chats failed: %v", err)
	}
	if len(chats) != 0 {
		t.Errorf("deactivated chat still listed: %+v", chats)
	}

	if err := s.DeleteChat(context.Background(), "nope", "u-alice"); !errors.Is(err, ErrChatNotFound) {
		t.Errorf("DeleteChat error = %v, want ErrChatNotFound", err)
	}
}

func TestService_SubscribeChats(t *testing.T) {
	store := docstore.NewMemoryStore()
	defer store.Close()
	s := newTestService(t, store)

	updates := make(chan []models.Chat, 8)
	cancel, err := s.SubscribeChats("u-alice", func(chats []models.Chat) {
		updates <- chats
	})
	if err != nil {
		t.Fatalf("SubscribeChats failed: %v", err)
	}
	defer cancel()

	select {
	case chats := <-updates:
		if len(chats) != 0 {
			t.Errorf("initial chat list has %d chats, want 0", len(chats))
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for initial chat list")
	}

	if _, err := s.CreateChat(context.Background(), "team", []string{"u-alice"}, nil); err != nil {
		t.Fatalf("CreateChat failed: %v", err)
	}

	select {
	case chats := <-updates:
		if len(chats) != 1 || chats[0].Name != "team" {
			t.Errorf("chat list = %+v", chats)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for chat list update")
	}
}

func TestService_MessagesReadsRemoteHistory(t *testing.T) {
	store := docstore.NewMemoryStore()
	defer store.Close()
	s := newTestService(t, store)

	chat, err := s.CreateChat(context.Background(), "history", []string{"u-alice"}, nil)
	if err != nil {
		t.Fatalf("CreateChat failed: %v", err)
	}

	if _, err := s.Send(context.Background(), chat.ID, alice, "first"); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	waitFor(t, func() bool {
		view, err := s.Messages(context.Background(), chat.ID, "u-alice")
		return err == nil && len(view) == 1 && view[0].Status == models.StatusSent
	}, "remote history read")

	view, err := s.Messages(context.Background(), chat.ID, "u-alice")
	if err != nil {
		t.Fatalf("Messages failed: %v", err)
	}
	if view[0].Text != "first" {
		t.Errorf("text = %q", view[0].Text)
	}
}

func TestService_MessagesKeepsLocalFailedEntries(t *testing.T) {
	store := newFakeStore()
	s := newTestService(t, store)

	tempID, err := s.Send(context.Background(), "chat-1", alice, "stuck")
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	store.nextWrite(t).fail(errors.New("broker down"))

	waitFor(t, func() bool {
		msg, ok := findMessageByID(s, "chat-1", tempID)
		return ok && msg.Status == models.StatusFailed
	}, "failed delivery")

	// An empty remote snapshot must not wipe the failed local entry.
	view, err := s.Messages(context.Background(), "chat-1", "u-alice")
	if err != nil {
		t.Fatalf("Messages failed: %v", err)
	}
	if len(view) != 1 || view[0].ID != tempID {
		t.Fatalf("fallback view = %+v", view)
	}
}

func findMessageByID(s *Service, chatID, id string) (models.Message, bool) {
	view, err := s.Messages(context.Background(), chatID, "u-alice")
	if err != nil {
		return models.Message{}, false
	}
	for _, msg := range view {
		if msg.ID == id {
			return msg, true
		}
	}
	return models.Message{}, false
}

func TestService_SendRejectsNonParticipant(t *testing.T) {
	store := newFakeStore()
	s := newTestService(t, store)

	mallory := &models.User{ID: "u-mallory", Username: "mallory", DisplayName: "Mallory"}
	if _, err := s.Send(context.Background(), "chat-1", mallory, "let me in"); !errors.Is(err, ErrNotParticipant) {
		t.Fatalf("Send error = %v, want ErrNotParticipant", err)
	}

	select {
	case <-store.writes:
		t.Error("rejected send reached the store")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestService_OpenTimelineRejectsNonParticipant(t *testing.T) {
	store := newFakeStore()
	s := newTestService(t, store)

	if _, _, err := s.OpenTimeline(context.Background(), "chat-1", "u-mallory"); !errors.Is(err, ErrNotParticipant) {
		t.Fatalf("OpenTimeline error = %v, want ErrNotParticipant", err)
	}

	store.mu.Lock()
	subs := len(store.subs)
	store.mu.Unlock()
	if subs != 0 {
		t.Errorf("rejected open registered %d subscriptions, want 0", subs)
	}
}

func TestService_MessagesRejectsNonParticipant(t *testing.T) {
	store := docstore.NewMemoryStore()
	defer store.Close()
	s := newTestService(t, store)

	chat, err := s.CreateChat(context.Background(), "private", []string{"u-alice"}, nil)
	if err != nil {
		t.Fatalf("CreateChat failed: %v", err)
	}
	if _, err := s.Send(context.Background(), chat.ID, alice, "secret"); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	if _, err := s.Messages(context.Background(), chat.ID, "u-mallory"); !errors.Is(err, ErrNotParticipant) {
		t.Errorf("Messages error = %v, want ErrNotParticipant", err)
	}
	if _, _, err := s.OpenTimeline(context.Background(), chat.ID, "u-mallory"); !errors.Is(err, ErrNotParticipant) {
		t.Errorf("OpenTimeline error = %v, want ErrNotParticipant", err)
	}
}

func TestService_RetryOnlyBySender(t *testing.T) {
	store := newFakeStore()
	s := newTestService(t, store)

	tempID, err := s.Send(context.Background(), "chat-1", alice, "mine")
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	store.nextWrite(t).fail(errors.New("boom"))

	waitFor(t, func() bool {
		msg, ok := findMessageByID(s, "chat-1", tempID)
		return ok && msg.Status == models.StatusFailed
	}, "failure")

	// Bob shares the chat but did not send the message.
	if err := s.Retry(context.Background(), "chat-1", tempID, "u-bob"); !errors.Is(err, ErrNotRetryable) {
		t.Fatalf("Retry by another participant error = %v, want ErrNotRetryable", err)
	}

	if err := s.Retry(context.Background(), "chat-1", tempID, "u-alice"); err != nil {
		t.Fatalf("Retry by sender failed: %v", err)
	}
	store.nextWrite(t).succeed("srv-1", 1000)
}

func TestService_AuthorizationSurvivesStoreOutage(t *testing.T) {
	store := newFakeStore()
	s := newTestService(t, store)

	// Alice proves membership while the store is healthy. The grant is
	// recorded before Send returns.
	if _, err := s.Send(context.Background(), "chat-1", alice, "before outage"); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	store.nextWrite(t).succeed("srv-1", 1000)

	outage := docstore.NewError(docstore.CodeUnavailable, "backend down")
	store.failChats(outage)

	// The remembered grant keeps her sending.
	if _, err := s.Send(context.Background(), "chat-1", alice, "during outage"); err != nil {
		t.Fatalf("Send during outage failed: %v", err)
	}
	store.nextWrite(t).succeed("srv-2", 2000)

	// A user with no prior grant gets the store error, not access.
	bob := &models.User{ID: "u-bob", Username: "bob", DisplayName: "Bob"}
	if _, err := s.Send(context.Background(), "chat-1", bob, "first contact"); !errors.Is(err, outage) {
		t.Errorf("Send without prior grant error = %v, want the store error", err)
	}

	// Sign-out wipes the grant.
	s.ClearLocalState()
	if _, err := s.Send(context.Background(), "chat-1", alice, "after sign-out"); !errors.Is(err, outage) {
		t.Errorf("Send after sign-out error = %v, want the store error", err)
	}
}

func timelineCount(s *Service) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timelines)
}

func TestService_IdleTimelineEvicted(t *testing.T) {
	store := newFakeStore()
	s := newTestService(t, store)

	// Open and release with nothing in flight: the timeline goes away.
	_, release, err := s.OpenTimeline(context.Background(), "chat-1", "u-alice")
	if err != nil {
		t.Fatalf("OpenTimeline failed: %v", err)
	}
	release()
	if n := timelineCount(s); n != 0 {
		t.Fatalf("timelines after release = %d, want 0", n)
	}

	// A failed entry pins the timeline so the retry stays possible.
	tempID, err := s.Send(context.Background(), "chat-1", alice, "pinned")
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	store.nextWrite(t).fail(errors.New("boom"))
	waitFor(t, func() bool {
		msg, ok := findMessageByID(s, "chat-1", tempID)
		return ok && msg.Status == models.StatusFailed
	}, "failure")
	if n := timelineCount(s); n != 1 {
		t.Fatalf("timelines with failed entry = %d, want 1", n)
	}

	// Once the retry confirms, nothing pins it anymore.
	if err := s.Retry(context.Background(), "chat-1", tempID, "u-alice"); err != nil {
		t.Fatalf("Retry failed: %v", err)
	}
	store.nextWrite(t).succeed("srv-1", 1000)
	waitFor(t, func() bool {
		return timelineCount(s) == 0
	}, "eviction after confirmation")
}

func TestService_IdleLimitersSwept(t *testing.T) {
	s := NewService(newFakeStore(), cache.NewMessageCache(kv.NewMemoryStore(), 50), &config.SecurityConfig{
		SendRatePerSecond: 1,
		SendBurst:         1,
	})

	s.mu.Lock()
	for i := 0; i < limiterSweepSize; i++ {
		s.limiters[fmt.Sprintf("stale-%d", i)] = &userLimiter{
			lim:  rate.NewLimiter(s.sendRate, s.sendBurst),
			seen: time.Now().Add(-time.Hour),
		}
	}
	s.mu.Unlock()

	s.limiter("fresh")

	s.mu.Lock()
	n := len(s.limiters)
	_, freshKept := s.limiters["fresh"]
	s.mu.Unlock()
	if n != 1 || !freshKept {
		t.Errorf("limiters after sweep = %d (fresh kept: %v), want only the fresh one", n, freshKept)
	}
}

func TestService_EndToEndWithMemoryStore(t *testing.T) {
	store := docstore.NewMemoryStore()
	defer store.Close()
	s := newTestService(t, store)

	chat, err := s.CreateChat(context.Background(), "e2e", []string{"u-alice"}, nil)
	if err != nil {
		t.Fatalf("CreateChat failed: %v", err)
	}

	tl, release, err := s.OpenTimeline(context.Background(), chat.ID, "u-alice")
	if err != nil {
		t.Fatalf("OpenTimeline failed: %v", err)
	}
	defer release()

	tempID, err := s.Send(context.Background(), chat.ID, alice, "hello")
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	// The message ends up sent with a server ID and the temp entry is
	// gone once the snapshot echoes it back.
	waitFor(t, func() bool {
		view := tl.Snapshot()
		if len(view) != 1 {
			return false
		}
		return view[0].Status == models.StatusSent && !strings.HasPrefix(view[0].ID, models.TempIDPrefix)
	}, "end-to-end delivery")

	if _, stale := findMessage(tl, tempID); stale {
		t.Error("temp entry survived the echo snapshot")
	}
}
