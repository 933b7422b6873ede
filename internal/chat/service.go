// Palaver - Self-hosted Chat Service with Optimistic Message Delivery
// Copyright 2026 The Palaver Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/palaver-chat/palaver

package chat

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/palaver-chat/palaver/internal/cache"
	"github.com/palaver-chat/palaver/internal/config"
	"github.com/palaver-chat/palaver/internal/docstore"
	"github.com/palaver-chat/palaver/internal/logging"
	"github.com/palaver-chat/palaver/internal/metrics"
	"github.com/palaver-chat/palaver/internal/models"
)

var (
	// ErrRateLimited is returned by Send when the sender exceeds the
	// configured message rate.
	ErrRateLimited = errors.New("sending too fast, slow down")
	// ErrNotRetryable is returned by Retry when the message is not in
	// the failed state.
	ErrNotRetryable = errors.New("message is not in a retryable state")
	// ErrChatNotFound is returned when a chat does not exist or the
	// user is not a participant.
	ErrChatNotFound = errors.New("chat not found")
	// ErrNotParticipant is returned for message operations on a chat
	// the user does not belong to.
	ErrNotParticipant = errors.New("not a participant of this chat")
)

// Idle limiters are swept once the registry reaches the sweep size.
const (
	limiterSweepSize = 256
	limiterIdleAfter = 10 * time.Minute
)

// Service is the chat pipeline: it owns per-chat timelines, runs
// optimistic sends against the document store, and bridges store
// snapshots into timeline updates and the local cache.
type Service struct {
	store docstore.Store
	cache *cache.MessageCache

	sendRate  rate.Limit
	sendBurst int

	mu        sync.Mutex
	timelines map[string]*openTimeline
	limiters  map[string]*userLimiter
	// authorized remembers verified chat memberships so a store outage
	// does not lock users out of chats they already proved access to.
	authorized map[string]struct{}
}

// openTimeline tracks one chat's timeline and its remote subscription.
// The remote subscription runs only while viewers hold the timeline
// open; the timeline itself is dropped once nothing pins it, its last
// view preserved by the cache mirror.
type openTimeline struct {
	timeline     *Timeline
	viewers      int
	cancelRemote docstore.CancelFunc
}

// userLimiter pairs a send limiter with its last use for sweeping.
type userLimiter struct {
	lim  *rate.Limiter
	seen time.Time
}

// NewService creates the chat service. cfg controls per-user send
// throttling; a zero rate disables it.
func NewService(store docstore.Store, messageCache *cache.MessageCache, cfg *config.SecurityConfig) *Service {
	sendRate := rate.Limit(0)
	sendBurst := 1
	if cfg != nil && cfg.SendRatePerSecond > 0 {
		sendRate = rate.Limit(cfg.SendRatePerSecond)
		sendBurst = cfg.SendBurst
		if sendBurst < 1 {
			sendBurst = 1
		}
	}

	return &Service{
		store:      store,
		cache:      messageCache,
		sendRate:   sendRate,
		sendBurst:  sendBurst,
		timelines:  make(map[string]*openTimeline),
		limiters:   make(map[string]*userLimiter),
		authorized: make(map[string]struct{}),
	}
}

func authKey(chatID, userID string) string {
	return chatID + "\x00" + userID
}

// authorize verifies that userID is a participant of chatID. A
// definitive non-membership answer fails with ErrNotParticipant and
// revokes any remembered grant; a store failure falls back to the
// remembered grant, or surfaces the error when there is none.
func (s *Service) authorize(ctx context.Context, chatID, userID string) error {
	chats, err := s.Chats(ctx, userID)
	if err != nil {
		s.mu.Lock()
		_, remembered := s.authorized[authKey(chatID, userID)]
		s.mu.Unlock()
		if remembered {
			return nil
		}
		return err
	}

	for i := range chats {
		if chats[i].ID == chatID {
			s.mu.Lock()
			s.authorized[authKey(chatID, userID)] = struct{}{}
			s.mu.Unlock()
			return nil
		}
	}

	s.mu.Lock()
	delete(s.authorized, authKey(chatID, userID))
	s.mu.Unlock()
	return ErrNotParticipant
}

// maybeEvict drops a chat's timeline once nothing pins it: no viewers,
// no remote subscription, and no entry that is still sending or
// failed. A later open rebuilds it from the cache mirror.
func (s *Service) maybeEvict(chatID string) {
	s.mu.Lock()
	open, ok := s.timelines[chatID]
	if ok && open.viewers == 0 && open.cancelRemote == nil && open.timeline.Idle() {
		delete(s.timelines, chatID)
	}
	s.mu.Unlock()
}

// timelineFor returns the chat's timeline, creating and seeding it on
// first use. Caller holds s.mu.
func (s *Service) timelineFor(chatID string) *openTimeline {
	open, ok := s.timelines[chatID]
	if ok {
		return open
	}

	timeline := NewTimeline(chatID)
	timeline.Seed(s.cache.Load(chatID))
	// Mirror every merged view into the cache so the next open of this
	// chat starts warm.
	timeline.Subscribe(func(view []models.Message) {
		s.cache.Save(chatID, view)
	})

	open = &openTimeline{timeline: timeline}
	s.timelines[chatID] = open
	return open
}

// OpenTimeline returns the chat's live timeline for a participant.
// While at least one caller holds it open, remote snapshots flow into
// it. The returned release function is idempotent.
func (s *Service) OpenTimeline(ctx context.Context, chatID, userID string) (*Timeline, func(), error) {
	if err := s.authorize(ctx, chatID, userID); err != nil {
		return nil, nil, err
	}

	s.mu.Lock()
	open := s.timelineFor(chatID)
	open.viewers++
	first := open.viewers == 1
	s.mu.Unlock()

	if first {
		cancel, err := s.store.Subscribe(
			docstore.Query{Collection: docstore.CollectionMessages, ChatID: chatID, Requester: userID},
			func(docs [][]byte) {
				open.timeline.ApplySnapshot(decodeMessageDocs(chatID, docs))
			},
			func(err error) {
				logging.Warn().
					Err(err).
					Str("chat_id", chatID).
					Str("category", string(docstore.Classify(err))).
					Msg("Message subscription error")
			},
		)
		if err != nil {
			s.mu.Lock()
			open.viewers--
			s.mu.Unlock()
			return nil, nil, fmt.Errorf("subscribe messages for chat %s: %w", chatID, err)
		}
		s.mu.Lock()
		open.cancelRemote = cancel
		s.mu.Unlock()
	}

	var once sync.Once
	release := func() {
		once.Do(func() {
			s.mu.Lock()
			open.viewers--
			var cancel docstore.CancelFunc
			if open.viewers == 0 && open.cancelRemote != nil {
				cancel = open.cancelRemote
				open.cancelRemote = nil
			}
			s.mu.Unlock()
			if cancel != nil {
				cancel()
			}
			s.maybeEvict(chatID)
		})
	}
	return open.timeline, release, nil
}

// decodeMessageDocs turns snapshot documents into messages, dropping
// any that do not decode.
func decodeMessageDocs(chatID string, docs [][]byte) []models.Message {
	out := make([]models.Message, 0, len(docs))
	for _, doc := range docs {
		var msg models.Message
		if err := json.Unmarshal(doc, &msg); err != nil {
			logging.Warn().Err(err).Str("chat_id", chatID).Msg("Dropping undecodable message document")
			continue
		}
		out = append(out, msg)
	}
	return out
}

func (s *Service) limiter(userID string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if len(s.limiters) >= limiterSweepSize {
		for id, ul := range s.limiters {
			if now.Sub(ul.seen) > limiterIdleAfter {
				delete(s.limiters, id)
			}
		}
	}

	ul, ok := s.limiters[userID]
	if !ok {
		ul = &userLimiter{lim: rate.NewLimiter(s.sendRate, s.sendBurst)}
		s.limiters[userID] = ul
	}
	ul.seen = now
	return ul.lim
}

// Send starts an optimistic send and returns the message's temp ID
// without waiting for the write. Whitespace-only text is a silent no-op
// returning an empty ID. Non-participants, text over the length limit
// and rate-limit violations are errors; nothing is inserted for them.
func (s *Service) Send(ctx context.Context, chatID string, sender *models.User, text string) (string, error) {
	trimmed, err := models.ValidateText(text)
	if errors.Is(err, models.ErrEmptyMessage) {
		return "", nil
	}
	if err != nil {
		return "", err
	}

	if err := s.authorize(ctx, chatID, sender.ID); err != nil {
		return "", err
	}

	if s.sendRate > 0 && !s.limiter(sender.ID).Allow() {
		return "", ErrRateLimited
	}

	tempID := models.TempIDPrefix + uuid.NewString()
	msg := models.Message{
		ID:         tempID,
		ChatID:     chatID,
		Text:       trimmed,
		SenderID:   sender.ID,
		SenderName: sender.DisplayName,
		Timestamp:  time.Now().UTC(),
		Status:     models.StatusSending,
	}

	s.mu.Lock()
	timeline := s.timelineFor(chatID).timeline
	s.mu.Unlock()

	timeline.InsertPending(msg)
	go s.deliver(timeline, msg, false)

	return tempID, nil
}

// Retry re-sends a failed message with its original text and temp ID.
// Only the message's sender can retry it.
func (s *Service) Retry(ctx context.Context, chatID, tempID, userID string) error {
	if err := s.authorize(ctx, chatID, userID); err != nil {
		return err
	}

	s.mu.Lock()
	timeline := s.timelineFor(chatID).timeline
	s.mu.Unlock()

	msg, ok := timeline.MarkSending(tempID, userID)
	if !ok {
		return ErrNotRetryable
	}

	go s.deliver(timeline, msg, true)
	return nil
}

// deliver performs the remote write for one optimistic entry and
// resolves it to sent or failed. Runs on its own goroutine; concurrent
// sends resolve independently by temp ID.
func (s *Service) deliver(timeline *Timeline, msg models.Message, retry bool) {
	start := time.Now()

	doc, err := json.Marshal(&msg)
	if err != nil {
		// Marshal of a plain struct cannot realistically fail; treat
		// it like any other failed send.
		timeline.Fail(msg.ID)
		metrics.RecordSend("failed", retry, time.Since(start))
		logging.Error().Err(err).Str("temp_id", msg.ID).Msg("Failed to encode message")
		return
	}

	result, err := s.store.Write(context.Background(), docstore.CollectionMessages, doc)
	if err != nil {
		timeline.Fail(msg.ID)
		metrics.RecordSend("failed", retry, time.Since(start))
		logging.Warn().
			Err(err).
			Str("chat_id", msg.ChatID).
			Str("temp_id", msg.ID).
			Str("category", string(docstore.Classify(err))).
			Msg("Message send failed")
		return
	}

	timeline.Confirm(msg.ID, ConfirmResult{ID: result.ID, ServerTime: result.ServerTime})
	metrics.RecordSend("sent", retry, time.Since(start))
	s.maybeEvict(msg.ChatID)
}

// Messages returns the chat's merged timeline once for a participant:
// the freshest remote history the store will give plus local pending
// and failed entries. A transient store failure degrades to the local
// view instead of erroring; the cache exists exactly for that case.
// A permission refusal never degrades.
func (s *Service) Messages(ctx context.Context, chatID, userID string) ([]models.Message, error) {
	if err := s.authorize(ctx, chatID, userID); err != nil {
		return nil, err
	}

	s.mu.Lock()
	timeline := s.timelineFor(chatID).timeline
	s.mu.Unlock()

	docs, err := s.store.Read(ctx, docstore.Query{
		Collection: docstore.CollectionMessages,
		ChatID:     chatID,
		Requester:  userID,
	})
	switch {
	case err == nil:
		timeline.ApplySnapshot(decodeMessageDocs(chatID, docs))
	case docstore.Classify(err) == docstore.CategoryPermissionDenied:
		return nil, ErrNotParticipant
	default:
		logging.Warn().
			Err(err).
			Str("chat_id", chatID).
			Str("category", string(docstore.Classify(err))).
			Msg("Falling back to local history")
	}

	view := timeline.Snapshot()
	s.maybeEvict(chatID)
	return view, nil
}

// SubscribeChats delivers the user's active chats, most recent activity
// first, on every change.
func (s *Service) SubscribeChats(userID string, fn func([]models.Chat)) (docstore.CancelFunc, error) {
	return s.store.Subscribe(
		docstore.Query{Collection: docstore.CollectionChats, Participant: userID, Requester: userID, ActiveOnly: true},
		func(docs [][]byte) {
			chats := make([]models.Chat, 0, len(docs))
			for _, doc := range docs {
				var chat models.Chat
				if err := json.Unmarshal(doc, &chat); err != nil {
					logging.Warn().Err(err).Str("user_id", userID).Msg("Dropping undecodable chat document")
					continue
				}
				chats = append(chats, chat)
			}
			fn(chats)
		},
		func(err error) {
			logging.Warn().
				Err(err).
				Str("user_id", userID).
				Str("category", string(docstore.Classify(err))).
				Msg("Chat list subscription error")
		},
	)
}

// Chats returns the user's active chats once.
func (s *Service) Chats(ctx context.Context, userID string) ([]models.Chat, error) {
	docs, err := s.store.Read(ctx, docstore.Query{
		Collection:  docstore.CollectionChats,
		Participant: userID,
		Requester:   userID,
		ActiveOnly:  true,
	})
	if err != nil {
		return nil, err
	}

	chats := make([]models.Chat, 0, len(docs))
	for _, doc := range docs {
		var chat models.Chat
		if err := json.Unmarshal(doc, &chat); err != nil {
			continue
		}
		chats = append(chats, chat)
	}
	return chats, nil
}

// CreateChat creates a chat with the given participants. The creator
// must be among them.
func (s *Service) CreateChat(ctx context.Context, name string, participants, participantNames []string) (*models.Chat, error) {
	if len(participants) == 0 {
		return nil, fmt.Errorf("chat needs at least one participant")
	}

	chat := models.Chat{
		Name:             name,
		Participants:     participants,
		ParticipantNames: participantNames,
		Active:           true,
	}
	doc, err := json.Marshal(&chat)
	if err != nil {
		return nil, fmt.Errorf("encode chat: %w", err)
	}

	result, err := s.store.Write(ctx, docstore.CollectionChats, doc)
	if err != nil {
		return nil, err
	}

	chat.ID = result.ID
	chat.CreatedAt = result.ServerTime
	chat.LastActivity = result.ServerTime
	logging.Info().Str("chat_id", chat.ID).Int("participants", len(participants)).Msg("Chat created")
	return &chat, nil
}

// DeleteChat deactivates a chat for everyone and drops its local cache
// entry. The requesting user must be a participant.
func (s *Service) DeleteChat(ctx context.Context, chatID, userID string) error {
	chats, err := s.Chats(ctx, userID)
	if err != nil {
		return err
	}

	var target *models.Chat
	for i := range chats {
		if chats[i].ID == chatID {
			target = &chats[i]
			break
		}
	}
	if target == nil {
		return ErrChatNotFound
	}

	target.Active = false
	doc, err := json.Marshal(target)
	if err != nil {
		return fmt.Errorf("encode chat: %w", err)
	}
	if _, err := s.store.Write(ctx, docstore.CollectionChats, doc); err != nil {
		return err
	}

	s.cache.Clear(chatID)
	logging.Info().Str("chat_id", chatID).Msg("Chat deactivated")
	return nil
}

// ClearLocalState drops all cached history and remembered membership
// grants. Wired to sign-out so no message outlives its session.
func (s *Service) ClearLocalState() {
	s.mu.Lock()
	s.authorized = make(map[string]struct{})
	s.mu.Unlock()
	s.cache.ClearAll()
}
