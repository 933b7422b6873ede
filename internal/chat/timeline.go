// Palaver - Self-hosted Chat Service with Optimistic Message Delivery
// Copyright 2026 The Palaver Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/palaver-chat/palaver

// Package chat implements the message pipeline: optimistic sends with
// temp IDs, state transitions through sending, sent and failed, manual
// retry, and live timelines merging remote snapshots with local pending
// entries.
package chat

import (
	"sort"
	"sync"
	"time"

	"github.com/palaver-chat/palaver/internal/models"
)

// Timeline is the merged message view of one chat. The remote side is
// replaced wholesale by every snapshot; the local side holds optimistic
// entries (sending or failed, plus just-confirmed ones the store has
// not echoed back yet) keyed by their temp ID.
type Timeline struct {
	chatID string

	// deliverMu serializes subscriber callbacks and is held across
	// view computation, so a view can never be delivered after one
	// computed later. Never acquired while holding mu.
	deliverMu sync.Mutex

	mu sync.Mutex
	// remote is the last full snapshot, newest first.
	remote []models.Message
	// local holds optimistic entries in insertion order.
	local []localEntry
	// subscribers receive the merged view after every change.
	subscribers map[int]func([]models.Message)
	nextSubID   int
}

// localEntry tracks one optimistic send. ServerID is set on
// confirmation; the entry is dropped once a snapshot carries that ID.
type localEntry struct {
	tempID   string
	serverID string
	message  models.Message
}

// NewTimeline creates an empty timeline for chatID.
func NewTimeline(chatID string) *Timeline {
	return &Timeline{
		chatID:      chatID,
		subscribers: make(map[int]func([]models.Message)),
	}
}

// ChatID returns the chat this timeline belongs to.
func (t *Timeline) ChatID() string {
	return t.chatID
}

// Seed installs cached history as the remote baseline. Cached failed
// entries become local entries again so they stay retryable. Seeding is
// skipped once the timeline holds any state.
func (t *Timeline) Seed(cached []models.Message) {
	t.mu.Lock()
	if len(t.remote) > 0 || len(t.local) > 0 {
		t.mu.Unlock()
		return
	}
	for _, msg := range cached {
		if msg.Status == models.StatusFailed && msg.HasTempID() {
			t.local = append(t.local, localEntry{tempID: msg.ID, message: msg})
			continue
		}
		if msg.Status == models.StatusSent {
			t.remote = append(t.remote, msg)
		}
		// Cached "sending" entries are dropped: their writes died with
		// the previous process and nothing can complete them.
	}
	t.mu.Unlock()
	t.notify()
}

// InsertPending adds an optimistic entry. msg.ID must be a temp ID and
// msg.Status must be StatusSending.
func (t *Timeline) InsertPending(msg models.Message) {
	t.mu.Lock()
	t.local = append(t.local, localEntry{tempID: msg.ID, message: msg})
	t.mu.Unlock()
	t.notify()
}

// MarkSending returns a failed entry to the sending state, keeping its
// ID and text. It reports whether the entry existed, was failed, and
// belongs to senderID.
func (t *Timeline) MarkSending(tempID, senderID string) (models.Message, bool) {
	t.mu.Lock()
	for i := range t.local {
		if t.local[i].tempID != tempID {
			continue
		}
		if t.local[i].message.Status != models.StatusFailed || t.local[i].message.SenderID != senderID {
			t.mu.Unlock()
			return models.Message{}, false
		}
		t.local[i].message.Status = models.StatusSending
		msg := t.local[i].message
		t.mu.Unlock()
		t.notify()
		return msg, true
	}
	t.mu.Unlock()
	return models.Message{}, false
}

// Confirm records a successful write: the entry swaps its temp ID for
// the server ID, takes the server timestamp and becomes sent. Each
// confirmation is matched by temp ID, so out-of-order completions
// resolve to the right entries.
func (t *Timeline) Confirm(tempID string, result ConfirmResult) bool {
	t.mu.Lock()
	updated := false
	for i := range t.local {
		if t.local[i].tempID != tempID {
			continue
		}
		t.local[i].serverID = result.ID
		t.local[i].message.ID = result.ID
		t.local[i].message.Timestamp = result.ServerTime
		t.local[i].message.Status = models.StatusSent
		updated = true
		break
	}
	t.mu.Unlock()
	if updated {
		t.notify()
	}
	return updated
}

// Fail marks an entry failed. The entry keeps its temp ID and text so
// the send can be retried as-is.
func (t *Timeline) Fail(tempID string) bool {
	t.mu.Lock()
	updated := false
	for i := range t.local {
		if t.local[i].tempID != tempID {
			continue
		}
		t.local[i].message.Status = models.StatusFailed
		updated = true
		break
	}
	t.mu.Unlock()
	if updated {
		t.notify()
	}
	return updated
}

// ApplySnapshot replaces the remote side with a full snapshot and drops
// local entries whose confirmed server ID now appears remotely.
func (t *Timeline) ApplySnapshot(remote []models.Message) {
	t.mu.Lock()
	t.remote = make([]models.Message, len(remote))
	copy(t.remote, remote)

	remoteIDs := make(map[string]struct{}, len(remote))
	for _, msg := range remote {
		remoteIDs[msg.ID] = struct{}{}
	}

	kept := t.local[:0]
	for _, entry := range t.local {
		if entry.serverID != "" {
			if _, echoed := remoteIDs[entry.serverID]; echoed {
				continue
			}
		}
		kept = append(kept, entry)
	}
	t.local = kept
	t.mu.Unlock()
	t.notify()
}

// Snapshot returns the merged view, newest first.
func (t *Timeline) Snapshot() []models.Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.merged()
}

// merged builds the combined view. Caller holds t.mu.
func (t *Timeline) merged() []models.Message {
	out := make([]models.Message, 0, len(t.remote)+len(t.local))
	out = append(out, t.remote...)

	// A confirmed local entry may carry the same ID as a remote echo
	// that arrived between Confirm and the drop in ApplySnapshot.
	seen := make(map[string]struct{}, len(t.remote))
	for _, msg := range t.remote {
		seen[msg.ID] = struct{}{}
	}
	for _, entry := range t.local {
		if _, dup := seen[entry.message.ID]; dup {
			continue
		}
		out = append(out, entry.message)
	}

	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.After(out[j].Timestamp)
		}
		return out[i].ID > out[j].ID
	})
	return out
}

// Pending reports whether any local entry is still sending.
func (t *Timeline) Pending() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, entry := range t.local {
		if entry.message.Status == models.StatusSending {
			return true
		}
	}
	return false
}

// Idle reports whether every optimistic entry has been confirmed.
// Sending and failed entries pin the timeline; confirmed ones are
// already durable remotely and in the cache mirror.
func (t *Timeline) Idle() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, entry := range t.local {
		if entry.message.Status != models.StatusSent {
			return false
		}
	}
	return true
}

// Subscribe registers fn for merged-view updates and delivers the
// current view immediately. The returned cancel is idempotent.
func (t *Timeline) Subscribe(fn func([]models.Message)) func() {
	t.deliverMu.Lock()
	t.mu.Lock()
	id := t.nextSubID
	t.nextSubID++
	t.subscribers[id] = fn
	current := t.merged()
	t.mu.Unlock()

	fn(current)
	t.deliverMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			t.mu.Lock()
			delete(t.subscribers, id)
			t.mu.Unlock()
		})
	}
}

func (t *Timeline) notify() {
	t.deliverMu.Lock()
	defer t.deliverMu.Unlock()

	t.mu.Lock()
	view := t.merged()
	fns := make([]func([]models.Message), 0, len(t.subscribers))
	for _, fn := range t.subscribers {
		fns = append(fns, fn)
	}
	t.mu.Unlock()

	for _, fn := range fns {
		fn(view)
	}
}

// ConfirmResult carries the server-assigned identity of a completed
// write.
type ConfirmResult struct {
	ID         string
	ServerTime time.Time
}
