// Palaver - Self-hosted Chat Service with Optimistic Message Delivery
// Copyright 2026 The Palaver Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/palaver-chat/palaver

package chat

import (
	"sync"
	"testing"
	"time"

	"github.com/palaver-chat/palaver/internal/models"
)

func pendingMsg(tempID, text string, ts int64) models.Message {
	return models.Message{
		ID:        tempID,
		ChatID:    "chat-1",
		Text:      text,
		SenderID:  "alice",
		Timestamp: time.UnixMilli(ts).UTC(),
		Status:    models.StatusSending,
	}
}

func sentMsg(id, text string, ts int64) models.Message {
	return models.Message{
		ID:        id,
		ChatID:    "chat-1",
		Text:      text,
		SenderID:  "bob",
		Timestamp: time.UnixMilli(ts).UTC(),
		Status:    models.StatusSent,
	}
}

func TestTimeline_InsertPending(t *testing.T) {
	tl := NewTimeline("chat-1")
	tl.InsertPending(pendingMsg("tmp-1", "hello", 100))

	view := tl.Snapshot()
	if len(view) != 1 {
		t.Fatalf("Snapshot has %d messages, want 1", len(view))
	}
	if view[0].ID != "tmp-1" || view[0].Status != models.StatusSending {
		t.Errorf("entry = %+v", view[0])
	}
}

func TestTimeline_ConfirmSwapsIdentity(t *testing.T) {
	tl := NewTimeline("chat-1")
	tl.InsertPending(pendingMsg("tmp-1", "hello", 100))

	serverTime := time.UnixMilli(500).UTC()
	if !tl.Confirm("tmp-1", ConfirmResult{ID: "srv-9", ServerTime: serverTime}) {
		t.Fatal("Confirm returned false")
	}

	view := tl.Snapshot()
	if len(view) != 1 {
		t.Fatalf("Snapshot has %d messages, want 1", len(view))
	}
	if view[0].ID != "srv-9" {
		t.Errorf("ID = %q, want srv-9", view[0].ID)
	}
	if !view[0].Timestamp.Equal(serverTime) {
		t.Errorf("Timestamp = %v, want server time", view[0].Timestamp)
	}
	if view[0].Status != models.StatusSent {
		t.Errorf("Status = %q, want sent", view[0].Status)
	}
	if view[0].Text != "hello" {
		t.Errorf("Text = %q, want hello", view[0].Text)
	}
}

func TestTimeline_OutOfOrderConfirmations(t *testing.T) {
	tl := NewTimeline("chat-1")
	tl.InsertPending(pendingMsg("tmp-1", "first", 100))
	tl.InsertPending(pendingMsg("tmp-2", "second", 200))

	// The second send completes before the first.
	tl.Confirm("tmp-2", ConfirmResult{ID: "srv-2", ServerTime: time.UnixMilli(400).UTC()})
	tl.Confirm("tmp-1", ConfirmResult{ID: "srv-1", ServerTime: time.UnixMilli(500).UTC()})

	byText := map[string]models.Message{}
	for _, msg := range tl.Snapshot() {
		byText[msg.Text] = msg
	}
	if byText["first"].ID != "srv-1" {
		t.Errorf("first resolved to %q, want srv-1", byText["first"].ID)
	}
	if byText["second"].ID != "srv-2" {
		t.Errorf("second resolved to %q, want srv-2", byText["second"].ID)
	}
}

func TestTimeline_FailKeepsIdentityAndText(t *testing.T) {
	tl := NewTimeline("chat-1")
	tl.InsertPending(pendingMsg("tmp-1", "hello", 100))

	if !tl.Fail("tmp-1") {
		t.Fatal("Fail returned false")
	}

	view := tl.Snapshot()
	if view[0].ID != "tmp-1" || view[0].Text != "hello" {
		t.Errorf("failed entry lost identity or text: %+v", view[0])
	}
	if view[0].Status != models.StatusFailed {
		t.Errorf("Status = %q, want failed", view[0].Status)
	}
}

func TestTimeline_MarkSending(t *testing.T) {
	tl := NewTimeline("chat-1")
	tl.InsertPending(pendingMsg("tmp-1", "hello", 100))

	// Still sending: not retryable.
	if _, ok := tl.MarkSending("tmp-1", "alice"); ok {
		t.Error("MarkSending succeeded on a sending entry")
	}

	tl.Fail("tmp-1")

	// Only the original sender may retry the entry.
	if _, ok := tl.MarkSending("tmp-1", "bob"); ok {
		t.Error("MarkSending succeeded for a different sender")
	}

	msg, ok := tl.MarkSending("tmp-1", "alice")
	if !ok {
		t.Fatal("MarkSending failed on a failed entry")
	}
	if msg.ID != "tmp-1" || msg.Text != "hello" {
		t.Errorf("retry payload = %+v", msg)
	}
	if tl.Snapshot()[0].Status != models.StatusSending {
		t.Errorf("Status = %q, want sending", tl.Snapshot()[0].Status)
	}

	// A sent entry is not retryable either.
	tl.Confirm("tmp-1", ConfirmResult{ID: "srv-1", ServerTime: time.UnixMilli(200).UTC()})
	if _, ok := tl.MarkSending("tmp-1", "alice"); ok {
		t.Error("MarkSending succeeded on a sent entry")
	}

	if _, ok := tl.MarkSending("tmp-unknown", "alice"); ok {
		t.Error("MarkSending succeeded on an unknown entry")
	}
}

func TestTimeline_ApplySnapshotReplaces(t *testing.T) {
	tl := NewTimeline("chat-1")
	tl.ApplySnapshot([]models.Message{sentMsg("a", "old", 100), sentMsg("b", "older", 50)})
	tl.ApplySnapshot([]models.Message{sentMsg("c", "new", 200)})

	view := tl.Snapshot()
	if len(view) != 1 || view[0].ID != "c" {
		t.Errorf("Snapshot = %+v, want only c", view)
	}
}

func TestTimeline_SnapshotDropsEchoedEntry(t *testing.T) {
	tl := NewTimeline("chat-1")
	tl.InsertPending(pendingMsg("tmp-1", "hello", 100))
	tl.Confirm("tmp-1", ConfirmResult{ID: "srv-1", ServerTime: time.UnixMilli(300).UTC()})

	// Remote snapshot now carries the confirmed message.
	tl.ApplySnapshot([]models.Message{sentMsg("srv-1", "hello", 300)})

	view := tl.Snapshot()
	if len(view) != 1 {
		t.Fatalf("Snapshot has %d messages, want 1 (no duplicate)", len(view))
	}
	if view[0].ID != "srv-1" {
		t.Errorf("ID = %q, want srv-1", view[0].ID)
	}
}

func TestTimeline_SnapshotKeepsUnconfirmedEntries(t *testing.T) {
	tl := NewTimeline("chat-1")
	tl.InsertPending(pendingMsg("tmp-1", "mine", 400))
	tl.Fail("tmp-1")

	tl.ApplySnapshot([]models.Message{sentMsg("srv-a", "theirs", 300)})

	view := tl.Snapshot()
	if len(view) != 2 {
		t.Fatalf("Snapshot has %d messages, want 2", len(view))
	}
	// Newest first: the local entry has the later timestamp.
	if view[0].ID != "tmp-1" || view[1].ID != "srv-a" {
		t.Errorf("order = [%s %s], want [tmp-1 srv-a]", view[0].ID, view[1].ID)
	}
}

func TestTimeline_MergedOrderNewestFirst(t *testing.T) {
	tl := NewTimeline("chat-1")
	tl.ApplySnapshot([]models.Message{sentMsg("b", "2", 200), sentMsg("a", "1", 100)})
	tl.InsertPending(pendingMsg("tmp-3", "3", 300))

	view := tl.Snapshot()
	want := []string{"tmp-3", "b", "a"}
	for i, id := range want {
		if view[i].ID != id {
			t.Errorf("view[%d].ID = %q, want %q", i, view[i].ID, id)
		}
	}
}

func TestTimeline_Seed(t *testing.T) {
	tl := NewTimeline("chat-1")

	failed := pendingMsg("tmp-1", "retry me", 300)
	failed.Status = models.StatusFailed
	stuck := pendingMsg("tmp-2", "stuck", 350)

	tl.Seed([]models.Message{failed, stuck, sentMsg("a", "old", 100)})

	view := tl.Snapshot()
	if len(view) != 2 {
		t.Fatalf("Snapshot has %d messages, want 2 (stuck sending entry dropped)", len(view))
	}
	if view[0].ID != "tmp-1" || view[0].Status != models.StatusFailed {
		t.Errorf("seeded failed entry = %+v", view[0])
	}

	// The seeded failed entry is retryable.
	if _, ok := tl.MarkSending("tmp-1", "alice"); !ok {
		t.Error("seeded failed entry is not retryable")
	}

	// A second seed is ignored.
	tl.Seed([]models.Message{sentMsg("z", "late", 900)})
	for _, msg := range tl.Snapshot() {
		if msg.ID == "z" {
			t.Error("second Seed was applied")
		}
	}
}

func TestTimeline_SubscribeDeliversOnChange(t *testing.T) {
	tl := NewTimeline("chat-1")

	var views [][]models.Message
	cancel := tl.Subscribe(func(view []models.Message) {
		views = append(views, view)
	})

	tl.InsertPending(pendingMsg("tmp-1", "hello", 100))
	tl.Confirm("tmp-1", ConfirmResult{ID: "srv-1", ServerTime: time.UnixMilli(200).UTC()})

	if len(views) != 3 {
		t.Fatalf("subscriber saw %d views, want 3 (initial + 2 changes)", len(views))
	}
	if len(views[0]) != 0 {
		t.Errorf("initial view has %d messages, want 0", len(views[0]))
	}
	if views[2][0].Status != models.StatusSent {
		t.Errorf("final view status = %q, want sent", views[2][0].Status)
	}

	cancel()
	cancel()
	tl.InsertPending(pendingMsg("tmp-2", "more", 300))
	if len(views) != 3 {
		t.Errorf("cancelled subscriber still notified: %d views", len(views))
	}
}

func TestTimeline_ConcurrentUpdatesDeliverInOrder(t *testing.T) {
	tl := NewTimeline("chat-1")
	tl.InsertPending(pendingMsg("tmp-1", "hello", 100))

	// Deliveries are serialized, so appending here needs no lock.
	var views [][]models.Message
	cancel := tl.Subscribe(func(view []models.Message) {
		views = append(views, view)
	})
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		tl.Confirm("tmp-1", ConfirmResult{ID: "srv-1", ServerTime: time.UnixMilli(500).UTC()})
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 100; i++ {
			tl.ApplySnapshot(nil)
		}
	}()
	wg.Wait()

	// Once a view carries the confirmed message, no later view may
	// revert to the unconfirmed local entry.
	confirmed := false
	for i, view := range views {
		for _, msg := range view {
			if msg.ID == "srv-1" && msg.Status == models.StatusSent {
				confirmed = true
			}
			if confirmed && msg.ID == "tmp-1" && msg.Status == models.StatusSending {
				t.Fatalf("view %d reverted to the unconfirmed entry after confirmation", i)
			}
		}
	}
	if !confirmed {
		t.Fatal("no view carried the confirmed message")
	}
}

func TestTimeline_Idle(t *testing.T) {
	tl := NewTimeline("chat-1")
	if !tl.Idle() {
		t.Error("empty timeline reports not idle")
	}

	tl.InsertPending(pendingMsg("tmp-1", "hello", 100))
	if tl.Idle() {
		t.Error("timeline with sending entry reports idle")
	}

	tl.Fail("tmp-1")
	if tl.Idle() {
		t.Error("timeline with failed entry reports idle")
	}

	tl.Confirm("tmp-1", ConfirmResult{ID: "srv-1", ServerTime: time.UnixMilli(200).UTC()})
	if !tl.Idle() {
		t.Error("timeline with only confirmed entries reports not idle")
	}
}

func TestTimeline_Pending(t *testing.T) {
	tl := NewTimeline("chat-1")
	if tl.Pending() {
		t.Error("empty timeline reports pending")
	}

	tl.InsertPending(pendingMsg("tmp-1", "hello", 100))
	if !tl.Pending() {
		t.Error("timeline with sending entry reports not pending")
	}

	tl.Fail("tmp-1")
	if tl.Pending() {
		t.Error("timeline with only failed entry reports pending")
	}
}
