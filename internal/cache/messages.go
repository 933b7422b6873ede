// Palaver - Self-hosted Chat Service with Optimistic Message Delivery
// Copyright 2026 The Palaver Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/palaver-chat/palaver

// Package cache implements the bounded local message cache.
//
// The cache keeps the most recent messages of each chat in the key-value
// store so a chat opens instantly with recent history before the first
// live snapshot arrives. It is an optimization layer: every operation is
// fail-soft and a corrupt or missing entry degrades to an empty history,
// never to an error surfaced to the caller.
package cache

import (
	"errors"
	"sort"

	"github.com/goccy/go-json"

	"github.com/palaver-chat/palaver/internal/kv"
	"github.com/palaver-chat/palaver/internal/logging"
	"github.com/palaver-chat/palaver/internal/metrics"
	"github.com/palaver-chat/palaver/internal/models"
)

// DefaultMessageLimit is the per-chat retention limit used when no
// explicit limit is configured.
const DefaultMessageLimit = 50

const (
	messageKeyPrefix = "chat:"
	messageKeySuffix = ":messages"
)

// MessageCache stores the most recent messages per chat, newest first.
type MessageCache struct {
	store kv.Store
	limit int
}

// NewMessageCache creates a message cache over store. A limit below 1
// falls back to DefaultMessageLimit.
func NewMessageCache(store kv.Store, limit int) *MessageCache {
	if limit < 1 {
		limit = DefaultMessageLimit
	}
	return &MessageCache{store: store, limit: limit}
}

// Limit returns the per-chat retention limit.
func (c *MessageCache) Limit() int {
	return c.limit
}

func messageKey(chatID string) string {
	return messageKeyPrefix + chatID + messageKeySuffix
}

// Save stores messages for chatID, sorted newest first and truncated to
// the retention limit. The input slice is not modified. Storage failures
// are logged and swallowed.
func (c *MessageCache) Save(chatID string, messages []models.Message) {
	if chatID == "" {
		return
	}

	sorted := make([]models.Message, len(messages))
	copy(sorted, messages)
	sort.SliceStable(sorted, func(i, j int) bool {
		if !sorted[i].Timestamp.Equal(sorted[j].Timestamp) {
			return sorted[i].Timestamp.After(sorted[j].Timestamp)
		}
		// Stable tiebreak so equal timestamps order deterministically.
		return sorted[i].ID > sorted[j].ID
	})

	if len(sorted) > c.limit {
		sorted = sorted[:c.limit]
		metrics.CacheTruncationsTotal.Inc()
	}

	data, err := json.Marshal(sorted)
	if err != nil {
		logging.Warn().Err(err).Str("chat_id", chatID).Msg("Failed to encode message cache entry")
		return
	}
	if err := c.store.Set(messageKey(chatID), data); err != nil {
		logging.Warn().Err(err).Str("chat_id", chatID).Msg("Failed to write message cache entry")
	}
}

// Load returns the cached messages for chatID, newest first. A missing,
// corrupt or unreadable entry returns an empty slice.
func (c *MessageCache) Load(chatID string) []models.Message {
	if chatID == "" {
		return []models.Message{}
	}

	data, err := c.store.Get(messageKey(chatID))
	if errors.Is(err, kv.ErrKeyNotFound) {
		metrics.RecordCacheLoad("miss")
		return []models.Message{}
	}
	if err != nil {
		metrics.RecordCacheLoad("error")
		logging.Warn().Err(err).Str("chat_id", chatID).Msg("Failed to read message cache entry")
		return []models.Message{}
	}

	var messages []models.Message
	if err := json.Unmarshal(data, &messages); err != nil {
		metrics.RecordCacheLoad("error")
		logging.Warn().Err(err).Str("chat_id", chatID).Msg("Discarding corrupt message cache entry")
		// Drop the entry so the next save starts clean.
		if derr := c.store.Delete(messageKey(chatID)); derr != nil {
			logging.Warn().Err(derr).Str("chat_id", chatID).Msg("Failed to delete corrupt cache entry")
		}
		return []models.Message{}
	}

	metrics.RecordCacheLoad("hit")
	if messages == nil {
		return []models.Message{}
	}
	return messages
}

// Clear removes the cached messages for chatID. Failures are logged and
// swallowed.
func (c *MessageCache) Clear(chatID string) {
	if chatID == "" {
		return
	}
	if err := c.store.Delete(messageKey(chatID)); err != nil {
		logging.Warn().Err(err).Str("chat_id", chatID).Msg("Failed to clear message cache entry")
	}
}

// ClearAll removes the cached messages of every chat. Used on sign-out
// so no history outlives the session. Failures are logged and swallowed.
func (c *MessageCache) ClearAll() {
	keys, err := c.store.Keys(messageKeyPrefix)
	if err != nil {
		logging.Warn().Err(err).Msg("Failed to list message cache entries")
		return
	}
	for _, key := range keys {
		if err := c.store.Delete(key); err != nil {
			logging.Warn().Err(err).Str("key", key).Msg("Failed to clear message cache entry")
		}
	}
}
