// Palaver - Self-hosted Chat Service with Optimistic Message Delivery
// Copyright 2026 The Palaver Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/palaver-chat/palaver

package models

import "time"

// Chat is a conversation between two or more participants.
type Chat struct {
	ID               string    `json:"id"`
	Name             string    `json:"name,omitempty"`
	Participants     []string  `json:"participants"`
	ParticipantNames []string  `json:"participant_names,omitempty"`
	LastMessage      string    `json:"last_message,omitempty"`
	LastActivity     time.Time `json:"last_activity"`
	CreatedAt        time.Time `json:"created_at"`

	// Active is a soft-delete flag. Deleted chats stay in the store but
	// are filtered out of every chat-list query.
	Active bool `json:"active"`
}

// HasParticipant reports whether the given user is part of the chat.
func (c *Chat) HasParticipant(userID string) bool {
	for _, p := range c.Participants {
		if p == userID {
			return true
		}
	}
	return false
}
