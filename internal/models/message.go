// Palaver - Self-hosted Chat Service with Optimistic Message Delivery
// Copyright 2026 The Palaver Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/palaver-chat/palaver

// Package models defines the core data types shared across Palaver:
// messages, chats, and users. All types serialize to JSON, which is the
// wire and storage representation everywhere in the system.
package models

import (
	"errors"
	"strings"
	"time"
)

// MaxMessageLength is the maximum number of characters in a message text
// after trimming. Longer texts are rejected before any network attempt.
const MaxMessageLength = 1000

// TempIDPrefix marks client-generated message ids. A message keeps its
// temporary id from submission until the remote write confirms and the
// server-assigned id replaces it.
const TempIDPrefix = "tmp-"

// MessageStatus is the delivery state of an outgoing message. It is
// transient: once a message is durable remotely its status is always
// StatusSent.
type MessageStatus string

const (
	// StatusSending marks an optimistic local entry whose remote write
	// has not resolved yet.
	StatusSending MessageStatus = "sending"

	// StatusSent marks a message confirmed by the remote store.
	StatusSent MessageStatus = "sent"

	// StatusFailed marks a message whose remote write failed. The entry
	// stays in the timeline so the user can retry it.
	StatusFailed MessageStatus = "failed"
)

// Message is a single chat message.
type Message struct {
	ID         string        `json:"id"`
	ChatID     string        `json:"chat_id"`
	Text       string        `json:"text"`
	SenderID   string        `json:"sender_id"`
	SenderName string        `json:"sender_name"`
	Timestamp  time.Time     `json:"timestamp"`
	Status     MessageStatus `json:"status"`
}

// Message validation errors.
var (
	ErrEmptyMessage   = errors.New("message text is empty")
	ErrMessageTooLong = errors.New("message text exceeds maximum length")
)

// ValidateText trims the given text and validates it against the message
// constraints. Returns the trimmed text. ErrEmptyMessage means the send
// should be silently dropped; ErrMessageTooLong should be surfaced.
func ValidateText(text string) (string, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return "", ErrEmptyMessage
	}
	if len([]rune(trimmed)) > MaxMessageLength {
		return "", ErrMessageTooLong
	}
	return trimmed, nil
}

// IsPending reports whether the message is a local entry that the remote
// store does not know about yet (sending or failed).
func (m *Message) IsPending() bool {
	return m.Status == StatusSending || m.Status == StatusFailed
}

// HasTempID reports whether the message still carries a client-generated id.
func (m *Message) HasTempID() bool {
	return strings.HasPrefix(m.ID, TempIDPrefix)
}
