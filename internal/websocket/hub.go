// Palaver - Self-hosted Chat Service with Optimistic Message Delivery
// Copyright 2026 The Palaver Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/palaver-chat/palaver

// Package websocket is the push gateway: each connected client manages
// its own message and chat-list subscriptions and receives full
// snapshots as they change.
package websocket

import (
	"context"
	"sort"
	"sync"

	"github.com/palaver-chat/palaver/internal/logging"
	"github.com/palaver-chat/palaver/internal/metrics"
)

// ShutdownReason identifies why the hub is shutting down.
type ShutdownReason string

const (
	ShutdownReasonContextCanceled ShutdownReason = "context_canceled"
	ShutdownReasonContextDeadline ShutdownReason = "context_deadline"
)

// Message types exchanged over the socket.
const (
	// Client to server
	MessageTypeSubscribeMessages   = "subscribe_messages"
	MessageTypeUnsubscribeMessages = "unsubscribe_messages"
	MessageTypeSubscribeChats      = "subscribe_chats"
	MessageTypeUnsubscribeChats    = "unsubscribe_chats"
	MessageTypeSend                = "send"
	MessageTypeRetry               = "retry"
	MessageTypePing                = "ping"

	// Server to client
	MessageTypeMessagesSnapshot = "messages_snapshot"
	MessageTypeChatsSnapshot    = "chats_snapshot"
	MessageTypeSendAccepted     = "send_accepted"
	MessageTypeError            = "error"
	MessageTypePong             = "pong"
)

// Message is the WebSocket frame envelope, both directions.
type Message struct {
	Type   string      `json:"type"`
	ChatID string      `json:"chat_id,omitempty"`
	TempID string      `json:"temp_id,omitempty"`
	Text   string      `json:"text,omitempty"`
	Data   interface{} `json:"data,omitempty"`
}

// Hub maintains the set of connected clients.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan Message
	Register   chan *Client
	Unregister chan *Client
	mu         sync.RWMutex
}

// NewHub creates a new Hub.
func NewHub() *Hub {
	return &Hub{
		broadcast:  make(chan Message, 256),
		Register:   make(chan *Client),
		Unregister: make(chan *Client),
		clients:    make(map[*Client]bool),
	}
}

// RunWithContext runs the hub until the context is canceled, then closes
// every client and returns ctx.Err(). Designed for suture supervision.
//
// Selection is priority based so behavior stays deterministic when
// several channels are ready: shutdown first, then client lifecycle,
// then broadcasts.
func (h *Hub) RunWithContext(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			h.logGracefulShutdown(ctx)
			return ctx.Err()
		default:
		}

		select {
		case client := <-h.Register:
			h.addClient(client)
			continue
		case client := <-h.Unregister:
			h.removeClient(client)
			continue
		default:
		}

		select {
		case <-ctx.Done():
			h.logGracefulShutdown(ctx)
			return ctx.Err()

		case client := <-h.Register:
			h.addClient(client)

		case client := <-h.Unregister:
			h.removeClient(client)

		case message := <-h.broadcast:
			h.broadcastToClients(message)
		}
	}
}

func (h *Hub) addClient(client *Client) {
	h.mu.Lock()
	h.clients[client] = true
	total := len(h.clients)
	h.mu.Unlock()

	metrics.WebSocketClients.Inc()
	logging.Info().
		Str("username", client.user.Username).
		Int("total_clients", total).
		Msg("websocket client connected")
}

func (h *Hub) removeClient(client *Client) {
	h.mu.Lock()
	_, ok := h.clients[client]
	if ok {
		delete(h.clients, client)
		client.closeSend()
	}
	total := len(h.clients)
	h.mu.Unlock()

	if !ok {
		return
	}
	client.cleanup()
	metrics.WebSocketClients.Dec()
	logging.Info().
		Str("username", client.user.Username).
		Int("total_clients", total).
		Msg("websocket client disconnected")
}

func (h *Hub) logGracefulShutdown(ctx context.Context) {
	clientCount := h.GetClientCount()
	h.closeAllClients()

	logging.Info().
		Str("component", "websocket-hub").
		Str("reason", string(getShutdownReason(ctx))).
		Int("clients_closed", clientCount).
		Msg("websocket hub stopped")
}

func getShutdownReason(ctx context.Context) ShutdownReason {
	if ctx.Err() == context.DeadlineExceeded {
		return ShutdownReasonContextDeadline
	}
	return ShutdownReasonContextCanceled
}

// broadcastToClients delivers a message to every client in ID order.
// Clients whose send buffer is full are dropped; a client that cannot
// drain its buffer is effectively gone anyway.
func (h *Hub) broadcastToClients(message Message) {
	h.mu.Lock()

	clients := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	sort.Slice(clients, func(i, j int) bool {
		return clients[i].id < clients[j].id
	})

	var toRemove []*Client
	for _, client := range clients {
		select {
		case client.send <- message:
		default:
			toRemove = append(toRemove, client)
		}
	}
	for _, client := range toRemove {
		client.closeSend()
		delete(h.clients, client)
	}
	h.mu.Unlock()

	for _, client := range toRemove {
		client.cleanup()
		metrics.WebSocketClients.Dec()
	}
}

func (h *Hub) closeAllClients() {
	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	sort.Slice(clients, func(i, j int) bool {
		return clients[i].id < clients[j].id
	})
	for _, client := range clients {
		client.closeSend()
		delete(h.clients, client)
	}
	h.mu.Unlock()

	for _, client := range clients {
		client.cleanup()
		metrics.WebSocketClients.Dec()
	}
}

// BroadcastJSON sends a message to all connected clients.
func (h *Hub) BroadcastJSON(messageType string, data interface{}) {
	message := Message{Type: messageType, Data: data}
	select {
	case h.broadcast <- message:
	default:
		logging.Warn().Str("message_type", messageType).Msg("broadcast channel full, dropping message")
	}
}

// GetClientCount returns the number of connected clients.
func (h *Hub) GetClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
