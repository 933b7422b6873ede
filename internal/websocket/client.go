// Palaver - Self-hosted Chat Service with Optimistic Message Delivery
// Copyright 2026 The Palaver Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/palaver-chat/palaver

package websocket

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/palaver-chat/palaver/internal/chat"
	"github.com/palaver-chat/palaver/internal/logging"
	"github.com/palaver-chat/palaver/internal/models"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	// serviceTimeout bounds chat-service calls made on behalf of a
	// socket frame; the connection itself carries no deadline.
	serviceTimeout = 10 * time.Second
)

// clientIDCounter assigns monotonically increasing IDs so clients sort
// in a stable order for broadcasts.
var clientIDCounter atomic.Uint64

// messageSub is one chat timeline subscription held by a client.
type messageSub struct {
	cancelView func()
	release    func()
}

// Client bridges one authenticated websocket connection to the chat
// service. Subscriptions are per client and torn down on disconnect.
type Client struct {
	id      uint64
	hub     *Hub
	conn    *websocket.Conn
	service *chat.Service
	user    *models.User
	send    chan Message

	mu         sync.Mutex
	sendClosed bool
	msgSubs    map[string]messageSub
	chatCancel func()
}

// NewClient creates a client for an authenticated connection.
func NewClient(hub *Hub, conn *websocket.Conn, service *chat.Service, user *models.User) *Client {
	return &Client{
		id:      clientIDCounter.Add(1),
		hub:     hub,
		conn:    conn,
		service: service,
		user:    user,
		send:    make(chan Message, 256),
		msgSubs: make(map[string]messageSub),
	}
}

// ID returns the client's unique identifier.
func (c *Client) ID() uint64 {
	return c.id
}

// Start begins reading and writing for the client.
func (c *Client) Start() {
	go c.writePump()
	go c.readPump()
}

// cleanup cancels every live subscription. Called by the hub when the
// client is removed.
func (c *Client) cleanup() {
	c.mu.Lock()
	subs := c.msgSubs
	c.msgSubs = make(map[string]messageSub)
	chatCancel := c.chatCancel
	c.chatCancel = nil
	c.mu.Unlock()

	for _, sub := range subs {
		sub.cancelView()
		sub.release()
	}
	if chatCancel != nil {
		chatCancel()
	}
}

func (c *Client) readPump() {
	defer func() {
		c.hub.Unregister <- c
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		logging.Error().Err(err).Msg("failed to set read deadline")
		return
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var msg Message
		err := c.conn.ReadJSON(&msg)
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logging.Error().Err(err).Msg("unexpected websocket close error")
			}
			break
		}
		c.handleMessage(msg)
	}
}

func (c *Client) handleMessage(msg Message) {
	switch msg.Type {
	case MessageTypePing:
		c.trySend(Message{Type: MessageTypePong})

	case MessageTypeSubscribeMessages:
		c.subscribeMessages(msg.ChatID)

	case MessageTypeUnsubscribeMessages:
		c.unsubscribeMessages(msg.ChatID)

	case MessageTypeSubscribeChats:
		c.subscribeChats()

	case MessageTypeUnsubscribeChats:
		c.unsubscribeChats()

	case MessageTypeSend:
		ctx, cancel := context.WithTimeout(context.Background(), serviceTimeout)
		tempID, err := c.service.Send(ctx, msg.ChatID, c.user, msg.Text)
		cancel()
		if err != nil {
			c.sendError(msg.ChatID, err)
			return
		}
		if tempID != "" {
			c.trySend(Message{Type: MessageTypeSendAccepted, ChatID: msg.ChatID, TempID: tempID})
		}

	case MessageTypeRetry:
		ctx, cancel := context.WithTimeout(context.Background(), serviceTimeout)
		err := c.service.Retry(ctx, msg.ChatID, msg.TempID, c.user.ID)
		cancel()
		if err != nil {
			c.sendError(msg.ChatID, err)
		}

	default:
		c.sendError("", errors.New("unknown message type "+msg.Type))
	}
}

func (c *Client) subscribeMessages(chatID string) {
	if chatID == "" {
		c.sendError("", errors.New("subscribe_messages requires chat_id"))
		return
	}

	c.mu.Lock()
	if _, already := c.msgSubs[chatID]; already {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), serviceTimeout)
	timeline, release, err := c.service.OpenTimeline(ctx, chatID, c.user.ID)
	cancel()
	if err != nil {
		c.sendError(chatID, err)
		return
	}
	cancelView := timeline.Subscribe(func(view []models.Message) {
		c.trySend(Message{Type: MessageTypeMessagesSnapshot, ChatID: chatID, Data: view})
	})

	c.mu.Lock()
	if _, already := c.msgSubs[chatID]; already {
		c.mu.Unlock()
		cancelView()
		release()
		return
	}
	c.msgSubs[chatID] = messageSub{cancelView: cancelView, release: release}
	c.mu.Unlock()
}

func (c *Client) unsubscribeMessages(chatID string) {
	c.mu.Lock()
	sub, ok := c.msgSubs[chatID]
	delete(c.msgSubs, chatID)
	c.mu.Unlock()

	if ok {
		sub.cancelView()
		sub.release()
	}
}

func (c *Client) subscribeChats() {
	c.mu.Lock()
	already := c.chatCancel != nil
	c.mu.Unlock()
	if already {
		return
	}

	cancel, err := c.service.SubscribeChats(c.user.ID, func(chats []models.Chat) {
		c.trySend(Message{Type: MessageTypeChatsSnapshot, Data: chats})
	})
	if err != nil {
		c.sendError("", err)
		return
	}

	c.mu.Lock()
	if c.chatCancel != nil {
		c.mu.Unlock()
		cancel()
		return
	}
	c.chatCancel = cancel
	c.mu.Unlock()
}

func (c *Client) unsubscribeChats() {
	c.mu.Lock()
	cancel := c.chatCancel
	c.chatCancel = nil
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (c *Client) sendError(chatID string, err error) {
	c.trySend(Message{Type: MessageTypeError, ChatID: chatID, Data: err.Error()})
}

// trySend queues a message for the write pump, dropping it when the
// buffer is full or the client is closed. Snapshot pushes are
// full-replace, so a dropped one is superseded by the next.
func (c *Client) trySend(msg Message) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendClosed {
		return false
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

// closeSend closes the send channel exactly once. The mutex orders it
// against in-flight trySend calls, so nothing writes to a closed
// channel. Called by the hub when the client is removed.
func (c *Client) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendClosed {
		return
	}
	c.sendClosed = true
	close(c.send)
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				logging.Error().Err(err).Msg("failed to set write deadline")
				return
			}
			if !ok {
				if err := c.conn.WriteMessage(websocket.CloseMessage, []byte{}); err != nil {
					logging.Error().Err(err).Msg("failed to write close message")
				}
				return
			}
			if err := c.conn.WriteJSON(message); err != nil {
				logging.Error().Err(err).Msg("failed to write JSON message")
				return
			}

		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				logging.Error().Err(err).Msg("failed to set write deadline for ping")
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
