// Palaver - Self-hosted Chat Service with Optimistic Message Delivery
// Copyright 2026 The Palaver Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/palaver-chat/palaver

package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/palaver-chat/palaver/internal/auth"
	"github.com/palaver-chat/palaver/internal/chat"
	"github.com/palaver-chat/palaver/internal/config"
	"github.com/palaver-chat/palaver/internal/logging"
	"github.com/palaver-chat/palaver/internal/models"
	ws "github.com/palaver-chat/palaver/internal/websocket"
)

// Handler holds the dependencies for all HTTP handlers.
type Handler struct {
	config    *config.Config
	auth      *auth.Manager
	service   *chat.Service
	hub       *ws.Hub
	startTime time.Time
}

// NewHandler creates the handler set.
func NewHandler(cfg *config.Config, authManager *auth.Manager, service *chat.Service, hub *ws.Hub) *Handler {
	return &Handler{
		config:    cfg,
		auth:      authManager,
		service:   service,
		hub:       hub,
		startTime: time.Now(),
	}
}

// sessionResponse is the payload for sign-up and sign-in.
type sessionResponse struct {
	User  *models.User `json:"user"`
	Token string       `json:"token"`
}

// SignUp handles POST /api/v1/auth/signup.
func (h *Handler) SignUp(w http.ResponseWriter, r *http.Request) {
	var req SignUpRequest
	if !decodeRequest(w, r, &req) {
		return
	}

	rw := NewResponseWriter(w, r)
	user, token, err := h.auth.SignUp(req.Username, req.DisplayName, req.Password)
	if errors.Is(err, auth.ErrUserExists) {
		rw.Conflict("Username already taken")
		return
	}
	if err != nil {
		rw.BadRequest(err.Error())
		return
	}

	rw.Created(sessionResponse{User: user, Token: token})
}

// SignIn handles POST /api/v1/auth/signin.
func (h *Handler) SignIn(w http.ResponseWriter, r *http.Request) {
	var req SignInRequest
	if !decodeRequest(w, r, &req) {
		return
	}

	rw := NewResponseWriter(w, r)
	user, token, err := h.auth.SignIn(req.Username, req.Password)
	if errors.Is(err, auth.ErrInvalidCredentials) {
		rw.Unauthorized("Invalid username or password")
		return
	}
	if err != nil {
		logging.Error().Err(err).Msg("Sign-in failed")
		rw.InternalError("Sign-in failed")
		return
	}

	rw.Success(sessionResponse{User: user, Token: token})
}

// SignOut handles POST /api/v1/auth/signout.
func (h *Handler) SignOut(w http.ResponseWriter, r *http.Request) {
	user := UserFromContext(r.Context())
	h.auth.SignOut(user.Username)
	NewResponseWriter(w, r).NoContent()
}

// Me handles GET /api/v1/auth/me.
func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	NewResponseWriter(w, r).Success(UserFromContext(r.Context()))
}

// Users handles GET /api/v1/users.
func (h *Handler) Users(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	users, err := h.auth.Users()
	if err != nil {
		logging.Error().Err(err).Msg("Listing users failed")
		rw.InternalError("Could not list users")
		return
	}
	rw.Success(users)
}

// Chats handles GET /api/v1/chats. Returns the caller's active chats,
// most recent activity first.
func (h *Handler) Chats(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	user := UserFromContext(r.Context())

	chats, err := h.service.Chats(r.Context(), user.ID)
	if err != nil {
		logging.Error().Err(err).Str("user_id", user.ID).Msg("Listing chats failed")
		rw.ServiceUnavailable("Could not load chats")
		return
	}
	rw.Success(chats)
}

// CreateChat handles POST /api/v1/chats. The caller is always added as
// a participant.
func (h *Handler) CreateChat(w http.ResponseWriter, r *http.Request) {
	var req CreateChatRequest
	if !decodeRequest(w, r, &req) {
		return
	}

	rw := NewResponseWriter(w, r)
	if len(req.ParticipantNames) != 0 && len(req.ParticipantNames) != len(req.Participants) {
		rw.BadRequest("participant_names must match participants")
		return
	}

	user := UserFromContext(r.Context())
	participants := req.Participants
	names := req.ParticipantNames
	if !containsString(participants, user.ID) {
		participants = append(participants, user.ID)
		if names != nil || len(participants) == 1 {
			names = append(names, user.DisplayName)
		}
	}

	created, err := h.service.CreateChat(r.Context(), req.Name, participants, names)
	if err != nil {
		logging.Error().Err(err).Str("user_id", user.ID).Msg("Creating chat failed")
		rw.ServiceUnavailable("Could not create chat")
		return
	}
	rw.Created(created)
}

// DeleteChat handles DELETE /api/v1/chats/{chatID}. Chats are
// deactivated, not erased; history stays on the server.
func (h *Handler) DeleteChat(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	user := UserFromContext(r.Context())
	chatID := chi.URLParam(r, "chatID")

	err := h.service.DeleteChat(r.Context(), chatID, user.ID)
	if errors.Is(err, chat.ErrChatNotFound) {
		rw.NotFound("Chat not found")
		return
	}
	if err != nil {
		logging.Error().Err(err).Str("chat_id", chatID).Msg("Deleting chat failed")
		rw.ServiceUnavailable("Could not delete chat")
		return
	}
	rw.NoContent()
}

// Messages handles GET /api/v1/chats/{chatID}/messages. Returns the
// merged timeline, newest first, including the caller's pending and
// failed entries. Participants only.
func (h *Handler) Messages(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	user := UserFromContext(r.Context())
	chatID := chi.URLParam(r, "chatID")

	messages, err := h.service.Messages(r.Context(), chatID, user.ID)
	if errors.Is(err, chat.ErrNotParticipant) {
		rw.Forbidden("Not a participant of this chat")
		return
	}
	if err != nil {
		logging.Error().Err(err).Str("chat_id", chatID).Msg("Listing messages failed")
		rw.ServiceUnavailable("Could not load messages")
		return
	}
	rw.Success(messages)
}

// sendAcceptedResponse is the payload for accepted optimistic sends.
type sendAcceptedResponse struct {
	TempID string `json:"temp_id"`
	ChatID string `json:"chat_id"`
	Status string `json:"status"`
}

// SendMessage handles POST /api/v1/chats/{chatID}/messages. The write
// resolves in the background; the response carries the temporary ID the
// message will keep until the server confirms it.
func (h *Handler) SendMessage(w http.ResponseWriter, r *http.Request) {
	var req SendMessageRequest
	if !decodeRequest(w, r, &req) {
		return
	}

	rw := NewResponseWriter(w, r)
	user := UserFromContext(r.Context())
	chatID := chi.URLParam(r, "chatID")

	tempID, err := h.service.Send(r.Context(), chatID, user, req.Text)
	switch {
	case errors.Is(err, chat.ErrNotParticipant):
		rw.Forbidden("Not a participant of this chat")
		return
	case errors.Is(err, chat.ErrRateLimited):
		rw.TooManyRequests(err.Error())
		return
	case errors.Is(err, models.ErrMessageTooLong):
		rw.BadRequest(err.Error())
		return
	case err != nil:
		logging.Error().Err(err).Str("chat_id", chatID).Msg("Send failed")
		rw.InternalError("Could not send message")
		return
	}

	// Whitespace-only text is silently dropped.
	if tempID == "" {
		rw.NoContent()
		return
	}

	rw.Accepted(sendAcceptedResponse{
		TempID: tempID,
		ChatID: chatID,
		Status: string(models.StatusSending),
	})
}

// RetryMessage handles POST /api/v1/chats/{chatID}/messages/{tempID}/retry.
// Only failed messages can be retried.
func (h *Handler) RetryMessage(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	user := UserFromContext(r.Context())
	chatID := chi.URLParam(r, "chatID")
	tempID := chi.URLParam(r, "tempID")

	err := h.service.Retry(r.Context(), chatID, tempID, user.ID)
	if errors.Is(err, chat.ErrNotParticipant) {
		rw.Forbidden("Not a participant of this chat")
		return
	}
	if errors.Is(err, chat.ErrNotRetryable) {
		rw.Conflict(err.Error())
		return
	}
	if err != nil {
		logging.Error().Err(err).Str("chat_id", chatID).Msg("Retry failed")
		rw.InternalError("Could not retry message")
		return
	}

	rw.Accepted(sendAcceptedResponse{
		TempID: tempID,
		ChatID: chatID,
		Status: string(models.StatusSending),
	})
}

// healthResponse is the payload for health endpoints.
type healthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	UptimeSec int64     `json:"uptime_seconds"`
	Clients   int       `json:"websocket_clients"`
}

// Health handles GET /api/v1/health.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	NewResponseWriter(w, r).Success(healthResponse{
		Status:    "ok",
		Timestamp: time.Now().UTC(),
		UptimeSec: int64(time.Since(h.startTime).Seconds()),
		Clients:   h.hub.GetClientCount(),
	})
}

// HealthLive handles GET /api/v1/health/live. Liveness only; no
// dependency checks.
func (h *Handler) HealthLive(w http.ResponseWriter, r *http.Request) {
	NewResponseWriter(w, r).Success(map[string]string{"status": "alive"})
}

// HealthReady handles GET /api/v1/health/ready.
func (h *Handler) HealthReady(w http.ResponseWriter, r *http.Request) {
	NewResponseWriter(w, r).Success(map[string]string{"status": "ready"})
}

// getUpgrader creates a WebSocket upgrader with origin checking and a
// handshake timeout.
func (h *Handler) getUpgrader() websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:   1024,
		WriteBufferSize:  1024,
		CheckOrigin:      h.checkWebSocketOrigin,
		HandshakeTimeout: 10 * time.Second,
	}
}

// checkWebSocketOrigin validates the connection's Origin header against
// the configured CORS origins. Requests without an Origin header come
// from non-browser clients and are allowed; they already passed token
// authentication.
func (h *Handler) checkWebSocketOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	if h.config == nil {
		return true
	}

	for _, allowed := range h.config.Security.CORSOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}

	logging.Warn().Str("origin", origin).Msg("WebSocket connection rejected from unauthorized origin")
	return false
}

// WebSocket handles GET /api/v1/ws. The caller is authenticated before
// the upgrade; the client carries their identity for sends.
func (h *Handler) WebSocket(w http.ResponseWriter, r *http.Request) {
	if h.hub == nil {
		NewResponseWriter(w, r).ServiceUnavailable("WebSocket service unavailable")
		return
	}

	user := UserFromContext(r.Context())
	upgrader := h.getUpgrader()
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Error().Err(err).Msg("WebSocket upgrade error")
		return
	}

	client := ws.NewClient(h.hub, conn, h.service, user)
	h.hub.Register <- client
	client.Start()
}

func containsString(values []string, want string) bool {
	for _, v := range values {
		if v == want {
			return true
		}
	}
	return false
}
