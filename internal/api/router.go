// Palaver - Self-hosted Chat Service with Optimistic Message Delivery
// Copyright 2026 The Palaver Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/palaver-chat/palaver

package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/palaver-chat/palaver/internal/auth"
	"github.com/palaver-chat/palaver/internal/chat"
	"github.com/palaver-chat/palaver/internal/config"
	ws "github.com/palaver-chat/palaver/internal/websocket"
)

// Router wires handlers and middleware into the HTTP route tree.
type Router struct {
	handler    *Handler
	middleware *Middleware
	auth       *auth.Manager
}

// NewRouter creates the router with its full dependency set.
func NewRouter(cfg *config.Config, authManager *auth.Manager, service *chat.Service, hub *ws.Hub) *Router {
	return &Router{
		handler: NewHandler(cfg, authManager, service, hub),
		middleware: NewMiddleware(MiddlewareConfig{
			CORSAllowedOrigins: cfg.Security.CORSOrigins,
			RateLimitRequests:  cfg.Security.RateLimitReqs,
			RateLimitWindow:    cfg.Security.RateLimitWindow,
			RateLimitDisabled:  cfg.Security.RateLimitDisabled,
		}),
		auth: authManager,
	}
}

// Setup builds the route tree.
func (router *Router) Setup() http.Handler {
	r := chi.NewRouter()

	// Global middleware. CORS must run before routing so OPTIONS
	// preflight requests are answered.
	r.Use(RequestIDWithLogging())
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(router.middleware.CORS())

	authenticate := Authenticate(router.auth)

	r.Route("/api/v1/health", func(r chi.Router) {
		r.Use(router.middleware.RateLimitHealth())
		r.Get("/", router.handler.Health)
		r.Get("/live", router.handler.HealthLive)
		r.Get("/ready", router.handler.HealthReady)
	})

	r.Route("/api/v1/auth", func(r chi.Router) {
		r.Use(router.middleware.RateLimitAuth())

		r.Post("/signup", router.handler.SignUp)
		r.With(router.middleware.RateLimitSignIn()).Post("/signin", router.handler.SignIn)

		r.Group(func(r chi.Router) {
			r.Use(authenticate)
			r.Post("/signout", router.handler.SignOut)
			r.Get("/me", router.handler.Me)
		})
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(router.middleware.RateLimit())
		r.Use(authenticate)

		r.Get("/users", router.handler.Users)

		r.Get("/chats", router.handler.Chats)
		r.Post("/chats", router.handler.CreateChat)
		r.Route("/chats/{chatID}", func(r chi.Router) {
			r.Delete("/", router.handler.DeleteChat)
			r.Get("/messages", router.handler.Messages)
			r.Post("/messages", router.handler.SendMessage)
			r.Post("/messages/{tempID}/retry", router.handler.RetryMessage)
		})

		r.Get("/ws", router.handler.WebSocket)
	})

	r.Handle("/metrics", promhttp.Handler())

	return r
}
