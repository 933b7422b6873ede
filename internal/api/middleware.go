// Palaver - Self-hosted Chat Service with Optimistic Message Delivery
// Copyright 2026 The Palaver Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/palaver-chat/palaver

package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"

	"github.com/palaver-chat/palaver/internal/auth"
	"github.com/palaver-chat/palaver/internal/logging"
	"github.com/palaver-chat/palaver/internal/models"
)

// MiddlewareConfig holds configuration for the middleware factories.
type MiddlewareConfig struct {
	// CORSAllowedOrigins lists origins allowed to call the API.
	CORSAllowedOrigins []string

	// Rate limiting configuration
	RateLimitRequests int
	RateLimitWindow   time.Duration
	RateLimitDisabled bool
}

// Middleware provides Chi-compatible middleware built on the
// production-hardened Chi ecosystem packages.
type Middleware struct {
	config MiddlewareConfig
	cors   func(http.Handler) http.Handler
}

// NewMiddleware creates the middleware factory.
func NewMiddleware(config MiddlewareConfig) *Middleware {
	corsHandler := cors.Handler(cors.Options{
		AllowedOrigins:   config.CORSAllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: false,
		MaxAge:           86400,
	})

	return &Middleware{
		config: config,
		cors:   corsHandler,
	}
}

// CORS returns the CORS middleware. Must be global so OPTIONS preflight
// requests are handled before routing.
func (m *Middleware) CORS() func(http.Handler) http.Handler {
	return m.cors
}

// RateLimitConfig defines rate limit parameters for an endpoint group.
type RateLimitConfig struct {
	Requests int
	Window   time.Duration
}

// Endpoint-specific rate limits, tuned per endpoint characteristics.
var (
	// RateLimitAuth is strict limiting for authentication endpoints
	// (brute force prevention).
	RateLimitAuth = RateLimitConfig{Requests: 10, Window: time.Minute}

	// RateLimitSignIn is very strict for sign-in attempts.
	RateLimitSignIn = RateLimitConfig{Requests: 5, Window: 5 * time.Minute}

	// RateLimitHealth allows frequent monitoring checks.
	RateLimitHealth = RateLimitConfig{Requests: 1000, Window: time.Minute}
)

// RateLimit returns the default IP-based rate limiter.
func (m *Middleware) RateLimit() func(http.Handler) http.Handler {
	return m.RateLimitCustom(RateLimitConfig{
		Requests: m.config.RateLimitRequests,
		Window:   m.config.RateLimitWindow,
	})
}

// RateLimitCustom returns an IP-based rate limiter with the given
// parameters.
func (m *Middleware) RateLimitCustom(config RateLimitConfig) func(http.Handler) http.Handler {
	if m.config.RateLimitDisabled {
		return func(next http.Handler) http.Handler {
			return next
		}
	}

	return httprate.LimitByRealIP(config.Requests, config.Window)
}

// RateLimitAuth returns a strict rate limiter for auth endpoints.
func (m *Middleware) RateLimitAuth() func(http.Handler) http.Handler {
	return m.RateLimitCustom(RateLimitAuth)
}

// RateLimitSignIn returns a very strict rate limiter for sign-in.
func (m *Middleware) RateLimitSignIn() func(http.Handler) http.Handler {
	return m.RateLimitCustom(RateLimitSignIn)
}

// RateLimitHealth returns a permissive rate limiter for health checks.
func (m *Middleware) RateLimitHealth() func(http.Handler) http.Handler {
	return m.RateLimitCustom(RateLimitHealth)
}

// RequestIDWithLogging adds a request ID to the context and integrates
// it with the logging package, so response envelopes and log lines for
// the same request carry the same ID.
func RequestIDWithLogging() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		chiRequestID := chimiddleware.RequestID(next)

		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestID := r.Header.Get("X-Request-ID")
			if requestID == "" {
				requestID = logging.GenerateRequestID()
				r.Header.Set("X-Request-ID", requestID)
			}

			ctx := logging.ContextWithRequestID(r.Context(), requestID)
			chiRequestID.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

type contextKey string

const userContextKey contextKey = "palaver.user"

// UserFromContext returns the authenticated user placed in the context
// by Authenticate, or nil.
func UserFromContext(ctx context.Context) *models.User {
	user, _ := ctx.Value(userContextKey).(*models.User)
	return user
}

// ContextWithUser returns a context carrying the authenticated user.
func ContextWithUser(ctx context.Context, user *models.User) context.Context {
	return context.WithValue(ctx, userContextKey, user)
}

// Authenticate resolves the request's bearer token to a user and
// rejects the request when the token is missing or invalid.
func Authenticate(manager *auth.Manager) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := bearerToken(r)
			if token == "" {
				NewResponseWriter(w, r).Unauthorized("Authentication required")
				return
			}

			user, err := manager.CurrentUser(token)
			if err != nil {
				logging.Debug().
					Err(err).
					Str("path", r.URL.Path).
					Msg("Rejected request token")
				NewResponseWriter(w, r).Unauthorized("Invalid or expired token")
				return
			}

			next.ServeHTTP(w, r.WithContext(ContextWithUser(r.Context(), user)))
		})
	}
}

// bearerToken extracts the token from the Authorization header, falling
// back to the token query parameter. The fallback exists for WebSocket
// upgrades, where browsers cannot set custom headers.
func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	return r.URL.Query().Get("token")
}
