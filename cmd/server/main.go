// Palaver - Self-hosted Chat Service with Optimistic Message Delivery
// Copyright 2026 The Palaver Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/palaver-chat/palaver

// Palaver server: chat API, WebSocket fanout, and the document store
// responder, run under a suture supervision tree.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/palaver-chat/palaver/internal/api"
	"github.com/palaver-chat/palaver/internal/auth"
	"github.com/palaver-chat/palaver/internal/broker"
	"github.com/palaver-chat/palaver/internal/cache"
	"github.com/palaver-chat/palaver/internal/chat"
	"github.com/palaver-chat/palaver/internal/config"
	"github.com/palaver-chat/palaver/internal/docstore"
	"github.com/palaver-chat/palaver/internal/kv"
	"github.com/palaver-chat/palaver/internal/logging"
	"github.com/palaver-chat/palaver/internal/models"
	"github.com/palaver-chat/palaver/internal/supervisor"
	"github.com/palaver-chat/palaver/internal/supervisor/services"
	ws "github.com/palaver-chat/palaver/internal/websocket"
)

func main() {
	cfg, err := config.LoadWithKoanf()
	if err != nil {
		// Default logger; configured logging is not available yet.
		logging.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})

	logging.Info().
		Str("environment", cfg.Server.Environment).
		Bool("nats", cfg.NATS.Enabled).
		Bool("in_memory", cfg.Storage.InMemory).
		Msg("Starting Palaver")

	store, err := kv.OpenBadger(cfg.Storage.Path, cfg.Storage.InMemory)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to open storage")
	}
	defer func() {
		if err := store.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing storage")
		}
	}()

	migrateLegacyStore(cfg, store)

	jwtManager, err := auth.NewJWTManager(&cfg.Security)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to initialize JWT manager")
	}
	authManager := auth.NewManager(store, jwtManager)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tree := supervisor.NewTree(logging.NewSlogLogger(), supervisor.DefaultTreeConfig())

	docStore, natsConn := setupDocstore(cfg, store, tree)
	defer func() {
		if err := docStore.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing document store")
		}
		if natsConn != nil {
			natsConn.Close()
		}
	}()

	messageCache := cache.NewMessageCache(store, cfg.Cache.MessageLimit)
	service := chat.NewService(docStore, messageCache, &cfg.Security)

	// Cached history does not outlive the session.
	authManager.OnSessionChange(func(user *models.User) {
		if user == nil {
			service.ClearLocalState()
		}
	})

	hub := ws.NewHub()
	tree.AddMessagingService(services.NewWebSocketHubService(hub))

	router := api.NewRouter(cfg, authManager, service, hub)
	server := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:           router.Setup(),
		ReadHeaderTimeout: cfg.Server.Timeout,
	}
	tree.AddAPIService(services.NewHTTPServerService(server, 10*time.Second))
	logging.Info().Str("addr", server.Addr).Msg("HTTP server service added")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logging.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
		cancel()
	}()

	logging.Info().Msg("Starting supervisor tree")
	errCh := tree.ServeBackground(ctx)

	select {
	case <-ctx.Done():
		logging.Info().Msg("Context canceled, waiting for supervisor to finish")
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			logging.Error().Err(err).Msg("Supervisor tree error")
		}
	}

	for err := range errCh {
		if err != nil && !errors.Is(err, context.Canceled) {
			logging.Error().Err(err).Msg("Supervisor shutdown error")
		}
	}

	unstopped, _ := tree.UnstoppedServiceReport()
	for _, svc := range unstopped {
		logging.Warn().Str("service", svc.Name).Msg("Service failed to stop within timeout")
	}

	logging.Info().Msg("Palaver stopped gracefully")
}

// migrateLegacyStore copies data from the flat-file store of older
// releases into BadgerDB. Re-runnable; a failed migration is fatal so
// the two stores never diverge silently.
func migrateLegacyStore(cfg *config.Config, dst kv.Store) {
	if cfg.Storage.LegacyPath == "" {
		return
	}
	if _, err := os.Stat(cfg.Storage.LegacyPath); err != nil {
		return
	}

	legacy, err := kv.OpenFileStore(cfg.Storage.LegacyPath)
	if err != nil {
		logging.Fatal().Err(err).Str("path", cfg.Storage.LegacyPath).Msg("Failed to open legacy store")
	}
	defer func() {
		if err := legacy.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing legacy store")
		}
	}()

	migrated, err := kv.Migrate(legacy, dst)
	if err != nil {
		logging.Fatal().Err(err).Msg("Legacy store migration failed")
	}
	if migrated > 0 {
		logging.Info().Int("keys", migrated).Msg("Legacy store migrated")
	}
}

// setupDocstore builds the document store backend. With NATS enabled it
// starts (or connects to) the broker, adds the responder to the tree,
// and returns the wire-protocol client; otherwise everything stays
// in-process.
func setupDocstore(cfg *config.Config, store kv.Store, tree *supervisor.Tree) (docstore.Store, *nats.Conn) {
	if !cfg.NATS.Enabled {
		logging.Info().Msg("NATS disabled, using in-process document store")
		return docstore.NewMemoryStoreOver(store), nil
	}

	url := cfg.NATS.URL
	if cfg.NATS.EmbeddedServer {
		embedded, err := broker.NewEmbeddedServer(&broker.Config{
			Host:     "127.0.0.1",
			Port:     -1,
			StoreDir: cfg.NATS.StoreDir,
		})
		if err != nil {
			logging.Fatal().Err(err).Msg("Failed to start embedded NATS server")
		}
		url = embedded.ClientURL()
		tree.AddBrokerService(services.NewBrokerService(embedded, 10*time.Second))
		logging.Info().Str("url", url).Msg("Embedded NATS server started")
	}

	conn, err := nats.Connect(url,
		nats.Name("palaver"),
		nats.Timeout(cfg.NATS.ConnectTimeout),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		logging.Fatal().Err(err).Str("url", url).Msg("Failed to connect to NATS")
	}

	responder := docstore.NewResponder(conn, store)
	tree.AddMessagingService(services.NewResponderService(responder))

	return docstore.NewNATSStore(conn, &docstore.NATSStoreConfig{
		RequestTimeout: cfg.NATS.RequestTimeout,
	}), conn
}
