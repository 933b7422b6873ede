// Palaver - Self-hosted Chat Service with Optimistic Message Delivery
// Copyright 2026 The Palaver Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/palaver-chat/palaver

// Package metrics provides Prometheus metrics for the chat pipeline.
//
// Metrics Categories:
//   - Message Delivery: send counts by outcome, send latency
//   - Message Cache: hit/miss rates, truncations
//   - Subscriptions: snapshots delivered, active subscriptions
//   - WebSocket: connected clients
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Message Delivery Metrics

	// MessageSendsTotal counts message sends by final outcome
	// (sent, failed) and whether the send was a retry.
	MessageSendsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "palaver_message_sends_total",
			Help: "Total number of message sends by outcome",
		},
		[]string{"outcome", "retry"},
	)

	// MessageSendDuration tracks remote write latency per send.
	MessageSendDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "palaver_message_send_duration_seconds",
			Help:    "Duration of remote message writes in seconds",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
	)

	// Message Cache Metrics

	// CacheLoadsTotal counts cache loads by result (hit, miss, error).
	CacheLoadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "palaver_cache_loads_total",
			Help: "Total number of message cache loads by result",
		},
		[]string{"result"},
	)

	// CacheTruncationsTotal counts saves that dropped messages beyond
	// the per-chat retention limit.
	CacheTruncationsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "palaver_cache_truncations_total",
			Help: "Total number of cache saves truncated to the retention limit",
		},
	)

	// Subscription Metrics

	// SnapshotsDeliveredTotal counts snapshots delivered to subscribers
	// by collection (messages, chats).
	SnapshotsDeliveredTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "palaver_snapshots_delivered_total",
			Help: "Total number of snapshots delivered to subscribers",
		},
		[]string{"collection"},
	)

	// ActiveSubscriptions tracks currently open subscriptions by
	// collection.
	ActiveSubscriptions = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "palaver_active_subscriptions",
			Help: "Number of currently open subscriptions",
		},
		[]string{"collection"},
	)

	// WebSocket Metrics

	// WebSocketClients tracks currently connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "palaver_websocket_clients",
			Help: "Number of currently connected WebSocket clients",
		},
	)
)

// RecordSend records a completed send with its outcome and latency.
func RecordSend(outcome string, retry bool, duration time.Duration) {
	retryLabel := "false"
	if retry {
		retryLabel = "true"
	}
	MessageSendsTotal.WithLabelValues(outcome, retryLabel).Inc()
	MessageSendDuration.Observe(duration.Seconds())
}

// RecordCacheLoad records a cache load result: "hit", "miss" or "error".
func RecordCacheLoad(result string) {
	CacheLoadsTotal.WithLabelValues(result).Inc()
}
