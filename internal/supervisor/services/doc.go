// Palaver - Self-hosted Chat Service with Optimistic Message Delivery
// Copyright 2026 The Palaver Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/palaver-chat/palaver

// Package services adapts the server's long-running components to the
// suture.Service interface. Each wrapper translates a component's
// native lifecycle (ListenAndServe, Start/Close, RunWithContext) into
// suture's context-aware Serve pattern.
package services
