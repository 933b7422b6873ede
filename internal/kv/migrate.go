// Palaver - Self-hosted Chat Service with Optimistic Message Delivery
// Copyright 2026 The Palaver Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/palaver-chat/palaver

package kv

import (
	"fmt"

	"github.com/palaver-chat/palaver/internal/logging"
)

// Migrate copies every key from src into dst, then deletes the copied
// keys from src. It is run once at startup when a legacy store is
// detected; existing values in dst are not overwritten so a migration
// interrupted mid-way can be re-run safely.
//
// Returns the number of keys copied.
func Migrate(src, dst Store) (int, error) {
	keys, err := src.Keys("")
	if err != nil {
		return 0, fmt.Errorf("list source keys: %w", err)
	}
	if len(keys) == 0 {
		return 0, nil
	}

	copied := 0
	for _, key := range keys {
		if _, err := dst.Get(key); err == nil {
			// Already migrated on a previous run.
			continue
		}

		value, err := src.Get(key)
		if err != nil {
			return copied, fmt.Errorf("read %q from source: %w", key, err)
		}
		if err := dst.Set(key, value); err != nil {
			return copied, fmt.Errorf("write %q to destination: %w", key, err)
		}
		copied++
	}

	// Only clear the source once every key landed in the destination.
	for _, key := range keys {
		if err := src.Delete(key); err != nil {
			return copied, fmt.Errorf("delete %q from source: %w", key, err)
		}
	}

	logging.Info().
		Int("keys", len(keys)).
		Int("copied", copied).
		Msg("Legacy key-value store migrated")
	return copied, nil
}
