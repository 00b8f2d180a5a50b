// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package tracker

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// Identity produces the one opaque session id of a profile and persists it
type Identity struct {
	store  Store
	keys   keySpace
	logger *slog.Logger

	mu       sync.Mutex
	fallback string // unpersisted id handed out while the store is unavailable
}

// NewIdentity creates an identity manager over store
func NewIdentity(store Store, keyPrefix string, logger *slog.Logger) *Identity {
	if store == nil {
		store = unavailableStore{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Identity{store: store, keys: keySpace{prefix: keyPrefix}, logger: logger}
}

// SessionID returns the persisted session id, creating and persisting one on
// first use. It never fails: when the store cannot be used it returns an id
// that lives only as long as this Identity.
func (i *Identity) SessionID(ctx context.Context) string {
	i.mu.Lock()
	defer i.mu.Unlock()

	key := i.keys.session()
	value, ok, err := i.store.Get(ctx, key)
	if err != nil {
		return i.fallbackLocked(err)
	}
	if ok && len(value) > 0 {
		return string(value)
	}

	// A fallback id already handed out is promoted so callers keep seeing it
	sessionID := i.fallback
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	if err := i.store.Set(ctx, key, []byte(sessionID)); err != nil {
		return i.fallbackLocked(err)
	}
	i.fallback = ""
	i.logger.Debug("Created session", "session_id", sessionID)
	return sessionID
}

func (i *Identity) fallbackLocked(cause error) string {
	if i.fallback == "" {
		i.fallback = uuid.NewString()
		i.logger.Warn("Local storage unavailable, using unpersisted session id",
			"error", cause, "session_id", i.fallback)
	}
	return i.fallback
}

// Reset forgets the current session. The next SessionID call starts a new,
// unlinked session.
func (i *Identity) Reset(ctx context.Context) {
	i.mu.Lock()
	defer i.mu.Unlock()

	i.fallback = ""
	if err := i.store.Delete(ctx, i.keys.session()); err != nil {
		i.logger.Warn("Failed to delete persisted session id", "error", err)
	}
}
