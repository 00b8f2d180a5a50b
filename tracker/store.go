// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package tracker

import (
	"context"
	"errors"
)

var (
	// ErrStorageUnavailable means the local store cannot be used at all
	ErrStorageUnavailable = errors.New("tracker: local storage unavailable")

	// ErrQuotaExceeded means the local store refused a write because it is full
	ErrQuotaExceeded = errors.New("tracker: local storage quota exceeded")
)

// Store is the local key-value store the pipeline persists to. It plays the
// role browser local storage plays for a web page: small, synchronous-ish,
// size-capped and shared by everything running under the same profile.
type Store interface {
	// Get returns the value for key; ok is false when the key is absent
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)

	// Set replaces the value for key
	Set(ctx context.Context, key string, value []byte) error

	// Delete removes key; deleting an absent key is not an error
	Delete(ctx context.Context, key string) error
}

// DefaultKeyPrefix namespaces every key the pipeline writes
const DefaultKeyPrefix = "funnel_"

// keySpace builds the fixed storage keys under one prefix
type keySpace struct {
	prefix string
}

func (k keySpace) session() string { return k.prefix + "session_id" }
func (k keySpace) events(sessionID string) string { return k.prefix + "events_" + sessionID }
func (k keySpace) progress(sessionID string) string { return k.prefix + "progress_" + sessionID }
