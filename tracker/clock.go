// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package tracker

import "time"

// Clock supplies time and timers to the pipeline so tests can drive the
// debounce deterministically.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is a cancellable scheduled callback
type Timer interface {
	// Stop prevents the callback from running; false means it already ran or was stopped
	Stop() bool
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }
