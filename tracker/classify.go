// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package tracker

import "github.com/mobiletoly/go-funneltrack/eventstore"

// SyncMode is the delivery discipline of an event type
type SyncMode int

const (
	// SyncBatched events wait in the session queue for a flush
	SyncBatched SyncMode = iota
	// SyncImmediate events are written as soon as they are recorded
	SyncImmediate
)

func (m SyncMode) String() string {
	if m == SyncImmediate {
		return "immediate"
	}
	return "batched"
}

// syncModes is total over eventstore.AllEventTypes
var syncModes = map[eventstore.EventType]SyncMode{
	eventstore.EventSessionStart:     SyncImmediate,
	eventstore.EventStepChange:       SyncImmediate,
	eventstore.EventPageLeave:        SyncImmediate,
	eventstore.EventFormSubmit:       SyncImmediate,
	eventstore.EventFieldChange:      SyncBatched,
	eventstore.EventValidationResult: SyncBatched,
	eventstore.EventButtonClick:      SyncBatched,
}

// ClassifySync returns the delivery discipline of eventType
func ClassifySync(eventType eventstore.EventType) SyncMode {
	return syncModes[eventType]
}
