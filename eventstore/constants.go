// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package eventstore

// EventType identifies a funnel event. The set is closed.
type EventType string

// Funnel event types
const (
	EventSessionStart     EventType = "session_start"
	EventStepChange       EventType = "step_change"
	EventFieldChange      EventType = "field_change"
	EventValidationResult EventType = "validation_result"
	EventButtonClick      EventType = "button_click"
	EventPageLeave        EventType = "page_leave"
	EventFormSubmit       EventType = "form_submit"
)

// AllEventTypes lists every valid event type in declaration order
var AllEventTypes = []EventType{
	EventSessionStart,
	EventStepChange,
	EventFieldChange,
	EventValidationResult,
	EventButtonClick,
	EventPageLeave,
	EventFormSubmit,
}

// Valid reports whether t belongs to the closed set of event types
func (t EventType) Valid() bool {
	switch t {
	case EventSessionStart, EventStepChange, EventFieldChange, EventValidationResult,
		EventButtonClick, EventPageLeave, EventFormSubmit:
		return true
	}
	return false
}

// Error codes returned in ErrorResponse.Error
const (
	CodeMethodNotAllowed = "method_not_allowed"
	CodeInvalidRequest   = "invalid_request"
	CodeAuthFailed       = "authentication_failed"
	CodeRateLimited      = "rate_limited"
	CodeAppendFailed     = "append_failed"
)

// Error classes used when logging write failures
const (
	ClassConfig    = "config"
	ClassTransient = "transient"
)

// MaxBatchSize caps the number of events accepted in one bulk append
const MaxBatchSize = 500
