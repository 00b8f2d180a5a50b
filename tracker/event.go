// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package tracker

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mobiletoly/go-funneltrack/eventstore"
)

// Event is one tracked funnel event. Values are never modified after NewEvent.
type Event struct {
	ID        string               `json:"id"`
	Type      eventstore.EventType `json:"type"`
	Data      json.RawMessage      `json:"data,omitempty"`
	Timestamp time.Time            `json:"timestamp"`
}

// NewEvent builds an event with a fresh idempotency key. data may be nil, a
// json.RawMessage, or any JSON-marshalable value (typically one of the
// payload structs below).
func NewEvent(eventType eventstore.EventType, data any, now time.Time) (Event, error) {
	raw, err := marshalData(data)
	if err != nil {
		return Event{}, fmt.Errorf("failed to marshal %s payload: %w", eventType, err)
	}
	return Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		Data:      raw,
		Timestamp: now.UTC(),
	}, nil
}

func marshalData(data any) (json.RawMessage, error) {
	switch v := data.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		if !json.Valid(v) {
			return nil, fmt.Errorf("invalid raw JSON")
		}
		return append(json.RawMessage(nil), v...), nil
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		return b, nil
	}
}

// Record converts the event into a store row
func (e Event) Record(sessionID, formType string) eventstore.EventRecord {
	return eventstore.EventRecord{
		EventID:   e.ID,
		SessionID: sessionID,
		FormType:  formType,
		EventType: e.Type,
		EventData: e.Data,
		Timestamp: e.Timestamp,
	}
}

// Payloads for each event type. Callers may pass any other JSON-marshalable
// value; these exist so the common shapes stay consistent across forms.

// SessionStart is the payload of session_start
type SessionStart struct {
	Referrer  string `json:"referrer,omitempty"`
	UserAgent string `json:"userAgent,omitempty"`
	Landing   string `json:"landing,omitempty"`
}

// StepChange is the payload of step_change
type StepChange struct {
	From      int    `json:"fromStep"`
	To        int    `json:"toStep"`
	Direction string `json:"direction,omitempty"` // "forward" or "back"
}

// FieldChange is the payload of field_change. The value itself is never sent.
type FieldChange struct {
	Field    string `json:"field"`
	Step     int    `json:"step"`
	HasValue bool   `json:"hasValue"`
	Length   int    `json:"length,omitempty"`
}

// ValidationResult is the payload of validation_result
type ValidationResult struct {
	Field   string `json:"field"`
	Valid   bool   `json:"valid"`
	Message string `json:"message,omitempty"`
}

// ButtonClick is the payload of button_click
type ButtonClick struct {
	Button string `json:"button"`
	Step   int    `json:"step"`
}

// LeaveReason tells a tab close apart from in-app navigation
type LeaveReason string

const (
	LeaveClose    LeaveReason = "close"
	LeaveNavigate LeaveReason = "navigate"
)

// PageLeave is the payload of page_leave
type PageLeave struct {
	Reason     LeaveReason `json:"reason"`
	Step       int         `json:"step"`
	TimeOnPage int64       `json:"timeOnPageMs,omitempty"`
	Completed  bool        `json:"completed"`
}

// FormSubmit is the payload of form_submit
type FormSubmit struct {
	Success bool   `json:"success"`
	Step    int    `json:"step"`
	Error   string `json:"error,omitempty"`
}
