// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package eventstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// REST/JSON models shared by the tracker client and the ingest server

// EventRecord is one append-only row of the remote event store
type EventRecord struct {
	EventID   string          `json:"event_id"`             // Per-event idempotency key (UUID)
	SessionID string          `json:"session_id"`           // Visitor session
	FormType  string          `json:"form_type"`            // Funnel the event belongs to (e.g. "signup")
	EventType EventType       `json:"event_type"`           // One of AllEventTypes
	EventData json.RawMessage `json:"event_data,omitempty"` // Opaque JSON payload
	Timestamp time.Time       `json:"timestamp"`            // Client time the event was recorded
}

// Validate checks the fields the store requires
func (r *EventRecord) Validate() error {
	if r.SessionID == "" {
		return errors.New("session_id cannot be empty")
	}
	if !r.EventType.Valid() {
		return fmt.Errorf("invalid event type: %q", r.EventType)
	}
	if r.Timestamp.IsZero() {
		return errors.New("timestamp cannot be zero")
	}
	if len(r.EventData) > 0 && !json.Valid(r.EventData) {
		return errors.New("event_data is not valid JSON")
	}
	if r.EventID != "" {
		if _, err := uuid.Parse(r.EventID); err != nil {
			return fmt.Errorf("event_id must be a UUID: %w", err)
		}
	}
	return nil
}

// normalizeRecord validates rec and fills the defaults the store columns need
func normalizeRecord(rec EventRecord) (EventRecord, error) {
	if err := rec.Validate(); err != nil {
		return rec, errors.Join(ErrRejected, err)
	}
	if rec.EventID == "" {
		rec.EventID = uuid.NewString()
	}
	if len(rec.EventData) == 0 {
		rec.EventData = json.RawMessage(`{}`)
	}
	rec.Timestamp = rec.Timestamp.UTC()
	return rec, nil
}

// BatchRequest is the body of POST /events
type BatchRequest struct {
	Events []EventRecord `json:"events"`
}

// BatchResponse is returned by POST /events
type BatchResponse struct {
	Accepted int `json:"accepted"`
}

// ForwardRequest is the body accepted by the forwarding endpoint (POST /api/track).
// Field names follow the browser-side payload.
type ForwardRequest struct {
	SessionID string          `json:"sessionId"`
	EventType EventType       `json:"eventType"`
	EventData json.RawMessage `json:"eventData,omitempty"`
	FormType  string          `json:"formType"`
	Timestamp time.Time       `json:"timestamp"`
	EventID   string          `json:"eventId,omitempty"`
}

// Record converts the forwarded payload into a store row
func (f *ForwardRequest) Record() EventRecord {
	return EventRecord{
		EventID:   f.EventID,
		SessionID: f.SessionID,
		FormType:  f.FormType,
		EventType: f.EventType,
		EventData: f.EventData,
		Timestamp: f.Timestamp,
	}
}

// ForwardResponse is returned by the forwarding endpoint
type ForwardResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}
