// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package tracker

import (
	"context"
	"encoding/json"

	"github.com/mobiletoly/go-funneltrack/eventstore"
)

// UnloadStrategy is one way of getting an event out while the caller is
// going away. Deliver reports whether the event was handed off.
type UnloadStrategy interface {
	Name() string
	Deliver(ctx context.Context, rec eventstore.EventRecord) bool
}

// beaconStrategy posts the event to the forwarding endpoint through a Beacon
type beaconStrategy struct {
	beacon     Beacon
	forwardURL string
}

func (s beaconStrategy) Name() string { return "beacon" }

func (s beaconStrategy) Deliver(_ context.Context, rec eventstore.EventRecord) bool {
	if s.beacon == nil || s.forwardURL == "" {
		return false
	}
	body, err := json.Marshal(eventstore.ForwardRequest{
		SessionID: rec.SessionID,
		EventType: rec.EventType,
		EventData: rec.EventData,
		FormType:  rec.FormType,
		Timestamp: rec.Timestamp,
		EventID:   rec.EventID,
	})
	if err != nil {
		return false
	}
	return s.beacon.Send(s.forwardURL, body)
}

// immediateStrategy issues an ordinary fire-and-forget write to the sink
type immediateStrategy struct {
	d *dispatcher
}

func (s immediateStrategy) Name() string { return "immediate" }

func (s immediateStrategy) Deliver(ctx context.Context, rec eventstore.EventRecord) bool {
	return s.d.sendNow(ctx, rec)
}

// deliverUnload runs the strategies in order until one hands the event off
func (t *Tracker) deliverUnload(ctx context.Context, rec eventstore.EventRecord) {
	for _, s := range t.unload {
		if s.Deliver(ctx, rec) {
			t.logger.Debug("Unload event handed off",
				"strategy", s.Name(), "session_id", rec.SessionID, "event_id", rec.EventID)
			return
		}
		t.logger.Warn("Unload strategy could not schedule event",
			"strategy", s.Name(), "session_id", rec.SessionID, "event_id", rec.EventID)
	}
	t.logger.Error("Unload event not delivered", "session_id", rec.SessionID, "event_id", rec.EventID)
}
