// Copyright 2025 SAP SE
// SPDX-License-Identifier: Apache-2.0

package manager

import (
	"encoding/json"
	"log/slog"
	"maps"

	"github.com/cobaltcore-dev/reservoir/internal/mqtt"
)

// Notifier publishes lease lifecycle notifications. The event names are
// given without the "lease." prefix, e.g. "create" or "event.start_lease".
type Notifier interface {
	NotifyLease(lease *Lease, events ...string)
}

// Notifier publishing over the shared mqtt client.
type mqttNotifier struct {
	client mqtt.Client
}

func NewMQTTNotifier(client mqtt.Client) Notifier {
	return &mqttNotifier{client: client}
}

func (n *mqttNotifier) NotifyLease(lease *Lease, events ...string) {
	// Flatten the lease into a map so the event type can be injected
	// next to the lease fields.
	data, err := json.Marshal(lease)
	if err != nil {
		slog.Error("notifications: failed to marshal lease", "lease", lease.ID, "error", err)
		return
	}
	var payload map[string]any
	if err := json.Unmarshal(data, &payload); err != nil {
		slog.Error("notifications: failed to unmarshal lease", "lease", lease.ID, "error", err)
		return
	}
	// The client may hold on to the payload, so each event gets its own copy.
	for _, event := range events {
		eventType := "lease." + event
		message := maps.Clone(payload)
		message["event_type"] = eventType
		n.client.Publish("reservoir/notifications/"+eventType, message)
	}
}
