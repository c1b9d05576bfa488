package client

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"

	natsclient "github.com/pesio-ai/be-plt-approvals/internal/nats"
	"github.com/pesio-ai/be-plt-approvals/internal/repository"
)

// NotificationPublisher publishes instance step-transition events to NATS
// JetStream for out-of-process delivery (notification service, webhooks).
//
// Subject convention: approvals.instance.<event_type>
// Event types: submitted, advanced, approved, rejected, changes_requested,
//              cancelled, stalled
//
// All publish operations are non-fatal — errors are logged but never
// propagated, so notification failures never interrupt approval
// operations.
type NotificationPublisher struct {
	nats *natsclient.Client
	log  zerolog.Logger
}

// InstanceEvent is the JSON schema published to NATS.
type InstanceEvent struct {
	EventType  string         `json:"event_type"`
	InstanceID string         `json:"instance_id"`
	TargetKind string         `json:"target_kind"`
	TargetID   string         `json:"target_id"`
	Status     string         `json:"status"`
	ActorID    string         `json:"actor_id"`
	Recipients []string       `json:"recipients"`
	Payload    map[string]any `json:"payload,omitempty"`
}

// NewNotificationPublisher creates a publisher backed by the given NATS
// client. A nil client disables publishing entirely.
func NewNotificationPublisher(nats *natsclient.Client, log zerolog.Logger) *NotificationPublisher {
	return &NotificationPublisher{nats: nats, log: log}
}

// PublishInstanceEvent publishes one step-transition event.
// Subject: approvals.instance.<eventType>
func (p *NotificationPublisher) PublishInstanceEvent(ctx context.Context, eventType string, inst *repository.Instance, actorID string, recipients []string, payload map[string]any) {
	if p.nats == nil {
		return
	}

	event := &InstanceEvent{
		EventType:  eventType,
		InstanceID: inst.ID,
		TargetKind: inst.TargetKind,
		TargetID:   inst.TargetID,
		Status:     inst.Status,
		ActorID:    actorID,
		Recipients: recipients,
		Payload:    payload,
	}

	data, err := json.Marshal(event)
	if err != nil {
		p.log.Warn().Err(err).Str("event_type", eventType).Msg("notification: failed to marshal event")
		return
	}

	subject := fmt.Sprintf("approvals.instance.%s", eventType)
	if err := p.nats.Publish(ctx, subject, data); err != nil {
		p.log.Warn().Err(err).
			Str("subject", subject).
			Str("instance_id", inst.ID).
			Msg("notification: failed to publish NATS event (non-fatal)")
		return
	}

	p.log.Debug().
		Str("subject", subject).
		Str("instance_id", inst.ID).
		Int("recipients", len(recipients)).
		Msg("notification: event published")
}
