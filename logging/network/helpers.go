package network

import (
	"context"

	"cardroom/server/logging"
)

const (
	// EventConnectionAccepted is emitted when the registry admits a link.
	EventConnectionAccepted logging.EventType = "network.connection_accepted"
	// EventConnectionRejected is emitted when admission refuses a link.
	EventConnectionRejected logging.EventType = "network.connection_rejected"
	// EventConnectionEvicted is emitted when the liveness sweep removes a link.
	EventConnectionEvicted logging.EventType = "network.connection_evicted"
	// EventDeliveryDropped is emitted when an outbound message is discarded.
	EventDeliveryDropped logging.EventType = "network.delivery_dropped"
)

// AdmissionPayload captures why a connection was admitted or refused.
type AdmissionPayload struct {
	RemoteAddr string `json:"remoteAddr"`
	Reason     string `json:"reason,omitempty"`
	Active     int    `json:"active"`
}

// DropPayload captures a discarded delivery.
type DropPayload struct {
	Class  string `json:"class"`
	Reason string `json:"reason"`
}

// ConnectionAccepted publishes an admission event.
func ConnectionAccepted(ctx context.Context, pub logging.Publisher, actor logging.EntityRef, payload AdmissionPayload) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     EventConnectionAccepted,
		Actor:    actor,
		Severity: logging.SeverityInfo,
		Category: logging.CategoryNetwork,
		Payload:  payload,
	})
}

// ConnectionRejected publishes an admission refusal.
func ConnectionRejected(ctx context.Context, pub logging.Publisher, actor logging.EntityRef, payload AdmissionPayload) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     EventConnectionRejected,
		Actor:    actor,
		Severity: logging.SeverityWarn,
		Category: logging.CategoryNetwork,
		Payload:  payload,
	})
}

// ConnectionEvicted publishes a liveness eviction.
func ConnectionEvicted(ctx context.Context, pub logging.Publisher, actor logging.EntityRef, payload AdmissionPayload) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     EventConnectionEvicted,
		Actor:    actor,
		Severity: logging.SeverityInfo,
		Category: logging.CategoryNetwork,
		Payload:  payload,
	})
}

// DeliveryDropped publishes a discarded outbound message.
func DeliveryDropped(ctx context.Context, pub logging.Publisher, actor logging.EntityRef, payload DropPayload) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     EventDeliveryDropped,
		Actor:    actor,
		Severity: logging.SeverityDebug,
		Category: logging.CategoryNetwork,
		Payload:  payload,
	})
}
