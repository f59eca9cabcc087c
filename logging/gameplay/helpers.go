package gameplay

import (
	"context"

	"cardroom/server/logging"
)

const (
	// EventActionAccepted is emitted when the rules engine accepts an action.
	EventActionAccepted logging.EventType = "gameplay.action_accepted"
	// EventActionRejected is emitted when the rules engine declines an action.
	EventActionRejected logging.EventType = "gameplay.action_rejected"
	// EventRoundStarted is emitted when a round-start request is granted.
	EventRoundStarted logging.EventType = "gameplay.round_started"
	// EventActionTimeout is emitted when the per-actor countdown folds a seat.
	EventActionTimeout logging.EventType = "gameplay.action_timeout"
)

// ActionPayload captures the accepted or rejected action.
type ActionPayload struct {
	Action string `json:"action"`
	Amount int64  `json:"amount,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// RoundPayload captures the round affected by a lifecycle event.
type RoundPayload struct {
	RoundID string `json:"roundId"`
	Phase   string `json:"phase"`
}

func ActionAccepted(ctx context.Context, pub logging.Publisher, actor logging.EntityRef, table logging.EntityRef, payload ActionPayload) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     EventActionAccepted,
		Actor:    actor,
		Targets:  []logging.EntityRef{table},
		Severity: logging.SeverityInfo,
		Category: logging.CategoryGameplay,
		Payload:  payload,
	})
}

func ActionRejected(ctx context.Context, pub logging.Publisher, actor logging.EntityRef, table logging.EntityRef, payload ActionPayload) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     EventActionRejected,
		Actor:    actor,
		Targets:  []logging.EntityRef{table},
		Severity: logging.SeverityDebug,
		Category: logging.CategoryGameplay,
		Payload:  payload,
	})
}

func RoundStarted(ctx context.Context, pub logging.Publisher, table logging.EntityRef, payload RoundPayload) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     EventRoundStarted,
		Actor:    table,
		Severity: logging.SeverityInfo,
		Category: logging.CategoryGameplay,
		Payload:  payload,
	})
}

func ActionTimeout(ctx context.Context, pub logging.Publisher, actor logging.EntityRef, table logging.EntityRef) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     EventActionTimeout,
		Actor:    actor,
		Targets:  []logging.EntityRef{table},
		Severity: logging.SeverityInfo,
		Category: logging.CategoryGameplay,
	})
}
