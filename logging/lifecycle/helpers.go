package lifecycle

import (
	"context"

	"cardroom/server/logging"
)

const (
	// EventLoadLevelChanged is emitted on every degradation transition.
	EventLoadLevelChanged logging.EventType = "lifecycle.load_level_changed"
	// EventBreakerStateChanged is emitted on circuit breaker transitions.
	EventBreakerStateChanged logging.EventType = "lifecycle.breaker_state_changed"
	// EventTournamentStatus is emitted when a tournament changes status.
	EventTournamentStatus logging.EventType = "lifecycle.tournament_status"
)

// TransitionPayload records a state machine edge.
type TransitionPayload struct {
	From string `json:"from"`
	To   string `json:"to"`
}

func LoadLevelChanged(ctx context.Context, pub logging.Publisher, payload TransitionPayload) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     EventLoadLevelChanged,
		Actor:    logging.EntityRef{Kind: logging.EntityKindSystem},
		Severity: logging.SeverityWarn,
		Category: logging.CategoryLifecycle,
		Payload:  payload,
	})
}

func BreakerStateChanged(ctx context.Context, pub logging.Publisher, name string, payload TransitionPayload) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     EventBreakerStateChanged,
		Actor:    logging.EntityRef{ID: name, Kind: logging.EntityKindSystem},
		Severity: logging.SeverityWarn,
		Category: logging.CategoryLifecycle,
		Payload:  payload,
	})
}

func TournamentStatus(ctx context.Context, pub logging.Publisher, tournament logging.EntityRef, payload TransitionPayload) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     EventTournamentStatus,
		Actor:    tournament,
		Severity: logging.SeverityInfo,
		Category: logging.CategoryLifecycle,
		Payload:  payload,
	})
}
