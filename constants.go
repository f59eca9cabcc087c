package server

import "time"

const (
	writeWait         = 10 * time.Second
	heartbeatInterval = 2 * time.Second
	disconnectAfter   = 3 * heartbeatInterval
	sweepInterval     = heartbeatInterval
	clockTickInterval = time.Second
	sampleInterval    = 5 * time.Second
	actionTimeout     = 30 * time.Second

	// MaxSeats bounds seat numbers accepted on the wire.
	MaxSeats = 9

	// MaxChatLength bounds chat text accepted on the wire.
	MaxChatLength = 280
)

// Reject reasons surfaced in error replies. Validation failures never reach
// the backend; the reason string is the only context the client gets.
const (
	RejectUnknownType    = "unknown_message_type"
	RejectMissingField   = "missing_required_field"
	RejectInvalidSeat    = "invalid_seat_number"
	RejectInvalidAmount  = "invalid_amount"
	RejectInvalidAction  = "invalid_action_type"
	RejectTextTooLong    = "text_too_long"
	RejectMalformed      = "malformed_message"
	RejectUnknownTable   = "unknown_table"
	RejectUnknownTourney = "unknown_tournament"
	RejectUnknownActor   = "unknown_player"
	RejectCapacity       = "server_at_capacity"
	RejectLoadShed       = "server_overloaded"
	RejectChatDisabled   = "chat_disabled"
	RejectFeatureGated   = "feature_disabled_under_load"
	RejectBackendDown    = "backend_unavailable"
	RejectInternal       = "internal_error"
	RejectBadTransition  = "invalid_status_transition"
	RejectNotRegistered  = "player_not_registered"
)

// WriteWait is the per-message write deadline applied to outbound deliveries.
func WriteWait() time.Duration { return writeWait }

// HeartbeatInterval is how often liveness probes go out.
func HeartbeatInterval() time.Duration { return heartbeatInterval }

// DisconnectAfter is how long a silent connection survives before eviction.
func DisconnectAfter() time.Duration { return disconnectAfter }

// SweepInterval is how often the registry scans for dead connections.
func SweepInterval() time.Duration { return sweepInterval }

// ClockTickInterval is the tournament clock broadcast cadence.
func ClockTickInterval() time.Duration { return clockTickInterval }

// SampleInterval is the aggregate metrics sampling cadence.
func SampleInterval() time.Duration { return sampleInterval }

// ActionTimeout bounds how long the acting seat may stall before the
// coordination layer submits a fold on its behalf.
func ActionTimeout() time.Duration { return actionTimeout }
