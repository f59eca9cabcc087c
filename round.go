package server

// Phase enumerates the lifecycle of a round within a table.
type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhaseOpening    Phase = "opening"
	PhaseBetting    Phase = "betting"
	PhaseResolution Phase = "resolution"
)

// Card is a compact rank+suit string such as "As" or "Td". The coordination
// layer never interprets card values; it only carries and redacts them.
type Card string

// Round is one instance of play within a table. The authoritative copy lives
// in the durable store; this is the projection observers carry.
type Round struct {
	ID          string `json:"id"`
	Phase       Phase  `json:"phase"`
	Pot         int64  `json:"pot"`
	Community   []Card `json:"community"`
	CurrentSeat int    `json:"currentSeat"` // -1 when nobody is to act
}

// Clone deep-copies the round so projections never alias shared slices.
func (r *Round) Clone() *Round {
	if r == nil {
		return nil
	}
	cloned := *r
	if len(r.Community) > 0 {
		cloned.Community = append([]Card(nil), r.Community...)
	}
	return &cloned
}

// Resolved reports whether the round has been retired.
func (r *Round) Resolved() bool {
	return r != nil && r.Phase == PhaseResolution
}
