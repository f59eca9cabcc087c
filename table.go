package server

// Seat is one chair at a table. HoleCards are only present in the acting
// player's own view; everyone else sees HoleCardCount.
type Seat struct {
	Number        int    `json:"number"`
	PlayerID      string `json:"playerId,omitempty"`
	PlayerName    string `json:"playerName,omitempty"`
	Stack         int64  `json:"stack"`
	Contribution  int64  `json:"contribution"`
	Folded        bool   `json:"folded"`
	SittingOut    bool   `json:"sittingOut"`
	AllIn         bool   `json:"allIn"`
	HoleCardCount int    `json:"holeCardCount"`
	HoleCards     []Card `json:"holeCards,omitempty"`
}

// Occupied reports whether a player holds the seat.
func (s Seat) Occupied() bool {
	return s.PlayerID != ""
}

// Eligible reports whether the seat can be dealt into a new round.
func (s Seat) Eligible() bool {
	return s.Occupied() && !s.SittingOut && s.Stack > 0
}

// TableState is the read-mostly projection of one table. The authoritative
// copy lives in the durable store; observers replace this wholesale on
// reconciliation and never mutate it in place.
type TableState struct {
	ID         string `json:"id"`
	Seats      []Seat `json:"seats"`
	Round      *Round `json:"round,omitempty"`
	SmallBlind int64  `json:"smallBlind"`
	BigBlind   int64  `json:"bigBlind"`
	Ante       int64  `json:"ante"`
	DealerSeat int    `json:"dealerSeat"`
	Version    uint64 `json:"version"`
}

// Clone deep-copies the table state.
func (t TableState) Clone() TableState {
	cloned := t
	if len(t.Seats) > 0 {
		cloned.Seats = make([]Seat, len(t.Seats))
		copy(cloned.Seats, t.Seats)
		for i := range cloned.Seats {
			if len(cloned.Seats[i].HoleCards) > 0 {
				cloned.Seats[i].HoleCards = append([]Card(nil), cloned.Seats[i].HoleCards...)
			}
		}
	}
	cloned.Round = t.Round.Clone()
	return cloned
}

// Phase returns the current round phase, or PhaseIdle when no round is in
// flight.
func (t TableState) Phase() Phase {
	if t.Round == nil {
		return PhaseIdle
	}
	return t.Round.Phase
}

// EligibleSeats counts seats that could be dealt into a new round.
func (t TableState) EligibleSeats() int {
	count := 0
	for _, seat := range t.Seats {
		if seat.Eligible() {
			count++
		}
	}
	return count
}

// SeatOf finds the seat number bound to the given identity in this
// projection. Observers derive "my seat" from here on every snapshot rather
// than caching it, so seat reassignment cannot desync them.
func (t TableState) SeatOf(playerID string) (int, bool) {
	if playerID == "" {
		return 0, false
	}
	for _, seat := range t.Seats {
		if seat.PlayerID == playerID {
			return seat.Number, true
		}
	}
	return 0, false
}
