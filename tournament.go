package server

import "time"

// TournamentStatus enumerates the tournament lifecycle. Transitions are
// monotonic except for the active/suspended round trip.
type TournamentStatus string

const (
	TournamentScheduling TournamentStatus = "scheduling"
	TournamentActive     TournamentStatus = "active"
	TournamentSuspended  TournamentStatus = "suspended"
	TournamentComplete   TournamentStatus = "complete"
)

// ValidTransition reports whether a status edge is legal.
func ValidTransition(from, to TournamentStatus) bool {
	switch from {
	case TournamentScheduling:
		return to == TournamentActive
	case TournamentActive:
		return to == TournamentSuspended || to == TournamentComplete
	case TournamentSuspended:
		return to == TournamentActive || to == TournamentComplete
	default:
		return false
	}
}

// BlindLevel is one entry of the blind schedule.
type BlindLevel struct {
	Small    int64         `json:"small"`
	Big      int64         `json:"big"`
	Ante     int64         `json:"ante"`
	Duration time.Duration `json:"duration"`
	IsBreak  bool          `json:"isBreak"`
}

// TournamentState is the projection of one scheduled competition. Loaded
// from the durable store at process start and kept live by clock ticks and
// elimination events.
type TournamentState struct {
	ID           string           `json:"id"`
	Status       TournamentStatus `json:"status"`
	Levels       []BlindLevel     `json:"levels"`
	CurrentLevel int              `json:"currentLevel"`
	Elapsed      time.Duration    `json:"elapsed"`
	Participants []string         `json:"participants"`
	Eliminations []string         `json:"eliminations"`
}

// Level returns the active blind level, or a zero level when the schedule
// is exhausted.
func (t TournamentState) Level() BlindLevel {
	if t.CurrentLevel < 0 || t.CurrentLevel >= len(t.Levels) {
		return BlindLevel{}
	}
	return t.Levels[t.CurrentLevel]
}

// LevelRemaining reports how much of the current level is left.
func (t TournamentState) LevelRemaining() time.Duration {
	level := t.Level()
	if level.Duration <= 0 {
		return 0
	}
	var consumed time.Duration
	for i := 0; i < t.CurrentLevel && i < len(t.Levels); i++ {
		consumed += t.Levels[i].Duration
	}
	remaining := level.Duration - (t.Elapsed - consumed)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Registered reports whether the player is in the participant set.
func (t TournamentState) Registered(playerID string) bool {
	for _, id := range t.Participants {
		if id == playerID {
			return true
		}
	}
	return false
}

// Clone deep-copies the tournament state.
func (t TournamentState) Clone() TournamentState {
	cloned := t
	if len(t.Levels) > 0 {
		cloned.Levels = append([]BlindLevel(nil), t.Levels...)
	}
	if len(t.Participants) > 0 {
		cloned.Participants = append([]string(nil), t.Participants...)
	}
	if len(t.Eliminations) > 0 {
		cloned.Eliminations = append([]string(nil), t.Eliminations...)
	}
	return cloned
}
