package server

import (
	"testing"
	"time"
)

func TestValidTransitionTable(t *testing.T) {
	cases := []struct {
		from, to TournamentStatus
		want     bool
	}{
		{TournamentScheduling, TournamentActive, true},
		{TournamentScheduling, TournamentSuspended, false},
		{TournamentScheduling, TournamentComplete, false},
		{TournamentActive, TournamentSuspended, true},
		{TournamentActive, TournamentComplete, true},
		{TournamentActive, TournamentScheduling, false},
		{TournamentSuspended, TournamentActive, true},
		{TournamentSuspended, TournamentComplete, true},
		{TournamentSuspended, TournamentScheduling, false},
		{TournamentComplete, TournamentActive, false},
		{TournamentComplete, TournamentScheduling, false},
	}
	for _, tc := range cases {
		if got := ValidTransition(tc.from, tc.to); got != tc.want {
			t.Fatalf("%s -> %s: expected %v, got %v", tc.from, tc.to, tc.want, got)
		}
	}
}

func TestLevelRemainingAcrossSchedule(t *testing.T) {
	state := TournamentState{
		Status: TournamentActive,
		Levels: []BlindLevel{
			{Small: 25, Big: 50, Duration: 10 * time.Minute},
			{Small: 50, Big: 100, Duration: 20 * time.Minute},
		},
	}

	if got := state.LevelRemaining(); got != 10*time.Minute {
		t.Fatalf("expected a full first level, got %s", got)
	}

	state.Elapsed = 4 * time.Minute
	if got := state.LevelRemaining(); got != 6*time.Minute {
		t.Fatalf("expected 6m left in level 0, got %s", got)
	}

	state.CurrentLevel = 1
	state.Elapsed = 15 * time.Minute
	if got := state.LevelRemaining(); got != 15*time.Minute {
		t.Fatalf("expected 15m left in level 1, got %s", got)
	}

	state.Elapsed = time.Hour
	if got := state.LevelRemaining(); got != 0 {
		t.Fatalf("expected an overrun level to report zero, got %s", got)
	}
}

func TestLevelClampsOutOfRangeIndex(t *testing.T) {
	state := TournamentState{Levels: []BlindLevel{{Small: 25, Big: 50}}}
	state.CurrentLevel = 5
	if level := state.Level(); level.Big != 0 {
		t.Fatalf("expected a zero level past the schedule, got %+v", level)
	}
}

func TestCloneIsolatesSlices(t *testing.T) {
	state := TournamentState{
		ID:           "t-1",
		Participants: []string{"alice"},
		Eliminations: []string{},
		Levels:       []BlindLevel{{Small: 25, Big: 50}},
	}
	cloned := state.Clone()
	cloned.Participants[0] = "mallory"
	cloned.Levels[0].Big = 9999

	if state.Participants[0] != "alice" || state.Levels[0].Big != 50 {
		t.Fatalf("expected the clone to be independent, source is %+v", state)
	}
}
