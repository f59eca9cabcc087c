package server

import "testing"

func redactionFixture() TableState {
	return TableState{
		ID: "table-1",
		Seats: []Seat{
			{Number: 0, PlayerID: "alice", HoleCards: []Card{"As", "Kd"}},
			{Number: 1, PlayerID: "bob", HoleCards: []Card{"2c", "7h"}},
			{Number: 2},
		},
		Round: &Round{ID: "round-1", Phase: PhaseBetting},
	}
}

func TestRedactForKeepsOwnCardsOnly(t *testing.T) {
	view := redactionFixture().RedactFor("alice")

	if len(view.Seats[0].HoleCards) != 2 {
		t.Fatalf("expected alice to keep her own cards, got %v", view.Seats[0].HoleCards)
	}
	if view.Seats[1].HoleCards != nil {
		t.Fatalf("expected bob's cards stripped, got %v", view.Seats[1].HoleCards)
	}
	if view.Seats[1].HoleCardCount != 2 {
		t.Fatalf("expected bob's card count preserved, got %d", view.Seats[1].HoleCardCount)
	}
}

func TestRedactForSpectatorStripsEverySeat(t *testing.T) {
	view := redactionFixture().RedactFor("")

	for i, seat := range view.Seats {
		if seat.HoleCards != nil {
			t.Fatalf("seat %d: expected no hole cards in the spectator view, got %v", i, seat.HoleCards)
		}
	}
	if view.Seats[0].HoleCardCount != 2 || view.Seats[1].HoleCardCount != 2 {
		t.Fatalf("expected card counts for occupied seats, got %+v", view.Seats)
	}
	if view.Seats[2].HoleCardCount != 0 {
		t.Fatalf("expected no count on an empty seat, got %d", view.Seats[2].HoleCardCount)
	}
}

func TestRedactForLeavesSourceUntouched(t *testing.T) {
	source := redactionFixture()
	_ = source.RedactFor("")

	if len(source.Seats[0].HoleCards) != 2 || len(source.Seats[1].HoleCards) != 2 {
		t.Fatalf("expected redaction to operate on a copy, source has %+v", source.Seats)
	}
}
