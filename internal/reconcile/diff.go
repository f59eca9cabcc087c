package reconcile

import server "cardroom/server"

// Changed performs the cheap structural comparison that decides whether a
// fetched projection replaces local state: scalar fields first, then list
// lengths, then per-element identity/amount/flags. Writes that touched
// unrelated fields do not churn observers.
func Changed(prev, next server.TableState) bool {
	if prev.ID != next.ID ||
		prev.SmallBlind != next.SmallBlind ||
		prev.BigBlind != next.BigBlind ||
		prev.Ante != next.Ante ||
		prev.DealerSeat != next.DealerSeat {
		return true
	}
	if roundChanged(prev.Round, next.Round) {
		return true
	}
	if len(prev.Seats) != len(next.Seats) {
		return true
	}
	for i := range prev.Seats {
		if seatChanged(prev.Seats[i], next.Seats[i]) {
			return true
		}
	}
	return false
}

func roundChanged(prev, next *server.Round) bool {
	if (prev == nil) != (next == nil) {
		return true
	}
	if prev == nil {
		return false
	}
	if prev.ID != next.ID ||
		prev.Phase != next.Phase ||
		prev.Pot != next.Pot ||
		prev.CurrentSeat != next.CurrentSeat {
		return true
	}
	if len(prev.Community) != len(next.Community) {
		return true
	}
	for i := range prev.Community {
		if prev.Community[i] != next.Community[i] {
			return true
		}
	}
	return false
}

func seatChanged(prev, next server.Seat) bool {
	if prev.PlayerID != next.PlayerID ||
		prev.PlayerName != next.PlayerName ||
		prev.Stack != next.Stack ||
		prev.Contribution != next.Contribution ||
		prev.Folded != next.Folded ||
		prev.SittingOut != next.SittingOut ||
		prev.AllIn != next.AllIn ||
		prev.HoleCardCount != next.HoleCardCount {
		return true
	}
	if len(prev.HoleCards) != len(next.HoleCards) {
		return true
	}
	for i := range prev.HoleCards {
		if prev.HoleCards[i] != next.HoleCards[i] {
			return true
		}
	}
	return false
}
