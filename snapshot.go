package server

// RedactFor produces the per-recipient view of a table. The recipient keeps
// their own concealed cards; every other occupied seat is reduced to a card
// count. Spectators (empty playerID) see no hole cards at all.
func (t TableState) RedactFor(playerID string) TableState {
	view := t.Clone()
	for i := range view.Seats {
		seat := &view.Seats[i]
		if seat.PlayerID != "" && seat.PlayerID == playerID {
			continue
		}
		if seat.HoleCardCount == 0 {
			seat.HoleCardCount = len(seat.HoleCards)
		}
		seat.HoleCards = nil
	}
	return view
}
