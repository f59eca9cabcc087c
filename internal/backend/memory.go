package backend

import (
	"context"
	"fmt"
	"math/rand"
	"sync"

	"github.com/google/uuid"

	server "cardroom/server"
)

// MemoryStore is an in-process Store used by the development server and the
// test suite. It honors the same contract as the durable backend, including
// change notifications on every write.
type MemoryStore struct {
	mu          sync.Mutex
	tables      map[string]server.TableState
	tournaments map[string]server.TournamentState
	watchers    map[string][]chan struct{}
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tables:      make(map[string]server.TableState),
		tournaments: make(map[string]server.TournamentState),
		watchers:    make(map[string][]chan struct{}),
	}
}

// CreateTable seeds an empty table. Used by the development server and tests.
func (s *MemoryStore) CreateTable(id string, seats int, smallBlind, bigBlind, ante int64) server.TableState {
	state := server.TableState{
		ID:         id,
		Seats:      make([]server.Seat, seats),
		SmallBlind: smallBlind,
		BigBlind:   bigBlind,
		Ante:       ante,
		DealerSeat: 0,
	}
	for i := range state.Seats {
		state.Seats[i].Number = i
	}
	s.mu.Lock()
	s.tables[id] = state
	s.mu.Unlock()
	return state
}

func (s *MemoryStore) LoadTable(_ context.Context, tableID string) (server.TableState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.tables[tableID]
	if !ok {
		return server.TableState{}, fmt.Errorf("table %s: %w", tableID, ErrTableNotFound)
	}
	return state.Clone(), nil
}

func (s *MemoryStore) SaveTable(_ context.Context, state server.TableState) error {
	s.mu.Lock()
	prev, ok := s.tables[state.ID]
	if ok {
		state.Version = prev.Version + 1
	} else {
		state.Version = 1
	}
	s.tables[state.ID] = state.Clone()
	watchers := append([]chan struct{}(nil), s.watchers[state.ID]...)
	s.mu.Unlock()

	for _, ch := range watchers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
	return nil
}

func (s *MemoryStore) ListTournaments(context.Context) ([]server.TournamentState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]server.TournamentState, 0, len(s.tournaments))
	for _, t := range s.tournaments {
		out = append(out, t.Clone())
	}
	return out, nil
}

func (s *MemoryStore) SaveTournament(_ context.Context, state server.TournamentState) error {
	s.mu.Lock()
	s.tournaments[state.ID] = state.Clone()
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Watch(tableID string) (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	s.mu.Lock()
	s.watchers[tableID] = append(s.watchers[tableID], ch)
	s.mu.Unlock()

	cancel := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		watchers := s.watchers[tableID]
		for i, candidate := range watchers {
			if candidate == ch {
				s.watchers[tableID] = append(watchers[:i], watchers[i+1:]...)
				break
			}
		}
	}
	return ch, cancel
}

// LocalRules is a minimal in-process rules engine for development and
// tests. It enforces the coordination-critical invariants the real engine
// owns: one round in flight per table, serialized round starts, and
// turn-order checks. It does not evaluate hands; the pot goes to the last
// seat standing.
type LocalRules struct {
	mu    sync.Mutex
	store *MemoryStore
	rng   *rand.Rand
}

func NewLocalRules(store *MemoryStore, seed int64) *LocalRules {
	return &LocalRules{store: store, rng: rand.New(rand.NewSource(seed))}
}

func (r *LocalRules) StartRound(ctx context.Context, tableID string) (StartResult, server.TableState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	state, err := r.store.LoadTable(ctx, tableID)
	if err != nil {
		return 0, server.TableState{}, err
	}
	if state.Round != nil && !state.Round.Resolved() {
		return StartResultInProgress, state, nil
	}
	if state.EligibleSeats() < 2 {
		return StartResultNotEnoughPlayers, state, nil
	}

	deck := r.shuffledDeck()
	next := 0
	draw := func() server.Card {
		card := deck[next]
		next++
		return card
	}

	state.Round = &server.Round{
		ID:          uuid.NewString(),
		Phase:       server.PhaseBetting,
		CurrentSeat: -1,
	}
	for i := range state.Seats {
		seat := &state.Seats[i]
		seat.Folded = false
		seat.AllIn = false
		seat.Contribution = 0
		seat.HoleCards = nil
		seat.HoleCardCount = 0
		if !seat.Eligible() {
			continue
		}
		seat.HoleCards = []server.Card{draw(), draw()}
		seat.HoleCardCount = 2
		post := state.Ante
		if post > seat.Stack {
			post = seat.Stack
		}
		seat.Stack -= post
		seat.Contribution = post
		state.Round.Pot += post
	}
	state.Round.CurrentSeat = nextActorAfter(state, state.DealerSeat)

	if err := r.store.SaveTable(ctx, state); err != nil {
		return 0, server.TableState{}, err
	}
	return StartResultStarted, state, nil
}

func (r *LocalRules) Apply(ctx context.Context, cmd Command) (server.TableState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	state, err := r.store.LoadTable(ctx, cmd.TableID)
	if err != nil {
		return server.TableState{}, err
	}

	switch cmd.Kind {
	case CommandJoin:
		if err := applyJoin(&state, cmd); err != nil {
			return server.TableState{}, err
		}
	case CommandLeave:
		if err := applyLeave(&state, cmd); err != nil {
			return server.TableState{}, err
		}
	case CommandSitOut, CommandSitIn:
		if err := applySitToggle(&state, cmd); err != nil {
			return server.TableState{}, err
		}
	default:
		if err := applyBetting(&state, cmd); err != nil {
			return server.TableState{}, err
		}
	}

	if err := r.store.SaveTable(ctx, state); err != nil {
		return server.TableState{}, err
	}
	return state, nil
}

func applyJoin(state *server.TableState, cmd Command) error {
	if cmd.Seat < 0 || cmd.Seat >= len(state.Seats) {
		return &RuleError{Code: "invalid_seat", Reason: "seat out of range"}
	}
	if _, taken := state.SeatOf(cmd.PlayerID); taken {
		return nil // idempotent rejoin
	}
	seat := &state.Seats[cmd.Seat]
	if seat.Occupied() {
		return &RuleError{Code: "seat_taken", Reason: "seat already occupied"}
	}
	if cmd.BuyIn <= 0 {
		return &RuleError{Code: "invalid_buyin", Reason: "buy-in must be positive"}
	}
	seat.PlayerID = cmd.PlayerID
	seat.PlayerName = cmd.PlayerName
	seat.Stack = cmd.BuyIn
	seat.SittingOut = false
	return nil
}

func applyLeave(state *server.TableState, cmd Command) error {
	num, ok := state.SeatOf(cmd.PlayerID)
	if !ok {
		return nil // idempotent
	}
	seat := &state.Seats[num]
	if state.Round != nil && !state.Round.Resolved() && !seat.Folded {
		foldSeat(state, num)
	}
	*seat = server.Seat{Number: num}
	return nil
}

func applySitToggle(state *server.TableState, cmd Command) error {
	num, ok := state.SeatOf(cmd.PlayerID)
	if !ok {
		return &RuleError{Code: "not_seated", Reason: "player is not at this table"}
	}
	state.Seats[num].SittingOut = cmd.Kind == CommandSitOut
	return nil
}

func applyBetting(state *server.TableState, cmd Command) error {
	if state.Round == nil || state.Round.Resolved() {
		return &RuleError{Code: "no_round", Reason: "no round in flight"}
	}
	num, ok := state.SeatOf(cmd.PlayerID)
	if !ok {
		return &RuleError{Code: "not_seated", Reason: "player is not at this table"}
	}
	if state.Round.CurrentSeat != num {
		return &RuleError{Code: "not_your_turn", Reason: "another seat is acting"}
	}
	seat := &state.Seats[num]

	switch cmd.Kind {
	case CommandFold:
		foldSeat(state, num)
		return nil
	case CommandCheck, CommandCall:
		owed := highestContribution(*state) - seat.Contribution
		if cmd.Kind == CommandCheck && owed > 0 {
			return &RuleError{Code: "cannot_check", Reason: "there is a live bet"}
		}
		if owed > seat.Stack {
			owed = seat.Stack
			seat.AllIn = true
		}
		seat.Stack -= owed
		seat.Contribution += owed
		state.Round.Pot += owed
	case CommandBet, CommandRaise:
		if cmd.Amount <= 0 {
			return &RuleError{Code: "invalid_bet", Reason: "amount must be positive"}
		}
		if cmd.Amount > seat.Stack {
			return &RuleError{Code: "invalid_bet", Reason: "amount exceeds stack"}
		}
		seat.Stack -= cmd.Amount
		seat.Contribution += cmd.Amount
		state.Round.Pot += cmd.Amount
	case CommandAllIn:
		state.Round.Pot += seat.Stack
		seat.Contribution += seat.Stack
		seat.Stack = 0
		seat.AllIn = true
	default:
		return &RuleError{Code: "invalid_action", Reason: string(cmd.Kind)}
	}

	state.Round.CurrentSeat = nextActorAfter(*state, num)
	if state.Round.CurrentSeat < 0 {
		resolveRound(state)
	}
	return nil
}

func foldSeat(state *server.TableState, num int) {
	state.Seats[num].Folded = true
	if remaining := unfoldedSeats(*state); len(remaining) <= 1 {
		resolveRound(state)
		return
	}
	if state.Round.CurrentSeat == num {
		state.Round.CurrentSeat = nextActorAfter(*state, num)
		if state.Round.CurrentSeat < 0 {
			resolveRound(state)
		}
	}
}

func resolveRound(state *server.TableState) {
	remaining := unfoldedSeats(*state)
	if len(remaining) >= 1 {
		state.Seats[remaining[0]].Stack += state.Round.Pot
	}
	state.Round.Phase = server.PhaseResolution
	state.Round.CurrentSeat = -1
}

func unfoldedSeats(state server.TableState) []int {
	var out []int
	for _, seat := range state.Seats {
		if seat.Occupied() && seat.HoleCardCount > 0 && !seat.Folded {
			out = append(out, seat.Number)
		}
	}
	return out
}

func highestContribution(state server.TableState) int64 {
	var highest int64
	for _, seat := range state.Seats {
		if seat.Contribution > highest {
			highest = seat.Contribution
		}
	}
	return highest
}

// nextActorAfter walks clockwise from the given seat to the next seat that
// can still act. Returns -1 when nobody can.
func nextActorAfter(state server.TableState, from int) int {
	if len(state.Seats) == 0 {
		return -1
	}
	for step := 1; step <= len(state.Seats); step++ {
		num := (from + step) % len(state.Seats)
		seat := state.Seats[num]
		if seat.Occupied() && seat.HoleCardCount > 0 && !seat.Folded && !seat.AllIn && seat.Stack > 0 {
			return num
		}
	}
	return -1
}

func (r *LocalRules) shuffledDeck() []server.Card {
	ranks := "23456789TJQKA"
	suits := "cdhs"
	deck := make([]server.Card, 0, 52)
	for _, rank := range ranks {
		for _, suit := range suits {
			deck = append(deck, server.Card(string(rank)+string(suit)))
		}
	}
	r.rng.Shuffle(len(deck), func(i, j int) {
		deck[i], deck[j] = deck[j], deck[i]
	})
	return deck
}
