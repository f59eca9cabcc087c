package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	server "cardroom/server"
	"cardroom/server/internal/backend"
)

type stubClock struct {
	mu  sync.Mutex
	now time.Time
}

func newStubClock() *stubClock {
	return &stubClock{now: time.Unix(1000, 0)}
}

func (c *stubClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *stubClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type stubRequester struct {
	mu     sync.Mutex
	calls  int
	result backend.StartResult
	err    error
}

func (r *stubRequester) StartRound(context.Context, string) (backend.StartResult, server.TableState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	return r.result, server.TableState{}, r.err
}

func (r *stubRequester) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

func quiescentState() server.TableState {
	return server.TableState{
		ID: "table-1",
		Seats: []server.Seat{
			{Number: 0, PlayerID: "alice", Stack: 1000},
			{Number: 1, PlayerID: "bob", Stack: 1000},
		},
	}
}

func testStarter(req StartRequester, clock *stubClock) *Starter {
	cfg := StarterConfig{RetryWindow: 2 * time.Second, MaxAttempts: 3}
	return NewStarter(cfg, "table-1", req, nil, clock, nil)
}

func TestStarterRequestsRoundForQuiescentTable(t *testing.T) {
	req := &stubRequester{result: backend.StartResultStarted}
	starter := testStarter(req, newStubClock())

	starter.Observe(context.Background(), quiescentState())

	if got := req.count(); got != 1 {
		t.Fatalf("expected 1 start request, got %d", got)
	}
}

func TestStarterSkipsLiveRoundsAndShortTables(t *testing.T) {
	req := &stubRequester{result: backend.StartResultStarted}
	starter := testStarter(req, newStubClock())

	live := quiescentState()
	live.Round = &server.Round{ID: "round-1", Phase: server.PhaseBetting}
	starter.Observe(context.Background(), live)

	short := quiescentState()
	short.Seats = short.Seats[:1]
	starter.Observe(context.Background(), short)

	brokeSeats := quiescentState()
	brokeSeats.Seats[1].Stack = 0
	starter.Observe(context.Background(), brokeSeats)

	if got := req.count(); got != 0 {
		t.Fatalf("expected no start requests, got %d", got)
	}
}

func TestStarterTreatsResolvedRoundAsQuiescent(t *testing.T) {
	req := &stubRequester{result: backend.StartResultStarted}
	starter := testStarter(req, newStubClock())

	state := quiescentState()
	state.Round = &server.Round{ID: "round-1", Phase: server.PhaseResolution}
	starter.Observe(context.Background(), state)

	if got := req.count(); got != 1 {
		t.Fatalf("expected 1 start request, got %d", got)
	}
}

func TestStarterEnforcesRetryWindow(t *testing.T) {
	clock := newStubClock()
	req := &stubRequester{result: backend.StartResultNotEnoughPlayers}
	starter := testStarter(req, clock)

	starter.Observe(context.Background(), quiescentState())
	starter.Observe(context.Background(), quiescentState())
	if got := req.count(); got != 1 {
		t.Fatalf("expected the second observation inside the window to be skipped, got %d requests", got)
	}

	clock.Advance(2 * time.Second)
	starter.Observe(context.Background(), quiescentState())
	if got := req.count(); got != 2 {
		t.Fatalf("expected a retry after the window elapsed, got %d requests", got)
	}
}

func TestStarterExhaustsAttemptBudget(t *testing.T) {
	clock := newStubClock()
	req := &stubRequester{result: backend.StartResultNotEnoughPlayers}
	starter := testStarter(req, clock)

	for i := 0; i < 6; i++ {
		starter.Observe(context.Background(), quiescentState())
		clock.Advance(3 * time.Second)
	}

	if got := req.count(); got != 3 {
		t.Fatalf("expected the budget to cap requests at 3, got %d", got)
	}
}

func TestStarterBudgetResetsWhenTableChanges(t *testing.T) {
	clock := newStubClock()
	req := &stubRequester{result: backend.StartResultNotEnoughPlayers}
	starter := testStarter(req, clock)

	for i := 0; i < 4; i++ {
		starter.Observe(context.Background(), quiescentState())
		clock.Advance(3 * time.Second)
	}
	if got := req.count(); got != 3 {
		t.Fatalf("expected the first budget to cap at 3 requests, got %d", got)
	}

	grown := quiescentState()
	grown.Seats = append(grown.Seats, server.Seat{Number: 2, PlayerID: "carol", Stack: 1000})
	starter.Observe(context.Background(), grown)
	if got := req.count(); got != 4 {
		t.Fatalf("expected a fresh budget after the seating changed, got %d requests", got)
	}

	clock.Advance(3 * time.Second)
	resolved := grown
	resolved.Round = &server.Round{ID: "round-9", Phase: server.PhaseResolution}
	starter.Observe(context.Background(), resolved)
	if got := req.count(); got != 5 {
		t.Fatalf("expected a fresh budget after a round resolved, got %d requests", got)
	}
}

func TestStarterRetriesAfterBackendRecovery(t *testing.T) {
	clock := newStubClock()
	req := &stubRequester{result: backend.StartResultStarted, err: errors.New("store unavailable")}
	woke := make(chan struct{}, 1)
	cfg := StarterConfig{RetryWindow: 20 * time.Millisecond, MaxAttempts: 3}
	starter := NewStarter(cfg, "table-1", req, func() { woke <- struct{}{} }, clock, nil)

	// A failed start writes nothing to the store, so no watch event will
	// revisit the table; the starter must arrange its own wakeup.
	starter.Observe(context.Background(), quiescentState())
	if req.count() != 1 {
		t.Fatalf("expected one start request, got %d", req.count())
	}

	select {
	case <-woke:
	case <-time.After(2 * time.Second):
		t.Fatalf("expected a wakeup after the failed start")
	}

	req.mu.Lock()
	req.err = nil
	req.mu.Unlock()

	starter.Observe(context.Background(), quiescentState())
	if req.count() != 2 {
		t.Fatalf("expected a second start request after recovery, got %d", req.count())
	}
}

func TestConcurrentObserversStartExactlyOneRound(t *testing.T) {
	store := backend.NewMemoryStore()
	rules := backend.NewLocalRules(store, 7)
	store.CreateTable("table-1", server.MaxSeats, 50, 100, 0)
	for i, name := range []string{"alice", "bob", "carol"} {
		if _, err := rules.Apply(context.Background(), backend.Command{
			Kind:       backend.CommandJoin,
			TableID:    "table-1",
			PlayerID:   fmt.Sprintf("player-%d", i),
			PlayerName: name,
			Seat:       i,
			BuyIn:      1000,
		}); err != nil {
			t.Fatalf("seat %s: %v", name, err)
		}
	}
	state, err := store.LoadTable(context.Background(), "table-1")
	if err != nil {
		t.Fatalf("load table: %v", err)
	}

	const observers = 8
	starters := make([]*Starter, observers)
	for i := range starters {
		starters[i] = testStarter(rules, newStubClock())
	}

	var wg sync.WaitGroup
	for _, s := range starters {
		wg.Add(1)
		go func(s *Starter) {
			defer wg.Done()
			s.Observe(context.Background(), state)
		}(s)
	}
	wg.Wait()

	after, err := store.LoadTable(context.Background(), "table-1")
	if err != nil {
		t.Fatalf("load table: %v", err)
	}
	if after.Round == nil || after.Round.Phase != server.PhaseBetting {
		t.Fatalf("expected exactly one live round after concurrent observers, got %+v", after.Round)
	}
}
