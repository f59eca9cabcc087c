package registry

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	server "cardroom/server"
	"cardroom/server/internal/load"
)

type stubConn struct {
	mu     sync.Mutex
	closed bool
	writes [][]byte
}

func (c *stubConn) Write(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writes = append(c.writes, data)
	return nil
}

func (c *stubConn) SetWriteDeadline(time.Time) error { return nil }

func (c *stubConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *stubConn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

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
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type stubAdmission struct{ accept bool }

func (a *stubAdmission) CanAcceptConnection() bool { return a.accept }

func testRegistry(clock *stubClock, admission Admission, maxConns int) *Registry {
	return New(Config{
		MaxConnections: maxConns,
		LivenessWindow: 6 * time.Second,
		SweepInterval:  2 * time.Second,
	}, clock, admission, func(tableID string) bool {
		return tableID == "table-1"
	}, nil, nil, nil)
}

func TestDefaultConfigDerivesFromHeartbeatCadence(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.LivenessWindow != server.DisconnectAfter() {
		t.Fatalf("expected liveness window %v, got %v", server.DisconnectAfter(), cfg.LivenessWindow)
	}
	if cfg.SweepInterval != server.SweepInterval() {
		t.Fatalf("expected sweep interval %v, got %v", server.SweepInterval(), cfg.SweepInterval)
	}
}

func TestAcceptRejectsBeyondCapacityWithoutRegistering(t *testing.T) {
	clock := newStubClock()
	reg := testRegistry(clock, nil, 3)

	for i := 0; i < 3; i++ {
		if _, err := reg.Accept(&stubConn{}, "10.0.0.1:1", ""); err != nil {
			t.Fatalf("expected accept %d to succeed, got %v", i, err)
		}
	}

	_, err := reg.Accept(&stubConn{}, "10.0.0.1:2", "")
	if !errors.Is(err, ErrCapacity) {
		t.Fatalf("expected ErrCapacity, got %v", err)
	}
	if count := reg.ConnectionCount(); count != 3 {
		t.Fatalf("expected exactly 3 registered connections, got %d", count)
	}

	stats := reg.Stats()
	if stats.Accepted != 3 || stats.Rejected != 1 {
		t.Fatalf("expected 3 accepted / 1 rejected, got %+v", stats)
	}
}

func TestAcceptShedsLoadBeforeCapacityCheck(t *testing.T) {
	clock := newStubClock()
	admission := &stubAdmission{accept: false}
	reg := testRegistry(clock, admission, 10)

	_, err := reg.Accept(&stubConn{}, "10.0.0.1:1", "")
	if !errors.Is(err, ErrLoadShed) {
		t.Fatalf("expected ErrLoadShed, got %v", err)
	}
	if count := reg.ConnectionCount(); count != 0 {
		t.Fatalf("expected no connection registered under load shed, got %d", count)
	}

	admission.accept = true
	if _, err := reg.Accept(&stubConn{}, "10.0.0.1:1", ""); err != nil {
		t.Fatalf("expected accept after recovery, got %v", err)
	}
}

func TestAcceptFeedsAdmissionCounters(t *testing.T) {
	clock := newStubClock()
	collector := load.NewCollector(prometheus.NewRegistry())
	admission := &stubAdmission{accept: false}
	reg := New(Config{MaxConnections: 1}, clock, admission, nil, nil, nil, collector)

	if _, err := reg.Accept(&stubConn{}, "10.0.0.1:1", ""); !errors.Is(err, ErrLoadShed) {
		t.Fatalf("expected ErrLoadShed, got %v", err)
	}
	admission.accept = true
	if _, err := reg.Accept(&stubConn{}, "10.0.0.1:1", ""); err != nil {
		t.Fatalf("expected accept, got %v", err)
	}
	if _, err := reg.Accept(&stubConn{}, "10.0.0.1:2", ""); !errors.Is(err, ErrCapacity) {
		t.Fatalf("expected ErrCapacity, got %v", err)
	}

	if got := testutil.ToFloat64(collector.ConnectionsAccepted); got != 1 {
		t.Fatalf("expected one acceptance counted, got %v", got)
	}
	if got := testutil.ToFloat64(collector.ConnectionsRejected.WithLabelValues("load_shed")); got != 1 {
		t.Fatalf("expected one load-shed rejection counted, got %v", got)
	}
	if got := testutil.ToFloat64(collector.ConnectionsRejected.WithLabelValues("capacity")); got != 1 {
		t.Fatalf("expected one capacity rejection counted, got %v", got)
	}
}

func TestSubscribeIsIdempotentAndValidatesTable(t *testing.T) {
	clock := newStubClock()
	reg := testRegistry(clock, nil, 10)
	conn, err := reg.Accept(&stubConn{}, "10.0.0.1:1", "")
	if err != nil {
		t.Fatalf("accept failed: %v", err)
	}

	if err := reg.Subscribe(conn.ID, "table-1"); err != nil {
		t.Fatalf("expected subscribe to succeed, got %v", err)
	}
	if err := reg.Subscribe(conn.ID, "table-1"); err != nil {
		t.Fatalf("expected duplicate subscribe to be a no-op, got %v", err)
	}
	if got := reg.TableSubscribers("table-1"); len(got) != 1 || got[0] != conn.ID {
		t.Fatalf("expected one subscriber, got %v", got)
	}

	if err := reg.Subscribe(conn.ID, "table-404"); !errors.Is(err, ErrUnknownTable) {
		t.Fatalf("expected ErrUnknownTable, got %v", err)
	}
	if err := reg.Subscribe("gone", "table-1"); err != nil {
		t.Fatalf("expected subscribe on missing conn to be a no-op, got %v", err)
	}
}

func TestAuthenticateBindsIdentity(t *testing.T) {
	clock := newStubClock()
	reg := testRegistry(clock, nil, 10)
	conn, _ := reg.Accept(&stubConn{}, "10.0.0.1:1", "")

	if got := conn.Identity(); got != "" {
		t.Fatalf("expected spectator identity, got %q", got)
	}
	reg.Authenticate(conn.ID, "alice")
	reg.Authenticate(conn.ID, "alice")
	if got := conn.Identity(); got != "alice" {
		t.Fatalf("expected identity alice, got %q", got)
	}
}

func TestIdentityReadsSafelyDuringAuthenticate(t *testing.T) {
	clock := newStubClock()
	reg := testRegistry(clock, nil, 10)
	conn, _ := reg.Accept(&stubConn{}, "10.0.0.1:1", "")

	// Broadcast fan-out reads identity from its own goroutines while a
	// join binds it; run both sides hot so the race detector can see any
	// unsynchronized access.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 1000; i++ {
			reg.Authenticate(conn.ID, "alice")
		}
	}()
	for i := 0; i < 1000; i++ {
		if got := conn.Identity(); got != "" && got != "alice" {
			t.Errorf("expected empty or bound identity, got %q", got)
		}
	}
	<-done

	if got := conn.Identity(); got != "alice" {
		t.Fatalf("expected identity alice, got %q", got)
	}
}

func TestSweepEvictsSilentConnections(t *testing.T) {
	clock := newStubClock()
	reg := testRegistry(clock, nil, 10)
	transportA := &stubConn{}
	transportB := &stubConn{}
	connA, _ := reg.Accept(transportA, "10.0.0.1:1", "")
	connB, _ := reg.Accept(transportB, "10.0.0.1:2", "")

	clock.Advance(4 * time.Second)
	reg.RecordActivity(connB.ID)
	clock.Advance(3 * time.Second)

	evicted := reg.Sweep(clock.Now())
	if len(evicted) != 1 || evicted[0] != connA.ID {
		t.Fatalf("expected only the silent connection to be evicted, got %v", evicted)
	}
	if !transportA.Closed() {
		t.Fatalf("expected evicted transport to be closed")
	}
	if transportB.Closed() {
		t.Fatalf("expected live transport to stay open")
	}
	if _, ok := reg.Lookup(connA.ID); ok {
		t.Fatalf("expected evicted connection to be forgotten")
	}
	if stats := reg.Stats(); stats.Evicted != 1 {
		t.Fatalf("expected eviction counter 1, got %+v", stats)
	}
}

func TestEvictSpectatorsKeepsAuthenticatedPlayers(t *testing.T) {
	clock := newStubClock()
	reg := testRegistry(clock, nil, 10)
	spectator, _ := reg.Accept(&stubConn{}, "10.0.0.1:1", "")
	player, _ := reg.Accept(&stubConn{}, "10.0.0.1:2", "")
	reg.Authenticate(player.ID, "alice")

	evicted := reg.EvictSpectators()
	if len(evicted) != 1 || evicted[0] != spectator.ID {
		t.Fatalf("expected only the spectator to be evicted, got %v", evicted)
	}
	if _, ok := reg.Lookup(player.ID); !ok {
		t.Fatalf("expected authenticated player to survive")
	}
}

func TestRemoveDropsSubscriptions(t *testing.T) {
	clock := newStubClock()
	reg := testRegistry(clock, nil, 10)
	transport := &stubConn{}
	conn, _ := reg.Accept(transport, "10.0.0.1:1", "")
	reg.Subscribe(conn.ID, "table-1")
	reg.SubscribeTournament(conn.ID, "sunday-major")

	reg.Remove(conn.ID)
	if !transport.Closed() {
		t.Fatalf("expected transport closed on remove")
	}
	if got := reg.TableSubscribers("table-1"); len(got) != 0 {
		t.Fatalf("expected no table subscribers, got %v", got)
	}
	if got := reg.TournamentSubscribers("sunday-major"); len(got) != 0 {
		t.Fatalf("expected no tournament subscribers, got %v", got)
	}
	// Double remove is a no-op.
	reg.Remove(conn.ID)
}

func TestWriteWithDeadlineSerializesWrites(t *testing.T) {
	clock := newStubClock()
	reg := testRegistry(clock, nil, 10)
	transport := &stubConn{}
	conn, _ := reg.Accept(transport, "10.0.0.1:1", "")

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			conn.WriteWithDeadline([]byte("payload"), time.Second)
		}()
	}
	wg.Wait()

	transport.mu.Lock()
	defer transport.mu.Unlock()
	if len(transport.writes) != 8 {
		t.Fatalf("expected 8 writes, got %d", len(transport.writes))
	}
}
