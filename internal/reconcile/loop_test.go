package reconcile

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	server "cardroom/server"
)

type scriptedFetcher struct {
	mu    sync.Mutex
	calls int
	fn    func(call int) (server.TableState, error)
}

func (f *scriptedFetcher) ReadTable(_ context.Context, _ string) (server.TableState, error) {
	f.mu.Lock()
	f.calls++
	call := f.calls
	fn := f.fn
	f.mu.Unlock()
	return fn(call)
}

func (f *scriptedFetcher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func waitUntil(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

func testLoopConfig() Config {
	return Config{
		Debounce:         20 * time.Millisecond,
		MinFetchInterval: 20 * time.Millisecond,
		RetryInterval:    20 * time.Millisecond,
	}
}

func TestLoopFetchesImmediatelyOnStart(t *testing.T) {
	fetcher := &scriptedFetcher{fn: func(int) (server.TableState, error) {
		return baseState(), nil
	}}
	loop := NewLoop(testLoopConfig(), "table-1", fetcher, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go loop.Run(ctx)

	waitUntil(t, func() bool { return fetcher.count() == 1 }, "initial fetch")

	state, ok := loop.Current()
	if !ok {
		t.Fatalf("expected a projection after the initial fetch")
	}
	if state.ID != "table-1" {
		t.Fatalf("expected projection for table-1, got %q", state.ID)
	}
}

func TestLoopCoalescesNotificationBurstIntoOneFetch(t *testing.T) {
	fetcher := &scriptedFetcher{fn: func(int) (server.TableState, error) {
		return baseState(), nil
	}}
	loop := NewLoop(testLoopConfig(), "table-1", fetcher, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go loop.Run(ctx)

	waitUntil(t, func() bool { return fetcher.count() == 1 }, "initial fetch")

	for i := 0; i < 10; i++ {
		loop.Notify()
	}

	waitUntil(t, func() bool { return fetcher.count() == 2 }, "debounced fetch")

	// The burst already collapsed into the pending fetch; give the loop
	// room to misbehave before checking nothing else fired.
	time.Sleep(100 * time.Millisecond)
	if got := fetcher.count(); got != 2 {
		t.Fatalf("expected the burst to coalesce into one fetch, got %d total", got)
	}
}

func TestLoopObserverFiresOnlyOnMaterialChange(t *testing.T) {
	changed := baseState()
	changed.Round.Pot = 999

	fetcher := &scriptedFetcher{fn: func(call int) (server.TableState, error) {
		if call >= 3 {
			return changed, nil
		}
		return baseState(), nil
	}}

	var mu sync.Mutex
	var observed []int64
	observer := func(state server.TableState) {
		mu.Lock()
		observed = append(observed, state.Round.Pot)
		mu.Unlock()
	}

	loop := NewLoop(testLoopConfig(), "table-1", fetcher, observer, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go loop.Run(ctx)

	waitUntil(t, func() bool { return fetcher.count() == 1 }, "initial fetch")
	loop.Notify()
	waitUntil(t, func() bool { return fetcher.count() == 2 }, "identical refetch")
	loop.Notify()
	waitUntil(t, func() bool { return fetcher.count() == 3 }, "changed refetch")

	waitUntil(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(observed) == 2
	}, "observer deliveries")

	mu.Lock()
	defer mu.Unlock()
	if observed[0] != 150 || observed[1] != 999 {
		t.Fatalf("expected observer to see pots [150 999], got %v", observed)
	}

	stats := loop.Stats()
	if stats.Fetches != 3 || stats.Changes != 2 {
		t.Fatalf("expected 3 fetches and 2 changes, got %+v", stats)
	}
}

func TestLoopRetainsProjectionAcrossFetchFailure(t *testing.T) {
	recovered := baseState()
	recovered.Round.Pot = 500

	fetcher := &scriptedFetcher{fn: func(call int) (server.TableState, error) {
		switch call {
		case 1:
			return baseState(), nil
		case 2:
			return server.TableState{}, errors.New("store unavailable")
		default:
			return recovered, nil
		}
	}}

	loop := NewLoop(testLoopConfig(), "table-1", fetcher, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go loop.Run(ctx)

	waitUntil(t, func() bool { return fetcher.count() == 1 }, "initial fetch")
	loop.Notify()
	waitUntil(t, func() bool { return fetcher.count() >= 2 }, "failing fetch")

	state, ok := loop.Current()
	if !ok || state.Round.Pot != 150 {
		t.Fatalf("expected the previous projection to survive the failure, got ok=%v pot=%d", ok, state.Round.Pot)
	}

	// The retry timer drives the recovery fetch without a new notification.
	waitUntil(t, func() bool {
		current, _ := loop.Current()
		return current.Round != nil && current.Round.Pot == 500
	}, "recovered projection")

	if stats := loop.Stats(); stats.Failures != 1 {
		t.Fatalf("expected 1 recorded failure, got %+v", stats)
	}
}

func TestLoopCurrentReturnsPrivateCopy(t *testing.T) {
	fetcher := &scriptedFetcher{fn: func(int) (server.TableState, error) {
		return baseState(), nil
	}}
	loop := NewLoop(testLoopConfig(), "table-1", fetcher, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go loop.Run(ctx)

	waitUntil(t, func() bool { return fetcher.count() == 1 }, "initial fetch")

	first, _ := loop.Current()
	first.Seats[0].Stack = 0
	first.Round.Pot = 0

	second, _ := loop.Current()
	if second.Seats[0].Stack != 1000 || second.Round.Pot != 150 {
		t.Fatalf("expected Current to hand out independent copies, got %+v", second)
	}
}

func TestRunWatchForwardsNotificationsAndResubscribes(t *testing.T) {
	fetcher := &scriptedFetcher{fn: func(int) (server.TableState, error) {
		return baseState(), nil
	}}
	loop := NewLoop(testLoopConfig(), "table-1", fetcher, nil, nil)

	var mu sync.Mutex
	subscriptions := 0
	var first chan struct{}
	watch := func(string) (<-chan struct{}, func()) {
		mu.Lock()
		defer mu.Unlock()
		subscriptions++
		ch := make(chan struct{}, 1)
		if subscriptions == 1 {
			first = ch
		}
		return ch, func() {}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go loop.Run(ctx)
	go loop.RunWatch(ctx, watch)

	waitUntil(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return first != nil
	}, "first subscription")

	baseline := fetcher.count()
	first <- struct{}{}
	waitUntil(t, func() bool { return fetcher.count() > baseline }, "forwarded notification")

	close(first)
	waitUntil(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return subscriptions >= 2
	}, "resubscription after the watch dropped")
}
