package delivery

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"cardroom/server/internal/load"
)

func drain(t *testing.T, box *outbox) []byte {
	t.Helper()
	payload, _, ok := box.next(16)
	if !ok {
		t.Fatalf("expected a payload, outbox closed")
	}
	return payload
}

func TestOutboxDeliversHigherClassesFirst(t *testing.T) {
	box := newOutbox("conn-1")
	box.push([]byte("low"), ClassLow, 256)
	box.push([]byte("normal"), ClassNormal, 256)
	box.push([]byte("high"), ClassHigh, 256)

	for _, want := range []string{"high", "normal", "low"} {
		if got := string(drain(t, box)); got != want {
			t.Fatalf("expected %s, got %s", want, got)
		}
	}
}

func TestOutboxPreservesOrderWithinClass(t *testing.T) {
	box := newOutbox("conn-1")
	for i := 0; i < 5; i++ {
		box.push([]byte(fmt.Sprintf("n%d", i)), ClassNormal, 256)
	}
	for i := 0; i < 5; i++ {
		if got := string(drain(t, box)); got != fmt.Sprintf("n%d", i) {
			t.Fatalf("expected n%d, got %s", i, got)
		}
	}
}

func TestOutboxBoundedFairnessPreventsStarvation(t *testing.T) {
	const limit = 16
	box := newOutbox("conn-1")
	box.push([]byte("starved"), ClassNormal, 256)
	for i := 0; i < limit+5; i++ {
		box.push([]byte("high"), ClassHigh, 256)
	}

	// The first limit deliveries spend the waiting class's credit.
	for i := 0; i < limit; i++ {
		payload, class, ok := box.next(limit)
		if !ok {
			t.Fatalf("outbox closed early")
		}
		if class != ClassHigh {
			t.Fatalf("expected high class during credit window, got %s (%s)", class, payload)
		}
	}

	payload, class, ok := box.next(limit)
	if !ok {
		t.Fatalf("outbox closed early")
	}
	if class != ClassNormal || string(payload) != "starved" {
		t.Fatalf("expected the starved normal message after %d skips, got %s (%s)", limit, class, payload)
	}
}

func TestOutboxDropsWhenBufferFull(t *testing.T) {
	box := newOutbox("conn-1")
	for i := 0; i < 4; i++ {
		if !box.push([]byte("m"), ClassLow, 4) {
			t.Fatalf("expected push %d to fit", i)
		}
	}
	if box.push([]byte("overflow"), ClassLow, 4) {
		t.Fatalf("expected push beyond the buffer limit to be refused")
	}
}

type recordingWriter struct {
	mu     sync.Mutex
	writes [][]byte
	fail   error
}

func (w *recordingWriter) WriteWithDeadline(data []byte, _ time.Duration) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.fail != nil {
		return w.fail
	}
	w.writes = append(w.writes, data)
	return nil
}

func (w *recordingWriter) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.writes)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not reached in time")
}

func TestQueueDeliversToRegisteredConnection(t *testing.T) {
	writer := &recordingWriter{}
	queue := New(DefaultConfig(), func(connID string) (Writer, bool) {
		return writer, connID == "conn-1"
	}, nil, nil, nil, nil)

	queue.Register("conn-1")
	defer queue.Drop("conn-1")

	queue.Enqueue("conn-1", []byte("hello"), ClassHigh)
	waitFor(t, func() bool { return writer.count() == 1 })

	if stats := queue.Stats(); stats.Delivered != 1 {
		t.Fatalf("expected one delivered, got %+v", stats)
	}
}

func TestQueueEnqueueToUnknownConnectionIsNoop(t *testing.T) {
	queue := New(DefaultConfig(), func(string) (Writer, bool) {
		return nil, false
	}, nil, nil, nil, nil)

	queue.Enqueue("ghost", []byte("hello"), ClassHigh)
	if stats := queue.Stats(); stats.Delivered != 0 {
		t.Fatalf("expected nothing delivered, got %+v", stats)
	}
}

func TestQueueWriteFailureDropsAndNotifies(t *testing.T) {
	writer := &recordingWriter{fail: errors.New("broken pipe")}
	var mu sync.Mutex
	var failed []string
	queue := New(DefaultConfig(), func(connID string) (Writer, bool) {
		return writer, true
	}, func(connID string, err error) {
		mu.Lock()
		failed = append(failed, connID)
		mu.Unlock()
	}, nil, nil, nil)

	queue.Register("conn-1")
	defer queue.Drop("conn-1")
	queue.Enqueue("conn-1", []byte("hello"), ClassHigh)

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(failed) == 1 && failed[0] == "conn-1"
	})
	if stats := queue.Stats(); stats.Dropped != 1 {
		t.Fatalf("expected one dropped, got %+v", stats)
	}
}

func TestQueueBroadcastReachesEveryConnection(t *testing.T) {
	writers := map[string]*recordingWriter{
		"conn-1": {},
		"conn-2": {},
	}
	queue := New(DefaultConfig(), func(connID string) (Writer, bool) {
		w, ok := writers[connID]
		return w, ok
	}, nil, nil, nil, nil)

	queue.Register("conn-1")
	queue.Register("conn-2")
	defer queue.Drop("conn-1")
	defer queue.Drop("conn-2")

	queue.Broadcast([]string{"conn-1", "conn-2"}, []byte("state"), ClassHigh)
	waitFor(t, func() bool {
		return writers["conn-1"].count() == 1 && writers["conn-2"].count() == 1
	})
}

func TestQueueDropStopsPump(t *testing.T) {
	writer := &recordingWriter{}
	queue := New(DefaultConfig(), func(string) (Writer, bool) {
		return writer, true
	}, nil, nil, nil, nil)

	queue.Register("conn-1")
	queue.Drop("conn-1")
	queue.Enqueue("conn-1", []byte("late"), ClassHigh)

	time.Sleep(20 * time.Millisecond)
	if writer.count() != 0 {
		t.Fatalf("expected no delivery after drop, got %d", writer.count())
	}
}

func TestQueueFeedsDeliveryCounters(t *testing.T) {
	collector := load.NewCollector(prometheus.NewRegistry())
	good := &recordingWriter{}
	bad := &recordingWriter{fail: errors.New("broken pipe")}
	queue := New(DefaultConfig(), func(connID string) (Writer, bool) {
		if connID == "conn-1" {
			return good, true
		}
		return bad, true
	}, nil, nil, nil, collector)

	queue.Register("conn-1")
	queue.Register("conn-2")
	defer queue.Drop("conn-1")
	defer queue.Drop("conn-2")

	queue.Enqueue("conn-1", []byte("state"), ClassHigh)
	queue.Enqueue("conn-2", []byte("tick"), ClassLow)
	waitFor(t, func() bool {
		stats := queue.Stats()
		return stats.Delivered == 1 && stats.Dropped == 1
	})

	delivered := testutil.ToFloat64(collector.MessagesDelivered.WithLabelValues("high"))
	if delivered != 1 {
		t.Fatalf("expected one high delivery counted, got %v", delivered)
	}
	dropped := testutil.ToFloat64(collector.MessagesDropped.WithLabelValues("low", "write_failed"))
	if dropped != 1 {
		t.Fatalf("expected one write-failed drop counted, got %v", dropped)
	}
}
