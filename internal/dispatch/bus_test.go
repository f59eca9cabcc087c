package dispatch

import (
	"testing"

	server "cardroom/server"
)

func TestBusDeliversToTableSubscribersOnly(t *testing.T) {
	bus := NewBus()

	var got []string
	bus.Subscribe("table-1", func(ev Event) { got = append(got, ev.State.ID) })
	bus.Subscribe("table-2", func(ev Event) { t.Fatalf("unexpected delivery for table-2") })

	bus.Publish(Event{TableID: "table-1", State: server.TableState{ID: "table-1"}})

	if len(got) != 1 || got[0] != "table-1" {
		t.Fatalf("expected one delivery for table-1, got %v", got)
	}
}

func TestBusCancelStopsDeliveries(t *testing.T) {
	bus := NewBus()

	calls := 0
	cancel := bus.Subscribe("table-1", func(Event) { calls++ })
	bus.Publish(Event{TableID: "table-1"})
	cancel()
	bus.Publish(Event{TableID: "table-1"})

	if calls != 1 {
		t.Fatalf("expected deliveries to stop after cancel, got %d calls", calls)
	}
}

func TestBusSupportsMultipleSubscribersPerTable(t *testing.T) {
	bus := NewBus()

	calls := 0
	bus.Subscribe("table-1", func(Event) { calls++ })
	bus.Subscribe("table-1", func(Event) { calls++ })
	bus.Publish(Event{TableID: "table-1"})

	if calls != 2 {
		t.Fatalf("expected both subscribers invoked, got %d calls", calls)
	}
}
