package gateway

import (
	"testing"
	"time"

	"clustergate/registry"
)

func snapWith(prefix string) registry.Snapshot {
	return registry.Snapshot{
		prefix: registry.GroupSnapshot{Name: "svc", Targets: []string{"http://localhost:9001"}},
	}
}

func TestHubDeliversToAllSubscribers(t *testing.T) {
	h := NewHub()
	a, cancelA := h.Subscribe()
	b, cancelB := h.Subscribe()
	defer cancelA()
	defer cancelB()

	h.Broadcast(snapWith("/x"))

	for name, ch := range map[string]<-chan registry.Snapshot{"a": a, "b": b} {
		select {
		case snap := <-ch:
			if _, ok := snap["/x"]; !ok {
				t.Fatalf("%s got wrong snapshot: %v", name, snap)
			}
		case <-time.After(time.Second):
			t.Fatalf("%s never received the broadcast", name)
		}
	}
}

// A subscriber that never drains still ends up with the newest snapshot,
// and the broadcaster never blocks on it.
func TestHubLatestWins(t *testing.T) {
	h := NewHub()
	ch, cancel := h.Subscribe()
	defer cancel()

	done := make(chan struct{})
	go func() {
		h.Broadcast(snapWith("/old"))
		h.Broadcast(snapWith("/mid"))
		h.Broadcast(snapWith("/new"))
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("broadcast blocked on a slow subscriber")
	}

	snap := <-ch
	if _, ok := snap["/new"]; !ok {
		t.Fatalf("expect newest snapshot, got %v", snap)
	}
}

func TestHubSubscribeDeliversCurrentView(t *testing.T) {
	h := NewHub()
	h.Broadcast(snapWith("/existing"))

	ch, cancel := h.Subscribe()
	defer cancel()
	select {
	case snap := <-ch:
		if _, ok := snap["/existing"]; !ok {
			t.Fatalf("late subscriber got %v", snap)
		}
	case <-time.After(time.Second):
		t.Fatal("late subscriber never received the current snapshot")
	}
}

func TestHubCancelStopsDelivery(t *testing.T) {
	h := NewHub()
	ch, cancel := h.Subscribe()
	cancel()

	// Channel is closed; broadcast after cancel must not panic.
	h.Broadcast(snapWith("/x"))
	if _, open := <-ch; open {
		// The pre-cancel buffered value may arrive, but after close the
		// channel drains shut.
		if _, open := <-ch; open {
			t.Fatal("canceled subscription still receiving")
		}
	}
}
