// Package gateway is the control plane: it owns the routing table, runs the
// health monitor, supervises the proxy worker pool, and fans registry
// snapshots out to workers. Workers never write back; the table has one
// writer, and staleness in a worker's view is bounded by broadcast latency.
package gateway

import (
	"sync"

	"clustergate/registry"
)

// Hub fans snapshots out to subscribers with latest-wins delivery: a slow
// subscriber never blocks the control plane, it just skips intermediate
// versions. Every subscriber eventually holds the newest snapshot.
type Hub struct {
	mu     sync.Mutex
	subs   map[int]chan registry.Snapshot
	nextID int
	latest registry.Snapshot
}

func NewHub() *Hub {
	return &Hub{subs: make(map[int]chan registry.Snapshot)}
}

// Subscribe registers a reader. The current snapshot (if any) is delivered
// immediately so a fresh worker starts with a view instead of an empty
// table. The returned cancel func closes the channel.
func (h *Hub) Subscribe() (<-chan registry.Snapshot, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextID
	h.nextID++
	ch := make(chan registry.Snapshot, 1)
	h.subs[id] = ch
	if h.latest != nil {
		ch <- h.latest
	}

	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if c, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(c)
		}
	}
	return ch, cancel
}

// Broadcast delivers snap to every subscriber, replacing any undelivered
// older snapshot.
func (h *Hub) Broadcast(snap registry.Snapshot) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.latest = snap
	for _, ch := range h.subs {
		select {
		case ch <- snap:
		default:
			// Drop the stale pending snapshot, then queue the new one.
			select {
			case <-ch:
			default:
			}
			ch <- snap
		}
	}
}
