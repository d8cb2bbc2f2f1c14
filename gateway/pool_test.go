package gateway

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"

	"clustergate/proxy"
)

func waitForViews(t *testing.T, p *Pool, prefix string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		all := true
		for _, v := range p.Views() {
			if _, ok := v[prefix]; !ok {
				all = false
				break
			}
		}
		if all {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("not all workers received %s: %v", prefix, p.Views())
}

func TestBroadcastReachesEveryWorker(t *testing.T) {
	hub := NewHub()
	p := NewPool(zap.NewNop(), hub, 4, proxy.WorkerOptions{})
	defer p.Close()

	hub.Broadcast(snapWith("/x"))
	waitForViews(t, p, "/x")
}

func TestPoolRespawnsCrashedWorker(t *testing.T) {
	hub := NewHub()
	p := NewPool(zap.NewNop(), hub, 1, proxy.WorkerOptions{})
	defer p.Close()
	hub.Broadcast(snapWith("/x"))
	waitForViews(t, p, "/x")

	before := p.slots[0].worker.ID()

	func() {
		defer func() {
			if rec := recover(); rec != http.ErrAbortHandler {
				t.Fatalf("expect ErrAbortHandler re-panic, got %v", rec)
			}
		}()
		// A nil ResponseWriter makes the worker blow up mid-request,
		// standing in for a worker crash.
		p.ServeHTTP(nil, httptest.NewRequest("GET", "/nowhere", nil))
	}()

	if p.Size() != 1 {
		t.Fatalf("pool size changed after respawn: %d", p.Size())
	}
	after := p.slots[0].worker.ID()
	if after == before {
		t.Fatal("crashed worker not replaced")
	}

	// The replacement is wired to the hub and picks up the current view.
	waitForViews(t, p, "/x")
}

func TestPoolRestartReplacesAllWorkers(t *testing.T) {
	hub := NewHub()
	p := NewPool(zap.NewNop(), hub, 3, proxy.WorkerOptions{})
	defer p.Close()
	hub.Broadcast(snapWith("/x"))
	waitForViews(t, p, "/x")

	before := map[string]bool{}
	for _, s := range p.slots {
		before[s.worker.ID()] = true
	}

	p.Restart("certificate update")

	for _, s := range p.slots {
		if before[s.worker.ID()] {
			t.Fatal("worker survived a full restart")
		}
	}
	// Routing state survives the restart untouched.
	waitForViews(t, p, "/x")
}

func TestPoolDispatchesRoundRobin(t *testing.T) {
	hub := NewHub()
	p := NewPool(zap.NewNop(), hub, 2, proxy.WorkerOptions{})
	defer p.Close()

	// No routes registered: every request 404s, but each worker should see
	// its share. Per-worker cursors stay private, so dispatch fairness is
	// all the pool guarantees.
	for i := 0; i < 4; i++ {
		rec := httptest.NewRecorder()
		p.ServeHTTP(rec, httptest.NewRequest("GET", "/none", nil))
		if rec.Code != http.StatusNotFound {
			t.Fatalf("expect 404, got %d", rec.Code)
		}
	}
}

