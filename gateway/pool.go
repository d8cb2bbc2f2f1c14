package gateway

import (
	"net/http"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"clustergate/metrics"
	"clustergate/proxy"
	"clustergate/registry"
)

// slot pairs a worker with the goroutine pumping hub updates into it.
type slot struct {
	worker *proxy.Worker
	cancel func()
}

// Pool dispatches public requests across N workers round-robin. Each worker
// keeps its own snapshot cache and cursors, so rotation fairness is
// per-worker, not global.
//
// A panic inside a worker is contained here: the crashed worker is replaced
// immediately, other workers and other requests never notice.
type Pool struct {
	log  *zap.Logger
	hub  *Hub
	opts proxy.WorkerOptions

	mu    sync.RWMutex
	slots []*slot
	next  atomic.Int64
}

// NewPool spawns size workers subscribed to hub.
func NewPool(log *zap.Logger, hub *Hub, size int, opts proxy.WorkerOptions) *Pool {
	if size < 1 {
		size = 1
	}
	p := &Pool{log: log, hub: hub, opts: opts}
	p.slots = make([]*slot, size)
	for i := range p.slots {
		p.slots[i] = p.spawn()
	}
	return p
}

func (p *Pool) spawn() *slot {
	w := proxy.NewWorker(p.log, p.opts)
	ch, cancel := p.hub.Subscribe()
	go func() {
		for snap := range ch {
			w.Update(snap)
		}
	}()
	p.log.Info("worker started", zap.String("worker", w.ID()))
	return &slot{worker: w, cancel: cancel}
}

// Size reports the number of live workers.
func (p *Pool) Size() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.slots)
}

// ServeHTTP picks the next worker round-robin and hands it the request.
func (p *Pool) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	p.mu.RLock()
	i := int(p.next.Add(1)-1) % len(p.slots)
	s := p.slots[i]
	p.mu.RUnlock()

	defer func() {
		if rec := recover(); rec != nil {
			p.respawn(i, s, rec)
			// The crashed request's connection is torn down the way a dead
			// worker process would have dropped it; no error page is faked.
			panic(http.ErrAbortHandler)
		}
	}()
	s.worker.ServeHTTP(rw, r)
}

// respawn replaces a crashed worker. Worker crashes never trip the storm
// breaker; that belongs to the outer supervisor and applies to the whole
// gateway process.
func (p *Pool) respawn(i int, crashed *slot, cause any) {
	metrics.WorkerRespawns.Inc()
	p.log.Error("worker crashed, respawning",
		zap.String("worker", crashed.worker.ID()),
		zap.Any("panic", cause))

	p.mu.Lock()
	defer p.mu.Unlock()
	// Another request may have respawned this slot already.
	if i < len(p.slots) && p.slots[i] == crashed {
		crashed.cancel()
		p.slots[i] = p.spawn()
	}
}

// Restart replaces every worker. Used on certificate or configuration
// changes: transport material changes, routing state does not.
func (p *Pool) Restart(reason string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.log.Info("restarting all workers", zap.String("reason", reason), zap.Int("count", len(p.slots)))
	for i, s := range p.slots {
		s.cancel()
		p.slots[i] = p.spawn()
	}
}

// Close stops all update pumps. Workers themselves hold no resources.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range p.slots {
		s.cancel()
	}
}

// Views returns each worker's current snapshot, for diagnostics and tests.
func (p *Pool) Views() []registry.Snapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()
	views := make([]registry.Snapshot, len(p.slots))
	for i, s := range p.slots {
		views[i] = s.worker.View()
	}
	return views
}
