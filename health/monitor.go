// Package health actively probes every registered target and feeds the
// results back into the routing table, evicting targets that fail three
// consecutive probes.
//
// Worst-case detection window: with the default 30s interval and 3-strike
// threshold, a target that dies right after a probe is evicted within
// roughly interval × threshold ≈ 90 seconds. Worker views may lag one
// broadcast behind on top of that, which the design accepts.
package health

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"clustergate/metrics"
	"clustergate/registry"
)

// ProbeFunc issues one liveness probe. Swappable in tests.
type ProbeFunc func(ctx context.Context, url string) registry.ProbeResult

// Options configures a Monitor. Zero values fall back to the defaults the
// gateway ships with (30s interval, 5s timeout, /health path).
type Options struct {
	Interval time.Duration
	Timeout  time.Duration
	Path     string
	Probe    ProbeFunc
	// OnChange fires after any pass that changed the table (status flip or
	// eviction); the control plane persists and re-broadcasts from it.
	OnChange func(registry.Snapshot)
}

// Monitor periodically probes all (group, target) pairs. It implements
// suture's Service interface via Serve.
type Monitor struct {
	table    *registry.Table
	log      *zap.Logger
	interval time.Duration
	timeout  time.Duration
	path     string
	probe    ProbeFunc
	onChange func(registry.Snapshot)
}

// NewMonitor builds a monitor over the given table.
func NewMonitor(table *registry.Table, log *zap.Logger, opts Options) *Monitor {
	m := &Monitor{
		table:    table,
		log:      log,
		interval: opts.Interval,
		timeout:  opts.Timeout,
		path:     opts.Path,
		probe:    opts.Probe,
		onChange: opts.OnChange,
	}
	if m.interval <= 0 {
		m.interval = 30 * time.Second
	}
	if m.timeout <= 0 {
		m.timeout = 5 * time.Second
	}
	if m.path == "" {
		m.path = "/health"
	}
	if m.probe == nil {
		client := &http.Client{Timeout: m.timeout}
		m.probe = func(ctx context.Context, url string) registry.ProbeResult {
			return httpProbe(ctx, client, url, m.path)
		}
	}
	return m
}

// Serve runs probe passes on the configured interval until ctx is canceled.
func (m *Monitor) Serve(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.RunOnce(ctx)
		}
	}
}

// probeOutcome pairs a target with its result so the pass can apply all
// results serially after the concurrent fan-out.
type probeOutcome struct {
	ref    registry.TargetRef
	result registry.ProbeResult
}

// RunOnce executes a single probe pass: all targets concurrently (a hung
// target must not delay the rest), each bounded by the probe timeout, then
// the results folded into the table one by one. Returns whether the pass
// changed anything.
func (m *Monitor) RunOnce(ctx context.Context) bool {
	refs := m.table.Targets()
	if len(refs) == 0 {
		return false
	}

	before := m.table.Snapshot()

	outcomes := make([]probeOutcome, len(refs))
	g, gctx := errgroup.WithContext(ctx)
	for i, ref := range refs {
		g.Go(func() error {
			pctx, cancel := context.WithTimeout(gctx, m.timeout)
			defer cancel()
			outcomes[i] = probeOutcome{ref: ref, result: m.probe(pctx, ref.URL)}
			return nil
		})
	}
	g.Wait()

	changed := false
	seen := make(map[string]bool, len(outcomes))
	for _, o := range outcomes {
		// A URL serving several prefixes shows up once per prefix; one
		// probe verdict per URL per pass is enough.
		if seen[o.ref.URL] {
			continue
		}
		seen[o.ref.URL] = true

		evicted := m.table.RecordProbe(o.ref.URL, o.result)
		prev := statusBefore(before, o.ref)

		if evicted {
			changed = true
			metrics.Evictions.WithLabelValues(o.ref.Name).Inc()
			m.log.Warn("target evicted after repeated probe failures",
				zap.String("service", o.ref.Name),
				zap.String("target", o.ref.URL),
				zap.String("error", o.result.Err))
			continue
		}
		if o.result.Alive && prev == registry.StatusFailing {
			changed = true
			m.log.Info("target recovered",
				zap.String("service", o.ref.Name),
				zap.String("target", o.ref.URL))
		}
		if !o.result.Alive {
			changed = true
			metrics.ProbeFailures.WithLabelValues(o.ref.Name).Inc()
			m.log.Warn("probe failed",
				zap.String("service", o.ref.Name),
				zap.String("target", o.ref.URL),
				zap.String("error", o.result.Err))
		}
	}

	if changed && m.onChange != nil {
		m.onChange(m.table.Snapshot())
	}
	return changed
}

func statusBefore(snap registry.Snapshot, ref registry.TargetRef) registry.TargetStatus {
	if g, ok := snap[ref.Prefix]; ok {
		if h, ok := g.Health[ref.URL]; ok {
			return h.Status
		}
	}
	return registry.StatusHealthy
}

// httpProbe GETs {target}{path}. Any response below 500 counts as alive;
// a 404 from a target with no health route still proves the process is up;
// only connection failures and server errors count against it.
func httpProbe(ctx context.Context, client *http.Client, target, path string) registry.ProbeResult {
	url := strings.TrimRight(target, "/") + path

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return registry.ProbeResult{Alive: false, Err: err.Error()}
	}

	start := time.Now()
	resp, err := client.Do(req)
	latency := time.Since(start).Milliseconds()
	if err != nil {
		return registry.ProbeResult{Alive: false, LatencyMs: latency, Err: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return registry.ProbeResult{
			Alive:     false,
			LatencyMs: latency,
			Err:       fmt.Sprintf("unhealthy status %d", resp.StatusCode),
		}
	}
	return registry.ProbeResult{Alive: true, LatencyMs: latency}
}
