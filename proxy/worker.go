// Package proxy implements the stateless proxy worker: it resolves a public
// request against a cached registry snapshot (longest prefix wins), picks a
// target round-robin with failover, and forwards the request. WebSocket
// upgrades included.
//
// A worker never mutates routing state. Its view is replaced wholesale by
// control-plane broadcasts, and its round-robin cursors are private, so
// fairness is per-worker; distribution across workers is approximate.
package proxy

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"clustergate/metrics"
	"clustergate/registry"
)

type targetKey struct{}

// WorkerOptions tunes a worker. Zero values mean 5s forward timeout and no
// error callback.
type WorkerOptions struct {
	ForwardTimeout time.Duration
	// OnTargetError is called when a target refuses connections. The control
	// plane uses it to fold request-time failures into the same accounting
	// the health monitor feeds.
	OnTargetError func(targetURL, errMsg string)
}

// Worker serves public traffic from a read-only snapshot cache.
type Worker struct {
	id  string
	log *zap.Logger

	snap atomic.Pointer[registry.Snapshot]

	mu      sync.Mutex
	cursors map[string]*atomic.Int64

	rp      *httputil.ReverseProxy
	onError func(targetURL, errMsg string)
}

// NewWorker builds a worker with an empty snapshot.
func NewWorker(log *zap.Logger, opts WorkerOptions) *Worker {
	timeout := opts.ForwardTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	w := &Worker{
		id:      uuid.NewString(),
		log:     log,
		cursors: make(map[string]*atomic.Int64),
		onError: opts.OnTargetError,
	}
	empty := registry.Snapshot{}
	w.snap.Store(&empty)

	w.rp = &httputil.ReverseProxy{
		Director: w.direct,
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout: timeout,
			}).DialContext,
			ResponseHeaderTimeout: timeout,
			// Backend targets present cluster-local certificates, not
			// publicly anchored ones.
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		},
		ErrorHandler: w.upstreamError,
		ErrorLog:     zap.NewStdLog(log),
	}
	return w
}

// ID identifies the worker in logs and respawn events.
func (w *Worker) ID() string { return w.id }

// Update replaces the cached snapshot and drops cursors for prefixes that
// no longer exist. Called from the broadcast path only.
func (w *Worker) Update(snap registry.Snapshot) {
	w.snap.Store(&snap)

	w.mu.Lock()
	for prefix := range w.cursors {
		if _, ok := snap[prefix]; !ok {
			delete(w.cursors, prefix)
		}
	}
	w.mu.Unlock()
}

// View returns the snapshot the worker is currently routing from.
func (w *Worker) View() registry.Snapshot {
	return *w.snap.Load()
}

// ServeHTTP resolves and forwards one request.
func (w *Worker) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	snap := *w.snap.Load()

	prefix, group, ok := snap.Match(r.URL.Path)
	if !ok {
		metrics.ProxiedRequests.WithLabelValues("none").Inc()
		// An upgrade request with nowhere to go gets its socket closed
		// rather than a response the client may wait on forever.
		if isUpgrade(r) {
			w.destroy(rw)
			return
		}
		writeJSONError(rw, http.StatusNotFound, "no service registered for this path")
		return
	}

	metrics.ProxiedRequests.WithLabelValues(prefix).Inc()
	target := w.pick(prefix, group)
	tu, err := url.Parse(target)
	if err != nil {
		w.log.Error("unparseable target in registry",
			zap.String("target", target), zap.Error(err))
		writeJSONError(rw, http.StatusBadGateway, "misconfigured upstream")
		return
	}

	ctx := context.WithValue(r.Context(), targetKey{}, tu)
	w.rp.ServeHTTP(rw, r.WithContext(ctx))
}

// pick applies round robin with failover: targets last seen Healthy are
// preferred; if every target is Failing, the full set is used anyway.
// Routing into a fully-down group beats preemptively failing the request:
// the health view may be stale, and a 502 from a dead target is more useful
// than a synthetic 404. Deliberate availability-over-consistency choice.
func (w *Worker) pick(prefix string, g registry.GroupSnapshot) string {
	live := make([]string, 0, len(g.Targets))
	for _, t := range g.Targets {
		if h, ok := g.Health[t]; !ok || h.Status == registry.StatusHealthy {
			live = append(live, t)
		}
	}
	if len(live) == 0 {
		live = g.Targets
	}

	c := w.cursor(prefix).Add(1) - 1
	return live[int(c%int64(len(live)))]
}

func (w *Worker) cursor(prefix string) *atomic.Int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	c, ok := w.cursors[prefix]
	if !ok {
		c = &atomic.Int64{}
		w.cursors[prefix] = c
	}
	return c
}

// direct rewrites the outbound request for the target picked in ServeHTTP.
// Upstream application errors (its own 5xx) pass through untouched; the
// gateway only speaks for failures it caused.
func (w *Worker) direct(req *http.Request) {
	tu := req.Context().Value(targetKey{}).(*url.URL)

	proto := "http"
	if req.TLS != nil {
		proto = "https"
	}
	// ReverseProxy appends X-Forwarded-For on its own.
	req.Header.Set("X-Forwarded-Proto", proto)
	req.Header.Set("X-Forwarded-Host", req.Host)

	req.URL.Scheme = tu.Scheme
	req.URL.Host = tu.Host
	req.Host = tu.Host
}

// upstreamError maps forwarding failures to 502s. Connection refusal names
// the unreachable target; anything else surfaces the raw error string. No
// stack traces, no file paths.
func (w *Worker) upstreamError(rw http.ResponseWriter, r *http.Request, err error) {
	tu, _ := r.Context().Value(targetKey{}).(*url.URL)
	target := ""
	if tu != nil {
		target = tu.Scheme + "://" + tu.Host
	}

	if errors.Is(err, syscall.ECONNREFUSED) {
		w.log.Warn("target unreachable",
			zap.String("worker", w.id),
			zap.String("target", target),
			zap.String("path", r.URL.Path))
		if w.onError != nil && target != "" {
			w.onError(target, err.Error())
		}
		writeJSONError(rw, http.StatusBadGateway,
			fmt.Sprintf("service at %s is unreachable", target))
		return
	}

	w.log.Warn("upstream error",
		zap.String("worker", w.id),
		zap.String("target", target),
		zap.Error(err))
	writeJSONError(rw, http.StatusBadGateway, err.Error())
}

// destroy hard-closes the client connection of a doomed upgrade request.
func (w *Worker) destroy(rw http.ResponseWriter) {
	hj, ok := rw.(http.Hijacker)
	if !ok {
		rw.WriteHeader(http.StatusNotFound)
		return
	}
	conn, _, err := hj.Hijack()
	if err != nil {
		return
	}
	conn.Close()
}

func isUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
}

func writeJSONError(rw http.ResponseWriter, status int, msg string) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	json.NewEncoder(rw).Encode(map[string]string{"error": msg})
}
