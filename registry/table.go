package registry

import (
	"sort"
	"strings"
	"sync"
)

// group is the mutable RouteGroup. Target order tracks insertion so that
// snapshots are stable for round-robin cursors.
type group struct {
	name    string
	targets []string
	health  map[string]*TargetHealth
}

// Table is the authoritative route table. A single writer (the control
// plane) mutates it; everyone else works from Snapshots. The mutex exists
// because Snapshot/Targets may be called from the probe collector while a
// registration lands, not for sharing internals.
type Table struct {
	mu            sync.Mutex
	groups        map[string]*group
	failThreshold int
}

// NewTable creates an empty table. failThreshold is the number of
// consecutive probe failures after which a target is evicted (0 means the
// default of 3).
func NewTable(failThreshold int) *Table {
	if failThreshold <= 0 {
		failThreshold = 3
	}
	return &Table{
		groups:        make(map[string]*group),
		failThreshold: failThreshold,
	}
}

// Register applies a service announcement.
//
// A URL belongs to at most one logical service at a time: the target is
// first removed from every group it currently sits in (dropping groups that
// become empty), then inserted under each announced route. A stale prior
// registration therefore never keeps leaking traffic to the wrong service.
func (t *Table) Register(s Service) error {
	if err := s.Validate(); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	t.removeLocked(s.URL)

	// Routes like /api and /api/ normalize to the same prefix; insert once.
	seen := make(map[string]bool, len(s.Routes))
	for _, route := range s.Routes {
		prefix := normalizePrefix(route)
		if seen[prefix] {
			continue
		}
		seen[prefix] = true
		g, ok := t.groups[prefix]
		if !ok {
			g = &group{
				name:   s.Name,
				health: make(map[string]*TargetHealth),
			}
			t.groups[prefix] = g
		}
		g.name = s.Name
		g.targets = append(g.targets, s.URL)
		g.health[s.URL] = &TargetHealth{Status: StatusHealthy}
	}
	return nil
}

// RecordProbe folds one probe result into the table. A success resets the
// failure streak; a failure increments it, and at the threshold the target
// is evicted (and its group deleted if now empty). Returns whether an
// eviction happened; callers use that to decide whether to re-broadcast.
func (t *Table) RecordProbe(url string, r ProbeResult) (evicted bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, g := range t.groups {
		h, ok := g.health[url]
		if !ok {
			continue
		}
		if r.Alive {
			h.Status = StatusHealthy
			h.LatencyMs = r.LatencyMs
			h.FailCount = 0
			h.LastError = ""
			continue
		}
		h.Status = StatusFailing
		h.FailCount++
		h.LastError = r.Err
		if h.FailCount >= t.failThreshold {
			evicted = true
		}
	}
	if evicted {
		t.removeLocked(url)
	}
	return evicted
}

// RemoveTarget drops a URL from every group it belongs to, deleting groups
// that end up empty. Returns whether anything changed.
func (t *Table) RemoveTarget(url string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.removeLocked(url)
}

// removeLocked is the shared eviction path: drops every occurrence of url
// from every group. Caller holds t.mu.
func (t *Table) removeLocked(url string) bool {
	changed := false
	for prefix, g := range t.groups {
		kept := g.targets[:0]
		for _, target := range g.targets {
			if target == url {
				changed = true
				continue
			}
			kept = append(kept, target)
		}
		if len(kept) == len(g.targets) {
			continue
		}
		g.targets = kept
		delete(g.health, url)
		if len(g.targets) == 0 {
			// No routes pointing at nothing.
			delete(t.groups, prefix)
		}
	}
	return changed
}

// Snapshot deep-copies the table. The result shares nothing with the
// table's internals, so proxy workers and the persistence layer can hold it
// for as long as they like.
func (t *Table) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	snap := make(Snapshot, len(t.groups))
	for prefix, g := range t.groups {
		gs := GroupSnapshot{
			Name:    g.name,
			Targets: append([]string(nil), g.targets...),
			Health:  make(map[string]TargetHealth, len(g.health)),
		}
		for url, h := range g.health {
			gs.Health[url] = *h
		}
		snap[prefix] = gs
	}
	return snap
}

// Targets flattens the table into the (prefix, target) pairs the health
// monitor probes, in deterministic order.
func (t *Table) Targets() []TargetRef {
	t.mu.Lock()
	defer t.mu.Unlock()

	var refs []TargetRef
	for prefix, g := range t.groups {
		for _, url := range g.targets {
			refs = append(refs, TargetRef{Prefix: prefix, Name: g.name, URL: url})
		}
	}
	sort.Slice(refs, func(i, j int) bool {
		if refs[i].Prefix != refs[j].Prefix {
			return refs[i].Prefix < refs[j].Prefix
		}
		return refs[i].URL < refs[j].URL
	})
	return refs
}

// Restore replaces the table contents from a persisted snapshot. Health
// records start fresh (everything Healthy with zero strikes); stale health
// from before a restart is worthless. The file may have been hand-edited,
// so targets are deduplicated and groups with no targets are dropped.
func (t *Table) Restore(snap Snapshot) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.groups = make(map[string]*group, len(snap))
	for prefix, gs := range snap {
		g := &group{
			name:   gs.Name,
			health: make(map[string]*TargetHealth, len(gs.Targets)),
		}
		for _, url := range gs.Targets {
			if _, dup := g.health[url]; dup {
				continue
			}
			g.targets = append(g.targets, url)
			g.health[url] = &TargetHealth{Status: StatusHealthy}
		}
		if len(g.targets) == 0 {
			continue
		}
		t.groups[normalizePrefix(prefix)] = g
	}
}

// Match resolves a request path to its RouteGroup using longest-prefix-wins:
// with /api and /api/v2 both registered, /api/v2/posts goes to /api/v2.
// Matching is path-segment aware ("/api" matches "/api" and "/api/...", not
// "/apix"); "/" matches everything. Returns the prefix and false if nothing
// matches.
func (s Snapshot) Match(path string) (string, GroupSnapshot, bool) {
	best := ""
	found := false
	for prefix, g := range s {
		// A group with no targets routes nowhere.
		if len(g.Targets) == 0 {
			continue
		}
		if !prefixMatches(prefix, path) {
			continue
		}
		if !found || len(prefix) > len(best) {
			best = prefix
			found = true
		}
	}
	if !found {
		return "", GroupSnapshot{}, false
	}
	return best, s[best], true
}

func prefixMatches(prefix, path string) bool {
	if prefix == "/" {
		return true
	}
	if !strings.HasPrefix(path, prefix) {
		return false
	}
	// Boundary check: the next byte after the prefix must start a new
	// segment, otherwise /api would capture /apix.
	return len(path) == len(prefix) || path[len(prefix)] == '/'
}

func normalizePrefix(p string) string {
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if p != "/" {
		p = strings.TrimRight(p, "/")
	}
	return p
}
