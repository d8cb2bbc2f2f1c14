// Package registry holds the gateway's routing table: a map from URL-path
// prefix to the set of backend instances serving that prefix, plus per-target
// health bookkeeping.
//
// The table has exactly one writer (the control plane). Readers never see the
// internal maps; they get deep-copied Snapshots, which is what gets broadcast
// to proxy workers and persisted to disk.
package registry

import "errors"

// TargetStatus is the last known health verdict for a target.
type TargetStatus string

const (
	StatusHealthy TargetStatus = "healthy"
	StatusFailing TargetStatus = "failing"
)

// Service is a registration announcement from a backend: one instance URL
// exported under one or more route prefixes.
type Service struct {
	Name   string   `json:"name"`
	URL    string   `json:"url"`
	Routes []string `json:"routes"`
}

// TargetHealth is the runtime health record for a single target URL.
// It is never persisted; after a restart, health is re-derived from fresh
// probes rather than trusted from a stale file.
type TargetHealth struct {
	Status    TargetStatus `json:"status"`
	LatencyMs int64        `json:"latencyMs"`
	FailCount int          `json:"failCount"`
	LastError string       `json:"lastError,omitempty"`
}

// ProbeResult is the outcome of one liveness probe against a target.
type ProbeResult struct {
	Alive     bool
	LatencyMs int64
	Err       string
}

// GroupSnapshot is the read-only view of one RouteGroup.
type GroupSnapshot struct {
	Name    string                  `json:"name"`
	Targets []string                `json:"targets"`
	Health  map[string]TargetHealth `json:"-"`
}

// Snapshot is an immutable copy of the full table, keyed by route prefix.
// Safe to hand to other goroutines; mutating it never affects the table.
type Snapshot map[string]GroupSnapshot

// TargetRef names one (prefix, target) pair, the unit the health monitor
// probes.
type TargetRef struct {
	Prefix string
	Name   string
	URL    string
}

// Store persists a Snapshot. Implementations: FileStore (local JSON file,
// atomic rename) and EtcdStore (leased key in an etcd cluster).
type Store interface {
	Load() (Snapshot, error)
	Save(Snapshot) error
}

var (
	ErrEmptyURL    = errors.New("registration url is empty")
	ErrEmptyName   = errors.New("registration name is empty")
	ErrEmptyRoutes = errors.New("registration has no routes")
)

// Validate checks a registration announcement before it touches the table,
// so a malformed one is rejected whole rather than half-applied.
func (s Service) Validate() error {
	if s.Name == "" {
		return ErrEmptyName
	}
	if s.URL == "" {
		return ErrEmptyURL
	}
	if len(s.Routes) == 0 {
		return ErrEmptyRoutes
	}
	return nil
}
