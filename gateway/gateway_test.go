package gateway

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"clustergate/config"
	"clustergate/registry"
)

// testConfig is a shared-secret-mode config with all state under a temp dir
// and the health ticker effectively parked.
func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("load defaults: %v", err)
	}
	cfg.TLS.Enabled = false
	cfg.Auth.SharedSecret = "cluster-secret"
	cfg.Registry.File = filepath.Join(t.TempDir(), "registry.json")
	cfg.Workers.Cap = 2
	cfg.Health.Interval = time.Hour
	return cfg
}

func TestGatewayRefusesOpenControlPlane(t *testing.T) {
	cfg := testConfig(t)
	cfg.Auth.SharedSecret = ""

	if _, err := New(cfg, zap.NewNop()); err == nil {
		t.Fatal("no TLS and no shared secret must not boot")
	}
}

func TestGatewayRegisterPersistsAndBroadcasts(t *testing.T) {
	cfg := testConfig(t)
	g, err := New(cfg, zap.NewNop())
	if err != nil {
		t.Fatalf("new gateway: %v", err)
	}
	defer g.pool.Close()

	err = g.Register(registry.Service{
		Name:   "billing",
		URL:    "http://localhost:9001",
		Routes: []string{"/billing"},
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	// Durable: a fresh store sees the group, without health details.
	snap, err := registry.NewFileStore(cfg.Registry.File).Load()
	if err != nil {
		t.Fatalf("reload persisted registry: %v", err)
	}
	group, ok := snap["/billing"]
	if !ok {
		t.Fatalf("persisted registry missing /billing: %v", snap)
	}
	if group.Name != "billing" || len(group.Targets) != 1 {
		t.Fatalf("persisted group wrong: %+v", group)
	}

	// Live: every worker picks up the route.
	waitForViews(t, g.pool, "/billing")
}

func TestGatewayLoadsPersistedRegistry(t *testing.T) {
	cfg := testConfig(t)
	seed := registry.Snapshot{
		"/orders": registry.GroupSnapshot{Name: "orders", Targets: []string{"http://localhost:9001"}},
	}
	if err := registry.NewFileStore(cfg.Registry.File).Save(seed); err != nil {
		t.Fatalf("seed registry: %v", err)
	}

	g, err := New(cfg, zap.NewNop())
	if err != nil {
		t.Fatalf("new gateway: %v", err)
	}
	defer g.pool.Close()

	waitForViews(t, g.pool, "/orders")
}

// A corrupt registry file degrades to an empty table instead of refusing
// to boot.
func TestGatewayBootsWithCorruptRegistry(t *testing.T) {
	cfg := testConfig(t)
	if err := os.WriteFile(cfg.Registry.File, []byte("{not json"), 0o600); err != nil {
		t.Fatal(err)
	}

	g, err := New(cfg, zap.NewNop())
	if err != nil {
		t.Fatalf("corrupt registry should not block boot: %v", err)
	}
	defer g.pool.Close()

	if n := len(g.table.Targets()); n != 0 {
		t.Fatalf("expect empty table, got %d targets", n)
	}
}

func TestGatewayRestartWorkersKeepsRoutes(t *testing.T) {
	cfg := testConfig(t)
	g, err := New(cfg, zap.NewNop())
	if err != nil {
		t.Fatalf("new gateway: %v", err)
	}
	defer g.pool.Close()

	if err := g.Register(registry.Service{
		Name:   "billing",
		URL:    "http://localhost:9001",
		Routes: []string{"/billing"},
	}); err != nil {
		t.Fatalf("register: %v", err)
	}
	waitForViews(t, g.pool, "/billing")

	before := map[string]bool{}
	for _, s := range g.pool.slots {
		before[s.worker.ID()] = true
	}

	g.RestartWorkers("certificate update")

	if g.State() != StateRunning {
		t.Fatalf("expect running after restart, got %s", g.State())
	}
	for _, s := range g.pool.slots {
		if before[s.worker.ID()] {
			t.Fatal("worker survived RestartWorkers")
		}
	}
	waitForViews(t, g.pool, "/billing")
}

// Request-time connection refusals count toward the same eviction threshold
// the health monitor uses.
func TestGatewayEvictsAfterRepeatedTargetErrors(t *testing.T) {
	cfg := testConfig(t)
	g, err := New(cfg, zap.NewNop())
	if err != nil {
		t.Fatalf("new gateway: %v", err)
	}
	defer g.pool.Close()

	if err := g.Register(registry.Service{
		Name:   "billing",
		URL:    "http://localhost:9001",
		Routes: []string{"/billing"},
	}); err != nil {
		t.Fatalf("register: %v", err)
	}

	for i := 0; i < cfg.Health.FailThreshold; i++ {
		g.onTargetError("http://localhost:9001", "connection refused")
	}

	if _, ok := g.table.Snapshot()["/billing"]; ok {
		t.Fatal("target not evicted after repeated request-time failures")
	}
	// Eviction is durable, not just in-memory.
	snap, err := registry.NewFileStore(cfg.Registry.File).Load()
	if err != nil {
		t.Fatalf("reload persisted registry: %v", err)
	}
	if _, ok := snap["/billing"]; ok {
		t.Fatal("eviction not persisted")
	}
}

func TestGatewayServeLifecycle(t *testing.T) {
	cfg := testConfig(t)
	cfg.Listen.Port = 0
	cfg.Listen.ControlPort = 0

	g, err := New(cfg, zap.NewNop())
	if err != nil {
		t.Fatalf("new gateway: %v", err)
	}
	if g.State() != StateStarting {
		t.Fatalf("expect starting before Serve, got %s", g.State())
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- g.Serve(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for g.State() != StateRunning && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if g.State() != StateRunning {
		t.Fatalf("gateway never reached running, state %s", g.State())
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("shutdown should be clean: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("gateway did not shut down")
	}
	if g.State() != StateStopped {
		t.Fatalf("expect stopped after Serve returns, got %s", g.State())
	}
}
