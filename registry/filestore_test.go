package registry

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestFileStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry.json")
	store := NewFileStore(path)

	tbl := NewTable(3)
	register(t, tbl, "backend", "https://127.0.0.1:3000", "/api", "/uploads")
	register(t, tbl, "frontend", "http://127.0.0.1:3001", "/")

	if err := store.Save(tbl.Snapshot()); err != nil {
		t.Fatalf("save: %v", err)
	}

	loaded, err := store.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(loaded) != 3 {
		t.Fatalf("expect 3 groups, got %d", len(loaded))
	}
	if loaded["/api"].Name != "backend" || len(loaded["/api"].Targets) != 1 {
		t.Fatalf("bad /api group: %+v", loaded["/api"])
	}
}

func TestFileStoreMissingFile(t *testing.T) {
	store := NewFileStore(filepath.Join(t.TempDir(), "nope", "registry.json"))
	snap, err := store.Load()
	if err != nil {
		t.Fatalf("missing file must load as empty, got %v", err)
	}
	if len(snap) != 0 {
		t.Fatalf("expect empty snapshot, got %v", snap)
	}
}

// An interrupted save (temp file written but never renamed) must leave the
// previous version intact and readable.
func TestFileStoreAtomicSave(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "registry.json")
	store := NewFileStore(path)

	tbl := NewTable(3)
	register(t, tbl, "svc", "http://localhost:9001", "/x")
	if err := store.Save(tbl.Snapshot()); err != nil {
		t.Fatalf("save: %v", err)
	}

	// Simulate a crash mid-write: a truncated temp file sitting next to the
	// real one, never renamed.
	if err := os.WriteFile(filepath.Join(dir, "registry.json.tmp-crashed"), []byte(`{"/x":{"na`), 0o644); err != nil {
		t.Fatal(err)
	}

	loaded, err := store.Load()
	if err != nil {
		t.Fatalf("prior version unreadable after simulated crash: %v", err)
	}
	if _, ok := loaded["/x"]; !ok {
		t.Fatalf("lost /x group: %v", loaded)
	}

	// The real file itself is valid JSON byte-for-byte.
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !json.Valid(raw) {
		t.Fatalf("registry file is not valid JSON: %s", raw)
	}
}

// Health metrics are runtime-only: the persisted document carries just
// {name, targets} per prefix.
func TestFileStoreOmitsMetrics(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry.json")
	store := NewFileStore(path)

	tbl := NewTable(3)
	register(t, tbl, "svc", "http://localhost:9001", "/x")
	tbl.RecordProbe("http://localhost:9001", ProbeResult{Alive: false, Err: "secret detail"})

	if err := store.Save(tbl.Snapshot()); err != nil {
		t.Fatalf("save: %v", err)
	}
	raw, _ := os.ReadFile(path)
	if strings.Contains(string(raw), "failCount") || strings.Contains(string(raw), "secret detail") {
		t.Fatalf("metrics leaked into persisted file: %s", raw)
	}
}
