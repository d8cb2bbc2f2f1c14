package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	c, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if c.Listen.Port != 8080 || c.Listen.ControlPort != 8443 {
		t.Fatalf("bad default ports: %d/%d", c.Listen.Port, c.Listen.ControlPort)
	}
	if c.Health.Interval != 30*time.Second || c.Health.ProbeTimeout != 5*time.Second {
		t.Fatalf("bad health defaults: %v/%v", c.Health.Interval, c.Health.ProbeTimeout)
	}
	if c.Health.FailThreshold != 3 {
		t.Fatalf("bad fail threshold: %d", c.Health.FailThreshold)
	}
	if c.Proxy.ForwardTimeout != 5*time.Second {
		t.Fatalf("bad forward timeout: %v", c.Proxy.ForwardTimeout)
	}
	if !c.TLS.Enabled {
		t.Fatal("TLS must default to enabled")
	}
}

func TestFileLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.yaml")
	body := `
listen:
  port: 9000
  site_url: https://example.org
health:
  interval: 10s
  fail_threshold: 5
workers:
  cap: 2
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	c, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if c.Listen.Port != 9000 || c.Listen.SiteURL != "https://example.org" {
		t.Fatalf("file values ignored: %+v", c.Listen)
	}
	if c.Health.Interval != 10*time.Second || c.Health.FailThreshold != 5 {
		t.Fatalf("file health values ignored: %+v", c.Health)
	}
	if c.Workers.Cap != 2 {
		t.Fatalf("file worker cap ignored: %d", c.Workers.Cap)
	}
	// Untouched keys keep their defaults.
	if c.Listen.ControlPort != 8443 {
		t.Fatalf("default lost on partial file: %d", c.Listen.ControlPort)
	}
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("CLUSTERGATE_LISTEN_PORT", "7777")
	t.Setenv("CLUSTERGATE_AUTH_SHARED_SECRET", "from-env")

	c, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if c.Listen.Port != 7777 {
		t.Fatalf("env port ignored: %d", c.Listen.Port)
	}
	if c.Auth.SharedSecret != "from-env" {
		t.Fatalf("env secret ignored: %q", c.Auth.SharedSecret)
	}
}

func TestApplyPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.yaml")
	if err := os.WriteFile(path, []byte("listen:\n  port: 8080\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	c, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	port := 9001
	ssl := false
	site := "https://new.example.org"
	if err := c.Apply(&port, &ssl, &site); err != nil {
		t.Fatal(err)
	}
	if c.Listen.Port != 9001 || c.TLS.Enabled || c.Listen.SiteURL != site {
		t.Fatalf("apply did not mutate live config: %+v", c.Listen)
	}

	reloaded, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if reloaded.Listen.Port != 9001 || reloaded.TLS.Enabled || reloaded.Listen.SiteURL != site {
		t.Fatalf("apply not persisted: %+v %+v", reloaded.Listen, reloaded.TLS)
	}
}

func TestApplyPartial(t *testing.T) {
	c, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	port := 9100
	if err := c.Apply(&port, nil, nil); err != nil {
		t.Fatal(err)
	}
	if c.Listen.Port != 9100 {
		t.Fatalf("port not applied: %d", c.Listen.Port)
	}
	if !c.TLS.Enabled || c.Listen.SiteURL != "http://localhost:8080" {
		t.Fatal("nil fields must stay untouched")
	}
}
