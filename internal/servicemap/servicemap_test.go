package servicemap

import (
	"os"
	"path/filepath"
	"sort"
	"testing"
)

func writeMap(t *testing.T, content string) *Map {
	t.Helper()
	path := filepath.Join(t.TempDir(), "service_map.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing fixture: %v", err)
	}
	m, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	return m
}

func TestLoadAndGet(t *testing.T) {
	m := writeMap(t, `
services:
  billing:
    repo: acme/billing
    host: github
    depends_on: ["contract-owner"]
  checkout:
    repo: acme/checkout
    host: gitlab
    depends_on: ["billing"]
`)

	svc, ok := m.Get("billing")
	if !ok {
		t.Fatalf("expected billing to be registered")
	}
	if svc.Repo != "acme/billing" || svc.Host != "github" {
		t.Errorf("unexpected billing entry: %+v", svc)
	}

	if _, ok := m.Get("unknown"); ok {
		t.Errorf("expected unknown service to be absent")
	}
}

func TestNames(t *testing.T) {
	m := writeMap(t, `
services:
  a:
    repo: acme/a
  b:
    repo: acme/b
`)
	names := m.Names()
	sort.Strings(names)
	if len(names) != 2 || names[0] != "a" || names[1] != "b" {
		t.Fatalf("unexpected names: %v", names)
	}
}

func TestDependentsOf(t *testing.T) {
	m := writeMap(t, `
services:
  billing:
    repo: acme/billing
    depends_on: ["contract-owner"]
  checkout:
    repo: acme/checkout
    depends_on: ["billing"]
  reporting:
    repo: acme/reporting
    depends_on: ["billing"]
`)

	deps := m.DependentsOf("billing")
	sort.Strings(deps)
	if len(deps) != 2 || deps[0] != "checkout" || deps[1] != "reporting" {
		t.Fatalf("unexpected dependents: %v", deps)
	}

	if deps := m.DependentsOf("checkout"); len(deps) != 0 {
		t.Fatalf("expected no dependents of checkout, got %v", deps)
	}
}

func TestLoadEmptyServices(t *testing.T) {
	m := writeMap(t, "services: {}\n")
	if len(m.Names()) != 0 {
		t.Fatalf("expected empty registry, got %v", m.Names())
	}
}
