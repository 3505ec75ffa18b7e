package bundle

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/propagatehq/propagate/internal/contract"
	"github.com/propagatehq/propagate/internal/servicemap"
	"github.com/propagatehq/propagate/models"
)

func loadMap(t *testing.T, content string) *servicemap.Map {
	t.Helper()
	path := filepath.Join(t.TempDir(), "service_map.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing fixture: %v", err)
	}
	m, err := servicemap.Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	return m
}

func TestBuildSkipsUnmappedServices(t *testing.T) {
	smap := loadMap(t, `
services:
  billing:
    repo: acme/billing
    client_paths: ["internal/client"]
`)

	impacts := []models.ImpactRecord{
		{CallerService: "billing", Method: "GET", RouteTemplate: "/v1/accounts/{id}", CallsLast7d: 120},
		{CallerService: "unknown-service", Method: "GET", RouteTemplate: "/v1/accounts/{id}", CallsLast7d: 5},
	}
	classified := contract.ClassifiedChange{IsBreaking: true, Severity: "high", Summary: "field removed"}
	change := models.ContractChange{ID: 1}

	bundles := Build(change, classified, impacts, smap)
	if len(bundles) != 1 {
		t.Fatalf("expected 1 bundle, got %d", len(bundles))
	}
	if bundles[0].TargetService != "billing" {
		t.Errorf("TargetService = %q, want billing", bundles[0].TargetService)
	}
	if bundles[0].CallCount7d != 120 {
		t.Errorf("CallCount7d = %d, want 120", bundles[0].CallCount7d)
	}
	if bundles[0].BundleHash == "" || len(bundles[0].BundleHash) != 16 {
		t.Errorf("BundleHash = %q, want 16 hex chars", bundles[0].BundleHash)
	}
}

func TestBuildAggregatesRoutesPerService(t *testing.T) {
	smap := loadMap(t, `
services:
  billing:
    repo: acme/billing
`)

	impacts := []models.ImpactRecord{
		{CallerService: "billing", Method: "GET", RouteTemplate: "/v1/accounts/{id}", CallsLast7d: 100},
		{CallerService: "billing", Method: "POST", RouteTemplate: "/v1/accounts", CallsLast7d: 20},
	}
	classified := contract.ClassifiedChange{Summary: "x"}

	bundles := Build(models.ContractChange{}, classified, impacts, smap)
	if len(bundles) != 1 {
		t.Fatalf("expected 1 bundle, got %d", len(bundles))
	}
	if len(bundles[0].AffectedRoutes) != 2 {
		t.Fatalf("expected 2 affected routes, got %v", bundles[0].AffectedRoutes)
	}
	if bundles[0].CallCount7d != 120 {
		t.Errorf("CallCount7d = %d, want 120", bundles[0].CallCount7d)
	}
}

func TestHashBundleStableAndSensitive(t *testing.T) {
	b1 := Bundle{TargetService: "billing", TargetRepo: "acme/billing", AffectedRoutes: []string{"GET /x"}, ChangeSummary: "s"}
	h1 := hashBundle(b1)
	h2 := hashBundle(b1)
	if h1 != h2 {
		t.Fatalf("hashBundle not stable: %s != %s", h1, h2)
	}

	b2 := b1
	b2.ChangeSummary = "different"
	if hashBundle(b2) == h1 {
		t.Fatalf("hashBundle did not change with different input")
	}
}

func TestAllPathsDedupsAndSorts(t *testing.T) {
	b := Bundle{
		ClientPaths:   []string{"b/client.go", "a/client.go"},
		TestPaths:     []string{"a/client.go"},
		FrontendPaths: []string{"c/ui.go"},
	}
	paths := b.AllPaths()
	want := []string{"a/client.go", "b/client.go", "c/ui.go"}
	if len(paths) != len(want) {
		t.Fatalf("AllPaths() = %v, want %v", paths, want)
	}
	for i := range want {
		if paths[i] != want[i] {
			t.Fatalf("AllPaths()[%d] = %q, want %q", i, paths[i], want[i])
		}
	}
}
