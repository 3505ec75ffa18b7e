package remediation

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/propagatehq/propagate/internal/agentclient"
	"github.com/propagatehq/propagate/internal/bundle"
	"github.com/propagatehq/propagate/internal/config"
	"github.com/propagatehq/propagate/internal/database"
	"github.com/propagatehq/propagate/internal/guardrails"
	"github.com/propagatehq/propagate/models"
)

func newTestDB(t *testing.T) database.DB {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "propagate.db")
	db, err := database.NewSQLite(config.DatabaseConfig{Path: dbPath})
	if err != nil {
		t.Fatalf("opening test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(context.Background()); err != nil {
		t.Fatalf("migrating test db: %v", err)
	}
	return db
}

func seedChange(t *testing.T, db database.DB) int64 {
	t.Helper()
	id, err := db.Insert(context.Background(), "contract_changes", models.ContractChange{
		BaseRef: "abc123", HeadRef: "def456", Severity: "high", Summary: "test change",
	})
	if err != nil {
		t.Fatalf("seeding contract_changes: %v", err)
	}
	return id
}

func fakeAgentServer(t *testing.T, sessionID string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(agentclient.Session{SessionID: sessionID, StatusEnum: agentclient.StatusQueued})
	}))
}

func TestDispatchWaveCreatesRunningJob(t *testing.T) {
	srv := fakeAgentServer(t, "sess-1")
	defer srv.Close()

	db := newTestDB(t)
	agent := agentclient.New(srv.URL, "test-key")
	guard := guardrails.Guardrails{MaxParallel: 2, ProtectedPaths: []string{"infra/"}}
	d := NewDispatcher(db, agent, guard)

	bundles := []bundle.Bundle{
		{TargetRepo: "acme/billing", TargetService: "billing", BundleHash: "aaaaaaaaaaaaaaaa", Prompt: "fix it", ClientPaths: []string{"internal/client"}},
	}

	jobs, err := d.DispatchWave(context.Background(), seedChange(t, db), false, bundles)
	if err != nil {
		t.Fatalf("DispatchWave() error: %v", err)
	}
	if len(jobs) != 1 {
		t.Fatalf("expected 1 job, got %d", len(jobs))
	}
	if jobs[0].Status != models.JobRunning {
		t.Errorf("Status = %q, want %q", jobs[0].Status, models.JobRunning)
	}
	if jobs[0].AgentRunID != "sess-1" {
		t.Errorf("AgentRunID = %q, want sess-1", jobs[0].AgentRunID)
	}
}

func TestDispatchWaveGuardrailViolationSkipsAgent(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		json.NewEncoder(w).Encode(agentclient.Session{SessionID: "unexpected"})
	}))
	defer srv.Close()

	db := newTestDB(t)
	agent := agentclient.New(srv.URL, "test-key")
	guard := guardrails.Guardrails{MaxParallel: 2, ProtectedPaths: []string{"infra/"}}
	d := NewDispatcher(db, agent, guard)

	bundles := []bundle.Bundle{
		{TargetRepo: "acme/billing", TargetService: "billing", BundleHash: "bbbbbbbbbbbbbbbb", Prompt: "fix it", ClientPaths: []string{"infra/main.tf"}},
	}

	jobs, err := d.DispatchWave(context.Background(), seedChange(t, db), false, bundles)
	if err != nil {
		t.Fatalf("DispatchWave() error: %v", err)
	}
	if len(jobs) != 1 || jobs[0].Status != models.JobNeedsHuman {
		t.Fatalf("expected a needs_human job, got %+v", jobs)
	}
	if called {
		t.Errorf("agent should not be contacted for a guardrail-rejected bundle")
	}
}

func TestDispatchWaveDryRunSkipsAgent(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		json.NewEncoder(w).Encode(agentclient.Session{SessionID: "unexpected"})
	}))
	defer srv.Close()

	db := newTestDB(t)
	agent := agentclient.New(srv.URL, "test-key")
	guard := guardrails.Guardrails{MaxParallel: 2}
	d := NewDispatcher(db, agent, guard)

	bundles := []bundle.Bundle{
		{TargetRepo: "acme/billing", TargetService: "billing", BundleHash: "cccccccccccccccc", Prompt: "fix it"},
	}

	jobs, err := d.DispatchWave(context.Background(), seedChange(t, db), true, bundles)
	if err != nil {
		t.Fatalf("DispatchWave() error: %v", err)
	}
	if len(jobs) != 1 || jobs[0].Status != models.JobRunning {
		t.Fatalf("expected a running dry-run job, got %+v", jobs)
	}
	if !jobs[0].IsDryRun {
		t.Errorf("expected IsDryRun to be true")
	}
	if called {
		t.Errorf("dry-run dispatch should never contact the agent")
	}
}
