package orchestrator

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/propagatehq/propagate/internal/agentclient"
	"github.com/propagatehq/propagate/internal/config"
	"github.com/propagatehq/propagate/internal/database"
	"github.com/propagatehq/propagate/internal/depgraph"
	"github.com/propagatehq/propagate/internal/guardrails"
	"github.com/propagatehq/propagate/internal/notify"
	"github.com/propagatehq/propagate/internal/servicemap"
	"github.com/propagatehq/propagate/models"
)

const oldContract = `
paths:
  /v1/accounts/{id}:
    get:
      responses:
        "200":
          description: ok
`

const newContractRemovedOp = `
paths: {}
`

func newTestOrchestrator(t *testing.T, agentURL string) (*Orchestrator, database.DB) {
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

	smapPath := filepath.Join(t.TempDir(), "service_map.yaml")
	if err := os.WriteFile(smapPath, []byte(`
services:
  billing:
    repo: acme/billing
    client_paths: ["internal/client"]
`), 0o644); err != nil {
		t.Fatalf("writing service map fixture: %v", err)
	}
	smap, err := servicemap.Load(smapPath)
	if err != nil {
		t.Fatalf("loading service map: %v", err)
	}

	guard := guardrails.Guardrails{MaxParallel: 2}
	notifier := notify.NewDispatcher(config.NotifyConfig{})
	agent := agentclient.New(agentURL, "test-key")

	cfg := &config.Config{
		Orchestrator: config.OrchestratorConfig{
			PollInterval:           "10ms",
			CIUnknownMaxAttempts:   5,
			MaxWavePolls:           1,
			DryRunSeed:             42,
			DryRunGreenProb:        1.0,
			DryRunCIFailedProb:     0,
			DryRunNeedsHumanProb:   0,
		},
	}

	o := New(cfg, db, smap, guard, agent, nil, nil, notifier)
	return o, db
}

func writeContract(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "contract.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing contract fixture: %v", err)
	}
	return path
}

func TestRunStoresBaselineOnFirstRun(t *testing.T) {
	o, _ := newTestOrchestrator(t, "http://unused.invalid")
	path := writeContract(t, oldContract)

	code, err := o.Run(context.Background(), Options{ContractPath: path})
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if code != 0 {
		t.Fatalf("Run() code = %d, want 0", code)
	}

	snap, err := o.snapshots.Latest(context.Background())
	if err != nil {
		t.Fatalf("Latest() error: %v", err)
	}
	if snap == nil {
		t.Fatal("expected a baseline snapshot to be stored")
	}
}

func TestRunShortCircuitsOnUnchangedHash(t *testing.T) {
	o, _ := newTestOrchestrator(t, "http://unused.invalid")
	path := writeContract(t, oldContract)
	ctx := context.Background()

	if _, err := o.Run(ctx, Options{ContractPath: path}); err != nil {
		t.Fatalf("first Run() error: %v", err)
	}

	code, err := o.Run(ctx, Options{ContractPath: path})
	if err != nil {
		t.Fatalf("second Run() error: %v", err)
	}
	if code != 0 {
		t.Fatalf("Run() code = %d, want 0 for an unchanged contract", code)
	}

	var changes []models.ContractChange
	if err := o.db.Select(ctx, &changes, `SELECT id FROM contract_changes`); err != nil {
		t.Fatalf("querying contract_changes: %v", err)
	}
	if len(changes) != 0 {
		t.Fatalf("expected no contract_changes row for an unchanged contract, got %d", len(changes))
	}
}

func TestRunDryRunNeverAdvancesSnapshot(t *testing.T) {
	var agentCalled bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		agentCalled = true
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(agentclient.Session{SessionID: "sess-1", StatusEnum: agentclient.StatusQueued})
	}))
	defer srv.Close()

	o, _ := newTestOrchestrator(t, srv.URL)
	ctx := context.Background()

	basePath := writeContract(t, oldContract)
	if _, err := o.Run(ctx, Options{ContractPath: basePath}); err != nil {
		t.Fatalf("baseline Run() error: %v", err)
	}

	// 7 days of telemetry so impact resolution finds billing as a caller.
	now := time.Now().UTC()
	if err := o.db.Exec(ctx, `INSERT INTO usage_requests (caller_service, route_template, method, ts, status_code, duration_ms) VALUES (?, ?, ?, ?, ?, ?)`,
		"billing", "/v1/accounts/{id}", "GET", now.Add(-time.Hour).Format(time.RFC3339), 200, 12); err != nil {
		t.Fatalf("seeding usage_requests: %v", err)
	}

	changedPath := writeContract(t, newContractRemovedOp)
	code, err := o.Run(ctx, Options{ContractPath: changedPath, DryRun: true})
	if err != nil {
		t.Fatalf("dry-run Run() error: %v", err)
	}
	if code != 0 {
		t.Fatalf("dry-run Run() code = %d, want 0 (DryRunGreenProb=1.0 means every job resolves green)", code)
	}
	if agentCalled {
		t.Errorf("dry-run must never contact the agent")
	}

	snap, err := o.snapshots.Latest(ctx)
	if err != nil {
		t.Fatalf("Latest() error: %v", err)
	}
	if snap == nil || snap.VersionHash != database.HashContent([]byte(oldContract)) {
		t.Fatalf("dry-run advanced the snapshot baseline, want it to stay at the original hash")
	}
}

func TestScheduleWavesDetectsCycle(t *testing.T) {
	o, db := newTestOrchestrator(t, "http://unused.invalid")
	ctx := context.Background()

	// Override the loaded service map with one containing a cycle between
	// two services, neither rooted at the synthetic contract-owner node.
	smapPath := filepath.Join(t.TempDir(), "cyclic_map.yaml")
	if err := os.WriteFile(smapPath, []byte(`
services:
  a:
    depends_on: ["b"]
  b:
    depends_on: ["a"]
`), 0o644); err != nil {
		t.Fatalf("writing cyclic service map: %v", err)
	}
	smap, err := servicemap.Load(smapPath)
	if err != nil {
		t.Fatalf("loading cyclic service map: %v", err)
	}
	o.smap = smap

	change := models.ContractChange{FieldDetail: "existing detail"}
	id, err := db.Insert(ctx, "contract_changes", change)
	if err != nil {
		t.Fatalf("seeding contract_changes: %v", err)
	}
	change.ID = id

	impacts := []models.ImpactRecord{{CallerService: "a", Method: "GET", RouteTemplate: "/x"}}
	_, err = o.scheduleWaves(ctx, &change, impacts)
	var cycleErr *depgraph.CircularDependency
	if err == nil {
		t.Fatal("expected an error scheduling a cyclic dependency graph")
	}
	if !asCircular(err, &cycleErr) {
		t.Errorf("expected the error to unwrap to a *depgraph.CircularDependency, got %v", err)
	}
}

func asCircular(err error, target **depgraph.CircularDependency) bool {
	for err != nil {
		if ce, ok := err.(*depgraph.CircularDependency); ok {
			*target = ce
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

func TestSimulateDryRunPersistsRolledStatus(t *testing.T) {
	o, db := newTestOrchestrator(t, "http://unused.invalid")
	ctx := context.Background()

	changeID, err := db.Insert(ctx, "contract_changes", models.ContractChange{Severity: "high", Summary: "test change"})
	if err != nil {
		t.Fatalf("seeding contract_changes: %v", err)
	}

	job := models.RemediationJob{JobID: "job-1", ChangeID: changeID, TargetRepo: "acme/billing", TargetService: "billing", Status: models.JobRunning, IsDryRun: true, BundleHash: "1111111111111111"}
	id, err := db.Insert(ctx, "remediation_jobs", job)
	if err != nil {
		t.Fatalf("seeding job: %v", err)
	}
	job.ID = id

	jobs := []models.RemediationJob{job}
	o.simulateDryRun(ctx, jobs)

	if jobs[0].Status != models.JobGreen {
		t.Fatalf("simulateDryRun() status = %q, want %q for DryRunGreenProb=1.0", jobs[0].Status, models.JobGreen)
	}

	var rows []models.RemediationJob
	if err := db.Select(ctx, &rows, `SELECT id, status FROM remediation_jobs WHERE id = ?`, job.ID); err != nil {
		t.Fatalf("querying remediation_jobs: %v", err)
	}
	if len(rows) != 1 || rows[0].Status != models.JobGreen {
		t.Fatalf("simulateDryRun() did not persist the rolled status, got %+v", rows)
	}
}
