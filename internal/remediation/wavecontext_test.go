package remediation

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/propagatehq/propagate/internal/agentclient"
	"github.com/propagatehq/propagate/internal/config"
	"github.com/propagatehq/propagate/internal/guardrails"
	"github.com/propagatehq/propagate/internal/notify"
	"github.com/propagatehq/propagate/models"
)

func TestInferPatterns(t *testing.T) {
	notes := inferPatterns([]string{"internal/client/billing_client.go", "internal/client/billing_client_test.go", "README.md"})
	want := map[string]bool{
		"updated API client callsites":               true,
		"updated test fixtures for the new contract shape": true,
	}
	if len(notes) != len(want) {
		t.Fatalf("inferPatterns() = %v, want 2 notes", notes)
	}
	for _, n := range notes {
		if !want[n] {
			t.Errorf("unexpected note %q", n)
		}
	}
}

func TestInferPatternsDedupes(t *testing.T) {
	notes := inferPatterns([]string{"internal/client/a.go", "internal/client/b.go"})
	if len(notes) != 1 {
		t.Fatalf("inferPatterns() = %v, want exactly 1 deduped note", notes)
	}
}

func TestPropagateWaveSendsToActiveSessionsOnly(t *testing.T) {
	var receivedSessions []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		receivedSessions = append(receivedSessions, r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	db := newTestDB(t)
	agent := agentclient.New(srv.URL, "test-key")
	guard := guardrails.Guardrails{MaxParallel: 2}
	notifier := notify.NewDispatcher(config.NotifyConfig{})
	rec := NewReconciler(db, agent, nil, nil, guard, nil, notifier, 0)

	completed := []models.RemediationJob{
		{JobID: "job-billing", TargetService: "billing", Status: models.JobGreen, PRURL: ""},
	}
	nextWave := []models.RemediationJob{
		{JobID: "job-checkout", TargetService: "checkout", Status: models.JobRunning, AgentRunID: "sess-checkout"},
		{JobID: "job-terminal", TargetService: "ledger", Status: models.JobGreen, AgentRunID: "sess-ledger"},
		{JobID: "job-no-session", TargetService: "reports", Status: models.JobRunning, AgentRunID: ""},
	}

	rec.PropagateWave(context.Background(), 0, completed, nextWave)

	if len(receivedSessions) != 1 {
		t.Fatalf("expected exactly 1 message sent (to the active non-terminal session), got %d: %v", len(receivedSessions), receivedSessions)
	}
}
