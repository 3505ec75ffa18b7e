package remediation

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/propagatehq/propagate/internal/agentclient"
	"github.com/propagatehq/propagate/internal/config"
	"github.com/propagatehq/propagate/internal/guardrails"
	"github.com/propagatehq/propagate/internal/notify"
	"github.com/propagatehq/propagate/models"
)

func TestNextStatus(t *testing.T) {
	cases := []struct {
		name       string
		agentStat  string
		hasOpenPR  bool
		ciResult   string
		wantStatus string
	}{
		{"running no PR", agentclient.StatusRunning, false, "", models.JobRunning},
		{"queued with PR", agentclient.StatusQueued, true, "", models.JobPROpened},
		{"blocked no PR", agentclient.StatusBlocked, false, "", models.JobNeedsHuman},
		{"blocked with PR", agentclient.StatusBlocked, true, "", models.JobPROpened},
		{"completed no PR", agentclient.StatusCompleted, false, "", models.JobNeedsHuman},
		{"completed CI passed", agentclient.StatusCompleted, true, "passed", models.JobGreen},
		{"completed CI failed", agentclient.StatusCompleted, true, "failed", models.JobCIFailed},
		{"completed CI unknown", agentclient.StatusCompleted, true, "unknown", models.JobCIFailed},
		{"failed with PR", agentclient.StatusFailed, true, "", models.JobCIFailed},
		{"failed no PR", agentclient.StatusFailed, false, "", models.JobNeedsHuman},
		{"unrecognized status", "mystery", false, "", models.JobNeedsHuman},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, detail := nextStatus(tc.agentStat, tc.hasOpenPR, tc.ciResult, 0, 5)
			if got != tc.wantStatus {
				t.Errorf("nextStatus(%q, %v, %q) = %q (detail %q), want %q", tc.agentStat, tc.hasOpenPR, tc.ciResult, got, detail, tc.wantStatus)
			}
		})
	}
}

func TestParsePRURL(t *testing.T) {
	owner, repo, number, err := parsePRURL("https://github.com/acme/billing/pull/42")
	if err != nil {
		t.Fatalf("parsePRURL() error: %v", err)
	}
	if owner != "acme" || repo != "billing" || number != 42 {
		t.Errorf("parsePRURL() = (%q, %q, %d), want (acme, billing, 42)", owner, repo, number)
	}

	if _, _, _, err := parsePRURL("https://gitlab.com/acme/billing/-/merge_requests/1"); err == nil {
		t.Errorf("expected error parsing a non-GitHub URL as a PR URL")
	}
	if _, _, _, err := parsePRURL("https://github.com/acme/billing/pull/not-a-number"); err == nil {
		t.Errorf("expected error parsing a non-numeric PR number")
	}
}

func TestParseMRURL(t *testing.T) {
	projectPath, iid, err := parseMRURL("https://gitlab.example.com/acme/platform/billing/-/merge_requests/7")
	if err != nil {
		t.Fatalf("parseMRURL() error: %v", err)
	}
	if projectPath != "acme/platform/billing" || iid != 7 {
		t.Errorf("parseMRURL() = (%q, %d), want (acme/platform/billing, 7)", projectPath, iid)
	}

	if _, _, err := parseMRURL("not-a-url"); err == nil {
		t.Errorf("expected error parsing a malformed MR URL")
	}
	if _, _, err := parseMRURL("https://gitlab.example.com/acme/billing/pull/7"); err == nil {
		t.Errorf("expected error parsing a URL missing the merge_requests marker")
	}
}

func TestAttachable(t *testing.T) {
	cases := []struct {
		state  string
		merged bool
		want   bool
	}{
		{"open", false, true},
		{"opened", false, true},
		{"closed", false, false},
		{"closed", true, true},
		{"merged", true, true},
	}
	for _, tc := range cases {
		if got := attachable(tc.state, tc.merged); got != tc.want {
			t.Errorf("attachable(%q, %v) = %v, want %v", tc.state, tc.merged, got, tc.want)
		}
	}
}

func TestReconcileOneSkipsJobsWithNoAgentRun(t *testing.T) {
	db := newTestDB(t)
	guard := guardrails.Guardrails{MaxParallel: 2}
	notifier := notify.NewDispatcher(config.NotifyConfig{})
	rec := NewReconciler(db, nil, nil, nil, guard, nil, notifier, 0)

	job := models.RemediationJob{JobID: "job-1", ChangeID: seedChange(t, db), TargetRepo: "acme/billing", TargetService: "billing", Status: models.JobRunning, BundleHash: "dddddddddddddddd"}
	id, err := db.Insert(context.Background(), "remediation_jobs", job)
	if err != nil {
		t.Fatalf("seeding job: %v", err)
	}
	job.ID = id

	if err := rec.reconcileOne(context.Background(), &job); err != nil {
		t.Fatalf("reconcileOne() error for a job with no agent run: %v", err)
	}
	if job.Status != models.JobRunning {
		t.Errorf("status changed to %q for a job with no agent run, want unchanged", job.Status)
	}
}

func TestReconcileChangeAllGreenWithoutChannelsReturnsCleanly(t *testing.T) {
	db := newTestDB(t)
	guard := guardrails.Guardrails{MaxParallel: 2}
	notifier := notify.NewDispatcher(config.NotifyConfig{})
	rec := NewReconciler(db, nil, nil, nil, guard, nil, notifier, 0)
	ctx := context.Background()

	changeID := seedChange(t, db)
	now := time.Now().UTC()
	for i, svc := range []string{"billing", "checkout"} {
		job := models.RemediationJob{
			JobID: "job-" + svc, ChangeID: changeID, TargetRepo: "acme/" + svc, TargetService: svc,
			Status: models.JobGreen, BundleHash: fmt.Sprintf("ee%014d", i), CreatedAt: now, UpdatedAt: now,
		}
		if _, err := db.Insert(ctx, "remediation_jobs", job); err != nil {
			t.Fatalf("seeding job: %v", err)
		}
	}

	// With no channels configured, IsAnyConfigured() is false and
	// ReconcileChange must return cleanly without attempting any send.
	if err := rec.ReconcileChange(ctx, changeID); err != nil {
		t.Fatalf("ReconcileChange() error: %v", err)
	}
}

func TestAllTerminal(t *testing.T) {
	db := newTestDB(t)
	guard := guardrails.Guardrails{MaxParallel: 2}
	notifier := notify.NewDispatcher(config.NotifyConfig{})
	rec := NewReconciler(db, nil, nil, nil, guard, nil, notifier, 0)
	ctx := context.Background()

	changeID := seedChange(t, db)
	if _, err := db.Insert(ctx, "remediation_jobs", models.RemediationJob{JobID: "a", ChangeID: changeID, TargetRepo: "acme/billing", TargetService: "billing", Status: models.JobRunning, BundleHash: "ffffffffffffffff"}); err != nil {
		t.Fatalf("seeding job: %v", err)
	}

	done, err := rec.AllTerminal(ctx, changeID)
	if err != nil {
		t.Fatalf("AllTerminal() error: %v", err)
	}
	if done {
		t.Errorf("AllTerminal() = true for a still-running job, want false")
	}

	if err := db.Exec(ctx, `UPDATE remediation_jobs SET status = ? WHERE change_id = ?`, models.JobGreen, changeID); err != nil {
		t.Fatalf("updating job: %v", err)
	}
	done, err = rec.AllTerminal(ctx, changeID)
	if err != nil {
		t.Fatalf("AllTerminal() error: %v", err)
	}
	if !done {
		t.Errorf("AllTerminal() = false once the job reached green, want true")
	}
}
