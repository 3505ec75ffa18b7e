// Package remediation drives a contract change's remediation jobs from
// dispatch through CI reconciliation and wave-context handoff.
package remediation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/propagatehq/propagate/internal/agentclient"
	"github.com/propagatehq/propagate/internal/bundle"
	"github.com/propagatehq/propagate/internal/database"
	"github.com/propagatehq/propagate/internal/guardrails"
	"github.com/propagatehq/propagate/models"
)

// Dispatcher fans a wave of bundles out to the agent under a counting
// semaphore, fire-and-forget: it never waits for a session to finish, only
// for the create-session call itself.
type Dispatcher struct {
	db     database.DB
	agent  *agentclient.Client
	guard  guardrails.Guardrails
}

// NewDispatcher builds a Dispatcher.
func NewDispatcher(db database.DB, agent *agentclient.Client, guard guardrails.Guardrails) *Dispatcher {
	return &Dispatcher{db: db, agent: agent, guard: guard}
}

// DispatchWave runs one fan-out unit per bundle concurrently, bounded by
// guard.MaxParallel, and returns every job row created (including
// needs_human rows for guardrail violations). A wave's dispatches all start
// before this call returns the final goroutine's result, and by the time it
// returns every dispatch has reached at least queued/running/needs_human.
func (d *Dispatcher) DispatchWave(ctx context.Context, changeID int64, isDryRun bool, bundles []bundle.Bundle) ([]models.RemediationJob, error) {
	sem := make(chan struct{}, d.guard.MaxParallel)
	var wg sync.WaitGroup
	var mu sync.Mutex
	jobs := make([]models.RemediationJob, 0, len(bundles))
	var firstErr error

	for _, b := range bundles {
		b := b
		wg.Add(1)
		go func() {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			job, err := d.dispatchOne(ctx, changeID, isDryRun, b)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if firstErr == nil {
					firstErr = err
				}
				return
			}
			jobs = append(jobs, *job)
		}()
	}
	wg.Wait()
	return jobs, firstErr
}

func (d *Dispatcher) dispatchOne(ctx context.Context, changeID int64, isDryRun bool, b bundle.Bundle) (*models.RemediationJob, error) {
	now := time.Now().UTC()
	jobID := fmt.Sprintf("change-%d-%s", changeID, b.BundleHash)

	job := models.RemediationJob{
		JobID:         jobID,
		ChangeID:      changeID,
		TargetRepo:    b.TargetRepo,
		TargetService: b.TargetService,
		BundleHash:    b.BundleHash,
		IsDryRun:      isDryRun,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	if violations := d.guard.ValidatePaths(b.AllPaths()); len(violations) > 0 {
		job.Status = models.JobNeedsHuman
		job.ErrorSummary = joinViolations(violations)
		return d.persistNew(ctx, job, "dispatch guardrail violation")
	}

	job.Status = models.JobQueued
	created, err := d.persistNew(ctx, job, "created")
	if err != nil {
		return nil, err
	}

	if err := d.transition(ctx, created, models.JobRunning, "dispatching"); err != nil {
		return nil, err
	}

	if isDryRun {
		// Dry-run never calls the agent; the orchestrator's simulated state
		// sampler advances it later.
		return created, nil
	}

	session, err := d.agent.CreateSession(ctx, b.Prompt, jobID, nil)
	if err != nil {
		created.ErrorSummary = err.Error()
		if tErr := d.transition(ctx, created, models.JobNeedsHuman, "agent create-session failed: "+err.Error()); tErr != nil {
			return nil, tErr
		}
		return created, nil
	}

	created.AgentRunID = session.SessionID
	if err := d.persistUpdate(ctx, created); err != nil {
		return nil, err
	}
	return created, nil
}

func (d *Dispatcher) persistNew(ctx context.Context, job models.RemediationJob, detail string) (*models.RemediationJob, error) {
	id, err := d.db.Insert(ctx, "remediation_jobs", job)
	if err != nil {
		return nil, fmt.Errorf("inserting remediation job: %w", err)
	}
	job.ID = id
	if err := d.appendAudit(ctx, id, "", job.Status, detail); err != nil {
		return nil, err
	}
	return &job, nil
}

func (d *Dispatcher) persistUpdate(ctx context.Context, job *models.RemediationJob) error {
	job.UpdatedAt = time.Now().UTC()
	return d.db.Update(ctx, "remediation_jobs", *job, "id = ?", job.ID)
}

func (d *Dispatcher) transition(ctx context.Context, job *models.RemediationJob, newStatus, detail string) error {
	old := job.Status
	job.Status = newStatus
	if err := d.persistUpdate(ctx, job); err != nil {
		return err
	}
	return d.appendAudit(ctx, job.ID, old, newStatus, detail)
}

func (d *Dispatcher) appendAudit(ctx context.Context, jobID int64, oldStatus, newStatus, detail string) error {
	row := models.AuditLog{
		JobID:     jobID,
		OldStatus: oldStatus,
		NewStatus: newStatus,
		ChangedAt: time.Now().UTC(),
		Detail:    detail,
	}
	if _, err := d.db.Insert(ctx, "audit_log", row); err != nil {
		return fmt.Errorf("appending audit log: %w", err)
	}
	slog.Info("remediation job transition", "job_id", jobID, "old_status", oldStatus, "new_status", newStatus, "detail", detail)
	return nil
}

func joinViolations(violations []string) string {
	out := violations[0]
	for _, v := range violations[1:] {
		out += "; " + v
	}
	return out
}
