package remediation

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/propagatehq/propagate/internal/agentclient"
	"github.com/propagatehq/propagate/internal/database"
	"github.com/propagatehq/propagate/internal/ghclient"
	"github.com/propagatehq/propagate/internal/guardrails"
	"github.com/propagatehq/propagate/internal/notify"
	"github.com/propagatehq/propagate/internal/servicemap"
	"github.com/propagatehq/propagate/internal/vcsclient"
	"github.com/propagatehq/propagate/models"
)

// Reconciler advances each non-terminal RemediationJob's status by polling
// the agent for session state and GitHub/GitLab for CI results. It is
// idempotent: re-running it against a job already at its target status
// appends no audit row.
type Reconciler struct {
	db                database.DB
	agent             *agentclient.Client
	gh                *ghclient.Client
	gl                *vcsclient.GitLabClient
	guard             guardrails.Guardrails
	smap              *servicemap.Map
	notifier          *notify.Dispatcher
	ciUnknownMaxTries int
}

// NewReconciler builds a Reconciler. gl may be nil when no GitLab-hosted
// service is present in smap. notifier may be nil to disable lifecycle
// webhook emission.
func NewReconciler(db database.DB, agent *agentclient.Client, gh *ghclient.Client, gl *vcsclient.GitLabClient, guard guardrails.Guardrails, smap *servicemap.Map, notifier *notify.Dispatcher, ciUnknownMaxTries int) *Reconciler {
	if ciUnknownMaxTries <= 0 {
		ciUnknownMaxTries = 5
	}
	return &Reconciler{db: db, agent: agent, gh: gh, gl: gl, guard: guard, smap: smap, notifier: notifier, ciUnknownMaxTries: ciUnknownMaxTries}
}

// ReconcileChange loads every non-terminal job (or one still holding a PR
// URL) for a change and advances each in turn, then emits a
// recovery-complete notification if every job for the change is green.
func (r *Reconciler) ReconcileChange(ctx context.Context, changeID int64) error {
	var jobs []models.RemediationJob
	query := `SELECT id, job_id, change_id, target_repo, target_service, status, agent_run_id, pr_url, bundle_hash, error_summary, ci_unknown_count, is_dry_run, created_at, updated_at
		FROM remediation_jobs WHERE change_id = ? AND (status NOT IN (?, ?, ?) OR pr_url != '')`
	if err := r.db.Select(ctx, &jobs, query, changeID, models.JobCIFailed, models.JobNeedsHuman, models.JobGreen); err != nil {
		return fmt.Errorf("loading jobs for change %d: %w", changeID, err)
	}
	for i := range jobs {
		if err := r.reconcileOne(ctx, &jobs[i]); err != nil {
			slog.Warn("reconcile: job failed", "job_id", jobs[i].JobID, "error", err)
		}
	}
	r.notifyIfRecovered(ctx, changeID)
	return nil
}

// notifyIfRecovered sends a recovery_complete event when every job for
// changeID is green. No record of an earlier send is kept, so each call that
// finds every job green sends the event again. Best-effort: query or send failures are logged
// and swallowed, matching the "delivery failures are logged and ignored"
// contract for this sink.
func (r *Reconciler) notifyIfRecovered(ctx context.Context, changeID int64) {
	if r.notifier == nil || !r.notifier.IsAnyConfigured() {
		return
	}
	var jobs []models.RemediationJob
	query := `SELECT id, job_id, change_id, target_repo, target_service, status, pr_url, created_at, updated_at FROM remediation_jobs WHERE change_id = ?`
	if err := r.db.Select(ctx, &jobs, query, changeID); err != nil {
		slog.Warn("reconcile: loading jobs for recovery check failed", "change_id", changeID, "error", err)
		return
	}
	if len(jobs) == 0 {
		return
	}
	var earliest time.Time
	services := make([]string, 0, len(jobs))
	for i, j := range jobs {
		if j.Status != models.JobGreen {
			return
		}
		services = append(services, j.TargetService)
		if i == 0 || j.CreatedAt.Before(earliest) {
			earliest = j.CreatedAt
		}
	}
	mttr := time.Since(earliest).Seconds()
	r.notifier.Notify(ctx, notify.Event{
		Type:     "recovery_complete",
		Title:    fmt.Sprintf("Change %d fully remediated", changeID),
		Body:     fmt.Sprintf("%d service(s) recovered in %.0fs", len(jobs), mttr),
		Severity: "",
		Metadata: map[string]any{
			"event_type":    "recovery_complete",
			"change_id":     changeID,
			"services":      services,
			"job_count":     len(jobs),
			"mttr_seconds":  mttr,
		},
	})
}

// AllTerminal reports whether every job for changeID has reached a terminal
// status (green, ci_failed, or needs_human).
func (r *Reconciler) AllTerminal(ctx context.Context, changeID int64) (bool, error) {
	var jobs []models.RemediationJob
	query := `SELECT id, status FROM remediation_jobs WHERE change_id = ?`
	if err := r.db.Select(ctx, &jobs, query, changeID); err != nil {
		return false, fmt.Errorf("loading jobs for change %d: %w", changeID, err)
	}
	for _, j := range jobs {
		if !models.TerminalJobStatuses[j.Status] {
			return false, nil
		}
	}
	return true, nil
}

func (r *Reconciler) reconcileOne(ctx context.Context, job *models.RemediationJob) error {
	if job.AgentRunID == "" {
		return nil
	}
	session, err := r.agent.GetSession(ctx, job.AgentRunID)
	if err != nil {
		if _, isAuth := err.(*agentclient.AuthError); isAuth {
			slog.Warn("reconcile: agent auth error, skipping further polling this cycle", "job_id", job.JobID)
			return nil
		}
		return fmt.Errorf("fetching agent session: %w", err)
	}

	candidateURL := ""
	if session.StructuredOutput.PullRequest != nil {
		candidateURL = session.StructuredOutput.PullRequest.URL
	}

	var pr *vcsRef
	if candidateURL != "" {
		pr, err = r.resolveAttachablePR(ctx, job, candidateURL)
		if err != nil {
			slog.Warn("reconcile: PR lookup failed", "job_id", job.JobID, "error", err)
		}
	}

	hasOpenPR := pr != nil
	if hasOpenPR {
		job.PRURL = pr.URL
	} else {
		job.PRURL = ""
	}

	ciResult := "" // "passed" | "failed" | "unknown"
	if hasOpenPR {
		ciResult = r.checkCI(ctx, job, pr)
		if ciResult == "unknown" {
			switch strings.ToLower(session.StructuredOutput.CIStatus) {
			case "passed", "success":
				ciResult = "passed"
			case "failed", "failure":
				ciResult = "failed"
			}
		}
	}

	newStatus, detail := nextStatus(session.StatusEnum, hasOpenPR, ciResult, job.CIUnknownCount, r.ciUnknownMaxTries)

	if newStatus == models.JobCIFailed && ciResult == "unknown" {
		job.CIUnknownCount++
		if job.CIUnknownCount < r.ciUnknownMaxTries {
			newStatus = models.JobPROpened
			detail = fmt.Sprintf("CI still unknown, attempt %d/%d", job.CIUnknownCount, r.ciUnknownMaxTries)
		}
	}

	if newStatus == models.JobGreen && hasOpenPR {
		if violation := r.postExecutionValidate(ctx, job, pr); violation != "" {
			newStatus = models.JobNeedsHuman
			detail = violation
		}
	}

	if newStatus == job.Status {
		return r.persistIfChanged(ctx, job)
	}
	return r.transitionJob(ctx, job, newStatus, detail)
}

// vcsRef is the host-agnostic view of a PR/MR the state machine reasons
// about, unifying ghclient.PullRequest and vcsclient.MergeRequest.
type vcsRef struct {
	number int
	state  string // github: "open"|"closed"; gitlab: "opened"|"closed"|"merged"
	merged bool
	sha    string
	head   string
	title  string
	author string
	URL    string
}

func (r *Reconciler) hostFor(job *models.RemediationJob) string {
	if svc, ok := r.smap.Get(job.TargetService); ok && svc.Host == "gitlab" {
		return "gitlab"
	}
	return "github"
}

// resolveAttachablePR fetches PR/MR metadata for candidateURL and, if it has
// become closed-unmerged, searches for a replacement on the same host.
func (r *Reconciler) resolveAttachablePR(ctx context.Context, job *models.RemediationJob, candidateURL string) (*vcsRef, error) {
	if r.hostFor(job) == "gitlab" {
		return r.resolveAttachableMR(job, candidateURL)
	}

	owner, repo, number, err := parsePRURL(candidateURL)
	if err != nil {
		return nil, err
	}
	pr, err := r.gh.GetPullRequest(ctx, owner, repo, number)
	if err != nil {
		return nil, err
	}
	ref := &vcsRef{number: pr.Number, state: pr.State, merged: pr.Merged, sha: pr.HeadSHA, head: pr.HeadRef, title: pr.Title, author: pr.Author, URL: pr.HTMLURL}
	if attachable(ref.state, ref.merged) {
		return ref, nil
	}

	candidates, err := r.gh.ListOpenPullRequests(ctx, owner, repo)
	if err != nil {
		return nil, err
	}
	replacement, found := ghclient.FindReplacement(candidates, pr.HeadRef, pr.Title, pr.Author)
	if !found {
		return nil, nil
	}
	return &vcsRef{number: replacement.Number, state: replacement.State, merged: replacement.Merged, sha: replacement.HeadSHA, head: replacement.HeadRef, title: replacement.Title, author: replacement.Author, URL: replacement.HTMLURL}, nil
}

func (r *Reconciler) resolveAttachableMR(job *models.RemediationJob, candidateURL string) (*vcsRef, error) {
	if r.gl == nil {
		return nil, fmt.Errorf("service %s is gitlab-hosted but no GitLab client is configured", job.TargetService)
	}
	projectPath, iid, err := parseMRURL(candidateURL)
	if err != nil {
		return nil, err
	}
	mr, err := r.gl.GetMergeRequest(projectPath, iid)
	if err != nil {
		return nil, err
	}
	ref := &vcsRef{number: mr.IID, state: mr.State, merged: mr.State == "merged", sha: mr.SHA, head: mr.SourceRef, title: mr.Title, author: mr.Author, URL: mr.WebURL}
	if attachable(ref.state, ref.merged) {
		return ref, nil
	}

	candidates, err := r.gl.ListOpenMergeRequests(projectPath)
	if err != nil {
		return nil, err
	}
	replacement, found := vcsclient.FindReplacement(candidates, mr.SourceRef, mr.Title, mr.Author)
	if !found {
		return nil, nil
	}
	return &vcsRef{number: replacement.IID, state: replacement.State, merged: replacement.State == "merged", head: replacement.SourceRef, title: replacement.Title, author: replacement.Author, URL: replacement.WebURL}, nil
}

// attachable: a PR/MR is attachable iff it is not (closed and unmerged).
// GitLab's distinct "merged" state is never "closed", so this check works
// unmodified for both hosts.
func attachable(state string, merged bool) bool {
	return !(state == "closed" && !merged)
}

// checkCI returns the host's native CI verdict (GitHub Checks API / GitLab
// pipeline status) against the ref's head SHA; reconcileOne falls back to
// the agent's self-reported CI status only when this verdict is unknown.
func (r *Reconciler) checkCI(ctx context.Context, job *models.RemediationJob, ref *vcsRef) string {
	if r.hostFor(job) == "gitlab" {
		if r.gl == nil || ref.sha == "" {
			return "unknown"
		}
		projectPath, _, err := parseMRURL(ref.URL)
		if err != nil {
			return "unknown"
		}
		status, err := r.gl.CheckPipelineForSHA(projectPath, ref.sha)
		if err != nil {
			slog.Warn("reconcile: pipeline fetch failed", "job_id", job.JobID, "error", err)
			return "unknown"
		}
		switch status.Status {
		case "success":
			return "passed"
		case "failed", "canceled":
			return "failed"
		default:
			return "unknown"
		}
	}

	owner, repo, err := ghclient.ParseOwnerRepo(job.TargetRepo)
	if err != nil {
		return "unknown"
	}
	status, err := r.gh.CheckRunsForSHA(ctx, owner, repo, ref.sha)
	if err != nil {
		slog.Warn("reconcile: check-runs fetch failed", "job_id", job.JobID, "error", err)
		return "unknown"
	}
	switch status.Conclusion {
	case "success":
		return "passed"
	case "failure":
		return "failed"
	default:
		return "unknown"
	}
}

func (r *Reconciler) postExecutionValidate(ctx context.Context, job *models.RemediationJob, ref *vcsRef) string {
	var files []string
	var err error
	if r.hostFor(job) == "gitlab" {
		if r.gl == nil {
			return ""
		}
		var projectPath string
		projectPath, _, err = parseMRURL(ref.URL)
		if err == nil {
			files, err = r.gl.ChangedFiles(projectPath, ref.number)
		}
	} else {
		var owner, repo string
		owner, repo, err = ghclient.ParseOwnerRepo(job.TargetRepo)
		if err == nil {
			files, err = r.gh.ChangedFiles(ctx, owner, repo, ref.number)
		}
	}
	if err != nil {
		if len(r.guard.ProtectedPaths) > 0 {
			return "Cannot verify PR changed files"
		}
		return ""
	}
	if violations := r.guard.ValidatePaths(files); len(violations) > 0 {
		return "Post-execution path violation: " + joinViolations(violations)
	}
	return ""
}

// nextStatus implements the §4.10 state mapping table. ciResult is only
// meaningful when hasOpenPR is true.
func nextStatus(agentStatus string, hasOpenPR bool, ciResult string, ciUnknownCount, ciUnknownMax int) (status, detail string) {
	switch agentStatus {
	case agentclient.StatusRunning, agentclient.StatusQueued, agentclient.StatusWorking:
		if hasOpenPR {
			return models.JobPROpened, "agent running, PR opened"
		}
		return models.JobRunning, "agent running"
	case agentclient.StatusBlocked:
		if hasOpenPR {
			return models.JobPROpened, "agent blocked, PR still open"
		}
		return models.JobNeedsHuman, "agent blocked with no open PR"
	case agentclient.StatusStopped, agentclient.StatusCompleted:
		if !hasOpenPR {
			return models.JobNeedsHuman, "agent finished with no open PR"
		}
		switch ciResult {
		case "passed":
			return models.JobGreen, "CI passed"
		case "failed":
			return models.JobCIFailed, "CI failed"
		default:
			return models.JobCIFailed, "CI unknown"
		}
	case agentclient.StatusFailed, agentclient.StatusError, agentclient.StatusCancelled:
		if hasOpenPR {
			return models.JobCIFailed, "agent session failed"
		}
		return models.JobNeedsHuman, "agent session failed with no open PR"
	default:
		return models.JobNeedsHuman, fmt.Sprintf("unrecognized agent status %q", agentStatus)
	}
}

func (r *Reconciler) persistIfChanged(ctx context.Context, job *models.RemediationJob) error {
	job.UpdatedAt = time.Now().UTC()
	return r.db.Update(ctx, "remediation_jobs", *job, "id = ?", job.ID)
}

func (r *Reconciler) transitionJob(ctx context.Context, job *models.RemediationJob, newStatus, detail string) error {
	old := job.Status
	job.Status = newStatus
	job.UpdatedAt = time.Now().UTC()
	if err := r.db.Update(ctx, "remediation_jobs", *job, "id = ?", job.ID); err != nil {
		return fmt.Errorf("updating job %s: %w", job.JobID, err)
	}
	row := models.AuditLog{JobID: job.ID, OldStatus: old, NewStatus: newStatus, ChangedAt: job.UpdatedAt, Detail: detail}
	if _, err := r.db.Insert(ctx, "audit_log", row); err != nil {
		return fmt.Errorf("appending audit log: %w", err)
	}
	slog.Info("remediation job transition", "job_id", job.JobID, "old_status", old, "new_status", newStatus, "detail", detail)

	if newStatus == models.JobPROpened && old != models.JobPROpened {
		r.notifyPROpened(ctx, job)
	}
	return nil
}

// notifyPROpened emits the pr_opened webhook event the first time a job
// reaches pr_opened. Best-effort: a lookup or send failure is logged and
// swallowed.
func (r *Reconciler) notifyPROpened(ctx context.Context, job *models.RemediationJob) {
	if r.notifier == nil || !r.notifier.IsAnyConfigured() {
		return
	}
	var changes []models.ContractChange
	if err := r.db.Select(ctx, &changes, `SELECT id, base_ref, head_ref, is_breaking, severity, summary, routes, field_detail, created_at FROM contract_changes WHERE id = ?`, job.ChangeID); err != nil || len(changes) == 0 {
		slog.Warn("reconcile: loading change for pr_opened notification failed", "change_id", job.ChangeID, "error", err)
		return
	}
	change := changes[0]
	r.notifier.Notify(ctx, notify.Event{
		Type:     "pr_opened",
		Title:    fmt.Sprintf("PR opened for %s", job.TargetService),
		Body:     change.Summary,
		URL:      job.PRURL,
		Severity: change.Severity,
		RepoKey:  job.TargetRepo,
		Metadata: map[string]any{
			"event_type":     "pr_opened",
			"change_id":      job.ChangeID,
			"job_id":         job.JobID,
			"target_repo":    job.TargetRepo,
			"target_service": job.TargetService,
			"pr_url":         job.PRURL,
			"severity":       change.Severity,
			"is_breaking":    change.IsBreaking,
			"summary":        change.Summary,
			"changed_routes": strings.Split(change.Routes, "\n"),
		},
	})
}

// parsePRURL extracts owner, repo, and PR number from an
// https://github.com/owner/repo/pull/N style URL.
func parsePRURL(url string) (owner, repo string, number int, err error) {
	rest := strings.TrimPrefix(url, "https://github.com/")
	parts := strings.Split(rest, "/")
	if len(parts) != 4 || parts[2] != "pull" {
		return "", "", 0, fmt.Errorf("unrecognized PR URL %q", url)
	}
	n, convErr := strconv.Atoi(parts[3])
	if convErr != nil {
		return "", "", 0, fmt.Errorf("parsing PR number in %q: %w", url, convErr)
	}
	return parts[0], parts[1], n, nil
}

// parseMRURL extracts a project path ("group/subgroup/project") and MR IID
// from a GitLab https://<host>/<project-path>/-/merge_requests/N style URL.
func parseMRURL(url string) (projectPath string, iid int, err error) {
	afterScheme := strings.SplitN(url, "://", 2)
	if len(afterScheme) != 2 {
		return "", 0, fmt.Errorf("unrecognized MR URL %q", url)
	}
	withoutHost := afterScheme[1]
	hostSlash := strings.Index(withoutHost, "/")
	if hostSlash < 0 {
		return "", 0, fmt.Errorf("unrecognized MR URL %q", url)
	}
	pathAndRest := withoutHost[hostSlash+1:]
	markerIdx := strings.Index(pathAndRest, "/-/merge_requests/")
	if markerIdx < 0 {
		return "", 0, fmt.Errorf("unrecognized MR URL %q", url)
	}
	projectPath = pathAndRest[:markerIdx]
	numStr := pathAndRest[markerIdx+len("/-/merge_requests/"):]
	n, convErr := strconv.Atoi(numStr)
	if convErr != nil {
		return "", 0, fmt.Errorf("parsing MR IID in %q: %w", url, convErr)
	}
	return projectPath, n, nil
}
