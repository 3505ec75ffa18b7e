// Package orchestrator drives the propagation pipeline end to end: load
// the prior contract baseline, diff, classify, resolve impact, schedule
// dependency waves, build bundles, dispatch and reconcile each wave in
// turn, propagate wave context downstream, and gate whether the baseline
// advances.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/propagatehq/propagate/internal/agentclient"
	"github.com/propagatehq/propagate/internal/bundle"
	"github.com/propagatehq/propagate/internal/config"
	"github.com/propagatehq/propagate/internal/contract"
	"github.com/propagatehq/propagate/internal/database"
	"github.com/propagatehq/propagate/internal/depgraph"
	"github.com/propagatehq/propagate/internal/ghclient"
	"github.com/propagatehq/propagate/internal/guardrails"
	"github.com/propagatehq/propagate/internal/impact"
	"github.com/propagatehq/propagate/internal/notify"
	"github.com/propagatehq/propagate/internal/remediation"
	"github.com/propagatehq/propagate/internal/servicemap"
	"github.com/propagatehq/propagate/internal/vcsclient"
	"github.com/propagatehq/propagate/models"
	"go.yaml.in/yaml/v3"
)

// rootService is the synthetic depgraph node every service without an
// explicit depends_on entry is rooted at — the contract owner itself.
const rootService = "contract-owner"

// Options are the per-run flags spec.md's CLI surface names.
type Options struct {
	// ContractPath is the local OpenAPI document to diff against the prior
	// snapshot.
	ContractPath string
	// SourceRef is recorded on the stored snapshot (typically a commit SHA).
	SourceRef string
	// DryRun simulates dispatch with a deterministic-seed state sampler and
	// never advances the snapshot.
	DryRun bool
	// NoWait fires dispatches without waiting for terminal status between
	// waves, and never advances the snapshot.
	NoWait bool
	// CI forces a diff against an empty baseline when no prior snapshot
	// exists, so the first push in a CI pipeline always diffs.
	CI bool
}

// liveSyncMu serializes overlapping Run calls within one process. Run is the
// only code path that takes it; the process has no background sync loop.
var liveSyncMu sync.Mutex

// Orchestrator wires every pipeline component together. Built once per
// process from an immutable *config.Config.
type Orchestrator struct {
	cfg        *config.Config
	db         database.DB
	snapshots  *database.SnapshotRepo
	smap       *servicemap.Map
	guard      guardrails.Guardrails
	dispatcher *remediation.Dispatcher
	reconciler *remediation.Reconciler
	notifier   *notify.Dispatcher

	pollInterval time.Duration
	maxWavePolls int
}

// New builds an Orchestrator from its already-constructed dependencies.
func New(cfg *config.Config, db database.DB, smap *servicemap.Map, guard guardrails.Guardrails, agent *agentclient.Client, gh *ghclient.Client, gl *vcsclient.GitLabClient, notifier *notify.Dispatcher) *Orchestrator {
	poll, err := time.ParseDuration(cfg.Orchestrator.PollInterval)
	if err != nil || poll <= 0 {
		poll = 30 * time.Second
	}
	maxPolls := cfg.Orchestrator.MaxWavePolls
	if maxPolls <= 0 {
		maxPolls = 30
	}

	return &Orchestrator{
		cfg:          cfg,
		db:           db,
		snapshots:    database.NewSnapshotRepo(db),
		smap:         smap,
		guard:        guard,
		dispatcher:   remediation.NewDispatcher(db, agent, guard),
		reconciler:   remediation.NewReconciler(db, agent, gh, gl, guard, smap, notifier, cfg.Orchestrator.CIUnknownMaxAttempts),
		notifier:     notifier,
		pollInterval: poll,
		maxWavePolls: maxPolls,
	}
}

// Run executes one full pipeline pass and returns the process exit code:
// 0 on success, 1 if any job for the change is left in an unresolved
// terminal state.
func (o *Orchestrator) Run(ctx context.Context, opts Options) (int, error) {
	liveSyncMu.Lock()
	defer liveSyncMu.Unlock()

	fmt.Println(strings.Repeat("=", 60))
	fmt.Println("CONTRACT CHANGE PROPAGATION ENGINE")
	fmt.Println(strings.Repeat("=", 60))

	newContent, err := os.ReadFile(opts.ContractPath)
	if err != nil {
		return 1, fmt.Errorf("reading contract file %s: %w", opts.ContractPath, err)
	}
	newHash := database.HashContent(newContent)
	fmt.Printf("New contract hash: %s\n", newHash)

	prior, err := o.snapshots.Latest(ctx)
	if err != nil {
		return 1, fmt.Errorf("loading prior snapshot: %w", err)
	}

	var oldContent []byte
	var oldHash string
	switch {
	case prior == nil && opts.CI:
		fmt.Println("No previous snapshot; --ci forces a diff against an empty baseline.")
		oldContent = []byte("paths: {}\n")
		oldHash = ""
	case prior == nil:
		fmt.Println("No previous contract snapshot found. Storing current as baseline.")
		if _, err := o.snapshots.Put(ctx, newHash, string(newContent), opts.SourceRef); err != nil {
			return 1, fmt.Errorf("storing baseline snapshot: %w", err)
		}
		fmt.Println("Baseline stored. No diff to propagate.")
		return 0, nil
	default:
		oldContent = []byte(prior.Content)
		oldHash = prior.VersionHash
	}

	if oldHash != "" && oldHash == newHash {
		fmt.Println("Contract unchanged. Nothing to propagate.")
		return 0, nil
	}

	var oldDoc, newDoc contract.Document
	if err := yaml.Unmarshal(oldContent, &oldDoc); err != nil {
		return 1, fmt.Errorf("parsing prior contract document: %w", err)
	}
	if err := yaml.Unmarshal(newContent, &newDoc); err != nil {
		return 1, fmt.Errorf("parsing new contract document: %w", err)
	}

	fmt.Println("\n--- STEP 1: Diffing contracts ---")
	diffs := contract.Diff(oldDoc, newDoc)
	fmt.Printf("  Found %d diff(s)\n", len(diffs))
	if len(diffs) == 0 {
		if _, err := o.snapshots.Put(ctx, newHash, string(newContent), opts.SourceRef); err != nil {
			return 1, fmt.Errorf("advancing snapshot: %w", err)
		}
		fmt.Println("No meaningful diffs found. Snapshot advanced.")
		return 0, nil
	}

	fmt.Println("\n--- STEP 2: Classifying changes ---")
	classified := contract.Classify(diffs)
	fmt.Printf("  Breaking: %v\n  Severity: %s\n  Summary:  %s\n", classified.IsBreaking, classified.Severity, classified.Summary)

	change, err := o.persistChange(ctx, oldHash, newHash, classified)
	if err != nil {
		return 1, fmt.Errorf("persisting contract change: %w", err)
	}
	fmt.Printf("  Stored as change_id=%d\n", change.ID)

	fmt.Println("\n--- STEP 3: Impact mapping (last 7 days usage) ---")
	impacts, err := impact.Resolve(ctx, o.db, change.ID, classified.ChangedRoutes, o.smap, rootService, time.Now().UTC())
	if err != nil {
		return 1, fmt.Errorf("resolving impact: %w", err)
	}
	for _, imp := range impacts {
		fmt.Printf("  %s -> %s (%d calls)\n", imp.CallerService, imp.RouteTemplate, imp.CallsLast7d)
		if _, err := o.db.Insert(ctx, "impact_sets", imp); err != nil {
			return 1, fmt.Errorf("persisting impact record: %w", err)
		}
	}
	if len(impacts) == 0 {
		if _, err := o.snapshots.Put(ctx, newHash, string(newContent), opts.SourceRef); err != nil {
			return 1, fmt.Errorf("advancing snapshot: %w", err)
		}
		fmt.Println("No impacted services found. Snapshot advanced.")
		return 0, nil
	}

	fmt.Println("\n--- STEP 4: Loading service map & scheduling waves ---")
	waves, err := o.scheduleWaves(ctx, change, impacts)
	if err != nil {
		return 1, fmt.Errorf("scheduling dependency waves: %w", err)
	}

	fmt.Println("\n--- STEP 5: Building fix bundles ---")
	bundles := bundle.Build(*change, classified, impacts, o.smap)
	bundleByService := make(map[string]bundle.Bundle, len(bundles))
	for _, b := range bundles {
		bundleByService[b.TargetService] = b
		fmt.Printf("  [%s] %s\n", b.TargetService, b.TargetRepo)
	}

	fmt.Println("\n--- STEP 6: Dispatching waves ---")
	allJobs, err := o.runWaves(ctx, change.ID, opts, waves, bundleByService)
	if err != nil {
		return 1, fmt.Errorf("running waves: %w", err)
	}

	return o.gate(ctx, opts, change.ID, newHash, string(newContent), opts.SourceRef, allJobs)
}

// persistChange folds a ClassifiedChange into a ContractChange row.
func (o *Orchestrator) persistChange(ctx context.Context, baseRef, headRef string, classified contract.ClassifiedChange) (*models.ContractChange, error) {
	var fieldLines []string
	for _, fd := range classified.FieldDetails {
		fieldLines = append(fieldLines, fmt.Sprintf("%s %s %s: %s -> %s (%s)", fd.Method, fd.Path, fd.Field, fd.OldValue, fd.NewValue, fd.DiffKind))
	}
	change := models.ContractChange{
		BaseRef:     baseRef,
		HeadRef:     headRef,
		IsBreaking:  classified.IsBreaking,
		Severity:    classified.Severity,
		Summary:     classified.Summary,
		Routes:      strings.Join(classified.ChangedRoutes, "\n"),
		FieldDetail: strings.Join(fieldLines, "\n"),
		CreatedAt:   time.Now().UTC(),
	}
	id, err := o.db.Insert(ctx, "contract_changes", change)
	if err != nil {
		return nil, err
	}
	change.ID = id
	return &change, nil
}

// scheduleWaves builds a dependency graph from the service map and returns
// the topologically-sorted waves, restricted to services present in
// impacts. A circular dependency anywhere in the service map's graph is
// appended to the change's field detail as a cycle_detected line and
// surfaced as an error — the pipeline cannot safely order an unorderable graph.
func (o *Orchestrator) scheduleWaves(ctx context.Context, change *models.ContractChange, impacts []models.ImpactRecord) ([][]string, error) {
	deps := make(map[string][]string, len(o.smap.All()))
	for name, svc := range o.smap.All() {
		deps[name] = svc.DependsOn
	}
	graph := depgraph.BuildFromServiceMap(deps, rootService)

	allWaves, err := graph.TopologicalSort()
	if err != nil {
		detail := err.Error()
		if cycleErr, ok := err.(*depgraph.CircularDependency); ok {
			detail = fmt.Sprintf("%s: %s", contract.KindCycleDetected, strings.Join(cycleErr.Unresolved, ", "))
		}
		if updErr := o.db.Update(ctx, "contract_changes", struct {
			FieldDetail string `db:"field_detail"`
		}{FieldDetail: change.FieldDetail + "\n" + detail}, "id = ?", change.ID); updErr != nil {
			slog.Warn("orchestrator: failed to record cycle detail on change", "change_id", change.ID, "error", updErr)
		}
		return nil, fmt.Errorf("dependency graph is cyclic, cannot schedule waves: %w", err)
	}

	impacted := make(map[string]bool, len(impacts))
	for _, imp := range impacts {
		impacted[imp.CallerService] = true
	}

	var waves [][]string
	for _, wave := range allWaves {
		var filtered []string
		for _, name := range wave {
			if impacted[name] {
				filtered = append(filtered, name)
			}
		}
		if len(filtered) > 0 {
			waves = append(waves, filtered)
		}
	}
	return waves, nil
}

// runWaves dispatches each wave in turn (strictly ordered unless
// opts.NoWait), waits for terminal status, reconciles, and propagates wave
// context to the next wave. Returns every job created across every wave.
func (o *Orchestrator) runWaves(ctx context.Context, changeID int64, opts Options, waves [][]string, bundleByService map[string]bundle.Bundle) ([]models.RemediationJob, error) {
	var allJobs []models.RemediationJob
	var prevWaveJobs []models.RemediationJob
	prevWaveIndex := -1

	for i, wave := range waves {
		var waveBundles []bundle.Bundle
		for _, svc := range wave {
			if b, ok := bundleByService[svc]; ok {
				waveBundles = append(waveBundles, b)
			}
		}
		if len(waveBundles) == 0 {
			continue
		}

		fmt.Printf("  Wave %d: %s\n", i, strings.Join(wave, ", "))
		jobs, err := o.dispatcher.DispatchWave(ctx, changeID, opts.DryRun, waveBundles)
		if err != nil {
			slog.Warn("orchestrator: wave dispatch reported an error", "wave", i, "error", err)
		}

		if opts.DryRun {
			o.simulateDryRun(ctx, jobs)
		}

		// Push the prior wave's outcome into this wave's freshly-created
		// sessions before waiting on this wave, so the agent sees upstream
		// context as early as possible.
		if prevWaveJobs != nil && !opts.DryRun {
			o.reconciler.PropagateWave(ctx, prevWaveIndex, prevWaveJobs, jobs)
		}

		if !opts.NoWait {
			o.waitForWave(ctx, changeID, jobs)
		}

		allJobs = append(allJobs, jobs...)
		prevWaveJobs = jobs
		prevWaveIndex = i
	}

	return allJobs, nil
}

// waitForWave polls the reconciler on a fixed cadence until every job with a
// non-empty agent run id reaches a terminal status, or maxWavePolls is
// exhausted — at which point it gives up and lets the gate proceed with
// whatever states exist.
func (o *Orchestrator) waitForWave(ctx context.Context, changeID int64, jobs []models.RemediationJob) {
	pending := make([]int64, 0, len(jobs))
	for _, j := range jobs {
		if j.AgentRunID != "" {
			pending = append(pending, j.ID)
		}
	}
	if len(pending) == 0 {
		return
	}

	for attempt := 0; attempt < o.maxWavePolls; attempt++ {
		if err := o.reconciler.ReconcileChange(ctx, changeID); err != nil {
			slog.Warn("orchestrator: wave reconcile pass failed", "change_id", changeID, "error", err)
		}
		if o.waveTerminal(ctx, pending) {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(o.pollInterval):
		}
	}
	slog.Warn("orchestrator: wave wait exhausted max polls, proceeding with current states", "change_id", changeID, "max_polls", o.maxWavePolls)
}

func (o *Orchestrator) waveTerminal(ctx context.Context, jobIDs []int64) bool {
	for _, id := range jobIDs {
		var rows []models.RemediationJob
		if err := o.db.Select(ctx, &rows, `SELECT id, status FROM remediation_jobs WHERE id = ?`, id); err != nil || len(rows) == 0 {
			return false
		}
		if !models.TerminalJobStatuses[rows[0].Status] {
			return false
		}
	}
	return true
}

// simulateDryRun replaces real dispatch with a deterministic-seed RNG state
// sampler: each dry-run job rolls green/ci_failed/needs_human against the
// configured probabilities and is transitioned directly, without ever
// contacting the agent or a VCS host.
func (o *Orchestrator) simulateDryRun(ctx context.Context, jobs []models.RemediationJob) {
	rng := rand.New(rand.NewSource(o.cfg.Orchestrator.DryRunSeed))
	greenP := o.cfg.Orchestrator.DryRunGreenProb
	ciFailedP := o.cfg.Orchestrator.DryRunCIFailedProb

	for i := range jobs {
		job := &jobs[i]
		if models.TerminalJobStatuses[job.Status] {
			continue // guardrail-rejected dry-run rows are already needs_human
		}
		roll := rng.Float64()
		var status, detail string
		switch {
		case roll < greenP:
			status, detail = models.JobGreen, "dry-run simulated: green"
		case roll < greenP+ciFailedP:
			status, detail = models.JobCIFailed, "dry-run simulated: ci_failed"
		default:
			status, detail = models.JobNeedsHuman, "dry-run simulated: needs_human"
		}

		job.Status = status
		job.UpdatedAt = time.Now().UTC()
		if err := o.db.Update(ctx, "remediation_jobs", *job, "id = ?", job.ID); err != nil {
			slog.Warn("orchestrator: dry-run simulated transition failed to persist", "job_id", job.JobID, "error", err)
			continue
		}
		auditRow := models.AuditLog{JobID: job.ID, OldStatus: models.JobRunning, NewStatus: status, ChangedAt: job.UpdatedAt, Detail: detail}
		if _, err := o.db.Insert(ctx, "audit_log", auditRow); err != nil {
			slog.Warn("orchestrator: dry-run audit append failed", "job_id", job.JobID, "error", err)
		}
	}
}

// gate implements the snapshot-advance gate: advance the baseline only if
// not dry-run, not no-wait, and no non-dry-run job for this change is stuck
// at ci_failed/needs_human. The process exit code reflects whether any job
// — dry-run included, for visibility — is left in an unresolved terminal
// state.
func (o *Orchestrator) gate(ctx context.Context, opts Options, changeID int64, newHash, newContent, sourceRef string, jobs []models.RemediationJob) (int, error) {
	unresolvedAny := false
	unresolvedReal := false
	for _, j := range jobs {
		if j.Status == models.JobCIFailed || j.Status == models.JobNeedsHuman {
			unresolvedAny = true
			if !j.IsDryRun {
				unresolvedReal = true
			}
		}
	}

	canAdvance := !opts.DryRun && !opts.NoWait && !unresolvedReal
	if canAdvance {
		if _, err := o.snapshots.Put(ctx, newHash, newContent, sourceRef); err != nil {
			return 1, fmt.Errorf("advancing snapshot: %w", err)
		}
		fmt.Printf("\nNew contract snapshot stored: %s\n", newHash)
	} else {
		fmt.Println("\nSnapshot not advanced: dry-run, no-wait, or an unresolved job remains.")
	}
	fmt.Printf("Propagation complete. %d job(s) dispatched.\n", len(jobs))

	if unresolvedAny {
		return 1, nil
	}
	return 0, nil
}
