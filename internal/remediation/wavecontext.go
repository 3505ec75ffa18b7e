package remediation

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/propagatehq/propagate/internal/agentclient"
	"github.com/propagatehq/propagate/models"
)

// patternKeywords maps a changed-file-path substring to the note it implies
// about what a downstream repo's fix likely needs to touch.
var patternKeywords = []struct {
	substr string
	note   string
}{
	{"client", "updated API client callsites"},
	{"gateway", "updated API gateway routing"},
	{"api/", "updated API client callsites"},
	{"schema", "updated request/response schema types"},
	{"test", "updated test fixtures for the new contract shape"},
}

// inferPatterns runs the keyword map over a job's changed files and returns
// the deduplicated set of notes it implies.
func inferPatterns(changedFiles []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, f := range changedFiles {
		lower := strings.ToLower(f)
		for _, kw := range patternKeywords {
			if strings.Contains(lower, kw.substr) && !seen[kw.note] {
				seen[kw.note] = true
				out = append(out, kw.note)
			}
		}
	}
	return out
}

// PropagateWave builds a wave-context payload summarizing completedWave's
// terminal jobs and sends it as a follow-up message to every still-active
// session in nextWave. Per-session send failures are logged and swallowed;
// they never abort the propagation.
func (r *Reconciler) PropagateWave(ctx context.Context, waveIndex int, completedWave, nextWave []models.RemediationJob) {
	var upstreamSummaries, notablePatterns, testFixtures, ciGreenPRs []string
	seenPatterns := map[string]bool{}

	for _, job := range completedWave {
		changedFiles := r.fetchChangedFiles(ctx, &job)

		status := job.Status
		summary := fmt.Sprintf("%s: %s (%s)", job.TargetService, status, job.PRURL)
		upstreamSummaries = append(upstreamSummaries, summary)

		for _, p := range inferPatterns(changedFiles) {
			if !seenPatterns[p] {
				seenPatterns[p] = true
				notablePatterns = append(notablePatterns, p)
			}
		}
		for _, f := range changedFiles {
			if strings.Contains(strings.ToLower(f), "test") {
				testFixtures = append(testFixtures, f)
			}
		}
		if status == models.JobGreen && job.PRURL != "" {
			ciGreenPRs = append(ciGreenPRs, job.PRURL)
		}
	}

	wc := &agentclient.WaveContext{
		Type:                 "wave-context",
		WaveIndex:            waveIndex + 1,
		SourceWaveIndex:      waveIndex,
		UpstreamFixSummaries: upstreamSummaries,
		NotablePatterns:      notablePatterns,
		TestFixturesChanged:  testFixtures,
		CIGreenPRs:           ciGreenPRs,
	}

	for _, job := range nextWave {
		if job.AgentRunID == "" || models.TerminalJobStatuses[job.Status] {
			continue
		}
		msg := fmt.Sprintf("Upstream wave %d completed with %d fix(es). See wave_context for details.", waveIndex, len(completedWave))
		if err := r.agent.SendMessage(ctx, job.AgentRunID, msg, wc); err != nil {
			slog.Warn("wavecontext: send failed, continuing", "job_id", job.JobID, "session_id", job.AgentRunID, "error", err)
		}
	}
}

// fetchChangedFiles best-efforts a job's changed-file list for pattern
// inference; a fetch failure just yields no inferred patterns for that job.
func (r *Reconciler) fetchChangedFiles(ctx context.Context, job *models.RemediationJob) []string {
	if job.PRURL == "" {
		return nil
	}
	if r.hostFor(job) == "gitlab" {
		if r.gl == nil {
			return nil
		}
		projectPath, iid, err := parseMRURL(job.PRURL)
		if err != nil {
			return nil
		}
		files, err := r.gl.ChangedFiles(projectPath, iid)
		if err != nil {
			return nil
		}
		return files
	}

	owner, repo, number, err := parsePRURL(job.PRURL)
	if err != nil {
		return nil
	}
	files, err := r.gh.ChangedFiles(ctx, owner, repo, number)
	if err != nil {
		return nil
	}
	return files
}
