// Package bundle synthesizes, per impacted service, a deterministic
// remediation brief: the prompt handed to the agent plus the paths and
// stable hash the dispatcher and guardrails key off of.
package bundle

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/propagatehq/propagate/internal/contract"
	"github.com/propagatehq/propagate/internal/servicemap"
	"github.com/propagatehq/propagate/models"
)

// Bundle is the ephemeral, per-repository remediation brief. Not persisted
// directly — RemediationJob.BundleHash is the only trace of it that
// survives.
type Bundle struct {
	TargetRepo     string
	TargetService  string
	ChangeSummary  string
	BreakingChanges []string
	AffectedRoutes []string
	CallCount7d    int64
	ClientPaths    []string
	TestPaths      []string
	FrontendPaths  []string
	Prompt         string
	BundleHash     string
}

// AllPaths returns the union of client, test, and frontend paths — the set
// guardrails validates against both at dispatch and post-execution time.
func (b Bundle) AllPaths() []string {
	set := map[string]bool{}
	for _, p := range b.ClientPaths {
		set[p] = true
	}
	for _, p := range b.TestPaths {
		set[p] = true
	}
	for _, p := range b.FrontendPaths {
		set[p] = true
	}
	out := make([]string, 0, len(set))
	for p := range set {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Build synthesizes one bundle per service present in impacts and in the
// service map; services in the impact list but absent from the map are
// logged here with a warning and get no bundle.
func Build(change models.ContractChange, classified contract.ClassifiedChange, impacts []models.ImpactRecord, smap *servicemap.Map) []Bundle {
	type agg struct {
		routes map[string]bool
		calls  int64
	}
	byService := map[string]*agg{}
	order := []string{}

	for _, rec := range impacts {
		if _, ok := smap.Get(rec.CallerService); !ok {
			slog.Warn("bundle: impacted caller service absent from service map, skipping", "service", rec.CallerService)
			continue
		}
		a, exists := byService[rec.CallerService]
		if !exists {
			a = &agg{routes: map[string]bool{}}
			byService[rec.CallerService] = a
			order = append(order, rec.CallerService)
		}
		a.routes[rec.Method+" "+rec.RouteTemplate] = true
		a.calls += rec.CallsLast7d
	}

	sort.Strings(order)
	bundles := make([]Bundle, 0, len(order))
	for _, svcName := range order {
		svc, _ := smap.Get(svcName)
		a := byService[svcName]

		routes := make([]string, 0, len(a.routes))
		for r := range a.routes {
			routes = append(routes, r)
		}
		sort.Strings(routes)

		b := Bundle{
			TargetRepo:      svc.Repo,
			TargetService:   svcName,
			ChangeSummary:   classified.Summary,
			BreakingChanges: breakingDetailLines(classified),
			AffectedRoutes:  routes,
			CallCount7d:     a.calls,
			ClientPaths:     svc.ClientPaths,
			TestPaths:       svc.TestPaths,
			FrontendPaths:   svc.FrontendPaths,
		}
		b.Prompt = buildPrompt(b, classified)
		b.BundleHash = hashBundle(b)
		bundles = append(bundles, b)
	}
	return bundles
}

func breakingDetailLines(classified contract.ClassifiedChange) []string {
	var lines []string
	for _, fd := range classified.FieldDetails {
		lines = append(lines, fmt.Sprintf("%s %s: %s (%s -> %s)", fd.Method, fd.Path, fd.Field, fd.OldValue, fd.NewValue))
	}
	return lines
}

func buildPrompt(b Bundle, classified contract.ClassifiedChange) string {
	var sb strings.Builder
	breakingWord := "Breaking"
	if !classified.IsBreaking {
		breakingWord = "Non-breaking"
	}
	fmt.Fprintf(&sb, "%s API contract change affecting %s (%s)\n\n", breakingWord, b.TargetService, strings.ToUpper(classified.Severity))
	fmt.Fprintf(&sb, "Summary: %s\n\n", b.ChangeSummary)

	if len(b.BreakingChanges) > 0 {
		sb.WriteString("Field-level detail:\n")
		for _, l := range b.BreakingChanges {
			fmt.Fprintf(&sb, "  - %s\n", l)
		}
		sb.WriteString("\n")
	}

	fmt.Fprintf(&sb, "Affected endpoints (%d calls in the last 7 days):\n", b.CallCount7d)
	for _, r := range b.AffectedRoutes {
		fmt.Fprintf(&sb, "  - %s\n", r)
	}
	sb.WriteString("\n")

	if len(b.ClientPaths) > 0 {
		fmt.Fprintf(&sb, "Client code: %s\n", strings.Join(b.ClientPaths, ", "))
	}
	if len(b.TestPaths) > 0 {
		fmt.Fprintf(&sb, "Test code: %s\n", strings.Join(b.TestPaths, ", "))
	}
	if len(b.FrontendPaths) > 0 {
		fmt.Fprintf(&sb, "Frontend code: %s\n", strings.Join(b.FrontendPaths, ", "))
	}

	sb.WriteString("\nSuccess criteria:\n")
	sb.WriteString("  - Update every client callsite that constructs or parses the affected request/response shape.\n")
	sb.WriteString("  - Update or add tests covering the new contract shape.\n")
	sb.WriteString("  - Do not touch infrastructure, CI workflow, or deployment config files.\n")
	sb.WriteString("  - Open a pull request against the default branch summarizing the change.\n")

	return sb.String()
}

// hashBundle is the first 16 hex chars of SHA-256 over the canonicalized
// concatenation of target_service + target_repo + sorted(affected_routes) +
// sorted(client ∪ test ∪ frontend paths) + change_summary. Stable across
// runs with identical inputs; changes for any input change.
func hashBundle(b Bundle) string {
	var sb strings.Builder
	sb.WriteString(b.TargetService)
	sb.WriteString("\x1f")
	sb.WriteString(b.TargetRepo)
	sb.WriteString("\x1f")
	sb.WriteString(strings.Join(sortedCopy(b.AffectedRoutes), ","))
	sb.WriteString("\x1f")
	sb.WriteString(strings.Join(b.AllPaths(), ","))
	sb.WriteString("\x1f")
	sb.WriteString(b.ChangeSummary)

	sum := sha256.Sum256([]byte(sb.String()))
	return hex.EncodeToString(sum[:])[:16]
}

func sortedCopy(s []string) []string {
	out := append([]string(nil), s...)
	sort.Strings(out)
	return out
}
