// Package guardrails enforces the concurrency cap, protected-path denylist,
// CI-required flag, and auto-merge policy that bound the dispatcher and
// status reconciler's ability to touch a repository unsupervised.
package guardrails

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Guardrails is the immutable configuration record consulted by the
// dispatcher (before creating a session) and the reconciler (after CI goes
// green, against the PR's changed files).
type Guardrails struct {
	MaxParallel    int
	ProtectedPaths []string
	CIRequired     bool
	AutoMerge      bool
}

// defaultProtectedPaths matches infrastructure-as-code and CI definition
// directories — changes there always require a human, regardless of which
// repository they land in.
var defaultProtectedPaths = []string{
	"infra/",
	".github/workflows/",
	"terraform/",
	"k8s/",
}

// Load builds a Guardrails record from environment variables, applying safe
// defaults for anything unset: PROPAGATE_MAX_PARALLEL (3),
// PROPAGATE_AUTO_MERGE (false), PROPAGATE_CI_REQUIRED (true).
func Load() Guardrails {
	return Guardrails{
		MaxParallel:    envInt("PROPAGATE_MAX_PARALLEL", 3),
		ProtectedPaths: defaultProtectedPaths,
		CIRequired:     envBool("PROPAGATE_CI_REQUIRED", true),
		AutoMerge:      envBool("PROPAGATE_AUTO_MERGE", false),
	}
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return strings.EqualFold(v, "true")
}

// ValidatePaths returns a human-readable violation for every path that
// starts with a protected prefix. An empty result means the paths are
// allowed.
func (g Guardrails) ValidatePaths(paths []string) []string {
	var violations []string
	for _, path := range paths {
		for _, protected := range g.ProtectedPaths {
			if strings.HasPrefix(path, protected) {
				violations = append(violations, fmt.Sprintf("%s is under protected path %s", path, protected))
			}
		}
	}
	return violations
}

// CheckCanMerge reports whether guardrails permit an automatic merge:
// allowed = auto_merge && (ci_passed || !ci_required).
func (g Guardrails) CheckCanMerge(ciPassed bool) (bool, string) {
	if !g.AutoMerge {
		return false, "auto_merge is disabled, PR requires human review"
	}
	if g.CIRequired && !ciPassed {
		return false, "ci_required is enabled but CI has not passed"
	}
	return true, "merge allowed"
}
