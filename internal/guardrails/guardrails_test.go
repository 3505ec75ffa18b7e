package guardrails

import "testing"

func TestValidatePaths(t *testing.T) {
	g := Guardrails{ProtectedPaths: defaultProtectedPaths}

	violations := g.ValidatePaths([]string{"internal/handlers/users.go", "infra/main.tf"})
	if len(violations) != 1 {
		t.Fatalf("expected 1 violation, got %d: %v", len(violations), violations)
	}

	clean := g.ValidatePaths([]string{"internal/handlers/users.go", "pkg/client.go"})
	if len(clean) != 0 {
		t.Fatalf("expected no violations, got %v", clean)
	}
}

func TestCheckCanMerge(t *testing.T) {
	cases := []struct {
		name     string
		g        Guardrails
		ciPassed bool
		want     bool
	}{
		{"auto merge disabled", Guardrails{AutoMerge: false}, true, false},
		{"ci required and failed", Guardrails{AutoMerge: true, CIRequired: true}, false, false},
		{"ci required and passed", Guardrails{AutoMerge: true, CIRequired: true}, true, true},
		{"ci not required", Guardrails{AutoMerge: true, CIRequired: false}, false, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, reason := tc.g.CheckCanMerge(tc.ciPassed)
			if got != tc.want {
				t.Fatalf("CheckCanMerge() = %v (%s), want %v", got, reason, tc.want)
			}
		})
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("PROPAGATE_MAX_PARALLEL", "")
	t.Setenv("PROPAGATE_CI_REQUIRED", "")
	t.Setenv("PROPAGATE_AUTO_MERGE", "")

	g := Load()
	if g.MaxParallel != 3 {
		t.Errorf("default MaxParallel = %d, want 3", g.MaxParallel)
	}
	if !g.CIRequired {
		t.Errorf("default CIRequired = false, want true")
	}
	if g.AutoMerge {
		t.Errorf("default AutoMerge = true, want false")
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("PROPAGATE_MAX_PARALLEL", "7")
	t.Setenv("PROPAGATE_CI_REQUIRED", "false")
	t.Setenv("PROPAGATE_AUTO_MERGE", "true")

	g := Load()
	if g.MaxParallel != 7 {
		t.Errorf("MaxParallel = %d, want 7", g.MaxParallel)
	}
	if g.CIRequired {
		t.Errorf("CIRequired = true, want false")
	}
	if !g.AutoMerge {
		t.Errorf("AutoMerge = false, want true")
	}
}
