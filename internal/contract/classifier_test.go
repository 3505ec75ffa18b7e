package contract

import (
	"strings"
	"testing"
)

func TestClassifyEnumValuesRemovedIsBreakingAndSummarized(t *testing.T) {
	diffs := []ContractDiff{
		{Path: "/v1/accounts/{id}", Method: "get", FieldPointer: "response.200.status", OldValue: []string{"active", "closed"}, NewValue: []string{"active"}, DiffKind: KindEnumValuesRemoved},
	}

	classified := Classify(diffs)

	if !classified.IsBreaking {
		t.Errorf("IsBreaking = false, want true for an enum-values-removed diff")
	}
	if classified.Severity != SeverityHigh {
		t.Errorf("Severity = %q, want %q", classified.Severity, SeverityHigh)
	}
	if classified.Summary == "Non-breaking changes detected" {
		t.Fatalf("Summary = %q, want it to mention the removed enum value(s)", classified.Summary)
	}
	if !strings.Contains(classified.Summary, "Enum value(s) removed") {
		t.Errorf("Summary = %q, want it to contain %q", classified.Summary, "Enum value(s) removed")
	}
}

func TestClassifyArrayItemTypeChangedIsBreakingAndSummarized(t *testing.T) {
	diffs := []ContractDiff{
		{Path: "/v1/accounts/{id}", Method: "get", FieldPointer: "response.200.tags.items", OldValue: "string", NewValue: "integer", DiffKind: KindArrayItemTypeChanged},
	}

	classified := Classify(diffs)

	if !classified.IsBreaking {
		t.Errorf("IsBreaking = false, want true for an array-item-type-changed diff")
	}
	if classified.Severity != SeverityMedium {
		t.Errorf("Severity = %q, want %q", classified.Severity, SeverityMedium)
	}
	if classified.Summary == "Non-breaking changes detected" {
		t.Fatalf("Summary = %q, want it to mention the array item type change", classified.Summary)
	}
	if !strings.Contains(classified.Summary, "Array item type changed") {
		t.Errorf("Summary = %q, want it to contain %q", classified.Summary, "Array item type changed")
	}
}

func TestClassifyNoDiffsIsNoChange(t *testing.T) {
	classified := Classify(nil)
	if classified.IsBreaking {
		t.Errorf("IsBreaking = true for an empty diff set, want false")
	}
	if classified.Summary != "No changes detected" {
		t.Errorf("Summary = %q, want %q", classified.Summary, "No changes detected")
	}
}

func TestClassifyAdditiveOnlyIsNonBreaking(t *testing.T) {
	diffs := []ContractDiff{
		{Path: "/v1/accounts", Method: "post", FieldPointer: "operation", NewValue: "added", DiffKind: KindOperationAdded},
		{Path: "/v1/accounts/{id}", Method: "get", FieldPointer: "response.200.nickname", NewValue: map[string]interface{}{"type": "string"}, DiffKind: KindNestedFieldAdded},
	}

	classified := Classify(diffs)

	if classified.IsBreaking {
		t.Errorf("IsBreaking = true for purely additive diffs, want false")
	}
	if classified.Summary != "Non-breaking changes detected" {
		t.Errorf("Summary = %q, want %q", classified.Summary, "Non-breaking changes detected")
	}
}
