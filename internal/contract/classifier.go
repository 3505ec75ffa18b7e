package contract

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// nonBreakingKinds are the diff kinds that never make a change breaking on
// their own: additive operations and additive nested fields.
var nonBreakingKinds = map[string]bool{
	KindOperationAdded: true,
	KindNestedFieldAdded: true,
}

// isBreakingKind reports whether kind is breaking: every diff kind except the
// ones in nonBreakingKinds is (parameter_added_required/removed/type
// changed are breaking; only a brand new *optional* parameter — which the
// differ never emits as a diff — would not be).
func isBreakingKind(kind string) bool {
	return !nonBreakingKinds[kind]
}

// FieldDetail is one row of the classifier's field-level detail list.
type FieldDetail struct {
	Path     string
	Method   string
	Field    string
	DiffKind string
	OldValue string
	NewValue string
}

// ClassifiedChange folds a []ContractDiff into the single verdict the
// orchestrator persists as a ContractChange.
type ClassifiedChange struct {
	IsBreaking    bool
	Severity      string
	Summary       string
	ChangedRoutes []string
	FieldDetails  []FieldDetail
	Diffs         []ContractDiff
}

// Severity levels, highest first.
const (
	SeverityCritical = "critical"
	SeverityHigh     = "high"
	SeverityMedium   = "medium"
	SeverityLow      = "low"
)

// Classify folds diffs into a single ClassifiedChange per the severity
// ladder: critical (cyclic $ref, required field add/promote, response
// structure change) >
// high (field/nested-field removed, enum narrowed) > medium (scalar or
// nested type change, array item type change) > low (everything else).
func Classify(diffs []ContractDiff) ClassifiedChange {
	if len(diffs) == 0 {
		return ClassifiedChange{Severity: SeverityLow, Summary: "No changes detected"}
	}

	isBreaking := false
	for _, d := range diffs {
		if isBreakingKind(d.DiffKind) {
			isBreaking = true
			break
		}
	}

	byKind := map[string][]ContractDiff{}
	for _, d := range diffs {
		byKind[d.DiffKind] = append(byKind[d.DiffKind], d)
	}

	severity := SeverityLow
	switch {
	case len(byKind[KindCycleDetected]) > 0 || len(byKind[KindFieldAddedRequired]) > 0 || len(byKind[KindFieldOptionalToRequired]) > 0 || len(byKind[KindResponseStructureChanged]) > 0:
		severity = SeverityCritical
	case len(byKind[KindFieldRemoved]) > 0 || len(byKind[KindNestedFieldRemoved]) > 0 || len(byKind[KindEnumValuesRemoved]) > 0:
		severity = SeverityHigh
	case len(byKind[KindFieldTypeChanged]) > 0 || len(byKind[KindNestedFieldTypeChanged]) > 0 || len(byKind[KindArrayItemTypeChanged]) > 0:
		severity = SeverityMedium
	}

	summary := buildSummary(byKind)
	routes := changedRoutes(diffs)
	details := fieldDetails(diffs)

	return ClassifiedChange{
		IsBreaking:    isBreaking,
		Severity:      severity,
		Summary:       summary,
		ChangedRoutes: routes,
		FieldDetails:  details,
		Diffs:         diffs,
	}
}

// buildSummary concatenates per-category phrases in the fixed order the
// severity ladder is declared in: cyclic references, required-field
// adds/promotions, response structure changes, removed fields and enum
// values, type changes.
func buildSummary(byKind map[string][]ContractDiff) string {
	var parts []string

	if fields := fieldNames(byKind[KindCycleDetected]); len(fields) > 0 {
		parts = append(parts, fmt.Sprintf("Unresolvable cyclic schema reference(s): %s", strings.Join(fields, ", ")))
	}
	if fields := fieldNames(byKind[KindFieldAddedRequired]); len(fields) > 0 {
		parts = append(parts, fmt.Sprintf("New required field(s): %s", strings.Join(fields, ", ")))
	}
	if fields := fieldNames(byKind[KindFieldOptionalToRequired]); len(fields) > 0 {
		parts = append(parts, fmt.Sprintf("Field(s) promoted to required: %s", strings.Join(fields, ", ")))
	}
	if fields := fieldNames(byKind[KindResponseStructureChanged]); len(fields) > 0 {
		parts = append(parts, fmt.Sprintf("Response structure changed: %s", strings.Join(fields, ", ")))
	}
	if fields := fieldNames(byKind[KindFieldRemoved]); len(fields) > 0 {
		parts = append(parts, fmt.Sprintf("Removed field(s): %s", strings.Join(fields, ", ")))
	}
	if fields := fieldNames(byKind[KindNestedFieldRemoved]); len(fields) > 0 {
		parts = append(parts, fmt.Sprintf("Removed nested field(s): %s", strings.Join(fields, ", ")))
	}
	if fields := fieldNames(byKind[KindEnumValuesRemoved]); len(fields) > 0 {
		parts = append(parts, fmt.Sprintf("Enum value(s) removed: %s", strings.Join(fields, ", ")))
	}
	if fields := fieldNames(byKind[KindFieldTypeChanged]); len(fields) > 0 {
		parts = append(parts, fmt.Sprintf("Type changed: %s", strings.Join(fields, ", ")))
	}
	if fields := fieldNames(byKind[KindNestedFieldTypeChanged]); len(fields) > 0 {
		parts = append(parts, fmt.Sprintf("Nested type changed: %s", strings.Join(fields, ", ")))
	}
	if fields := fieldNames(byKind[KindArrayItemTypeChanged]); len(fields) > 0 {
		parts = append(parts, fmt.Sprintf("Array item type changed: %s", strings.Join(fields, ", ")))
	}

	if len(parts) == 0 {
		return "Non-breaking changes detected"
	}
	return strings.Join(parts, "; ")
}

func fieldNames(diffs []ContractDiff) []string {
	names := make([]string, 0, len(diffs))
	for _, d := range diffs {
		names = append(names, d.FieldPointer)
	}
	sort.Strings(names)
	return names
}

func changedRoutes(diffs []ContractDiff) []string {
	set := map[string]bool{}
	for _, d := range diffs {
		set[strings.ToUpper(d.Method)+" "+d.Path] = true
	}
	routes := make([]string, 0, len(set))
	for r := range set {
		routes = append(routes, r)
	}
	sort.Strings(routes)
	return routes
}

func fieldDetails(diffs []ContractDiff) []FieldDetail {
	out := make([]FieldDetail, 0, len(diffs))
	for _, d := range diffs {
		out = append(out, FieldDetail{
			Path:     d.Path,
			Method:   d.Method,
			Field:    d.FieldPointer,
			DiffKind: d.DiffKind,
			OldValue: stringifyValue(d.OldValue),
			NewValue: stringifyValue(d.NewValue),
		})
	}
	return out
}

func stringifyValue(v interface{}) string {
	if v == nil {
		return ""
	}
	switch t := v.(type) {
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	default:
		return fmt.Sprintf("%v", t)
	}
}
