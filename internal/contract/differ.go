// Package contract implements the structural differ and severity classifier
// that drive the propagation pipeline: given two parsed OpenAPI documents it
// produces an ordered, deterministic list of ContractDiff values, then folds
// those into a single ClassifiedChange.
package contract

import (
	"sort"
)

// ContractDiff is an ephemeral, in-memory record of one structural
// difference between two contract documents. Never persisted directly —
// the classifier folds a []ContractDiff into a ClassifiedChange, which is.
type ContractDiff struct {
	Path          string
	Method        string
	FieldPointer  string
	OldValue      interface{}
	NewValue      interface{}
	DiffKind      string
}

// Diff kinds. This is the closed set the differ emits from.
const (
	KindOperationAdded            = "operation_added"
	KindOperationRemoved          = "operation_removed"
	KindFieldAddedRequired        = "field_added_required"
	KindFieldOptionalToRequired   = "field_optional_to_required"
	KindFieldRemoved              = "field_removed"
	KindFieldTypeChanged          = "field_type_changed"
	KindEnumValuesRemoved         = "enum_values_removed"
	KindNestedFieldRemoved        = "nested_field_removed"
	KindNestedFieldAdded          = "nested_field_added"
	KindNestedFieldTypeChanged    = "nested_field_type_changed"
	KindArrayItemTypeChanged      = "array_item_type_changed"
	KindParameterAddedRequired    = "parameter_added_required"
	KindParameterRemoved          = "parameter_removed"
	KindParameterTypeChanged      = "parameter_type_changed"
	KindContentTypeChanged        = "content_type_changed"
	KindSecurityChanged           = "security_changed"
	KindResponseStructureChanged  = "response_structure_changed"
	KindCycleDetected             = "cycle_detected"
)

// httpMethods is the set of keys under a path item that name operations,
// as opposed to shared parameters or vendor extensions.
var httpMethods = map[string]bool{
	"get": true, "post": true, "put": true, "patch": true,
	"delete": true, "options": true, "head": true,
}

// Diff compares old and new contract documents and returns a deterministic,
// order-stable ([]ContractDiff sorted by path, then method, then field
// pointer) list of structural differences.
func Diff(old, new_ Document) []ContractDiff {
	var diffs []ContractDiff

	oldPaths := asMap(old["paths"])
	newPaths := asMap(new_["paths"])

	for _, path := range sortedUnionKeys(oldPaths, newPaths) {
		oldItem := asMap(oldPaths[path])
		newItem := asMap(newPaths[path])

		for _, method := range sortedMethodKeys(oldItem, newItem) {
			oldOp := asMap(oldItem[method])
			newOp := asMap(newItem[method])
			diffs = append(diffs, diffOperation(old, new_, path, method, oldOp, newOp)...)
		}
	}

	sort.SliceStable(diffs, func(i, j int) bool {
		if diffs[i].Path != diffs[j].Path {
			return diffs[i].Path < diffs[j].Path
		}
		if diffs[i].Method != diffs[j].Method {
			return diffs[i].Method < diffs[j].Method
		}
		return diffs[i].FieldPointer < diffs[j].FieldPointer
	})
	return diffs
}

func sortedUnionKeys(a, b map[string]interface{}) []string {
	set := map[string]bool{}
	for k := range a {
		set[k] = true
	}
	for k := range b {
		set[k] = true
	}
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortedMethodKeys(oldItem, newItem map[string]interface{}) []string {
	set := map[string]bool{}
	for k := range oldItem {
		if httpMethods[k] {
			set[k] = true
		}
	}
	for k := range newItem {
		if httpMethods[k] {
			set[k] = true
		}
	}
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func diffOperation(old, new_ Document, path, method string, oldOp, newOp map[string]interface{}) []ContractDiff {
	var diffs []ContractDiff

	if len(oldOp) == 0 && len(newOp) > 0 {
		return []ContractDiff{{Path: path, Method: method, FieldPointer: "operation", NewValue: "added", DiffKind: KindOperationAdded}}
	}
	if len(oldOp) > 0 && len(newOp) == 0 {
		return []ContractDiff{{Path: path, Method: method, FieldPointer: "operation", OldValue: "exists", DiffKind: KindOperationRemoved}}
	}

	diffs = append(diffs, diffRequestBody(old, new_, path, method, oldOp, newOp)...)
	diffs = append(diffs, diffResponses(old, new_, path, method, oldOp, newOp)...)
	diffs = append(diffs, diffParameters(path, method, oldOp, newOp)...)
	diffs = append(diffs, diffSecurity(path, method, oldOp, newOp)...)
	return diffs
}

func diffRequestBody(old, new_ Document, path, method string, oldOp, newOp map[string]interface{}) []ContractDiff {
	var diffs []ContractDiff

	oldBody, newBody := oldOp["requestBody"], newOp["requestBody"]
	if oldBody == nil && newBody == nil {
		return nil
	}

	if cts := diffContentTypes(path, method, "request", oldBody, newBody); cts != nil {
		diffs = append(diffs, *cts)
	}

	oldSchema := requestBodySchema(old, oldOp)
	newSchema := requestBodySchema(new_, newOp)

	oldProps := schemaProperties(old, oldSchema)
	newProps := schemaProperties(new_, newSchema)
	oldRequired := requiredFields(old, oldSchema)
	newRequired := requiredFields(new_, newSchema)

	for name := range newRequired {
		if oldRequired[name] {
			continue
		}
		field := "request.body." + name
		if _, existedOld := oldProps[name]; !existedOld {
			diffs = append(diffs, ContractDiff{Path: path, Method: method, FieldPointer: field, NewValue: newProps[name], DiffKind: KindFieldAddedRequired})
		} else {
			diffs = append(diffs, ContractDiff{Path: path, Method: method, FieldPointer: field, OldValue: "optional", NewValue: "required", DiffKind: KindFieldOptionalToRequired})
		}
	}

	for name, oldField := range oldProps {
		if _, stillThere := newProps[name]; !stillThere {
			diffs = append(diffs, ContractDiff{Path: path, Method: method, FieldPointer: "request.body." + name, OldValue: oldField, DiffKind: KindFieldRemoved})
		}
	}

	for name, oldField := range oldProps {
		newField, ok := newProps[name]
		if !ok {
			continue
		}
		field := "request.body." + name
		oldFieldMap, newFieldMap := asMap(oldField), asMap(newField)
		diffs = append(diffs, diffScalarField(old, new_, path, method, field, oldFieldMap, newFieldMap)...)
	}

	return diffs
}

func diffResponses(old, new_ Document, path, method string, oldOp, newOp map[string]interface{}) []ContractDiff {
	var diffs []ContractDiff
	oldResponses := asMap(oldOp["responses"])
	newResponses := asMap(newOp["responses"])

	for _, status := range sortedUnionKeys(oldResponses, newResponses) {
		oldResp := oldResponses[status]
		newResp := newResponses[status]

		oldRespSchema := mediaSchema(oldResp)
		newRespSchema := mediaSchema(newResp)

		oldProps := schemaProperties(old, oldRespSchema)
		newProps := schemaProperties(new_, newRespSchema)

		for name, oldField := range oldProps {
			if _, stillThere := newProps[name]; !stillThere {
				diffs = append(diffs, ContractDiff{Path: path, Method: method, FieldPointer: "response." + status + "." + name, OldValue: oldField, DiffKind: KindFieldRemoved})
			}
		}

		for name, newField := range newProps {
			if _, existedOld := oldProps[name]; existedOld {
				continue
			}
			if schemaType(asMap(newField)) == "object" {
				diffs = append(diffs, ContractDiff{Path: path, Method: method, FieldPointer: "response." + status + "." + name, NewValue: newField, DiffKind: KindResponseStructureChanged})
			}
		}

		for name, oldField := range oldProps {
			newField, ok := newProps[name]
			if !ok {
				continue
			}
			field := "response." + status + "." + name
			diffs = append(diffs, diffScalarField(old, new_, path, method, field, asMap(oldField), asMap(newField))...)
		}
	}
	return diffs
}

// diffScalarField covers type change, enum narrowing, and nested recursion
// for a single field present on both sides.
func diffScalarField(old, new_ Document, path, method, field string, oldField, newField map[string]interface{}) []ContractDiff {
	var diffs []ContractDiff

	oldType, newType := schemaType(oldField), schemaType(newField)
	if oldType != "" && newType != "" && oldType != newType {
		diffs = append(diffs, ContractDiff{Path: path, Method: method, FieldPointer: field, OldValue: oldType, NewValue: newType, DiffKind: KindFieldTypeChanged})
	}

	oldEnum, newEnum := schemaEnum(oldField), schemaEnum(newField)
	if len(oldEnum) > 0 && len(newEnum) > 0 {
		removed := false
		for v := range oldEnum {
			if !newEnum[v] {
				removed = true
				break
			}
		}
		if removed {
			diffs = append(diffs, ContractDiff{Path: path, Method: method, FieldPointer: field, OldValue: sortedSet(oldEnum), NewValue: sortedSet(newEnum), DiffKind: KindEnumValuesRemoved})
		}
	}

	diffs = append(diffs, diffNested(old, new_, path, method, field, oldField, newField)...)
	return diffs
}

// diffNested recurses into object and array schemas. A cyclic $ref chain
// (detected by resolveSchemaCyclic's visited set) yields one cycle_detected
// diff for the field and recursion stops there; a broken $ref is treated as
// having no properties/items rather than panicking.
func diffNested(old, new_ Document, path, method, fieldPrefix string, oldField, newField map[string]interface{}) []ContractDiff {
	var diffs []ContractDiff
	if oldField == nil || newField == nil {
		return nil
	}

	oldResolved, oldCyclic := resolveSchemaCyclic(old, oldField)
	newResolved, newCyclic := resolveSchemaCyclic(new_, newField)
	if oldCyclic || newCyclic {
		diffs = append(diffs, ContractDiff{Path: path, Method: method, FieldPointer: fieldPrefix, DiffKind: KindCycleDetected})
		return diffs
	}

	if schemaType(oldResolved) == "object" && schemaType(newResolved) == "object" {
		oldSub := asMap(oldResolved["properties"])
		newSub := asMap(newResolved["properties"])

		for name, v := range oldSub {
			if _, ok := newSub[name]; !ok {
				diffs = append(diffs, ContractDiff{Path: path, Method: method, FieldPointer: fieldPrefix + "." + name, OldValue: v, DiffKind: KindNestedFieldRemoved})
			}
		}
		for name, v := range newSub {
			if _, ok := oldSub[name]; !ok {
				diffs = append(diffs, ContractDiff{Path: path, Method: method, FieldPointer: fieldPrefix + "." + name, NewValue: v, DiffKind: KindNestedFieldAdded})
			}
		}
		for name, oldV := range oldSub {
			newV, ok := newSub[name]
			if !ok {
				continue
			}
			oldT, newT := schemaType(asMap(oldV)), schemaType(asMap(newV))
			if oldT != "" && newT != "" && oldT != newT {
				diffs = append(diffs, ContractDiff{Path: path, Method: method, FieldPointer: fieldPrefix + "." + name, OldValue: oldT, NewValue: newT, DiffKind: KindNestedFieldTypeChanged})
			}
		}
	}

	if schemaType(oldResolved) == "array" && schemaType(newResolved) == "array" {
		oldItems := resolveSchema(old, asMap(oldResolved["items"]))
		newItems := resolveSchema(new_, asMap(newResolved["items"]))
		oldItemType, newItemType := schemaType(oldItems), schemaType(newItems)
		if oldItemType != "" && newItemType != "" && oldItemType != newItemType {
			diffs = append(diffs, ContractDiff{Path: path, Method: method, FieldPointer: fieldPrefix + ".items", OldValue: oldItemType, NewValue: newItemType, DiffKind: KindArrayItemTypeChanged})
		}
	}

	return diffs
}

// diffParameters keys old/new parameter lists by (name, location) and
// detects added-required, removed, and type-changed parameters.
func diffParameters(path, method string, oldOp, newOp map[string]interface{}) []ContractDiff {
	oldParams := paramsByKey(oldOp["parameters"])
	newParams := paramsByKey(newOp["parameters"])

	var diffs []ContractDiff
	for key, newP := range newParams {
		oldP, existed := oldParams[key]
		if !existed {
			if newP["required"] == true {
				diffs = append(diffs, ContractDiff{Path: path, Method: method, FieldPointer: "parameter." + key, NewValue: newP, DiffKind: KindParameterAddedRequired})
			}
			continue
		}
		oldType := schemaType(asMap(oldP["schema"]))
		newType := schemaType(asMap(newP["schema"]))
		if oldType != "" && newType != "" && oldType != newType {
			diffs = append(diffs, ContractDiff{Path: path, Method: method, FieldPointer: "parameter." + key, OldValue: oldType, NewValue: newType, DiffKind: KindParameterTypeChanged})
		}
	}
	for key, oldP := range oldParams {
		if _, stillThere := newParams[key]; !stillThere {
			diffs = append(diffs, ContractDiff{Path: path, Method: method, FieldPointer: "parameter." + key, OldValue: oldP, DiffKind: KindParameterRemoved})
		}
	}
	return diffs
}

func paramsByKey(v interface{}) map[string]map[string]interface{} {
	out := map[string]map[string]interface{}{}
	for _, item := range asSlice(v) {
		p := asMap(item)
		key := asString(p["name"]) + "@" + asString(p["in"])
		out[key] = p
	}
	return out
}

func diffContentTypes(path, method, kind string, oldBody, newBody interface{}) *ContractDiff {
	oldCT := contentTypes(oldBody)
	newCT := contentTypes(newBody)
	if len(oldCT) == 0 && len(newCT) == 0 {
		return nil
	}
	for k := range oldCT {
		if !newCT[k] {
			return &ContractDiff{Path: path, Method: method, FieldPointer: kind + ".content_type", OldValue: sortedSet(oldCT), NewValue: sortedSet(newCT), DiffKind: KindContentTypeChanged}
		}
	}
	for k := range newCT {
		if !oldCT[k] {
			return &ContractDiff{Path: path, Method: method, FieldPointer: kind + ".content_type", OldValue: sortedSet(oldCT), NewValue: sortedSet(newCT), DiffKind: KindContentTypeChanged}
		}
	}
	return nil
}

func diffSecurity(path, method string, oldOp, newOp map[string]interface{}) []ContractDiff {
	oldSec := securitySchemeNames(oldOp["security"])
	newSec := securitySchemeNames(newOp["security"])
	if setsEqual(oldSec, newSec) {
		return nil
	}
	return []ContractDiff{{Path: path, Method: method, FieldPointer: "security", OldValue: sortedSet(oldSec), NewValue: sortedSet(newSec), DiffKind: KindSecurityChanged}}
}

func securitySchemeNames(v interface{}) map[string]bool {
	set := map[string]bool{}
	for _, req := range asSlice(v) {
		for name := range asMap(req) {
			set[name] = true
		}
	}
	return set
}

func setsEqual(a, b map[string]bool) bool {
	if len(a) != len(b) {
		return false
	}
	for k := range a {
		if !b[k] {
			return false
		}
	}
	return true
}

func sortedSet(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
