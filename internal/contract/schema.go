package contract

import "fmt"

// Document is a parsed OpenAPI document decoded from YAML into generic maps.
// We deliberately avoid a typed OpenAPI model: contracts in the wild carry
// vendor extensions and partial schemas that don't round-trip cleanly through
// a strict struct, and the differ only ever needs a handful of fields.
type Document map[string]interface{}

// node is a small helper over map[string]interface{} that resolves $ref
// pointers against the owning document, with cycle detection.
type node struct {
	doc     Document
	visited map[string]bool
	m       map[string]interface{}
}

func newNode(doc Document, m map[string]interface{}) node {
	return node{doc: doc, visited: map[string]bool{}, m: m}
}

func asMap(v interface{}) map[string]interface{} {
	if v == nil {
		return nil
	}
	m, _ := v.(map[string]interface{})
	return m
}

func asSlice(v interface{}) []interface{} {
	s, _ := v.([]interface{})
	return s
}

func asString(v interface{}) string {
	s, _ := v.(string)
	return s
}

// resolve follows a $ref chain against doc, returning the terminal schema
// object. Pointers already visited in this chain short-circuit with an
// empty map plus ok=false rather than recursing forever.
func resolve(doc Document, m map[string]interface{}, visited map[string]bool) (map[string]interface{}, bool) {
	resolved, _, ok := resolveTracked(doc, m, visited)
	return resolved, ok
}

// resolveTracked is resolve plus a cyclic flag distinguishing "revisited a
// pointer already in this chain" from "pointer target missing".
func resolveTracked(doc Document, m map[string]interface{}, visited map[string]bool) (result map[string]interface{}, cyclic bool, ok bool) {
	for i := 0; i < maxRefHops; i++ {
		ref, isRef := m["$ref"]
		if !isRef {
			return m, false, true
		}
		ptr := asString(ref)
		if visited[ptr] {
			return nil, true, false
		}
		visited[ptr] = true
		target, found := resolvePointer(doc, ptr)
		if !found {
			return nil, false, false
		}
		m = target
	}
	return nil, true, false // exceeded maxRefHops: treat as a runaway cycle
}

// maxRefHops bounds ref-chain length as a backstop; visited-set cycle
// detection is what actually prevents infinite loops in well-formed cyclic
// documents, per the tagged-variant/visited-set design this package follows.
const maxRefHops = 64

// resolvePointer walks "#/a/b/c" against doc.
func resolvePointer(doc Document, ref string) (map[string]interface{}, bool) {
	if len(ref) < 2 || ref[0] != '#' || ref[1] != '/' {
		return nil, false
	}
	parts := splitPointer(ref[2:])
	var cur interface{} = map[string]interface{}(doc)
	for _, p := range parts {
		m := asMap(cur)
		if m == nil {
			return nil, false
		}
		next, ok := m[p]
		if !ok {
			return nil, false
		}
		cur = next
	}
	m := asMap(cur)
	if m == nil {
		return nil, false
	}
	return m, true
}

func splitPointer(s string) []string {
	var parts []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == '/' {
			parts = append(parts, s[start:i])
			start = i + 1
		}
	}
	return parts
}

// resolveSchema resolves schema (which may itself be a $ref) against doc,
// returning an empty map (not found) if the chain is cyclic or broken.
func resolveSchema(doc Document, schema map[string]interface{}) map[string]interface{} {
	resolved, _ := resolveSchemaCyclic(doc, schema)
	return resolved
}

// resolveSchemaCyclic is resolveSchema plus a cyclic flag: true when the
// $ref chain revisited a pointer it had already followed (as opposed to
// simply being broken/missing). Callers in the recursive diff path use this
// to emit a single cycle_detected diff instead of silently treating the
// schema as empty.
func resolveSchemaCyclic(doc Document, schema map[string]interface{}) (map[string]interface{}, bool) {
	resolved, cyclic, ok := resolveTracked(doc, schema, map[string]bool{})
	if !ok {
		return map[string]interface{}{}, cyclic
	}
	return resolved, false
}

// schemaProperties returns the resolved schema's "properties" map.
func schemaProperties(doc Document, schema map[string]interface{}) map[string]interface{} {
	r := resolveSchema(doc, schema)
	props := asMap(r["properties"])
	if props == nil {
		return map[string]interface{}{}
	}
	return props
}

// requiredFields returns the resolved schema's "required" set.
func requiredFields(doc Document, schema map[string]interface{}) map[string]bool {
	r := resolveSchema(doc, schema)
	set := map[string]bool{}
	for _, v := range asSlice(r["required"]) {
		set[asString(v)] = true
	}
	return set
}

func schemaType(schema map[string]interface{}) string {
	return asString(schema["type"])
}

func schemaEnum(schema map[string]interface{}) map[string]bool {
	set := map[string]bool{}
	for _, v := range asSlice(schema["enum"]) {
		set[fmt.Sprintf("%v", v)] = true
	}
	return set
}

func requestBodySchema(doc Document, op map[string]interface{}) map[string]interface{} {
	return mediaSchema(op["requestBody"])
}

func mediaSchema(body interface{}) map[string]interface{} {
	b := asMap(body)
	content := asMap(b["content"])
	json := asMap(content["application/json"])
	schema := asMap(json["schema"])
	if schema == nil {
		return map[string]interface{}{}
	}
	return schema
}

func contentTypes(body interface{}) map[string]bool {
	b := asMap(body)
	content := asMap(b["content"])
	set := map[string]bool{}
	for k := range content {
		set[k] = true
	}
	return set
}
