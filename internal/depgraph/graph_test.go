package depgraph

import (
	"reflect"
	"testing"
)

func TestTopologicalSortWaveOrdering(t *testing.T) {
	services := map[string][]string{
		"a": {"root"},
		"b": {"root"},
		"c": {"a"},
		"d": {"a", "b"},
		"e": {"c", "d"},
	}
	g := BuildFromServiceMap(services, "root")

	waves, err := g.TopologicalSort()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := [][]string{{"root"}, {"a", "b"}, {"c", "d"}, {"e"}}
	if !reflect.DeepEqual(waves, want) {
		t.Fatalf("got %v, want %v", waves, want)
	}
}

func TestTopologicalSortDetectsCycle(t *testing.T) {
	g := New()
	g.AddService("a", []string{"b"})
	g.AddService("b", []string{"a"})

	_, err := g.TopologicalSort()
	if err == nil {
		t.Fatal("expected a circular dependency error")
	}
	var cycleErr *CircularDependency
	if !errorsAs(err, &cycleErr) {
		t.Fatalf("expected *CircularDependency, got %T", err)
	}
}

func errorsAs(err error, target **CircularDependency) bool {
	if ce, ok := err.(*CircularDependency); ok {
		*target = ce
		return true
	}
	return false
}
