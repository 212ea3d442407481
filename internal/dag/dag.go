// Package dag builds the task dependency graph for a pipeline and
// produces a parallel topological ordering: a list of layers where
// every task in a layer has no unresolved prerequisite within the
// layers scheduled before it.
package dag

import (
	"sort"
	"strings"

	apierrors "github.com/trainforge/trainforge/internal/errors"
)

// Graph maps a task index to the set of downstream task indices that
// depend on it (an edge u -> v means u must execute before v).
type Graph map[int]map[int]struct{}

func newGraph(n int) Graph {
	g := make(Graph, n)
	for i := 0; i < n; i++ {
		g[i] = map[int]struct{}{}
	}
	return g
}

func (g Graph) addEdge(from, to int) {
	g[from][to] = struct{}{}
}

// Task is the minimal view of a task definition the DAG builder needs:
// its name and the raw field values (arguments, inputs, etc.) that may
// carry `^`-prefixed references, plus any explicit `depends` list.
type Task struct {
	Name    string
	Depends []string
	// Values is every string value anywhere in the task's field map
	// (args, inputs, and so on) that should be scanned for references.
	Values []string
}

// referencePrefix marks a string as a reference into a prior task's
// record, per the reference mini-language (^task.path...).
const referencePrefix = "^"

// Build derives the dependency graph for an ordered task list. A name
// in a task's explicit Depends list induces an edge from that name to
// the task. Any string value beginning with "^" induces an edge from
// the named task (the first dot-separated segment) to the task, unless
// that name is present in externalInputs, which takes no edge. Missing
// dependency names produce a *errors.DAGError. A task name containing
// "." is rejected, as is a duplicate task name.
func Build(tasks []Task, externalInputs map[string]struct{}) (Graph, error) {
	nameToIdx := make(map[string]int, len(tasks))
	for i, t := range tasks {
		if strings.Contains(t.Name, ".") {
			return nil, apierrors.NewDAGError("names cannot contain `.`, found %q", t.Name)
		}
		if _, dup := nameToIdx[t.Name]; dup {
			return nil, apierrors.NewDAGError("task names must be unique, found %q twice", t.Name)
		}
		nameToIdx[t.Name] = i
	}

	g := newGraph(len(tasks))
	for dst, t := range tasks {
		for _, dep := range t.Depends {
			src := strings.TrimPrefix(dep, referencePrefix)
			srcIdx, ok := nameToIdx[src]
			if !ok {
				return nil, apierrors.NewDAGError("dependency `%s` of node `%s` not found in graph", src, t.Name)
			}
			g.addEdge(srcIdx, dst)
		}
		for _, value := range t.Values {
			if !strings.HasPrefix(value, referencePrefix) {
				continue
			}
			src := strings.TrimPrefix(strings.SplitN(value, ".", 2)[0], referencePrefix)
			if _, external := externalInputs[src]; external {
				continue
			}
			srcIdx, ok := nameToIdx[src]
			if !ok {
				return nil, apierrors.NewDAGError("dependency `%s` of node `%s` not found in graph", src, t.Name)
			}
			g.addEdge(srcIdx, dst)
		}
	}
	return g, nil
}

// reverse returns the graph with every edge direction flipped: an edge
// u -> v in g becomes an edge v -> u in the result ("tos" in the
// original Kahn's-algorithm formulation: the set of prerequisites for
// each node).
func (g Graph) reverse() Graph {
	r := newGraph(len(g))
	for u, outs := range g {
		for v := range outs {
			r[v][u] = struct{}{}
		}
	}
	return r
}

// TopoSortParallel computes the parallel topological ordering of g: a
// list of sets of task indices, where each set can run concurrently
// because every member's prerequisites are satisfied by the union of
// all prior sets. If g has a cycle it returns an index-carrying error
// that AsCycleError converts into a *errors.CycleError.
func TopoSortParallel(g Graph) ([][]int, error) {
	remaining := g.reverse() // node -> unsatisfied prerequisites
	var layers [][]int

	for len(remaining) > 0 {
		var ready []int
		for n, prereqs := range remaining {
			if len(prereqs) == 0 {
				ready = append(ready, n)
			}
		}
		if len(ready) == 0 {
			break
		}
		sort.Ints(ready)
		layers = append(layers, ready)

		readySet := make(map[int]struct{}, len(ready))
		for _, n := range ready {
			readySet[n] = struct{}{}
			delete(remaining, n)
		}
		for n, prereqs := range remaining {
			for r := range readySet {
				delete(prereqs, r)
			}
			remaining[n] = prereqs
		}
	}

	if len(remaining) > 0 {
		var names []int
		for n := range remaining {
			names = append(names, n)
		}
		sort.Ints(names)
		return nil, &apiCycleError{names}
	}
	return layers, nil
}

// apiCycleError adapts errors.CycleError to carry integer indices
// without internal/dag importing api (names are attached by the
// caller, which knows the Task slice).
type apiCycleError struct {
	Remaining []int
}

func (e *apiCycleError) Error() string {
	return apierrors.NewDAGError("graph has a cycle").Error()
}

// AsCycleError converts the internal index-carrying cycle error into
// the exported *errors.CycleError, resolving indices back to names
// using the original task slice.
func AsCycleError(err error, tasks []Task) error {
	ce, ok := err.(*apiCycleError)
	if !ok {
		return err
	}
	names := make([]string, 0, len(ce.Remaining))
	for _, i := range ce.Remaining {
		names = append(names, tasks[i].Name)
	}
	return &apierrors.CycleError{Remaining: names}
}

// BuildAndOrder builds the dependency graph for tasks and returns its
// parallel topological ordering as layers of task indices. This is the
// entry point the Executor uses; Build and TopoSortParallel remain
// independently testable.
func BuildAndOrder(tasks []Task, externalInputs map[string]struct{}) ([][]int, error) {
	g, err := Build(tasks, externalInputs)
	if err != nil {
		return nil, err
	}
	layers, err := TopoSortParallel(g)
	if err != nil {
		return nil, AsCycleError(err, tasks)
	}
	return layers, nil
}
