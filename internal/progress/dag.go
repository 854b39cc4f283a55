package progress

import (
	"sort"

	"github.com/rendis/lifecycle/pkg/schema"
)

// RuntimeDAG is the indexed form of a run's runtime DAG.
// Built from a WorkflowSummary and reused by the evaluator for every check of that run.
type RuntimeDAG struct {
	Predecessors map[string][]string          // step ID → upstream steps
	Successors   map[string]map[string]string // step ID → downstream step → edge condition
	Sorted       []string                     // topological order
	Roots        []string                     // steps with no predecessors
}

// ParseRuntimeDAG validates the summary's runtime DAG and sorts it topologically
// using Kahn's algorithm. Edges may be declared on either side; both are merged.
func ParseRuntimeDAG(summary *schema.WorkflowSummary) (*RuntimeDAG, error) {
	if summary == nil {
		return nil, schema.NewError(schema.ErrCodeInternal, "workflow summary is nil")
	}

	dag := &RuntimeDAG{
		Predecessors: make(map[string][]string, len(summary.RuntimeDAG)),
		Successors:   make(map[string]map[string]string, len(summary.RuntimeDAG)),
	}
	for id := range summary.RuntimeDAG {
		if id == "" {
			return nil, schema.NewError(schema.ErrCodeInternal, "runtime dag contains an empty step id")
		}
		dag.Successors[id] = make(map[string]string)
	}

	link := func(from, to, cond string) error {
		if _, ok := summary.RuntimeDAG[from]; !ok {
			return schema.NewErrorf(schema.ErrCodeInternal, "step %s references unknown step %s", to, from)
		}
		if _, ok := summary.RuntimeDAG[to]; !ok {
			return schema.NewErrorf(schema.ErrCodeInternal, "step %s references unknown step %s", from, to)
		}
		if from == to {
			return schema.NewErrorf(schema.ErrCodeCycleDetected, "step %s depends on itself", from)
		}
		if existing, ok := dag.Successors[from][to]; ok {
			if existing == "" {
				dag.Successors[from][to] = cond
			}
			return nil
		}
		dag.Successors[from][to] = cond
		dag.Predecessors[to] = append(dag.Predecessors[to], from)
		return nil
	}

	for _, id := range sortedKeys(summary.RuntimeDAG) {
		t := summary.RuntimeDAG[id]
		for _, succ := range sortedKeys(t.Successors) {
			if err := link(id, succ, t.Successors[succ]); err != nil {
				return nil, err
			}
		}
		for _, pred := range t.Predecessors {
			if err := link(pred, id, ""); err != nil {
				return nil, err
			}
		}
	}
	for id := range dag.Predecessors {
		sort.Strings(dag.Predecessors[id])
	}

	inDegree := make(map[string]int, len(dag.Successors))
	queue := make([]string, 0)
	for id := range dag.Successors {
		inDegree[id] = len(dag.Predecessors[id])
		if inDegree[id] == 0 {
			queue = append(queue, id)
		}
	}
	sort.Strings(queue)
	dag.Roots = append([]string(nil), queue...)

	sorted := make([]string, 0, len(dag.Successors))
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		sorted = append(sorted, node)

		for _, next := range sortedKeys(dag.Successors[node]) {
			inDegree[next]--
			if inDegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}

	if len(sorted) != len(dag.Successors) {
		return nil, schema.NewError(schema.ErrCodeCycleDetected, "runtime dag contains a cycle")
	}
	dag.Sorted = sorted
	return dag, nil
}

// Contains reports whether stepID is a node of the DAG.
func (d *RuntimeDAG) Contains(stepID string) bool {
	_, ok := d.Successors[stepID]
	return ok
}

// Condition returns the edge condition from pred to step, "" when unconditional.
func (d *RuntimeDAG) Condition(pred, step string) string {
	return d.Successors[pred][step]
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
