package diagram

import (
	"fmt"
	"sort"

	"github.com/rendis/lifecycle/internal/progress"
	"github.com/rendis/lifecycle/pkg/schema"
)

const (
	startID = "__start__"
	endID   = "__end__"
)

// Build converts a run's runtime DAG into a DiagramModel. Tasks are optional; when given, the
// step tasks' runtime summaries are overlaid as node status.
func Build(summary *schema.WorkflowSummary, tasks []*schema.Task, conv progress.TaskConventions) (*DiagramModel, error) {
	dag, err := progress.ParseRuntimeDAG(summary)
	if err != nil {
		return nil, err
	}

	states, err := stepStates(tasks, conv)
	if err != nil {
		return nil, err
	}
	excluded := summary.RestartExclusions()

	model := &DiagramModel{
		Title: fmt.Sprintf("%s #%d run %d", summary.WorkflowID, summary.InstanceID, summary.RunID),
	}
	model.Nodes = append(model.Nodes, &Node{ID: startID, Label: "Start", Kind: NodeKindStart})
	for _, id := range dag.Sorted {
		model.Nodes = append(model.Nodes, stepNode(id, states[id], excluded[id], conv))
	}
	model.Nodes = append(model.Nodes, &Node{ID: endID, Label: "End", Kind: NodeKindEnd})

	for _, root := range dag.Roots {
		model.Edges = append(model.Edges, Edge{From: startID, To: root})
	}
	for _, id := range dag.Sorted {
		succs := dag.Successors[id]
		if len(succs) == 0 {
			model.Edges = append(model.Edges, Edge{From: id, To: endID})
			continue
		}
		for _, next := range sortedIDs(succs) {
			model.Edges = append(model.Edges, Edge{From: id, To: next, Label: succs[next]})
		}
	}

	model.Levels = computeLevels(dag)
	return model, nil
}

func stepStates(tasks []*schema.Task, conv progress.TaskConventions) (map[string]*schema.StepRuntimeSummary, error) {
	out := make(map[string]*schema.StepRuntimeSummary)
	for ref, t := range conv.UserDefinedRealTaskMap(tasks) {
		rs, err := conv.StepSummary(t)
		if err != nil {
			return nil, err
		}
		out[ref] = rs
	}
	return out, nil
}

func stepNode(id string, rs *schema.StepRuntimeSummary, excluded bool, conv progress.TaskConventions) *Node {
	node := &Node{ID: id, Label: id, Kind: NodeKindStep}
	if excluded {
		node.Status = &StatusOverlay{Status: "skipped", Excluded: true}
	}
	if rs == nil {
		return node
	}
	if conv.IsContainer(rs.Type) {
		node.Kind = NodeKindContainer
		if rs.Rollup != nil && len(rs.Rollup.Overview) > 0 {
			node.Children = append(node.Children, rollupGraph(id, rs.Rollup))
		}
	}
	if excluded {
		return node
	}
	state := rs.RuntimeState
	node.Status = &StatusOverlay{Status: statusClass(state.Status), StepStatus: state.Status}
	if state.StartTime != nil && state.EndTime != nil && *state.EndTime > *state.StartTime {
		node.Status.DurationMs = *state.EndTime - *state.StartTime
	}
	return node
}

// rollupGraph summarizes a container's leaf steps as one node per status.
func rollupGraph(parent string, rollup *schema.WorkflowRollupOverview) *SubGraph {
	sg := &SubGraph{Label: fmt.Sprintf("%d leaves", rollup.TotalLeafCount)}
	for _, status := range schema.OrderedStepStatuses {
		ref, ok := rollup.Overview[status]
		if !ok || ref == nil || ref.Count == 0 {
			continue
		}
		sg.Nodes = append(sg.Nodes, &Node{
			ID:     parent + "." + string(status),
			Label:  fmt.Sprintf("%s x%d", status, ref.Count),
			Kind:   NodeKindStep,
			Status: &StatusOverlay{Status: statusClass(status), StepStatus: status},
		})
	}
	return sg
}

// computeLevels assigns each step the length of its longest path from a root.
func computeLevels(dag *progress.RuntimeDAG) [][]string {
	depth := make(map[string]int, len(dag.Sorted))
	maxDepth := 0
	for _, id := range dag.Sorted {
		d := 0
		for _, pred := range dag.Predecessors[id] {
			if depth[pred]+1 > d {
				d = depth[pred] + 1
			}
		}
		depth[id] = d
		if d > maxDepth {
			maxDepth = d
		}
	}

	levels := [][]string{{startID}}
	if len(dag.Sorted) > 0 {
		steps := make([][]string, maxDepth+1)
		for _, id := range dag.Sorted {
			steps[depth[id]] = append(steps[depth[id]], id)
		}
		levels = append(levels, steps...)
	}
	return append(levels, []string{endID})
}

func sortedIDs(m map[string]string) []string {
	ids := make([]string, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
