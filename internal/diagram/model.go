package diagram

import "github.com/rendis/lifecycle/pkg/schema"

// NodeKind classifies a diagram node.
type NodeKind string

const (
	NodeKindStep      NodeKind = "step"
	NodeKindContainer NodeKind = "container"
	NodeKindStart     NodeKind = "start"
	NodeKindEnd       NodeKind = "end"
)

// DiagramModel is the intermediate representation used by all renderers.
type DiagramModel struct {
	Title  string
	Nodes  []*Node
	Edges  []Edge
	Levels [][]string
}

// Node returns the node with the given id, or nil.
func (m *DiagramModel) Node(id string) *Node {
	for _, n := range m.Nodes {
		if n.ID == id {
			return n
		}
	}
	return nil
}

// Node represents a single step of the runtime DAG.
type Node struct {
	ID       string
	Label    string
	Kind     NodeKind
	Status   *StatusOverlay
	Children []*SubGraph // leaf rollup of container steps
}

// SubGraph holds nested nodes drawn inside a container step.
type SubGraph struct {
	Label string
	Nodes []*Node
	Edges []Edge
}

// StatusOverlay carries the runtime state of a step.
type StatusOverlay struct {
	Status     string // render class: completed, failed, running, suspended, skipped, pending
	StepStatus schema.StepStatus
	DurationMs int64
	Excluded   bool
}

// Edge is a runtime DAG transition. Label holds the edge condition, if any.
type Edge struct {
	From  string
	To    string
	Label string
}

// statusClass folds a step status into the render class shared by every renderer.
func statusClass(s schema.StepStatus) string {
	switch {
	case s == "":
		return ""
	case s.IsFailure(), s == schema.StepStatusTimedOut:
		return "failed"
	case s == schema.StepStatusSkipped,
		s == schema.StepStatusStopped,
		s == schema.StepStatusDisabled,
		s == schema.StepStatusUnsatisfied:
		return "skipped"
	case s.IsComplete():
		return "completed"
	case s == schema.StepStatusPaused,
		s == schema.StepStatusWaitingForSignals,
		s == schema.StepStatusWaitingForPermits:
		return "suspended"
	case s == schema.StepStatusNotCreated,
		s == schema.StepStatusCreated,
		s == schema.StepStatusInitialized:
		return "pending"
	default:
		return "running"
	}
}
