package schema

import "sort"

// StepTiming is the ordinal and timing of one step contributing to a status summary.
type StepTiming struct {
	Ordinal   int64  `json:"ordinal"`
	StartTime *int64 `json:"start_time,omitempty"`
	EndTime   *int64 `json:"end_time,omitempty"`
}

// StepStatusSummary counts the steps currently in one status.
type StepStatusSummary struct {
	Count int64        `json:"cnt"`
	Steps []StepTiming `json:"steps,omitempty"`
}

// AddStep records one step and keeps Steps ordered by ordinal.
func (s *StepStatusSummary) AddStep(timing StepTiming) *StepStatusSummary {
	s.Count++
	s.Steps = append(s.Steps, timing)
	sort.SliceStable(s.Steps, func(i, j int) bool { return s.Steps[i].Ordinal < s.Steps[j].Ordinal })
	return s
}

// WorkflowRuntimeOverview is a derived snapshot of step statuses for one instance run.
// It is recomputed on every evaluation and never persisted.
type WorkflowRuntimeOverview struct {
	TotalStepCount int64                             `json:"total_step_count"`
	StepOverview   map[StepStatus]*StepStatusSummary `json:"step_overview,omitempty"`
	RollupOverview *WorkflowRollupOverview           `json:"rollup_overview,omitempty"`
}

// CreatedStepCount is the number of steps that have an explicit status.
func (o *WorkflowRuntimeOverview) CreatedStepCount() int64 {
	var n int64
	for status, summary := range o.StepOverview {
		if status == StepStatusNotCreated || summary == nil {
			continue
		}
		n += summary.Count
	}
	return n
}

// ExistsNotCreatedStep reports whether some step has not started yet.
func (o *WorkflowRuntimeOverview) ExistsNotCreatedStep() bool {
	if s := o.StepOverview[StepStatusNotCreated]; s != nil && s.Count > 0 {
		return true
	}
	return o.CreatedStepCount() < o.TotalStepCount
}

// ExistsCreatedStep reports whether at least one step has an explicit status.
func (o *WorkflowRuntimeOverview) ExistsCreatedStep() bool {
	return o.CreatedStepCount() > 0
}

// CountReference counts leaf steps in one status and remembers which ones they were.
// Refs is keyed by "<workflow_id>:<instance_id>" with "<run_id>:<step_id>" entries.
type CountReference struct {
	Count int64               `json:"cnt"`
	Refs  map[string][]string `json:"ref,omitempty"`
}

// WorkflowRollupOverview aggregates leaf-step outcomes across nested and foreach structures.
type WorkflowRollupOverview struct {
	TotalLeafCount int64                          `json:"total_leaf_count"`
	Overview       map[StepStatus]*CountReference `json:"overview,omitempty"`
}

// NewRollupOverview returns an empty rollup.
func NewRollupOverview() *WorkflowRollupOverview {
	return &WorkflowRollupOverview{Overview: make(map[StepStatus]*CountReference)}
}

// AddLeaf counts one leaf step. ref may be empty.
func (r *WorkflowRollupOverview) AddLeaf(status StepStatus, refKey, ref string) {
	if r.Overview == nil {
		r.Overview = make(map[StepStatus]*CountReference)
	}
	cr, ok := r.Overview[status]
	if !ok {
		cr = &CountReference{}
		r.Overview[status] = cr
	}
	cr.Count++
	r.TotalLeafCount++
	if refKey != "" && ref != "" {
		if cr.Refs == nil {
			cr.Refs = make(map[string][]string)
		}
		cr.Refs[refKey] = append(cr.Refs[refKey], ref)
		sort.Strings(cr.Refs[refKey])
	}
}

// Merge adds other's counts into r. Merging is associative and commutative.
func (r *WorkflowRollupOverview) Merge(other *WorkflowRollupOverview) *WorkflowRollupOverview {
	if other == nil {
		return r
	}
	if r.Overview == nil {
		r.Overview = make(map[StepStatus]*CountReference)
	}
	r.TotalLeafCount += other.TotalLeafCount
	for status, src := range other.Overview {
		if src == nil {
			continue
		}
		dst, ok := r.Overview[status]
		if !ok {
			dst = &CountReference{}
			r.Overview[status] = dst
		}
		dst.Count += src.Count
		for key, refs := range src.Refs {
			if dst.Refs == nil {
				dst.Refs = make(map[string][]string)
			}
			dst.Refs[key] = append(dst.Refs[key], refs...)
			sort.Strings(dst.Refs[key])
		}
	}
	return r
}

// LeafSum is the sum of the per-status counts. It equals TotalLeafCount for any well-formed rollup.
func (r *WorkflowRollupOverview) LeafSum() int64 {
	var n int64
	for _, cr := range r.Overview {
		if cr != nil {
			n += cr.Count
		}
	}
	return n
}
