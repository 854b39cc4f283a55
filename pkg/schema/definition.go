package schema

import (
	"fmt"
	"sort"
)

// RunPolicy describes how an instance run was started.
type RunPolicy string

const (
	RunPolicyStartFreshNewRun      RunPolicy = "START_FRESH_NEW_RUN"
	RunPolicyRestartFromBeginning  RunPolicy = "RESTART_FROM_BEGINNING"
	RunPolicyRestartFromIncomplete RunPolicy = "RESTART_FROM_INCOMPLETE"
	RunPolicyRestartFromSpecific   RunPolicy = "RESTART_FROM_SPECIFIC"
)

// IsFreshRun reports whether the run starts without any restart context.
// An empty policy is treated as a fresh run.
func (p RunPolicy) IsFreshRun() bool {
	return p == "" || p == RunPolicyStartFreshNewRun
}

// RestartConfig lists the steps a restarted run does not execute again.
type RestartConfig struct {
	SkipSteps []string `json:"skip_steps,omitempty" yaml:"skip_steps,omitempty"`
}

// StepTransition is one node of the runtime DAG.
// Successors maps a successor step ID to an optional CEL condition; empty means always.
type StepTransition struct {
	Predecessors []string          `json:"predecessors,omitempty" yaml:"predecessors,omitempty"`
	Successors   map[string]string `json:"successors,omitempty" yaml:"successors,omitempty"`
}

// WorkflowSummary is the definition context of one instance run: the runtime DAG plus
// the restart and failure configuration that progress evaluation depends on.
type WorkflowSummary struct {
	WorkflowID    string                    `json:"workflow_id" yaml:"workflow_id"`
	InstanceID    int64                     `json:"workflow_instance_id" yaml:"workflow_instance_id"`
	RunID         int64                     `json:"workflow_run_id" yaml:"workflow_run_id"`
	WorkflowUUID  string                    `json:"workflow_uuid,omitempty" yaml:"workflow_uuid,omitempty"`
	RunPolicy     RunPolicy                 `json:"run_policy,omitempty" yaml:"run_policy,omitempty"`
	RestartConfig *RestartConfig            `json:"restart_config,omitempty" yaml:"restart_config,omitempty"`
	Steps         []string                  `json:"steps,omitempty" yaml:"steps,omitempty"`
	RuntimeDAG    map[string]StepTransition `json:"runtime_dag,omitempty" yaml:"runtime_dag,omitempty"`
	FailureModes  map[string]FailureMode    `json:"failure_modes,omitempty" yaml:"failure_modes,omitempty"`
}

// Identity returns a compact identifier for logs.
func (s *WorkflowSummary) Identity() string {
	return fmt.Sprintf("[%s][%d][%d]", s.WorkflowID, s.InstanceID, s.RunID)
}

// CacheKey identifies the run whose definition this summary describes.
func (s *WorkflowSummary) CacheKey() string {
	return fmt.Sprintf("%s:%d:%d:%s", s.WorkflowID, s.InstanceID, s.RunID, s.WorkflowUUID)
}

// StepOrdinal returns the 1-based declared position of stepID, or 0 if it is not declared.
func (s *WorkflowSummary) StepOrdinal(stepID string) int64 {
	for i, id := range s.Steps {
		if id == stepID {
			return int64(i + 1)
		}
	}
	return 0
}

// RestartExclusions returns the steps a restarted run leaves untouched.
// Fresh runs have no exclusions even if a restart config is attached.
func (s *WorkflowSummary) RestartExclusions() map[string]bool {
	excluded := make(map[string]bool)
	if s.RunPolicy.IsFreshRun() || s.RestartConfig == nil {
		return excluded
	}
	for _, id := range s.RestartConfig.SkipSteps {
		excluded[id] = true
	}
	return excluded
}

// FailureModeOf returns the configured failure mode of a step.
func (s *WorkflowSummary) FailureModeOf(stepID string) FailureMode {
	if mode, ok := s.FailureModes[stepID]; ok && mode != "" {
		return mode
	}
	return FailureModeFailAfterRunning
}

// Validate checks the runtime DAG references only declared steps and that restart and
// failure configuration name known steps. Unknown skip steps are reported as warnings.
func (s *WorkflowSummary) Validate() *ValidationResult {
	r := &ValidationResult{}
	if s.WorkflowID == "" {
		r.AddError("workflow_id", ErrCodeValidation, "workflow_id is required")
	}
	declared := make(map[string]bool, len(s.Steps))
	for i, id := range s.Steps {
		if declared[id] {
			r.AddError(fmt.Sprintf("steps[%d]", i), ErrCodeValidation, fmt.Sprintf("duplicate step %q", id))
		}
		declared[id] = true
	}
	known := func(id string) bool { return len(declared) == 0 || declared[id] }
	for _, id := range sortedKeys(s.RuntimeDAG) {
		path := "runtime_dag." + id
		if !known(id) {
			r.AddError(path, ErrCodeValidation, fmt.Sprintf("step %q is not declared", id))
		}
		t := s.RuntimeDAG[id]
		for _, p := range t.Predecessors {
			if _, ok := s.RuntimeDAG[p]; !ok {
				r.AddError(path+".predecessors", ErrCodeValidation, fmt.Sprintf("unknown predecessor %q", p))
			}
		}
		for _, succ := range sortedKeys(t.Successors) {
			if _, ok := s.RuntimeDAG[succ]; !ok {
				r.AddError(path+".successors", ErrCodeValidation, fmt.Sprintf("unknown successor %q", succ))
			}
		}
	}
	for _, id := range sortedKeys(s.FailureModes) {
		mode := s.FailureModes[id]
		if mode != FailureModeFailAfterRunning && mode != FailureModeFailImmediately {
			r.AddError("failure_modes."+id, ErrCodeValidation, fmt.Sprintf("unknown failure mode %q", mode))
		}
	}
	if s.RestartConfig != nil {
		for i, id := range s.RestartConfig.SkipSteps {
			if !known(id) {
				r.AddWarning(fmt.Sprintf("restart_config.skip_steps[%d]", i), ErrCodeValidation,
					fmt.Sprintf("skip step %q is not declared", id))
			}
		}
	}
	return r
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
