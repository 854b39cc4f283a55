package progress

import "github.com/rendis/lifecycle/pkg/schema"

// TaskMap indexes user-defined tasks by reference name. When the engine retried a step,
// the task with the highest seq wins.
func (c TaskConventions) TaskMap(tasks []*schema.Task) map[string]*schema.Task {
	return c.indexTasks(tasks, c.IsUserDefinedTask)
}

// UserDefinedRealTaskMap is TaskMap restricted to real tasks.
func (c TaskConventions) UserDefinedRealTaskMap(tasks []*schema.Task) map[string]*schema.Task {
	return c.indexTasks(tasks, c.IsUserDefinedRealTask)
}

// AllStepOutputData returns the output of every user-defined task keyed by reference name.
func (c TaskConventions) AllStepOutputData(tasks []*schema.Task) map[string]map[string]any {
	out := make(map[string]map[string]any)
	for ref, t := range c.TaskMap(tasks) {
		out[ref] = t.OutputData
	}
	return out
}

func (c TaskConventions) indexTasks(tasks []*schema.Task, keep func(*schema.Task) bool) map[string]*schema.Task {
	out := make(map[string]*schema.Task)
	for _, t := range tasks {
		if !keep(t) {
			continue
		}
		if prev, ok := out[t.ReferenceName]; ok && prev.Seq > t.Seq {
			continue
		}
		out[t.ReferenceName] = t
	}
	return out
}
