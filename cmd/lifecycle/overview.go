package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/rendis/lifecycle/internal/diagram"
	"github.com/rendis/lifecycle/internal/progress"
	"github.com/rendis/lifecycle/pkg/schema"
)

type OverviewCmd struct {
	Summary string `help:"Workflow summary file (yaml or json)." type:"existingfile" required:""`
	Tasks   string `help:"Engine task list file (yaml or json). Tasks are read from the store when omitted." type:"existingfile"`
	Strict  bool   `help:"Final check: retryable step failures count as terminal once every task is terminal."`
	Format  string `help:"Output format. mermaid and ascii draw the runtime DAG with step status." enum:"json,yaml,mermaid,ascii" default:"json"`
	Query   string `help:"jq expression applied to the result." short:"q"`
}

func (c *OverviewCmd) Run(ctx context.Context, a *app) error {
	var summary schema.WorkflowSummary
	if err := readDocument(c.Summary, &summary); err != nil {
		return err
	}
	tasks, err := c.loadTasks(ctx, a, &summary)
	if err != nil {
		return err
	}
	conv := a.cfg.conventions()

	switch c.Format {
	case "mermaid", "ascii":
		model, err := diagram.Build(&summary, tasks, conv)
		if err != nil {
			return err
		}
		out := diagram.RenderASCII(model)
		if c.Format == "mermaid" {
			out = diagram.RenderMermaid(model)
		}
		_, err = fmt.Fprint(a.out, out)
		return err
	}

	evaluator, err := progress.NewEvaluator(conv,
		progress.WithDAGCacheSize(a.cfg.Progress.DAGCacheSize),
		progress.WithLogger(a.logger))
	if err != nil {
		return err
	}
	checker := progress.NewChecker(nil, conv, evaluator, a.logger)
	result, err := checker.Evaluate(ctx, &summary, schema.NewRollupOverview(), tasks, c.Strict)
	if err != nil {
		return err
	}

	if c.Format == "yaml" && c.Query == "" {
		return writeYAML(a, result)
	}
	return a.print(ctx, result, c.Query)
}

func (c *OverviewCmd) loadTasks(ctx context.Context, a *app, summary *schema.WorkflowSummary) ([]*schema.Task, error) {
	if c.Tasks != "" {
		var tasks []*schema.Task
		if err := readDocument(c.Tasks, &tasks); err != nil {
			return nil, err
		}
		return tasks, nil
	}
	s, err := a.openStore(ctx)
	if err != nil {
		return nil, err
	}
	defer s.Close()
	return s.ListTasks(ctx, summary.WorkflowID, summary.InstanceID, summary.RunID)
}

// readDocument decodes a yaml or json file; json is a subset yaml.v3 reads as well.
func readDocument(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(data, v); err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "cannot decode %s", path).WithCause(err)
	}
	return nil
}

// writeYAML renders v with its json field names.
func writeYAML(a *app, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return err
	}
	out, err := yaml.Marshal(doc)
	if err != nil {
		return err
	}
	_, err = fmt.Fprint(a.out, string(out))
	return err
}
