package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/rendis/lifecycle/internal/pipeline"
	"github.com/rendis/lifecycle/pkg/schema"
)

type MigrateCmd struct{}

func (MigrateCmd) Run(ctx context.Context, a *app) error {
	s, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer s.Close()
	if err := s.Migrate(ctx); err != nil {
		return err
	}
	a.logger.Info("store migrated", "driver", a.cfg.Store.Driver)
	return nil
}

type EnqueueCmd struct {
	Workflow string   `help:"Workflow id." required:""`
	Action   string   `help:"Termination action." enum:"STOP,KILL" default:"STOP"`
	User     string   `help:"User requesting the termination." required:""`
	Reason   string   `help:"Free-text reason recorded with the action."`
	Runs     []string `name:"run" help:"Run to terminate, as instance:run:uuid. Repeatable." placeholder:"INSTANCE:RUN:UUID"`
	RunAfter string   `help:"Run to start once every terminated run is terminal, as instance:run:uuid." placeholder:"INSTANCE:RUN:UUID"`
}

func (c *EnqueueCmd) Run(ctx context.Context, a *app) error {
	event, err := c.event()
	if err != nil {
		return err
	}

	queue, closeQueue, err := a.openQueue(ctx)
	if err != nil {
		return err
	}
	defer closeQueue()
	sink, err := a.sink(ctx, queue)
	if err != nil {
		return err
	}
	codec, err := pipeline.NewCodec()
	if err != nil {
		return err
	}

	id, err := pipeline.NewPublisher(sink, codec, nil, a.logger).PublishTerminateThenRun(ctx, event)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(a.out, id)
	return err
}

func (c *EnqueueCmd) event() (*schema.TerminateThenRunJobEvent, error) {
	b := schema.NewTerminateThenRunBuilder(c.Workflow, schema.Action(c.Action), schema.User{Name: c.User}, c.Reason)
	for _, raw := range c.Runs {
		run, err := parseRun(raw)
		if err != nil {
			return nil, err
		}
		b.AddOneRun(run)
	}
	if c.RunAfter != "" {
		run, err := parseRun(c.RunAfter)
		if err != nil {
			return nil, err
		}
		b.AddRunAfter(run.InstanceID, run.RunID, run.UUID)
	}
	return b.Build()
}

// parseRun parses "instance:run:uuid".
func parseRun(s string) (schema.InstanceRunUUID, error) {
	parts := strings.SplitN(s, ":", 3)
	if len(parts) != 3 {
		return schema.InstanceRunUUID{}, schema.NewErrorf(schema.ErrCodeValidation, "run %q is not instance:run:uuid", s)
	}
	instanceID, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil || instanceID <= 0 {
		return schema.InstanceRunUUID{}, schema.NewErrorf(schema.ErrCodeValidation, "run %q has an invalid instance id", s)
	}
	runID, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil || runID <= 0 {
		return schema.InstanceRunUUID{}, schema.NewErrorf(schema.ErrCodeValidation, "run %q has an invalid run id", s)
	}
	return schema.InstanceRunUUID{InstanceID: instanceID, RunID: runID, UUID: parts[2]}, nil
}

type DeadLettersCmd struct {
	Limit int    `help:"Maximum number of dead letters to list, newest first. 0 lists all." default:"20"`
	Query string `help:"jq expression applied to the list." short:"q"`
}

func (c *DeadLettersCmd) Run(ctx context.Context, a *app) error {
	queue, closeQueue, err := a.openQueue(ctx)
	if err != nil {
		return err
	}
	defer closeQueue()
	dead, err := queue.DeadLetters(ctx, c.Limit)
	if err != nil {
		return err
	}
	if dead == nil {
		dead = []*pipeline.DeadLetter{}
	}
	return a.print(ctx, dead, c.Query)
}

type StatusCmd struct {
	Workflow string `help:"Workflow id." required:""`
	Instance int64  `help:"Instance id." required:""`
	Query    string `help:"jq expression applied to the status document." short:"q"`
}

func (c *StatusCmd) Run(ctx context.Context, a *app) error {
	s, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	runs, err := s.ListInstanceRuns(ctx, c.Workflow, c.Instance)
	if err != nil {
		return err
	}
	type runStatus struct {
		*schema.WorkflowInstance
		Actions any `json:"actions,omitempty"`
	}
	doc := make([]runStatus, 0, len(runs))
	for _, r := range runs {
		actions, err := s.ListActions(ctx, r.WorkflowID, r.InstanceID, r.RunID)
		if err != nil {
			return err
		}
		rs := runStatus{WorkflowInstance: r}
		if len(actions) > 0 {
			rs.Actions = actions
		}
		doc = append(doc, rs)
	}
	return a.print(ctx, doc, c.Query)
}
