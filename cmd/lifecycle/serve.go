package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/rendis/lifecycle/internal/pipeline"
	"github.com/rendis/lifecycle/internal/store"
	"github.com/rendis/lifecycle/internal/streaming"
	"github.com/rendis/lifecycle/internal/termination"
	"github.com/rendis/lifecycle/pkg/schema"
)

type ServeCmd struct {
	Once   bool     `help:"Process every job that is ready or due, then exit."`
	Events bool     `help:"Print one JSON line per settled job attempt."`
	Only   []string `help:"With --events, only print these settlements." enum:"acked,retried,dead_lettered,abandoned" default:"acked,retried,dead_lettered,abandoned"`
}

// service is the wired job pipeline.
type service struct {
	store      store.Store
	queue      pipeline.Queue
	dispatcher *pipeline.Dispatcher
	registry   *prometheus.Registry
	close      func()
}

func (a *app) newService(ctx context.Context) (*service, error) {
	s, err := a.openStore(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	queue, closeQueue, err := a.openQueue(ctx)
	if err != nil {
		_ = s.Close()
		return nil, err
	}
	cleanup := func() {
		closeQueue()
		_ = s.Close()
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := pipeline.NewMetrics(registry)

	codec, err := pipeline.NewCodec()
	if err != nil {
		cleanup()
		return nil, err
	}
	sink, err := a.sink(ctx, queue)
	if err != nil {
		cleanup()
		return nil, err
	}
	publisher := pipeline.NewPublisher(sink, codec, metrics, a.logger)
	coordinator := termination.NewCoordinator(termination.NewController(s, s, a.logger), s, publisher, a.logger)

	dispatcher, err := pipeline.NewDispatcher(queue, a.cfg.dispatcher(), metrics, a.logger)
	if err != nil {
		cleanup()
		return nil, err
	}
	dispatcher.Register(schema.JobTypeTerminateThenRun, pipeline.NewTerminateThenRunHandler(codec, coordinator))
	dispatcher.Register(schema.JobTypeRunInstances, pipeline.NewRunInstancesHandler(codec, s, a.logger))

	return &service{store: s, queue: queue, dispatcher: dispatcher, registry: registry, close: cleanup}, nil
}

func (c *ServeCmd) Run(ctx context.Context, a *app) error {
	svc, err := a.newService(ctx)
	if err != nil {
		return err
	}
	defer svc.close()
	defer a.writeMetrics(svc.registry)

	if c.Events {
		stop, err := c.streamEvents(ctx, a, svc.dispatcher)
		if err != nil {
			return err
		}
		defer stop()
	}

	if c.Once {
		n, err := svc.dispatcher.Drain(ctx)
		if err != nil {
			return err
		}
		a.logger.Info("drained queue", "jobs", n)
		if !c.Events {
			_, err = fmt.Fprintf(a.out, "processed %d jobs\n", n)
		}
		return err
	}

	if err := svc.dispatcher.Start(ctx); err != nil {
		return err
	}
	go a.exportMetrics(ctx, svc.registry)

	<-ctx.Done()
	a.logger.Info("shutting down")
	return svc.dispatcher.Stop()
}

// streamEvents prints dispatcher events until the returned stop function is called.
func (c *ServeCmd) streamEvents(ctx context.Context, a *app, d *pipeline.Dispatcher) (func(), error) {
	hub := streaming.NewMemoryHub()
	d.SetEventHub(hub)
	events, cancel, err := hub.Subscribe(ctx, streaming.EventFilter{Settlements: c.Only})
	if err != nil {
		return nil, err
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		enc := json.NewEncoder(a.out)
		for e := range events {
			if err := enc.Encode(e); err != nil {
				a.logger.Warn("failed to print job event", "error", err)
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}, nil
}

func (a *app) exportMetrics(ctx context.Context, reg prometheus.Gatherer) {
	if a.cfg.Metrics.Textfile == "" || a.cfg.Metrics.Interval <= 0 {
		return
	}
	ticker := time.NewTicker(a.cfg.Metrics.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.writeMetrics(reg)
		}
	}
}

func (a *app) writeMetrics(reg prometheus.Gatherer) {
	if a.cfg.Metrics.Textfile == "" {
		return
	}
	if err := prometheus.WriteToTextfile(a.cfg.Metrics.Textfile, reg); err != nil {
		a.logger.Warn("failed to write metrics textfile", "path", a.cfg.Metrics.Textfile, "error", err)
	}
}
