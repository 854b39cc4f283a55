package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rendis/lifecycle/internal/logging"
	"github.com/rendis/lifecycle/internal/streaming"
	"github.com/rendis/lifecycle/pkg/schema"
)

// Handler processes one job. A nil error acks the job; retryable errors redeliver it.
type Handler interface {
	Handle(ctx context.Context, job *schema.JobEnvelope) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, job *schema.JobEnvelope) error

func (f HandlerFunc) Handle(ctx context.Context, job *schema.JobEnvelope) error { return f(ctx, job) }

// DispatcherConfig configures a Dispatcher.
type DispatcherConfig struct {
	Workers      int
	PollInterval time.Duration
	// PromoteSchedule is the cron spec (seconds field first, descriptors allowed)
	// on which delayed jobs are promoted and queue gauges refreshed.
	PromoteSchedule string
	Redelivery      RedeliveryPolicy
}

// DefaultDispatcherConfig returns the settings used when none are configured.
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		Workers:         4,
		PollInterval:    500 * time.Millisecond,
		PromoteSchedule: "@every 1s",
		Redelivery:      DefaultRedeliveryPolicy(),
	}
}

// Settlement is what the dispatcher did with a job after one attempt.
type Settlement string

const (
	SettledAcked        Settlement = "acked"
	SettledRetried      Settlement = "retried"
	SettledDeadLettered Settlement = "dead_lettered"
	SettledAbandoned    Settlement = "abandoned"
)

// Dispatcher pulls jobs from a Queue and runs the handler registered for their type.
type Dispatcher struct {
	queue    Queue
	cfg      DispatcherConfig
	metrics  *Metrics
	logger   *slog.Logger
	pool     *WorkerPool
	cron     *cron.Cron
	handlers map[string]Handler
	events   streaming.EventHub

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	now    func() time.Time
}

// NewDispatcher creates a dispatcher. metrics may be nil.
func NewDispatcher(queue Queue, cfg DispatcherConfig, metrics *Metrics, logger *slog.Logger) (*Dispatcher, error) {
	def := DefaultDispatcherConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.PromoteSchedule == "" {
		cfg.PromoteSchedule = def.PromoteSchedule
	}
	if cfg.Redelivery == (RedeliveryPolicy{}) {
		cfg.Redelivery = def.Redelivery
	}
	if logger == nil {
		logger = slog.Default()
	}
	if _, err := cron.NewParser(cronFields).Parse(cfg.PromoteSchedule); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "invalid promote schedule %q", cfg.PromoteSchedule).WithCause(err)
	}
	return &Dispatcher{
		queue:    queue,
		cfg:      cfg,
		metrics:  metrics,
		logger:   logger,
		handlers: make(map[string]Handler),
		now:      time.Now,
	}, nil
}

const cronFields = cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor

// Register sets the handler for a job type. It must be called before Start.
func (d *Dispatcher) Register(jobType string, h Handler) {
	d.handlers[jobType] = h
}

// SetEventHub publishes one event per settled job attempt to hub. It must be called before Start.
func (d *Dispatcher) SetEventHub(hub streaming.EventHub) {
	d.events = hub
}

// Start recovers jobs left in flight and launches the poll loop and the promotion schedule.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.done != nil {
		return fmt.Errorf("dispatcher already started")
	}

	n, err := d.queue.Recover(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		d.logger.Info("recovered in-flight jobs", "count", n)
	}

	runCtx, cancel := context.WithCancel(ctx)
	d.cron = cron.New(cron.WithParser(cron.NewParser(cronFields)))
	if _, err := d.cron.AddFunc(d.cfg.PromoteSchedule, func() { d.promote(runCtx) }); err != nil {
		cancel()
		return err
	}
	d.pool = NewWorkerPool(d.cfg.Workers, d.metrics)
	d.cancel = cancel
	d.done = make(chan struct{})

	d.cron.Start()
	go d.loop(runCtx)
	d.logger.Info("dispatcher started", "workers", d.cfg.Workers, "poll_interval", d.cfg.PollInterval.String())
	return nil
}

// WorkerStats returns the per job type counters of the worker pool, or nil before Start.
func (d *Dispatcher) WorkerStats() map[string]TypeStats {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.pool == nil {
		return nil
	}
	return d.pool.Stats()
}

// Stop halts polling and waits for running handlers to finish.
func (d *Dispatcher) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cancel == nil {
		return nil
	}

	<-d.cron.Stop().Done()
	d.cancel()
	<-d.done
	d.pool.Shutdown()
	d.cancel = nil
	d.done = nil

	stats := d.pool.Stats()
	for _, jobType := range d.pool.JobTypes() {
		st := stats[jobType]
		d.logger.Info("job type totals", "type", jobType, "attempts", st.Total(),
			"acked", st.Settled[SettledAcked], "retried", st.Settled[SettledRetried],
			"dead_lettered", st.Settled[SettledDeadLettered], "settle_errors", st.SettleErrors, "panics", st.Panics)
	}
	d.logger.Info("dispatcher stopped")
	return nil
}

func (d *Dispatcher) loop(ctx context.Context) {
	defer close(d.done)

	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	d.promote(ctx)
	d.poll(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.poll(ctx)
		}
	}
}

// poll hands ready jobs to the pool until the queue is empty or every worker is busy.
func (d *Dispatcher) poll(ctx context.Context) {
	for d.pool.Available() > 0 {
		delivery, err := d.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() == nil {
				d.logger.Error("failed to dequeue job", "error", err)
			}
			return
		}
		if delivery == nil {
			return
		}
		err = d.pool.Submit(ctx, delivery.Job.Type, func(ctx context.Context) (Settlement, error) {
			return d.Process(ctx, delivery)
		})
		if err != nil {
			// Left in flight; recovered on the next start.
			return
		}
	}
}

func (d *Dispatcher) promote(ctx context.Context) {
	n, err := d.queue.PromoteDue(ctx, d.now())
	if err != nil {
		if ctx.Err() == nil {
			d.logger.Error("failed to promote delayed jobs", "error", err)
		}
		return
	}
	if n > 0 {
		d.logger.Debug("promoted delayed jobs", "count", n)
	}
	if stats, err := d.queue.Stats(ctx); err == nil {
		d.metrics.queueDepth(stats)
	}
}

// RunOnce processes the next ready job synchronously. It reports false when no job was ready.
func (d *Dispatcher) RunOnce(ctx context.Context) (bool, error) {
	delivery, err := d.queue.Dequeue(ctx)
	if err != nil || delivery == nil {
		return false, err
	}
	_, err = d.Process(ctx, delivery)
	return true, err
}

// Drain promotes due jobs and processes ready jobs synchronously until none is left.
func (d *Dispatcher) Drain(ctx context.Context) (int, error) {
	if _, err := d.queue.PromoteDue(ctx, d.now()); err != nil {
		return 0, err
	}
	n := 0
	for {
		ok, err := d.RunOnce(ctx)
		if err != nil || !ok {
			return n, err
		}
		n++
	}
}

// Process runs the handler for one delivery and settles it on the queue.
// The returned error is a queue failure; handler errors only decide the settlement.
func (d *Dispatcher) Process(ctx context.Context, delivery *Delivery) (Settlement, error) {
	job := delivery.Job
	ctx = logging.WithJobID(ctx, job.ID)
	start := d.now()

	herr := d.handle(ctx, job)
	settlement, err := d.settle(ctx, delivery, herr)
	d.metrics.processed(job.Type, string(settlement), d.now().Sub(start))
	if err != nil {
		d.logger.ErrorContext(ctx, "failed to settle job", "type", job.Type, "settlement", settlement, "error", err)
	}
	d.publishEvent(ctx, job, settlement, herr)
	return settlement, err
}

func (d *Dispatcher) publishEvent(ctx context.Context, job *schema.JobEnvelope, settlement Settlement, herr error) {
	if d.events == nil {
		return
	}
	event := streaming.Event{
		JobID:      job.ID,
		JobType:    job.Type,
		Settlement: string(settlement),
		Attempt:    job.Attempt,
		At:         d.now(),
	}
	if herr != nil {
		event.Reason = herr.Error()
	}
	if err := d.events.Publish(context.WithoutCancel(ctx), event); err != nil {
		d.logger.WarnContext(ctx, "failed to publish job event", "error", err)
	}
}

func (d *Dispatcher) handle(ctx context.Context, job *schema.JobEnvelope) (err error) {
	h, ok := d.handlers[job.Type]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeInternal, "no handler registered for job type %q", job.Type)
	}
	defer func() {
		if r := recover(); r != nil {
			err = schema.NewErrorf(schema.ErrCodeInternal, "job handler panicked: %v", r)
		}
	}()
	return h.Handle(ctx, job)
}

func (d *Dispatcher) settle(ctx context.Context, delivery *Delivery, herr error) (Settlement, error) {
	job := delivery.Job
	switch {
	case herr == nil:
		d.logger.DebugContext(ctx, "job done", "type", job.Type, "attempt", job.Attempt)
		return SettledAcked, d.queue.Ack(ctx, delivery)

	case errors.Is(herr, context.Canceled) && ctx.Err() != nil:
		return SettledAbandoned, nil

	case IsRetryableError(herr) && !d.cfg.Redelivery.Exhausted(job.Attempt):
		delay := d.cfg.Redelivery.Delay(job.Attempt)
		d.metrics.redelivered(job.Type)
		d.logger.InfoContext(ctx, "job will be redelivered",
			"type", job.Type, "attempt", job.Attempt, "delay", delay.String(), "reason", herr.Error())
		return SettledRetried, d.queue.Retry(ctx, delivery, delay)

	default:
		d.metrics.deadLettered(job.Type)
		d.logger.ErrorContext(ctx, "job dead-lettered",
			"type", job.Type, "attempt", job.Attempt, "code", schema.ErrorCode(herr), "reason", herr.Error())
		return SettledDeadLettered, d.queue.DeadLetter(ctx, delivery, herr.Error())
	}
}
