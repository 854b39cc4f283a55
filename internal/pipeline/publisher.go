package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"

	"github.com/rendis/lifecycle/internal/logging"
	"github.com/rendis/lifecycle/pkg/schema"
)

// Publisher wraps job events into envelopes and hands them to an Enqueuer.
type Publisher struct {
	sink    Enqueuer
	codec   *Codec
	metrics *Metrics
	logger  *slog.Logger
}

// NewPublisher creates a publisher. metrics may be nil.
func NewPublisher(sink Enqueuer, codec *Codec, metrics *Metrics, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{sink: sink, codec: codec, metrics: metrics, logger: logger}
}

// PublishTerminateThenRun enqueues a terminate-then-run job and returns its id.
func (p *Publisher) PublishTerminateThenRun(ctx context.Context, event *schema.TerminateThenRunJobEvent) (string, error) {
	if event == nil {
		return "", schema.NewError(schema.ErrCodeValidation, "terminate-then-run event is nil")
	}
	return p.publish(logging.WithWorkflowID(ctx, event.WorkflowID()), schema.JobTypeTerminateThenRun, event)
}

// PublishRunInstances enqueues a run-instances job.
func (p *Publisher) PublishRunInstances(ctx context.Context, event *schema.RunInstancesJobEvent) error {
	if event == nil {
		return schema.NewError(schema.ErrCodeValidation, "run-instances event is nil")
	}
	if err := event.Validate(); err != nil {
		return err
	}
	_, err := p.publish(logging.WithWorkflowID(ctx, event.WorkflowID), schema.JobTypeRunInstances, event)
	return err
}

func (p *Publisher) publish(ctx context.Context, jobType string, payload any) (string, error) {
	job, err := p.codec.Wrap(jobType, payload)
	if err != nil {
		return "", err
	}
	ctx = logging.WithJobID(ctx, job.ID)
	if err := p.sink.Enqueue(ctx, job, 0); err != nil {
		p.metrics.published(jobType, false)
		p.logger.ErrorContext(ctx, "failed to publish job", "type", jobType, "error", err)
		return "", asPublishError(jobType, err)
	}
	p.metrics.published(jobType, true)
	p.logger.InfoContext(ctx, "job published", "type", jobType)
	return job.ID, nil
}

func asPublishError(jobType string, err error) error {
	var le *schema.LifecycleError
	if errors.As(err, &le) {
		return err
	}
	return schema.NewErrorf(schema.ErrCodePublish, "publish %s job: %s", jobType, err.Error()).WithCause(err)
}

// BreakerSettings configures BreakerEnqueuer.
type BreakerSettings struct {
	Name             string
	FailureThreshold uint32
	Timeout          time.Duration
	MaxRequests      uint32
}

// BreakerEnqueuer stops calling a failing Enqueuer until it recovers.
type BreakerEnqueuer struct {
	next    Enqueuer
	breaker *gobreaker.CircuitBreaker
}

// NewBreakerEnqueuer wraps next with a circuit breaker.
func NewBreakerEnqueuer(next Enqueuer, s BreakerSettings, logger *slog.Logger) *BreakerEnqueuer {
	if s.Name == "" {
		s.Name = "job-publisher"
	}
	if s.FailureThreshold == 0 {
		s.FailureThreshold = 5
	}
	if s.Timeout == 0 {
		s.Timeout = 30 * time.Second
	}
	if s.MaxRequests == 0 {
		s.MaxRequests = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	threshold := s.FailureThreshold
	settings := gobreaker.Settings{
		Name:        s.Name,
		MaxRequests: s.MaxRequests,
		Timeout:     s.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("publisher circuit breaker state changed", "name", name, "from", from.String(), "to", to.String())
		},
		// Rejected payloads say nothing about the health of the sink.
		IsSuccessful: func(err error) bool {
			return err == nil || schema.ErrorCode(err) == schema.ErrCodeValidation
		},
	}
	return &BreakerEnqueuer{next: next, breaker: gobreaker.NewCircuitBreaker(settings)}
}

func (b *BreakerEnqueuer) Enqueue(ctx context.Context, job *schema.JobEnvelope, delay time.Duration) error {
	_, err := b.breaker.Execute(func() (interface{}, error) {
		return nil, b.next.Enqueue(ctx, job, delay)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return schema.NewErrorf(schema.ErrCodePublish, "job sink unavailable: %s", err.Error()).WithCause(err)
	}
	return err
}

// State reports the breaker state.
func (b *BreakerEnqueuer) State() gobreaker.State {
	return b.breaker.State()
}
