package pipeline

import (
	"context"
	"time"

	"github.com/rendis/lifecycle/pkg/schema"
)

// Delivery is a job handed to a consumer. It stays in flight until it is
// acked, retried or dead-lettered.
type Delivery struct {
	Job     *schema.JobEnvelope
	receipt string
}

// DeadLetter is a job that will not be redelivered.
type DeadLetter struct {
	Job      *schema.JobEnvelope `json:"job"`
	Reason   string              `json:"reason"`
	FailedAt time.Time           `json:"failed_at"`
}

// QueueStats is a point-in-time view of the queue sizes.
type QueueStats struct {
	Ready    int64 `json:"ready"`
	Delayed  int64 `json:"delayed"`
	InFlight int64 `json:"in_flight"`
	Dead     int64 `json:"dead"`
}

// Enqueuer accepts jobs for later delivery.
type Enqueuer interface {
	Enqueue(ctx context.Context, job *schema.JobEnvelope, delay time.Duration) error
}

// Queue is an at-least-once job queue with delayed redelivery and a dead-letter list.
type Queue interface {
	Enqueuer
	// Dequeue returns the next ready job, or nil when none is ready.
	Dequeue(ctx context.Context) (*Delivery, error)
	Ack(ctx context.Context, d *Delivery) error
	// Retry schedules the job again after delay with its attempt counter bumped.
	Retry(ctx context.Context, d *Delivery, delay time.Duration) error
	DeadLetter(ctx context.Context, d *Delivery, reason string) error
	// PromoteDue moves delayed jobs that are due at now to the ready list.
	PromoteDue(ctx context.Context, now time.Time) (int, error)
	// Recover puts jobs left in flight by a previous consumer back on the ready list.
	Recover(ctx context.Context) (int, error)
	DeadLetters(ctx context.Context, limit int) ([]*DeadLetter, error)
	Stats(ctx context.Context) (QueueStats, error)
}

// prepare fills the envelope fields a queue is responsible for.
func prepare(job *schema.JobEnvelope, now time.Time) error {
	if job == nil {
		return schema.NewError(schema.ErrCodeValidation, "job is nil")
	}
	if job.ID == "" || job.Type == "" {
		return schema.NewError(schema.ErrCodeValidation, "job id and type are required")
	}
	if job.Attempt <= 0 {
		job.Attempt = 1
	}
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = now.UTC()
	}
	return nil
}

func nextAttempt(job *schema.JobEnvelope) *schema.JobEnvelope {
	cp := *job
	cp.Attempt++
	return &cp
}
