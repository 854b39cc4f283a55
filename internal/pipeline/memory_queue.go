package pipeline

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/rendis/lifecycle/pkg/schema"
)

type delayedJob struct {
	job   *schema.JobEnvelope
	dueAt time.Time
}

// MemoryQueue is an in-process Queue.
type MemoryQueue struct {
	mu       sync.Mutex
	ready    []*schema.JobEnvelope
	delayed  []delayedJob
	inflight map[string]*schema.JobEnvelope
	dead     []*DeadLetter
	seq      int64
	now      func() time.Time
}

// NewMemoryQueue creates an empty in-process queue.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		inflight: make(map[string]*schema.JobEnvelope),
		now:      time.Now,
	}
}

func (q *MemoryQueue) Enqueue(_ context.Context, job *schema.JobEnvelope, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.now()
	if err := prepare(job, now); err != nil {
		return err
	}
	cp := *job
	q.push(&cp, now, delay)
	return nil
}

func (q *MemoryQueue) push(job *schema.JobEnvelope, now time.Time, delay time.Duration) {
	if delay <= 0 {
		q.ready = append(q.ready, job)
		return
	}
	q.delayed = append(q.delayed, delayedJob{job: job, dueAt: now.Add(delay)})
}

func (q *MemoryQueue) Dequeue(context.Context) (*Delivery, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.ready) == 0 {
		return nil, nil
	}
	job := q.ready[0]
	q.ready = q.ready[1:]
	q.seq++
	receipt := strconv.FormatInt(q.seq, 10)
	q.inflight[receipt] = job
	cp := *job
	return &Delivery{Job: &cp, receipt: receipt}, nil
}

func (q *MemoryQueue) take(d *Delivery) (*schema.JobEnvelope, error) {
	job, ok := q.inflight[d.receipt]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "job %s is not in flight", d.Job.ID)
	}
	delete(q.inflight, d.receipt)
	return job, nil
}

func (q *MemoryQueue) Ack(_ context.Context, d *Delivery) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, err := q.take(d)
	return err
}

func (q *MemoryQueue) Retry(_ context.Context, d *Delivery, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, err := q.take(d)
	if err != nil {
		return err
	}
	q.push(nextAttempt(job), q.now(), delay)
	return nil
}

func (q *MemoryQueue) DeadLetter(_ context.Context, d *Delivery, reason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, err := q.take(d)
	if err != nil {
		return err
	}
	q.dead = append(q.dead, &DeadLetter{Job: job, Reason: reason, FailedAt: q.now().UTC()})
	return nil
}

func (q *MemoryQueue) PromoteDue(_ context.Context, now time.Time) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	sort.SliceStable(q.delayed, func(i, j int) bool { return q.delayed[i].dueAt.Before(q.delayed[j].dueAt) })
	n := 0
	for n < len(q.delayed) && !q.delayed[n].dueAt.After(now) {
		q.ready = append(q.ready, q.delayed[n].job)
		n++
	}
	q.delayed = q.delayed[n:]
	return n, nil
}

func (q *MemoryQueue) Recover(context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	receipts := make([]string, 0, len(q.inflight))
	for r := range q.inflight {
		receipts = append(receipts, r)
	}
	sort.Slice(receipts, func(i, j int) bool {
		if len(receipts[i]) != len(receipts[j]) {
			return len(receipts[i]) < len(receipts[j])
		}
		return receipts[i] < receipts[j]
	})
	for _, r := range receipts {
		q.ready = append(q.ready, q.inflight[r])
		delete(q.inflight, r)
	}
	return len(receipts), nil
}

func (q *MemoryQueue) DeadLetters(_ context.Context, limit int) ([]*DeadLetter, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.dead)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]*DeadLetter, n)
	for i := 0; i < n; i++ {
		cp := *q.dead[len(q.dead)-1-i]
		out[i] = &cp
	}
	return out, nil
}

func (q *MemoryQueue) Stats(context.Context) (QueueStats, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return QueueStats{
		Ready:    int64(len(q.ready)),
		Delayed:  int64(len(q.delayed)),
		InFlight: int64(len(q.inflight)),
		Dead:     int64(len(q.dead)),
	}, nil
}
