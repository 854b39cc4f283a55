package pipeline

import (
	"context"
	"errors"
	"sort"
	"sync"
)

// ErrPoolShutdown is returned when a job is submitted to a shut-down pool.
var ErrPoolShutdown = errors.New("worker pool is shut down")

// Attempt processes one delivery and reports how it was settled.
// A non-nil error means the settlement could not be written to the queue.
type Attempt func(ctx context.Context) (Settlement, error)

// TypeStats counts the attempts of one job type that went through the pool.
type TypeStats struct {
	InFlight     int64                `json:"in_flight"`
	Settled      map[Settlement]int64 `json:"settled,omitempty"`
	SettleErrors int64                `json:"settle_errors,omitempty"`
	Panics       int64                `json:"panics,omitempty"`
}

// Total is the number of finished attempts.
func (s TypeStats) Total() int64 {
	n := s.SettleErrors + s.Panics
	for _, c := range s.Settled {
		n += c
	}
	return n
}

// WorkerPool runs job attempts on a bounded number of goroutines.
// It keeps per job type accounting and mirrors the in-flight count into metrics.
type WorkerPool struct {
	sem     chan struct{}
	wg      sync.WaitGroup
	metrics *Metrics
	done    chan struct{}

	mu     sync.Mutex
	closed bool
	stats  map[string]*TypeStats
}

// NewWorkerPool creates a pool running at most size attempts at once. metrics may be nil.
func NewWorkerPool(size int, metrics *Metrics) *WorkerPool {
	if size <= 0 {
		size = 1
	}
	return &WorkerPool{
		sem:     make(chan struct{}, size),
		metrics: metrics,
		done:    make(chan struct{}),
		stats:   make(map[string]*TypeStats),
	}
}

// Size returns the max concurrency.
func (p *WorkerPool) Size() int { return cap(p.sem) }

// Available reports how many slots are free right now.
func (p *WorkerPool) Available() int { return cap(p.sem) - len(p.sem) }

// Submit runs one attempt of a jobType job. It blocks while every worker is busy
// and gives up when ctx is cancelled or the pool shuts down first.
func (p *WorkerPool) Submit(ctx context.Context, jobType string, fn Attempt) error {
	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	case <-p.done:
		return ErrPoolShutdown
	}

	// wg.Add happens under the lock so Shutdown cannot start waiting in between.
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		<-p.sem
		return ErrPoolShutdown
	}
	p.wg.Add(1)
	p.typeStats(jobType).InFlight++
	p.mu.Unlock()
	p.metrics.inFlight(jobType, 1)

	go func() {
		settlement, panicked, err := run(ctx, fn)
		p.finish(jobType, settlement, err, panicked)
		<-p.sem
		p.wg.Done()
	}()
	return nil
}

func run(ctx context.Context, fn Attempt) (settlement Settlement, panicked bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			panicked = true
		}
	}()
	settlement, err = fn(ctx)
	return settlement, false, err
}

func (p *WorkerPool) finish(jobType string, settlement Settlement, err error, panicked bool) {
	p.mu.Lock()
	s := p.typeStats(jobType)
	s.InFlight--
	switch {
	case panicked:
		s.Panics++
	case err != nil:
		s.SettleErrors++
	default:
		s.Settled[settlement]++
	}
	p.mu.Unlock()

	p.metrics.inFlight(jobType, -1)
	if panicked {
		p.metrics.workerPanic(jobType)
	}
}

// typeStats must be called with p.mu held.
func (p *WorkerPool) typeStats(jobType string) *TypeStats {
	s, ok := p.stats[jobType]
	if !ok {
		s = &TypeStats{Settled: make(map[Settlement]int64)}
		p.stats[jobType] = s
	}
	return s
}

// Wait blocks until all submitted attempts finish.
func (p *WorkerPool) Wait() {
	p.wg.Wait()
}

// Shutdown rejects new submissions and waits for running attempts to finish.
func (p *WorkerPool) Shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.done)
	p.mu.Unlock()

	p.wg.Wait()
}

// Stats returns a snapshot of the per job type counters.
func (p *WorkerPool) Stats() map[string]TypeStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]TypeStats, len(p.stats))
	for jobType, s := range p.stats {
		cp := *s
		cp.Settled = make(map[Settlement]int64, len(s.Settled))
		for k, v := range s.Settled {
			cp.Settled[k] = v
		}
		out[jobType] = cp
	}
	return out
}

// JobTypes lists the job types seen so far, sorted.
func (p *WorkerPool) JobTypes() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	types := make([]string, 0, len(p.stats))
	for t := range p.stats {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}
