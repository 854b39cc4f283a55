package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/rendis/lifecycle/pkg/schema"
)

const defaultRedisPrefix = "lifecycle:jobs"

// promoteScript moves due members of the delayed set to the ready list in one step
// so concurrent promoters never deliver a job twice.
var promoteScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, ARGV[2])
for _, member in ipairs(due) do
  redis.call('ZREM', KEYS[1], member)
  redis.call('LPUSH', KEYS[2], member)
end
return #due
`)

// RedisQueue is a Queue on Redis lists:
//
//	<prefix>:ready       LPUSH / RPOPLPUSH
//	<prefix>:processing  in-flight jobs, removed on ack
//	<prefix>:delayed     ZSET scored by due time in unix milliseconds
//	<prefix>:dead        dead letters, newest first
type RedisQueue struct {
	client     redis.UniversalClient
	ready      string
	processing string
	delayed    string
	dead       string
	batch      int64
}

// NewRedisQueue creates a queue whose keys live under prefix.
func NewRedisQueue(client redis.UniversalClient, prefix string) *RedisQueue {
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	return &RedisQueue{
		client:     client,
		ready:      prefix + ":ready",
		processing: prefix + ":processing",
		delayed:    prefix + ":delayed",
		dead:       prefix + ":dead",
		batch:      100,
	}
}

func (q *RedisQueue) Enqueue(ctx context.Context, job *schema.JobEnvelope, delay time.Duration) error {
	if err := prepare(job, time.Now()); err != nil {
		return err
	}
	raw, err := json.Marshal(job)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "encode job").WithCause(err)
	}
	return q.push(ctx, q.client, string(raw), delay)
}

func (q *RedisQueue) push(ctx context.Context, c redis.Cmdable, raw string, delay time.Duration) error {
	var err error
	if delay <= 0 {
		err = c.LPush(ctx, q.ready, raw).Err()
	} else {
		due := time.Now().Add(delay).UnixMilli()
		err = c.ZAdd(ctx, q.delayed, &redis.Z{Score: float64(due), Member: raw}).Err()
	}
	if err != nil {
		return redisError("enqueue job", err)
	}
	return nil
}

func (q *RedisQueue) Dequeue(ctx context.Context) (*Delivery, error) {
	raw, err := q.client.RPopLPush(ctx, q.ready, q.processing).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, redisError("dequeue job", err)
	}
	job := &schema.JobEnvelope{}
	if err := json.Unmarshal([]byte(raw), job); err != nil {
		// Unreadable entries can never be processed.
		_, _ = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.LRem(ctx, q.processing, 1, raw)
			pipe.LPush(ctx, q.dead, raw)
			return nil
		})
		return nil, schema.NewError(schema.ErrCodeValidation, "undecodable job moved to dead letters").WithCause(err)
	}
	return &Delivery{Job: job, receipt: raw}, nil
}

func (q *RedisQueue) Ack(ctx context.Context, d *Delivery) error {
	n, err := q.client.LRem(ctx, q.processing, 1, d.receipt).Result()
	if err != nil {
		return redisError("ack job", err)
	}
	if n == 0 {
		return schema.NewErrorf(schema.ErrCodeNotFound, "job %s is not in flight", d.Job.ID)
	}
	return nil
}

func (q *RedisQueue) Retry(ctx context.Context, d *Delivery, delay time.Duration) error {
	raw, err := json.Marshal(nextAttempt(d.Job))
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "encode job").WithCause(err)
	}
	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ctx, q.processing, 1, d.receipt)
		return q.push(ctx, pipe, string(raw), delay)
	})
	if err != nil {
		return redisError("retry job", err)
	}
	return nil
}

func (q *RedisQueue) DeadLetter(ctx context.Context, d *Delivery, reason string) error {
	raw, err := json.Marshal(&DeadLetter{Job: d.Job, Reason: reason, FailedAt: time.Now().UTC()})
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "encode dead letter").WithCause(err)
	}
	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ctx, q.processing, 1, d.receipt)
		pipe.LPush(ctx, q.dead, string(raw))
		return nil
	})
	if err != nil {
		return redisError("dead-letter job", err)
	}
	return nil
}

func (q *RedisQueue) PromoteDue(ctx context.Context, now time.Time) (int, error) {
	total := 0
	for {
		n, err := promoteScript.Run(ctx, q.client, []string{q.delayed, q.ready},
			strconv.FormatInt(now.UnixMilli(), 10), q.batch).Int()
		if err != nil {
			return total, redisError("promote delayed jobs", err)
		}
		total += n
		if int64(n) < q.batch {
			return total, nil
		}
	}
}

func (q *RedisQueue) Recover(ctx context.Context) (int, error) {
	n := 0
	for {
		_, err := q.client.RPopLPush(ctx, q.processing, q.ready).Result()
		if errors.Is(err, redis.Nil) {
			return n, nil
		}
		if err != nil {
			return n, redisError("recover in-flight jobs", err)
		}
		n++
	}
}

func (q *RedisQueue) DeadLetters(ctx context.Context, limit int) ([]*DeadLetter, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit) - 1
	}
	raws, err := q.client.LRange(ctx, q.dead, 0, stop).Result()
	if err != nil {
		return nil, redisError("list dead letters", err)
	}
	out := make([]*DeadLetter, 0, len(raws))
	for _, raw := range raws {
		dl := &DeadLetter{}
		if err := json.Unmarshal([]byte(raw), dl); err != nil || dl.Job == nil {
			// Raw job pushed by Dequeue.
			job := &schema.JobEnvelope{}
			_ = json.Unmarshal([]byte(raw), job)
			dl = &DeadLetter{Job: job, Reason: "undecodable job"}
		}
		out = append(out, dl)
	}
	return out, nil
}

func (q *RedisQueue) Stats(ctx context.Context) (QueueStats, error) {
	var ready, processing, delayed, dead *redis.IntCmd
	_, err := q.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		ready = pipe.LLen(ctx, q.ready)
		processing = pipe.LLen(ctx, q.processing)
		delayed = pipe.ZCard(ctx, q.delayed)
		dead = pipe.LLen(ctx, q.dead)
		return nil
	})
	if err != nil {
		return QueueStats{}, redisError("queue stats", err)
	}
	return QueueStats{
		Ready:    ready.Val(),
		Delayed:  delayed.Val(),
		InFlight: processing.Val(),
		Dead:     dead.Val(),
	}, nil
}

func redisError(op string, err error) *schema.LifecycleError {
	return schema.NewErrorf(schema.ErrCodePublish, "%s: %s", op, err.Error()).WithCause(err)
}
