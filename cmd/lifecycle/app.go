package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/go-redis/redis/v8"

	"github.com/rendis/lifecycle/internal/logging"
	"github.com/rendis/lifecycle/internal/pipeline"
	"github.com/rendis/lifecycle/internal/query"
	"github.com/rendis/lifecycle/internal/store"
)

// app carries what every command needs.
type app struct {
	cfg    Config
	logger *slog.Logger
	out    io.Writer
}

func newApp(configPath, logLevel string, out io.Writer) (*app, error) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	logger := logging.New(os.Stderr, cfg.Log.Format, cfg.Log.Level)
	slog.SetDefault(logger)
	return &app{cfg: cfg, logger: logger, out: out}, nil
}

func (a *app) openStore(ctx context.Context) (store.Store, error) {
	c := a.cfg.Store
	switch strings.ToLower(c.Driver) {
	case "libsql", "":
		return store.NewLibSQLStore(c.Path)
	case "postgres":
		return store.NewPostgresStore(ctx, c.DSN)
	case "memory":
		return store.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", c.Driver)
	}
}

// openQueue returns the queue and a func releasing its connection.
func (a *app) openQueue(ctx context.Context) (pipeline.Queue, func(), error) {
	c := a.cfg.Queue
	switch strings.ToLower(c.Backend) {
	case "redis", "":
		client := redis.NewClient(&redis.Options{
			Addr:     c.Redis.Addr,
			Password: c.Redis.Password,
			DB:       c.Redis.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("connect to redis at %s: %w", c.Redis.Addr, err)
		}
		return pipeline.NewRedisQueue(client, c.Redis.Prefix), func() { _ = client.Close() }, nil
	case "memory":
		return pipeline.NewMemoryQueue(), func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown queue backend %q", c.Backend)
	}
}

// sink returns where published jobs go: the consumed queue itself or SQS,
// behind a circuit breaker either way.
func (a *app) sink(ctx context.Context, queue pipeline.Queue) (pipeline.Enqueuer, error) {
	var next pipeline.Enqueuer = queue
	switch strings.ToLower(a.cfg.Publish.Target) {
	case "queue", "":
	case "sqs":
		sqsSink, err := pipeline.NewSQSEnqueuer(ctx, a.cfg.Publish.SQS.QueueURL, a.cfg.Publish.SQS.Region)
		if err != nil {
			return nil, fmt.Errorf("configure sqs: %w", err)
		}
		next = sqsSink
	default:
		return nil, fmt.Errorf("unknown publish target %q", a.cfg.Publish.Target)
	}
	return pipeline.NewBreakerEnqueuer(next, a.cfg.breaker(), a.logger), nil
}

// print writes v as indented JSON, or the outputs of a jq expression over it.
func (a *app) print(ctx context.Context, v any, expr string) error {
	if expr != "" {
		out, err := query.NewFilter().Apply(ctx, expr, v)
		if err != nil {
			return err
		}
		enc := json.NewEncoder(a.out)
		for _, o := range out {
			if s, ok := o.(string); ok {
				if _, err := fmt.Fprintln(a.out, s); err != nil {
					return err
				}
				continue
			}
			if err := enc.Encode(o); err != nil {
				return err
			}
		}
		return nil
	}
	enc := json.NewEncoder(a.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
