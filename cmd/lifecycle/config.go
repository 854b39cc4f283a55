package main

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/rendis/lifecycle/internal/pipeline"
	"github.com/rendis/lifecycle/internal/progress"
)

// Config holds all lifecycle configuration.
// Priority: LIFECYCLE_* env vars > settings file > defaults.
type Config struct {
	Log        LogConfig        `mapstructure:"log"`
	Store      StoreConfig      `mapstructure:"store"`
	Queue      QueueConfig      `mapstructure:"queue"`
	Publish    PublishConfig    `mapstructure:"publish"`
	Dispatcher DispatcherConfig `mapstructure:"dispatcher"`
	Progress   ProgressConfig   `mapstructure:"progress"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// StoreConfig selects the instance store. Driver is libsql, postgres or memory.
type StoreConfig struct {
	Driver string `mapstructure:"driver"`
	Path   string `mapstructure:"path"`
	DSN    string `mapstructure:"dsn"`
}

// QueueConfig selects the job queue the dispatcher consumes. Backend is redis or memory.
type QueueConfig struct {
	Backend string      `mapstructure:"backend"`
	Redis   RedisConfig `mapstructure:"redis"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

// PublishConfig selects where published jobs go. Target is queue or sqs.
type PublishConfig struct {
	Target  string        `mapstructure:"target"`
	SQS     SQSConfig     `mapstructure:"sqs"`
	Breaker BreakerConfig `mapstructure:"breaker"`
}

type SQSConfig struct {
	QueueURL string `mapstructure:"queue_url"`
	Region   string `mapstructure:"region"`
}

type BreakerConfig struct {
	FailureThreshold uint32        `mapstructure:"failure_threshold"`
	Timeout          time.Duration `mapstructure:"timeout"`
	MaxRequests      uint32        `mapstructure:"max_requests"`
}

type DispatcherConfig struct {
	Workers         int                       `mapstructure:"workers"`
	PollInterval    time.Duration             `mapstructure:"poll_interval"`
	PromoteSchedule string                    `mapstructure:"promote_schedule"`
	Redelivery      pipeline.RedeliveryPolicy `mapstructure:"redelivery"`
}

// ProgressConfig names the engine task conventions progress checks rely on.
type ProgressConfig struct {
	StepTaskType   string   `mapstructure:"step_task_type"`
	SummaryField   string   `mapstructure:"summary_field"`
	ContainerTypes []string `mapstructure:"container_types"`
	DAGCacheSize   int      `mapstructure:"dag_cache_size"`
}

// MetricsConfig enables writing metrics in the Prometheus text format to a file
// picked up by a node exporter textfile collector.
type MetricsConfig struct {
	Textfile string        `mapstructure:"textfile"`
	Interval time.Duration `mapstructure:"interval"`
}

func lifecycleDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".lifecycle"
	}
	return filepath.Join(home, ".lifecycle")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	v.SetDefault("store.driver", "libsql")
	v.SetDefault("store.path", "file:"+filepath.Join(lifecycleDir(), "lifecycle.db"))
	v.SetDefault("store.dsn", "")

	v.SetDefault("queue.backend", "redis")
	v.SetDefault("queue.redis.addr", "localhost:6379")
	v.SetDefault("queue.redis.password", "")
	v.SetDefault("queue.redis.db", 0)
	v.SetDefault("queue.redis.prefix", "lifecycle:jobs")

	v.SetDefault("publish.target", "queue")
	v.SetDefault("publish.sqs.queue_url", "")
	v.SetDefault("publish.sqs.region", "")
	v.SetDefault("publish.breaker.failure_threshold", 5)
	v.SetDefault("publish.breaker.timeout", "30s")
	v.SetDefault("publish.breaker.max_requests", 1)

	d := pipeline.DefaultDispatcherConfig()
	v.SetDefault("dispatcher.workers", d.Workers)
	v.SetDefault("dispatcher.poll_interval", d.PollInterval.String())
	v.SetDefault("dispatcher.promote_schedule", d.PromoteSchedule)
	v.SetDefault("dispatcher.redelivery.max_attempts", d.Redelivery.MaxAttempts)
	v.SetDefault("dispatcher.redelivery.initial_interval", d.Redelivery.InitialInterval.String())
	v.SetDefault("dispatcher.redelivery.max_interval", d.Redelivery.MaxInterval.String())
	v.SetDefault("dispatcher.redelivery.multiplier", d.Redelivery.Multiplier)

	conv := progress.DefaultConventions()
	v.SetDefault("progress.step_task_type", conv.StepTaskType)
	v.SetDefault("progress.summary_field", conv.SummaryField)
	v.SetDefault("progress.container_types", conv.ContainerTypes)
	v.SetDefault("progress.dag_cache_size", 256)

	v.SetDefault("metrics.textfile", "")
	v.SetDefault("metrics.interval", "15s")
}

// loadConfig layers defaults, the settings file and the environment. An explicit
// path must exist; without one, settings.{yaml,json} in the lifecycle directory is optional.
func loadConfig(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("settings")
		v.AddConfigPath(lifecycleDir())
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return Config{}, err
		}
	}

	v.SetEnvPrefix("LIFECYCLE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) conventions() progress.TaskConventions {
	return progress.TaskConventions{
		StepTaskType:   c.Progress.StepTaskType,
		SummaryField:   c.Progress.SummaryField,
		ContainerTypes: c.Progress.ContainerTypes,
	}
}

func (c Config) dispatcher() pipeline.DispatcherConfig {
	return pipeline.DispatcherConfig{
		Workers:         c.Dispatcher.Workers,
		PollInterval:    c.Dispatcher.PollInterval,
		PromoteSchedule: c.Dispatcher.PromoteSchedule,
		Redelivery:      c.Dispatcher.Redelivery,
	}
}

func (c Config) breaker() pipeline.BreakerSettings {
	return pipeline.BreakerSettings{
		Name:             "job-publisher",
		FailureThreshold: c.Publish.Breaker.FailureThreshold,
		Timeout:          c.Publish.Breaker.Timeout,
		MaxRequests:      c.Publish.Breaker.MaxRequests,
	}
}
