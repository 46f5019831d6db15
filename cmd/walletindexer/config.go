package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"

	"github.com/ava-labs/wallet-indexer/pkg/batch"
	"github.com/ava-labs/wallet-indexer/pkg/clickhouse"
	"github.com/ava-labs/wallet-indexer/pkg/indexing"
	"github.com/ava-labs/wallet-indexer/pkg/kafka"
	"github.com/ava-labs/wallet-indexer/pkg/progress"
)

// Config holds all configuration for the run command
type Config struct {
	Verbose    bool
	ChainsFile string
	JobsFile   string

	Indexing    indexing.Config
	Watchdog    indexing.WatchdogConfig
	Accumulator batch.Config
	ABICacheTTL time.Duration

	Progress          progress.Config
	ProgressQueueSize int
	JWTSecret         string
	JWTIssuer         string

	ReconcileSchedule string
	ShutdownTimeout   time.Duration

	ClickHouse clickhouse.Config
	Kafka      kafka.ProducerConfig

	// Metrics settings
	MetricsHost   string
	MetricsPort   int
	Environment   string
	Region        string
	CloudProvider string
}

// MetricsAddr returns the formatted metrics address
func (c *Config) MetricsAddr() string {
	return fmt.Sprintf("%s:%d", c.MetricsHost, c.MetricsPort)
}

// WatchdogEnabled reports whether stalled-job checks should run.
func (c *Config) WatchdogEnabled() bool {
	return c.Watchdog.Interval > 0
}

func (c *Config) Validate() error {
	if c.ChainsFile == "" {
		return errors.New("chains file is required")
	}
	if err := c.Indexing.Validate(); err != nil {
		return fmt.Errorf("indexing: %w", err)
	}
	if c.WatchdogEnabled() {
		if err := c.Watchdog.Validate(); err != nil {
			return err
		}
	}
	if c.Accumulator.MaxBatchSize <= 0 {
		return fmt.Errorf("flush batch size must be > 0, got %d", c.Accumulator.MaxBatchSize)
	}
	if err := c.Progress.Validate(); err != nil {
		return fmt.Errorf("progress: %w", err)
	}
	if c.ShutdownTimeout <= 0 {
		return errors.New("shutdown timeout must be > 0")
	}
	return nil
}

// buildConfig builds a Config from CLI context flags and the CLICKHOUSE_* and
// KAFKA_* environment.
func buildConfig(c *cli.Context) (*Config, error) {
	chCfg, err := clickhouse.Load()
	if err != nil {
		return nil, err
	}
	kafkaCfg, err := kafka.LoadProducerConfig()
	if err != nil {
		return nil, err
	}

	progressCfg := progress.DefaultConfig()
	progressCfg.Addr = c.String("progress-addr")
	progressCfg.Path = c.String("progress-path")
	progressCfg.AllowedOrigins = c.StringSlice("progress-allowed-origins")

	cfg := &Config{
		Verbose:    c.Bool("verbose"),
		ChainsFile: c.String("chains-file"),
		JobsFile:   c.String("jobs-file"),
		Indexing: indexing.Config{
			MaxConcurrentJobs: c.Int("max-concurrent-jobs"),
			PollInterval:      c.Duration("poll-interval"),
		},
		Watchdog: indexing.WatchdogConfig{
			Interval:    c.Duration("watchdog-interval"),
			MaxStall:    c.Duration("watchdog-max-stall"),
			FailStalled: c.Bool("watchdog-fail-stalled"),
		},
		Accumulator: batch.Config{
			MaxBatchSize:  c.Int("flush-batch-size"),
			FlushInterval: c.Duration("flush-interval"),
		},
		ABICacheTTL:       c.Duration("abi-cache-ttl"),
		Progress:          progressCfg,
		ProgressQueueSize: c.Int("progress-queue-size"),
		JWTSecret:         c.String("jwt-secret"),
		JWTIssuer:         c.String("jwt-issuer"),
		ReconcileSchedule: c.String("reconcile-schedule"),
		ShutdownTimeout:   c.Duration("shutdown-timeout"),
		ClickHouse:        chCfg,
		Kafka:             kafkaCfg,
		MetricsHost:       c.String("metrics-host"),
		MetricsPort:       c.Int("metrics-port"),
		Environment:       c.String("environment"),
		Region:            c.String("region"),
		CloudProvider:     c.String("cloud-provider"),
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// loadEnvFile loads path into the environment when it exists. Variables that
// are already set win.
func loadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("failed to load env file %s: %w", path, err)
	}
	return nil
}
