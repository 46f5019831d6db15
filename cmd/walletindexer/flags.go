package main

import (
	"time"

	"github.com/urfave/cli/v2"

	"github.com/ava-labs/wallet-indexer/pkg/abi"
	"github.com/ava-labs/wallet-indexer/pkg/batch"
	"github.com/ava-labs/wallet-indexer/pkg/indexing"
	"github.com/ava-labs/wallet-indexer/pkg/progress"
)

// appFlags are parsed before any command so the env file can feed EnvVars.
func appFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "env-file",
			Usage:   "Optional .env file loaded before flags are read",
			EnvVars: []string{"ENV_FILE"},
			Value:   ".env",
		},
	}
}

// runFlags returns all CLI flags for the run command
func runFlags() []cli.Flag {
	indexingDefaults := indexing.DefaultConfig()
	batchDefaults := batch.DefaultConfig()
	progressDefaults := progress.DefaultConfig()

	return []cli.Flag{
		&cli.BoolFlag{
			Name:    "verbose",
			Aliases: []string{"v"},
			Usage:   "Enable verbose logging",
			EnvVars: []string{"VERBOSE"},
			Value:   false,
		},
		&cli.StringFlag{
			Name:    "chains-file",
			Aliases: []string{"c"},
			Usage:   "YAML file describing the chains, their endpoints and worker settings",
			EnvVars: []string{"CHAINS_FILE"},
			Value:   "chains.yaml",
		},
		&cli.StringFlag{
			Name:    "jobs-file",
			Aliases: []string{"j"},
			Usage:   "Optional YAML file of jobs to queue at startup",
			EnvVars: []string{"JOBS_FILE"},
		},
		&cli.IntFlag{
			Name:    "max-concurrent-jobs",
			Usage:   "The maximum number of jobs running at once",
			EnvVars: []string{"MAX_CONCURRENT_JOBS"},
			Value:   indexingDefaults.MaxConcurrentJobs,
		},
		&cli.DurationFlag{
			Name:    "poll-interval",
			Usage:   "How often the job queue is re-checked",
			EnvVars: []string{"POLL_INTERVAL"},
			Value:   indexingDefaults.PollInterval,
		},
		&cli.DurationFlag{
			Name:    "abi-cache-ttl",
			Usage:   "How long resolved ABI metadata and misses are cached",
			EnvVars: []string{"ABI_CACHE_TTL"},
			Value:   abi.DefaultTTL,
		},
		&cli.IntFlag{
			Name:    "flush-batch-size",
			Usage:   "Rows buffered per table before a flush",
			EnvVars: []string{"FLUSH_BATCH_SIZE"},
			Value:   batchDefaults.MaxBatchSize,
		},
		&cli.DurationFlag{
			Name:    "flush-interval",
			Usage:   "The maximum time rows wait in the buffer",
			EnvVars: []string{"FLUSH_INTERVAL"},
			Value:   batchDefaults.FlushInterval,
		},
		&cli.StringFlag{
			Name:    "progress-addr",
			Usage:   "Listen address of the progress websocket server",
			EnvVars: []string{"PROGRESS_ADDR"},
			Value:   progressDefaults.Addr,
		},
		&cli.StringFlag{
			Name:    "progress-path",
			Usage:   "HTTP path of the progress websocket endpoint",
			EnvVars: []string{"PROGRESS_PATH"},
			Value:   progressDefaults.Path,
		},
		&cli.IntFlag{
			Name:    "progress-queue-size",
			Usage:   "Messages kept per wallet while no client is connected",
			EnvVars: []string{"PROGRESS_QUEUE_SIZE"},
			Value:   progress.DefaultQueueSize,
		},
		&cli.StringSliceFlag{
			Name:    "progress-allowed-origins",
			Usage:   "Origins allowed to open a progress websocket. Empty allows any",
			EnvVars: []string{"PROGRESS_ALLOWED_ORIGINS"},
		},
		&cli.StringFlag{
			Name:     "jwt-secret",
			Usage:    "HMAC secret used to verify progress channel tokens",
			EnvVars:  []string{"JWT_SECRET"},
			Required: true,
		},
		&cli.StringFlag{
			Name:    "jwt-issuer",
			Usage:   "Required token issuer. Empty accepts any issuer",
			EnvVars: []string{"JWT_ISSUER"},
		},
		&cli.DurationFlag{
			Name:    "watchdog-interval",
			Usage:   "Interval between stalled job checks. Zero disables the watchdog",
			EnvVars: []string{"WATCHDOG_INTERVAL"},
			Value:   time.Minute,
		},
		&cli.DurationFlag{
			Name:    "watchdog-max-stall",
			Usage:   "How long a running job may go without progress before it is flagged",
			EnvVars: []string{"WATCHDOG_MAX_STALL"},
			Value:   10 * time.Minute,
		},
		&cli.BoolFlag{
			Name:    "watchdog-fail-stalled",
			Usage:   "Fail stalled jobs instead of only warning",
			EnvVars: []string{"WATCHDOG_FAIL_STALLED"},
		},
		&cli.StringFlag{
			Name:    "reconcile-schedule",
			Usage:   "Cron schedule for retrying recorded batch errors. Empty disables it",
			EnvVars: []string{"RECONCILE_SCHEDULE"},
			Value:   "*/30 * * * *",
		},
		&cli.DurationFlag{
			Name:    "shutdown-timeout",
			Usage:   "How long to wait for workers and buffers on shutdown",
			EnvVars: []string{"SHUTDOWN_TIMEOUT"},
			Value:   30 * time.Second,
		},
		&cli.StringFlag{
			Name:    "metrics-host",
			Usage:   "Host for Prometheus metrics server (empty for all interfaces)",
			EnvVars: []string{"METRICS_HOST"},
			Value:   "",
		},
		&cli.IntFlag{
			Name:    "metrics-port",
			Aliases: []string{"m"},
			Usage:   "Port for Prometheus metrics server",
			EnvVars: []string{"METRICS_PORT"},
			Value:   9090,
		},
		&cli.StringFlag{
			Name:    "environment",
			Usage:   "Deployment environment for metrics labels (e.g., 'production', 'staging')",
			EnvVars: []string{"ENVIRONMENT"},
		},
		&cli.StringFlag{
			Name:    "region",
			Usage:   "Cloud region for metrics labels (e.g., 'us-east-1')",
			EnvVars: []string{"REGION"},
		},
		&cli.StringFlag{
			Name:    "cloud-provider",
			Usage:   "Cloud provider for metrics labels (e.g., 'aws', 'oci', 'gcp')",
			EnvVars: []string{"CLOUD_PROVIDER"},
		},
	}
}

// removeFlags returns all CLI flags for the remove command
func removeFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:     "wallet-id",
			Aliases:  []string{"w"},
			Usage:    "The wallet whose indexed data is deleted",
			EnvVars:  []string{"WALLET_ID"},
			Required: true,
		},
	}
}

func importABIFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:     "chain",
			Usage:    "The chain the contract is deployed on",
			Required: true,
		},
		&cli.StringFlag{
			Name:     "address",
			Aliases:  []string{"a"},
			Usage:    "The contract address",
			Required: true,
		},
		&cli.StringFlag{
			Name:     "abi-file",
			Aliases:  []string{"f"},
			Usage:    "Path to the contract's JSON ABI",
			Required: true,
		},
	}
}

func tokenFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:     "jwt-secret",
			Usage:    "HMAC secret used to sign the token",
			EnvVars:  []string{"JWT_SECRET"},
			Required: true,
		},
		&cli.StringFlag{
			Name:    "jwt-issuer",
			Usage:   "Issuer written into the token",
			EnvVars: []string{"JWT_ISSUER"},
		},
		&cli.StringFlag{
			Name:     "subject",
			Aliases:  []string{"s"},
			Usage:    "Token subject",
			Required: true,
		},
		&cli.StringFlag{
			Name:    "wallet-id",
			Aliases: []string{"w"},
			Usage:   "Restrict the token to one wallet. Empty allows every wallet",
		},
		&cli.DurationFlag{
			Name:  "ttl",
			Usage: "Token lifetime",
			Value: time.Hour,
		},
	}
}
