package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v2"

	"github.com/ava-labs/wallet-indexer/pkg/indexing"
	"github.com/ava-labs/wallet-indexer/pkg/progress"
)

// runConfig parses args with the run command's flags and builds the config.
func runConfig(t *testing.T, args ...string) (*Config, error) {
	t.Helper()
	var (
		cfg      *Config
		buildErr error
	)
	app := &cli.App{
		Name:  "walletindexer",
		Flags: runFlags(),
		Action: func(c *cli.Context) error {
			cfg, buildErr = buildConfig(c)
			return nil
		},
	}
	require.NoError(t, app.Run(append([]string{"walletindexer"}, args...)))
	return cfg, buildErr
}

func TestBuildConfig_Defaults(t *testing.T) {
	cfg, err := runConfig(t, "--jwt-secret", "s3cret")
	require.NoError(t, err)

	assert.Equal(t, "chains.yaml", cfg.ChainsFile)
	assert.Empty(t, cfg.JobsFile)
	assert.Equal(t, indexing.DefaultConfig(), cfg.Indexing)
	assert.True(t, cfg.WatchdogEnabled())
	assert.Equal(t, 10*time.Minute, cfg.Watchdog.MaxStall)
	assert.False(t, cfg.Watchdog.FailStalled)
	assert.Equal(t, progress.DefaultConfig().Addr, cfg.Progress.Addr)
	assert.Equal(t, "/ws", cfg.Progress.Path)
	assert.Equal(t, progress.DefaultQueueSize, cfg.ProgressQueueSize)
	assert.Equal(t, "s3cret", cfg.JWTSecret)
	assert.Equal(t, "*/30 * * * *", cfg.ReconcileSchedule)
	assert.Equal(t, ":9090", cfg.MetricsAddr())
	assert.False(t, cfg.Kafka.Enabled)
	assert.NotEmpty(t, cfg.ClickHouse.Hosts)
}

func TestBuildConfig_FlagsAndEnv(t *testing.T) {
	t.Setenv("MAX_CONCURRENT_JOBS", "8")
	t.Setenv("PROGRESS_ALLOWED_ORIGINS", "https://app.example,https://admin.example")

	cfg, err := runConfig(t,
		"--jwt-secret", "s3cret",
		"--chains-file", "/etc/indexer/chains.yaml",
		"--watchdog-interval", "0",
		"--reconcile-schedule", "",
		"--metrics-host", "127.0.0.1",
		"--metrics-port", "9100",
	)
	require.NoError(t, err)

	assert.Equal(t, 8, cfg.Indexing.MaxConcurrentJobs)
	assert.Equal(t, []string{"https://app.example", "https://admin.example"}, cfg.Progress.AllowedOrigins)
	assert.Equal(t, "/etc/indexer/chains.yaml", cfg.ChainsFile)
	assert.False(t, cfg.WatchdogEnabled())
	assert.Empty(t, cfg.ReconcileSchedule)
	assert.Equal(t, "127.0.0.1:9100", cfg.MetricsAddr())
}

func TestBuildConfig_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		wantErr string
	}{
		{name: "no job slots", args: []string{"--max-concurrent-jobs", "0"}, wantErr: "max concurrent jobs"},
		{name: "no flush size", args: []string{"--flush-batch-size", "0"}, wantErr: "flush batch size"},
		{name: "no stall window", args: []string{"--watchdog-max-stall", "0"}, wantErr: "watchdog"},
		{name: "no progress path", args: []string{"--progress-path", ""}, wantErr: "path is required"},
		{name: "no shutdown timeout", args: []string{"--shutdown-timeout", "0"}, wantErr: "shutdown timeout"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := runConfig(t, append([]string{"--jwt-secret", "s"}, tt.args...)...)
			require.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestLoadEnvFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(path, []byte("WALLET_INDEXER_FROM_FILE=file\nWALLET_INDEXER_PRESET=file\n"), 0o600))

	t.Setenv("WALLET_INDEXER_PRESET", "env")
	t.Cleanup(func() { os.Unsetenv("WALLET_INDEXER_FROM_FILE") })

	require.NoError(t, loadEnvFile(path))
	assert.Equal(t, "file", os.Getenv("WALLET_INDEXER_FROM_FILE"))
	assert.Equal(t, "env", os.Getenv("WALLET_INDEXER_PRESET"), "existing variables win")

	require.NoError(t, loadEnvFile(filepath.Join(dir, "missing.env")))
	require.NoError(t, loadEnvFile(""))

	bad := filepath.Join(dir, "bad.env")
	require.NoError(t, os.WriteFile(bad, []byte("BAD-KEY=1\n"), 0o600))
	require.Error(t, loadEnvFile(bad))
}
