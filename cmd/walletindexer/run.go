package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ava-labs/wallet-indexer/pkg/abi"
	"github.com/ava-labs/wallet-indexer/pkg/batch"
	"github.com/ava-labs/wallet-indexer/pkg/clickhouse"
	"github.com/ava-labs/wallet-indexer/pkg/data/clickhouse/walletrepo"
	"github.com/ava-labs/wallet-indexer/pkg/indexing"
	"github.com/ava-labs/wallet-indexer/pkg/job"
	"github.com/ava-labs/wallet-indexer/pkg/kafka"
	"github.com/ava-labs/wallet-indexer/pkg/metrics"
	"github.com/ava-labs/wallet-indexer/pkg/progress"
	"github.com/ava-labs/wallet-indexer/pkg/utils"
	"github.com/ava-labs/wallet-indexer/pkg/worker"
)

func run(c *cli.Context) error {
	cfg, err := buildConfig(c)
	if err != nil {
		return fmt.Errorf("failed to build config: %w", err)
	}

	sugar, err := utils.NewSugaredLogger(cfg.Verbose)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer sugar.Desugar().Sync() //nolint:errcheck // best-effort flush; ignore sync errors

	chains, err := loadChains(cfg.ChainsFile)
	if err != nil {
		return err
	}
	var seeds []job.Params
	if cfg.JobsFile != "" {
		seeds, err = loadJobs(cfg.JobsFile, chains)
		if err != nil {
			return err
		}
	}

	sugar.Infow("config",
		"verbose", cfg.Verbose,
		"chains", chains.Names(),
		"seedJobs", len(seeds),
		"maxConcurrentJobs", cfg.Indexing.MaxConcurrentJobs,
		"pollInterval", cfg.Indexing.PollInterval,
		"flushBatchSize", cfg.Accumulator.MaxBatchSize,
		"flushInterval", cfg.Accumulator.FlushInterval,
		"abiCacheTTL", cfg.ABICacheTTL,
		"progressAddr", cfg.Progress.Addr,
		"progressPath", cfg.Progress.Path,
		"progressQueueSize", cfg.ProgressQueueSize,
		"watchdogInterval", cfg.Watchdog.Interval,
		"watchdogMaxStall", cfg.Watchdog.MaxStall,
		"reconcileSchedule", cfg.ReconcileSchedule,
		"clickhouseHosts", cfg.ClickHouse.Hosts,
		"clickhouseDatabase", cfg.ClickHouse.Database,
		"kafkaEnabled", cfg.Kafka.Enabled,
		"kafkaTopic", cfg.Kafka.Topic,
		"metricsHost", cfg.MetricsHost,
		"metricsPort", cfg.MetricsPort,
		"environment", cfg.Environment,
		"region", cfg.Region,
		"cloudProvider", cfg.CloudProvider,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Long-lived components outlive the signal so they can drain on shutdown.
	appCtx, cancelApp := context.WithCancel(context.Background())
	defer cancelApp()

	registry := prometheus.NewRegistry()
	m, err := metrics.NewWithLabels(registry, metrics.Labels{
		Service:       "wallet-indexer",
		Environment:   cfg.Environment,
		Region:        cfg.Region,
		CloudProvider: cfg.CloudProvider,
	})
	if err != nil {
		return fmt.Errorf("failed to create metrics: %w", err)
	}

	chClient, err := clickhouse.New(ctx, cfg.ClickHouse, sugar)
	if err != nil {
		return fmt.Errorf("failed to create ClickHouse client: %w", err)
	}
	defer chClient.Close()
	sugar.Info("ClickHouse client created successfully")

	repo, err := walletrepo.NewRepository(ctx, chClient, cfg.ClickHouse.Database, walletrepo.DefaultTables(), sugar)
	if err != nil {
		return fmt.Errorf("failed to create wallet repository: %w", err)
	}

	metricsServer := metrics.NewServer(cfg.MetricsAddr(), registry, chClient.Ping)
	metricsErrCh := metricsServer.Start()
	sugar.Infof("metrics server listening on http://%s/metrics", cfg.MetricsAddr())

	resolver := abi.NewResolver(repo, cfg.ABICacheTTL, sugar, m)
	acc, err := batch.New(appCtx, repo, cfg.Accumulator, sugar, m)
	if err != nil {
		return fmt.Errorf("failed to create batch accumulator: %w", err)
	}

	orch := job.NewOrchestrator(sugar, repo, m)

	hub := progress.NewHub(orch, cfg.ProgressQueueSize, sugar, m)
	orch.Register(hub)
	verifier, err := progress.NewJWTVerifier([]byte(cfg.JWTSecret), progress.WithIssuer(cfg.JWTIssuer))
	if err != nil {
		return fmt.Errorf("failed to create token verifier: %w", err)
	}
	progressServer, err := progress.NewServer(cfg.Progress, hub, verifier, sugar)
	if err != nil {
		return fmt.Errorf("failed to create progress server: %w", err)
	}
	progressErrCh := progressServer.Start()
	sugar.Infof("progress channel listening on ws://%s%s", cfg.Progress.Addr, cfg.Progress.Path)

	var (
		sink        *kafka.JobEventSink
		sinkDone    = make(chan struct{})
		producerErr <-chan error
	)
	if cfg.Kafka.Enabled {
		producer, err := startKafka(ctx, appCtx, cfg.Kafka, sugar)
		if err != nil {
			return err
		}
		defer producer.Close(cfg.Kafka.FlushTimeout)
		producerErr = producer.Errors()

		sink = kafka.NewJobEventSink(producer, cfg.Kafka.Topic, cfg.Kafka.SinkBuffer, sugar)
		orch.Register(sink)
		go func() {
			defer close(sinkDone)
			_ = sink.Run(appCtx)
		}()
	} else {
		close(sinkDone)
	}

	factory := chains.Factory(worker.Deps{
		Decoder:  resolver,
		Recorder: acc,
		Errors:   repo,
		Log:      sugar,
		Metrics:  m,
	})
	svc, err := indexing.NewService(cfg.Indexing, orch, factory, sugar, m)
	if err != nil {
		return fmt.Errorf("failed to create indexing service: %w", err)
	}

	for _, p := range seeds {
		id, err := svc.Submit(ctx, p)
		if err != nil {
			return fmt.Errorf("failed to queue job for wallet %s: %w", p.WalletID, err)
		}
		sugar.Infow("queued job", "jobID", id, "walletID", p.WalletID, "chain", p.Chain)
	}

	var reconciler *indexing.Reconciler
	if cfg.ReconcileSchedule != "" {
		reconciler, err = indexing.NewReconciler(cfg.ReconcileSchedule, repo, orch, sugar)
		if err != nil {
			return err
		}
		reconciler.Start()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return svc.Run(gctx)
	})
	if cfg.WatchdogEnabled() {
		g.Go(func() error {
			svc.StartWatchdog(gctx, cfg.Watchdog)
			return nil
		})
	}
	g.Go(func() error {
		return waitErr(gctx, metricsErrCh)
	})
	g.Go(func() error {
		return waitErr(gctx, progressErrCh)
	})
	if producerErr != nil {
		g.Go(func() error {
			return waitErr(gctx, producerErr)
		})
	}

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	if err != nil {
		sugar.Errorw("run failed", "error", err)
	}

	sugar.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if reconciler != nil {
		if serr := reconciler.Stop(shutdownCtx); serr != nil {
			sugar.Warnw("reconciler shutdown error", "error", serr)
		}
	}
	if serr := svc.Shutdown(shutdownCtx); serr != nil {
		sugar.Warnw("indexing service shutdown error", "error", serr)
	}
	if serr := acc.Close(shutdownCtx); serr != nil {
		sugar.Warnw("failed to flush buffered rows", "error", serr)
	}
	if serr := progressServer.Shutdown(shutdownCtx); serr != nil {
		sugar.Warnw("progress server shutdown error", "error", serr)
	}
	if sink != nil {
		if serr := sink.Close(shutdownCtx); serr != nil {
			sugar.Warnw("job event sink did not drain", "error", serr, "dropped", sink.Dropped())
		}
	}
	cancelApp()
	<-sinkDone

	sugar.Info("shutting down metrics server")
	if serr := metricsServer.Shutdown(shutdownCtx); serr != nil {
		sugar.Warnw("metrics server shutdown error", "error", serr)
	}
	return err
}

// startKafka makes sure the job events topic exists and opens the producer.
func startKafka(ctx, appCtx context.Context, cfg kafka.ProducerConfig, log *zap.SugaredLogger) (*kafka.Producer, error) {
	if cfg.EnsureTopic {
		admin, err := kafka.NewAdmin(cfg.ConfigMap())
		if err != nil {
			return nil, err
		}
		err = kafka.EnsureTopic(ctx, admin, cfg.TopicConfig(), log)
		admin.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to ensure kafka topic: %w", err)
		}
	}
	producer, err := kafka.NewProducer(appCtx, cfg.ConfigMap(), log)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}
	return producer, nil
}

// waitErr returns the first error sent on errCh, or nil once ctx is done or
// the channel closes cleanly.
func waitErr(ctx context.Context, errCh <-chan error) error {
	select {
	case <-ctx.Done():
		return nil
	case err, ok := <-errCh:
		if !ok {
			return nil
		}
		return err
	}
}
