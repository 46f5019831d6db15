package main

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/ava-labs/wallet-indexer/pkg/clickhouse"
	"github.com/ava-labs/wallet-indexer/pkg/data/clickhouse/walletrepo"
	"github.com/ava-labs/wallet-indexer/pkg/utils"
)

func remove(c *cli.Context) error {
	ctx := context.Background()
	sugar, err := utils.NewSugaredLogger(true)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer sugar.Desugar().Sync() //nolint:errcheck // best-effort flush; ignore sync errors

	walletID := c.String("wallet-id")

	repo, closeFn, err := openRepository(ctx, sugar)
	if err != nil {
		return err
	}
	defer closeFn()

	if err := repo.DeleteWallet(ctx, walletID); err != nil {
		return fmt.Errorf("failed to delete wallet data: %w", err)
	}

	sugar.Infof("indexed data successfully removed for wallet %s", walletID)
	return nil
}

// openRepository connects to ClickHouse using the CLICKHOUSE_* environment.
func openRepository(ctx context.Context, sugar *zap.SugaredLogger) (*walletrepo.Repository, func(), error) {
	chCfg, err := clickhouse.Load()
	if err != nil {
		return nil, nil, err
	}
	chClient, err := clickhouse.New(ctx, chCfg, sugar)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create ClickHouse client: %w", err)
	}
	repo, err := walletrepo.NewRepository(ctx, chClient, chCfg.Database, walletrepo.DefaultTables(), sugar)
	if err != nil {
		chClient.Close()
		return nil, nil, fmt.Errorf("failed to create wallet repository: %w", err)
	}
	return repo, func() { chClient.Close() }, nil
}
