package main

import (
	"context"
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/ava-labs/wallet-indexer/pkg/abi"
	"github.com/ava-labs/wallet-indexer/pkg/utils"
)

func importABI(c *cli.Context) error {
	ctx := context.Background()
	sugar, err := utils.NewSugaredLogger(true)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer sugar.Desugar().Sync() //nolint:errcheck // best-effort flush; ignore sync errors

	chain := c.String("chain")
	address := c.String("address")
	features, err := readFeatures(chain, address, c.String("abi-file"))
	if err != nil {
		return err
	}

	repo, closeFn, err := openRepository(ctx, sugar)
	if err != nil {
		return err
	}
	defer closeFn()

	if err := repo.UpsertFeatures(ctx, features); err != nil {
		return fmt.Errorf("failed to store abi features: %w", err)
	}

	sugar.Infow("abi imported", "chain", chain, "address", address, "features", len(features))
	return nil
}

func readFeatures(chain, address, path string) ([]abi.Feature, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open abi file: %w", err)
	}
	defer f.Close()

	features, err := abi.FeaturesFromEVMABI(chain, address, f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if len(features) == 0 {
		return nil, fmt.Errorf("%s: abi has no functions or events", path)
	}
	return features, nil
}
