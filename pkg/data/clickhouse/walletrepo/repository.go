// Package walletrepo persists indexed wallet activity, batch errors and ABI
// features in ClickHouse. Tables use ReplacingMergeTree so re-inserting a row
// with the same key replaces it, which gives the upsert semantics indexing
// retries rely on.
package walletrepo

import (
	"context"
	_ "embed"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ava-labs/wallet-indexer/pkg/clickhouse"
)

//go:embed queries/create-transactions-table.sql
var createTransactionsTableQuery string

//go:embed queries/create-events-table.sql
var createEventsTableQuery string

//go:embed queries/create-batch-errors-table.sql
var createBatchErrorsTableQuery string

//go:embed queries/create-abi-features-table.sql
var createFeaturesTableQuery string

//go:embed queries/delete-by-wallet.sql
var deleteByWalletQuery string

// Tables names the tables the repository writes to.
type Tables struct {
	Transactions string
	Events       string
	BatchErrors  string
	Features     string
}

// DefaultTables returns the standard table names.
func DefaultTables() Tables {
	return Tables{
		Transactions: "wallet_transactions",
		Events:       "wallet_events",
		BatchErrors:  "wallet_batch_errors",
		Features:     "abi_features",
	}
}

// Repository is the ClickHouse store for one database.
type Repository struct {
	client   clickhouse.Client
	database string
	tables   Tables
	log      *zap.SugaredLogger
	now      func() time.Time
}

// NewRepository creates the repository and ensures its tables exist.
func NewRepository(
	ctx context.Context,
	client clickhouse.Client,
	database string,
	tables Tables,
	log *zap.SugaredLogger,
) (*Repository, error) {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	r := &Repository{
		client:   client,
		database: database,
		tables:   tables,
		log:      log,
		now:      time.Now,
	}
	if err := r.Initialize(ctx); err != nil {
		return nil, err
	}
	return r, nil
}

// Initialize creates any missing table.
func (r *Repository) Initialize(ctx context.Context) error {
	ddl := []struct {
		table string
		query string
	}{
		{r.tables.Transactions, createTransactionsTableQuery},
		{r.tables.Events, createEventsTableQuery},
		{r.tables.BatchErrors, createBatchErrorsTableQuery},
		{r.tables.Features, createFeaturesTableQuery},
	}
	for _, d := range ddl {
		if err := r.client.Conn().Exec(ctx, fmt.Sprintf(d.query, r.database, d.table)); err != nil {
			return fmt.Errorf("failed to create table %s: %w", d.table, err)
		}
	}
	return nil
}

func (r *Repository) table(name string) string {
	return r.database + "." + name
}

// DeleteWallet removes every stored transaction, event and batch error of a
// wallet. ABI features are shared and kept.
func (r *Repository) DeleteWallet(ctx context.Context, walletID string) error {
	for _, t := range []string{r.tables.Transactions, r.tables.Events, r.tables.BatchErrors} {
		if err := r.client.Conn().Exec(ctx, fmt.Sprintf(deleteByWalletQuery, r.database, t), walletID); err != nil {
			return fmt.Errorf("failed to delete wallet %s from %s: %w", walletID, r.table(t), err)
		}
	}
	r.log.Infow("deleted wallet data", "walletID", walletID)
	return nil
}
