package walletrepo

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/ava-labs/wallet-indexer/pkg/job"
)

//go:embed queries/read-batch-error.sql
var readBatchErrorQuery string

//go:embed queries/write-batch-error.sql
var writeBatchErrorQuery string

//go:embed queries/list-batch-errors.sql
var listBatchErrorsQuery string

//go:embed queries/list-batch-error-wallets.sql
var listBatchErrorWalletsQuery string

var _ job.BatchErrorStore = (*Repository)(nil)

// RecordBatchError upserts the failed range. Recording an existing
// (walletID, start, end) again keeps its CreatedAt and increments RetryCount.
func (r *Repository) RecordBatchError(ctx context.Context, walletID string, start, end uint64, message string) error {
	var (
		retryCount uint32
		createdAt  time.Time
	)
	now := r.now().UTC()

	err := r.client.Conn().
		QueryRow(ctx, fmt.Sprintf(readBatchErrorQuery, r.database, r.tables.BatchErrors), walletID, start, end).
		Scan(&retryCount, &createdAt)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		retryCount, createdAt = 0, now
	case err != nil:
		return fmt.Errorf("failed to read batch error %s [%d,%d]: %w", walletID, start, end, err)
	default:
		retryCount++
	}

	err = r.client.Conn().Exec(ctx,
		fmt.Sprintf(writeBatchErrorQuery, r.database, r.tables.BatchErrors),
		walletID, start, end, message, retryCount, createdAt, now,
	)
	if err != nil {
		return fmt.Errorf("failed to write batch error %s [%d,%d]: %w", walletID, start, end, err)
	}
	r.log.Warnw("recorded batch error",
		"walletID", walletID,
		"start", start,
		"end", end,
		"retryCount", retryCount,
		"error", message,
	)
	return nil
}

// ListBatchErrors returns the wallet's failed ranges ordered by start block.
func (r *Repository) ListBatchErrors(ctx context.Context, walletID string) ([]job.BatchError, error) {
	rows, err := r.client.Conn().Query(ctx, fmt.Sprintf(listBatchErrorsQuery, r.database, r.tables.BatchErrors), walletID)
	if err != nil {
		return nil, fmt.Errorf("failed to query batch errors: %w", err)
	}
	defer rows.Close()

	var out []job.BatchError
	for rows.Next() {
		var be job.BatchError
		if err := rows.Scan(
			&be.WalletID,
			&be.StartBlock,
			&be.EndBlock,
			&be.ErrorMessage,
			&be.RetryCount,
			&be.CreatedAt,
			&be.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan batch error: %w", err)
		}
		out = append(out, be)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate batch errors: %w", err)
	}
	return out, nil
}

// DeleteBatchErrors removes every failed range of the wallet.
func (r *Repository) DeleteBatchErrors(ctx context.Context, walletID string) error {
	err := r.client.Conn().Exec(ctx, fmt.Sprintf(deleteByWalletQuery, r.database, r.tables.BatchErrors), walletID)
	if err != nil {
		return fmt.Errorf("failed to delete batch errors for %s: %w", walletID, err)
	}
	return nil
}

// WalletsWithBatchErrors lists wallets that have at least one failed range.
func (r *Repository) WalletsWithBatchErrors(ctx context.Context) ([]string, error) {
	rows, err := r.client.Conn().Query(ctx, fmt.Sprintf(listBatchErrorWalletsQuery, r.database, r.tables.BatchErrors))
	if err != nil {
		return nil, fmt.Errorf("failed to query batch error wallets: %w", err)
	}
	defer rows.Close()

	var wallets []string
	for rows.Next() {
		var w string
		if err := rows.Scan(&w); err != nil {
			return nil, fmt.Errorf("failed to scan wallet id: %w", err)
		}
		wallets = append(wallets, w)
	}
	return wallets, rows.Err()
}
