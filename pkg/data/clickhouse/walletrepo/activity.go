package walletrepo

import (
	"context"
	_ "embed"
	"fmt"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

//go:embed queries/insert-transactions.sql
var insertTransactionsQuery string

//go:embed queries/insert-events.sql
var insertEventsQuery string

// InsertTransactions bulk-writes rows in one batch. Rows already present are
// replaced on merge.
func (r *Repository) InsertTransactions(ctx context.Context, rows []TransactionRow) error {
	if len(rows) == 0 {
		return nil
	}
	batch, err := r.client.Conn().PrepareBatch(ctx, fmt.Sprintf(insertTransactionsQuery, r.database, r.tables.Transactions))
	if err != nil {
		return fmt.Errorf("failed to prepare transaction batch: %w", err)
	}
	insertedAt := r.now().UTC()
	for i := range rows {
		tx := &rows[i]
		err := batch.Append(
			tx.WalletID,
			tx.Chain,
			tx.TxHash,
			tx.BlockNumber,
			tx.BlockTime.UTC(),
			tx.TxIndex,
			tx.From,
			tx.To,
			tx.Value,
			tx.Status,
			tx.Selector,
			tx.MethodName,
			tx.Category,
			tx.DecodedArgs,
			tx.DecodeError,
			insertedAt,
		)
		if err != nil {
			abort(batch)
			return fmt.Errorf("failed to append transaction %s: %w", tx.TxHash, err)
		}
	}
	if err := batch.Send(); err != nil {
		r.log.Errorw("failed to send transaction batch to ClickHouse - data may be lost",
			"error", err,
			"count", len(rows),
			"table", r.table(r.tables.Transactions),
		)
		return fmt.Errorf("failed to send transaction batch: %w", err)
	}
	r.log.Debugw("inserted transactions", "count", len(rows))
	return nil
}

// InsertEvents bulk-writes rows in one batch.
func (r *Repository) InsertEvents(ctx context.Context, rows []EventRow) error {
	if len(rows) == 0 {
		return nil
	}
	batch, err := r.client.Conn().PrepareBatch(ctx, fmt.Sprintf(insertEventsQuery, r.database, r.tables.Events))
	if err != nil {
		return fmt.Errorf("failed to prepare event batch: %w", err)
	}
	insertedAt := r.now().UTC()
	for i := range rows {
		ev := &rows[i]
		topics := ev.Topics
		if topics == nil {
			topics = []string{}
		}
		err := batch.Append(
			ev.WalletID,
			ev.Chain,
			ev.TxHash,
			ev.LogIndex,
			ev.BlockNumber,
			ev.BlockTime.UTC(),
			ev.ContractAddress,
			ev.Topic0,
			topics,
			ev.Data,
			ev.EventName,
			ev.DecodedArgs,
			ev.DecodeError,
			insertedAt,
		)
		if err != nil {
			abort(batch)
			return fmt.Errorf("failed to append event %s/%d: %w", ev.TxHash, ev.LogIndex, err)
		}
	}
	if err := batch.Send(); err != nil {
		r.log.Errorw("failed to send event batch to ClickHouse - data may be lost",
			"error", err,
			"count", len(rows),
			"table", r.table(r.tables.Events),
		)
		return fmt.Errorf("failed to send event batch: %w", err)
	}
	r.log.Debugw("inserted events", "count", len(rows))
	return nil
}

func abort(b driver.Batch) {
	_ = b.Abort()
}
