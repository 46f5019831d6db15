package walletrepo

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"

	"github.com/ava-labs/wallet-indexer/pkg/abi"
	"github.com/ava-labs/wallet-indexer/pkg/utils"
)

//go:embed queries/lookup-features.sql
var lookupFeaturesQuery string

//go:embed queries/insert-features.sql
var insertFeaturesQuery string

var _ abi.FeatureStore = (*Repository)(nil)

// LookupFeatures returns every ABI feature stored for the contract.
func (r *Repository) LookupFeatures(ctx context.Context, address, chain string) ([]abi.Feature, error) {
	rows, err := r.client.Conn().Query(ctx,
		fmt.Sprintf(lookupFeaturesQuery, r.database, r.tables.Features),
		utils.NormalizeFelt(address), chain,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query abi features: %w", err)
	}
	defer rows.Close()

	var out []abi.Feature
	for rows.Next() {
		var (
			f      abi.Feature
			kind   string
			inputs string
		)
		if err := rows.Scan(&f.Chain, &f.Address, &kind, &f.Selector, &f.Name, &f.Category, &inputs); err != nil {
			return nil, fmt.Errorf("failed to scan abi feature: %w", err)
		}
		f.Kind = abi.Kind(kind)
		if inputs != "" {
			if err := json.Unmarshal([]byte(inputs), &f.Inputs); err != nil {
				// Keep the feature; decoding against it will report the mismatch.
				r.log.Warnw("malformed abi feature inputs",
					"address", f.Address,
					"selector", f.Selector,
					"error", err,
				)
			}
		}
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate abi features: %w", err)
	}
	return out, nil
}

// UpsertFeatures stores parsed ABI entries. Addresses and selectors are
// normalized so lookups match regardless of case or zero padding.
func (r *Repository) UpsertFeatures(ctx context.Context, features []abi.Feature) error {
	if len(features) == 0 {
		return nil
	}
	batch, err := r.client.Conn().PrepareBatch(ctx, fmt.Sprintf(insertFeaturesQuery, r.database, r.tables.Features))
	if err != nil {
		return fmt.Errorf("failed to prepare abi feature batch: %w", err)
	}
	now := r.now().UTC()
	for _, f := range features {
		inputs, err := json.Marshal(f.Inputs)
		if err != nil {
			abort(batch)
			return fmt.Errorf("failed to encode inputs for %s: %w", f.Name, err)
		}
		if err := batch.Append(
			f.Chain,
			utils.NormalizeFelt(f.Address),
			string(f.Kind),
			utils.NormalizeFelt(f.Selector),
			f.Name,
			f.Category,
			string(inputs),
			now,
		); err != nil {
			abort(batch)
			return fmt.Errorf("failed to append abi feature %s: %w", f.Name, err)
		}
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to send abi feature batch: %w", err)
	}
	r.log.Infow("stored abi features", "count", len(features))
	return nil
}
