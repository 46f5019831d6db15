package abi

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ava-labs/libevm/common"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/ava-labs/wallet-indexer/pkg/cache"
	"github.com/ava-labs/wallet-indexer/pkg/metrics"
	"github.com/ava-labs/wallet-indexer/pkg/utils"
)

// DefaultTTL is how long resolved metadata, including negative results, is kept.
const DefaultTTL = 5 * time.Minute

type cacheKey struct {
	chain    string
	address  string
	kind     Kind
	selector string
}

type cached struct {
	meta  Metadata
	found bool
}

// Resolver memoizes ABI feature lookups per (chain, address, selector).
type Resolver struct {
	store   FeatureStore
	cache   *cache.TTL[cacheKey, cached]
	group   singleflight.Group
	log     *zap.SugaredLogger
	metrics *metrics.Metrics
}

// NewResolver creates a resolver backed by store. ttl <= 0 uses DefaultTTL.
func NewResolver(store FeatureStore, ttl time.Duration, log *zap.SugaredLogger, m *metrics.Metrics) *Resolver {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Resolver{
		store:   store,
		cache:   cache.NewTTL[cacheKey, cached](ttl),
		log:     log,
		metrics: m,
	}
}

// SetClock replaces the cache time source.
func (r *Resolver) SetClock(now func() time.Time) {
	r.cache.WithClock(now)
}

func keyFor(chain, address string, kind Kind, selector string) cacheKey {
	return cacheKey{
		chain:    chain,
		address:  utils.NormalizeFelt(address),
		kind:     kind,
		selector: utils.NormalizeFelt(selector),
	}
}

// ResolveFunction returns the metadata for a call selector on a contract.
func (r *Resolver) ResolveFunction(ctx context.Context, chain, address, selector string) (Metadata, bool, error) {
	return r.resolve(ctx, chain, address, KindFunction, selector)
}

// ResolveEvent returns the metadata for an event topic emitted by a contract.
func (r *Resolver) ResolveEvent(ctx context.Context, chain, address, topic string) (Metadata, bool, error) {
	return r.resolve(ctx, chain, address, KindEvent, topic)
}

func (r *Resolver) resolve(ctx context.Context, chain, address string, kind Kind, selector string) (Metadata, bool, error) {
	key := keyFor(chain, address, kind, selector)
	if c, ok := r.cache.Get(key); ok {
		r.metrics.RecordDecodeLookup(string(kind), true)
		return c.meta, c.found, nil
	}
	r.metrics.RecordDecodeLookup(string(kind), false)

	if r.store == nil {
		return Metadata{}, false, nil
	}

	// One store round trip per contract, however many selectors miss at once.
	_, err, _ := r.group.Do(key.chain+"|"+key.address, func() (any, error) {
		return nil, r.load(ctx, chain, address)
	})
	if err != nil {
		return Metadata{}, false, err
	}

	// Anything the contract does not declare is remembered as unknown.
	r.cache.PutIfAbsent(key, cached{})
	c, _ := r.cache.Get(key)
	return c.meta, c.found, nil
}

func (r *Resolver) load(ctx context.Context, chain, address string) error {
	features, err := r.store.LookupFeatures(ctx, address, chain)
	if err != nil {
		return fmt.Errorf("lookup abi features for %s on %s: %w", address, chain, err)
	}
	for _, f := range features {
		r.cache.Put(keyFor(chain, address, f.Kind, f.Selector), cached{
			meta: Metadata{
				Name:     f.Name,
				Category: f.Category,
				Inputs:   append([]Param(nil), f.Inputs...),
			},
			found: true,
		})
	}
	r.log.Debugw("loaded abi features", "chain", chain, "address", address, "features", len(features))
	return nil
}

var errUnknownSelector = errors.New("unknown selector")

// DecodeEVMTransaction resolves and decodes transaction input sent to address.
func (r *Resolver) DecodeEVMTransaction(ctx context.Context, chain, address string, input []byte) Decoded {
	if len(input) < 4 {
		return Decoded{DecodeError: "input shorter than a selector"}
	}
	selector := common.Bytes2Hex(input[:4])
	meta, found, err := r.ResolveFunction(ctx, chain, address, "0x"+selector)
	return r.finish(string(KindFunction), "0x"+selector, meta, found, err, func() Decoded {
		return DecodeEVMCall(meta, input)
	})
}

// DecodeEVMEvent resolves and decodes a log emitted by address.
func (r *Resolver) DecodeEVMEvent(ctx context.Context, chain, address string, topics []common.Hash, data []byte) Decoded {
	if len(topics) == 0 {
		return Decoded{DecodeError: "anonymous log without topics"}
	}
	topic := topics[0].Hex()
	meta, found, err := r.ResolveEvent(ctx, chain, address, topic)
	return r.finish(string(KindEvent), topic, meta, found, err, func() Decoded {
		return DecodeEVMLog(meta, topics, data)
	})
}

// DecodeStarkInvocation resolves and decodes a STARK call to an entry point.
func (r *Resolver) DecodeStarkInvocation(ctx context.Context, chain, contract, selector string, calldata []string) Decoded {
	meta, found, err := r.ResolveFunction(ctx, chain, contract, selector)
	return r.finish(string(KindFunction), selector, meta, found, err, func() Decoded {
		return DecodeStarkCall(meta, selector, calldata)
	})
}

// DecodeStarkEvent resolves and decodes a STARK event. keys[0] is the event selector.
func (r *Resolver) DecodeStarkEvent(ctx context.Context, chain, contract string, keys, data []string) Decoded {
	if len(keys) == 0 {
		return Decoded{DecodeError: "event without keys"}
	}
	meta, found, err := r.ResolveEvent(ctx, chain, contract, keys[0])
	return r.finish(string(KindEvent), keys[0], meta, found, err, func() Decoded {
		return DecodeStarkCall(meta, keys[0], append(append([]string(nil), keys[1:]...), data...))
	})
}

func (r *Resolver) finish(kind, selector string, meta Metadata, found bool, err error, decode func() Decoded) Decoded {
	var d Decoded
	switch {
	case err != nil:
		d = Decoded{Selector: selector, DecodeError: err.Error()}
	case !found:
		d = Decoded{Selector: selector, DecodeError: errUnknownSelector.Error()}
	default:
		d = decode()
		d.Category = meta.Category
	}
	if !d.OK() {
		r.metrics.IncDecodeError(kind)
	}
	return d
}
