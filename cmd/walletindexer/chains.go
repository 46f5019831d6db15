package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/ava-labs/wallet-indexer/pkg/indexing"
	"github.com/ava-labs/wallet-indexer/pkg/job"
	"github.com/ava-labs/wallet-indexer/pkg/rpcmanager"
	"github.com/ava-labs/wallet-indexer/pkg/worker"
)

var errUnknownChain = errors.New("unknown chain")

// chainEntry is one chain in chains.yaml. Zero values fall back to the
// defaults of the chain type.
type chainEntry struct {
	Type        string   `yaml:"type"`
	Endpoints   []string `yaml:"endpoints"`
	BatchSize   uint64   `yaml:"batchSize"`
	Concurrency int      `yaml:"concurrency"`
	RateLimit   float64  `yaml:"rateLimit"`
	MaxAttempts int      `yaml:"maxAttempts"`
}

type chainsFile struct {
	Chains map[string]chainEntry `yaml:"chains"`
}

type chainSpec struct {
	chainType job.ChainType
	endpoints rpcmanager.Config
	worker    worker.Config
}

// chainRegistry maps chain names to their worker family, endpoints and
// tuning.
type chainRegistry struct {
	chains map[string]chainSpec
}

func loadChains(path string) (*chainRegistry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read chains file: %w", err)
	}
	r, err := parseChains(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return r, nil
}

func parseChains(data []byte) (*chainRegistry, error) {
	var f chainsFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse chains: %w", err)
	}
	if len(f.Chains) == 0 {
		return nil, errors.New("no chains configured")
	}

	r := &chainRegistry{chains: make(map[string]chainSpec, len(f.Chains))}
	for name, e := range f.Chains {
		spec, err := e.spec()
		if err != nil {
			return nil, fmt.Errorf("chain %s: %w", name, err)
		}
		r.chains[name] = spec
	}
	return r, nil
}

func (e chainEntry) spec() (chainSpec, error) {
	ct, err := job.ParseChainType(e.Type)
	if err != nil {
		return chainSpec{}, err
	}
	wc := worker.DefaultEVMConfig()
	if ct == job.ChainTypeStark {
		wc = worker.DefaultStarkConfig()
	}
	if e.BatchSize > 0 {
		wc.BatchSize = e.BatchSize
	}
	if e.Concurrency > 0 {
		wc.Concurrency = e.Concurrency
	}
	if e.RateLimit > 0 {
		wc.RateLimit = e.RateLimit
	}
	if e.MaxAttempts > 0 {
		wc.Retry.MaxAttempts = e.MaxAttempts
	}
	if err := wc.Validate(); err != nil {
		return chainSpec{}, fmt.Errorf("invalid worker config: %w", err)
	}
	ep := rpcmanager.DefaultConfig(e.Endpoints...)
	if err := ep.Validate(); err != nil {
		return chainSpec{}, fmt.Errorf("invalid endpoints: %w", err)
	}
	return chainSpec{chainType: ct, endpoints: ep, worker: wc}, nil
}

func (r *chainRegistry) lookup(chain string) (chainSpec, error) {
	spec, ok := r.chains[chain]
	if !ok {
		return chainSpec{}, fmt.Errorf("%w %q", errUnknownChain, chain)
	}
	return spec, nil
}

// Names returns the configured chains in sorted order.
func (r *chainRegistry) Names() []string {
	names := make([]string, 0, len(r.chains))
	for n := range r.chains {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Factory builds a fresh worker for each job from base plus the job's chain
// settings.
func (r *chainRegistry) Factory(base worker.Deps) indexing.Factory {
	return func(j job.Job) (worker.Worker, error) {
		spec, err := r.lookup(j.Chain)
		if err != nil {
			return nil, err
		}
		if spec.chainType != j.ChainType {
			return nil, fmt.Errorf("chain %s is %s, job asks for %s", j.Chain, spec.chainType, j.ChainType)
		}
		deps := base
		deps.Endpoints = spec.endpoints
		deps.Config = spec.worker
		return worker.New(j.ChainType, deps)
	}
}
