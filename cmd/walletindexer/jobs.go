package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/ava-labs/wallet-indexer/pkg/job"
)

// seedJob is one entry of the optional jobs file queued at startup.
type seedJob struct {
	WalletID   string `yaml:"walletId"`
	ProjectID  string `yaml:"projectId"`
	Address    string `yaml:"address"`
	Chain      string `yaml:"chain"`
	StartBlock uint64 `yaml:"startBlock"`
	EndBlock   uint64 `yaml:"endBlock"`
	Priority   int    `yaml:"priority"`
}

type jobsFile struct {
	Jobs []seedJob `yaml:"jobs"`
}

func loadJobs(path string, chains *chainRegistry) ([]job.Params, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read jobs file: %w", err)
	}
	params, err := parseJobs(data, chains)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return params, nil
}

// parseJobs resolves each entry's chain type from the registry and validates
// it. An empty file yields no jobs.
func parseJobs(data []byte, chains *chainRegistry) ([]job.Params, error) {
	var f jobsFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse jobs: %w", err)
	}

	out := make([]job.Params, 0, len(f.Jobs))
	for i, s := range f.Jobs {
		spec, err := chains.lookup(s.Chain)
		if err != nil {
			return nil, fmt.Errorf("job %d: %w", i, err)
		}
		p := job.Params{
			WalletID:   s.WalletID,
			ProjectID:  s.ProjectID,
			Address:    s.Address,
			Chain:      s.Chain,
			ChainType:  spec.chainType,
			StartBlock: s.StartBlock,
			EndBlock:   s.EndBlock,
			Priority:   s.Priority,
		}
		if err := p.Validate(); err != nil {
			return nil, fmt.Errorf("job %d: %w", i, err)
		}
		out = append(out, p)
	}
	return out, nil
}
