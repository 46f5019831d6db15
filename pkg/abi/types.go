// Package abi resolves call selectors and event topics to contract metadata and
// decodes payloads against it. Decoding never fails the caller: problems are
// reported on the returned record instead.
package abi

import "context"

// Kind distinguishes callable functions from emitted events.
type Kind string

const (
	KindFunction Kind = "function"
	KindEvent    Kind = "event"
)

// Param is one input of a function or event.
type Param struct {
	Name    string `json:"name"`
	Type    string `json:"type"`
	Indexed bool   `json:"indexed,omitempty"`
}

// Feature is one parsed ABI entry of a contract as kept by the feature store.
// Selector is the 4-byte function selector, the event topic0, or the STARK
// entry point selector.
type Feature struct {
	Chain    string  `json:"chain"`
	Address  string  `json:"address"`
	Kind     Kind    `json:"kind"`
	Selector string  `json:"selector"`
	Name     string  `json:"name"`
	Category string  `json:"category,omitempty"`
	Inputs   []Param `json:"inputs"`
}

// Metadata is what the resolver caches per (chain, address, selector).
type Metadata struct {
	Name     string
	Category string
	Inputs   []Param
}

// FeatureStore returns every known ABI feature of one contract.
type FeatureStore interface {
	LookupFeatures(ctx context.Context, address, chain string) ([]Feature, error)
}

// Decoded is the result of decoding a call or event. A non-empty DecodeError
// means the record is partial but should still be persisted.
type Decoded struct {
	Selector    string            `json:"selector"`
	Name        string            `json:"name,omitempty"`
	Category    string            `json:"category,omitempty"`
	Args        map[string]string `json:"args,omitempty"`
	DecodeError string            `json:"decodeError,omitempty"`
}

// OK reports whether decoding completed without error.
func (d Decoded) OK() bool { return d.DecodeError == "" }
