package abi

import (
	"fmt"
	"io"
	"sort"
	"strings"

	gethabi "github.com/ava-labs/libevm/accounts/abi"
	"github.com/ava-labs/libevm/common/hexutil"
)

// categories maps name fragments to a coarse function category. The first
// match in order wins.
var categories = []struct {
	fragment string
	category string
}{
	{"transferfrom", "transfer"},
	{"transfer", "transfer"},
	{"approve", "approval"},
	{"swap", "swap"},
	{"mint", "mint"},
	{"burn", "burn"},
	{"deposit", "deposit"},
	{"withdraw", "withdraw"},
	{"stake", "staking"},
	{"claim", "claim"},
	{"vote", "governance"},
}

// Categorize returns the coarse category of a function name.
func Categorize(name string) string {
	lower := strings.ToLower(name)
	for _, c := range categories {
		if strings.Contains(lower, c.fragment) {
			return c.category
		}
	}
	return "other"
}

// FeaturesFromEVMABI parses a JSON ABI and returns one Feature per method and
// non-anonymous event, sorted by kind then selector.
func FeaturesFromEVMABI(chain, address string, r io.Reader) ([]Feature, error) {
	parsed, err := gethabi.JSON(r)
	if err != nil {
		return nil, fmt.Errorf("parse abi: %w", err)
	}

	var out []Feature
	for _, m := range parsed.Methods {
		out = append(out, Feature{
			Chain:    chain,
			Address:  address,
			Kind:     KindFunction,
			Selector: hexutil.Encode(m.ID),
			Name:     m.RawName,
			Category: Categorize(m.RawName),
			Inputs:   paramsOf(m.Inputs),
		})
	}
	for _, e := range parsed.Events {
		if e.Anonymous {
			continue
		}
		out = append(out, Feature{
			Chain:    chain,
			Address:  address,
			Kind:     KindEvent,
			Selector: e.ID.Hex(),
			Name:     e.RawName,
			Inputs:   paramsOf(e.Inputs),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Kind != out[j].Kind {
			return out[i].Kind < out[j].Kind
		}
		return out[i].Selector < out[j].Selector
	})
	return out, nil
}

func paramsOf(args gethabi.Arguments) []Param {
	params := make([]Param, 0, len(args))
	for _, a := range args {
		params = append(params, Param{Name: a.Name, Type: a.Type.String(), Indexed: a.Indexed})
	}
	return params
}
