package abi

import (
	"fmt"
	"math/big"
	"strconv"
	"strings"

	gethabi "github.com/ava-labs/libevm/accounts/abi"
	"github.com/ava-labs/libevm/common"
	"github.com/ava-labs/libevm/common/hexutil"

	"github.com/ava-labs/wallet-indexer/pkg/utils"
)

func argName(p Param, i int) string {
	if p.Name != "" {
		return p.Name
	}
	return "arg" + strconv.Itoa(i)
}

func toArguments(params []Param) (gethabi.Arguments, error) {
	args := make(gethabi.Arguments, 0, len(params))
	for i, p := range params {
		typ, err := gethabi.NewType(p.Type, "", nil)
		if err != nil {
			return nil, fmt.Errorf("input %d (%s): %w", i, p.Type, err)
		}
		args = append(args, gethabi.Argument{Name: argName(p, i), Type: typ, Indexed: p.Indexed})
	}
	return args, nil
}

// DecodeEVMCall decodes ABI-encoded call input (selector included).
func DecodeEVMCall(meta Metadata, input []byte) Decoded {
	d := Decoded{Name: meta.Name, Category: meta.Category}
	if len(input) < 4 {
		d.DecodeError = "input shorter than a selector"
		return d
	}
	d.Selector = hexutil.Encode(input[:4])

	args, err := toArguments(meta.Inputs)
	if err != nil {
		d.DecodeError = err.Error()
		return d
	}
	values, err := args.Unpack(input[4:])
	if err != nil {
		d.DecodeError = fmt.Sprintf("unpack %s: %v", meta.Name, err)
		return d
	}
	d.Args = make(map[string]string, len(values))
	for i, v := range values {
		d.Args[args[i].Name] = formatValue(v)
	}
	return d
}

// DecodeEVMLog decodes an EVM log. topics[0] is the event signature; indexed
// inputs come from the remaining topics and the rest from data.
func DecodeEVMLog(meta Metadata, topics []common.Hash, data []byte) Decoded {
	d := Decoded{Name: meta.Name, Category: meta.Category}
	if len(topics) == 0 {
		d.DecodeError = "anonymous log without topics"
		return d
	}
	d.Selector = topics[0].Hex()

	args, err := toArguments(meta.Inputs)
	if err != nil {
		d.DecodeError = err.Error()
		return d
	}
	var indexed gethabi.Arguments
	for _, a := range args {
		if a.Indexed {
			indexed = append(indexed, a)
		}
	}
	if len(topics)-1 != len(indexed) {
		d.DecodeError = fmt.Sprintf("log has %d indexed topics, %s declares %d", len(topics)-1, meta.Name, len(indexed))
		return d
	}

	out := make(map[string]any, len(args))
	if err := gethabi.ParseTopicsIntoMap(out, indexed, topics[1:]); err != nil {
		d.DecodeError = fmt.Sprintf("parse topics: %v", err)
		return d
	}
	if err := args.NonIndexed().UnpackIntoMap(out, data); err != nil {
		d.DecodeError = fmt.Sprintf("unpack data: %v", err)
		return d
	}
	d.Args = make(map[string]string, len(out))
	for k, v := range out {
		d.Args[k] = formatValue(v)
	}
	return d
}

func formatValue(v any) string {
	switch x := v.(type) {
	case common.Address:
		return x.Hex()
	case common.Hash:
		return x.Hex()
	case *big.Int:
		return x.String()
	case []byte:
		return hexutil.Encode(x)
	case [32]byte:
		return hexutil.Encode(x[:])
	case string:
		return x
	case bool:
		return strconv.FormatBool(x)
	default:
		return fmt.Sprint(x)
	}
}

func isU256(t string) bool {
	return t == "u256" || t == "core::integer::u256"
}

func isFeltArray(t string) bool {
	return strings.HasPrefix(t, "core::array::Array") ||
		strings.HasPrefix(t, "core::array::Span") ||
		strings.HasSuffix(t, "*")
}

var twoTo128 = new(big.Int).Lsh(big.NewInt(1), 128)

func parseFelt(s string) (*big.Int, bool) {
	return new(big.Int).SetString(utils.TrimHexPrefix(strings.TrimSpace(s)), 16)
}

// DecodeStarkCall assigns calldata felts to inputs positionally. u256 inputs
// take two felts (low, high) and arrays are length-prefixed.
func DecodeStarkCall(meta Metadata, selector string, felts []string) Decoded {
	d := Decoded{Selector: selector, Name: meta.Name, Category: meta.Category}
	args := make(map[string]string, len(meta.Inputs))

	pos := 0
	need := func(n int) bool { return pos+n <= len(felts) }
	for i, p := range meta.Inputs {
		name := argName(p, i)
		switch {
		case isU256(p.Type):
			if !need(2) {
				d.DecodeError = fmt.Sprintf("calldata ends before %s", name)
				d.Args = args
				return d
			}
			low, ok1 := parseFelt(felts[pos])
			high, ok2 := parseFelt(felts[pos+1])
			if !ok1 || !ok2 {
				d.DecodeError = fmt.Sprintf("%s is not a u256", name)
				d.Args = args
				return d
			}
			args[name] = new(big.Int).Add(new(big.Int).Mul(high, twoTo128), low).String()
			pos += 2
		case isFeltArray(p.Type):
			if !need(1) {
				d.DecodeError = fmt.Sprintf("calldata ends before %s", name)
				d.Args = args
				return d
			}
			n, ok := parseFelt(felts[pos])
			if !ok || !n.IsInt64() || !need(1+int(n.Int64())) {
				d.DecodeError = fmt.Sprintf("bad array length for %s", name)
				d.Args = args
				return d
			}
			count := int(n.Int64())
			items := make([]string, 0, count)
			for _, f := range felts[pos+1 : pos+1+count] {
				items = append(items, utils.NormalizeFelt(f))
			}
			args[name] = "[" + strings.Join(items, ",") + "]"
			pos += 1 + count
		default:
			if !need(1) {
				d.DecodeError = fmt.Sprintf("calldata ends before %s", name)
				d.Args = args
				return d
			}
			args[name] = utils.NormalizeFelt(felts[pos])
			pos++
		}
	}
	d.Args = args
	if pos < len(felts) {
		d.DecodeError = fmt.Sprintf("%d trailing felts after %s", len(felts)-pos, meta.Name)
	}
	return d
}
