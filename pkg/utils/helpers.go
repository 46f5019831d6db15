package utils

import (
	"strings"
)

// TrimHexPrefix strips a leading 0x or 0X.
func TrimHexPrefix(s string) string {
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		return s[2:]
	}
	return s
}

// NormalizeHex lowercases a hex string and guarantees a 0x prefix.
func NormalizeHex(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	return "0x" + strings.ToLower(TrimHexPrefix(s))
}

// NormalizeFelt canonicalizes a STARK field element: lowercase, 0x prefix and
// no leading zeros. The zero felt normalizes to "0x0".
func NormalizeFelt(s string) string {
	body := strings.TrimLeft(strings.ToLower(TrimHexPrefix(strings.TrimSpace(s))), "0")
	if body == "" {
		return "0x0"
	}
	return "0x" + body
}

// EqualHex reports whether two hex strings encode the same value, ignoring
// case, prefix and leading zeros.
func EqualHex(a, b string) bool {
	if a == "" || b == "" {
		return false
	}
	return NormalizeFelt(a) == NormalizeFelt(b)
}
