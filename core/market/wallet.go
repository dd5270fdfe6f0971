package market

import "strings"

// CanonWallet canonicalizes a wallet identifier to trimmed lowercase hex.
func CanonWallet(w string) string {
	return strings.ToLower(strings.TrimSpace(w))
}

// SameWallet compares two wallet identifiers after canonicalization.
func SameWallet(a, b string) bool {
	return CanonWallet(a) != "" && CanonWallet(a) == CanonWallet(b)
}

// ValidWallet reports whether w looks like a usable wallet identifier:
// 0x-prefixed hex, or any non-empty opaque token for simulated backends.
func ValidWallet(w string) bool {
	w = strings.TrimSpace(w)
	if w == "" {
		return false
	}
	if strings.HasPrefix(w, "0x") || strings.HasPrefix(w, "0X") {
		hexPart := w[2:]
		if hexPart == "" {
			return false
		}
		for _, c := range hexPart {
			switch {
			case c >= '0' && c <= '9':
			case c >= 'a' && c <= 'f':
			case c >= 'A' && c <= 'F':
			default:
				return false
			}
		}
	}
	return true
}
