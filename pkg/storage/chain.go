package storage

import "strings"

// NormalizeHex lowercases and trims a chain id so it can be used as a key.
func NormalizeHex(hex string) string {
	return strings.ToLower(strings.TrimSpace(hex))
}

// MergeChain applies an incoming chain record over a stored one. Empty
// incoming fields keep the stored values and UserAdded never goes back to
// false once set.
func MergeChain(existing, incoming Chain) Chain {
	merged := Chain{
		Hex:              NormalizeHex(incoming.Hex),
		Name:             firstNonEmpty(incoming.Name, existing.Name),
		Ticker:           firstNonEmpty(incoming.Ticker, existing.Ticker),
		RPCURL:           firstNonEmpty(incoming.RPCURL, existing.RPCURL),
		BlockExplorerURL: firstNonEmpty(incoming.BlockExplorerURL, existing.BlockExplorerURL),
		UserAdded:        existing.UserAdded || incoming.UserAdded,
	}
	return merged
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}
