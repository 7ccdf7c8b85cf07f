// Package owner derives the logical owning record of an asset from its key.
package owner

// ReferenceWidth is the fixed width of an obituary reference code,
// e.g. "AB123456".
const ReferenceWidth = 8

// Resolve returns the candidate owning reference for an asset key: its
// fixed-width prefix. Keys shorter than the width resolve to "". The caller
// still has to check that a record with this reference exists.
func Resolve(assetKey string) string {
	if len(assetKey) < ReferenceWidth {
		return ""
	}
	return assetKey[:ReferenceWidth]
}
