package transport

import "github.com/lithammer/shortuuid/v4"

// defaultDisplayName generates a short, log-friendly identifier for a
// Connection that wasn't given an explicit name (spec supplement: see
// SPEC_FULL.md §12).
func defaultDisplayName() string {
	return "conn-" + shortuuid.New()
}
