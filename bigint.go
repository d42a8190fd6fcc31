package x402

import "math/big"

// ParseAmountSaturating parses a decimal base-units string into a big.Int.
// Unparseable or empty input is treated as zero rather than returning an
// error: this is the verify-boundary's lenient policy, preserved so that a
// malformed amount fails the subsequent comparison it's used in (e.g.
// cap_too_low) instead of aborting verification outright.
func ParseAmountSaturating(s string) *big.Int {
	if s == "" {
		return big.NewInt(0)
	}
	n, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return big.NewInt(0)
	}
	return n
}
