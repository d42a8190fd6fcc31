// Package x402 provides the core data model for the x402 payment protocol:
// CAIP-2 network identifiers, payment requirements/payloads, and the wire
// types exchanged between a merchant, a client, and a facilitator.
package x402

import (
	"fmt"
	"strconv"
	"strings"
)

// Network is a CAIP-2 chain identifier of the form "family:reference",
// e.g. "eip155:8453", "solana:<genesis>", "starknet:mainnet".
type Network string

// Family returns the CAIP-2 family component (the part before the colon).
func (n Network) Family() string {
	family, _, ok := strings.Cut(string(n), ":")
	if !ok {
		return string(n)
	}
	return family
}

// Reference returns the CAIP-2 reference component (the part after the colon).
func (n Network) Reference() string {
	_, reference, ok := strings.Cut(string(n), ":")
	if !ok {
		return ""
	}
	return reference
}

// Valid reports whether n has the "family:reference" shape.
func (n Network) Valid() bool {
	family, reference, ok := strings.Cut(string(n), ":")
	return ok && family != "" && reference != ""
}

// FamilyPattern is a CAIP family matcher of the form "family:*", used to
// group scheme handlers and signers for the /supported aggregation.
type FamilyPattern string

// Matches reports whether pattern ("family:*") covers network n.
func (pattern FamilyPattern) Matches(n Network) bool {
	family, wildcard, ok := strings.Cut(string(pattern), ":")
	if !ok || wildcard != "*" {
		return string(pattern) == string(n)
	}
	return n.Family() == family
}

// String returns the pattern's underlying text.
func (pattern FamilyPattern) String() string {
	return string(pattern)
}

// EIP155ChainID extracts the numeric chain ID from an "eip155:<chainId>"
// network identifier. Returns an error (invalid_chain_id in the verify
// taxonomy) if the network is not an eip155 network or the reference isn't
// a base-10 integer.
func EIP155ChainID(n Network) (int64, error) {
	if n.Family() != "eip155" {
		return 0, fmt.Errorf("network %q is not an eip155 network", n)
	}
	chainID, err := strconv.ParseInt(n.Reference(), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("network %q has a non-numeric chain reference: %w", n, err)
	}
	return chainID, nil
}
