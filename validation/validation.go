// Package validation provides coarse, scheme-agnostic checks applied to wire
// types at decode boundaries: amount shape, address shape per CAIP family,
// and the overall shape of a PaymentRequirements / PaymentPayload pair.
// Scheme handlers layer their own, stricter checks on top (see scheme/uptoevm).
package validation

import (
	"fmt"
	"math/big"
	"regexp"

	x402 "github.com/shoalpay/x402-facilitator"
)

var (
	// evmAddressRegex matches Ethereum-style addresses (0x followed by 40 hex chars).
	evmAddressRegex = regexp.MustCompile(`^0x[a-fA-F0-9]{40}$`)

	// solanaAddressRegex matches Solana base58 addresses (32-44 chars, base58 charset).
	solanaAddressRegex = regexp.MustCompile(`^[1-9A-HJ-NP-Za-km-z]{32,44}$`)
)

// ValidateAmount validates that an amount string is a valid positive integer.
func ValidateAmount(amount string) error {
	if amount == "" {
		return fmt.Errorf("amount cannot be empty")
	}

	amt, ok := new(big.Int).SetString(amount, 10)
	if !ok {
		return fmt.Errorf("invalid amount format: %s", amount)
	}

	if amt.Sign() <= 0 {
		return fmt.Errorf("amount must be greater than 0, got: %s", amount)
	}

	return nil
}

// ValidateAddress validates an address against the shape expected for
// network's CAIP-2 family. Families other than eip155/solana are accepted
// unconditionally (their scheme handler is responsible for any stricter
// format check).
func ValidateAddress(address string, network x402.Network) error {
	if address == "" {
		return fmt.Errorf("address cannot be empty")
	}

	switch network.Family() {
	case "eip155":
		if !evmAddressRegex.MatchString(address) {
			return fmt.Errorf("invalid EVM address format: %s (expected 0x followed by 40 hex characters)", address)
		}
	case "solana":
		if !solanaAddressRegex.MatchString(address) {
			return fmt.Errorf("invalid Solana address format: %s (expected base58 string 32-44 chars)", address)
		}
	}

	return nil
}

// ValidatePaymentRequirements performs coarse validation of a requirements
// object beyond PaymentRequirements.Validate: address shape per CAIP family
// and EIP-712 domain hint shape when present.
func ValidatePaymentRequirements(req x402.PaymentRequirements) error {
	if err := req.Validate(); err != nil {
		return fmt.Errorf("invalid requirements: %w", err)
	}

	if err := ValidateAmount(req.Amount); err != nil {
		return fmt.Errorf("invalid requirements: %w", err)
	}

	if err := ValidateAddress(req.PayTo, req.Network); err != nil {
		return fmt.Errorf("invalid requirements: payTo %w", err)
	}

	if err := ValidateAddress(req.Asset, req.Network); err != nil {
		return fmt.Errorf("invalid requirements: asset %w", err)
	}

	if req.Network.Family() == "eip155" && req.Extra != nil {
		if name, ok := req.Extra["name"].(string); ok && name == "" {
			return fmt.Errorf("invalid requirements: eip712 domain name cannot be empty")
		}
		if version, ok := req.Extra["version"].(string); ok && version == "" {
			return fmt.Errorf("invalid requirements: eip712 domain version cannot be empty")
		}
	}

	return nil
}

// ValidatePaymentPayload performs coarse validation of a payload beyond
// PaymentPayload.Validate: CAIP-2 network shape and supported protocol
// version.
func ValidatePaymentPayload(payment x402.PaymentPayload) error {
	if err := payment.Validate(); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}

	if payment.X402Version != 1 {
		return fmt.Errorf("unsupported x402 version: %d", payment.X402Version)
	}

	if !payment.Accepted.Network.Valid() {
		return fmt.Errorf("invalid payload: accepted.network must be a CAIP-2 identifier, got %q", payment.Accepted.Network)
	}

	return nil
}
