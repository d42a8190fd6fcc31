package x402

import (
	"encoding/json"
	"fmt"
)

// PaymentRequirements defines a single acceptable payment method for a
// protected resource (spec §3).
type PaymentRequirements struct {
	Scheme            string         `json:"scheme"`
	Network           Network        `json:"network"`
	Asset             string         `json:"asset"`
	PayTo             string         `json:"payTo"`
	Amount            string         `json:"amount"`
	MaxTimeoutSeconds int            `json:"maxTimeoutSeconds"`
	Extra             map[string]any `json:"extra,omitempty"`
}

// PaymentRequiredResponse is the body of the merchant's 402 response,
// carried base64-encoded in the PAYMENT-REQUIRED header (spec §6).
type PaymentRequiredResponse struct {
	X402Version int                   `json:"x402Version"`
	Error       string                `json:"error,omitempty"`
	Accepts     []PaymentRequirements `json:"accepts"`
}

// PaymentPayload is the client's signed payment authorization, carried
// base64-encoded in the PAYMENT-SIGNATURE header (spec §3).
type PaymentPayload struct {
	X402Version int                 `json:"x402Version"`
	Resource    string              `json:"resource,omitempty"`
	Extensions  []string            `json:"extensions,omitempty"`
	Accepted    PaymentRequirements `json:"accepted"`
	Payload     json.RawMessage     `json:"payload"`
}

// UptoAuthorization is the signed permit backing the "upto" scheme: a single
// authorization that caps spend across a session of many metered charges.
type UptoAuthorization struct {
	From        string `json:"from"`
	To          string `json:"to"`
	Value       string `json:"value"`
	ValidBefore string `json:"validBefore"`
	Nonce       string `json:"nonce"`
}

// UptoEVMPayload is the scheme-specific payload carried by PaymentPayload.Payload
// for scheme="upto" on eip155 networks: an EIP-2612 permit authorization plus
// its detached signature.
type UptoEVMPayload struct {
	Authorization UptoAuthorization `json:"authorization"`
	Signature     string            `json:"signature"`
}

// ExactEVMAuthorization is the EIP-3009 transferWithAuthorization payload
// backing the "exact" scheme on EVM chains.
type ExactEVMAuthorization struct {
	From        string `json:"from"`
	To          string `json:"to"`
	Value       string `json:"value"`
	ValidAfter  string `json:"validAfter"`
	ValidBefore string `json:"validBefore"`
	Nonce       string `json:"nonce"`
}

// ExactEVMPayload is the scheme-specific payload for scheme="exact" on eip155
// networks.
type ExactEVMPayload struct {
	Signature     string                `json:"signature"`
	Authorization ExactEVMAuthorization `json:"authorization"`
}

// ExactSVMPayload is the scheme-specific payload for scheme="exact" on solana
// networks: a base64-encoded, partially-signed transaction.
type ExactSVMPayload struct {
	Transaction string `json:"transaction"`
}

// VerifyResponse is the result of a SchemeHandler.Verify / dispatcher Verify call.
type VerifyResponse struct {
	IsValid       bool   `json:"isValid"`
	InvalidReason string `json:"invalidReason,omitempty"`
	Payer         string `json:"payer,omitempty"`
}

// SettleResponse is the result of a SchemeHandler.Settle / dispatcher Settle call.
type SettleResponse struct {
	Success     bool    `json:"success"`
	ErrorReason string  `json:"errorReason,omitempty"`
	Transaction string  `json:"transaction"`
	Network     Network `json:"network"`
	Payer       string  `json:"payer,omitempty"`
}

// SupportedKind describes one (network, scheme) pair a facilitator can handle.
type SupportedKind struct {
	Network Network        `json:"network"`
	Scheme  string         `json:"scheme"`
	Extra   map[string]any `json:"extra,omitempty"`
}

// SupportedResponse is the body of the facilitator's /supported endpoint.
type SupportedResponse struct {
	Kinds   []SupportedKind      `json:"kinds"`
	Signers map[string][]string `json:"signers"`
}

// Validate performs basic shape validation on a PaymentRequirements value.
// Scheme handlers perform their own, stricter validation during Verify; this
// is the coarse check applied at construction / decode boundaries.
func (r *PaymentRequirements) Validate() error {
	if r.Scheme == "" {
		return fmt.Errorf("scheme is required")
	}
	if !r.Network.Valid() {
		return fmt.Errorf("network must be a CAIP-2 identifier, got %q", r.Network)
	}
	if r.Asset == "" {
		return fmt.Errorf("asset is required")
	}
	if r.PayTo == "" {
		return fmt.Errorf("payTo is required")
	}
	if r.Amount == "" {
		return fmt.Errorf("amount is required")
	}
	if r.MaxTimeoutSeconds <= 0 {
		return fmt.Errorf("maxTimeoutSeconds must be positive")
	}
	return nil
}

// Validate performs basic shape validation on a PaymentPayload.
func (p *PaymentPayload) Validate() error {
	if p.X402Version <= 0 {
		return fmt.Errorf("x402Version is required")
	}
	if err := p.Accepted.Validate(); err != nil {
		return fmt.Errorf("accepted: %w", err)
	}
	if len(p.Payload) == 0 {
		return fmt.Errorf("payload is required")
	}
	return nil
}
