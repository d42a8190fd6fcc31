// Package encoding provides base64/JSON codecs for the header envelopes the
// x402 protocol carries between a merchant, a client, and a facilitator:
// PAYMENT-REQUIRED, PAYMENT-SIGNATURE, and PAYMENT-RESPONSE.
package encoding

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	x402 "github.com/shoalpay/x402-facilitator"
)

// EncodePaymentRequiredHeader converts a PaymentRequiredResponse to a
// base64-encoded JSON string for the PAYMENT-REQUIRED header.
func EncodePaymentRequiredHeader(required x402.PaymentRequiredResponse) (string, error) {
	data, err := json.Marshal(required)
	if err != nil {
		return "", fmt.Errorf("marshal payment-required: %w", err)
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// DecodePaymentRequiredHeader parses the PAYMENT-REQUIRED header back into a
// PaymentRequiredResponse.
func DecodePaymentRequiredHeader(encoded string) (x402.PaymentRequiredResponse, error) {
	var required x402.PaymentRequiredResponse

	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return required, fmt.Errorf("decode base64: %w", err)
	}
	if err := json.Unmarshal(decoded, &required); err != nil {
		return required, fmt.Errorf("unmarshal payment-required: %w", err)
	}
	return required, nil
}

// EncodePaymentSignatureHeader converts a PaymentPayload to a base64-encoded
// JSON string for the PAYMENT-SIGNATURE header.
func EncodePaymentSignatureHeader(payment x402.PaymentPayload) (string, error) {
	data, err := json.Marshal(payment)
	if err != nil {
		return "", fmt.Errorf("marshal payment-signature: %w", err)
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// DecodePaymentSignatureHeader parses the PAYMENT-SIGNATURE header back into
// a PaymentPayload.
func DecodePaymentSignatureHeader(encoded string) (x402.PaymentPayload, error) {
	var payment x402.PaymentPayload

	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return payment, fmt.Errorf("decode base64: %w", err)
	}
	if err := json.Unmarshal(decoded, &payment); err != nil {
		return payment, fmt.Errorf("unmarshal payment-signature: %w", err)
	}
	return payment, nil
}

// EncodePaymentResponseHeader converts a SettleResponse to a base64-encoded
// JSON string for the PAYMENT-RESPONSE header.
func EncodePaymentResponseHeader(settlement x402.SettleResponse) (string, error) {
	data, err := json.Marshal(settlement)
	if err != nil {
		return "", fmt.Errorf("marshal payment-response: %w", err)
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// DecodePaymentResponseHeader parses the PAYMENT-RESPONSE header back into a
// SettleResponse.
func DecodePaymentResponseHeader(encoded string) (x402.SettleResponse, error) {
	var settlement x402.SettleResponse

	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return settlement, fmt.Errorf("decode base64: %w", err)
	}
	if err := json.Unmarshal(decoded, &settlement); err != nil {
		return settlement, fmt.Errorf("unmarshal payment-response: %w", err)
	}
	return settlement, nil
}
