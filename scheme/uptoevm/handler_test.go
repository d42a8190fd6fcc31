package uptoevm

import (
	"context"
	"encoding/json"
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	x402 "github.com/shoalpay/x402-facilitator"
	"github.com/shoalpay/x402-facilitator/signers/evm"
)

// validSig is a well-formed (if meaningless) 65-byte ECDSA signature; the
// fakeSigner never actually checks it cryptographically, but splitSignature
// does require 65 bytes to decode.
func validSig() string { return "0x" + strings.Repeat("11", 65) }

const (
	ownerAddr = "0x111111111111111111111111111111111111111A"
	payToAddr = "0x222222222222222222222222222222222222222B"
	otherAddr = "0x333333333333333333333333333333333333333C"
	assetAddr = "0x444444444444444444444444444444444444444D"
)

// fakeSigner is a scriptable evm.SignerPort double: tests configure whether
// typed-data verification succeeds and queue canned contract call outcomes.
type fakeSigner struct {
	addresses []common.Address

	verifyResult bool
	verifyErr    error

	allowanceLeft *big.Int
	allowanceErr  error

	transferFromCalls []*big.Int
	receiptErr        error
}

func (f *fakeSigner) GetAddresses(ctx context.Context) ([]common.Address, error) {
	return f.addresses, nil
}

func (f *fakeSigner) VerifyTypedData(ctx context.Context, req evm.TypedDataVerifyRequest) (bool, error) {
	return f.verifyResult, f.verifyErr
}

func (f *fakeSigner) ReadContract(ctx context.Context, req evm.ContractCallRequest) (*big.Int, error) {
	if req.FunctionName == "allowance" {
		return f.allowanceLeft, f.allowanceErr
	}
	return nil, nil
}

func (f *fakeSigner) WriteContract(ctx context.Context, req evm.ContractCallRequest) (common.Hash, error) {
	if req.FunctionName == "transferFrom" {
		f.transferFromCalls = append(f.transferFromCalls, req.Args[2].(*big.Int))
	}
	return common.HexToHash("0xabc"), nil
}

func (f *fakeSigner) WaitForTransactionReceipt(ctx context.Context, hash common.Hash) (evm.TransactionReceipt, error) {
	if f.receiptErr != nil {
		return evm.TransactionReceipt{}, f.receiptErr
	}
	return evm.TransactionReceipt{Hash: hash, Status: evm.ReceiptSuccess, BlockNumber: 1}, nil
}

// scriptedSigner wraps fakeSigner to give permit and transferFrom distinct
// receipt outcomes, since both go through WriteContract/WaitForTransactionReceipt.
type scriptedSigner struct {
	fakeSigner
	permitReceiptStatus evm.ReceiptStatus
}

func (s *scriptedSigner) WriteContract(ctx context.Context, req evm.ContractCallRequest) (common.Hash, error) {
	if req.FunctionName == "permit" {
		return common.HexToHash("0xpermit"), nil
	}
	return s.fakeSigner.WriteContract(ctx, req)
}

func (s *scriptedSigner) WaitForTransactionReceipt(ctx context.Context, hash common.Hash) (evm.TransactionReceipt, error) {
	if hash == common.HexToHash("0xpermit") {
		return evm.TransactionReceipt{Hash: hash, Status: s.permitReceiptStatus, BlockNumber: 1}, nil
	}
	return s.fakeSigner.WaitForTransactionReceipt(ctx, hash)
}

func buildPayload(from, to, value, validBefore, nonce, sig string) x402.PaymentPayload {
	inner := x402.UptoEVMPayload{
		Authorization: x402.UptoAuthorization{From: from, To: to, Value: value, ValidBefore: validBefore, Nonce: nonce},
		Signature:     sig,
	}
	raw, _ := json.Marshal(inner)
	return x402.PaymentPayload{
		X402Version: 1,
		Accepted:    x402.PaymentRequirements{Scheme: "upto", Network: "eip155:8453"},
		Payload:     raw,
	}
}

func buildRequirements(amount string, extra map[string]any) x402.PaymentRequirements {
	if extra == nil {
		extra = map[string]any{"name": "USD Coin", "version": "2"}
	}
	return x402.PaymentRequirements{
		Scheme: "upto", Network: "eip155:8453", Asset: assetAddr, PayTo: payToAddr,
		Amount: amount, MaxTimeoutSeconds: 3600, Extra: extra,
	}
}

func newHandler(t *testing.T, signer evm.SignerPort) *Handler {
	t.Helper()
	h, err := NewHandler(context.Background(), map[x402.Network]evm.SignerPort{"eip155:8453": signer}, map[x402.Network]map[string]any{
		"eip155:8453": {"name": "USD Coin", "version": "2"},
	})
	if err != nil {
		t.Fatalf("NewHandler: %v", err)
	}
	return h
}

func futureTimestamp(d time.Duration) string {
	return big.NewInt(time.Now().Add(d).Unix()).String()
}

func TestVerifyHappyPath(t *testing.T) {
	signer := &fakeSigner{addresses: []common.Address{common.HexToAddress(payToAddr)}, verifyResult: true}
	h := newHandler(t, signer)

	payload := buildPayload(ownerAddr, payToAddr, "1000000", futureTimestamp(time.Hour), "0", validSig())
	requirements := buildRequirements("250000", nil)

	resp, err := h.Verify(context.Background(), payload, requirements)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !resp.IsValid || resp.Payer != common.HexToAddress(ownerAddr).Hex() {
		t.Fatalf("expected valid verify with payer=%s, got %+v", ownerAddr, resp)
	}
}

func TestVerifyRecipientMismatch(t *testing.T) {
	signer := &fakeSigner{verifyResult: true}
	h := newHandler(t, signer)

	payload := buildPayload(ownerAddr, otherAddr, "1000000", futureTimestamp(time.Hour), "0", validSig())
	requirements := buildRequirements("250000", nil)

	resp, err := h.Verify(context.Background(), payload, requirements)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.IsValid || resp.InvalidReason != string(x402.ReasonRecipientMismatch) {
		t.Fatalf("expected recipient_mismatch, got %+v", resp)
	}
	if resp.Payer != common.HexToAddress(ownerAddr).Hex() {
		t.Fatalf("expected best-effort payer on failure, got %q", resp.Payer)
	}
}

func TestVerifyCapTooLow(t *testing.T) {
	signer := &fakeSigner{verifyResult: true}
	h := newHandler(t, signer)

	payload := buildPayload(ownerAddr, payToAddr, "249999", futureTimestamp(time.Hour), "0", validSig())
	requirements := buildRequirements("250000", nil)

	resp, _ := h.Verify(context.Background(), payload, requirements)
	if resp.IsValid || resp.InvalidReason != string(x402.ReasonCapTooLow) {
		t.Fatalf("expected cap_too_low, got %+v", resp)
	}
}

func TestVerifyCapEqualToAmountPasses(t *testing.T) {
	signer := &fakeSigner{verifyResult: true}
	h := newHandler(t, signer)

	payload := buildPayload(ownerAddr, payToAddr, "250000", futureTimestamp(time.Hour), "0", validSig())
	requirements := buildRequirements("250000", nil)

	resp, _ := h.Verify(context.Background(), payload, requirements)
	if !resp.IsValid {
		t.Fatalf("expected cap==amount to pass, got %+v", resp)
	}
}

func TestVerifyAuthorizationExpiredBoundary(t *testing.T) {
	signer := &fakeSigner{verifyResult: true}
	h := newHandler(t, signer)
	requirements := buildRequirements("250000", nil)

	expired := buildPayload(ownerAddr, payToAddr, "1000000", futureTimestamp(5*time.Second), "0", validSig())
	resp, _ := h.Verify(context.Background(), expired, requirements)
	if resp.IsValid || resp.InvalidReason != string(x402.ReasonAuthorizationExpired) {
		t.Fatalf("expected authorization_expired at now+5s, got %+v", resp)
	}

	valid := buildPayload(ownerAddr, payToAddr, "1000000", futureTimestamp(7*time.Second), "0", validSig())
	resp, _ = h.Verify(context.Background(), valid, requirements)
	if !resp.IsValid {
		t.Fatalf("expected now+7s to pass, got %+v", resp)
	}
}

func TestVerifyMissingEIP712Domain(t *testing.T) {
	signer := &fakeSigner{verifyResult: true}
	h := newHandler(t, signer)

	payload := buildPayload(ownerAddr, payToAddr, "1000000", futureTimestamp(time.Hour), "0", validSig())
	requirements := buildRequirements("250000", map[string]any{})

	resp, _ := h.Verify(context.Background(), payload, requirements)
	if resp.IsValid || resp.InvalidReason != string(x402.ReasonMissingEIP712Domain) {
		t.Fatalf("expected missing_eip712_domain, got %+v", resp)
	}
}

func TestVerifyUnsupportedScheme(t *testing.T) {
	signer := &fakeSigner{verifyResult: true}
	h := newHandler(t, signer)

	payload := buildPayload(ownerAddr, payToAddr, "1000000", futureTimestamp(time.Hour), "0", validSig())
	payload.Accepted.Scheme = "exact"
	requirements := buildRequirements("250000", nil)

	resp, _ := h.Verify(context.Background(), payload, requirements)
	if resp.IsValid || resp.InvalidReason != string(x402.ReasonUnsupportedScheme) {
		t.Fatalf("expected unsupported_scheme, got %+v", resp)
	}
}

func TestSettleHappyPath(t *testing.T) {
	signer := &scriptedSigner{
		fakeSigner:          fakeSigner{verifyResult: true},
		permitReceiptStatus: evm.ReceiptSuccess,
	}
	h := newHandler(t, signer)

	payload := buildPayload(ownerAddr, payToAddr, "1000000", futureTimestamp(time.Hour), "0", validSig())
	requirements := buildRequirements("250000", nil)

	resp, err := h.Settle(context.Background(), payload, requirements)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !resp.Success || resp.Transaction == "" {
		t.Fatalf("expected successful settle, got %+v", resp)
	}
	if len(signer.transferFromCalls) != 1 || signer.transferFromCalls[0].String() != "250000" {
		t.Fatalf("expected transferFrom(250000), got %v", signer.transferFromCalls)
	}
}

func TestSettlePermitReplayFallsBackToAllowance(t *testing.T) {
	signer := &scriptedSigner{
		fakeSigner: fakeSigner{
			verifyResult:  true,
			allowanceLeft: big.NewInt(750000), // cap 1_000_000 - firstSpent 250_000
		},
		permitReceiptStatus: evm.ReceiptReverted,
	}
	h := newHandler(t, signer)

	payload := buildPayload(ownerAddr, payToAddr, "1000000", futureTimestamp(time.Hour), "0", validSig())
	requirements := buildRequirements("250000", nil)

	resp, err := h.Settle(context.Background(), payload, requirements)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !resp.Success {
		t.Fatalf("expected allowance fallback to succeed, got %+v", resp)
	}
	if len(signer.transferFromCalls) != 1 {
		t.Fatalf("expected transferFrom still called once, got %d", len(signer.transferFromCalls))
	}
}

func TestSettleInsufficientAllowanceAfterPermitFailure(t *testing.T) {
	signer := &scriptedSigner{
		fakeSigner: fakeSigner{
			verifyResult:  true,
			allowanceLeft: big.NewInt(100000),
		},
		permitReceiptStatus: evm.ReceiptReverted,
	}
	h := newHandler(t, signer)

	payload := buildPayload(ownerAddr, payToAddr, "1000000", futureTimestamp(time.Hour), "0", validSig())
	requirements := buildRequirements("250000", nil)

	resp, err := h.Settle(context.Background(), payload, requirements)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Success || resp.ErrorReason != string(x402.ReasonInsufficientAllowance) {
		t.Fatalf("expected insufficient_allowance, got %+v", resp)
	}
}

func TestSettleTransactionFailure(t *testing.T) {
	signer := &scriptedSigner{
		fakeSigner: fakeSigner{
			verifyResult: true,
			receiptErr:   context.DeadlineExceeded,
		},
		permitReceiptStatus: evm.ReceiptSuccess,
	}
	h := newHandler(t, signer)

	payload := buildPayload(ownerAddr, payToAddr, "1000000", futureTimestamp(time.Hour), "0", validSig())
	requirements := buildRequirements("250000", nil)

	resp, err := h.Settle(context.Background(), payload, requirements)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Success || resp.ErrorReason != string(x402.ReasonTransactionFailed) {
		t.Fatalf("expected transaction_failed, got %+v", resp)
	}
}

func TestGetSupportedAndSigners(t *testing.T) {
	signer := &fakeSigner{addresses: []common.Address{common.HexToAddress(payToAddr)}}
	h := newHandler(t, signer)

	if h.Scheme() != "upto" {
		t.Fatalf("expected scheme upto, got %q", h.Scheme())
	}
	if h.CaipFamily() != "eip155:*" {
		t.Fatalf("expected eip155:* family, got %q", h.CaipFamily())
	}
	signers := h.GetSigners("eip155:8453")
	if len(signers) != 1 || signers[0] != common.HexToAddress(payToAddr).Hex() {
		t.Fatalf("expected one signer address, got %v", signers)
	}
	extra := h.GetExtra("eip155:8453")
	if extra["name"] != "USD Coin" {
		t.Fatalf("expected extra name USD Coin, got %v", extra)
	}
}
