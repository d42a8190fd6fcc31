package exactsvm

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/token"

	x402 "github.com/shoalpay/x402-facilitator"
)

// fakeBroadcaster is a scriptable Broadcaster double.
type fakeBroadcaster struct {
	feePayer solana.PublicKey

	submitErr  error
	confirmOK  bool
	confirmErr error
	submitted  *solana.Transaction
}

func (f *fakeBroadcaster) FeePayer() solana.PublicKey { return f.feePayer }

func (f *fakeBroadcaster) SignAndSubmit(ctx context.Context, tx *solana.Transaction) (solana.Signature, error) {
	if f.submitErr != nil {
		return solana.Signature{}, f.submitErr
	}
	f.submitted = tx
	return solana.Signature{1, 2, 3}, nil
}

func (f *fakeBroadcaster) ConfirmTransaction(ctx context.Context, sig solana.Signature) (bool, error) {
	if f.confirmErr != nil {
		return false, f.confirmErr
	}
	return f.confirmOK, nil
}

// buildTransferCheckedTx builds a partially-signed transaction moving amount
// of mint from owner to the associated token account derived from (payTo,
// mint), mirroring the teacher's BuildPartiallySignedTransfer.
func buildTransferCheckedTx(t *testing.T, owner solana.PrivateKey, mint, payTo solana.PublicKey, amount uint64, feePayer solana.PublicKey) *solana.Transaction {
	t.Helper()
	ownerPub := owner.PublicKey()

	sourceATA, _, err := solana.FindAssociatedTokenAddress(ownerPub, mint)
	if err != nil {
		t.Fatalf("source ATA: %v", err)
	}
	destATA, _, err := solana.FindAssociatedTokenAddress(payTo, mint)
	if err != nil {
		t.Fatalf("dest ATA: %v", err)
	}

	transferInst := token.NewTransferCheckedInstructionBuilder().
		SetAmount(amount).
		SetDecimals(6).
		SetSourceAccount(sourceATA).
		SetMintAccount(mint).
		SetDestinationAccount(destATA).
		SetOwnerAccount(ownerPub).
		Build()

	tx, err := solana.NewTransaction([]solana.Instruction{transferInst}, solana.Hash{1}, solana.TransactionPayer(feePayer))
	if err != nil {
		t.Fatalf("build tx: %v", err)
	}

	_, err = tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
		if key.Equals(ownerPub) {
			return &owner
		}
		return nil
	})
	if err != nil {
		t.Fatalf("partial sign: %v", err)
	}
	return tx
}

func buildPayload(tx *solana.Transaction) x402.PaymentPayload {
	txBytes, err := tx.MarshalBinary()
	if err != nil {
		panic(err)
	}
	inner := x402.ExactSVMPayload{Transaction: base64.StdEncoding.EncodeToString(txBytes)}
	raw, _ := json.Marshal(inner)
	return x402.PaymentPayload{
		X402Version: 1,
		Accepted:    x402.PaymentRequirements{Scheme: "exact", Network: "solana:mainnet"},
		Payload:     raw,
	}
}

func buildRequirements(mint, payTo solana.PublicKey, amount string) x402.PaymentRequirements {
	return x402.PaymentRequirements{
		Scheme: "exact", Network: "solana:mainnet", Asset: mint.String(), PayTo: payTo.String(),
		Amount: amount, MaxTimeoutSeconds: 120,
	}
}

func newTestSetup(t *testing.T) (owner solana.PrivateKey, mint, payTo solana.PublicKey, feePayer *fakeBroadcaster, h *Handler) {
	t.Helper()
	var err error
	owner, err = solana.NewRandomPrivateKey()
	if err != nil {
		t.Fatalf("owner key: %v", err)
	}
	mintKey, err := solana.NewRandomPrivateKey()
	if err != nil {
		t.Fatalf("mint key: %v", err)
	}
	payToKey, err := solana.NewRandomPrivateKey()
	if err != nil {
		t.Fatalf("payTo key: %v", err)
	}
	feePayerKey, err := solana.NewRandomPrivateKey()
	if err != nil {
		t.Fatalf("fee payer key: %v", err)
	}

	fb := &fakeBroadcaster{feePayer: feePayerKey.PublicKey(), confirmOK: true}
	h = NewHandler(map[x402.Network]Broadcaster{"solana:mainnet": fb}, nil)
	return owner, mintKey.PublicKey(), payToKey.PublicKey(), fb, h
}

func TestVerifyHappyPath(t *testing.T) {
	owner, mint, payTo, fb, h := newTestSetup(t)
	tx := buildTransferCheckedTx(t, owner, mint, payTo, 250000, fb.FeePayer())

	resp, err := h.Verify(context.Background(), buildPayload(tx), buildRequirements(mint, payTo, "250000"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !resp.IsValid || resp.Payer != owner.PublicKey().String() {
		t.Fatalf("expected valid verify with payer=%s, got %+v", owner.PublicKey(), resp)
	}
}

func TestVerifyAmountMismatch(t *testing.T) {
	owner, mint, payTo, fb, h := newTestSetup(t)
	tx := buildTransferCheckedTx(t, owner, mint, payTo, 100000, fb.FeePayer())

	resp, _ := h.Verify(context.Background(), buildPayload(tx), buildRequirements(mint, payTo, "250000"))
	if resp.IsValid || resp.InvalidReason != string(x402.ReasonAmountMismatch) {
		t.Fatalf("expected amount_mismatch, got %+v", resp)
	}
}

func TestVerifyRecipientMismatch(t *testing.T) {
	owner, mint, payTo, fb, h := newTestSetup(t)
	wrongRecipient, err := solana.NewRandomPrivateKey()
	if err != nil {
		t.Fatalf("key: %v", err)
	}
	tx := buildTransferCheckedTx(t, owner, mint, payTo, 250000, fb.FeePayer())

	resp, _ := h.Verify(context.Background(), buildPayload(tx), buildRequirements(mint, wrongRecipient.PublicKey(), "250000"))
	if resp.IsValid || resp.InvalidReason != string(x402.ReasonRecipientMismatch) {
		t.Fatalf("expected recipient_mismatch, got %+v", resp)
	}
}

func TestVerifyUnsupportedScheme(t *testing.T) {
	owner, mint, payTo, fb, h := newTestSetup(t)
	tx := buildTransferCheckedTx(t, owner, mint, payTo, 250000, fb.FeePayer())
	payload := buildPayload(tx)
	payload.Accepted.Scheme = "upto"

	resp, _ := h.Verify(context.Background(), payload, buildRequirements(mint, payTo, "250000"))
	if resp.IsValid || resp.InvalidReason != string(x402.ReasonUnsupportedScheme) {
		t.Fatalf("expected unsupported_scheme, got %+v", resp)
	}
}

func TestSettleHappyPath(t *testing.T) {
	owner, mint, payTo, fb, h := newTestSetup(t)
	tx := buildTransferCheckedTx(t, owner, mint, payTo, 250000, fb.FeePayer())

	resp, err := h.Settle(context.Background(), buildPayload(tx), buildRequirements(mint, payTo, "250000"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !resp.Success || resp.Transaction == "" {
		t.Fatalf("expected successful settle, got %+v", resp)
	}
	if fb.submitted == nil {
		t.Fatal("expected the transaction to reach the broadcaster")
	}
}

func TestSettleSubmitFailure(t *testing.T) {
	owner, mint, payTo, fb, h := newTestSetup(t)
	fb.submitErr = context.DeadlineExceeded
	tx := buildTransferCheckedTx(t, owner, mint, payTo, 250000, fb.FeePayer())

	resp, err := h.Settle(context.Background(), buildPayload(tx), buildRequirements(mint, payTo, "250000"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Success || resp.ErrorReason != string(x402.ReasonTransactionFailed) {
		t.Fatalf("expected transaction_failed, got %+v", resp)
	}
}

func TestSettleConfirmFailure(t *testing.T) {
	owner, mint, payTo, fb, h := newTestSetup(t)
	fb.confirmOK = false
	tx := buildTransferCheckedTx(t, owner, mint, payTo, 250000, fb.FeePayer())

	resp, err := h.Settle(context.Background(), buildPayload(tx), buildRequirements(mint, payTo, "250000"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Success || resp.ErrorReason != string(x402.ReasonInvalidTransactionState) {
		t.Fatalf("expected invalid_transaction_state, got %+v", resp)
	}
}

func TestGetSupportedAndSigners(t *testing.T) {
	_, _, _, fb, h := newTestSetup(t)

	if h.Scheme() != "exact" {
		t.Fatalf("expected scheme exact, got %q", h.Scheme())
	}
	if h.CaipFamily() != "solana:*" {
		t.Fatalf("expected solana:* family, got %q", h.CaipFamily())
	}
	signers := h.GetSigners("solana:mainnet")
	if len(signers) != 1 || signers[0] != fb.FeePayer().String() {
		t.Fatalf("expected one fee-payer signer, got %v", signers)
	}
}
