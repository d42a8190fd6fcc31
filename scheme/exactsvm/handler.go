// Package exactsvm implements a minimal "exact" payment scheme handler for
// solana:* networks: verification decodes the client's partially-signed SPL
// token transfer and checks it moves exactly requirements.Amount of
// requirements.Asset to requirements.PayTo; settlement adds the
// facilitator's fee-payer signature and submits it via Broadcaster. This
// exists mainly to give the registry a second CAIP family to route, not to
// be a complete Solana facilitator.
package exactsvm

import (
	"context"
	"encoding/json"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/token"

	x402 "github.com/shoalpay/x402-facilitator"
)

// Broadcaster is the facilitator's external Solana collaborator: it owns the
// fee-payer keypair, submits transactions, and waits for confirmation.
type Broadcaster interface {
	// FeePayer returns the address this broadcaster pays transaction fees
	// from and co-signs every submitted transaction with.
	FeePayer() solana.PublicKey

	// SignAndSubmit adds the broadcaster's fee-payer signature to tx (fetching
	// a recent blockhash as needed) and submits it, returning the signature.
	SignAndSubmit(ctx context.Context, tx *solana.Transaction) (solana.Signature, error)

	// ConfirmTransaction blocks until sig reaches a final state and reports
	// whether it succeeded.
	ConfirmTransaction(ctx context.Context, sig solana.Signature) (bool, error)
}

// Handler implements facilitator.SchemeHandler for scheme="exact" on
// solana:* networks, backed by one Broadcaster per network.
type Handler struct {
	broadcasters map[x402.Network]Broadcaster
	extra        map[x402.Network]map[string]any
}

// NewHandler builds a Handler from a broadcaster per supported network.
func NewHandler(broadcasters map[x402.Network]Broadcaster, extra map[x402.Network]map[string]any) *Handler {
	return &Handler{broadcasters: broadcasters, extra: extra}
}

// Scheme implements facilitator.SchemeHandler.
func (h *Handler) Scheme() string { return "exact" }

// CaipFamily implements facilitator.SchemeHandler.
func (h *Handler) CaipFamily() x402.FamilyPattern { return "solana:*" }

// GetExtra implements facilitator.SchemeHandler.
func (h *Handler) GetExtra(network x402.Network) map[string]any { return h.extra[network] }

// GetSigners implements facilitator.SchemeHandler.
func (h *Handler) GetSigners(network x402.Network) []string {
	b, ok := h.broadcasters[network]
	if !ok {
		return nil
	}
	return []string{b.FeePayer().String()}
}

// decoded is the parsed state checkPayload produces from a payment's
// partially-signed transaction.
type decoded struct {
	tx    *solana.Transaction
	owner solana.PublicKey
}

// Verify implements facilitator.SchemeHandler: decodes the client's
// transaction, locates its SPL token transfer instruction, and checks it
// matches requirements exactly. The client's own signature over the
// transaction is checked as part of decoding; the facilitator's fee-payer
// signature is deliberately absent until Settle.
func (h *Handler) Verify(ctx context.Context, payload x402.PaymentPayload, requirements x402.PaymentRequirements) (x402.VerifyResponse, error) {
	d, owner, fail := h.checkPayload(payload, requirements)
	if fail != "" {
		resp := x402.VerifyResponse{IsValid: false, InvalidReason: fail}
		if owner != "" {
			resp.Payer = owner
		}
		return resp, nil
	}
	return x402.VerifyResponse{IsValid: true, Payer: d.owner.String()}, nil
}

// checkPayload decodes and validates the transaction without touching the
// network. owner is returned best-effort (as a base58 string) even on
// failure, once it can be determined.
func (h *Handler) checkPayload(payload x402.PaymentPayload, requirements x402.PaymentRequirements) (decoded, string, string) {
	if payload.Accepted.Scheme != "exact" || requirements.Scheme != "exact" {
		return decoded{}, "", string(x402.ReasonUnsupportedScheme)
	}
	if payload.Accepted.Network != requirements.Network {
		return decoded{}, "", string(x402.ReasonNetworkMismatch)
	}

	var inner x402.ExactSVMPayload
	if err := json.Unmarshal(payload.Payload, &inner); err != nil || inner.Transaction == "" {
		return decoded{}, "", string(x402.ReasonInvalidExactSVMPayload)
	}

	tx, err := solana.TransactionFromBase64(inner.Transaction)
	if err != nil {
		return decoded{}, "", string(x402.ReasonInvalidExactSVMPayload)
	}

	mint, err := solana.PublicKeyFromBase58(requirements.Asset)
	if err != nil {
		return decoded{}, "", string(x402.ReasonInvalidExactSVMPayload)
	}

	payTo, err := solana.PublicKeyFromBase58(requirements.PayTo)
	if err != nil {
		return decoded{}, "", string(x402.ReasonInvalidExactSVMPayload)
	}

	owner, destATA, amount, found := findTokenTransfer(tx)
	if !found {
		return decoded{}, "", string(x402.ReasonInvalidExactSVMPayload)
	}
	ownerStr := owner.String()

	expectedDestATA, _, err := solana.FindAssociatedTokenAddress(payTo, mint)
	if err != nil || !destATA.Equals(expectedDestATA) {
		return decoded{}, ownerStr, string(x402.ReasonRecipientMismatch)
	}

	required := x402.ParseAmountSaturating(requirements.Amount)
	if required.Uint64() != amount {
		return decoded{}, ownerStr, string(x402.ReasonAmountMismatch)
	}

	if err := tx.VerifySignatures(); err != nil {
		return decoded{}, ownerStr, string(x402.ReasonInvalidTransferSignature)
	}

	return decoded{tx: tx, owner: owner}, ownerStr, ""
}

// findTokenTransfer scans tx for an SPL token Transfer or TransferChecked
// instruction and returns its owner (payer), destination associated token
// account, and amount. Grounded on the teacher's getPayerWithSolana helper.
func findTokenTransfer(tx *solana.Transaction) (owner, destATA solana.PublicKey, amount uint64, found bool) {
	for _, inst := range tx.Message.Instructions {
		prog, err := tx.Message.ResolveProgramIDIndex(inst.ProgramIDIndex)
		if err != nil || !prog.Equals(solana.TokenProgramID) {
			continue
		}
		accounts, err := inst.ResolveInstructionAccounts(&tx.Message)
		if err != nil {
			continue
		}
		ix, err := token.DecodeInstruction(accounts, inst.Data)
		if err != nil {
			continue
		}
		switch t := ix.Impl.(type) {
		case *token.Transfer:
			return t.GetOwnerAccount().PublicKey, t.GetDestinationAccount().PublicKey, *t.Amount, true
		case *token.TransferChecked:
			return t.GetOwnerAccount().PublicKey, t.GetToAccount().PublicKey, *t.Amount, true
		}
	}
	return solana.PublicKey{}, solana.PublicKey{}, 0, false
}

// Settle implements facilitator.SchemeHandler: re-verifies, then adds the
// broadcaster's fee-payer signature and submits.
func (h *Handler) Settle(ctx context.Context, payload x402.PaymentPayload, requirements x402.PaymentRequirements) (x402.SettleResponse, error) {
	verifyResp, err := h.Verify(ctx, payload, requirements)
	if err != nil {
		return x402.SettleResponse{Success: false, ErrorReason: string(x402.ReasonVerificationError), Network: requirements.Network}, nil
	}
	if !verifyResp.IsValid {
		reason := verifyResp.InvalidReason
		if reason == "" {
			reason = string(x402.ReasonInvalidExactSVMPayload)
		}
		return x402.SettleResponse{Success: false, ErrorReason: reason, Network: requirements.Network, Payer: verifyResp.Payer}, nil
	}

	d, owner, fail := h.checkPayload(payload, requirements)
	if fail != "" {
		return x402.SettleResponse{Success: false, ErrorReason: fail, Network: requirements.Network, Payer: owner}, nil
	}

	broadcaster, ok := h.broadcasters[requirements.Network]
	if !ok {
		return x402.SettleResponse{Success: false, ErrorReason: string(x402.ReasonUnsupportedSchemeNetwork), Network: requirements.Network, Payer: owner}, nil
	}

	sig, err := broadcaster.SignAndSubmit(ctx, d.tx)
	if err != nil {
		return x402.SettleResponse{Success: false, ErrorReason: string(x402.ReasonTransactionFailed), Network: requirements.Network, Payer: owner}, nil
	}

	ok2, err := broadcaster.ConfirmTransaction(ctx, sig)
	if err != nil {
		return x402.SettleResponse{Success: false, ErrorReason: string(x402.ReasonTransactionFailed), Transaction: sig.String(), Network: requirements.Network, Payer: owner}, nil
	}
	if !ok2 {
		return x402.SettleResponse{Success: false, ErrorReason: string(x402.ReasonInvalidTransactionState), Transaction: sig.String(), Network: requirements.Network, Payer: owner}, nil
	}

	return x402.SettleResponse{Success: true, Transaction: sig.String(), Network: requirements.Network, Payer: owner}, nil
}
