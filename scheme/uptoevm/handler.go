// Package uptoevm implements the "upto" payment scheme on eip155 networks:
// a single EIP-2612 permit authorizes a spending cap that the facilitator
// draws against over a session of many metered charges, settling the
// accrued total in batches rather than one authorization per charge.
package uptoevm

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	x402 "github.com/shoalpay/x402-facilitator"
	"github.com/shoalpay/x402-facilitator/signers/evm"
)

// authorizationExpiryBuffer is the minimum remaining validity a permit's
// deadline must carry at verify time; see the boundary cases this value
// was pinned against (now+5s fails, now+7s passes).
const authorizationExpiryBuffer = 6 * time.Second

// Handler implements facilitator.SchemeHandler for scheme="upto" on eip155
// networks, backed by one evm.SignerPort per network.
type Handler struct {
	signers map[x402.Network]evm.SignerPort
	extra   map[x402.Network]map[string]any
	addrs   map[x402.Network][]string
}

// NewHandler builds a Handler from a signer per supported network. Signer
// addresses are fetched once at construction time since
// facilitator.SchemeHandler.GetSigners has no context to do so lazily.
func NewHandler(ctx context.Context, signers map[x402.Network]evm.SignerPort, extra map[x402.Network]map[string]any) (*Handler, error) {
	h := &Handler{
		signers: signers,
		extra:   extra,
		addrs:   make(map[x402.Network][]string),
	}
	for network, signer := range signers {
		addresses, err := signer.GetAddresses(ctx)
		if err != nil {
			return nil, fmt.Errorf("fetch signer addresses for %s: %w", network, err)
		}
		for _, addr := range addresses {
			h.addrs[network] = append(h.addrs[network], addr.Hex())
		}
	}
	return h, nil
}

// Scheme implements facilitator.SchemeHandler.
func (h *Handler) Scheme() string { return "upto" }

// CaipFamily implements facilitator.SchemeHandler.
func (h *Handler) CaipFamily() x402.FamilyPattern { return "eip155:*" }

// GetExtra implements facilitator.SchemeHandler.
func (h *Handler) GetExtra(network x402.Network) map[string]any { return h.extra[network] }

// GetSigners implements facilitator.SchemeHandler.
func (h *Handler) GetSigners(network x402.Network) []string { return h.addrs[network] }

// verified is the parsed, still-unsigned-checked state checkPayload
// produces; Verify and Settle each obtain it by running checkPayload.
type verified struct {
	owner       common.Address
	spender     common.Address
	cap         *big.Int
	deadline    *big.Int
	nonce       *big.Int
	tokenName   string
	tokenVer    string
	chainID     int64
	sig         string
	assetAddr   common.Address
}

// Verify implements facilitator.SchemeHandler per the upto verify sequence:
// each step returns on first failure with its tagged reason.
func (h *Handler) Verify(ctx context.Context, payload x402.PaymentPayload, requirements x402.PaymentRequirements) (x402.VerifyResponse, error) {
	v, owner, fail := h.checkPayload(payload, requirements)
	if fail != "" {
		resp := x402.VerifyResponse{IsValid: false, InvalidReason: fail}
		if owner != (common.Address{}) {
			resp.Payer = owner.Hex()
		}
		return resp, nil
	}

	signer, ok := h.signers[requirements.Network]
	if !ok {
		return x402.VerifyResponse{IsValid: false, InvalidReason: string(x402.ReasonUnsupportedSchemeNetwork), Payer: v.owner.Hex()}, nil
	}

	domain := apitypes.TypedDataDomain{
		Name:              v.tokenName,
		Version:           v.tokenVer,
		ChainId:           (*math.HexOrDecimal256)(big.NewInt(v.chainID)),
		VerifyingContract: v.assetAddr.Hex(),
	}
	types := apitypes.Types{
		"EIP712Domain": []apitypes.Type{
			{Name: "name", Type: "string"},
			{Name: "version", Type: "string"},
			{Name: "chainId", Type: "uint256"},
			{Name: "verifyingContract", Type: "address"},
		},
		"Permit": []apitypes.Type{
			{Name: "owner", Type: "address"},
			{Name: "spender", Type: "address"},
			{Name: "value", Type: "uint256"},
			{Name: "nonce", Type: "uint256"},
			{Name: "deadline", Type: "uint256"},
		},
	}
	message := apitypes.TypedDataMessage{
		"owner":    v.owner.Hex(),
		"spender":  v.spender.Hex(),
		"value":    (*math.HexOrDecimal256)(v.cap),
		"nonce":    (*math.HexOrDecimal256)(v.nonce),
		"deadline": (*math.HexOrDecimal256)(v.deadline),
	}

	valid, err := signer.VerifyTypedData(ctx, evm.TypedDataVerifyRequest{
		Address: v.owner, Domain: domain, Types: types, PrimaryType: "Permit",
		Message: message, Signature: v.sig,
	})
	if err != nil || !valid {
		return x402.VerifyResponse{IsValid: false, InvalidReason: string(x402.ReasonInvalidPermitSignature), Payer: v.owner.Hex()}, nil
	}

	return x402.VerifyResponse{IsValid: true, Payer: v.owner.Hex()}, nil
}

// checkPayload runs every verify step that doesn't require the signer port
// (everything but the final EIP-712 signature check), returning the parsed
// fields on success or the tagged failure reason otherwise. owner is
// returned best-effort even on failure, per the payer-is-best-effort
// contract.
func (h *Handler) checkPayload(payload x402.PaymentPayload, requirements x402.PaymentRequirements) (verified, common.Address, string) {
	if payload.Accepted.Scheme != "upto" || requirements.Scheme != "upto" {
		return verified{}, common.Address{}, string(x402.ReasonUnsupportedScheme)
	}

	var inner x402.UptoEVMPayload
	if err := json.Unmarshal(payload.Payload, &inner); err != nil || inner.Signature == "" {
		return verified{}, common.Address{}, string(x402.ReasonInvalidUptoEVMPayload)
	}
	auth := inner.Authorization

	spenderStr := auth.To
	if spenderStr == "" {
		spenderStr = requirements.PayTo
	}
	if auth.From == "" || spenderStr == "" || auth.Nonce == "" || auth.ValidBefore == "" || auth.Value == "" {
		return verified{}, common.Address{}, string(x402.ReasonInvalidUptoEVMPayload)
	}
	if !common.IsHexAddress(auth.From) {
		return verified{}, common.Address{}, string(x402.ReasonInvalidUptoEVMPayload)
	}
	owner := common.HexToAddress(auth.From)

	if payload.Accepted.Network != requirements.Network {
		return verified{}, owner, string(x402.ReasonNetworkMismatch)
	}

	tokenName, _ := requirements.Extra["name"].(string)
	tokenVersion, _ := requirements.Extra["version"].(string)
	if tokenName == "" || tokenVersion == "" {
		return verified{}, owner, string(x402.ReasonMissingEIP712Domain)
	}

	if !common.IsHexAddress(spenderStr) {
		return verified{}, owner, string(x402.ReasonInvalidUptoEVMPayload)
	}
	spender := common.HexToAddress(spenderStr)
	if !common.IsHexAddress(requirements.PayTo) || spender != common.HexToAddress(requirements.PayTo) {
		return verified{}, owner, string(x402.ReasonRecipientMismatch)
	}

	cap := x402.ParseAmountSaturating(auth.Value)
	amount := x402.ParseAmountSaturating(requirements.Amount)
	if cap.Cmp(amount) < 0 {
		return verified{}, owner, string(x402.ReasonCapTooLow)
	}

	if maxRequired := maxAmountRequired(requirements.Extra); maxRequired != nil {
		if cap.Cmp(maxRequired) < 0 {
			return verified{}, owner, string(x402.ReasonCapBelowRequiredMax)
		}
	}

	deadlineUnix := x402.ParseAmountSaturating(auth.ValidBefore)
	deadline := time.Unix(deadlineUnix.Int64(), 0)
	if deadline.Before(time.Now().Add(authorizationExpiryBuffer)) {
		return verified{}, owner, string(x402.ReasonAuthorizationExpired)
	}

	chainID, err := x402.EIP155ChainID(requirements.Network)
	if err != nil {
		return verified{}, owner, string(x402.ReasonInvalidChainID)
	}

	if !common.IsHexAddress(requirements.Asset) {
		return verified{}, owner, string(x402.ReasonInvalidUptoEVMPayload)
	}

	nonce := x402.ParseAmountSaturating(auth.Nonce)

	return verified{
		owner: owner, spender: spender, cap: cap, deadline: deadlineUnix, nonce: nonce,
		tokenName: tokenName, tokenVer: tokenVersion, chainID: chainID,
		sig: inner.Signature, assetAddr: common.HexToAddress(requirements.Asset),
	}, owner, ""
}

// maxAmountRequired reads extra.maxAmountRequired, falling back to the
// legacy extra.maxAmount key. Returns nil when neither is set.
func maxAmountRequired(extra map[string]any) *big.Int {
	for _, key := range []string{"maxAmountRequired", "maxAmount"} {
		raw, ok := extra[key]
		if !ok {
			continue
		}
		str, ok := raw.(string)
		if !ok {
			continue
		}
		return x402.ParseAmountSaturating(str)
	}
	return nil
}

// Settle implements facilitator.SchemeHandler: re-verifies, attempts permit,
// falls back to an existing allowance if the permit reverts (already
// consumed by a prior settlement), then pulls the settled amount via
// transferFrom.
func (h *Handler) Settle(ctx context.Context, payload x402.PaymentPayload, requirements x402.PaymentRequirements) (x402.SettleResponse, error) {
	verifyResp, err := h.Verify(ctx, payload, requirements)
	if err != nil {
		return x402.SettleResponse{Success: false, ErrorReason: string(x402.ReasonVerificationError), Network: requirements.Network}, nil
	}
	if !verifyResp.IsValid {
		reason := verifyResp.InvalidReason
		if reason == "" {
			reason = string(x402.ReasonInvalidUptoEVMPayload)
		}
		return x402.SettleResponse{Success: false, ErrorReason: reason, Network: requirements.Network, Payer: verifyResp.Payer}, nil
	}

	v, owner, fail := h.checkPayload(payload, requirements)
	if fail != "" {
		// Verify just passed; checkPayload can only disagree if the payload
		// mutated between calls, which the caller controls. Surface it
		// rather than assume a specific shape.
		return x402.SettleResponse{Success: false, ErrorReason: fail, Network: requirements.Network, Payer: addrOrEmpty(owner)}, nil
	}

	signer, ok := h.signers[requirements.Network]
	if !ok {
		return x402.SettleResponse{Success: false, ErrorReason: string(x402.ReasonUnsupportedSchemeNetwork), Network: requirements.Network, Payer: v.owner.Hex()}, nil
	}

	settleAmount := x402.ParseAmountSaturating(requirements.Amount)
	if settleAmount.Cmp(v.cap) > 0 {
		return x402.SettleResponse{Success: false, ErrorReason: string(x402.ReasonTotalExceedsCap), Network: requirements.Network, Payer: v.owner.Hex()}, nil
	}

	r, s, vByte, sigErr := splitSignature(v.sig)
	if sigErr != nil {
		return x402.SettleResponse{Success: false, ErrorReason: string(x402.ReasonUnsupportedSignatureType), Network: requirements.Network, Payer: v.owner.Hex()}, nil
	}

	permitOK := h.attemptPermit(ctx, signer, v, r, s, vByte)
	if !permitOK {
		allowance, err := signer.ReadContract(ctx, evm.ContractCallRequest{
			Address: v.assetAddr, ABI: permitTokenABI, FunctionName: "allowance",
			Args: []interface{}{v.owner, v.spender},
		})
		if err != nil {
			return x402.SettleResponse{Success: false, ErrorReason: string(x402.ReasonPermitFailed), Network: requirements.Network, Payer: v.owner.Hex()}, nil
		}
		if allowance.Cmp(settleAmount) < 0 {
			return x402.SettleResponse{Success: false, ErrorReason: string(x402.ReasonInsufficientAllowance), Network: requirements.Network, Payer: v.owner.Hex()}, nil
		}
	}

	txHash, err := signer.WriteContract(ctx, evm.ContractCallRequest{
		Address: v.assetAddr, ABI: permitTokenABI, FunctionName: "transferFrom",
		Args: []interface{}{v.owner, v.spender, settleAmount},
	})
	if err != nil {
		return x402.SettleResponse{Success: false, ErrorReason: string(x402.ReasonTransactionFailed), Network: requirements.Network, Payer: v.owner.Hex()}, nil
	}

	receipt, err := signer.WaitForTransactionReceipt(ctx, txHash)
	if err != nil {
		return x402.SettleResponse{Success: false, ErrorReason: string(x402.ReasonTransactionFailed), Network: requirements.Network, Payer: v.owner.Hex()}, nil
	}
	if receipt.Status != evm.ReceiptSuccess {
		return x402.SettleResponse{
			Success: false, ErrorReason: string(x402.ReasonInvalidTransactionState),
			Transaction: txHash.Hex(), Network: requirements.Network, Payer: v.owner.Hex(),
		}, nil
	}

	return x402.SettleResponse{
		Success: true, Transaction: txHash.Hex(), Network: requirements.Network, Payer: v.owner.Hex(),
	}, nil
}

// attemptPermit submits the permit call and reports whether it mined
// successfully. A revert (already-consumed nonce, most commonly) is not an
// error for the caller: it triggers the allowance fallback.
func (h *Handler) attemptPermit(ctx context.Context, signer evm.SignerPort, v verified, r, s [32]byte, vByte uint8) bool {
	txHash, err := signer.WriteContract(ctx, evm.ContractCallRequest{
		Address: v.assetAddr, ABI: permitTokenABI, FunctionName: "permit",
		Args: []interface{}{v.owner, v.spender, v.cap, v.deadline, vByte, r, s},
	})
	if err != nil {
		return false
	}
	receipt, err := signer.WaitForTransactionReceipt(ctx, txHash)
	if err != nil {
		return false
	}
	return receipt.Status == evm.ReceiptSuccess
}

// splitSignature parses a 65-byte hex-encoded ECDSA signature into its
// (r, s, v) components, normalizing v to the Ethereum 27/28 convention most
// permit contracts expect.
func splitSignature(sig string) (r, s [32]byte, v uint8, err error) {
	raw := common.FromHex(sig)
	if len(raw) != 65 {
		return r, s, 0, fmt.Errorf("signature must be 65 bytes, got %d", len(raw))
	}
	copy(r[:], raw[0:32])
	copy(s[:], raw[32:64])
	v = raw[64]
	if v < 27 {
		v += 27
	}
	return r, s, v, nil
}

func addrOrEmpty(addr common.Address) string {
	if addr == (common.Address{}) {
		return ""
	}
	return addr.Hex()
}
