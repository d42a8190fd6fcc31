// Package exactevm implements the "exact" payment scheme on eip155 networks:
// a single EIP-3009 transferWithAuthorization moves exactly
// requirements.Amount in one on-chain call, with no cap, no session, and no
// batching — the one-shot counterpart to the "upto" scheme in scheme/uptoevm.
package exactevm

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

// authorizationExpiryBuffer mirrors scheme/uptoevm's buffer: an authorization
// that expires within this window of "now" is treated as already expired, giving
// settlement enough headroom to land before validBefore passes on-chain.
const authorizationExpiryBuffer = 6 * time.Second

// Handler implements facilitator.SchemeHandler for scheme="exact" on eip155
// networks, backed by one evm.SignerPort per network.
type Handler struct {
	signers map[x402.Network]evm.SignerPort
	extra   map[x402.Network]map[string]any
	addrs   map[x402.Network][]string
}

// NewHandler builds a Handler from a signer per supported network, fetching
// each signer's addresses once up front.
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
func (h *Handler) Scheme() string { return "exact" }

// CaipFamily implements facilitator.SchemeHandler.
func (h *Handler) CaipFamily() x402.FamilyPattern { return "eip155:*" }

// GetExtra implements facilitator.SchemeHandler.
func (h *Handler) GetExtra(network x402.Network) map[string]any { return h.extra[network] }

// GetSigners implements facilitator.SchemeHandler.
func (h *Handler) GetSigners(network x402.Network) []string { return h.addrs[network] }

// verified is the parsed, signature-unchecked state checkPayload produces.
type verified struct {
	from      common.Address
	to        common.Address
	value     *big.Int
	validAfter *big.Int
	validBefore *big.Int
	nonce     [32]byte
	tokenName string
	tokenVer  string
	chainID   int64
	sig       string
	assetAddr common.Address
}

// Verify implements facilitator.SchemeHandler: every non-signature check
// runs in checkPayload, then the EIP-712 TransferWithAuthorization signature
// is recovered against the claimed payer.
func (h *Handler) Verify(ctx context.Context, payload x402.PaymentPayload, requirements x402.PaymentRequirements) (x402.VerifyResponse, error) {
	v, from, fail := h.checkPayload(payload, requirements)
	if fail != "" {
		resp := x402.VerifyResponse{IsValid: false, InvalidReason: fail}
		if from != (common.Address{}) {
			resp.Payer = from.Hex()
		}
		return resp, nil
	}

	signer, ok := h.signers[requirements.Network]
	if !ok {
		return x402.VerifyResponse{IsValid: false, InvalidReason: string(x402.ReasonUnsupportedSchemeNetwork), Payer: v.from.Hex()}, nil
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
		"TransferWithAuthorization": []apitypes.Type{
			{Name: "from", Type: "address"},
			{Name: "to", Type: "address"},
			{Name: "value", Type: "uint256"},
			{Name: "validAfter", Type: "uint256"},
			{Name: "validBefore", Type: "uint256"},
			{Name: "nonce", Type: "bytes32"},
		},
	}
	message := apitypes.TypedDataMessage{
		"from":        v.from.Hex(),
		"to":          v.to.Hex(),
		"value":       (*math.HexOrDecimal256)(v.value),
		"validAfter":  (*math.HexOrDecimal256)(v.validAfter),
		"validBefore": (*math.HexOrDecimal256)(v.validBefore),
		"nonce":       "0x" + common.Bytes2Hex(v.nonce[:]),
	}

	valid, err := signer.VerifyTypedData(ctx, evm.TypedDataVerifyRequest{
		Address: v.from, Domain: domain, Types: types, PrimaryType: "TransferWithAuthorization",
		Message: message, Signature: v.sig,
	})
	if err != nil || !valid {
		return x402.VerifyResponse{IsValid: false, InvalidReason: string(x402.ReasonInvalidTransferSignature), Payer: v.from.Hex()}, nil
	}

	return x402.VerifyResponse{IsValid: true, Payer: v.from.Hex()}, nil
}

// checkPayload runs every verify step that doesn't require the signer port.
// from is returned best-effort even on failure.
func (h *Handler) checkPayload(payload x402.PaymentPayload, requirements x402.PaymentRequirements) (verified, common.Address, string) {
	if payload.Accepted.Scheme != "exact" || requirements.Scheme != "exact" {
		return verified{}, common.Address{}, string(x402.ReasonUnsupportedScheme)
	}

	var inner x402.ExactEVMPayload
	if err := json.Unmarshal(payload.Payload, &inner); err != nil || inner.Signature == "" {
		return verified{}, common.Address{}, string(x402.ReasonInvalidExactEVMPayload)
	}
	auth := inner.Authorization

	if auth.From == "" || auth.To == "" || auth.Nonce == "" || auth.Value == "" || auth.ValidAfter == "" || auth.ValidBefore == "" {
		return verified{}, common.Address{}, string(x402.ReasonInvalidExactEVMPayload)
	}
	if !common.IsHexAddress(auth.From) {
		return verified{}, common.Address{}, string(x402.ReasonInvalidExactEVMPayload)
	}
	from := common.HexToAddress(auth.From)

	if payload.Accepted.Network != requirements.Network {
		return verified{}, from, string(x402.ReasonNetworkMismatch)
	}

	tokenName, _ := requirements.Extra["name"].(string)
	tokenVersion, _ := requirements.Extra["version"].(string)
	if tokenName == "" || tokenVersion == "" {
		return verified{}, from, string(x402.ReasonMissingEIP712Domain)
	}

	if !common.IsHexAddress(auth.To) {
		return verified{}, from, string(x402.ReasonInvalidExactEVMPayload)
	}
	to := common.HexToAddress(auth.To)
	if !common.IsHexAddress(requirements.PayTo) || to != common.HexToAddress(requirements.PayTo) {
		return verified{}, from, string(x402.ReasonRecipientMismatch)
	}

	value := x402.ParseAmountSaturating(auth.Value)
	amount := x402.ParseAmountSaturating(requirements.Amount)
	if value.Cmp(amount) != 0 {
		return verified{}, from, string(x402.ReasonAmountMismatch)
	}

	now := time.Now()
	validAfterUnix := x402.ParseAmountSaturating(auth.ValidAfter)
	if now.Before(time.Unix(validAfterUnix.Int64(), 0)) {
		return verified{}, from, string(x402.ReasonAuthorizationNotYetValid)
	}
	validBeforeUnix := x402.ParseAmountSaturating(auth.ValidBefore)
	if time.Unix(validBeforeUnix.Int64(), 0).Before(now.Add(authorizationExpiryBuffer)) {
		return verified{}, from, string(x402.ReasonAuthorizationExpired)
	}

	chainID, err := x402.EIP155ChainID(requirements.Network)
	if err != nil {
		return verified{}, from, string(x402.ReasonInvalidChainID)
	}

	if !common.IsHexAddress(requirements.Asset) {
		return verified{}, from, string(x402.ReasonInvalidExactEVMPayload)
	}

	nonceBytes := common.FromHex(auth.Nonce)
	if len(nonceBytes) != 32 {
		return verified{}, from, string(x402.ReasonInvalidExactEVMPayload)
	}
	var nonce [32]byte
	copy(nonce[:], nonceBytes)

	return verified{
		from: from, to: to, value: value,
		validAfter: validAfterUnix, validBefore: validBeforeUnix, nonce: nonce,
		tokenName: tokenName, tokenVer: tokenVersion, chainID: chainID,
		sig: inner.Signature, assetAddr: common.HexToAddress(requirements.Asset),
	}, from, ""
}

// Settle implements facilitator.SchemeHandler: re-verifies, then submits
// transferWithAuthorization directly. There is no allowance fallback — a
// reverted or already-consumed authorization is a hard settlement failure.
func (h *Handler) Settle(ctx context.Context, payload x402.PaymentPayload, requirements x402.PaymentRequirements) (x402.SettleResponse, error) {
	verifyResp, err := h.Verify(ctx, payload, requirements)
	if err != nil {
		return x402.SettleResponse{Success: false, ErrorReason: string(x402.ReasonVerificationError), Network: requirements.Network}, nil
	}
	if !verifyResp.IsValid {
		reason := verifyResp.InvalidReason
		if reason == "" {
			reason = string(x402.ReasonInvalidExactEVMPayload)
		}
		return x402.SettleResponse{Success: false, ErrorReason: reason, Network: requirements.Network, Payer: verifyResp.Payer}, nil
	}

	v, from, fail := h.checkPayload(payload, requirements)
	if fail != "" {
		return x402.SettleResponse{Success: false, ErrorReason: fail, Network: requirements.Network, Payer: addrOrEmpty(from)}, nil
	}

	signer, ok := h.signers[requirements.Network]
	if !ok {
		return x402.SettleResponse{Success: false, ErrorReason: string(x402.ReasonUnsupportedSchemeNetwork), Network: requirements.Network, Payer: v.from.Hex()}, nil
	}

	r, s, vByte, sigErr := splitSignature(v.sig)
	if sigErr != nil {
		return x402.SettleResponse{Success: false, ErrorReason: string(x402.ReasonUnsupportedSignatureType), Network: requirements.Network, Payer: v.from.Hex()}, nil
	}

	txHash, err := signer.WriteContract(ctx, evm.ContractCallRequest{
		Address: v.assetAddr, ABI: transferAuthABI, FunctionName: "transferWithAuthorization",
		Args: []interface{}{v.from, v.to, v.value, v.validAfter, v.validBefore, v.nonce, vByte, r, s},
	})
	if err != nil {
		return x402.SettleResponse{Success: false, ErrorReason: string(x402.ReasonTransactionFailed), Network: requirements.Network, Payer: v.from.Hex()}, nil
	}

	receipt, err := signer.WaitForTransactionReceipt(ctx, txHash)
	if err != nil {
		return x402.SettleResponse{Success: false, ErrorReason: string(x402.ReasonTransactionFailed), Network: requirements.Network, Payer: v.from.Hex()}, nil
	}
	if receipt.Status != evm.ReceiptSuccess {
		return x402.SettleResponse{
			Success: false, ErrorReason: string(x402.ReasonInvalidTransactionState),
			Transaction: txHash.Hex(), Network: requirements.Network, Payer: v.from.Hex(),
		}, nil
	}

	return x402.SettleResponse{
		Success: true, Transaction: txHash.Hex(), Network: requirements.Network, Payer: v.from.Hex(),
	}, nil
}

// splitSignature parses a 65-byte hex-encoded ECDSA signature into its
// (r, s, v) components, normalizing v to the Ethereum 27/28 convention.
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
