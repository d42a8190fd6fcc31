package coinbase

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"github.com/shoalpay/x402-facilitator/signers/evm"
)

const testPrivateKeyHex = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

func sampleTypedData() apitypes.TypedData {
	return apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": {
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
				{Name: "verifyingContract", Type: "address"},
			},
			"TransferWithAuthorization": {
				{Name: "from", Type: "address"},
				{Name: "to", Type: "address"},
				{Name: "value", Type: "uint256"},
				{Name: "validAfter", Type: "uint256"},
				{Name: "validBefore", Type: "uint256"},
				{Name: "nonce", Type: "bytes32"},
			},
		},
		PrimaryType: "TransferWithAuthorization",
		Domain: apitypes.TypedDataDomain{
			Name: "USD Coin", Version: "2", ChainId: (*math.HexOrDecimal256)(big.NewInt(8453)), VerifyingContract: "0x444444444444444444444444444444444444444D",
		},
		Message: apitypes.TypedDataMessage{
			"from":        "0x111111111111111111111111111111111111111A",
			"to":          "0x222222222222222222222222222222222222222B",
			"value":       "250000",
			"validAfter":  "0",
			"validBefore": "99999999999",
			"nonce":       "0x00112233445566778899aabbccddeeff00112233445566778899aabbccddeeff",
		},
	}
}

func signTypedData(t *testing.T, privHex string, data apitypes.TypedData) string {
	t.Helper()
	privKey, err := crypto.HexToECDSA(privHex)
	if err != nil {
		t.Fatalf("parse private key: %v", err)
	}

	digest, _, err := apitypes.TypedDataAndHash(data)
	if err != nil {
		t.Fatalf("hash typed data: %v", err)
	}

	sig, err := crypto.Sign(digest, privKey)
	if err != nil {
		t.Fatalf("sign digest: %v", err)
	}
	sig[64] += 27
	return "0x" + common.Bytes2Hex(sig)
}

func TestVerifyTypedDataAcceptsValidSignature(t *testing.T) {
	privKey, err := crypto.HexToECDSA(testPrivateKeyHex)
	if err != nil {
		t.Fatalf("parse private key: %v", err)
	}
	signerAddr := crypto.PubkeyToAddress(privKey.PublicKey)

	data := sampleTypedData()
	sig := signTypedData(t, testPrivateKeyHex, data)

	s := &Signer{}
	ok, err := s.VerifyTypedData(context.Background(), evm.TypedDataVerifyRequest{
		Address:     signerAddr,
		Domain:      data.Domain,
		Types:       data.Types,
		PrimaryType: data.PrimaryType,
		Message:     data.Message,
		Signature:   sig,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Fatal("expected signature to verify against the signing key's address")
	}
}

func TestVerifyTypedDataRejectsWrongAddress(t *testing.T) {
	data := sampleTypedData()
	sig := signTypedData(t, testPrivateKeyHex, data)

	s := &Signer{}
	ok, err := s.VerifyTypedData(context.Background(), evm.TypedDataVerifyRequest{
		Address:     common.HexToAddress("0x999999999999999999999999999999999999999F"),
		Domain:      data.Domain,
		Types:       data.Types,
		PrimaryType: data.PrimaryType,
		Message:     data.Message,
		Signature:   sig,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatal("expected signature not to verify against an unrelated address")
	}
}

func TestVerifyTypedDataRejectsMalformedSignature(t *testing.T) {
	data := sampleTypedData()

	s := &Signer{}
	_, err := s.VerifyTypedData(context.Background(), evm.TypedDataVerifyRequest{
		Address:     common.HexToAddress("0x111111111111111111111111111111111111111A"),
		Domain:      data.Domain,
		Types:       data.Types,
		PrimaryType: data.PrimaryType,
		Message:     data.Message,
		Signature:   "0xnotasignature",
	})
	if err == nil {
		t.Fatal("expected an error for a malformed signature")
	}
}
