package evm

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// LocalSigner is a SignerPort backed by a private key held in process memory,
// submitting transactions directly through an Ethereum JSON-RPC endpoint.
// This is the default signer for single-node, self-custodied deployments; see
// signers/coinbase for the CDP-custodied alternative.
type LocalSigner struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
	client     *ethclient.Client
	chainID    *big.Int
}

// NewLocalSigner builds a LocalSigner from a provisioned private key (see
// keystore.go) and an RPC client for the chain identified by chainID.
func NewLocalSigner(privateKey *ecdsa.PrivateKey, client *ethclient.Client, chainID *big.Int) *LocalSigner {
	return &LocalSigner{
		privateKey: privateKey,
		address:    crypto.PubkeyToAddress(privateKey.PublicKey),
		client:     client,
		chainID:    chainID,
	}
}

// GetAddresses implements SignerPort.
func (s *LocalSigner) GetAddresses(ctx context.Context) ([]common.Address, error) {
	return []common.Address{s.address}, nil
}

// VerifyTypedData implements SignerPort by recovering the signer address from
// an EIP-712 signature and comparing it against req.Address. It does not
// require req.Address to be this signer's own wallet.
func (s *LocalSigner) VerifyTypedData(ctx context.Context, req TypedDataVerifyRequest) (bool, error) {
	typedData := apitypes.TypedData{
		Types:       req.Types,
		PrimaryType: req.PrimaryType,
		Domain:      req.Domain,
		Message:     req.Message,
	}

	digest, _, err := apitypes.TypedDataAndHash(typedData)
	if err != nil {
		return false, fmt.Errorf("hash typed data: %w", err)
	}

	sig := common.FromHex(req.Signature)
	if len(sig) != 65 {
		return false, fmt.Errorf("signature must be 65 bytes, got %d", len(sig))
	}

	// crypto.SigToPub expects the recovery id in the last byte as 0/1.
	normalized := make([]byte, 65)
	copy(normalized, sig)
	if normalized[64] >= 27 {
		normalized[64] -= 27
	}

	pubKey, err := crypto.SigToPub(digest, normalized)
	if err != nil {
		return false, fmt.Errorf("recover signer: %w", err)
	}

	recovered := crypto.PubkeyToAddress(*pubKey)
	return recovered == req.Address, nil
}

// ReadContract implements SignerPort via eth_call, decoding the first return
// value of req.FunctionName as a *big.Int (sufficient for allowance/balance
// style reads the upto-EVM handler needs).
func (s *LocalSigner) ReadContract(ctx context.Context, req ContractCallRequest) (*big.Int, error) {
	data, err := req.ABI.Pack(req.FunctionName, req.Args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", req.FunctionName, err)
	}

	out, err := s.client.CallContract(ctx, ethereum.CallMsg{To: &req.Address, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", req.FunctionName, err)
	}

	values, err := req.ABI.Unpack(req.FunctionName, out)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", req.FunctionName, err)
	}
	if len(values) == 0 {
		return nil, fmt.Errorf("%s returned no values", req.FunctionName)
	}

	result, ok := values[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("%s returned non-integer value", req.FunctionName)
	}
	return result, nil
}

// WriteContract implements SignerPort: packs the call, signs a legacy
// transaction with the signer's own key, and submits it without waiting for
// a receipt.
func (s *LocalSigner) WriteContract(ctx context.Context, req ContractCallRequest) (common.Hash, error) {
	data, err := req.ABI.Pack(req.FunctionName, req.Args...)
	if err != nil {
		return common.Hash{}, fmt.Errorf("pack %s: %w", req.FunctionName, err)
	}

	nonce, err := s.client.PendingNonceAt(ctx, s.address)
	if err != nil {
		return common.Hash{}, fmt.Errorf("fetch nonce: %w", err)
	}

	gasPrice, err := s.client.SuggestGasPrice(ctx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("suggest gas price: %w", err)
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &req.Address,
		Value:    big.NewInt(0),
		Gas:      250_000,
		GasPrice: gasPrice,
		Data:     data,
	})

	signer := types.LatestSignerForChainID(s.chainID)
	signedTx, err := types.SignTx(tx, signer, s.privateKey)
	if err != nil {
		return common.Hash{}, fmt.Errorf("sign transaction: %w", err)
	}

	if err := s.client.SendTransaction(ctx, signedTx); err != nil {
		return common.Hash{}, fmt.Errorf("submit transaction: %w", err)
	}

	return signedTx.Hash(), nil
}

// WaitForTransactionReceipt implements SignerPort by polling until the
// receipt is available or ctx is done.
func (s *LocalSigner) WaitForTransactionReceipt(ctx context.Context, hash common.Hash) (TransactionReceipt, error) {
	return PollTransactionReceipt(ctx, s.client, hash)
}
