// Package evm provides the facilitator-side signer contract for EVM chains
// (SignerPort) plus a keystore helper for provisioning the facilitator's own
// hot-wallet key. It defines the interface scheme handlers depend on and
// LocalSigner, an implementation that signs with an in-process key and
// submits through an ethclient.Client; signers/coinbase holds the
// CDP-backed implementation.
package evm

import (
	"context"
	"math"
	"math/big"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"github.com/shoalpay/x402-facilitator/retry"
)

// ReceiptStatus is the outcome of a mined transaction.
type ReceiptStatus string

const (
	ReceiptSuccess  ReceiptStatus = "success"
	ReceiptReverted ReceiptStatus = "reverted"
)

// ReceiptPollInterval is the delay between successive eth_getTransactionReceipt
// calls while PollTransactionReceipt waits for a transaction to be mined.
var ReceiptPollInterval = 2 * time.Second

// TypedDataVerifyRequest is the input to SignerPort.VerifyTypedData: an
// EIP-712 domain/type/message triple plus the detached signature to check.
type TypedDataVerifyRequest struct {
	Address     common.Address
	Domain      apitypes.TypedDataDomain
	Types       apitypes.Types
	PrimaryType string
	Message     apitypes.TypedDataMessage
	Signature   string
}

// ContractCallRequest is the input to SignerPort.ReadContract and WriteContract.
type ContractCallRequest struct {
	Address      common.Address
	ABI          abi.ABI
	FunctionName string
	Args         []interface{}
}

// TransactionReceipt is the result of SignerPort.WaitForTransactionReceipt.
type TransactionReceipt struct {
	Hash        common.Hash
	Status      ReceiptStatus
	BlockNumber uint64
}

// SignerPort is the facilitator's external chain-signing collaborator: it
// owns the hot wallet, verifies EIP-712 signatures against it, and reads from
// / writes to contracts on the payer's behalf (permit, transferFrom,
// allowance). Implementations are expected to be safe for concurrent use and
// to manage their own nonce sequencing.
type SignerPort interface {
	// GetAddresses returns every address this signer can sign and submit
	// transactions for, in priority order.
	GetAddresses(ctx context.Context) ([]common.Address, error)

	// VerifyTypedData checks an EIP-712 signature over (domain, types,
	// primaryType, message) against req.Address. It never mutates state and
	// never requires req.Address to belong to this signer's own wallet set.
	VerifyTypedData(ctx context.Context, req TypedDataVerifyRequest) (bool, error)

	// ReadContract performs an eth_call against req.Address and decodes the
	// result per the function's ABI outputs (a single return value, or the
	// first in a tuple, is sufficient for this facilitator's needs).
	ReadContract(ctx context.Context, req ContractCallRequest) (*big.Int, error)

	// WriteContract signs and submits a state-changing contract call, using
	// the signer's own hot wallet as the transaction sender, and returns the
	// submitted transaction hash without waiting for it to be mined.
	WriteContract(ctx context.Context, req ContractCallRequest) (common.Hash, error)

	// WaitForTransactionReceipt blocks until hash is mined (or ctx is done)
	// and returns its outcome.
	WaitForTransactionReceipt(ctx context.Context, hash common.Hash) (TransactionReceipt, error)
}

// receiptFetcher matches ethclient.Client.TransactionReceipt; PollTransactionReceipt
// is written against this narrow interface so tests can poll a fake instead of a
// live RPC endpoint.
type receiptFetcher interface {
	TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)
}

// PollTransactionReceipt waits for hash to be mined on client, polling at
// ReceiptPollInterval instead of busy-looping. It is shared by every
// SignerPort implementation in this repo that talks to an ethclient.Client
// directly, so the poll/backoff behavior only needs to be right once.
func PollTransactionReceipt(ctx context.Context, client *ethclient.Client, hash common.Hash) (TransactionReceipt, error) {
	return pollTransactionReceipt(ctx, client, hash)
}

func pollTransactionReceipt(ctx context.Context, client receiptFetcher, hash common.Hash) (TransactionReceipt, error) {
	cfg := retry.Config{
		MaxAttempts:  math.MaxInt32,
		InitialDelay: ReceiptPollInterval,
		MaxDelay:     ReceiptPollInterval,
		Multiplier:   1,
	}

	receipt, err := retry.WithRetry(ctx, cfg, func(err error) bool {
		return err == ethereum.NotFound
	}, func() (*types.Receipt, error) {
		return client.TransactionReceipt(ctx, hash)
	})
	if err != nil {
		return TransactionReceipt{}, err
	}

	status := ReceiptReverted
	if receipt.Status == types.ReceiptStatusSuccessful {
		status = ReceiptSuccess
	}
	return TransactionReceipt{Hash: hash, Status: status, BlockNumber: receipt.BlockNumber.Uint64()}, nil
}
