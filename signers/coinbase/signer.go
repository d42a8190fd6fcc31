package coinbase

import (
	"context"
	"encoding/hex"
	"fmt"
	"math/big"
	"os"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	x402 "github.com/shoalpay/x402-facilitator"
	"github.com/shoalpay/x402-facilitator/signers/evm"
)

// Signer is an evm.SignerPort backed by a Coinbase Developer Platform (CDP)
// custodial wallet instead of a locally held private key: contract calls are
// built and broadcast here, but signing happens remotely via the CDP API.
// VerifyTypedData, ReadContract, and WaitForTransactionReceipt need no
// custodial signature at all and behave identically to evm.LocalSigner.
type Signer struct {
	cdpClient   *CDPClient
	client      *ethclient.Client
	accountName string
	address     common.Address
	chainID     *big.Int
}

// SignerOption configures a Signer.
type SignerOption func(*signerConfig) error

type signerConfig struct {
	auth cdpAuth
}

// WithCDPCredentials sets the CDP API credentials.
func WithCDPCredentials(apiKeyName, apiKeySecret, walletSecret string) SignerOption {
	return func(c *signerConfig) error {
		auth, err := NewCDPAuth(apiKeyName, apiKeySecret, walletSecret)
		if err != nil {
			return fmt.Errorf("initialize CDP auth: %w", err)
		}
		c.auth = auth
		return nil
	}
}

// WithCDPCredentialsFromEnv loads CDP credentials from CDP_API_KEY_NAME,
// CDP_API_KEY_SECRET, and the optional CDP_WALLET_SECRET.
func WithCDPCredentialsFromEnv() SignerOption {
	return func(c *signerConfig) error {
		apiKeyName := os.Getenv("CDP_API_KEY_NAME")
		apiKeySecret := os.Getenv("CDP_API_KEY_SECRET")
		walletSecret := os.Getenv("CDP_WALLET_SECRET")
		if apiKeyName == "" || apiKeySecret == "" {
			return fmt.Errorf("CDP_API_KEY_NAME and CDP_API_KEY_SECRET must be set")
		}
		auth, err := NewCDPAuth(apiKeyName, apiKeySecret, walletSecret)
		if err != nil {
			return fmt.Errorf("initialize CDP auth from env: %w", err)
		}
		c.auth = auth
		return nil
	}
}

// NewSigner creates or retrieves a CDP-custodied account for network and
// wraps it as an evm.SignerPort. client is used for everything CDP's API
// doesn't cover directly: eth_call reads, nonce/gas estimation, broadcast,
// and receipt polling.
func NewSigner(ctx context.Context, network x402.Network, accountName string, client *ethclient.Client, opts ...SignerOption) (*Signer, error) {
	cfg := &signerConfig{}
	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, err
		}
	}
	if cfg.auth == nil {
		return nil, fmt.Errorf("CDP credentials not provided")
	}
	if accountName == "" {
		return nil, fmt.Errorf("account name is required")
	}

	chainID, err := getChainID(network)
	if err != nil {
		return nil, err
	}

	cdpClient := NewCDPClient(cfg.auth)
	account, err := CreateOrGetAccount(ctx, cdpClient, network, accountName)
	if err != nil {
		return nil, err
	}

	return &Signer{
		cdpClient:   cdpClient,
		client:      client,
		accountName: accountName,
		address:     common.HexToAddress(account.Address),
		chainID:     chainID,
	}, nil
}

// Address returns the CDP wallet address.
func (s *Signer) Address() common.Address { return s.address }

// AccountName returns the CDP account name used as its API path identifier.
func (s *Signer) AccountName() string { return s.accountName }

// GetAddresses implements evm.SignerPort.
func (s *Signer) GetAddresses(ctx context.Context) ([]common.Address, error) {
	return []common.Address{s.address}, nil
}

// VerifyTypedData implements evm.SignerPort by recovering the signer address
// from an EIP-712 signature, the same local check evm.LocalSigner performs.
// No CDP call is needed: this never touches the custodial wallet.
func (s *Signer) VerifyTypedData(ctx context.Context, req evm.TypedDataVerifyRequest) (bool, error) {
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
	normalized := make([]byte, 65)
	copy(normalized, sig)
	if normalized[64] >= 27 {
		normalized[64] -= 27
	}

	pubKey, err := crypto.SigToPub(digest, normalized)
	if err != nil {
		return false, fmt.Errorf("recover signer: %w", err)
	}
	return crypto.PubkeyToAddress(*pubKey) == req.Address, nil
}

// ReadContract implements evm.SignerPort via a plain eth_call; reads never
// need the custodial wallet either.
func (s *Signer) ReadContract(ctx context.Context, req evm.ContractCallRequest) (*big.Int, error) {
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

// WriteContract implements evm.SignerPort: builds the unsigned call, has CDP
// sign it remotely, and broadcasts the signed bytes itself.
func (s *Signer) WriteContract(ctx context.Context, req evm.ContractCallRequest) (common.Hash, error) {
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

	unsignedTx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &req.Address,
		Value:    big.NewInt(0),
		Gas:      250_000,
		GasPrice: gasPrice,
		Data:     data,
	})

	signedBytes, err := s.signTransaction(ctx, unsignedTx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("sign via CDP: %w", err)
	}

	var signedTx types.Transaction
	if err := signedTx.UnmarshalBinary(signedBytes); err != nil {
		return common.Hash{}, fmt.Errorf("decode CDP-signed transaction: %w", err)
	}

	if err := s.client.SendTransaction(ctx, &signedTx); err != nil {
		return common.Hash{}, fmt.Errorf("broadcast transaction: %w", err)
	}
	return signedTx.Hash(), nil
}

// signEVMTransactionRequest mirrors the shape CDP expects for raw-transaction
// signing: serialize, post, get signed bytes back.
type signEVMTransactionRequest struct {
	Transaction string `json:"transaction"`
}

type signEVMTransactionResponse struct {
	SignedTransaction string `json:"signedTransaction"`
}

func (s *Signer) signTransaction(ctx context.Context, tx *types.Transaction) ([]byte, error) {
	unsignedBytes, err := tx.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("serialize unsigned transaction: %w", err)
	}

	path := fmt.Sprintf("/platform/v2/evm/accounts/%s/sign/transaction", s.address.Hex())
	req := signEVMTransactionRequest{Transaction: "0x" + hex.EncodeToString(unsignedBytes)}

	var resp signEVMTransactionResponse
	if err := s.cdpClient.doRequestWithRetry(ctx, "POST", path, req, &resp, true); err != nil {
		return nil, fmt.Errorf("sign transaction: %w", err)
	}
	if resp.SignedTransaction == "" {
		return nil, fmt.Errorf("empty signed transaction returned from CDP API")
	}
	return common.FromHex(resp.SignedTransaction), nil
}

// WaitForTransactionReceipt implements evm.SignerPort by polling until the
// receipt is available or ctx is done.
func (s *Signer) WaitForTransactionReceipt(ctx context.Context, hash common.Hash) (evm.TransactionReceipt, error) {
	return evm.PollTransactionReceipt(ctx, s.client, hash)
}
