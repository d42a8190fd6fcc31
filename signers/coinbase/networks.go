package coinbase

import (
	"fmt"
	"math/big"

	x402 "github.com/shoalpay/x402-facilitator"
)

// NetworkType represents the blockchain type for network-specific logic.
type NetworkType int

const (
	// NetworkTypeUnknown represents an unknown or unsupported network type.
	NetworkTypeUnknown NetworkType = iota
	// NetworkTypeEVM represents Ethereum Virtual Machine compatible networks.
	NetworkTypeEVM
	// NetworkTypeSVM represents Solana Virtual Machine compatible networks.
	NetworkTypeSVM
)

// String returns a human-readable representation of the NetworkType.
func (nt NetworkType) String() string {
	switch nt {
	case NetworkTypeEVM:
		return "EVM"
	case NetworkTypeSVM:
		return "SVM"
	default:
		return "Unknown"
	}
}

// networkMapping defines the relationship between CAIP-2 network identifiers
// and CDP network identifiers.
var networkMapping = map[x402.Network]struct {
	cdpNetwork  string
	networkType NetworkType
	chainID     *big.Int // nil for non-EVM networks
}{
	"eip155:8453": {
		cdpNetwork:  "base-mainnet",
		networkType: NetworkTypeEVM,
		chainID:     big.NewInt(8453),
	},
	"eip155:84532": {
		cdpNetwork:  "base-sepolia",
		networkType: NetworkTypeEVM,
		chainID:     big.NewInt(84532),
	},
	"eip155:1": {
		cdpNetwork:  "ethereum-mainnet",
		networkType: NetworkTypeEVM,
		chainID:     big.NewInt(1),
	},
	"eip155:11155111": {
		cdpNetwork:  "sepolia",
		networkType: NetworkTypeEVM,
		chainID:     big.NewInt(11155111),
	},
	"solana:mainnet": {
		cdpNetwork:  "solana-mainnet",
		networkType: NetworkTypeSVM,
		chainID:     nil,
	},
	"solana:devnet": {
		cdpNetwork:  "solana-devnet",
		networkType: NetworkTypeSVM,
		chainID:     nil,
	},
}

// getCDPNetwork maps a CAIP-2 network identifier to a CDP network identifier.
func getCDPNetwork(network x402.Network) (string, error) {
	mapping, ok := networkMapping[network]
	if !ok {
		return "", fmt.Errorf("%w: %s", x402.ErrInvalidNetwork, network)
	}
	return mapping.cdpNetwork, nil
}

// getNetworkType determines the blockchain type (EVM or SVM) for a given
// CAIP-2 network. Returns NetworkTypeUnknown for unsupported networks.
func getNetworkType(network x402.Network) NetworkType {
	mapping, ok := networkMapping[network]
	if !ok {
		return NetworkTypeUnknown
	}
	return mapping.networkType
}

// getChainID returns the EVM chain ID for a given CAIP-2 network identifier.
//
// Returns an error if the network is not supported or is not an EVM network
// (SVM networks have no chain ID).
func getChainID(network x402.Network) (*big.Int, error) {
	mapping, ok := networkMapping[network]
	if !ok {
		return nil, fmt.Errorf("%w: %s", x402.ErrInvalidNetwork, network)
	}
	if mapping.networkType != NetworkTypeEVM {
		return nil, fmt.Errorf("network %s is not an EVM network", network)
	}
	if mapping.chainID == nil {
		return nil, fmt.Errorf("chain ID not configured for network %s", network)
	}
	return new(big.Int).Set(mapping.chainID), nil
}
