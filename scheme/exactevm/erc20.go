package exactevm

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// transferAuthABIJSON is the minimal EIP-3009 surface this handler submits:
// transferWithAuthorization. There is no allowance fallback for "exact" — a
// reverted call is a settlement failure, full stop.
const transferAuthABIJSON = `[
	{
		"name": "transferWithAuthorization",
		"type": "function",
		"constant": false,
		"inputs": [
			{"name": "from", "type": "address"},
			{"name": "to", "type": "address"},
			{"name": "value", "type": "uint256"},
			{"name": "validAfter", "type": "uint256"},
			{"name": "validBefore", "type": "uint256"},
			{"name": "nonce", "type": "bytes32"},
			{"name": "v", "type": "uint8"},
			{"name": "r", "type": "bytes32"},
			{"name": "s", "type": "bytes32"}
		],
		"outputs": []
	}
]`

var transferAuthABI abi.ABI

func init() {
	parsed, err := abi.JSON(strings.NewReader(transferAuthABIJSON))
	if err != nil {
		panic("exactevm: invalid embedded EIP-3009 ABI: " + err.Error())
	}
	transferAuthABI = parsed
}
