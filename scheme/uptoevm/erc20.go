package uptoevm

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// permitTokenABIJSON is the minimal EIP-2612 surface this handler drives:
// permit (apply the signed cap), allowance (fallback read when a permit has
// already been consumed), transferFrom (pull the settled amount).
const permitTokenABIJSON = `[
	{
		"name": "permit",
		"type": "function",
		"constant": false,
		"inputs": [
			{"name": "owner", "type": "address"},
			{"name": "spender", "type": "address"},
			{"name": "value", "type": "uint256"},
			{"name": "deadline", "type": "uint256"},
			{"name": "v", "type": "uint8"},
			{"name": "r", "type": "bytes32"},
			{"name": "s", "type": "bytes32"}
		],
		"outputs": []
	},
	{
		"name": "allowance",
		"type": "function",
		"constant": true,
		"inputs": [
			{"name": "owner", "type": "address"},
			{"name": "spender", "type": "address"}
		],
		"outputs": [{"name": "", "type": "uint256"}]
	},
	{
		"name": "transferFrom",
		"type": "function",
		"constant": false,
		"inputs": [
			{"name": "from", "type": "address"},
			{"name": "to", "type": "address"},
			{"name": "value", "type": "uint256"}
		],
		"outputs": [{"name": "", "type": "bool"}]
	}
]`

var permitTokenABI abi.ABI

func init() {
	parsed, err := abi.JSON(strings.NewReader(permitTokenABIJSON))
	if err != nil {
		panic("uptoevm: invalid embedded ERC-20 permit ABI: " + err.Error())
	}
	permitTokenABI = parsed
}
