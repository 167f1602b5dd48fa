package chain

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// Credit channel contract: one per ledger account.
const creditChannelABI = `[
	{
		"anonymous": false,
		"inputs": [
			{"indexed": true, "name": "oracle", "type": "address"},
			{"indexed": true, "name": "recipient", "type": "address"},
			{"indexed": false, "name": "amount", "type": "uint256"},
			{"indexed": false, "name": "refundTime", "type": "uint256"}
		],
		"name": "DepositMade",
		"type": "event"
	},
	{
		"anonymous": false,
		"inputs": [
			{"indexed": true, "name": "oracle", "type": "address"},
			{"indexed": true, "name": "recipient", "type": "address"},
			{"indexed": false, "name": "amount", "type": "uint256"}
		],
		"name": "WithdrawalMade",
		"type": "event"
	},
	{
		"anonymous": false,
		"inputs": [
			{"indexed": true, "name": "oracle", "type": "address"},
			{"indexed": true, "name": "recipient", "type": "address"},
			{"indexed": false, "name": "amount", "type": "uint256"}
		],
		"name": "RefundMade",
		"type": "event"
	},
	{
		"inputs": [
			{"name": "recipient", "type": "address"},
			{"name": "amount", "type": "uint256"}
		],
		"name": "withdraw",
		"outputs": [],
		"stateMutability": "nonpayable",
		"type": "function"
	}
]`

// Multi forwarder: splits one payment across many recipients.
const multiForwarderABI = `[
	{
		"anonymous": false,
		"inputs": [
			{"indexed": false, "name": "id", "type": "string"},
			{"indexed": true, "name": "from", "type": "address"},
			{"indexed": false, "name": "to", "type": "address[]"},
			{"indexed": false, "name": "value", "type": "uint256[]"}
		],
		"name": "Forward",
		"type": "event"
	},
	{
		"anonymous": false,
		"inputs": [
			{"indexed": false, "name": "id", "type": "string"},
			{"indexed": true, "name": "from", "type": "address"},
			{"indexed": false, "name": "to", "type": "address[]"},
			{"indexed": false, "name": "value", "type": "uint256[]"}
		],
		"name": "ForwardAny",
		"type": "event"
	}
]`

var (
	channelABI   = mustParse(creditChannelABI)
	forwarderABI = mustParse(multiForwarderABI)
)

func mustParse(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic("chain: bad ABI: " + err.Error())
	}
	return parsed
}
