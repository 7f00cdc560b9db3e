package order

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// ExchangeABI covers the two fulfillment entrypoints the purchase flow uses.
var ExchangeABI = mustParseABI(exchangeABIJSON)

func mustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(fmt.Sprintf("parse exchange ABI: %v", err))
	}
	return parsed
}

const exchangeABIJSON = `[
  {
    "name": "fulfillBasicOrder",
    "type": "function",
    "stateMutability": "payable",
    "inputs": [
      {
        "name": "parameters",
        "type": "tuple",
        "components": [
          {"name": "considerationToken", "type": "address"},
          {"name": "considerationIdentifier", "type": "uint256"},
          {"name": "considerationAmount", "type": "uint256"},
          {"name": "offerer", "type": "address"},
          {"name": "zone", "type": "address"},
          {"name": "offerToken", "type": "address"},
          {"name": "offerIdentifier", "type": "uint256"},
          {"name": "offerAmount", "type": "uint256"},
          {"name": "basicOrderType", "type": "uint8"},
          {"name": "startTime", "type": "uint256"},
          {"name": "endTime", "type": "uint256"},
          {"name": "zoneHash", "type": "bytes32"},
          {"name": "salt", "type": "uint256"},
          {"name": "offererConduitKey", "type": "bytes32"},
          {"name": "fulfillerConduitKey", "type": "bytes32"},
          {"name": "totalOriginalAdditionalRecipients", "type": "uint256"},
          {
            "name": "additionalRecipients",
            "type": "tuple[]",
            "components": [
              {"name": "amount", "type": "uint256"},
              {"name": "recipient", "type": "address"}
            ]
          },
          {"name": "signature", "type": "bytes"}
        ]
      }
    ],
    "outputs": [{"name": "fulfilled", "type": "bool"}]
  },
  {
    "name": "fulfillAdvancedOrder",
    "type": "function",
    "stateMutability": "payable",
    "inputs": [
      {
        "name": "advancedOrder",
        "type": "tuple",
        "components": [
          {
            "name": "parameters",
            "type": "tuple",
            "components": [
              {"name": "offerer", "type": "address"},
              {"name": "zone", "type": "address"},
              {
                "name": "offer",
                "type": "tuple[]",
                "components": [
                  {"name": "itemType", "type": "uint8"},
                  {"name": "token", "type": "address"},
                  {"name": "identifierOrCriteria", "type": "uint256"},
                  {"name": "startAmount", "type": "uint256"},
                  {"name": "endAmount", "type": "uint256"}
                ]
              },
              {
                "name": "consideration",
                "type": "tuple[]",
                "components": [
                  {"name": "itemType", "type": "uint8"},
                  {"name": "token", "type": "address"},
                  {"name": "identifierOrCriteria", "type": "uint256"},
                  {"name": "startAmount", "type": "uint256"},
                  {"name": "endAmount", "type": "uint256"},
                  {"name": "recipient", "type": "address"}
                ]
              },
              {"name": "orderType", "type": "uint8"},
              {"name": "startTime", "type": "uint256"},
              {"name": "endTime", "type": "uint256"},
              {"name": "zoneHash", "type": "bytes32"},
              {"name": "salt", "type": "uint256"},
              {"name": "conduitKey", "type": "bytes32"},
              {"name": "totalOriginalConsiderationItems", "type": "uint256"}
            ]
          },
          {"name": "numerator", "type": "uint120"},
          {"name": "denominator", "type": "uint120"},
          {"name": "signature", "type": "bytes"},
          {"name": "extraData", "type": "bytes"}
        ]
      },
      {
        "name": "criteriaResolvers",
        "type": "tuple[]",
        "components": [
          {"name": "orderIndex", "type": "uint256"},
          {"name": "side", "type": "uint8"},
          {"name": "index", "type": "uint256"},
          {"name": "identifier", "type": "uint256"},
          {"name": "criteriaProof", "type": "bytes32[]"}
        ]
      },
      {"name": "fulfillerConduitKey", "type": "bytes32"},
      {"name": "recipient", "type": "address"}
    ],
    "outputs": [{"name": "fulfilled", "type": "bool"}]
  }
]`

// CriteriaResolver is part of the advanced fulfillment call; the purchase
// flow always passes an empty slice since listings name concrete tokens.
type CriteriaResolver struct {
	OrderIndex    *big.Int
	Side          uint8
	Index         *big.Int
	Identifier    *big.Int
	CriteriaProof [][32]byte
}
