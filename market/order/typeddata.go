package order

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

const (
	exchangeDomainName    = "Seaport"
	exchangeDomainVersion = "1.6"
)

// TypedData builds the EIP-712 payload a seller signs to create a listing.
// The counter is the offerer's current on-chain counter; signing with a stale
// one produces an order the exchange rejects.
func TypedData(params Parameters, chainID *big.Int, counter *big.Int) apitypes.TypedData {
	offer := make([]interface{}, 0, len(params.Offer))
	for _, item := range params.Offer {
		offer = append(offer, map[string]interface{}{
			"itemType":             new(big.Int).SetUint64(uint64(item.ItemType)).String(),
			"token":                item.Token.Hex(),
			"identifierOrCriteria": quantity(item.IdentifierOrCriteria),
			"startAmount":          quantity(item.StartAmount),
			"endAmount":            quantity(item.EndAmount),
		})
	}
	consideration := make([]interface{}, 0, len(params.Consideration))
	for _, item := range params.Consideration {
		consideration = append(consideration, map[string]interface{}{
			"itemType":             new(big.Int).SetUint64(uint64(item.ItemType)).String(),
			"token":                item.Token.Hex(),
			"identifierOrCriteria": quantity(item.IdentifierOrCriteria),
			"startAmount":          quantity(item.StartAmount),
			"endAmount":            quantity(item.EndAmount),
			"recipient":            item.Recipient.Hex(),
		})
	}
	return apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": {
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
				{Name: "verifyingContract", Type: "address"},
			},
			"OrderComponents": {
				{Name: "offerer", Type: "address"},
				{Name: "zone", Type: "address"},
				{Name: "offer", Type: "OfferItem[]"},
				{Name: "consideration", Type: "ConsiderationItem[]"},
				{Name: "orderType", Type: "uint8"},
				{Name: "startTime", Type: "uint256"},
				{Name: "endTime", Type: "uint256"},
				{Name: "zoneHash", Type: "bytes32"},
				{Name: "salt", Type: "uint256"},
				{Name: "conduitKey", Type: "bytes32"},
				{Name: "counter", Type: "uint256"},
			},
			"OfferItem": {
				{Name: "itemType", Type: "uint8"},
				{Name: "token", Type: "address"},
				{Name: "identifierOrCriteria", Type: "uint256"},
				{Name: "startAmount", Type: "uint256"},
				{Name: "endAmount", Type: "uint256"},
			},
			"ConsiderationItem": {
				{Name: "itemType", Type: "uint8"},
				{Name: "token", Type: "address"},
				{Name: "identifierOrCriteria", Type: "uint256"},
				{Name: "startAmount", Type: "uint256"},
				{Name: "endAmount", Type: "uint256"},
				{Name: "recipient", Type: "address"},
			},
		},
		PrimaryType: "OrderComponents",
		Domain: apitypes.TypedDataDomain{
			Name:              exchangeDomainName,
			Version:           exchangeDomainVersion,
			ChainId:           (*math.HexOrDecimal256)(new(big.Int).Set(chainID)),
			VerifyingContract: ExchangeAddress.Hex(),
		},
		Message: apitypes.TypedDataMessage{
			"offerer":       params.Offerer.Hex(),
			"zone":          params.Zone.Hex(),
			"offer":         offer,
			"consideration": consideration,
			"orderType":     new(big.Int).SetUint64(uint64(params.OrderType)).String(),
			"startTime":     quantity(params.StartTime),
			"endTime":       quantity(params.EndTime),
			"zoneHash":      hexutil.Encode(params.ZoneHash[:]),
			"salt":          quantity(params.Salt),
			"conduitKey":    hexutil.Encode(params.ConduitKey[:]),
			"counter":       quantity(counter),
		},
	}
}

func quantity(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
