package order

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// ItemType mirrors the exchange protocol's asset categories.
type ItemType uint8

const (
	ItemNative ItemType = iota
	ItemERC20
	ItemERC721
	ItemERC1155
	ItemERC721Criteria
	ItemERC1155Criteria
)

// OrderKind mirrors the exchange protocol's order type enum.
type OrderKind uint8

const (
	FullOpen OrderKind = iota
	PartialOpen
	FullRestricted
	PartialRestricted
)

// OfferItem is an asset promised by the offerer.
type OfferItem struct {
	ItemType             uint8
	Token                common.Address
	IdentifierOrCriteria *big.Int
	StartAmount          *big.Int
	EndAmount            *big.Int
}

// ConsiderationItem is an asset the offerer expects in return.
type ConsiderationItem struct {
	ItemType             uint8
	Token                common.Address
	IdentifierOrCriteria *big.Int
	StartAmount          *big.Int
	EndAmount            *big.Int
	Recipient            common.Address
}

// Parameters is the signed body of an exchange order.
type Parameters struct {
	Offerer                         common.Address
	Zone                            common.Address
	Offer                           []OfferItem
	Consideration                   []ConsiderationItem
	OrderType                       uint8
	StartTime                       *big.Int
	EndTime                         *big.Int
	ZoneHash                        [32]byte
	Salt                            *big.Int
	ConduitKey                      [32]byte
	TotalOriginalConsiderationItems *big.Int
}

// Order pairs parameters with the offerer's signature. Orders are read-only
// inputs; the flows never mutate one.
type Order struct {
	Parameters Parameters
	Signature  []byte
}

// Listing is a marketplace record pointing at a signed sell order.
type Listing struct {
	ID           string
	Name         string
	Price        *big.Int
	Currency     common.Address
	Seller       common.Address
	ExpiresAt    time.Time
	Source       string
	OrderPayload json.RawMessage
}

var (
	// ErrEmptyPayload is returned when a listing carries no order data.
	ErrEmptyPayload = errors.New("order: listing has no stored order payload")
)

type storedItem struct {
	ItemType             uint8  `json:"itemType"`
	Token                string `json:"token"`
	IdentifierOrCriteria string `json:"identifierOrCriteria"`
	StartAmount          string `json:"startAmount"`
	EndAmount            string `json:"endAmount"`
	Recipient            string `json:"recipient,omitempty"`
}

type storedParameters struct {
	Offerer                         string       `json:"offerer"`
	Zone                            string       `json:"zone"`
	Offer                           []storedItem `json:"offer"`
	Consideration                   []storedItem `json:"consideration"`
	OrderType                       uint8        `json:"orderType"`
	StartTime                       string       `json:"startTime"`
	EndTime                         string       `json:"endTime"`
	ZoneHash                        string       `json:"zoneHash"`
	Salt                            string       `json:"salt"`
	ConduitKey                      string       `json:"conduitKey"`
	TotalOriginalConsiderationItems uint64       `json:"totalOriginalConsiderationItems"`
}

type storedOrder struct {
	Parameters storedParameters `json:"parameters"`
	Signature  string           `json:"signature"`
}

// ParseStoredOrder decodes the opaque signed order carried by a listing.
func ParseStoredOrder(listing Listing) (*Order, error) {
	if len(listing.OrderPayload) == 0 {
		return nil, ErrEmptyPayload
	}
	var stored storedOrder
	if err := json.Unmarshal(listing.OrderPayload, &stored); err != nil {
		return nil, fmt.Errorf("order: decode stored payload: %w", err)
	}
	params := Parameters{
		Offerer:   common.HexToAddress(stored.Parameters.Offerer),
		Zone:      common.HexToAddress(stored.Parameters.Zone),
		OrderType: stored.Parameters.OrderType,
		TotalOriginalConsiderationItems: new(big.Int).SetUint64(
			stored.Parameters.TotalOriginalConsiderationItems,
		),
	}
	var err error
	if params.StartTime, err = parseQuantity(stored.Parameters.StartTime); err != nil {
		return nil, fmt.Errorf("order: start time: %w", err)
	}
	if params.EndTime, err = parseQuantity(stored.Parameters.EndTime); err != nil {
		return nil, fmt.Errorf("order: end time: %w", err)
	}
	if params.Salt, err = parseQuantity(stored.Parameters.Salt); err != nil {
		return nil, fmt.Errorf("order: salt: %w", err)
	}
	if err = parseHash(stored.Parameters.ZoneHash, &params.ZoneHash); err != nil {
		return nil, fmt.Errorf("order: zone hash: %w", err)
	}
	if err = parseHash(stored.Parameters.ConduitKey, &params.ConduitKey); err != nil {
		return nil, fmt.Errorf("order: conduit key: %w", err)
	}
	for i, item := range stored.Parameters.Offer {
		parsed, err := parseOfferItem(item)
		if err != nil {
			return nil, fmt.Errorf("order: offer item %d: %w", i, err)
		}
		params.Offer = append(params.Offer, parsed)
	}
	for i, item := range stored.Parameters.Consideration {
		parsed, err := parseOfferItem(item)
		if err != nil {
			return nil, fmt.Errorf("order: consideration item %d: %w", i, err)
		}
		params.Consideration = append(params.Consideration, ConsiderationItem{
			ItemType:             parsed.ItemType,
			Token:                parsed.Token,
			IdentifierOrCriteria: parsed.IdentifierOrCriteria,
			StartAmount:          parsed.StartAmount,
			EndAmount:            parsed.EndAmount,
			Recipient:            common.HexToAddress(item.Recipient),
		})
	}
	if params.TotalOriginalConsiderationItems.Sign() == 0 {
		params.TotalOriginalConsiderationItems = big.NewInt(int64(len(params.Consideration)))
	}
	signature, err := decodeHexBytes(stored.Signature)
	if err != nil {
		return nil, fmt.Errorf("order: signature: %w", err)
	}
	return &Order{Parameters: params, Signature: signature}, nil
}

func parseOfferItem(item storedItem) (OfferItem, error) {
	identifier, err := parseQuantity(item.IdentifierOrCriteria)
	if err != nil {
		return OfferItem{}, fmt.Errorf("identifier: %w", err)
	}
	start, err := parseQuantity(item.StartAmount)
	if err != nil {
		return OfferItem{}, fmt.Errorf("start amount: %w", err)
	}
	end, err := parseQuantity(item.EndAmount)
	if err != nil {
		return OfferItem{}, fmt.Errorf("end amount: %w", err)
	}
	return OfferItem{
		ItemType:             item.ItemType,
		Token:                common.HexToAddress(item.Token),
		IdentifierOrCriteria: identifier,
		StartAmount:          start,
		EndAmount:            end,
	}, nil
}

// parseQuantity accepts decimal or 0x-prefixed hexadecimal numbers. Empty
// strings decode to zero so optional fields stay optional.
func parseQuantity(raw string) (*big.Int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return new(big.Int), nil
	}
	base := 10
	if strings.HasPrefix(trimmed, "0x") || strings.HasPrefix(trimmed, "0X") {
		trimmed = trimmed[2:]
		base = 16
	}
	value, ok := new(big.Int).SetString(trimmed, base)
	if !ok {
		return nil, fmt.Errorf("malformed quantity %q", raw)
	}
	if value.Sign() < 0 {
		return nil, fmt.Errorf("negative quantity %q", raw)
	}
	return value, nil
}

func parseHash(raw string, out *[32]byte) error {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil
	}
	decoded := common.HexToHash(trimmed)
	copy(out[:], decoded[:])
	return nil
}

func decodeHexBytes(raw string) ([]byte, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, nil
	}
	if !strings.HasPrefix(trimmed, "0x") {
		return nil, fmt.Errorf("expected 0x prefix in %q", raw)
	}
	return common.FromHex(trimmed), nil
}
