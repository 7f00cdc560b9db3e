package order

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// AdditionalRecipient is a secondary payment split (fees, royalties).
type AdditionalRecipient struct {
	Amount    *big.Int
	Recipient common.Address
}

// BasicOrderParameters is the compact single-item fulfillment call shape used
// when the buyer pays in the chain's native currency.
type BasicOrderParameters struct {
	ConsiderationToken                common.Address
	ConsiderationIdentifier           *big.Int
	ConsiderationAmount               *big.Int
	Offerer                           common.Address
	Zone                              common.Address
	OfferToken                        common.Address
	OfferIdentifier                   *big.Int
	OfferAmount                       *big.Int
	BasicOrderType                    uint8
	StartTime                         *big.Int
	EndTime                           *big.Int
	ZoneHash                          [32]byte
	Salt                              *big.Int
	OffererConduitKey                 [32]byte
	FulfillerConduitKey               [32]byte
	TotalOriginalAdditionalRecipients *big.Int
	AdditionalRecipients              []AdditionalRecipient
	Signature                         []byte
}

// AdvancedOrder is the general fulfillment shape. ERC-20 payments must take
// this path so token transfers can route through the offerer's conduit.
type AdvancedOrder struct {
	Parameters  Parameters
	Numerator   *big.Int
	Denominator *big.Int
	Signature   []byte
	ExtraData   []byte
}

var (
	// ErrNoPaymentItems is returned when an order carries no fungible
	// consideration to sum.
	ErrNoPaymentItems = errors.New("order: no payment consideration items")

	// ErrPaymentOverflow is returned when summed consideration amounts
	// exceed 256 bits; such an order is hostile and must not be fulfilled.
	ErrPaymentOverflow = errors.New("order: consideration amounts overflow uint256")
)

// UsesNativeToken reports whether the order is paid in the chain's native
// currency rather than an ERC-20.
func UsesNativeToken(o *Order) bool {
	if o == nil {
		return false
	}
	for _, item := range o.Parameters.Consideration {
		if fungible(item.ItemType) {
			return ItemType(item.ItemType) == ItemNative
		}
	}
	return false
}

// PaymentToken returns the ERC-20 address the order is denominated in, or the
// zero address for native-currency orders.
func PaymentToken(o *Order) common.Address {
	if o == nil {
		return common.Address{}
	}
	for _, item := range o.Parameters.Consideration {
		if fungible(item.ItemType) && ItemType(item.ItemType) == ItemERC20 {
			return item.Token
		}
	}
	return common.Address{}
}

// TotalPayment sums every fungible consideration amount. The arithmetic runs
// in uint256 so a crafted order cannot wrap the total.
func TotalPayment(o *Order) (*big.Int, error) {
	if o == nil {
		return nil, ErrNoPaymentItems
	}
	total := new(uint256.Int)
	found := false
	for _, item := range o.Parameters.Consideration {
		if !fungible(item.ItemType) {
			continue
		}
		found = true
		amount, overflow := uint256.FromBig(item.StartAmount)
		if overflow {
			return nil, ErrPaymentOverflow
		}
		sum, overflow := addChecked(total, amount)
		if overflow {
			return nil, ErrPaymentOverflow
		}
		total = sum
	}
	if !found {
		return nil, ErrNoPaymentItems
	}
	return total.ToBig(), nil
}

func addChecked(a, b *uint256.Int) (*uint256.Int, bool) {
	return new(uint256.Int).AddOverflow(a, b)
}

func fungible(itemType uint8) bool {
	t := ItemType(itemType)
	return t == ItemNative || t == ItemERC20
}

// BuildBasicOrderParameters converts a parsed sell order into the compact
// native-currency fulfillment shape. The first consideration item is the
// primary payment; the rest become additional recipients.
func BuildBasicOrderParameters(o *Order) (*BasicOrderParameters, error) {
	if o == nil {
		return nil, errors.New("order: nil order")
	}
	params := o.Parameters
	if len(params.Offer) != 1 {
		return nil, fmt.Errorf("order: basic fulfillment requires exactly one offer item, have %d", len(params.Offer))
	}
	if len(params.Consideration) == 0 {
		return nil, ErrNoPaymentItems
	}
	primary := params.Consideration[0]
	if !fungible(primary.ItemType) {
		return nil, fmt.Errorf("order: primary consideration is not a payment item")
	}
	basic := &BasicOrderParameters{
		ConsiderationToken:      primary.Token,
		ConsiderationIdentifier: primary.IdentifierOrCriteria,
		ConsiderationAmount:     primary.StartAmount,
		Offerer:                 params.Offerer,
		Zone:                    params.Zone,
		OfferToken:              params.Offer[0].Token,
		OfferIdentifier:         params.Offer[0].IdentifierOrCriteria,
		OfferAmount:             params.Offer[0].StartAmount,
		BasicOrderType:          params.OrderType,
		StartTime:               params.StartTime,
		EndTime:                 params.EndTime,
		ZoneHash:                params.ZoneHash,
		Salt:                    params.Salt,
		OffererConduitKey:       params.ConduitKey,
		TotalOriginalAdditionalRecipients: big.NewInt(int64(len(params.Consideration) - 1)),
		Signature:                         o.Signature,
	}
	for _, item := range params.Consideration[1:] {
		basic.AdditionalRecipients = append(basic.AdditionalRecipients, AdditionalRecipient{
			Amount:    item.StartAmount,
			Recipient: item.Recipient,
		})
	}
	return basic, nil
}

// BuildAdvancedOrder wraps the order for the general fulfillment entrypoint
// with a whole-order fraction.
func BuildAdvancedOrder(o *Order) (*AdvancedOrder, error) {
	if o == nil {
		return nil, errors.New("order: nil order")
	}
	return &AdvancedOrder{
		Parameters:  o.Parameters,
		Numerator:   big.NewInt(1),
		Denominator: big.NewInt(1),
		Signature:   o.Signature,
		ExtraData:   []byte{},
	}, nil
}
