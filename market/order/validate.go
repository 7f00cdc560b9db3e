package order

import (
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// ValidationResult lists everything wrong with an order. Valid is true only
// when Errors is empty.
type ValidationResult struct {
	Valid  bool
	Errors []string
}

// Validate runs the fail-fast structural checks performed before any
// transaction is built. It never touches the chain.
func Validate(o *Order, now time.Time) ValidationResult {
	var errs []string
	if o == nil {
		return ValidationResult{Errors: []string{"order is missing"}}
	}
	params := o.Parameters
	if params.Offerer == (common.Address{}) {
		errs = append(errs, "offerer address is zero")
	}
	if len(params.Offer) == 0 {
		errs = append(errs, "order has no offer items")
	}
	if len(params.Consideration) == 0 {
		errs = append(errs, "order has no consideration items")
	}
	if len(o.Signature) == 0 {
		errs = append(errs, "order is unsigned")
	}
	for i, item := range params.Offer {
		if item.StartAmount == nil || item.StartAmount.Sign() <= 0 {
			errs = append(errs, fmt.Sprintf("offer item %d has non-positive amount", i))
		}
	}
	for i, item := range params.Consideration {
		if item.StartAmount == nil || item.StartAmount.Sign() <= 0 {
			errs = append(errs, fmt.Sprintf("consideration item %d has non-positive amount", i))
		}
		if item.Recipient == (common.Address{}) {
			errs = append(errs, fmt.Sprintf("consideration item %d has zero recipient", i))
		}
	}
	if params.EndTime != nil && params.EndTime.Sign() > 0 && params.EndTime.Int64() <= now.Unix() {
		errs = append(errs, "order has expired")
	}
	return ValidationResult{Valid: len(errs) == 0, Errors: errs}
}
