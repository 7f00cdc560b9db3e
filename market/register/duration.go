package register

import (
	"fmt"
	"time"
)

// Unit is a registration-length unit the duration picker accepts.
type Unit string

const (
	UnitDays   Unit = "days"
	UnitWeeks  Unit = "weeks"
	UnitMonths Unit = "months"
	UnitYears  Unit = "years"
)

const (
	day  = 24 * time.Hour
	week = 7 * day
	// Calendar months and years are normalised to fixed lengths so that
	// "2 years" always maps to exactly 2*365*86400 seconds on chain.
	month = 30 * day
	year  = 365 * day

	// MaxRegistration caps any requested duration at 100 years.
	MaxRegistration = 100 * year
)

// ForDuration converts a quantity-and-unit selection into a registration
// duration. Quantities must be positive; results are clamped to the cap.
func ForDuration(quantity int64, unit Unit) (time.Duration, error) {
	if quantity <= 0 {
		return 0, fmt.Errorf("register: quantity must be positive, got %d", quantity)
	}
	var length time.Duration
	switch unit {
	case UnitDays:
		length = day
	case UnitWeeks:
		length = week
	case UnitMonths:
		length = month
	case UnitYears:
		length = year
	default:
		return 0, fmt.Errorf("register: unknown duration unit %q", unit)
	}
	total := time.Duration(quantity) * length
	if total/length != time.Duration(quantity) || total > MaxRegistration {
		return MaxRegistration, nil
	}
	return total, nil
}

// UntilDate converts an absolute target date into a registration duration.
// Dates at or before now yield no duration at all rather than a zero one;
// dates beyond the cap clamp to exactly the cap.
func UntilDate(now, target time.Time) (time.Duration, bool) {
	remaining := target.Sub(now)
	if remaining <= 0 {
		return 0, false
	}
	if remaining > MaxRegistration {
		return MaxRegistration, true
	}
	return remaining, true
}
