package booking

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/booking-engine/domain"
)

// =============================================================================
// DISCOUNT TABLE - Time-based promotional pricing per branch
// =============================================================================

// Rounding says how a discounted price is brought to whole currency units.
type Rounding string

const (
	RoundHalfUp Rounding = "half_up"
	RoundCeil   Rounding = "ceil"
	RoundFloor  Rounding = "floor"
	RoundNone   Rounding = "none"
)

func (r Rounding) Valid() bool {
	switch r {
	case RoundHalfUp, RoundCeil, RoundFloor, RoundNone, "":
		return true
	}
	return false
}

// ceilFromPercent is the tier size at which an unset rounding rule turns
// from half-up into ceiling.
var ceilFromPercent = decimal.NewFromInt(25)

// Tier is one discount rate.
type Tier struct {
	Percent  decimal.Decimal
	Rounding Rounding // empty: derived from Percent
	Reason   string
}

// rounding returns the explicit rule, or the one implied by the percent:
// large tiers round up, small tiers round to nearest.
func (t *Tier) rounding() Rounding {
	if t.Rounding != "" {
		return t.Rounding
	}
	if t.Percent.GreaterThanOrEqual(ceilFromPercent) {
		return RoundCeil
	}
	return RoundHalfUp
}

// BranchDiscounts holds the weekday and weekend tiers of one branch.
// A nil tier means no discount on those days.
type BranchDiscounts struct {
	Weekday *Tier
	Weekend *Tier
}

// DiscountTable maps branches to their tiers. A nil table applies nothing.
type DiscountTable struct {
	Branches    map[domain.BranchID]BranchDiscounts
	WeekendDays []time.Weekday
	Location    *time.Location
}

// NewDiscountTable returns an empty table with Saturday and Sunday as the
// weekend, evaluated in loc.
func NewDiscountTable(loc *time.Location) *DiscountTable {
	if loc == nil {
		loc = time.UTC
	}
	return &DiscountTable{
		Branches:    make(map[domain.BranchID]BranchDiscounts),
		WeekendDays: []time.Weekday{time.Saturday, time.Sunday},
		Location:    loc,
	}
}

func (t *DiscountTable) isWeekend(at time.Time) bool {
	loc := t.Location
	if loc == nil {
		loc = time.UTC
	}
	day := at.In(loc).Weekday()
	for _, w := range t.WeekendDays {
		if w == day {
			return true
		}
	}
	return false
}

// TierFor returns the tier in force for branch at the given instant.
func (t *DiscountTable) TierFor(branch domain.BranchID, at time.Time) *Tier {
	if t == nil {
		return nil
	}
	bd, ok := t.Branches[branch]
	if !ok {
		return nil
	}
	if t.isWeekend(at) {
		return bd.Weekend
	}
	return bd.Weekday
}

// Apply computes the price a booking at start pays. It returns the original
// price and nil when no tier applies.
func (t *DiscountTable) Apply(branch domain.BranchID, start time.Time, price decimal.Decimal) (decimal.Decimal, *domain.Discount) {
	tier := t.TierFor(branch, start)
	if tier == nil || !tier.Percent.IsPositive() || !price.IsPositive() {
		return price, nil
	}

	off := price.Mul(tier.Percent).Div(decimal.NewFromInt(100))
	final := roundPrice(price.Sub(off), tier.rounding())
	if final.IsNegative() {
		final = decimal.Zero
	}
	if final.Equal(price) {
		return price, nil
	}

	return final, &domain.Discount{
		Percent:       tier.Percent,
		Amount:        price.Sub(final),
		OriginalPrice: price,
		Reason:        tier.Reason,
	}
}

func roundPrice(v decimal.Decimal, r Rounding) decimal.Decimal {
	switch r {
	case RoundCeil:
		return v.Ceil()
	case RoundFloor:
		return v.Floor()
	case RoundNone:
		return v.Round(2)
	default:
		return v.Round(0)
	}
}
