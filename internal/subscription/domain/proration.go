package domain

import (
	"math"
	"time"

	"github.com/shopspring/decimal"
	"github.com/smallbiznis/billforge/internal/plan"
)

// DaysPerMonth is the normalized month length used for proration.
const DaysPerMonth = 30

var daysPerMonth = decimal.NewFromInt(DaysPerMonth)

// Proration is the credit for the unused part of the current plan and the
// charge for the same days on the new plan, in minor units.
type Proration struct {
	DaysRemaining int   `json:"daysRemaining"`
	Credit        int64 `json:"credit"`
	Charge        int64 `json:"charge"`
	Amount        int64 `json:"amount"`
}

// ProrationPreview describes the effect of a plan change without applying it.
type ProrationPreview struct {
	CurrentPlanID   string        `json:"currentPlanId"`
	NewPlanID       string        `json:"planId"`
	CurrentInterval plan.Interval `json:"currentBillingInterval"`
	NewInterval     plan.Interval `json:"billingInterval"`
	CurrentPrice    int64         `json:"currentPrice"`
	NewPrice        int64         `json:"newPrice"`
	Currency        string        `json:"currency"`
	IsUpgrade       bool          `json:"isUpgrade"`
	EffectiveDate   time.Time     `json:"effectiveDate"`
	Proration
}

// DaysRemaining counts the started days left until periodEnd, clamped to a
// normalized month.
func DaysRemaining(periodEnd, now time.Time) int {
	left := periodEnd.Sub(now)
	if left <= 0 {
		return 0
	}
	days := int(math.Ceil(left.Hours() / 24))
	if days > DaysPerMonth {
		return DaysPerMonth
	}
	return days
}

// Prorate computes the proration for moving from oldPrice to newPrice with
// daysRemaining left in the period. Prices are monthly amounts in minor
// units; halves round away from zero.
func Prorate(oldPrice, newPrice int64, daysRemaining int) Proration {
	if daysRemaining < 0 {
		daysRemaining = 0
	}
	if daysRemaining > DaysPerMonth {
		daysRemaining = DaysPerMonth
	}
	days := decimal.NewFromInt(int64(daysRemaining))
	credit := decimal.NewFromInt(oldPrice).Mul(days).Div(daysPerMonth).Round(0).IntPart()
	charge := decimal.NewFromInt(newPrice).Mul(days).Div(daysPerMonth).Round(0).IntPart()
	return Proration{
		DaysRemaining: daysRemaining,
		Credit:        credit,
		Charge:        charge,
		Amount:        charge - credit,
	}
}

// MonthlyEquivalent normalizes a per-period price to a monthly amount.
func MonthlyEquivalent(price int64, interval plan.Interval) int64 {
	if interval != plan.IntervalYearly {
		return price
	}
	return decimal.NewFromInt(price).Div(decimal.NewFromInt(12)).Round(0).IntPart()
}
