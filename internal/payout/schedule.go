package payout

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/servision-wang/data-processing/internal/model"
)

// Floor is the largest payout that is never deducted.
var Floor = decimal.NewFromInt(80)

// Schedule is a deduction rule table sorted by Min.
type Schedule []model.DeductionRule

// NewSchedule returns a schedule over a sorted copy of rules.
func NewSchedule(rules []model.DeductionRule) Schedule {
	s := make(Schedule, len(rules))
	copy(s, rules)
	sort.SliceStable(s, func(i, j int) bool {
		return s[i].Min.LessThan(s[j].Min)
	})
	return s
}

// Deduction returns the house cut for a payout. Payouts at or under Floor
// are not deducted. Above it the first band containing profit decides: a
// flat band takes its deduction, an incremental band adds increment for
// every full interval past its min. The boolean is false when profit is
// deductible but no band contains it; the deduction is then zero.
func (s Schedule) Deduction(profit decimal.Decimal) (decimal.Decimal, bool) {
	if profit.LessThanOrEqual(Floor) {
		return decimal.Zero, true
	}
	for _, r := range s {
		if !r.Contains(profit) {
			continue
		}
		if !r.Incremental() {
			return r.Deduction, true
		}
		steps := profit.Sub(r.Min).Div(*r.Interval).Floor()
		return r.Deduction.Add(steps.Mul(*r.Increment)), true
	}
	return decimal.Zero, false
}
