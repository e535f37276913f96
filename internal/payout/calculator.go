// Package payout scores normalized wagers against a deduction schedule.
//
// Everything here is a pure function of its inputs. Values are signed from
// the player's side: a miss costs the stake, a hit pays a multiple of it
// less the house deduction.
package payout

import (
	"github.com/shopspring/decimal"

	"github.com/servision-wang/data-processing/internal/model"
)

var (
	multSingle   = decimal.NewFromInt(3)
	multSpecial  = decimal.NewFromInt(2)
	multRepeated = decimal.NewFromFloat(1.5)
	multSplit    = decimal.NewFromFloat(0.5)

	// Two-digit stakes at or under this amount are never deducted.
	pairFloor = decimal.NewFromInt(70)
)

// Wager is the scoreable part of a normalized item.
type Wager struct {
	Digits  []string
	Stake   decimal.Decimal
	Special bool
}

// Calculate scores a wager for the given hit number.
func Calculate(w Wager, hit string, s Schedule) model.Result {
	stake := w.Stake
	loss := model.Result{Value: stake.Neg()}

	switch len(w.Digits) {
	case 1:
		if w.Digits[0] != hit {
			return loss
		}
		return s.apply(stake.Mul(multSingle))

	case 2:
		raw := stake.Neg()
		if w.Digits[0] == hit || w.Digits[1] == hit {
			raw = stake
		}
		if stake.LessThanOrEqual(pairFloor) {
			return model.Result{Value: raw}
		}
		return s.apply(raw)

	case 3:
		counts := make(map[string]int, 3)
		for _, d := range w.Digits {
			counts[d]++
		}
		if len(counts) == 3 {
			return model.Result{Error: true}
		}
		hitCount := counts[hit]
		if hitCount == 0 {
			return loss
		}
		if w.Special {
			if hitCount >= 2 {
				return s.apply(stake.Mul(multSpecial))
			}
			return model.Result{}
		}
		if hitCount >= 2 {
			return s.apply(stake.Mul(multRepeated))
		}
		return model.Result{Value: stake.Mul(multSplit)}
	}

	return loss
}

func (s Schedule) apply(raw decimal.Decimal) model.Result {
	deduction, ok := s.Deduction(raw)
	return model.Result{
		Value:     raw.Sub(deduction),
		Deduction: deduction,
		Unmatched: !ok,
	}
}
