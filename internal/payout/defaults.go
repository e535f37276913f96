package payout

import (
	"github.com/shopspring/decimal"

	"github.com/servision-wang/data-processing/internal/model"
)

// DefaultSpecialChars are the special markers used when a user has no
// stored configuration.
var DefaultSpecialChars = []string{"挖", "爬"}

// DefaultConfig returns a fresh copy of the built-in configuration.
func DefaultConfig() *model.Config {
	chars := make([]string, len(DefaultSpecialChars))
	copy(chars, DefaultSpecialChars)
	return &model.Config{
		SpecialChars: chars,
		DeductionRules: []model.DeductionRule{
			band(81, 199, 5),
			band(200, 399, 10),
			band(400, 599, 20),
			band(600, 799, 30),
			band(800, 1049, 40),
			ramp(band(1050, 1999, 50), 10, 200),
			band(2000, 2080, 80),
			band(2081, 2400, 100),
			band(2401, 3080, 120),
			band(3081, 3800, 150),
			{Min: decimal.NewFromInt(3801), Deduction: decimal.NewFromInt(300)},
		},
	}
}

func band(min, max, deduction int64) model.DeductionRule {
	hi := decimal.NewFromInt(max)
	return model.DeductionRule{
		Min:       decimal.NewFromInt(min),
		Max:       &hi,
		Deduction: decimal.NewFromInt(deduction),
	}
}

func ramp(r model.DeductionRule, increment, interval int64) model.DeductionRule {
	inc := decimal.NewFromInt(increment)
	ivl := decimal.NewFromInt(interval)
	r.Increment = &inc
	r.Interval = &ivl
	return r
}
