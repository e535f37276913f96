package payout

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/servision-wang/data-processing/internal/model"
	wagerpkg "github.com/servision-wang/data-processing/internal/wager"
)

// ErrInvalidConfig is returned when a configuration fails validation.
var ErrInvalidConfig = errors.New("payout: invalid config")

var one = decimal.NewFromInt(1)

// ValidateConfig checks a configuration and returns a cleaned copy: special
// markers trimmed and de-duplicated, rules sorted by Min. The input is not
// modified.
func ValidateConfig(cfg *model.Config) (*model.Config, error) {
	if cfg == nil {
		return nil, fmt.Errorf("%w: missing config", ErrInvalidConfig)
	}
	if cfg.SpecialChars == nil {
		return nil, fmt.Errorf("%w: special_chars is required", ErrInvalidConfig)
	}
	if cfg.DeductionRules == nil {
		return nil, fmt.Errorf("%w: deduction_rules is required", ErrInvalidConfig)
	}
	for i, c := range cfg.SpecialChars {
		if strings.TrimSpace(c) == "" {
			return nil, fmt.Errorf("%w: special char %d is empty", ErrInvalidConfig, i+1)
		}
	}

	rules, err := ValidateRules(cfg.DeductionRules)
	if err != nil {
		return nil, err
	}
	return &model.Config{
		SpecialChars:   wagerpkg.CleanSpecialChars(cfg.SpecialChars),
		DeductionRules: rules,
	}, nil
}

// ValidateRules sorts a rule table by Min and checks that it is well
// formed: non-negative bounds and deductions, complete and positive ramps,
// and consecutive integer bands with no gap or overlap. Only the last band
// may be unbounded.
func ValidateRules(rules []model.DeductionRule) ([]model.DeductionRule, error) {
	sorted := NewSchedule(rules)

	for i, r := range sorted {
		n := i + 1
		if r.Min.IsNegative() {
			return nil, fmt.Errorf("%w: rule %d: min must not be negative", ErrInvalidConfig, n)
		}
		if r.Max != nil && r.Max.LessThan(r.Min) {
			return nil, fmt.Errorf("%w: rule %d: max must not be less than min", ErrInvalidConfig, n)
		}
		if r.Deduction.IsNegative() {
			return nil, fmt.Errorf("%w: rule %d: deduction must not be negative", ErrInvalidConfig, n)
		}
		if (r.Increment == nil) != (r.Interval == nil) {
			return nil, fmt.Errorf("%w: rule %d: increment and interval must be set together", ErrInvalidConfig, n)
		}
		if r.Incremental() && (!r.Increment.IsPositive() || !r.Interval.IsPositive()) {
			return nil, fmt.Errorf("%w: rule %d: increment and interval must be positive", ErrInvalidConfig, n)
		}

		if i == len(sorted)-1 {
			break
		}
		next := sorted[i+1]
		if r.Max == nil {
			return nil, fmt.Errorf("%w: rule %d: only the last rule may be unbounded", ErrInvalidConfig, n)
		}
		if r.Max.Add(one).LessThan(next.Min) {
			return nil, fmt.Errorf("%w: gap between rules %d and %d", ErrInvalidConfig, n, n+1)
		}
		if r.Max.GreaterThanOrEqual(next.Min) {
			return nil, fmt.Errorf("%w: rules %d and %d overlap", ErrInvalidConfig, n, n+1)
		}
	}

	return sorted, nil
}
