package scoring

import (
	"github.com/shopspring/decimal"

	"github.com/servision-wang/data-processing/internal/model"
	"github.com/servision-wang/data-processing/internal/payout"
	"github.com/servision-wang/data-processing/internal/wager"
)

// Evaluation is the outcome of scoring one batch of text, before anything
// is written to the ledger.
type Evaluation struct {
	Items   []model.Item
	Results []model.Result
	Summary model.Summary

	// Deltas is the net value per label over all scoreable items.
	Deltas map[string]decimal.Decimal

	// Gaps counts deductible payouts that matched no band.
	Gaps int
}

// Evaluate runs parse, normalize and calculate over text. Items and
// Results are index-aligned. Unscoreable items get an error result and
// contribute to no sum.
func Evaluate(p *wager.Parser, text, hit string, cfg *model.Config) Evaluation {
	schedule := payout.NewSchedule(cfg.DeductionRules)

	ev := Evaluation{
		Items:   []model.Item{},
		Results: []model.Result{},
		Deltas:  make(map[string]decimal.Decimal),
	}

	for _, g := range p.Parse(text, cfg.SpecialChars) {
		item, ok := wager.Normalize(g, cfg.SpecialChars)
		if !ok {
			continue
		}
		ev.Items = append(ev.Items, item)
		if len(item.Digits) > ev.Summary.MaxDigitWidth {
			ev.Summary.MaxDigitWidth = len(item.Digits)
		}

		if item.IsInvalid {
			ev.Results = append(ev.Results, model.Result{Error: true})
			continue
		}

		stake, err := decimal.NewFromString(item.Total)
		if err != nil {
			ev.Results = append(ev.Results, model.Result{Error: true})
			continue
		}
		res := payout.Calculate(payout.Wager{
			Digits:  item.Digits,
			Stake:   stake,
			Special: item.IsSpecial,
		}, hit, schedule)
		ev.Results = append(ev.Results, res)

		if res.Error {
			continue
		}
		if res.Unmatched {
			ev.Gaps++
		}
		ev.Deltas[item.Label] = ev.Deltas[item.Label].Add(res.Value)
		ev.Summary.TotalSum = ev.Summary.TotalSum.Add(res.Value)
		switch {
		case res.Value.IsPositive():
			ev.Summary.PositiveSum = ev.Summary.PositiveSum.Add(res.Value)
		case res.Value.IsNegative():
			ev.Summary.NegativeSum = ev.Summary.NegativeSum.Add(res.Value)
		}
	}

	return ev
}

// annotate sets each scoreable item's TotalScore to its label's updated
// cumulative score.
func (ev *Evaluation) annotate(updated map[string]decimal.Decimal) {
	for i := range ev.Items {
		if ev.Results[i].Error {
			continue
		}
		if score, ok := updated[ev.Items[i].Label]; ok {
			s := score
			ev.Items[i].TotalScore = &s
		}
	}
}
