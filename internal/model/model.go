// Package model defines the core domain types shared across the scoring engine.
// All point values use shopspring/decimal, never float64.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Config is a user's scoring configuration.
type Config struct {
	SpecialChars   []string        `json:"special_chars"`
	DeductionRules []DeductionRule `json:"deduction_rules"`
}

// DeductionRule is one band of the deduction schedule. A nil Max means the
// band is unbounded. Increment and Interval are either both set or both nil.
type DeductionRule struct {
	Min       decimal.Decimal  `json:"min"`
	Max       *decimal.Decimal `json:"max"`
	Deduction decimal.Decimal  `json:"deduction"`
	Increment *decimal.Decimal `json:"increment,omitempty"`
	Interval  *decimal.Decimal `json:"interval,omitempty"`
}

// Contains reports whether v falls inside [Min, Max].
func (r DeductionRule) Contains(v decimal.Decimal) bool {
	if v.LessThan(r.Min) {
		return false
	}
	return r.Max == nil || v.LessThanOrEqual(*r.Max)
}

// Incremental reports whether the band ramps its deduction.
func (r DeductionRule) Incremental() bool {
	return r.Increment != nil && r.Interval != nil
}

// Group is a raw wager fragment cut from the input text.
type Group struct {
	Label string `json:"label"`
	Data  string `json:"data"`
	Index int    `json:"index"`
}

// Item is a normalized wager ready for scoring.
type Item struct {
	Label        string           `json:"label"`
	Digits       []string         `json:"digits"`
	Total        string           `json:"total"`
	IsInvalid    bool             `json:"is_invalid"`
	IsSpecial    bool             `json:"is_special"`
	SpecialChar  string           `json:"special_char"`
	OriginalData string           `json:"original_data"`
	TotalScore   *decimal.Decimal `json:"total_score,omitempty"` // label's cumulative score after the batch
}

// Result is the scored outcome of one item, from the player's side.
type Result struct {
	Value     decimal.Decimal `json:"value"`
	Deduction decimal.Decimal `json:"deduction"`
	Error     bool            `json:"error"`

	// Unmatched is set when a positive payout above the floor fell into a
	// gap of the rule table and was left undeducted.
	Unmatched bool `json:"-"`
}

// Summary aggregates the results of one batch.
type Summary struct {
	TotalSum      decimal.Decimal `json:"total_sum"`
	PositiveSum   decimal.Decimal `json:"positive_sum"`
	NegativeSum   decimal.Decimal `json:"negative_sum"`
	MaxDigitWidth int             `json:"max_digit_width"`
}

// EntryType distinguishes the ledger entry variants.
type EntryType string

const (
	EntryCalculation  EntryType = "calculation"
	EntryManualAdd    EntryType = "manual_add"
	EntryManualUpdate EntryType = "manual_update"
	EntryManualDelete EntryType = "manual_delete"
	EntryManualEdit   EntryType = "manual_edit"
)

// Entry is an immutable record of one mutation to a user's score map.
// Once appended it is never modified; it only leaves the history through
// eviction (history cap) or rollback truncation.
type Entry struct {
	ID                 int64                      `json:"id"`
	Type               EntryType                  `json:"type"`
	Timestamp          time.Time                  `json:"timestamp"`
	Operation          string                     `json:"operation"`
	ScoresBeforeChange map[string]decimal.Decimal `json:"scores_before_change"`

	Calculation *CalculationChange `json:"calculation,omitempty"` // calculation
	Change      *ScoreChange       `json:"change,omitempty"`      // manual_add, manual_update, manual_edit
	Deleted     *Score             `json:"deleted,omitempty"`     // manual_delete
}

// CalculationChange holds the details of a bulk scoring event.
type CalculationChange struct {
	ScoreChanges map[string]decimal.Decimal `json:"score_changes"`
	HitNumber    string                     `json:"hit_number"`
	TotalSum     decimal.Decimal            `json:"total_sum"`
}

// ScoreChange holds the details of a manual score edit.
type ScoreChange struct {
	OldName   string          `json:"old_name"`
	NewName   string          `json:"new_name"`
	OldScore  decimal.Decimal `json:"old_score"`
	NewScore  decimal.Decimal `json:"new_score"`
	ScoreDiff decimal.Decimal `json:"score_diff"`
}

// Score is one leaderboard row.
type Score struct {
	Name  string          `json:"name"`
	Score decimal.Decimal `json:"score"`
}

// Book is the persisted per-user state: cumulative scores plus history,
// oldest entry first.
//
// LastID is the highest entry id ever issued for the book. It survives
// rollback so a truncated entry's id is never handed out again. Revision
// counts committed updates and orders cached copies of the book.
type Book struct {
	Scores   map[string]decimal.Decimal `json:"scores"`
	History  []Entry                    `json:"history"`
	LastID   int64                      `json:"last_id"`
	Revision int64                      `json:"revision"`
}

// NewBook returns an empty book.
func NewBook() *Book {
	return &Book{
		Scores:  make(map[string]decimal.Decimal),
		History: []Entry{},
	}
}

// CopyScores returns a deep copy of a score map.
func CopyScores(scores map[string]decimal.Decimal) map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal, len(scores))
	for k, v := range scores {
		out[k] = v
	}
	return out
}
