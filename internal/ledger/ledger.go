// Package ledger applies score mutations to a user's Book and keeps the
// undo history.
//
// Every operation here is a pure in-memory transformation of a *model.Book.
// Callers are responsible for loading the book and persisting it under the
// per-user lock; see store.Store.UpdateBook.
package ledger

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/servision-wang/data-processing/internal/model"
)

// DefaultMaxHistory is the number of history entries kept per user.
const DefaultMaxHistory = 100

var (
	// ErrVersionNotFound is returned by Rollback for an unknown entry id.
	ErrVersionNotFound = errors.New("ledger: version not found")

	// ErrNameConflict is returned when a rename targets a label that
	// already has a score.
	ErrNameConflict = errors.New("ledger: name already exists")

	// ErrScoreNotFound is returned when an edit targets a missing label.
	ErrScoreNotFound = errors.New("ledger: score not found")
)

// Ledger mutates books. It is stateless apart from its settings and is
// safe for concurrent use on distinct books.
type Ledger struct {
	maxHistory int
	now        func() time.Time
}

// New creates a ledger that keeps at most maxHistory entries per book.
// A non-positive value selects DefaultMaxHistory.
func New(maxHistory int) *Ledger {
	if maxHistory <= 0 {
		maxHistory = DefaultMaxHistory
	}
	return &Ledger{
		maxHistory: maxHistory,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// MaxHistory returns the history cap.
func (l *Ledger) MaxHistory() int {
	return l.maxHistory
}

// ApplyCalculation adds each label's delta to its score and records one
// calculation entry. It returns the updated score of every affected label.
// An empty delta set changes nothing and records nothing.
func (l *Ledger) ApplyCalculation(b *model.Book, deltas map[string]decimal.Decimal, hit string, totalSum decimal.Decimal) map[string]decimal.Decimal {
	updated := make(map[string]decimal.Decimal, len(deltas))
	if len(deltas) == 0 {
		return updated
	}

	ensure(b)
	before := model.CopyScores(b.Scores)
	for label, delta := range deltas {
		b.Scores[label] = b.Scores[label].Add(delta)
		updated[label] = b.Scores[label]
	}

	l.append(b, model.Entry{
		Type:               model.EntryCalculation,
		Operation:          fmt.Sprintf("calculation: hit %s, %d players, total %s", hit, len(deltas), totalSum.String()),
		ScoresBeforeChange: before,
		Calculation: &model.CalculationChange{
			ScoreChanges: model.CopyScores(deltas),
			HitNumber:    hit,
			TotalSum:     totalSum,
		},
	})
	return updated
}

// ManualSet creates or overwrites one label's score. Creating a label with
// a zero score is not recorded.
func (l *Ledger) ManualSet(b *model.Book, name string, score decimal.Decimal) {
	ensure(b)
	old, existed := b.Scores[name]
	before := model.CopyScores(b.Scores)
	b.Scores[name] = score

	if !existed && score.IsZero() {
		return
	}

	typ, verb := model.EntryManualUpdate, "update"
	if !existed {
		typ, verb = model.EntryManualAdd, "add"
	}
	l.append(b, model.Entry{
		Type:               typ,
		Operation:          fmt.Sprintf("%s %s: %s -> %s", verb, name, old.String(), score.String()),
		ScoresBeforeChange: before,
		Change: &model.ScoreChange{
			OldName:   name,
			NewName:   name,
			OldScore:  old,
			NewScore:  score,
			ScoreDiff: score.Sub(old),
		},
	})
}

// ManualEdit renames a label and sets its score in one step.
func (l *Ledger) ManualEdit(b *model.Book, oldName, newName string, score decimal.Decimal) error {
	old, ok := b.Scores[oldName]
	if !ok {
		return fmt.Errorf("%w: %s", ErrScoreNotFound, oldName)
	}
	if newName != oldName {
		if _, taken := b.Scores[newName]; taken {
			return fmt.Errorf("%w: %s", ErrNameConflict, newName)
		}
	}

	ensure(b)
	before := model.CopyScores(b.Scores)
	delete(b.Scores, oldName)
	b.Scores[newName] = score

	op := fmt.Sprintf("edit %s: %s -> %s", oldName, old.String(), score.String())
	if newName != oldName {
		op = fmt.Sprintf("edit %s -> %s: %s -> %s", oldName, newName, old.String(), score.String())
	}
	l.append(b, model.Entry{
		Type:               model.EntryManualEdit,
		Operation:          op,
		ScoresBeforeChange: before,
		Change: &model.ScoreChange{
			OldName:   oldName,
			NewName:   newName,
			OldScore:  old,
			NewScore:  score,
			ScoreDiff: score.Sub(old),
		},
	})
	return nil
}

// Delete removes a label. It reports whether the label existed; deleting
// a missing label records nothing.
func (l *Ledger) Delete(b *model.Book, name string) bool {
	old, ok := b.Scores[name]
	if !ok {
		return false
	}

	before := model.CopyScores(b.Scores)
	delete(b.Scores, name)

	l.append(b, model.Entry{
		Type:               model.EntryManualDelete,
		Operation:          fmt.Sprintf("delete %s (%s)", name, old.String()),
		ScoresBeforeChange: before,
		Deleted:            &model.Score{Name: name, Score: old},
	})
	return true
}

// Clear empties the score map. History is kept and no entry is recorded,
// so a clear cannot be rolled back.
func (l *Ledger) Clear(b *model.Book) {
	b.Scores = make(map[string]decimal.Decimal)
}

// Rollback restores the scores captured before entry id and drops that
// entry and everything after it.
func (l *Ledger) Rollback(b *model.Book, id int64) error {
	idx := -1
	for i, e := range b.History {
		if e.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return fmt.Errorf("%w: %d", ErrVersionNotFound, id)
	}

	b.Scores = model.CopyScores(b.History[idx].ScoresBeforeChange)
	b.History = b.History[:idx:idx]
	return nil
}

// ensure makes a book decoded from sparse JSON writable.
func ensure(b *model.Book) {
	if b.Scores == nil {
		b.Scores = make(map[string]decimal.Decimal)
	}
}

// append stamps e with a fresh id and timestamp and trims the history to
// the cap. Ids are the creation time in milliseconds, bumped past every id
// the book has issued, including ids dropped by a rollback.
func (l *Ledger) append(b *model.Book, e model.Entry) {
	now := l.now()
	e.ID = now.UnixMilli()
	if floor := lastID(b); e.ID <= floor {
		e.ID = floor + 1
	}
	e.Timestamp = now
	b.LastID = e.ID

	b.History = append(b.History, e)
	if over := len(b.History) - l.maxHistory; over > 0 {
		b.History = append([]model.Entry(nil), b.History[over:]...)
	}
}

// lastID returns the highest id issued so far. Books written before the
// high-water mark existed fall back to their newest entry.
func lastID(b *model.Book) int64 {
	id := b.LastID
	if n := len(b.History); n > 0 && b.History[n-1].ID > id {
		id = b.History[n-1].ID
	}
	return id
}

// JoinLabels returns the labels of a delta set sorted and comma-joined,
// for log lines.
func JoinLabels(deltas map[string]decimal.Decimal) string {
	labels := make([]string, 0, len(deltas))
	for k := range deltas {
		labels = append(labels, k)
	}
	sort.Strings(labels)
	return strings.Join(labels, ",")
}
