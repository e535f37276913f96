// Package scoring provides the scoring operations and their HTTP handlers:
// calculating wager batches into a per-user leaderboard, manual score
// edits, history and rollback, and per-user configuration.
//
// All point values use shopspring/decimal, never float64.
package scoring

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/servision-wang/data-processing/internal/ledger"
	"github.com/servision-wang/data-processing/internal/logger"
	"github.com/servision-wang/data-processing/internal/metrics"
	"github.com/servision-wang/data-processing/internal/model"
	"github.com/servision-wang/data-processing/internal/payout"
	"github.com/servision-wang/data-processing/internal/store"
	"github.com/servision-wang/data-processing/internal/wager"
)

// Service runs scoring operations for authenticated users. It holds no
// per-user state: configuration and books are loaded from the store on
// every call, and book updates run under the store's per-user lock.
type Service struct {
	store      store.Store
	ledger     *ledger.Ledger
	parser     *wager.Parser
	validate   *validator.Validate
	hub        *Hub // optional; nil disables push notifications
	userHeader string
}

// NewService creates a scoring service. userHeader names the request
// header carrying the authenticated user id. Pass nil for hub if WebSocket
// broadcasting is not needed.
func NewService(st store.Store, lg *ledger.Ledger, hub *Hub, userHeader string) *Service {
	return &Service{
		store:      st,
		ledger:     lg,
		parser:     wager.NewParser(),
		validate:   newValidator(),
		hub:        hub,
		userHeader: userHeader,
	}
}

// CalculateResult is the response of a calculation.
type CalculateResult struct {
	ProcessedItems []model.Item               `json:"processed_items"`
	Results        []model.Result             `json:"results"`
	Summary        model.Summary              `json:"summary"`
	UpdatedScores  map[string]decimal.Decimal `json:"updated_scores"`
}

// --- Configuration ---

// Config returns the user's configuration, or the built-in default.
func (s *Service) Config(ctx context.Context, userID string) (*model.Config, error) {
	cfg, err := s.store.GetConfig(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return payout.DefaultConfig(), nil
	}
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// SaveConfig validates and stores a configuration, returning the cleaned
// version that was saved. An invalid configuration leaves the stored one
// untouched.
func (s *Service) SaveConfig(ctx context.Context, userID string, cfg *model.Config) (*model.Config, error) {
	clean, err := payout.ValidateConfig(cfg)
	if err != nil {
		return nil, err
	}
	if err := s.store.SaveConfig(ctx, userID, clean); err != nil {
		return nil, err
	}
	logger.FromContext(ctx).Info("config saved",
		"user", userID,
		"special_chars", len(clean.SpecialChars),
		"rules", len(clean.DeductionRules),
	)
	return clean, nil
}

// ResetConfig drops the stored configuration so defaults apply.
func (s *Service) ResetConfig(ctx context.Context, userID string) error {
	if err := s.store.DeleteConfig(ctx, userID); err != nil {
		return err
	}
	logger.FromContext(ctx).Info("config reset", "user", userID)
	return nil
}

// --- Calculation ---

// Calculate scores text for the given hit number and applies the net
// per-label deltas to the user's leaderboard.
func (s *Service) Calculate(ctx context.Context, userID, text, hit string) (*CalculateResult, error) {
	start := time.Now()

	if len(hit) != 1 || hit[0] < '1' || hit[0] > '4' {
		return nil, fmt.Errorf("%w: %q", ErrInvalidHitNumber, hit)
	}
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyInput
	}

	cfg, err := s.Config(ctx, userID)
	if err != nil {
		return nil, err
	}

	ev := Evaluate(s.parser, text, hit, cfg)
	log := logger.FromContext(ctx)
	if ev.Gaps > 0 {
		metrics.DeductionGaps.Add(float64(ev.Gaps))
		log.Warn("payout matched no deduction band",
			"user", userID,
			"count", ev.Gaps,
		)
	}

	var updated map[string]decimal.Decimal
	err = s.update(ctx, userID, func(b *model.Book) error {
		updated = s.ledger.ApplyCalculation(b, ev.Deltas, hit, ev.Summary.TotalSum)
		return nil
	})
	if err != nil {
		return nil, err
	}
	ev.annotate(updated)

	for _, r := range ev.Results {
		metrics.WagersTotal.WithLabelValues(outcome(r)).Inc()
	}
	if len(ev.Deltas) > 0 {
		metrics.CalculationsTotal.Inc()
		metrics.LedgerOperations.WithLabelValues(string(model.EntryCalculation)).Inc()
		s.notify(userID)
	}
	metrics.CalculationLatency.Observe(time.Since(start).Seconds())

	log.Info("calculation applied",
		"user", userID,
		"hit", hit,
		"items", len(ev.Items),
		"labels", ledger.JoinLabels(ev.Deltas),
		"total", ev.Summary.TotalSum.String(),
	)

	return &CalculateResult{
		ProcessedItems: ev.Items,
		Results:        ev.Results,
		Summary:        ev.Summary,
		UpdatedScores:  updated,
	}, nil
}

func outcome(r model.Result) string {
	switch {
	case r.Error:
		return "invalid"
	case r.Value.IsPositive():
		return "win"
	case r.Value.IsNegative():
		return "loss"
	default:
		return "push"
	}
}

// --- Leaderboard ---

// Scores returns the leaderboard sorted by score descending, then name.
func (s *Service) Scores(ctx context.Context, userID string) ([]model.Score, error) {
	b, err := s.store.GetBook(ctx, userID)
	if err != nil {
		return nil, err
	}

	scores := make([]model.Score, 0, len(b.Scores))
	for name, score := range b.Scores {
		scores = append(scores, model.Score{Name: name, Score: score})
	}
	sort.Slice(scores, func(i, j int) bool {
		if c := scores[i].Score.Cmp(scores[j].Score); c != 0 {
			return c > 0
		}
		return scores[i].Name < scores[j].Name
	})
	return scores, nil
}

// ExportScores renders the leaderboard as plain text.
func (s *Service) ExportScores(ctx context.Context, userID string) (string, error) {
	scores, err := s.Scores(ctx, userID)
	if err != nil {
		return "", err
	}
	return payout.ExportScores(scores), nil
}

// UpdateScore creates or overwrites one label's score. The name is
// trimmed and must not be blank.
func (s *Service) UpdateScore(ctx context.Context, userID, name string, score decimal.Decimal) error {
	name, err := labelName("name", name)
	if err != nil {
		return err
	}
	err = s.update(ctx, userID, func(b *model.Book) error {
		s.ledger.ManualSet(b, name, score)
		return nil
	})
	if err != nil {
		return err
	}
	s.mutated(ctx, userID, "manual_set", "name", name, "score", score.String())
	return nil
}

// EditScore renames a label and sets its score. Both names are trimmed
// and the new one must not be blank.
func (s *Service) EditScore(ctx context.Context, userID, oldName, newName string, score decimal.Decimal) error {
	oldName = strings.TrimSpace(oldName)
	newName, err := labelName("new_name", newName)
	if err != nil {
		return err
	}
	err = s.update(ctx, userID, func(b *model.Book) error {
		return s.ledger.ManualEdit(b, oldName, newName, score)
	})
	if err != nil {
		return err
	}
	s.mutated(ctx, userID, string(model.EntryManualEdit), "old_name", oldName, "new_name", newName, "score", score.String())
	return nil
}

// DeleteScore removes a label. Deleting a missing label is not an error.
func (s *Service) DeleteScore(ctx context.Context, userID, name string) error {
	name = strings.TrimSpace(name)
	var deleted bool
	err := s.update(ctx, userID, func(b *model.Book) error {
		deleted = s.ledger.Delete(b, name)
		return nil
	})
	if err != nil {
		return err
	}
	if deleted {
		s.mutated(ctx, userID, string(model.EntryManualDelete), "name", name)
	}
	return nil
}

// ClearScores empties the leaderboard. History is kept; the clear itself
// is not recorded and cannot be rolled back.
func (s *Service) ClearScores(ctx context.Context, userID string) error {
	err := s.update(ctx, userID, func(b *model.Book) error {
		s.ledger.Clear(b)
		return nil
	})
	if err != nil {
		return err
	}
	s.mutated(ctx, userID, "clear")
	return nil
}

// --- History ---

// History returns the user's history, most recent first.
func (s *Service) History(ctx context.Context, userID string) ([]model.Entry, error) {
	b, err := s.store.GetBook(ctx, userID)
	if err != nil {
		return nil, err
	}

	entries := make([]model.Entry, len(b.History))
	for i, e := range b.History {
		entries[len(b.History)-1-i] = e
	}
	return entries, nil
}

// Rollback restores the scores from just before entry id and discards that
// entry and all later ones.
func (s *Service) Rollback(ctx context.Context, userID string, id int64) error {
	err := s.update(ctx, userID, func(b *model.Book) error {
		return s.ledger.Rollback(b, id)
	})
	if err != nil {
		return err
	}
	s.mutated(ctx, userID, "rollback", "version", id)
	return nil
}

// --- helpers ---

// labelName trims a label name supplied by a client and rejects a blank one.
func labelName(field, name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", fmt.Errorf("%w: %s must not be blank", ErrInvalidRequest, field)
	}
	return name, nil
}

// update runs fn under the user's book lock.
func (s *Service) update(ctx context.Context, userID string, fn func(*model.Book) error) error {
	err := s.store.UpdateBook(ctx, userID, fn)
	if errors.Is(err, store.ErrLockTimeout) {
		metrics.LockTimeouts.Inc()
		logger.FromContext(ctx).Warn("book lock timeout", "user", userID)
	}
	return err
}

// mutated records a successful manual mutation and pushes a leaderboard
// update to the user's subscribers.
func (s *Service) mutated(ctx context.Context, userID, op string, attrs ...any) {
	metrics.LedgerOperations.WithLabelValues(op).Inc()
	logger.FromContext(ctx).Info("scores changed",
		append([]any{"user", userID, "operation", op}, attrs...)...,
	)
	s.notify(userID)
}

func (s *Service) notify(userID string) {
	if s.hub != nil {
		s.hub.Broadcast(userID, Message{Type: MessageScoresUpdated, UserID: userID})
	}
}
