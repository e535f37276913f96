package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/servision-wang/data-processing/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu      sync.RWMutex
	configs map[string]*model.Config
	books   map[string]*model.Book

	users keyedMutex
	lock  LockOptions
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore(lock LockOptions) *MemoryStore {
	return &MemoryStore{
		configs: make(map[string]*model.Config),
		books:   make(map[string]*model.Book),
		lock:    lock,
	}
}

func (s *MemoryStore) GetConfig(_ context.Context, userID string) (*model.Config, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cfg, ok := s.configs[userID]
	if !ok {
		return nil, fmt.Errorf("%w: config for %s", ErrNotFound, userID)
	}
	return cloneConfig(cfg), nil
}

func (s *MemoryStore) SaveConfig(_ context.Context, userID string, cfg *model.Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Store a copy to avoid external mutation.
	s.configs[userID] = cloneConfig(cfg)
	return nil
}

func (s *MemoryStore) DeleteConfig(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.configs, userID)
	return nil
}

func (s *MemoryStore) GetBook(_ context.Context, userID string) (*model.Book, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.books[userID]
	if !ok {
		return model.NewBook(), nil
	}
	return cloneBook(b), nil
}

// UpdateBook serializes writers per user; fn runs on a private copy that
// replaces the stored book only when fn succeeds.
func (s *MemoryStore) UpdateBook(ctx context.Context, userID string, fn func(*model.Book) error) error {
	m := s.users.get(userID)
	if err := withRetry(ctx, s.lock, userID, func() (bool, error) {
		return m.TryLock(), nil
	}); err != nil {
		return err
	}
	defer m.Unlock()

	b, err := s.GetBook(ctx, userID)
	if err != nil {
		return err
	}
	if err := apply(b, fn); err != nil {
		return err
	}

	s.mu.Lock()
	s.books[userID] = cloneBook(b)
	s.mu.Unlock()
	return nil
}

func cloneConfig(cfg *model.Config) *model.Config {
	out := &model.Config{
		SpecialChars:   append([]string{}, cfg.SpecialChars...),
		DeductionRules: make([]model.DeductionRule, len(cfg.DeductionRules)),
	}
	for i, r := range cfg.DeductionRules {
		out.DeductionRules[i] = model.DeductionRule{
			Min:       r.Min,
			Max:       cloneDecimal(r.Max),
			Deduction: r.Deduction,
			Increment: cloneDecimal(r.Increment),
			Interval:  cloneDecimal(r.Interval),
		}
	}
	return out
}

// cloneBook copies the score map and the history slice. Entries are never
// mutated after they are appended, so they are shared.
func cloneBook(b *model.Book) *model.Book {
	return &model.Book{
		Scores:   model.CopyScores(b.Scores),
		History:  append([]model.Entry{}, b.History...),
		LastID:   b.LastID,
		Revision: b.Revision,
	}
}

func cloneDecimal(d *decimal.Decimal) *decimal.Decimal {
	if d == nil {
		return nil
	}
	v := *d
	return &v
}
