// Package store defines the persistence interface for per-user scoring
// state. Implementations include PostgreSQL, a JSON file tree, in-memory
// (for testing), and a Redis read-through cache that wraps any of them.
package store

import (
	"context"
	"errors"

	"github.com/servision-wang/data-processing/internal/model"
)

var (
	// ErrNotFound is returned when a user has no stored configuration.
	ErrNotFound = errors.New("store: not found")

	// ErrLockTimeout is returned when the per-user lock could not be taken
	// within the configured bound. Nothing was written; callers may retry.
	ErrLockTimeout = errors.New("store: lock timeout")
)

// Store is the persistence interface. Each user owns one configuration and
// one Book; users share nothing.
type Store interface {
	// --- Configuration ---

	// GetConfig returns the user's stored configuration, or ErrNotFound.
	GetConfig(ctx context.Context, userID string) (*model.Config, error)

	// SaveConfig replaces the user's configuration.
	SaveConfig(ctx context.Context, userID string, cfg *model.Config) error

	// DeleteConfig removes the user's configuration. Deleting a missing
	// configuration is not an error.
	DeleteConfig(ctx context.Context, userID string) error

	// --- Scores and history ---

	// GetBook returns the user's book, or an empty book if none exists.
	GetBook(ctx context.Context, userID string) (*model.Book, error)

	// UpdateBook runs fn on the user's book under the per-user lock and
	// persists the result with its revision advanced by one. If fn returns
	// an error nothing is written and that error is returned. If the lock cannot be taken in time the
	// result is ErrLockTimeout.
	UpdateBook(ctx context.Context, userID string, fn func(*model.Book) error) error
}

// apply runs fn on b and advances the book's revision when fn succeeds.
func apply(b *model.Book, fn func(*model.Book) error) error {
	if err := fn(b); err != nil {
		return err
	}
	b.Revision++
	return nil
}
