package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/servision-wang/data-processing/internal/model"
)

// lockNotAvailable is the SQLSTATE raised by FOR UPDATE NOWAIT when another
// transaction holds the row.
const lockNotAvailable = "55P03"

const schema = `
CREATE TABLE IF NOT EXISTS user_configs (
	user_id    TEXT PRIMARY KEY,
	config     JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS score_books (
	user_id    TEXT PRIMARY KEY,
	scores     JSONB NOT NULL DEFAULT '{}',
	history    JSONB NOT NULL DEFAULT '[]',
	last_id    BIGINT NOT NULL DEFAULT 0,
	revision   BIGINT NOT NULL DEFAULT 0,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

ALTER TABLE score_books ADD COLUMN IF NOT EXISTS last_id BIGINT NOT NULL DEFAULT 0;
ALTER TABLE score_books ADD COLUMN IF NOT EXISTS revision BIGINT NOT NULL DEFAULT 0;
`

// PostgresStore implements Store on PostgreSQL. Each user's book is one
// row; scores and history are JSONB so point values keep their exact
// decimal text. Updates lock the row inside a transaction.
type PostgresStore struct {
	pool *pgxpool.Pool
	lock LockOptions
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool, lock LockOptions) *PostgresStore {
	return &PostgresStore{pool: pool, lock: lock}
}

// EnsureSchema creates the tables if they do not exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetConfig(ctx context.Context, userID string) (*model.Config, error) {
	var raw string
	err := s.pool.QueryRow(ctx,
		`SELECT config::TEXT FROM user_configs WHERE user_id = $1`, userID).
		Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: config for %s", ErrNotFound, userID)
	}
	if err != nil {
		return nil, fmt.Errorf("get config for %s: %w", userID, err)
	}

	var cfg model.Config
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		return nil, fmt.Errorf("decode config for %s: %w", userID, err)
	}
	return &cfg, nil
}

func (s *PostgresStore) SaveConfig(ctx context.Context, userID string, cfg *model.Config) error {
	data, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO user_configs (user_id, config, updated_at)
		 VALUES ($1, $2::JSONB, NOW())
		 ON CONFLICT (user_id) DO UPDATE
		 SET config = EXCLUDED.config, updated_at = NOW()`,
		userID, string(data))
	if err != nil {
		return fmt.Errorf("save config for %s: %w", userID, err)
	}
	return nil
}

func (s *PostgresStore) DeleteConfig(ctx context.Context, userID string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM user_configs WHERE user_id = $1`, userID); err != nil {
		return fmt.Errorf("delete config for %s: %w", userID, err)
	}
	return nil
}

func (s *PostgresStore) GetBook(ctx context.Context, userID string) (*model.Book, error) {
	b, err := scanBook(userID, s.pool.QueryRow(ctx,
		`SELECT `+bookColumns+` FROM score_books WHERE user_id = $1`, userID))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.NewBook(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("get book for %s: %w", userID, err)
	}
	return b, nil
}

// UpdateBook locks the user's row with FOR UPDATE NOWAIT and retries with
// backoff while another transaction holds it.
func (s *PostgresStore) UpdateBook(ctx context.Context, userID string, fn func(*model.Book) error) error {
	return withRetry(ctx, s.lock, userID, func() (bool, error) {
		err := s.updateOnce(ctx, userID, fn)
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == lockNotAvailable {
			return false, nil
		}
		return true, err
	})
}

func (s *PostgresStore) updateOnce(ctx context.Context, userID string, fn func(*model.Book) error) error {
	// Committed before the transaction so a concurrent first write waits
	// on the row lock below instead of on an uncommitted insert.
	if _, err := s.pool.Exec(ctx,
		`INSERT INTO score_books (user_id) VALUES ($1) ON CONFLICT (user_id) DO NOTHING`,
		userID); err != nil {
		return fmt.Errorf("ensure book row: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	b, err := scanBook(userID, tx.QueryRow(ctx,
		`SELECT `+bookColumns+` FROM score_books
		 WHERE user_id = $1 FOR UPDATE NOWAIT`, userID))
	if err != nil {
		return fmt.Errorf("lock book for %s: %w", userID, err)
	}
	if err := apply(b, fn); err != nil {
		return err
	}

	newScores, err := json.Marshal(b.Scores)
	if err != nil {
		return fmt.Errorf("encode scores: %w", err)
	}
	newHistory, err := json.Marshal(b.History)
	if err != nil {
		return fmt.Errorf("encode history: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE score_books
		 SET scores = $2::JSONB, history = $3::JSONB,
		     last_id = $4, revision = $5, updated_at = NOW()
		 WHERE user_id = $1`,
		userID, string(newScores), string(newHistory), b.LastID, b.Revision); err != nil {
		return fmt.Errorf("write book for %s: %w", userID, err)
	}

	return tx.Commit(ctx)
}

const bookColumns = `scores::TEXT, history::TEXT, last_id, revision`

// scanBook reads one row selected with bookColumns. Scan errors are
// returned unwrapped so callers can match pgx.ErrNoRows and lock errors.
func scanBook(userID string, row pgx.Row) (*model.Book, error) {
	var (
		scores, history  string
		lastID, revision int64
	)
	if err := row.Scan(&scores, &history, &lastID, &revision); err != nil {
		return nil, err
	}
	b, err := decodeBook(userID, scores, history)
	if err != nil {
		return nil, err
	}
	b.LastID = lastID
	b.Revision = revision
	return b, nil
}

func decodeBook(userID, scores, history string) (*model.Book, error) {
	b := model.NewBook()
	if err := json.Unmarshal([]byte(scores), &b.Scores); err != nil {
		return nil, fmt.Errorf("decode scores for %s: %w", userID, err)
	}
	if err := json.Unmarshal([]byte(history), &b.History); err != nil {
		return nil, fmt.Errorf("decode history for %s: %w", userID, err)
	}
	if b.Scores == nil {
		b.Scores = model.NewBook().Scores
	}
	if b.History == nil {
		b.History = []model.Entry{}
	}
	return b, nil
}
