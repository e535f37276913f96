package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/servision-wang/data-processing/internal/model"
)

// CachedStore wraps a primary Store with a Redis read-through cache.
// Config writes go to the primary store and invalidate the cache; book
// writes replace the cached book with the committed one. Reads check Redis
// first then fall back to the primary. Locking stays with the primary, so
// the cache never takes part in a read-modify-write.
//
// Cached books are ordered by Book.Revision: a fill never replaces a
// cached book with an older revision, so a slow reader cannot put back a
// book a writer has already superseded.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) SaveConfig(ctx context.Context, userID string, cfg *model.Config) error {
	if err := s.primary.SaveConfig(ctx, userID, cfg); err != nil {
		return err
	}
	s.invalidate(ctx, configKey(userID))
	return nil
}

func (s *CachedStore) DeleteConfig(ctx context.Context, userID string) error {
	if err := s.primary.DeleteConfig(ctx, userID); err != nil {
		return err
	}
	s.invalidate(ctx, configKey(userID))
	return nil
}

func (s *CachedStore) UpdateBook(ctx context.Context, userID string, fn func(*model.Book) error) error {
	var committed *model.Book
	err := s.primary.UpdateBook(ctx, userID, func(b *model.Book) error {
		if err := fn(b); err != nil {
			return err
		}
		committed = b
		return nil
	})
	if err != nil {
		// The primary may have committed before failing; drop the cached copy.
		s.invalidate(ctx, bookKey(userID))
		return err
	}
	if !s.fillBook(ctx, userID, committed) {
		s.invalidate(ctx, bookKey(userID))
	}
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetConfig(ctx context.Context, userID string) (*model.Config, error) {
	var cfg model.Config
	if s.lookup(ctx, configKey(userID), &cfg) {
		return &cfg, nil
	}

	// Cache miss. ErrNotFound is not cached.
	c, err := s.primary.GetConfig(ctx, userID)
	if err != nil {
		return nil, err
	}
	s.fill(ctx, configKey(userID), c)
	return c, nil
}

func (s *CachedStore) GetBook(ctx context.Context, userID string) (*model.Book, error) {
	var b model.Book
	if s.lookup(ctx, bookKey(userID), &b) {
		if b.Scores == nil {
			b.Scores = model.NewBook().Scores
		}
		if b.History == nil {
			b.History = []model.Entry{}
		}
		return &b, nil
	}

	book, err := s.primary.GetBook(ctx, userID)
	if err != nil {
		return nil, err
	}
	s.fillBook(ctx, userID, book)
	return book, nil
}

// --- Cache helpers ---

func (s *CachedStore) lookup(ctx context.Context, key string, v any) bool {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return false
	}
	return json.Unmarshal(data, v) == nil
}

func (s *CachedStore) fill(ctx context.Context, key string, v any) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}

// fillBookScript stores ARGV[1] under KEYS[1] unless the cached book has a
// revision at or above ARGV[2]. ARGV[3] is the TTL in milliseconds; 0
// keeps the key without expiry.
var fillBookScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if cur then
	local ok, doc = pcall(cjson.decode, cur)
	if ok and type(doc) == 'table' and tonumber(doc['revision'] or 0) >= tonumber(ARGV[2]) then
		return 0
	end
end
if tonumber(ARGV[3]) > 0 then
	redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[3])
else
	redis.call('SET', KEYS[1], ARGV[1])
end
return 1
`)

// fillBook caches b unless a newer revision is already cached. It reports
// false when Redis could not be reached or b could not be encoded.
func (s *CachedStore) fillBook(ctx context.Context, userID string, b *model.Book) bool {
	if b == nil {
		return false
	}
	data, err := json.Marshal(b)
	if err != nil {
		return false
	}
	err = fillBookScript.Run(ctx, s.rdb, []string{bookKey(userID)},
		string(data), b.Revision, s.ttl.Milliseconds()).Err()
	if err != nil {
		slog.Warn("cache fill failed", "key", bookKey(userID), "err", err)
		return false
	}
	return true
}

func (s *CachedStore) invalidate(ctx context.Context, key string) {
	if err := s.rdb.Del(ctx, key).Err(); err != nil {
		slog.Warn("cache invalidation failed", "key", key, "err", err)
	}
}

func configKey(uid string) string { return fmt.Sprintf("config:%s", uid) }
func bookKey(uid string) string   { return fmt.Sprintf("book:%s", uid) }
