package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisStore is a Redis-backed document store. It's suitable for multi-server
// deployments that share persistence through a Redis instance.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// RedisStoreOption configures RedisStore behavior.
type RedisStoreOption func(*RedisStore)

// WithRedisPrefix sets the key prefix for document keys.
// Default: "coedit:".
func WithRedisPrefix(prefix string) RedisStoreOption {
	return func(s *RedisStore) {
		s.prefix = prefix
	}
}

// NewRedisStore creates a Redis-backed document store around an existing
// client. The store takes ownership of the client and closes it with Close.
func NewRedisStore(client *redis.Client, opts ...RedisStoreOption) *RedisStore {
	s := &RedisStore{client: client, prefix: "coedit:"}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisStore) snapshotKey(docID string) string {
	return s.prefix + "snapshot:" + docID
}

func (s *RedisStore) updatesKey(docID string) string {
	return s.prefix + "updates:" + docID
}

// Load retrieves a document's snapshot and appended updates.
func (s *RedisStore) Load(ctx context.Context, docID string) ([]byte, [][]byte, error) {
	snapshot, err := s.client.Get(ctx, s.snapshotKey(docID)).Bytes()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, nil, fmt.Errorf("storage: load snapshot for %q: %w", docID, err)
	}
	raw, err := s.client.LRange(ctx, s.updatesKey(docID), 0, -1).Result()
	if err != nil {
		return nil, nil, fmt.Errorf("storage: load updates for %q: %w", docID, err)
	}
	updates := make([][]byte, 0, len(raw))
	for _, u := range raw {
		updates = append(updates, []byte(u))
	}
	if len(updates) == 0 {
		updates = nil
	}
	return snapshot, updates, nil
}

// AppendUpdate adds one update to the document's log.
func (s *RedisStore) AppendUpdate(ctx context.Context, docID string, update []byte) error {
	if err := s.client.RPush(ctx, s.updatesKey(docID), update).Err(); err != nil {
		return fmt.Errorf("storage: append update for %q: %w", docID, err)
	}
	return nil
}

// SaveSnapshot replaces the document's snapshot and clears the update log
// atomically.
func (s *RedisStore) SaveSnapshot(ctx context.Context, docID string, snapshot []byte) error {
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.snapshotKey(docID), snapshot, 0)
	pipe.Del(ctx, s.updatesKey(docID))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("storage: save snapshot for %q: %w", docID, err)
	}
	return nil
}

// DeleteDoc removes all persisted state for a document.
func (s *RedisStore) DeleteDoc(ctx context.Context, docID string) error {
	if err := s.client.Del(ctx, s.snapshotKey(docID), s.updatesKey(docID)).Err(); err != nil {
		return fmt.Errorf("storage: delete %q: %w", docID, err)
	}
	return nil
}

// Close closes the underlying client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
