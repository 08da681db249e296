package cachestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RedisStoreConfig holds the configuration for the Redis-backed store.
type RedisStoreConfig struct {
	Addr     string
	Password string
	DB       int
	// KeyPrefix namespaces entry keys. Defaults to "renderflow:entry:".
	KeyPrefix string
}

// RedisStore persists entries as JSON values under a key prefix. Stats and
// eviction iterate the prefix with SCAN, so they are one bounded pass over
// the entry set current at scan time.
type RedisStore struct {
	client *redis.Client
	prefix string
	logger zerolog.Logger
}

// NewRedisStore creates and connects a RedisStore. It pings the server to
// ensure connectivity before returning.
func NewRedisStore(ctx context.Context, cfg RedisStoreConfig, logger zerolog.Logger) (*RedisStore, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "renderflow:entry:"
	}

	logger.Info().Str("redis_address", cfg.Addr).Msg("Successfully connected to Redis.")
	return &RedisStore{
		client: rdb,
		prefix: prefix,
		logger: logger.With().Str("component", "RedisStore").Logger(),
	}, nil
}

func (s *RedisStore) key(fp string) string {
	return s.prefix + fp
}

// Get fetches and decodes the entry for the fingerprint. A redis.Nil error is
// a normal miss; any other failure is logged and reported as a miss.
func (s *RedisStore) Get(ctx context.Context, fp string) (*Entry, bool) {
	data, err := s.client.Get(ctx, s.key(fp)).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			s.logger.Error().Err(err).Str("fingerprint", fp).Msg("Redis read failed, treating as miss.")
		}
		return nil, false
	}

	var entry Entry
	if err := json.Unmarshal([]byte(data), &entry); err != nil {
		s.logger.Warn().Err(err).Str("fingerprint", fp).Msg("Malformed cache entry, treating as miss.")
		return nil, false
	}
	return &entry, true
}

// Put stores the entry without a TTL; eviction is explicit via the clear
// operations.
func (s *RedisStore) Put(ctx context.Context, entry *Entry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("%w: marshal entry %s: %v", ErrCacheWrite, entry.Fingerprint, err)
	}
	if err := s.client.Set(ctx, s.key(entry.Fingerprint), data, 0).Err(); err != nil {
		return fmt.Errorf("%w: set entry %s: %v", ErrCacheWrite, entry.Fingerprint, err)
	}
	s.logger.Debug().Str("fingerprint", entry.Fingerprint).Msg("Cache entry written.")
	return nil
}

// Stats scans all entry keys. Unreadable values are skipped.
func (s *RedisStore) Stats(ctx context.Context) Statistics {
	var stats Statistics
	iter := s.client.Scan(ctx, 0, s.prefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		data, err := s.client.Get(ctx, iter.Val()).Result()
		if err != nil {
			continue
		}
		var entry Entry
		if err := json.Unmarshal([]byte(data), &entry); err != nil {
			s.logger.Warn().Err(err).Str("key", iter.Val()).Msg("Malformed cache entry, skipping.")
			continue
		}
		stats.observe(entry.CreatedAt, int64(len(data)))
	}
	if err := iter.Err(); err != nil {
		s.logger.Error().Err(err).Msg("Redis scan failed during stats.")
	}
	return stats
}

// ClearAll deletes every entry key under the prefix.
func (s *RedisStore) ClearAll(ctx context.Context) (int, error) {
	deleted := 0
	iter := s.client.Scan(ctx, 0, s.prefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		if err := s.client.Del(ctx, iter.Val()).Err(); err != nil {
			s.logger.Warn().Err(err).Str("key", iter.Val()).Msg("Failed to delete cache entry, skipping.")
			continue
		}
		deleted++
	}
	if err := iter.Err(); err != nil {
		return deleted, fmt.Errorf("redis scan failed: %w", err)
	}
	s.logger.Info().Int("deleted", deleted).Msg("Cache cleared.")
	return deleted, nil
}

// ClearOlderThan deletes entries created more than maxAge before now.
func (s *RedisStore) ClearOlderThan(ctx context.Context, maxAge time.Duration) (int, error) {
	if maxAge < 0 {
		return 0, fmt.Errorf("%w: maxAge must be non-negative, got %s", ErrInvalidArgument, maxAge)
	}

	cutoff := time.Now().UnixMilli() - maxAge.Milliseconds()
	deleted := 0
	iter := s.client.Scan(ctx, 0, s.prefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		data, err := s.client.Get(ctx, iter.Val()).Result()
		if err != nil {
			continue
		}
		var entry Entry
		if err := json.Unmarshal([]byte(data), &entry); err != nil {
			continue
		}
		if entry.CreatedAt < cutoff {
			if err := s.client.Del(ctx, iter.Val()).Err(); err != nil {
				s.logger.Warn().Err(err).Str("key", iter.Val()).Msg("Failed to delete stale entry, skipping.")
				continue
			}
			deleted++
		}
	}
	if err := iter.Err(); err != nil {
		return deleted, fmt.Errorf("redis scan failed: %w", err)
	}
	s.logger.Info().Int("deleted", deleted).Dur("max_age", maxAge).Msg("Stale cache entries cleared.")
	return deleted, nil
}

// Close closes the Redis client connection.
func (s *RedisStore) Close() error {
	if s.client != nil {
		s.logger.Info().Msg("Closing Redis client connection...")
		return s.client.Close()
	}
	return nil
}
