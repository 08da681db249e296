package cachestore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/rs/zerolog"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// FirestoreStoreConfig holds configuration for the Firestore-backed store.
type FirestoreStoreConfig struct {
	CollectionName string
}

// FirestoreStore persists one document per fingerprint. Suitable for low
// volume deployments; at higher entry counts the full-collection scans in
// Stats and the clear operations argue for Redis instead.
type FirestoreStore struct {
	client         *firestore.Client
	collectionName string
	logger         zerolog.Logger
}

// NewFirestoreStore creates a store over an injected Firestore client. The
// client's lifecycle is managed by the caller.
func NewFirestoreStore(cfg FirestoreStoreConfig, client *firestore.Client, logger zerolog.Logger) (*FirestoreStore, error) {
	if client == nil {
		return nil, fmt.Errorf("firestore client cannot be nil")
	}
	if cfg.CollectionName == "" {
		return nil, fmt.Errorf("firestore collection name is required")
	}
	return &FirestoreStore{
		client:         client,
		collectionName: cfg.CollectionName,
		logger:         logger.With().Str("component", "FirestoreStore").Logger(),
	}, nil
}

// Get retrieves the document for the fingerprint. NotFound is a normal miss;
// any other failure is logged and reported as a miss.
func (s *FirestoreStore) Get(ctx context.Context, fp string) (*Entry, bool) {
	docSnap, err := s.client.Collection(s.collectionName).Doc(fp).Get(ctx)
	if err != nil {
		if status.Code(err) != codes.NotFound {
			s.logger.Error().Err(err).Str("fingerprint", fp).Msg("Firestore read failed, treating as miss.")
		}
		return nil, false
	}

	var entry Entry
	if err := docSnap.DataTo(&entry); err != nil {
		s.logger.Warn().Err(err).Str("fingerprint", fp).Msg("Malformed cache entry, treating as miss.")
		return nil, false
	}
	return &entry, true
}

// Put writes the document, replacing any prior entry for the fingerprint.
func (s *FirestoreStore) Put(ctx context.Context, entry *Entry) error {
	_, err := s.client.Collection(s.collectionName).Doc(entry.Fingerprint).Set(ctx, entry)
	if err != nil {
		return fmt.Errorf("%w: firestore set for %s: %v", ErrCacheWrite, entry.Fingerprint, err)
	}
	s.logger.Debug().Str("fingerprint", entry.Fingerprint).Msg("Cache entry written.")
	return nil
}

// Stats iterates the collection. Documents that fail to decode are skipped.
// Sizes are the serialized length of each entry.
func (s *FirestoreStore) Stats(ctx context.Context) Statistics {
	var stats Statistics
	iter := s.client.Collection(s.collectionName).Documents(ctx)
	defer iter.Stop()
	for {
		docSnap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			s.logger.Error().Err(err).Msg("Firestore scan failed during stats.")
			break
		}
		var entry Entry
		if err := docSnap.DataTo(&entry); err != nil {
			s.logger.Warn().Err(err).Str("doc", docSnap.Ref.ID).Msg("Malformed cache entry, skipping.")
			continue
		}
		data, err := json.Marshal(&entry)
		if err != nil {
			continue
		}
		stats.observe(entry.CreatedAt, int64(len(data)))
	}
	return stats
}

// ClearAll deletes every document in the collection.
func (s *FirestoreStore) ClearAll(ctx context.Context) (int, error) {
	deleted := 0
	iter := s.client.Collection(s.collectionName).Documents(ctx)
	defer iter.Stop()
	for {
		docSnap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return deleted, fmt.Errorf("firestore scan failed: %w", err)
		}
		if _, err := docSnap.Ref.Delete(ctx); err != nil {
			s.logger.Warn().Err(err).Str("doc", docSnap.Ref.ID).Msg("Failed to delete cache entry, skipping.")
			continue
		}
		deleted++
	}
	s.logger.Info().Int("deleted", deleted).Msg("Cache cleared.")
	return deleted, nil
}

// ClearOlderThan deletes documents created more than maxAge before now.
func (s *FirestoreStore) ClearOlderThan(ctx context.Context, maxAge time.Duration) (int, error) {
	if maxAge < 0 {
		return 0, fmt.Errorf("%w: maxAge must be non-negative, got %s", ErrInvalidArgument, maxAge)
	}

	cutoff := time.Now().UnixMilli() - maxAge.Milliseconds()
	deleted := 0
	iter := s.client.Collection(s.collectionName).Documents(ctx)
	defer iter.Stop()
	for {
		docSnap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return deleted, fmt.Errorf("firestore scan failed: %w", err)
		}
		var entry Entry
		if err := docSnap.DataTo(&entry); err != nil {
			s.logger.Warn().Err(err).Str("doc", docSnap.Ref.ID).Msg("Malformed cache entry, skipping.")
			continue
		}
		if entry.CreatedAt < cutoff {
			if _, err := docSnap.Ref.Delete(ctx); err != nil {
				s.logger.Warn().Err(err).Str("doc", docSnap.Ref.ID).Msg("Failed to delete stale entry, skipping.")
				continue
			}
			deleted++
		}
	}
	s.logger.Info().Int("deleted", deleted).Dur("max_age", maxAge).Msg("Stale cache entries cleared.")
	return deleted, nil
}

// Close is a no-op as the Firestore client's lifecycle is managed externally.
func (s *FirestoreStore) Close() error {
	s.logger.Info().Msg("FirestoreStore does not close the injected Firestore client.")
	return nil
}
