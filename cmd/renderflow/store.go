package main

import (
	"context"
	"fmt"

	"cloud.google.com/go/firestore"
	"github.com/rs/zerolog"
	"google.golang.org/api/option"

	"github.com/illmade-knight/go-renderflow/pkg/cachestore"
	"github.com/illmade-knight/go-renderflow/pkg/service"
)

// clientOwningStore closes the backing client the store itself does not own.
type clientOwningStore struct {
	cachestore.Store
	closeClient func() error
}

func (s *clientOwningStore) Close() error {
	err := s.Store.Close()
	if closeErr := s.closeClient(); closeErr != nil && err == nil {
		err = closeErr
	}
	return err
}

// buildStore constructs the configured cache backend.
func buildStore(ctx context.Context, cfg *service.Config, logger zerolog.Logger) (cachestore.Store, error) {
	switch cfg.Cache.Backend {
	case "", "file":
		return cachestore.NewFileStore(cachestore.FileStoreConfig{Dir: cfg.Cache.Dir}, logger)
	case "redis":
		return cachestore.NewRedisStore(ctx, cachestore.RedisStoreConfig{
			Addr:     cfg.Cache.Redis.Addr,
			Password: cfg.Cache.Redis.Password,
			DB:       cfg.Cache.Redis.DB,
		}, logger)
	case "firestore":
		var opts []option.ClientOption
		if cfg.Cache.Firestore.CredentialsFile != "" {
			opts = append(opts, option.WithCredentialsFile(cfg.Cache.Firestore.CredentialsFile))
		}
		client, err := firestore.NewClient(ctx, cfg.Cache.Firestore.ProjectID, opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create firestore client: %w", err)
		}
		store, err := cachestore.NewFirestoreStore(cachestore.FirestoreStoreConfig{
			CollectionName: cfg.Cache.Firestore.Collection,
		}, client, logger)
		if err != nil {
			_ = client.Close()
			return nil, err
		}
		return &clientOwningStore{Store: store, closeClient: client.Close}, nil
	default:
		return nil, fmt.Errorf("unknown cache backend %q", cfg.Cache.Backend)
	}
}
