package main

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/illmade-knight/go-renderflow/pkg/cachestore"
	"github.com/illmade-knight/go-renderflow/pkg/service"
)

func TestClientOwningStore_CloseClosesClient(t *testing.T) {
	clientClosed := false
	store := &clientOwningStore{
		Store: cachestore.NewInMemoryStore(),
		closeClient: func() error {
			clientClosed = true
			return nil
		},
	}

	require.NoError(t, store.Close())
	assert.True(t, clientClosed, "closing the store must close the backing client")
}

func TestClientOwningStore_ClosePropagatesClientError(t *testing.T) {
	store := &clientOwningStore{
		Store:       cachestore.NewInMemoryStore(),
		closeClient: func() error { return errors.New("connection already closed") },
	}

	assert.Error(t, store.Close())
}

func TestBuildStore_Backends(t *testing.T) {
	ctx := context.Background()
	logger := zerolog.Nop()

	t.Run("file default", func(t *testing.T) {
		cfg := service.DefaultConfig()
		cfg.Cache.Backend = ""
		cfg.Cache.Dir = t.TempDir()

		store, err := buildStore(ctx, cfg, logger)
		require.NoError(t, err)
		t.Cleanup(func() { _ = store.Close() })
		assert.IsType(t, &cachestore.FileStore{}, store)
	})

	t.Run("unknown backend", func(t *testing.T) {
		cfg := service.DefaultConfig()
		cfg.Cache.Backend = "etcd"

		_, err := buildStore(ctx, cfg, logger)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unknown cache backend")
	})
}
