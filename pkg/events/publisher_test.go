package events_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/illmade-knight/go-renderflow/pkg/events"
)

// setupTestPubsub creates a mock Pub/Sub server, client, topic, and subscription for testing.
func setupTestPubsub(t *testing.T, projectID, topicID, subID string) (*pubsub.Client, *pubsub.Subscription) {
	t.Helper()
	ctx := context.Background()
	srv := pstest.NewServer()
	t.Cleanup(func() { _ = srv.Close() })

	conn, err := grpc.Dial(srv.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	client, err := pubsub.NewClient(ctx, projectID, option.WithGRPCConn(conn))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	topic, err := client.CreateTopic(ctx, topicID)
	require.NoError(t, err)

	sub, err := client.CreateSubscription(ctx, subID, pubsub.SubscriptionConfig{Topic: topic})
	require.NoError(t, err)

	return client, sub
}

func TestGooglePublisher_PublishAndStop(t *testing.T) {
	testCtx, testCancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(testCancel)

	uniqueSuffix := fmt.Sprintf("%d", time.Now().UnixNano())
	client, subscription := setupTestPubsub(t, "proj-"+uniqueSuffix, "topic-"+uniqueSuffix, "sub-"+uniqueSuffix)

	publisher, err := events.NewGooglePublisher(testCtx, client, "topic-"+uniqueSuffix, zerolog.Nop())
	require.NoError(t, err)

	event := events.CompletionEvent{
		RequestID:    "req-1",
		Fingerprint:  "fp-1",
		PersistedURL: "https://store/y.png",
		CacheHit:     true,
		CompletedAt:  time.Now().UnixMilli(),
	}
	require.NoError(t, publisher.Publish(testCtx, event))

	var mu sync.Mutex
	var receivedMsg *pubsub.Message

	receiveCtx, receiveCancel := context.WithCancel(testCtx)
	t.Cleanup(receiveCancel)

	go func() {
		err := subscription.Receive(receiveCtx, func(_ context.Context, msg *pubsub.Message) {
			mu.Lock()
			receivedMsg = msg
			mu.Unlock()
			msg.Ack()
			receiveCancel()
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			t.Logf("receive error: %v", err)
		}
	}()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return receivedMsg != nil
	}, 5*time.Second, 50*time.Millisecond, "Did not receive event from subscription")

	var received events.CompletionEvent
	require.NoError(t, json.Unmarshal(receivedMsg.Data, &received))
	assert.Equal(t, event, received)
	assert.Equal(t, "fp-1", receivedMsg.Attributes["fingerprint"])
	assert.Equal(t, "true", receivedMsg.Attributes["cache_hit"])

	stopCtx, stopCancel := context.WithTimeout(testCtx, 2*time.Second)
	t.Cleanup(stopCancel)
	require.NoError(t, publisher.Stop(stopCtx), "Stop should flush cleanly")
}

func TestNewGooglePublisher_Validation(t *testing.T) {
	ctx := context.Background()

	t.Run("nil client", func(t *testing.T) {
		_, err := events.NewGooglePublisher(ctx, nil, "topic", zerolog.Nop())
		assert.Error(t, err)
	})

	t.Run("missing topic", func(t *testing.T) {
		uniqueSuffix := fmt.Sprintf("%d", time.Now().UnixNano())
		client, _ := setupTestPubsub(t, "proj-"+uniqueSuffix, "topic-"+uniqueSuffix, "sub-"+uniqueSuffix)

		_, err := events.NewGooglePublisher(ctx, client, "absent-topic", zerolog.Nop())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "does not exist")
	})
}
