// Package events publishes render-completion events. Publication is
// best-effort: a lost event never affects the pipeline result.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/rs/zerolog"
)

// CompletionEvent announces one successful pipeline run.
type CompletionEvent struct {
	RequestID    string `json:"requestId"`
	Fingerprint  string `json:"fingerprint"`
	PersistedURL string `json:"persistedUrl"`
	CacheHit     bool   `json:"cacheHit"`
	CompletedAt  int64  `json:"completedAt"` // unix milliseconds
}

// Publisher defines a direct, non-batching event publisher.
type Publisher interface {
	Publish(ctx context.Context, event CompletionEvent) error
	// Stop flushes any pending messages and accepts a context for timeout control.
	Stop(ctx context.Context) error
}

// GooglePublisher implements a direct-to-Pub/Sub completion publisher.
type GooglePublisher struct {
	topic  *pubsub.Topic
	logger zerolog.Logger
}

// NewGooglePublisher creates a new simple, non-batching publisher. It accepts
// a context to verify that the target topic exists before returning.
func NewGooglePublisher(ctx context.Context, client *pubsub.Client, topicID string, logger zerolog.Logger) (*GooglePublisher, error) {
	if client == nil {
		return nil, fmt.Errorf("pubsub client cannot be nil")
	}
	topic := client.Topic(topicID)

	exists, err := topic.Exists(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to check for topic %s: %w", topicID, err)
	}
	if !exists {
		return nil, fmt.Errorf("pubsub topic %s does not exist", topicID)
	}

	return &GooglePublisher{
		topic:  topic,
		logger: logger.With().Str("component", "GooglePublisher").Str("topic_id", topicID).Logger(),
	}, nil
}

// Publish sends one completion event. It returns after queueing the message
// and logs the final result of the publish operation asynchronously.
func (p *GooglePublisher) Publish(ctx context.Context, event CompletionEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode completion event: %w", err)
	}

	result := p.topic.Publish(ctx, &pubsub.Message{
		Data: payload,
		Attributes: map[string]string{
			"fingerprint": event.Fingerprint,
			"cache_hit":   strconv.FormatBool(event.CacheHit),
		},
	})

	go func() {
		getCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		msgID, err := result.Get(getCtx)
		if err != nil {
			p.logger.Error().Err(err).Str("fingerprint", event.Fingerprint).Msg("Failed to publish completion event")
			return
		}
		p.logger.Debug().Str("published_msg_id", msgID).Msg("Completion event sent.")
	}()

	return nil
}

// Stop flushes any pending messages for the topic, respecting the context's timeout.
func (p *GooglePublisher) Stop(ctx context.Context) error {
	if p.topic == nil {
		return nil
	}

	stopDone := make(chan struct{})
	go func() {
		p.topic.Stop()
		close(stopDone)
	}()

	select {
	case <-stopDone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
