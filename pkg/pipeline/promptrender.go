package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// PromptRender is the outcome of a prompt-only generation.
type PromptRender struct {
	PersistedURL string          `json:"url"`
	AssetURL     string          `json:"assetUrl"`
	ProviderID   string          `json:"providerRequestId,omitempty"`
	Provider     json.RawMessage `json:"providerOutput,omitempty"`
}

// PromptRenderer runs the prompt-only variant of the pipeline: a text prompt
// is turned into an image, which is fetched and persisted. There is no input
// record to fingerprint, so these runs never touch the cache.
type PromptRenderer struct {
	generator ImageGenerator
	assets    AssetFetcher
	objects   ObjectStore
	logger    zerolog.Logger
	now       func() time.Time
}

// NewPromptRenderer validates the collaborators and returns a PromptRenderer.
func NewPromptRenderer(generator ImageGenerator, assets AssetFetcher, objects ObjectStore, logger zerolog.Logger) (*PromptRenderer, error) {
	if generator == nil || assets == nil || objects == nil {
		return nil, fmt.Errorf("all prompt renderer collaborators are required")
	}
	return &PromptRenderer{
		generator: generator,
		assets:    assets,
		objects:   objects,
		logger:    logger.With().Str("component", "PromptRenderer").Logger(),
		now:       time.Now,
	}, nil
}

// Render generates, fetches, and persists one image for the prompt.
func (r *PromptRenderer) Render(ctx context.Context, prompt string, opts GenerateOptions) (*PromptRender, error) {
	logger := r.logger.With().Str("request_id", uuid.NewString()).Logger()

	logger.Debug().Str("state", string(StateImageSynthesis)).Msg("Submitting prompt for generation.")
	synthesis, err := r.generator.GenerateImage(ctx, prompt, opts)
	if err != nil {
		logger.Error().Err(err).Str("state", string(StateFailed)).Msg("Image generation failed.")
		return nil, fmt.Errorf("%w: image generation: %v", ErrUpstreamTransport, err)
	}
	if synthesis.AssetURL == "" {
		logger.Error().Str("state", string(StateFailed)).Msg("Image generation returned no usable asset URL.")
		return nil, fmt.Errorf("%w: image generation returned no asset URL", ErrUpstreamEmptyResult)
	}

	logger.Debug().Str("state", string(StatePersisting)).Str("asset_url", synthesis.AssetURL).Msg("Persisting generated asset.")
	data, err := r.assets.FetchAsset(ctx, synthesis.AssetURL)
	if err != nil {
		logger.Error().Err(err).Str("state", string(StateFailed)).Msg("Failed to fetch generated asset.")
		return nil, fmt.Errorf("%w: fetch asset: %v", ErrPersist, err)
	}

	objectKey := fmt.Sprintf("generated-images/%d-%s.png", r.now().UnixMilli(), uuid.NewString()[:8])
	persistedURL, err := r.objects.Store(ctx, objectKey, data, "image/png")
	if err != nil {
		logger.Error().Err(err).Str("state", string(StateFailed)).Msg("Durable storage write failed.")
		return nil, fmt.Errorf("%w: store asset: %v", ErrPersist, err)
	}

	logger.Info().Str("state", string(StateComplete)).Str("persisted_url", persistedURL).Msg("Prompt render complete.")
	return &PromptRender{
		PersistedURL: persistedURL,
		AssetURL:     synthesis.AssetURL,
		ProviderID:   synthesis.RequestID,
		Provider:     synthesis.Raw,
	}, nil
}
