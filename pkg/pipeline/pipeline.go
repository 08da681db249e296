// Package pipeline sequences the three-stage generation pipeline (prompt
// synthesis, image synthesis, durable persistence) behind the fingerprint
// cache, so that identical inputs never pay for the external stages twice.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/illmade-knight/go-renderflow/pkg/cachestore"
	"github.com/illmade-knight/go-renderflow/pkg/fingerprint"
)

// State identifies a step of the pipeline state machine.
type State string

const (
	StateHashing         State = "Hashing"
	StateCacheLookup     State = "CacheLookup"
	StatePromptSynthesis State = "PromptSynthesis"
	StateImageSynthesis  State = "ImageSynthesis"
	StatePersisting      State = "Persisting"
	StateCacheWrite      State = "CacheWrite"
	StateComplete        State = "Complete"
	StateFailed          State = "Failed"
)

// Request carries one pipeline invocation's inputs. Metadata is treated as an
// opaque record for hashing; the orchestrator only inspects the configured
// source-identifier key when naming the persisted object.
type Request struct {
	Image    []byte
	Metadata map[string]any
}

// Result is the complete outcome of a successful pipeline run. Stored results
// are immutable; a cache hit returns the stored payload with CacheHit set.
type Result struct {
	RequestID    string          `json:"requestId"`
	Fingerprint  string          `json:"fingerprint"`
	Prompt       map[string]any  `json:"generatedPrompt"`
	AssetURL     string          `json:"assetUrl"`
	PersistedURL string          `json:"persistedUrl"`
	ProviderID   string          `json:"providerRequestId,omitempty"`
	Provider     json.RawMessage `json:"providerOutput,omitempty"`
	CacheHit     bool            `json:"cacheHit"`
}

// Config holds orchestrator configuration.
type Config struct {
	// SourceIDKey is the metadata key holding the request's stable
	// identifier, used to name persisted objects. Defaults to "patent_id".
	SourceIDKey string
}

// Orchestrator runs the pipeline as a strict state machine. Concurrent
// invocations with the same fingerprint are collapsed to a single in-flight
// execution; callers that inherit a failed shared execution retry once on
// their own.
type Orchestrator struct {
	cfg     Config
	store   cachestore.Store
	prompts PromptSynthesizer
	images  ImageSynthesizer
	assets  AssetFetcher
	objects ObjectStore
	logger  zerolog.Logger
	flight  singleflight.Group
	now     func() time.Time
}

// NewOrchestrator validates the collaborators and returns an Orchestrator.
func NewOrchestrator(
	cfg Config,
	store cachestore.Store,
	prompts PromptSynthesizer,
	images ImageSynthesizer,
	assets AssetFetcher,
	objects ObjectStore,
	logger zerolog.Logger,
) (*Orchestrator, error) {
	if store == nil {
		return nil, fmt.Errorf("cache store cannot be nil")
	}
	if prompts == nil || images == nil || assets == nil || objects == nil {
		return nil, fmt.Errorf("all pipeline collaborators are required")
	}
	if cfg.SourceIDKey == "" {
		cfg.SourceIDKey = "patent_id"
	}
	return &Orchestrator{
		cfg:     cfg,
		store:   store,
		prompts: prompts,
		images:  images,
		assets:  assets,
		objects: objects,
		logger:  logger.With().Str("component", "Orchestrator").Logger(),
		now:     time.Now,
	}, nil
}

// Run executes one pipeline invocation and blocks until a terminal state.
// On a cache hit the stored result is returned without invoking any external
// collaborator. On a miss the three external stages run, and the result is
// written back to the cache best-effort before being returned.
func (o *Orchestrator) Run(ctx context.Context, req Request) (*Result, error) {
	requestID := uuid.NewString()
	logger := o.logger.With().Str("request_id", requestID).Logger()

	logger.Debug().Str("state", string(StateHashing)).Msg("Computing input fingerprint.")
	fp, digests, err := fingerprint.Compute(req.Image, req.Metadata)
	if err != nil {
		logger.Error().Err(err).Str("state", string(StateFailed)).Msg("Input could not be fingerprinted.")
		return nil, err
	}
	logger = logger.With().Str("fingerprint", fp.String()).Logger()

	logger.Debug().Str("state", string(StateCacheLookup)).Msg("Consulting cache.")
	if cached, ok := o.cachedResult(ctx, fp.String(), requestID, logger); ok {
		logger.Info().Str("state", string(StateComplete)).Msg("Cache hit, skipping external stages.")
		return cached, nil
	}

	// Collapse concurrent misses for the same fingerprint into one execution.
	value, err, shared := o.flight.Do(fp.String(), func() (interface{}, error) {
		return o.execute(ctx, requestID, fp, digests, req, logger)
	})
	if err != nil && shared {
		// The owner's attempt failed on behalf of this caller too; fall back
		// to an independent execution before giving up.
		logger.Warn().Err(err).Msg("Shared in-flight execution failed, retrying independently.")
		return o.execute(ctx, requestID, fp, digests, req, logger)
	}
	if err != nil {
		return nil, err
	}
	// Callers collapsed into the owner's execution receive its result; stamp
	// each caller's own request ID so ledger rows and events stay traceable.
	result := *value.(*Result)
	result.RequestID = requestID
	return &result, nil
}

// cachedResult decodes a stored entry into a Result. A malformed stored
// payload is logged and treated as a miss.
func (o *Orchestrator) cachedResult(ctx context.Context, fp, requestID string, logger zerolog.Logger) (*Result, bool) {
	entry, ok := o.store.Get(ctx, fp)
	if !ok {
		return nil, false
	}
	var result Result
	if err := json.Unmarshal(entry.Result, &result); err != nil {
		logger.Warn().Err(err).Msg("Stored result payload is malformed, treating as miss.")
		return nil, false
	}
	result.RequestID = requestID
	result.CacheHit = true
	return &result, true
}

// execute runs the three external stages for a cache miss.
func (o *Orchestrator) execute(
	ctx context.Context,
	requestID string,
	fp fingerprint.Fingerprint,
	digests fingerprint.Digests,
	req Request,
	logger zerolog.Logger,
) (*Result, error) {
	logger.Debug().Str("state", string(StatePromptSynthesis)).Msg("Requesting prompt synthesis.")
	raw, err := o.prompts.SynthesizePrompt(ctx, req.Metadata)
	if err != nil {
		logger.Error().Err(err).Str("state", string(StateFailed)).Msg("Prompt synthesis failed.")
		return nil, fmt.Errorf("%w: prompt synthesis: %v", ErrUpstreamTransport, err)
	}

	// The collaborator is expected to return structured JSON, but an
	// unparseable response must not fail the pipeline: fall back to treating
	// the raw text as an opaque prompt.
	var prompt map[string]any
	if err := json.Unmarshal([]byte(raw), &prompt); err != nil || prompt == nil {
		logger.Debug().Msg("Prompt response is not structured JSON, using raw text.")
		prompt = map[string]any{"prompt_text": raw}
	}
	promptJSON, err := json.Marshal(prompt)
	if err != nil {
		return nil, fmt.Errorf("%w: encode prompt: %v", ErrUpstreamTransport, err)
	}

	logger.Debug().Str("state", string(StateImageSynthesis)).Msg("Submitting prompt and image for synthesis.")
	synthesis, err := o.images.EditImage(ctx, string(promptJSON), req.Image)
	if err != nil {
		logger.Error().Err(err).Str("state", string(StateFailed)).Msg("Image synthesis failed.")
		return nil, fmt.Errorf("%w: image synthesis: %v", ErrUpstreamTransport, err)
	}
	if synthesis.AssetURL == "" {
		logger.Error().Str("state", string(StateFailed)).Msg("Image synthesis returned no usable asset URL.")
		return nil, fmt.Errorf("%w: image synthesis returned no asset URL", ErrUpstreamEmptyResult)
	}

	logger.Debug().Str("state", string(StatePersisting)).Str("asset_url", synthesis.AssetURL).Msg("Persisting generated asset.")
	data, err := o.assets.FetchAsset(ctx, synthesis.AssetURL)
	if err != nil {
		logger.Error().Err(err).Str("state", string(StateFailed)).Msg("Failed to fetch generated asset.")
		return nil, fmt.Errorf("%w: fetch asset: %v", ErrPersist, err)
	}

	// Time-based suffixing keeps regenerations of the same fingerprint from
	// colliding: a miss here means any prior object is being superseded.
	objectKey := fmt.Sprintf("%s-%d.png", o.sourceID(req.Metadata, requestID), o.now().UnixMilli())
	persistedURL, err := o.objects.Store(ctx, objectKey, data, "image/png")
	if err != nil {
		logger.Error().Err(err).Str("state", string(StateFailed)).Msg("Durable storage write failed.")
		return nil, fmt.Errorf("%w: store asset: %v", ErrPersist, err)
	}

	result := &Result{
		RequestID:    requestID,
		Fingerprint:  fp.String(),
		Prompt:       prompt,
		AssetURL:     synthesis.AssetURL,
		PersistedURL: persistedURL,
		ProviderID:   synthesis.RequestID,
		Provider:     synthesis.Raw,
	}

	logger.Debug().Str("state", string(StateCacheWrite)).Msg("Writing result to cache.")
	o.writeBack(ctx, fp.String(), digests, result, logger)

	logger.Info().Str("state", string(StateComplete)).Str("persisted_url", persistedURL).Msg("Pipeline complete.")
	return result, nil
}

// writeBack persists the result to the cache. The cache is best-effort: a
// write failure is logged and the freshly computed result is still returned.
func (o *Orchestrator) writeBack(ctx context.Context, fp string, digests fingerprint.Digests, result *Result, logger zerolog.Logger) {
	payload, err := json.Marshal(result)
	if err != nil {
		logger.Warn().Err(err).Msg("Failed to encode result for caching.")
		return
	}
	entry := cachestore.NewEntry(fp, cachestore.InputDigests{
		ImageDigest:    digests.Image,
		MetadataDigest: digests.Metadata,
	}, payload)
	if err := o.store.Put(ctx, entry); err != nil {
		logger.Warn().Err(err).Msg("Cache write failed, returning uncached result.")
	}
}

// sourceID extracts the request's stable identifier from the metadata,
// falling back to the request ID when the configured key is absent.
func (o *Orchestrator) sourceID(metadata map[string]any, requestID string) string {
	if v, ok := metadata[o.cfg.SourceIDKey]; ok {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
	return requestID
}
