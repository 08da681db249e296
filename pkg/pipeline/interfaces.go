package pipeline

import (
	"context"
	"encoding/json"
)

// ====================================================================================
// This file defines the contracts for the external collaborators the orchestrator
// sequences. Each is an opaque asynchronous operation with a result or a failure;
// the wire protocols behind them are not the orchestrator's concern.
// ====================================================================================

// PromptSynthesizer produces a rendering prompt for a metadata record. The
// returned text may or may not be valid JSON; the orchestrator degrades
// gracefully either way.
type PromptSynthesizer interface {
	SynthesizePrompt(ctx context.Context, metadata map[string]any) (string, error)
}

// Synthesis is the outcome of one image-generation call. AssetURL points at
// the provider's transient copy of the generated asset and may be empty when
// the provider returned no usable image.
type Synthesis struct {
	AssetURL  string
	RequestID string
	Raw       json.RawMessage
}

// ImageSynthesizer submits a prompt and the original image to the
// image-generation collaborator.
type ImageSynthesizer interface {
	EditImage(ctx context.Context, prompt string, image []byte) (*Synthesis, error)
}

// GenerateOptions tunes a prompt-only generation. Zero values mean provider
// defaults.
type GenerateOptions struct {
	GuidanceScale  float64
	InferenceSteps int
	ImageSize      string
}

// ImageGenerator produces an image from a text prompt alone, without a source
// image.
type ImageGenerator interface {
	GenerateImage(ctx context.Context, prompt string, opts GenerateOptions) (*Synthesis, error)
}

// AssetFetcher downloads a generated asset from its transient location.
type AssetFetcher interface {
	FetchAsset(ctx context.Context, url string) ([]byte, error)
}

// ObjectStore writes an asset to durable object storage and returns its
// public URL.
type ObjectStore interface {
	Store(ctx context.Context, key string, data []byte, contentType string) (string, error)
}
