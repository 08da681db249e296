package upstream

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/illmade-knight/go-renderflow/pkg/pipeline"
)

// ImageConfig holds configuration for the edit-image client.
type ImageConfig struct {
	BaseURL string // defaults to https://fal.run
	APIKey  string
	// Endpoint is the model route appended to BaseURL.
	Endpoint string // defaults to fal-ai/alpha-image-232/edit-image
	// GenerateEndpoint is the route for prompt-only generation.
	GenerateEndpoint string // defaults to fal-ai/beta-image-232
	// HTTPClient overrides the default client (120s timeout) when set.
	HTTPClient *http.Client
}

// EditImageClient submits prompts and source images to an edit-image endpoint
// and downloads the generated assets from their transient URLs. It implements
// both pipeline.ImageSynthesizer and pipeline.AssetFetcher.
type EditImageClient struct {
	cfg    ImageConfig
	client *http.Client
	logger zerolog.Logger
}

// NewEditImageClient applies defaults and returns a client.
func NewEditImageClient(cfg ImageConfig, logger zerolog.Logger) *EditImageClient {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://fal.run"
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = "fal-ai/alpha-image-232/edit-image"
	}
	if cfg.GenerateEndpoint == "" {
		cfg.GenerateEndpoint = "fal-ai/beta-image-232"
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 120 * time.Second}
	}
	return &EditImageClient{
		cfg:    cfg,
		client: client,
		logger: logger.With().Str("component", "EditImageClient").Logger(),
	}
}

type editImageRequest struct {
	Prompt       string   `json:"prompt"`
	ImageSize    string   `json:"image_size"`
	OutputFormat string   `json:"output_format"`
	ImageURLs    []string `json:"image_urls"`
}

type editImageResponse struct {
	Images []struct {
		URL string `json:"url"`
	} `json:"images"`
	RequestID string `json:"request_id"`
}

type generateImageRequest struct {
	Prompt              string  `json:"prompt"`
	GuidanceScale       float64 `json:"guidance_scale"`
	NumInferenceSteps   int     `json:"num_inference_steps"`
	ImageSize           string  `json:"image_size"`
	EnableSafetyChecker bool    `json:"enable_safety_checker"`
	OutputFormat        string  `json:"output_format"`
}

// EditImage submits the prompt and the source image (inlined as a data URI)
// and returns the provider's transient asset reference. An empty AssetURL is
// returned without error; the orchestrator decides that it is fatal.
func (c *EditImageClient) EditImage(ctx context.Context, prompt string, image []byte) (*pipeline.Synthesis, error) {
	dataURI := "data:image/png;base64," + base64.StdEncoding.EncodeToString(image)
	return c.submit(ctx, c.cfg.Endpoint, editImageRequest{
		Prompt:       prompt,
		ImageSize:    "auto",
		OutputFormat: "png",
		ImageURLs:    []string{dataURI},
	})
}

// GenerateImage produces an image from a text prompt alone. Zero-valued
// options fall back to the provider defaults.
func (c *EditImageClient) GenerateImage(ctx context.Context, prompt string, opts pipeline.GenerateOptions) (*pipeline.Synthesis, error) {
	request := generateImageRequest{
		Prompt:              prompt,
		GuidanceScale:       opts.GuidanceScale,
		NumInferenceSteps:   opts.InferenceSteps,
		ImageSize:           opts.ImageSize,
		EnableSafetyChecker: true,
		OutputFormat:        "png",
	}
	if request.GuidanceScale == 0 {
		request.GuidanceScale = 2.5
	}
	if request.NumInferenceSteps == 0 {
		request.NumInferenceSteps = 30
	}
	if request.ImageSize == "" {
		request.ImageSize = "square_hd"
	}
	return c.submit(ctx, c.cfg.GenerateEndpoint, request)
}

// submit posts one generation request and decodes the provider's response.
func (c *EditImageClient) submit(ctx context.Context, route string, request any) (*pipeline.Synthesis, error) {
	body, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("failed to encode generation request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/"+route, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build generation request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Key "+c.cfg.APIKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("generation request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read generation response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("generation returned status %d: %s", resp.StatusCode, payload)
	}

	var parsed editImageResponse
	if err := json.Unmarshal(payload, &parsed); err != nil {
		return nil, fmt.Errorf("failed to decode generation response: %w", err)
	}

	synthesis := &pipeline.Synthesis{
		RequestID: parsed.RequestID,
		Raw:       json.RawMessage(payload),
	}
	if len(parsed.Images) > 0 {
		synthesis.AssetURL = parsed.Images[0].URL
	}
	c.logger.Debug().Str("asset_url", synthesis.AssetURL).Msg("Generation response received.")
	return synthesis, nil
}

// FetchAsset downloads a generated asset from its transient location.
func (c *EditImageClient) FetchAsset(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build asset request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("asset download failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("asset download returned status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read asset body: %w", err)
	}
	return data, nil
}
