// Package upstream holds thin HTTP clients for the external collaborators the
// pipeline sequences: an OpenAI-style chat-completions endpoint for prompt
// synthesis and a fal-style edit-image endpoint for image synthesis. The
// clients stay deliberately thin; the orchestrator treats each call as an
// opaque operation with a result or a failure.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

const promptSystemInstruction = `You generate JSON prompts for photorealistic renderings of inventions.
Return ONLY valid JSON. No commentary. No markdown.

JSON structure:

{
  "scene": string,
  "subjects": [
    {
      "description": string,
      "pose": string,
      "position": string,
      "color_palette": string[]
    }
  ],
  "style": string,
  "color_palette": string[],
  "lighting": string,
  "mood": string,
  "background": string,
  "composition": string,
  "camera": {
    "angle": string,
    "distance": string,
    "focus": string,
    "lens-mm": number,
    "f-number": string,
    "ISO": number
  }
}
`

// ChatConfig holds configuration for the chat-completions client.
type ChatConfig struct {
	BaseURL string // defaults to https://api.openai.com
	APIKey  string
	Model   string
	// HTTPClient overrides the default client (60s timeout) when set.
	HTTPClient *http.Client
}

// ChatPromptSynthesizer generates rendering prompts via a chat-completions
// endpoint. It implements pipeline.PromptSynthesizer.
type ChatPromptSynthesizer struct {
	cfg    ChatConfig
	client *http.Client
	logger zerolog.Logger
}

// NewChatPromptSynthesizer applies defaults and returns a synthesizer.
func NewChatPromptSynthesizer(cfg ChatConfig, logger zerolog.Logger) *ChatPromptSynthesizer {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com"
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	return &ChatPromptSynthesizer{
		cfg:    cfg,
		client: client,
		logger: logger.With().Str("component", "ChatPromptSynthesizer").Logger(),
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// SynthesizePrompt asks the language model for a structured rendering prompt
// describing the invention in the metadata record. The raw completion text is
// returned as-is; the orchestrator owns the parse-or-fallback decision.
func (s *ChatPromptSynthesizer) SynthesizePrompt(ctx context.Context, metadata map[string]any) (string, error) {
	userPrompt := fmt.Sprintf(`Patent URL: %s
Patent ID: %s

Title:
%s

Abstract:
%s

Generate a JSON prompt that renders this invention as a photorealistic product image based on the patent.`,
		metaString(metadata, "patent_url"),
		metaString(metadata, "patent_id"),
		metaString(metadata, "title"),
		metaString(metadata, "abstract"),
	)

	body, err := json.Marshal(chatRequest{
		Model: s.cfg.Model,
		Messages: []chatMessage{
			{Role: "system", Content: promptSystemInstruction},
			{Role: "user", Content: userPrompt},
		},
		Temperature: 0.7,
	})
	if err != nil {
		return "", fmt.Errorf("failed to encode chat request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.BaseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to build chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.cfg.APIKey)

	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("chat completion request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("chat completion returned status %d: %s", resp.StatusCode, payload)
	}

	var parsed chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("failed to decode chat response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("chat completion returned no choices")
	}

	s.logger.Debug().Msg("Prompt synthesized.")
	return parsed.Choices[0].Message.Content, nil
}

// metaString reads a string field from the metadata record, returning an
// empty string for missing or non-string values.
func metaString(metadata map[string]any, key string) string {
	if v, ok := metadata[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}
