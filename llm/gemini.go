package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"google.golang.org/genai"
)

const (
	// DefaultEndpoint is the public Gemini API base URL.
	DefaultEndpoint = "https://generativelanguage.googleapis.com"
	// DefaultModel is used when no model is configured.
	DefaultModel = "gemini-1.5-flash"
	// DefaultTimeout bounds a single generate call.
	DefaultTimeout = 60 * time.Second

	apiVersion = "v1beta"
)

// GeminiConfig configures a Gemini client.
type GeminiConfig struct {
	APIKey   string
	Model    string
	Endpoint string
	Timeout  time.Duration
}

// Gemini calls the Gemini generateContent API through the genai SDK. Each
// Generate call is a single request with no retries.
type Gemini struct {
	client *genai.Client
	model  string
	logger *slog.Logger
}

// NewGemini creates a Gemini client. An API key is required.
func NewGemini(cfg GeminiConfig, logger *slog.Logger) (*Gemini, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("gemini API key is required")
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultEndpoint
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}

	// No I/O happens here with an API key, so a background context is enough
	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{
		APIKey:     cfg.APIKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: &http.Client{Timeout: cfg.Timeout},
		HTTPOptions: genai.HTTPOptions{
			BaseURL:    strings.TrimRight(cfg.Endpoint, "/") + "/",
			APIVersion: apiVersion,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create model client: %w", err)
	}

	return &Gemini{
		client: client,
		model:  cfg.Model,
		logger: logger,
	}, nil
}

// Generate sends prompt to the model and returns the text of the first candidate.
func (g *Gemini) Generate(ctx context.Context, prompt string) (string, error) {
	start := time.Now()
	resp, err := g.client.Models.GenerateContent(ctx, g.model, genai.Text(prompt), nil)
	g.logger.Debug("Model call finished", "model", g.model, "duration", time.Since(start), "error", err)
	if err != nil {
		return "", fmt.Errorf("failed to call model: %w", err)
	}

	if resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != "" {
		return "", fmt.Errorf("prompt blocked by model: %s", resp.PromptFeedback.BlockReason)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0] == nil || resp.Candidates[0].Content == nil {
		return "", fmt.Errorf("model returned no candidates: %w", ErrEmptyResponse)
	}

	// Join every text part of the first candidate
	var sb strings.Builder
	for _, p := range resp.Candidates[0].Content.Parts {
		if p != nil {
			sb.WriteString(p.Text)
		}
	}
	if strings.TrimSpace(sb.String()) == "" {
		return "", ErrEmptyResponse
	}

	return sb.String(), nil
}
