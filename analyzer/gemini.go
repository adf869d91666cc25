package analyzer

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
)

// geminiModelAPI is the subset of *genai.GenerativeModel used here.
type geminiModelAPI interface {
	GenerateContent(ctx context.Context, parts ...genai.Part) (*genai.GenerateContentResponse, error)
}

// GeminiConfig holds configuration for the Google Gemini provider.
type GeminiConfig struct {
	APIKey    string
	Model     string
	MaxTokens int
	Retry     RetryConfig
}

// GeminiCompleter calls the Gemini generate-content API.
type GeminiCompleter struct {
	client    *genai.Client
	model     geminiModelAPI
	modelName string
	retry     RetryConfig
}

// NewGeminiCompleter creates a completer using the official SDK.
// Close releases the client.
func NewGeminiCompleter(ctx context.Context, cfg GeminiConfig) (*GeminiCompleter, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("api_key is required for google")
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("model is required for google")
	}

	client, err := genai.NewClient(ctx, option.WithAPIKey(cfg.APIKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create google client: %w", err)
	}

	model := client.GenerativeModel(cfg.Model)
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	model.SetMaxOutputTokens(int32(maxTokens))
	model.SetTemperature(analysisTemperature)
	model.ResponseMIMEType = "application/json"

	c := newGeminiCompleterWithModel(model, cfg)
	c.client = client
	return c, nil
}

func newGeminiCompleterWithModel(model geminiModelAPI, cfg GeminiConfig) *GeminiCompleter {
	return &GeminiCompleter{
		model:     model,
		modelName: cfg.Model,
		retry:     cfg.Retry,
	}
}

// Name implements Completer.
func (c *GeminiCompleter) Name() string { return "google" }

// Model implements Completer.
func (c *GeminiCompleter) Model() string { return c.modelName }

// Complete implements Completer. The system text is sent as a leading part.
func (c *GeminiCompleter) Complete(ctx context.Context, system, prompt string) (string, error) {
	parts := make([]genai.Part, 0, 2)
	if system != "" {
		parts = append(parts, genai.Text(system))
	}
	parts = append(parts, genai.Text(prompt))

	resp, err := retry(ctx, c.Name(), c.retry, func() (*genai.GenerateContentResponse, error) {
		return c.model.GenerateContent(ctx, parts...)
	})
	if err != nil {
		return "", err
	}

	var text strings.Builder
	if len(resp.Candidates) > 0 && resp.Candidates[0].Content != nil {
		for _, part := range resp.Candidates[0].Content.Parts {
			if t, ok := part.(genai.Text); ok {
				text.WriteString(string(t))
			}
		}
	}
	return text.String(), nil
}

// Close closes the underlying client.
func (c *GeminiCompleter) Close() error {
	if c.client == nil {
		return nil
	}
	return c.client.Close()
}

var _ Completer = (*GeminiCompleter)(nil)
