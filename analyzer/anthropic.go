package analyzer

import (
	"context"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// anthropicMessagesAPI is the subset of the Anthropic messages service used here.
type anthropicMessagesAPI interface {
	New(ctx context.Context, body anthropic.MessageNewParams, opts ...option.RequestOption) (*anthropic.Message, error)
}

// AnthropicConfig holds configuration for the Anthropic provider.
type AnthropicConfig struct {
	APIKey    string
	BaseURL   string // Optional custom endpoint
	Model     string
	MaxTokens int
	Retry     RetryConfig
}

// AnthropicCompleter calls the Anthropic Messages API.
type AnthropicCompleter struct {
	messages  anthropicMessagesAPI
	model     string
	maxTokens int
	retry     RetryConfig
}

// NewAnthropicCompleter creates a completer using the official SDK.
func NewAnthropicCompleter(cfg AnthropicConfig) (*AnthropicCompleter, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("api_key is required for anthropic")
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("model is required for anthropic")
	}

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	client := anthropic.NewClient(opts...)
	return newAnthropicCompleterWithClient(&client.Messages, cfg), nil
}

func newAnthropicCompleterWithClient(messages anthropicMessagesAPI, cfg AnthropicConfig) *AnthropicCompleter {
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	return &AnthropicCompleter{
		messages:  messages,
		model:     cfg.Model,
		maxTokens: maxTokens,
		retry:     cfg.Retry,
	}
}

// Name implements Completer.
func (c *AnthropicCompleter) Name() string { return "anthropic" }

// Model implements Completer.
func (c *AnthropicCompleter) Model() string { return c.model }

// Complete implements Completer.
func (c *AnthropicCompleter) Complete(ctx context.Context, system, prompt string) (string, error) {
	params := anthropic.MessageNewParams{
		Model:       anthropic.Model(c.model),
		MaxTokens:   int64(c.maxTokens),
		Temperature: anthropic.Float(analysisTemperature),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}

	resp, err := retry(ctx, c.Name(), c.retry, func() (*anthropic.Message, error) {
		return c.messages.New(ctx, params)
	})
	if err != nil {
		return "", err
	}

	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	return text.String(), nil
}

var _ Completer = (*AnthropicCompleter)(nil)
