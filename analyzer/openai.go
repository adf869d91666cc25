package analyzer

import (
	"context"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"
)

// openAIChatAPI is the subset of the OpenAI chat completions service used here.
type openAIChatAPI interface {
	New(ctx context.Context, body openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error)
}

// OpenAIConfig holds configuration for the OpenAI provider.
type OpenAIConfig struct {
	APIKey    string
	BaseURL   string // Optional custom endpoint (LiteLLM, LMStudio, ...)
	Model     string
	MaxTokens int
	Retry     RetryConfig
}

// OpenAICompleter calls the OpenAI chat completions API.
type OpenAICompleter struct {
	chat      openAIChatAPI
	model     string
	maxTokens int
	retry     RetryConfig
}

// NewOpenAICompleter creates a completer using the official SDK.
func NewOpenAICompleter(cfg OpenAIConfig) (*OpenAICompleter, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("api_key is required for openai")
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("model is required for openai")
	}

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	client := openai.NewClient(opts...)
	return newOpenAICompleterWithClient(&client.Chat.Completions, cfg), nil
}

func newOpenAICompleterWithClient(chat openAIChatAPI, cfg OpenAIConfig) *OpenAICompleter {
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	return &OpenAICompleter{
		chat:      chat,
		model:     cfg.Model,
		maxTokens: maxTokens,
		retry:     cfg.Retry,
	}
}

// Name implements Completer.
func (c *OpenAICompleter) Name() string { return "openai" }

// Model implements Completer.
func (c *OpenAICompleter) Model() string { return c.model }

// Complete implements Completer.
func (c *OpenAICompleter) Complete(ctx context.Context, system, prompt string) (string, error) {
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, 2)
	if system != "" {
		messages = append(messages, openai.SystemMessage(system))
	}
	messages = append(messages, openai.UserMessage(prompt))

	params := openai.ChatCompletionNewParams{
		Model:       shared.ChatModel(c.model),
		Messages:    messages,
		MaxTokens:   openai.Int(int64(c.maxTokens)),
		Temperature: openai.Float(analysisTemperature),
	}

	resp, err := retry(ctx, c.Name(), c.retry, func() (*openai.ChatCompletion, error) {
		return c.chat.New(ctx, params)
	})
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", nil
	}
	return resp.Choices[0].Message.Content, nil
}

var _ Completer = (*OpenAICompleter)(nil)
