package analyzer

import (
	"context"
	stderrors "errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/aws/smithy-go"

	"github.com/NeuralCoder007/aws-a2a/errors"
)

const defaultBedrockRegion = "us-east-1"

// bedrockConverseAPI is the subset of the Bedrock runtime client used here.
type bedrockConverseAPI interface {
	Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
}

// BedrockConfig holds configuration for the Bedrock provider.
type BedrockConfig struct {
	Region    string
	Model     string
	MaxTokens int
	Retry     RetryConfig
}

// BedrockCompleter calls the Bedrock Converse API.
type BedrockCompleter struct {
	client    bedrockConverseAPI
	model     string
	maxTokens int
	retry     RetryConfig
}

// NewBedrockCompleter loads the default AWS credential chain and creates a
// Bedrock runtime client for cfg.Region.
func NewBedrockCompleter(ctx context.Context, cfg BedrockConfig) (*BedrockCompleter, error) {
	if cfg.Model == "" {
		return nil, fmt.Errorf("model is required for bedrock")
	}
	region := cfg.Region
	if region == "" {
		region = defaultBedrockRegion
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return newBedrockCompleterWithClient(bedrockruntime.NewFromConfig(awsCfg), cfg), nil
}

func newBedrockCompleterWithClient(client bedrockConverseAPI, cfg BedrockConfig) *BedrockCompleter {
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	return &BedrockCompleter{
		client:    client,
		model:     cfg.Model,
		maxTokens: maxTokens,
		retry:     cfg.Retry,
	}
}

// Name implements Completer.
func (c *BedrockCompleter) Name() string { return "bedrock" }

// Model implements Completer.
func (c *BedrockCompleter) Model() string { return c.model }

// Complete implements Completer.
func (c *BedrockCompleter) Complete(ctx context.Context, system, prompt string) (string, error) {
	input := &bedrockruntime.ConverseInput{
		ModelId: aws.String(c.model),
		Messages: []types.Message{{
			Role:    types.ConversationRoleUser,
			Content: []types.ContentBlock{&types.ContentBlockMemberText{Value: prompt}},
		}},
		InferenceConfig: &types.InferenceConfiguration{
			MaxTokens:   aws.Int32(int32(c.maxTokens)),
			Temperature: aws.Float32(analysisTemperature),
		},
	}
	if system != "" {
		input.System = []types.SystemContentBlock{
			&types.SystemContentBlockMemberText{Value: system},
		}
	}

	out, err := retry(ctx, c.Name(), c.retry, func() (*bedrockruntime.ConverseOutput, error) {
		return c.client.Converse(ctx, input)
	})
	if err != nil {
		return "", mapBedrockError(err)
	}

	var text strings.Builder
	if msg, ok := out.Output.(*types.ConverseOutputMemberMessage); ok {
		for _, block := range msg.Value.Content {
			if b, ok := block.(*types.ContentBlockMemberText); ok {
				text.WriteString(b.Value)
			}
		}
	}
	return text.String(), nil
}

// mapBedrockError classifies Bedrock API failures by error code.
func mapBedrockError(err error) error {
	var apiErr smithy.APIError
	if !stderrors.As(err, &apiErr) {
		return err
	}
	switch apiErr.ErrorCode() {
	case "ThrottlingException", "TooManyRequestsException",
		"ModelNotReadyException", "ServiceUnavailableException", "InternalServerException":
		return errors.New(errors.ErrCodeUnavailable, "bedrock unavailable",
			errors.WithCause(err), errors.WithMetadata("aws_code", apiErr.ErrorCode()))
	case "AccessDeniedException", "UnrecognizedClientException", "ValidationException":
		return errors.New(errors.ErrCodeInvalidInput, "bedrock rejected request",
			errors.WithCause(err), errors.WithMetadata("aws_code", apiErr.ErrorCode()))
	}
	return err
}

var _ Completer = (*BedrockCompleter)(nil)
