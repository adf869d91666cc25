package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/aws/smithy-go"

	"github.com/NeuralCoder007/aws-a2a/logging"
)

// SQSAPI is the subset of the SQS client the bus uses.
type SQSAPI interface {
	GetQueueUrl(ctx context.Context, in *sqs.GetQueueUrlInput, opts ...func(*sqs.Options)) (*sqs.GetQueueUrlOutput, error)
	SendMessage(ctx context.Context, in *sqs.SendMessageInput, opts ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, in *sqs.ReceiveMessageInput, opts ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, in *sqs.DeleteMessageInput, opts ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

// SQSConfig configures the SQS bus.
type SQSConfig struct {
	// Region is the AWS region. Empty uses the default chain.
	Region string

	// Logger receives delete failures. Nil discards.
	Logger *slog.Logger
}

// SQSBus implements Queue on Amazon SQS. Queue names are resolved to URLs
// once and cached; a name that already is a URL is used as is. Received
// messages are deleted immediately, so delivery is at most once per
// receive.
type SQSBus struct {
	client SQSAPI
	logger *slog.Logger
	closed atomic.Bool

	mu   sync.Mutex
	urls map[string]string
}

// NewSQSBus loads AWS configuration from the environment and creates a bus.
func NewSQSBus(ctx context.Context, cfg SQSConfig) (*SQSBus, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return NewSQSBusFromClient(sqs.NewFromConfig(awsCfg), cfg), nil
}

// NewSQSBusFromClient creates a bus over an existing client.
func NewSQSBusFromClient(client SQSAPI, cfg SQSConfig) *SQSBus {
	return &SQSBus{
		client: client,
		logger: logging.Component(cfg.Logger, "bus.sqs"),
		urls:   make(map[string]string),
	}
}

// ErrQueueNotFound indicates SQS has no queue by that name.
var ErrQueueNotFound = errors.New("queue does not exist")

func (b *SQSBus) queueURL(ctx context.Context, queue string) (string, error) {
	if strings.HasPrefix(queue, "https://") || strings.HasPrefix(queue, "http://") {
		return queue, nil
	}
	if err := ValidateQueue(queue); err != nil {
		return "", err
	}

	b.mu.Lock()
	url, ok := b.urls[queue]
	b.mu.Unlock()
	if ok {
		return url, nil
	}

	out, err := b.client.GetQueueUrl(ctx, &sqs.GetQueueUrlInput{QueueName: aws.String(queue)})
	if err != nil {
		return "", mapSQSError("get queue url", err)
	}
	url = aws.ToString(out.QueueUrl)

	b.mu.Lock()
	b.urls[queue] = url
	b.mu.Unlock()
	return url, nil
}

// Send enqueues body with attrs as string message attributes.
func (b *SQSBus) Send(ctx context.Context, queue string, body []byte, attrs map[string]string) (string, error) {
	if b.closed.Load() {
		return "", ErrClosed
	}
	url, err := b.queueURL(ctx, queue)
	if err != nil {
		return "", err
	}

	in := &sqs.SendMessageInput{
		QueueUrl:          aws.String(url),
		MessageBody:       aws.String(string(body)),
		MessageAttributes: make(map[string]types.MessageAttributeValue, len(attrs)),
	}
	for k, v := range attrs {
		in.MessageAttributes[k] = types.MessageAttributeValue{
			DataType:    aws.String("String"),
			StringValue: aws.String(v),
		}
	}
	out, err := b.client.SendMessage(ctx, in)
	if err != nil {
		return "", mapSQSError("send message", err)
	}
	return aws.ToString(out.MessageId), nil
}

// Receive long-polls for up to max messages and deletes each one it
// returns. A failed delete is logged; the message is still returned and
// may be redelivered after its visibility timeout.
func (b *SQSBus) Receive(ctx context.Context, queue string, max int, wait time.Duration) ([]*Message, error) {
	if b.closed.Load() {
		return nil, ErrClosed
	}
	url, err := b.queueURL(ctx, queue)
	if err != nil {
		return nil, err
	}
	max, wait = clampBatch(max, wait)

	out, err := b.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:              aws.String(url),
		MaxNumberOfMessages:   int32(max),
		WaitTimeSeconds:       int32(wait / time.Second),
		MessageAttributeNames: []string{"All"},
	})
	if err != nil {
		return nil, mapSQSError("receive message", err)
	}

	msgs := make([]*Message, 0, len(out.Messages))
	for _, m := range out.Messages {
		msg := &Message{
			ID:         aws.ToString(m.MessageId),
			Queue:      queue,
			Body:       []byte(aws.ToString(m.Body)),
			Attributes: make(map[string]string, len(m.MessageAttributes)),
		}
		for k, v := range m.MessageAttributes {
			msg.Attributes[k] = aws.ToString(v.StringValue)
		}
		if _, err := b.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
			QueueUrl:      aws.String(url),
			ReceiptHandle: m.ReceiptHandle,
		}); err != nil {
			b.logger.Warn("failed to delete received message",
				slog.String("queue", queue),
				slog.String("message_id", msg.ID),
				logging.Err(err),
			)
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

// Close marks the bus closed. The HTTP client needs no teardown.
func (b *SQSBus) Close() error {
	b.closed.Store(true)
	return nil
}

func mapSQSError(op string, err error) error {
	var notFound *types.QueueDoesNotExist
	if errors.As(err, &notFound) {
		return fmt.Errorf("sqs %s: %w", op, ErrQueueNotFound)
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) && apiErr.ErrorCode() == "AWS.SimpleQueueService.NonExistentQueue" {
		return fmt.Errorf("sqs %s: %w", op, ErrQueueNotFound)
	}
	return fmt.Errorf("sqs %s: %w", op, err)
}
