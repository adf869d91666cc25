package analyzer

import (
	"context"
	"log/slog"
	"strings"

	"github.com/NeuralCoder007/aws-a2a/errors"
	"github.com/NeuralCoder007/aws-a2a/logging"
	"github.com/NeuralCoder007/aws-a2a/protocol"
	"github.com/NeuralCoder007/aws-a2a/tasks"
	"github.com/NeuralCoder007/aws-a2a/telemetry"
)

const (
	defaultMaxTokens    = 500
	analysisTemperature = 0.1
)

// Complexity is the model's estimate of how hard a task is.
type Complexity string

const (
	ComplexityLow    Complexity = "low"
	ComplexityMedium Complexity = "medium"
	ComplexityHigh   Complexity = "high"
)

// Analysis is what an oracle infers from free-form task text.
type Analysis struct {
	// RequiredCapabilities holds only types known to the catalog, in the
	// order the model listed them, without duplicates.
	RequiredCapabilities []protocol.CapabilityType `json:"required_capabilities"`

	// Priority is empty when the model gave none or an unknown value.
	Priority tasks.Priority `json:"priority,omitempty"`

	Complexity               Complexity `json:"complexity,omitempty"`
	TaskType                 string     `json:"task_type,omitempty"`
	EstimatedDurationMinutes int        `json:"estimated_duration_minutes,omitempty"`
}

// Oracle extracts capability requirements from task text. Results are
// advisory: callers fall back to their own capabilities on error.
type Oracle interface {
	Analyze(ctx context.Context, text string) (*Analysis, error)
}

// Completer sends one system+user prompt to a model and returns the text
// of its reply. Provider adapters implement it.
type Completer interface {
	Complete(ctx context.Context, system, prompt string) (string, error)
	Name() string
	Model() string
}

// LLMOracle implements Oracle on top of a Completer.
type LLMOracle struct {
	completer Completer
	catalog   *protocol.Catalog
	logger    *slog.Logger
	tracer    *telemetry.Tracer
}

// Option configures an LLMOracle.
type Option func(*LLMOracle)

// WithCatalog sets the capability types the oracle may return.
func WithCatalog(c *protocol.Catalog) Option {
	return func(o *LLMOracle) {
		if c != nil {
			o.catalog = c
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *LLMOracle) {
		o.logger = l
	}
}

// WithTracer sets the tracer.
func WithTracer(t *telemetry.Tracer) Option {
	return func(o *LLMOracle) {
		o.tracer = t
	}
}

// NewLLMOracle creates an oracle that prompts c.
func NewLLMOracle(c Completer, opts ...Option) *LLMOracle {
	o := &LLMOracle{
		completer: c,
		catalog:   protocol.DefaultCatalog(),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.logger = logging.Component(o.logger, "analyzer")
	return o
}

// Analyze implements Oracle.
func (o *LLMOracle) Analyze(ctx context.Context, text string) (a *Analysis, err error) {
	if strings.TrimSpace(text) == "" {
		return nil, errors.InvalidInput("task text is required")
	}

	ctx, span := o.tracer.StartOracleSpan(ctx, o.completer.Name(), o.completer.Model())
	defer func() { telemetry.End(span, err) }()

	reply, err := o.completer.Complete(ctx, systemPrompt, buildPrompt(o.catalog, text))
	if err != nil {
		var opts []errors.Option
		if _, typed := errors.As(err); !typed {
			opts = append(opts, errors.WithRetryable(true))
		}
		return nil, errors.Wrap(err, o.completer.Name()+" completion failed", opts...)
	}

	a, dropped, err := ParseAnalysis(o.catalog, reply)
	if err != nil {
		o.logger.Warn("unparseable analysis",
			slog.String("provider", o.completer.Name()),
			logging.Err(err))
		return nil, err
	}
	if len(dropped) > 0 {
		o.logger.Debug("dropped unknown capabilities",
			slog.String("provider", o.completer.Name()),
			slog.Any("capabilities", dropped))
	}
	return a, nil
}

var _ Oracle = (*LLMOracle)(nil)
