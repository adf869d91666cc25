package analyzer

import (
	"context"
	stderrors "errors"
	"log/slog"
	"time"

	"github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"github.com/NeuralCoder007/aws-a2a/errors"
	"github.com/NeuralCoder007/aws-a2a/logging"
)

// Default circuit breaker settings.
const (
	defaultBreakerFailures uint32        = 5
	defaultBreakerTimeout  time.Duration = 30 * time.Second
	defaultBreakerInterval time.Duration = 60 * time.Second
)

// BreakerConfig configures the circuit breaker.
type BreakerConfig struct {
	// MaxFailures is the number of consecutive failures before the circuit opens.
	MaxFailures uint32
	// Timeout is how long the circuit stays open before half-opening.
	Timeout time.Duration
	// Interval clears failure counts while closed. Zero uses the default.
	Interval time.Duration
}

// Breaker wraps an Oracle with a circuit breaker. While open, Analyze
// fails fast with UNAVAILABLE without reaching the inner oracle.
type Breaker struct {
	inner   Oracle
	breaker *gobreaker.CircuitBreaker[*Analysis]
}

// NewBreaker wraps inner. Zero config fields take defaults.
func NewBreaker(inner Oracle, name string, cfg BreakerConfig, logger *slog.Logger) *Breaker {
	if cfg.MaxFailures == 0 {
		cfg.MaxFailures = defaultBreakerFailures
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultBreakerTimeout
	}
	if cfg.Interval == 0 {
		cfg.Interval = defaultBreakerInterval
	}
	logger = logging.Component(logger, "analyzer")

	cb := gobreaker.NewCircuitBreaker[*Analysis](gobreaker.Settings{
		Name:        "oracle:" + name,
		MaxRequests: 1,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.MaxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				slog.String("breaker", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()))
		},
		// Bad input is the caller's fault, not the provider's.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, errors.ErrCodeInvalidInput)
		},
	})
	return &Breaker{inner: inner, breaker: cb}
}

// Analyze implements Oracle.
func (b *Breaker) Analyze(ctx context.Context, text string) (*Analysis, error) {
	a, err := b.breaker.Execute(func() (*Analysis, error) {
		return b.inner.Analyze(ctx, text)
	})
	if stderrors.Is(err, gobreaker.ErrOpenState) || stderrors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, errors.New(errors.ErrCodeUnavailable, "oracle circuit open", errors.WithCause(err))
	}
	return a, err
}

// State returns the current breaker state.
func (b *Breaker) State() gobreaker.State {
	return b.breaker.State()
}

// Limited wraps an Oracle with a token-bucket rate limiter. Analyze waits
// for a token, so callers see latency rather than errors under load,
// until their context expires.
type Limited struct {
	inner   Oracle
	limiter *rate.Limiter
}

// NewLimited allows perMinute calls per minute with the given burst.
// A non-positive perMinute disables limiting.
func NewLimited(inner Oracle, perMinute float64, burst int) *Limited {
	limit := rate.Inf
	if perMinute > 0 {
		limit = rate.Limit(perMinute / 60.0)
	}
	if burst <= 0 {
		burst = 1
	}
	return &Limited{inner: inner, limiter: rate.NewLimiter(limit, burst)}
}

// Analyze implements Oracle.
func (l *Limited) Analyze(ctx context.Context, text string) (*Analysis, error) {
	if err := l.limiter.Wait(ctx); err != nil {
		return nil, errors.New(errors.ErrCodeUnavailable, "oracle rate limit wait failed",
			errors.WithCause(err), errors.WithRetryable(true))
	}
	return l.inner.Analyze(ctx, text)
}

var (
	_ Oracle = (*Breaker)(nil)
	_ Oracle = (*Limited)(nil)
)
