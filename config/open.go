package config

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/NeuralCoder007/aws-a2a/analyzer"
	"github.com/NeuralCoder007/aws-a2a/bus"
	"github.com/NeuralCoder007/aws-a2a/logging"
	"github.com/NeuralCoder007/aws-a2a/protocol"
	"github.com/NeuralCoder007/aws-a2a/state"
	"github.com/NeuralCoder007/aws-a2a/telemetry"
)

func nop() error { return nil }

// OpenStore opens the state backend sc names. The returned function
// closes the store and any connection opened for it.
func OpenStore(ctx context.Context, sc StoreConfig) (state.StateStore, func() error, error) {
	switch sc.Backend {
	case "", "memory":
		s := state.NewMemoryStore()
		return s, s.Close, nil

	case "sqlite":
		s, err := state.NewSQLiteStore(sc.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil

	case "nats":
		conn, err := bus.Connect(bus.NATSConfig{URL: sc.NATSURL, Name: "a2a-state"})
		if err != nil {
			return nil, nil, err
		}
		s, err := state.NewNATSStore(ctx, state.NATSStoreConfig{Conn: conn, Bucket: sc.Bucket})
		if err != nil {
			conn.Close()
			return nil, nil, err
		}
		return s, func() error {
			err := s.Close()
			conn.Close()
			return err
		}, nil

	case "redis":
		client, err := state.NewRedisClient(redisURL(sc.RedisAddr))
		if err != nil {
			return nil, nil, err
		}
		s, err := state.NewRedisStore(state.RedisStoreConfig{Client: client, Namespace: sc.Bucket})
		if err != nil {
			client.Close()
			return nil, nil, err
		}
		return s, func() error {
			err := s.Close()
			if cerr := client.Close(); err == nil {
				err = cerr
			}
			return err
		}, nil
	}
	return nil, nil, fmt.Errorf("unknown store backend %q", sc.Backend)
}

func redisURL(addr string) string {
	if addr == "" {
		return "redis://127.0.0.1:6379/0"
	}
	return addr
}

// OpenQueue opens the bus bc names. Closing the queue releases its
// connection.
func OpenQueue(ctx context.Context, bc BusConfig, logger *slog.Logger) (bus.Queue, error) {
	switch bc.Backend {
	case "", "memory":
		cfg := bus.DefaultConfig()
		if bc.BufferSize > 0 {
			cfg.BufferSize = bc.BufferSize
		}
		return bus.NewMemoryBus(cfg), nil

	case "nats":
		cfg := bus.DefaultNATSConfig()
		if bc.NATSURL != "" {
			cfg.URL = bc.NATSURL
		}
		cfg.Name = "a2a-bus"
		return bus.NewNATSBus(ctx, cfg)

	case "sqs":
		return bus.NewSQSBus(ctx, bus.SQSConfig{Region: bc.Region, Logger: logger})

	case "redis":
		client, err := state.NewRedisClient(redisURL(bc.RedisAddr))
		if err != nil {
			return nil, err
		}
		b, err := bus.NewRedisBus(bus.RedisConfig{Client: client})
		if err != nil {
			client.Close()
			return nil, err
		}
		return &ownedRedisBus{RedisBus: b, close: client.Close}, nil
	}
	return nil, fmt.Errorf("unknown bus backend %q", bc.Backend)
}

// ownedRedisBus closes the client it was opened with.
type ownedRedisBus struct {
	*bus.RedisBus
	close func() error
}

func (b *ownedRedisBus) Close() error {
	err := b.RedisBus.Close()
	if cerr := b.close(); err == nil {
		err = cerr
	}
	return err
}

// OpenOracle builds the capability oracle ac names, rate limited and
// behind a circuit breaker. Provider none returns a nil oracle. The
// returned function releases provider clients.
func OpenOracle(ctx context.Context, ac AnalyzerConfig, catalog *protocol.Catalog, logger *slog.Logger, tracer *telemetry.Tracer) (analyzer.Oracle, func() error, error) {
	if ac.Provider == "" || ac.Provider == "none" {
		return nil, nop, nil
	}

	apiKey := ""
	if ac.Provider != "bedrock" {
		key, err := ResolveAPIKey(ac)
		if err != nil {
			return nil, nil, err
		}
		if key == "" {
			return nil, nil, fmt.Errorf("no api key for analyzer provider %q", ac.Provider)
		}
		apiKey = key
	}

	var (
		completer analyzer.Completer
		closer    = nop
		err       error
	)
	switch ac.Provider {
	case "bedrock":
		completer, err = analyzer.NewBedrockCompleter(ctx, analyzer.BedrockConfig{
			Region: ac.Region, Model: ac.Model, MaxTokens: ac.MaxTokens,
		})
	case "anthropic":
		completer, err = analyzer.NewAnthropicCompleter(analyzer.AnthropicConfig{
			APIKey: apiKey, BaseURL: ac.BaseURL, Model: ac.Model, MaxTokens: ac.MaxTokens,
		})
	case "openai":
		completer, err = analyzer.NewOpenAICompleter(analyzer.OpenAIConfig{
			APIKey: apiKey, BaseURL: ac.BaseURL, Model: ac.Model, MaxTokens: ac.MaxTokens,
		})
	case "google":
		var g *analyzer.GeminiCompleter
		g, err = analyzer.NewGeminiCompleter(ctx, analyzer.GeminiConfig{
			APIKey: apiKey, Model: ac.Model, MaxTokens: ac.MaxTokens,
		})
		if err == nil {
			completer, closer = g, g.Close
		}
	default:
		return nil, nil, fmt.Errorf("unknown analyzer provider %q", ac.Provider)
	}
	if err != nil {
		return nil, nil, err
	}

	var oracle analyzer.Oracle = analyzer.NewLLMOracle(completer,
		analyzer.WithCatalog(catalog),
		analyzer.WithLogger(logger),
		analyzer.WithTracer(tracer))
	oracle = analyzer.NewLimited(oracle, ac.RatePerMinute, ac.Burst)
	oracle = analyzer.NewBreaker(oracle, "oracle-"+ac.Provider, analyzer.BreakerConfig{
		MaxFailures: ac.BreakerFailures,
		Timeout:     ac.BreakerTimeout,
	}, logger)
	return oracle, closer, nil
}

// NewLogger builds the logger [logging] describes.
func (c *Config) NewLogger() (*slog.Logger, func() error, error) {
	return logging.New(c.Logging)
}

// InitTelemetry starts the tracer provider [telemetry] describes. When
// disabled it returns a no-op provider.
func (c *Config) InitTelemetry(ctx context.Context) (*telemetry.Provider, error) {
	pc := telemetry.ProviderConfig{
		ServiceName: c.Telemetry.ServiceName,
		Protocol:    "noop",
	}
	if c.Telemetry.Enabled {
		pc.Protocol = c.Telemetry.Protocol
		pc.Endpoint = c.Telemetry.Endpoint
		pc.Insecure = c.Telemetry.Insecure
	}
	return telemetry.InitProvider(ctx, pc)
}
