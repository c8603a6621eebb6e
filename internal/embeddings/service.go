package embeddings

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms/openai"
	"go.uber.org/zap"

	"github.com/clubhousegolfcanada/ClubOSV2-sub000/internal/pattern"
)

const (
	// DefaultTimeout bounds a single provider attempt.
	DefaultTimeout = 4 * time.Second

	defaultBaseURL = "http://localhost:8080/v1"
	defaultModel   = "BAAI/bge-small-en-v1.5"
	retryBackoff   = 100 * time.Millisecond
)

var (
	// ErrEmptyInput indicates empty input text.
	ErrEmptyInput = errors.New("empty input text")

	// ErrInvalidConfig indicates invalid configuration.
	ErrInvalidConfig = errors.New("invalid configuration")
)

// Embedder produces a vector for one piece of text.
type Embedder interface {
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// Config holds configuration for the embedding service.
type Config struct {
	// BaseURL is the OpenAI-compatible API root.
	// For TEI: http://localhost:8080/v1
	// For OpenAI: https://api.openai.com/v1
	BaseURL string

	// Model is the embedding model name.
	Model string

	// APIKey is required for OpenAI, optional for TEI.
	APIKey string

	// Timeout bounds each attempt. Zero means DefaultTimeout.
	Timeout time.Duration
}

// Validate validates the configuration.
func (c Config) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("%w: base URL required", ErrInvalidConfig)
	}
	if c.Model == "" {
		return fmt.Errorf("%w: model required", ErrInvalidConfig)
	}
	if c.Timeout < 0 {
		return fmt.Errorf("%w: timeout cannot be negative", ErrInvalidConfig)
	}
	return nil
}

func (c Config) withDefaults() Config {
	if c.BaseURL == "" {
		c.BaseURL = defaultBaseURL
	}
	if c.Model == "" {
		c.Model = defaultModel
	}
	if c.Timeout == 0 {
		c.Timeout = DefaultTimeout
	}
	return c
}

// Service generates embeddings through langchaingo.
type Service struct {
	embedder embeddings.Embedder
	config   Config
	logger   *zap.Logger
	metrics  *Metrics
}

// NewService creates a service for the configured endpoint.
func NewService(config Config, logger *zap.Logger) (*Service, error) {
	config = config.withDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	apiKey := config.APIKey
	if apiKey == "" {
		// langchaingo requires a token, TEI ignores it
		apiKey = "placeholder"
	}

	llm, err := openai.New(
		openai.WithBaseURL(config.BaseURL),
		openai.WithModel(config.Model),
		openai.WithEmbeddingModel(config.Model),
		openai.WithToken(apiKey),
	)
	if err != nil {
		return nil, fmt.Errorf("creating OpenAI client: %w", err)
	}

	embedder, err := embeddings.NewEmbedder(llm)
	if err != nil {
		return nil, fmt.Errorf("creating embedder: %w", err)
	}

	return newService(embedder, config, logger), nil
}

func newService(embedder embeddings.Embedder, config Config, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		embedder: embedder,
		config:   config.withDefaults(),
		logger:   logger,
		metrics:  NewMetrics(logger),
	}
}

// Model returns the configured embedding model.
func (s *Service) Model() string {
	return s.config.Model
}

// EmbedQuery embeds one text. Each attempt is bounded by the configured
// timeout and a failed attempt is retried once. Errors wrap
// pattern.ErrDependencyTimeout or pattern.ErrDependencyUnavailable.
func (s *Service) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	start := time.Now()
	var genErr error
	defer func() {
		s.metrics.RecordGeneration(ctx, s.config.Model, "embed_query", time.Since(start), genErr)
	}()

	if strings.TrimSpace(text) == "" {
		genErr = fmt.Errorf("%w: text cannot be empty", ErrEmptyInput)
		return nil, genErr
	}

	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(retryBackoff):
			case <-ctx.Done():
				genErr = dependencyError(ctx.Err())
				return nil, genErr
			}
		}

		vector, err := s.attempt(ctx, text)
		if err == nil {
			return vector, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
		s.logger.Debug("embedding attempt failed",
			zap.Int("attempt", attempt+1),
			zap.String("model", s.config.Model),
			zap.Error(err))
	}

	genErr = dependencyError(lastErr)
	return nil, genErr
}

func (s *Service) attempt(ctx context.Context, text string) ([]float32, error) {
	ctx, cancel := context.WithTimeout(ctx, s.config.Timeout)
	defer cancel()

	vector, err := s.embedder.EmbedQuery(ctx, text)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	if len(vector) == 0 {
		return nil, errors.New("empty embedding returned")
	}
	return vector, nil
}

func dependencyError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: embedding provider: %w", pattern.ErrDependencyTimeout, err)
	}
	return fmt.Errorf("%w: embedding provider: %w", pattern.ErrDependencyUnavailable, err)
}
