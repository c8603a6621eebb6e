// Package reasoning asks a language model to generalize an operator reply
// into a reusable pattern and returns its structured JSON answer.
package reasoning

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/clubhousegolfcanada/ClubOSV2-sub000/internal/pattern"
)

const (
	// DefaultTimeout bounds a single provider attempt.
	DefaultTimeout = 4 * time.Second

	defaultModel     = "gpt-4o-mini"
	defaultRateLimit = 50.0 / 60.0
	defaultBurst     = 5
	retryBackoff     = 200 * time.Millisecond
)

var (
	// ErrInvalidConfig indicates invalid configuration.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrNoJSON indicates the model answered without a JSON object.
	ErrNoJSON = errors.New("no JSON object in model output")
)

// Reasoner returns the model's JSON answer to prompt.
type Reasoner interface {
	Reason(ctx context.Context, prompt string) (json.RawMessage, error)
}

// Config holds configuration for the reasoning client.
type Config struct {
	BaseURL     string
	Model       string
	APIKey      string
	Timeout     time.Duration
	RateLimit   float64 // requests per second
	Burst       int
	MaxTokens   int
	Temperature float64
}

func (c Config) withDefaults() Config {
	if c.Model == "" {
		c.Model = defaultModel
	}
	if c.Timeout == 0 {
		c.Timeout = DefaultTimeout
	}
	if c.RateLimit == 0 {
		c.RateLimit = defaultRateLimit
	}
	if c.Burst == 0 {
		c.Burst = defaultBurst
	}
	if c.MaxTokens == 0 {
		c.MaxTokens = 512
	}
	return c
}

// Validate validates the configuration.
func (c Config) Validate() error {
	if c.Timeout < 0 {
		return fmt.Errorf("%w: timeout cannot be negative", ErrInvalidConfig)
	}
	if c.RateLimit < 0 || c.Burst < 0 {
		return fmt.Errorf("%w: rate limit cannot be negative", ErrInvalidConfig)
	}
	if c.Temperature < 0 || c.Temperature > 2 {
		return fmt.Errorf("%w: temperature must be in [0,2]", ErrInvalidConfig)
	}
	return nil
}

// Client is a rate-limited Reasoner backed by a langchaingo model.
type Client struct {
	model   llms.Model
	config  Config
	limiter *rate.Limiter
	logger  *zap.Logger
}

// NewClient creates a client for an OpenAI-compatible chat endpoint.
func NewClient(config Config, logger *zap.Logger) (*Client, error) {
	config = config.withDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	if config.APIKey == "" {
		return nil, fmt.Errorf("%w: API key required", ErrInvalidConfig)
	}

	opts := []openai.Option{
		openai.WithModel(config.Model),
		openai.WithToken(config.APIKey),
	}
	if config.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(config.BaseURL))
	}
	llm, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("creating OpenAI client: %w", err)
	}
	return NewClientWithModel(llm, config, logger), nil
}

// NewClientWithModel wraps an existing langchaingo model.
func NewClientWithModel(model llms.Model, config Config, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	config = config.withDefaults()
	return &Client{
		model:   model,
		config:  config,
		limiter: rate.NewLimiter(rate.Limit(config.RateLimit), config.Burst),
		logger:  logger,
	}
}

// Reason sends prompt and extracts the first JSON object from the answer.
// Each attempt is bounded by the configured timeout and a failed attempt is
// retried once. An answer without JSON is the model's verdict, not a provider
// failure: it returns ErrNoJSON unwrapped and is not retried.
func (c *Client) Reason(ctx context.Context, prompt string) (json.RawMessage, error) {
	if strings.TrimSpace(prompt) == "" {
		return nil, pattern.NewValidationError("prompt", "cannot be empty")
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, dependencyError(fmt.Errorf("rate limiter: %w", err))
	}

	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(retryBackoff):
			case <-ctx.Done():
				return nil, dependencyError(ctx.Err())
			}
		}

		out, err := c.attempt(ctx, prompt)
		if err == nil || errors.Is(err, ErrNoJSON) {
			return out, err
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
		c.logger.Debug("reasoning attempt failed", zap.Int("attempt", attempt+1), zap.Error(err))
	}
	return nil, dependencyError(lastErr)
}

func (c *Client) attempt(ctx context.Context, prompt string) (json.RawMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	text, err := llms.GenerateFromSinglePrompt(ctx, c.model, prompt,
		llms.WithMaxTokens(c.config.MaxTokens),
		llms.WithTemperature(c.config.Temperature),
	)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	return ExtractJSON(text)
}

// ExtractJSON returns the first balanced JSON object in text. Models often
// wrap JSON in prose or code fences.
func ExtractJSON(text string) (json.RawMessage, error) {
	start := strings.IndexByte(text, '{')
	for start >= 0 {
		if end := objectEnd(text, start); end > 0 {
			candidate := text[start:end]
			if json.Valid([]byte(candidate)) {
				return json.RawMessage(candidate), nil
			}
		}
		next := strings.IndexByte(text[start+1:], '{')
		if next < 0 {
			break
		}
		start += next + 1
	}
	return nil, ErrNoJSON
}

// objectEnd returns the index just past the brace closing the object that
// opens at start, or -1.
func objectEnd(text string, start int) int {
	depth := 0
	inString, escaped := false, false
	for i := start; i < len(text); i++ {
		ch := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i + 1
			}
		}
	}
	return -1
}

func dependencyError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: reasoning provider: %w", pattern.ErrDependencyTimeout, err)
	}
	return fmt.Errorf("%w: reasoning provider: %w", pattern.ErrDependencyUnavailable, err)
}
