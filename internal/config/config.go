// Package config loads plsd configuration.
//
// Values come from built-in defaults, then an optional YAML file, then
// PLSD_* environment variables, highest last.
package config

import (
	"fmt"
	"net/url"
	"time"

	"github.com/clubhousegolfcanada/ClubOSV2-sub000/internal/decision"
)

// Config holds the complete plsd configuration.
type Config struct {
	Server     ServerConfig     `koanf:"server"`
	Storage    StorageConfig    `koanf:"storage"`
	Embeddings EmbeddingsConfig `koanf:"embeddings"`
	Reasoning  ReasoningConfig  `koanf:"reasoning"`
	Matcher    MatcherConfig    `koanf:"matcher"`
	Engine     EngineConfig     `koanf:"engine"`
	Policy     PolicyConfig     `koanf:"policy"`
	Sweep      SweepConfig      `koanf:"sweep"`
	Sender     SenderConfig     `koanf:"sender"`
	Events     EventsConfig     `koanf:"events"`
	Logging    LoggingConfig    `koanf:"logging"`
	Telemetry  TelemetryConfig  `koanf:"telemetry"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string   `koanf:"http_host"`
	Port            int      `koanf:"http_port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
}

// StorageConfig locates the SQLite database.
type StorageConfig struct {
	Path string `koanf:"path"`
}

// EmbeddingsConfig configures the embedding provider and cache.
type EmbeddingsConfig struct {
	BaseURL  string   `koanf:"base_url"`
	Model    string   `koanf:"model"`
	APIKey   Secret   `koanf:"api_key"`
	Timeout  Duration `koanf:"timeout"`
	CacheTTL Duration `koanf:"cache_ttl"`

	// PruneAfter drops persisted cache rows older than this on each sweep.
	// Zero keeps them forever.
	PruneAfter Duration `koanf:"prune_after"`
}

// ReasoningConfig configures the reasoning provider.
type ReasoningConfig struct {
	BaseURL     string   `koanf:"base_url"`
	Model       string   `koanf:"model"`
	APIKey      Secret   `koanf:"api_key"`
	Timeout     Duration `koanf:"timeout"`
	RateLimit   float64  `koanf:"rate_limit"`
	Burst       int      `koanf:"burst"`
	MaxTokens   int      `koanf:"max_tokens"`
	Temperature float64  `koanf:"temperature"`
}

// MatcherConfig tunes the semantic stage.
type MatcherConfig struct {
	MinTokensForSemantic int     `koanf:"min_tokens_for_semantic"`
	SemanticFloor        float64 `koanf:"semantic_floor"`
}

// EngineConfig tunes inbound processing.
type EngineConfig struct {
	// DuplicateWindow suppresses redelivered messages. Zero disables it.
	DuplicateWindow Duration `koanf:"duplicate_window"`
}

// PolicyConfig mirrors decision.Policy with text durations.
type PolicyConfig struct {
	Version                   string   `koanf:"version"`
	MinConfidenceToSuggest    float64  `koanf:"min_confidence_to_suggest"`
	MinConfidenceToAct        float64  `koanf:"min_confidence_to_act"`
	PromotionThreshold        float64  `koanf:"promotion_threshold"`
	MinExecutionsForPromotion int      `koanf:"min_executions_for_promotion"`
	DemotionFloor             float64  `koanf:"demotion_floor"`
	AcceptDelta               float64  `koanf:"accept_delta"`
	ModifyDelta               float64  `koanf:"modify_delta"`
	RejectDelta               float64  `koanf:"reject_delta"`
	ReinforceDelta            float64  `koanf:"reinforce_delta"`
	DecayDelta                float64  `koanf:"decay_delta"`
	DecayAfter                Duration `koanf:"decay_after"`
	DecayPeriod               Duration `koanf:"decay_period"`
	NearDuplicateThreshold    float64  `koanf:"near_duplicate_threshold"`
	ShadowMode                bool     `koanf:"shadow_mode"`
}

// Policy converts the section into a decision.Policy.
func (p PolicyConfig) Policy() decision.Policy {
	return decision.Policy{
		Version:                   p.Version,
		MinConfidenceToSuggest:    p.MinConfidenceToSuggest,
		MinConfidenceToAct:        p.MinConfidenceToAct,
		PromotionThreshold:        p.PromotionThreshold,
		MinExecutionsForPromotion: p.MinExecutionsForPromotion,
		DemotionFloor:             p.DemotionFloor,
		AcceptDelta:               p.AcceptDelta,
		ModifyDelta:               p.ModifyDelta,
		RejectDelta:               p.RejectDelta,
		ReinforceDelta:            p.ReinforceDelta,
		DecayDelta:                p.DecayDelta,
		DecayAfter:                p.DecayAfter.Duration(),
		DecayPeriod:               p.DecayPeriod.Duration(),
		NearDuplicateThreshold:    p.NearDuplicateThreshold,
		ShadowMode:                p.ShadowMode,
	}
}

func policyConfig(p decision.Policy) PolicyConfig {
	return PolicyConfig{
		Version:                   p.Version,
		MinConfidenceToSuggest:    p.MinConfidenceToSuggest,
		MinConfidenceToAct:        p.MinConfidenceToAct,
		PromotionThreshold:        p.PromotionThreshold,
		MinExecutionsForPromotion: p.MinExecutionsForPromotion,
		DemotionFloor:             p.DemotionFloor,
		AcceptDelta:               p.AcceptDelta,
		ModifyDelta:               p.ModifyDelta,
		RejectDelta:               p.RejectDelta,
		ReinforceDelta:            p.ReinforceDelta,
		DecayDelta:                p.DecayDelta,
		DecayAfter:                Duration(p.DecayAfter),
		DecayPeriod:               Duration(p.DecayPeriod),
		NearDuplicateThreshold:    p.NearDuplicateThreshold,
		ShadowMode:                p.ShadowMode,
	}
}

// SweepConfig schedules the decay sweep.
type SweepConfig struct {
	Enabled  bool     `koanf:"enabled"`
	Interval Duration `koanf:"interval"`
	Timeout  Duration `koanf:"timeout"`
}

// SenderConfig selects how auto-executed responses leave the engine.
type SenderConfig struct {
	// Mode is "log" or "webhook".
	Mode       string   `koanf:"mode"`
	WebhookURL string   `koanf:"webhook_url"`
	Token      Secret   `koanf:"token"`
	Timeout    Duration `koanf:"timeout"`
}

// EventsConfig configures the NATS publisher. An empty URL disables it.
type EventsConfig struct {
	NATSURL       string `koanf:"nats_url"`
	SubjectPrefix string `koanf:"subject_prefix"`
}

// LoggingConfig is the subset of logging options exposed to operators.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	OTEL   bool   `koanf:"otel"`
}

// TelemetryConfig configures OpenTelemetry export.
type TelemetryConfig struct {
	Enabled     bool    `koanf:"enabled"`
	ServiceName string  `koanf:"service_name"`
	Endpoint    string  `koanf:"endpoint"`
	Protocol    string  `koanf:"protocol"`
	Insecure    bool    `koanf:"insecure"`
	SampleRate  float64 `koanf:"sample_rate"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Host:            "127.0.0.1",
			Port:            8420,
			ShutdownTimeout: Duration(10 * time.Second),
		},
		Storage: StorageConfig{Path: "/var/lib/plsd/plsd.db"},
		Embeddings: EmbeddingsConfig{
			BaseURL:  "http://localhost:8080/v1",
			Model:    "BAAI/bge-small-en-v1.5",
			Timeout:  Duration(4 * time.Second),
			CacheTTL: Duration(30 * time.Minute),
		},
		Reasoning: ReasoningConfig{
			Model:       "gpt-4o-mini",
			Timeout:     Duration(4 * time.Second),
			RateLimit:   50.0 / 60.0,
			Burst:       5,
			MaxTokens:   512,
			Temperature: 0.1,
		},
		Matcher: MatcherConfig{
			MinTokensForSemantic: 3,
			SemanticFloor:        0.70,
		},
		Engine: EngineConfig{DuplicateWindow: Duration(10 * time.Second)},
		Policy: policyConfig(decision.DefaultPolicy()),
		Sweep: SweepConfig{
			Enabled:  true,
			Interval: Duration(time.Hour),
			Timeout:  Duration(10 * time.Minute),
		},
		Sender: SenderConfig{
			Mode:    "log",
			Timeout: Duration(4 * time.Second),
		},
		Events:  EventsConfig{SubjectPrefix: "plsd"},
		Logging: LoggingConfig{Level: "info", Format: "json"},
		Telemetry: TelemetryConfig{
			ServiceName: "plsd",
			Endpoint:    "localhost:4317",
			Protocol:    "grpc",
			Insecure:    true,
			SampleRate:  1.0,
		},
	}
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.http_port must be in 1-65535, got %d", c.Server.Port)
	}
	if c.Storage.Path == "" {
		return fmt.Errorf("storage.path is required")
	}
	if c.Embeddings.Model == "" {
		return fmt.Errorf("embeddings.model is required")
	}
	if c.Reasoning.RateLimit <= 0 {
		return fmt.Errorf("reasoning.rate_limit must be > 0")
	}
	if c.Matcher.SemanticFloor < 0 || c.Matcher.SemanticFloor > 1 {
		return fmt.Errorf("matcher.semantic_floor must be in [0,1]")
	}
	if err := c.Policy.Policy().Validate(); err != nil {
		return fmt.Errorf("policy: %w", err)
	}
	if c.Sweep.Enabled && c.Sweep.Interval.Duration() <= 0 {
		return fmt.Errorf("sweep.interval must be > 0 when the sweep is enabled")
	}
	switch c.Sender.Mode {
	case "log":
	case "webhook":
		u, err := url.Parse(c.Sender.WebhookURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("sender.webhook_url must be an http(s) URL when sender.mode is webhook")
		}
	default:
		return fmt.Errorf("sender.mode must be 'log' or 'webhook', got %q", c.Sender.Mode)
	}
	if c.Events.NATSURL != "" && c.Events.SubjectPrefix == "" {
		return fmt.Errorf("events.subject_prefix is required when events.nats_url is set")
	}
	if c.Telemetry.Enabled && c.Telemetry.Protocol != "grpc" && c.Telemetry.Protocol != "http" {
		return fmt.Errorf("telemetry.protocol must be 'grpc' or 'http', got %q", c.Telemetry.Protocol)
	}
	return nil
}
