package main

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/log/global"
	"go.uber.org/zap"

	"github.com/clubhousegolfcanada/ClubOSV2-sub000/internal/config"
	"github.com/clubhousegolfcanada/ClubOSV2-sub000/internal/embeddings"
	"github.com/clubhousegolfcanada/ClubOSV2-sub000/internal/engine"
	"github.com/clubhousegolfcanada/ClubOSV2-sub000/internal/events"
	"github.com/clubhousegolfcanada/ClubOSV2-sub000/internal/feedback"
	"github.com/clubhousegolfcanada/ClubOSV2-sub000/internal/learner"
	"github.com/clubhousegolfcanada/ClubOSV2-sub000/internal/lifecycle"
	"github.com/clubhousegolfcanada/ClubOSV2-sub000/internal/logging"
	"github.com/clubhousegolfcanada/ClubOSV2-sub000/internal/matcher"
	"github.com/clubhousegolfcanada/ClubOSV2-sub000/internal/reasoning"
	"github.com/clubhousegolfcanada/ClubOSV2-sub000/internal/store"
	"github.com/clubhousegolfcanada/ClubOSV2-sub000/internal/telemetry"
)

// app holds every wired component of a running daemon.
type app struct {
	cfg       *config.Config
	logger    *logging.Logger
	telemetry *telemetry.Telemetry
	store     *store.Store
	publisher events.Publisher
	nats      *events.NATSPublisher
	manager   *lifecycle.Manager
	scheduler *lifecycle.DecayScheduler
	engine    *engine.Engine
}

// newLogger maps the operator-facing logging section onto logging.Config.
func newLogger(cfg config.LoggingConfig) (*logging.Logger, error) {
	lc := logging.NewDefaultConfig()
	if cfg.Level != "" {
		level, err := logging.LevelFromString(cfg.Level)
		if err != nil {
			return nil, err
		}
		lc.Level = level
	}
	if cfg.Format != "" {
		lc.Format = cfg.Format
	}
	if !cfg.OTEL {
		return logging.NewLogger(lc, nil)
	}
	lc.Output.OTEL = true
	return logging.NewLogger(lc, global.GetLoggerProvider())
}

func telemetryConfig(cfg config.TelemetryConfig) *telemetry.Config {
	tc := telemetry.NewDefaultConfig()
	tc.Enabled = cfg.Enabled
	tc.ServiceVersion = version
	if cfg.ServiceName != "" {
		tc.ServiceName = cfg.ServiceName
	}
	if cfg.Endpoint != "" {
		tc.Endpoint = cfg.Endpoint
	}
	if cfg.Protocol != "" {
		tc.Protocol = cfg.Protocol
	}
	tc.Insecure = cfg.Insecure
	tc.SampleRate = cfg.SampleRate
	return tc
}

// openStore opens the pattern store with the configured promotion guard.
func openStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*store.Store, error) {
	return store.Open(ctx, cfg.Storage.Path,
		store.WithLogger(logger.Named("store")),
		store.WithPromotionThreshold(cfg.Policy.PromotionThreshold),
	)
}

// wire builds the daemon's component graph in dependency order.
func wire(ctx context.Context, cfg *config.Config, logger *logging.Logger) (a *app, err error) {
	a = &app{cfg: cfg, logger: logger, publisher: events.Nop{}}
	defer func() {
		if err != nil {
			a.close(context.Background())
			a = nil
		}
	}()
	zl := logger.Underlying()
	policy := cfg.Policy.Policy()

	a.telemetry, err = telemetry.New(ctx, telemetryConfig(cfg.Telemetry), zl.Named("telemetry"))
	if err != nil {
		return a, fmt.Errorf("initializing telemetry: %w", err)
	}

	a.store, err = openStore(ctx, cfg, zl)
	if err != nil {
		return a, fmt.Errorf("opening store: %w", err)
	}

	if cfg.Events.NATSURL != "" {
		a.nats, err = events.Connect(cfg.Events.NATSURL, cfg.Events.SubjectPrefix, zl.Named("events"))
		if err != nil {
			return a, fmt.Errorf("connecting to NATS: %w", err)
		}
		a.publisher = a.nats
	}

	embedSvc, err := embeddings.NewService(embeddings.Config{
		BaseURL: cfg.Embeddings.BaseURL,
		Model:   cfg.Embeddings.Model,
		APIKey:  cfg.Embeddings.APIKey.Value(),
		Timeout: cfg.Embeddings.Timeout.Duration(),
	}, zl.Named("embeddings"))
	if err != nil {
		return a, fmt.Errorf("creating embedding service: %w", err)
	}
	embedder, err := embeddings.NewCache(embedSvc, a.store, cfg.Embeddings.Model,
		embeddings.WithL1TTL(cfg.Embeddings.CacheTTL.Duration()),
		embeddings.WithCacheLogger(zl.Named("embeddings")),
	)
	if err != nil {
		return a, fmt.Errorf("creating embedding cache: %w", err)
	}

	if !cfg.Reasoning.APIKey.IsSet() {
		return a, errors.New("reasoning.api_key is required")
	}
	reasoner, err := reasoning.NewClient(reasoning.Config{
		BaseURL:     cfg.Reasoning.BaseURL,
		Model:       cfg.Reasoning.Model,
		APIKey:      cfg.Reasoning.APIKey.Value(),
		Timeout:     cfg.Reasoning.Timeout.Duration(),
		RateLimit:   cfg.Reasoning.RateLimit,
		Burst:       cfg.Reasoning.Burst,
		MaxTokens:   cfg.Reasoning.MaxTokens,
		Temperature: cfg.Reasoning.Temperature,
	}, zl.Named("reasoning"))
	if err != nil {
		return a, fmt.Errorf("creating reasoning client: %w", err)
	}

	match, err := matcher.New(a.store, embedder, matcher.Config{
		MinTokensForSemantic: cfg.Matcher.MinTokensForSemantic,
		SemanticFloor:        cfg.Matcher.SemanticFloor,
	}, zl.Named("matcher"))
	if err != nil {
		return a, fmt.Errorf("creating matcher: %w", err)
	}

	a.manager, err = lifecycle.NewManager(a.store, policy, zl.Named("lifecycle"),
		lifecycle.WithPublisher(a.publisher))
	if err != nil {
		return a, fmt.Errorf("creating lifecycle manager: %w", err)
	}

	schedOpts := []lifecycle.SchedulerOption{
		lifecycle.WithInterval(cfg.Sweep.Interval.Duration()),
		lifecycle.WithSweepTimeout(cfg.Sweep.Timeout.Duration()),
	}
	if ttl := cfg.Embeddings.PruneAfter.Duration(); ttl > 0 {
		schedOpts = append(schedOpts, lifecycle.WithEmbeddingPruning(a.store, ttl))
	}
	a.scheduler, err = lifecycle.NewDecayScheduler(a.manager, zl.Named("sweep"), schedOpts...)
	if err != nil {
		return a, fmt.Errorf("creating decay scheduler: %w", err)
	}

	learn, err := learner.New(learner.Deps{
		Store:      a.store,
		Similarity: match,
		Confidence: a.manager,
		Reasoner:   reasoner,
		Embedder:   embedder,
	}, policy, zl.Named("learner"))
	if err != nil {
		return a, fmt.Errorf("creating learner: %w", err)
	}

	fb, err := feedback.NewProcessor(a.store, a.manager, learn, policy, zl.Named("feedback"))
	if err != nil {
		return a, fmt.Errorf("creating feedback processor: %w", err)
	}

	sender, err := newSender(cfg.Sender, zl)
	if err != nil {
		return a, err
	}

	a.engine, err = engine.New(engine.Deps{
		Store:     a.store,
		Matcher:   match,
		Lifecycle: a.manager,
		Learner:   learn,
		Feedback:  fb,
		Sender:    sender,
		Publisher: a.publisher,
		Embedder:  embedder,
		Tracer:    a.telemetry.Tracer("plsd/engine"),
		Meter:     a.telemetry.Meter("plsd/engine"),
	}, policy, logger.Named("engine"),
		engine.WithDuplicateWindow(cfg.Engine.DuplicateWindow.Duration()))
	if err != nil {
		return a, fmt.Errorf("creating engine: %w", err)
	}
	return a, nil
}

func newSender(cfg config.SenderConfig, logger *zap.Logger) (engine.Sender, error) {
	switch cfg.Mode {
	case "webhook":
		s, err := engine.NewWebhookSender(cfg.WebhookURL, cfg.Token.Value(), cfg.Timeout.Duration())
		if err != nil {
			return nil, fmt.Errorf("creating webhook sender: %w", err)
		}
		return s, nil
	default:
		return engine.NewLogSender(logger.Named("sender")), nil
	}
}

// close releases everything wire opened, in reverse order.
func (a *app) close(ctx context.Context) {
	if a == nil {
		return
	}
	if a.scheduler != nil {
		_ = a.scheduler.Stop()
	}
	if a.publisher != nil {
		if err := a.publisher.Close(); err != nil {
			a.logger.Warn(ctx, "closing event publisher", zap.Error(err))
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn(ctx, "closing store", zap.Error(err))
		}
	}
	if a.telemetry != nil {
		if err := a.telemetry.Shutdown(ctx); err != nil {
			a.logger.Warn(ctx, "shutting down telemetry", zap.Error(err))
		}
	}
}
