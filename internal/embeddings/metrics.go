package embeddings

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const embeddingsInstrumentationName = "github.com/clubhousegolfcanada/ClubOSV2-sub000/internal/embeddings"

// Cache tiers reported by RecordLookup.
const (
	TierL1   = "l1"
	TierL2   = "l2"
	TierMiss = "miss"
)

// Metrics holds all embedding-related metrics.
type Metrics struct {
	meter    metric.Meter
	logger   *zap.Logger
	duration metric.Float64Histogram
	errors   metric.Int64Counter
	lookups  metric.Int64Counter
}

// NewMetrics creates a new Metrics instance for embeddings.
func NewMetrics(logger *zap.Logger) *Metrics {
	m := &Metrics{
		meter:  otel.Meter(embeddingsInstrumentationName),
		logger: logger,
	}
	m.init()
	return m
}

func (m *Metrics) init() {
	var err error

	m.duration, err = m.meter.Float64Histogram(
		"plsd.embedding.generation_duration_seconds",
		metric.WithDescription("Duration of embedding provider calls in seconds, labeled by model and operation"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.0, 4.0, 8.0),
	)
	if err != nil {
		m.logger.Warn("failed to create duration histogram", zap.Error(err))
	}

	m.errors, err = m.meter.Int64Counter(
		"plsd.embedding.errors_total",
		metric.WithDescription("Embedding provider failures after retry, by model and operation"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		m.logger.Warn("failed to create errors counter", zap.Error(err))
	}

	m.lookups, err = m.meter.Int64Counter(
		"plsd.embedding.cache_lookups_total",
		metric.WithDescription("Embedding cache lookups by tier: l1 (in-process), l2 (store) or miss (provider call)"),
		metric.WithUnit("{lookup}"),
	)
	if err != nil {
		m.logger.Warn("failed to create cache lookups counter", zap.Error(err))
	}
}

// RecordGeneration records a provider call.
func (m *Metrics) RecordGeneration(ctx context.Context, model, operation string, duration time.Duration, err error) {
	attrs := metric.WithAttributes(
		attribute.String("model", model),
		attribute.String("operation", operation),
	)
	if m.duration != nil {
		m.duration.Record(ctx, duration.Seconds(), attrs)
	}
	if err != nil && m.errors != nil {
		m.errors.Add(ctx, 1, attrs)
	}
}

// RecordLookup records which cache tier answered a lookup.
func (m *Metrics) RecordLookup(ctx context.Context, tier string) {
	if m.lookups != nil {
		m.lookups.Add(ctx, 1, metric.WithAttributes(attribute.String("tier", tier)))
	}
}
