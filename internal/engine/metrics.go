package engine

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/clubhousegolfcanada/ClubOSV2-sub000/internal/engine"

// Metrics holds engine instruments.
type Metrics struct {
	decisions    metric.Int64Counter
	duration     metric.Float64Histogram
	sendFailures metric.Int64Counter
	degraded     metric.Int64Counter
	learned      metric.Int64Counter
}

func newMetrics(meter metric.Meter, logger *zap.Logger) *Metrics {
	if meter == nil {
		meter = otel.Meter(instrumentationName)
	}
	m := &Metrics{}
	var err error

	m.decisions, err = meter.Int64Counter(
		"plsd.engine.decisions_total",
		metric.WithDescription("Inbound messages by resulting action"),
		metric.WithUnit("{message}"),
	)
	if err != nil {
		logger.Warn("failed to create decisions counter", zap.Error(err))
	}

	m.duration, err = meter.Float64Histogram(
		"plsd.engine.process_duration_seconds",
		metric.WithDescription("Time to process one inbound message"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	)
	if err != nil {
		logger.Warn("failed to create duration histogram", zap.Error(err))
	}

	m.sendFailures, err = meter.Int64Counter(
		"plsd.engine.send_failures_total",
		metric.WithDescription("Auto-execute sends that failed and were escalated"),
		metric.WithUnit("{message}"),
	)
	if err != nil {
		logger.Warn("failed to create send failures counter", zap.Error(err))
	}

	m.degraded, err = meter.Int64Counter(
		"plsd.engine.degraded_total",
		metric.WithDescription("Messages processed with a degraded pipeline"),
		metric.WithUnit("{message}"),
	)
	if err != nil {
		logger.Warn("failed to create degraded counter", zap.Error(err))
	}

	m.learned, err = meter.Int64Counter(
		"plsd.engine.learn_outcomes_total",
		metric.WithDescription("Operator replies by learning outcome"),
		metric.WithUnit("{reply}"),
	)
	if err != nil {
		logger.Warn("failed to create learn outcomes counter", zap.Error(err))
	}
	return m
}

func (m *Metrics) recordDecision(ctx context.Context, res *Result, elapsed time.Duration) {
	attrs := metric.WithAttributes(attribute.String("action", string(res.Action)))
	if m.decisions != nil {
		m.decisions.Add(ctx, 1, attrs)
	}
	if m.duration != nil {
		m.duration.Record(ctx, elapsed.Seconds(), attrs)
	}
	if res.Degraded && m.degraded != nil {
		m.degraded.Add(ctx, 1)
	}
}

func (m *Metrics) recordSendFailure(ctx context.Context) {
	if m.sendFailures != nil {
		m.sendFailures.Add(ctx, 1)
	}
}

func (m *Metrics) recordLearn(ctx context.Context, kind string) {
	if m.learned != nil {
		m.learned.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
	}
}
