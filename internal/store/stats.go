package store

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/clubhousegolfcanada/ClubOSV2-sub000/internal/pattern"
)

// Stats is a point-in-time summary of the catalog.
type Stats struct {
	PatternsByState    map[pattern.LifecycleState]int
	AutoExecutable     int
	PendingSuggestions int
}

// Stats counts patterns per lifecycle state and pending suggestions.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	st := Stats{PatternsByState: make(map[pattern.LifecycleState]int)}

	rows, err := s.db.QueryContext(ctx, `
		SELECT lifecycle_state, COUNT(*), COALESCE(SUM(auto_executable), 0)
		FROM patterns GROUP BY lifecycle_state`)
	if err != nil {
		return st, fmt.Errorf("counting patterns: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			state string
			n     int
			auto  int
		)
		if err := rows.Scan(&state, &n, &auto); err != nil {
			return st, fmt.Errorf("scanning pattern count: %w", err)
		}
		st.PatternsByState[pattern.LifecycleState(state)] = n
		st.AutoExecutable += auto
	}
	if err := rows.Err(); err != nil {
		return st, err
	}

	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM suggestion_queue WHERE status = 'pending'`).Scan(&st.PendingSuggestions)
	if err != nil {
		return st, fmt.Errorf("counting pending suggestions: %w", err)
	}
	return st, nil
}

var allStates = []pattern.LifecycleState{
	pattern.StateNew,
	pattern.StateSuggesting,
	pattern.StateAutoExecutable,
	pattern.StateDeprecated,
	pattern.StateArchived,
}

// Collector exports catalog gauges to Prometheus. The store is queried on
// each scrape.
type Collector struct {
	store   *Store
	timeout time.Duration
	logger  *zap.Logger

	patterns    *prometheus.Desc
	autoExec    *prometheus.Desc
	suggestions *prometheus.Desc
	scrapeErr   *prometheus.Desc
}

// NewCollector creates a Collector for s.
func NewCollector(s *Store) *Collector {
	return &Collector{
		store:   s,
		timeout: 2 * time.Second,
		logger:  s.logger,
		patterns: prometheus.NewDesc("plsd_patterns",
			"Current number of patterns per lifecycle state", []string{"state"}, nil),
		autoExec: prometheus.NewDesc("plsd_patterns_auto_executable",
			"Current number of patterns allowed to respond without review", nil, nil),
		suggestions: prometheus.NewDesc("plsd_suggestions_pending",
			"Current number of suggestions awaiting operator review", nil, nil),
		scrapeErr: prometheus.NewDesc("plsd_catalog_scrape_error",
			"1 if the last catalog scrape failed", nil, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.patterns
	ch <- c.autoExec
	ch <- c.suggestions
	ch <- c.scrapeErr
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	st, err := c.store.Stats(ctx)
	if err != nil {
		c.logger.Warn("catalog scrape failed", zap.Error(err))
		ch <- prometheus.MustNewConstMetric(c.scrapeErr, prometheus.GaugeValue, 1)
		return
	}
	for _, state := range allStates {
		ch <- prometheus.MustNewConstMetric(c.patterns, prometheus.GaugeValue,
			float64(st.PatternsByState[state]), string(state))
	}
	ch <- prometheus.MustNewConstMetric(c.autoExec, prometheus.GaugeValue, float64(st.AutoExecutable))
	ch <- prometheus.MustNewConstMetric(c.suggestions, prometheus.GaugeValue, float64(st.PendingSuggestions))
	ch <- prometheus.MustNewConstMetric(c.scrapeErr, prometheus.GaugeValue, 0)
}
