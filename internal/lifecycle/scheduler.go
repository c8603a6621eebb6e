package lifecycle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultSweepInterval is the time between decay sweeps.
const DefaultSweepInterval = time.Hour

// Pruner drops cached embeddings older than a cutoff.
type Pruner interface {
	PruneEmbeddings(ctx context.Context, cutoff time.Time) (int64, error)
}

// SweepResult summarizes one decay sweep.
type SweepResult struct {
	Scanned      int           `json:"scanned"`
	Decayed      int           `json:"decayed"`
	Transitioned int           `json:"transitioned"`
	Failed       int           `json:"failed"`
	Pruned       int64         `json:"pruned"`
	Duration     time.Duration `json:"duration"`
}

// DecayScheduler periodically decays the confidence of unused patterns and
// re-evaluates their lifecycle state. It is the engine's only background task.
//
// All public methods are safe for concurrent use.
type DecayScheduler struct {
	manager  *Manager
	interval time.Duration
	timeout  time.Duration

	pruner       Pruner
	embeddingTTL time.Duration

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}

	logger *zap.Logger
}

// SchedulerOption configures a DecayScheduler.
type SchedulerOption func(*DecayScheduler)

// WithInterval sets the sweep interval. Defaults to one hour.
func WithInterval(interval time.Duration) SchedulerOption {
	return func(s *DecayScheduler) {
		if interval > 0 {
			s.interval = interval
		}
	}
}

// WithSweepTimeout bounds a single sweep.
func WithSweepTimeout(timeout time.Duration) SchedulerOption {
	return func(s *DecayScheduler) {
		if timeout > 0 {
			s.timeout = timeout
		}
	}
}

// WithEmbeddingPruning deletes cached embeddings older than ttl on each sweep.
func WithEmbeddingPruning(p Pruner, ttl time.Duration) SchedulerOption {
	return func(s *DecayScheduler) {
		s.pruner = p
		s.embeddingTTL = ttl
	}
}

// NewDecayScheduler creates a scheduler. It does not start automatically.
func NewDecayScheduler(manager *Manager, logger *zap.Logger, opts ...SchedulerOption) (*DecayScheduler, error) {
	if manager == nil {
		return nil, fmt.Errorf("manager cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	s := &DecayScheduler{
		manager:  manager,
		interval: DefaultSweepInterval,
		timeout:  10 * time.Minute,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Start begins background sweeps. Starting a running scheduler is an error.
func (s *DecayScheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("scheduler is already running")
	}

	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	s.running = true

	s.logger.Info("decay scheduler started", zap.Duration("interval", s.interval))

	go s.run(s.stopCh, s.doneCh)
	return nil
}

// Stop signals the sweep loop to exit and waits for it. Stopping a stopped
// scheduler is a no-op.
func (s *DecayScheduler) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		s.logger.Debug("scheduler stop called but not running")
		return nil
	}
	s.logger.Info("stopping decay scheduler")
	s.running = false
	close(s.stopCh)
	done := s.doneCh
	s.mu.Unlock()

	<-done
	return nil
}

// Running reports whether the sweep loop is active.
func (s *DecayScheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *DecayScheduler) run(stopCh <-chan struct{}, doneCh chan<- struct{}) {
	defer close(doneCh)
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("scheduler goroutine panicked, recovering",
				zap.Any("panic", r),
				zap.Stack("stack"),
			)
			s.mu.Lock()
			s.running = false
			s.mu.Unlock()
		}
	}()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.safeSweep(stopCh)
		case <-stopCh:
			s.logger.Debug("scheduler received stop signal")
			return
		}
	}
}

// safeSweep runs one sweep, cancelled early if the scheduler stops.
func (s *DecayScheduler) safeSweep(stopCh <-chan struct{}) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("decay sweep panicked, continuing scheduler",
				zap.Any("panic", r),
				zap.Stack("stack"),
			)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	go func() {
		select {
		case <-stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	if _, err := s.RunOnce(ctx); err != nil {
		s.logger.Error("decay sweep failed", zap.Error(err))
	}
}

// RunOnce performs a single sweep: every active pattern unused for the
// policy's DecayAfter and not decayed within DecayPeriod loses DecayDelta,
// then its lifecycle is re-evaluated.
func (s *DecayScheduler) RunOnce(ctx context.Context) (SweepResult, error) {
	start := time.Now()
	m := s.manager
	now := m.now()
	var res SweepResult

	ids, err := m.store.StalePatterns(ctx, now.Add(-m.policy.DecayAfter), now.Add(-m.policy.DecayPeriod))
	if err != nil {
		return res, fmt.Errorf("listing stale patterns: %w", err)
	}
	res.Scanned = len(ids)

	for _, id := range ids {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		change, err := m.store.ApplyDecay(ctx, id, m.policy.DecayDelta)
		if err != nil {
			res.Failed++
			s.logger.Warn("decay failed", zap.String("pattern_id", id), zap.Error(err))
			continue
		}
		res.Decayed++

		after, err := m.Settle(ctx, change)
		if err != nil {
			res.Failed++
			s.logger.Warn("post-decay evaluation failed", zap.String("pattern_id", id), zap.Error(err))
			continue
		}
		if after.LifecycleState != change.From {
			res.Transitioned++
		}
	}

	if s.pruner != nil && s.embeddingTTL > 0 {
		n, err := s.pruner.PruneEmbeddings(ctx, now.Add(-s.embeddingTTL))
		if err != nil {
			s.logger.Warn("embedding cache prune failed", zap.Error(err))
		}
		res.Pruned = n
	}

	res.Duration = time.Since(start)
	s.logger.Info("decay sweep completed",
		zap.Int("scanned", res.Scanned),
		zap.Int("decayed", res.Decayed),
		zap.Int("transitioned", res.Transitioned),
		zap.Int("failed", res.Failed),
		zap.Int64("pruned", res.Pruned),
		zap.Duration("duration", res.Duration),
	)
	return res, nil
}
