// Package lifecycle owns pattern promotion and demotion.
//
// Manager is the only component that changes lifecycle_state or
// auto_executable. It reacts to confidence changes (Evaluate), to the first
// suggestion of a pattern (MarkSuggested) and to privileged admin overrides,
// which are held to the same invariant:
//
//	auto_executable ⇒ is_active ∧ confidence_score ≥ promotion_threshold
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/clubhousegolfcanada/ClubOSV2-sub000/internal/decision"
	"github.com/clubhousegolfcanada/ClubOSV2-sub000/internal/events"
	"github.com/clubhousegolfcanada/ClubOSV2-sub000/internal/pattern"
	"github.com/clubhousegolfcanada/ClubOSV2-sub000/internal/store"
)

// maxAttempts bounds compare-and-set retries when a transition races.
const maxAttempts = 3

// Store is the subset of the pattern store the manager needs.
type Store interface {
	GetPattern(ctx context.Context, id string) (*pattern.Pattern, error)
	UpdateConfidence(ctx context.Context, id string, delta float64, reason pattern.Reason) (store.ConfidenceChange, error)
	ApplyDecay(ctx context.Context, id string, delta float64) (store.ConfidenceChange, error)
	SetLifecycle(ctx context.Context, id string, t store.Transition) (*pattern.Pattern, error)
	StalePatterns(ctx context.Context, unusedSince, decayedBefore time.Time) ([]string, error)
}

// Manager applies lifecycle transitions.
type Manager struct {
	store     Store
	policy    decision.Policy
	publisher events.Publisher
	logger    *zap.Logger
	now       func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithPublisher sets where transition events go.
func WithPublisher(p events.Publisher) Option {
	return func(m *Manager) {
		if p != nil {
			m.publisher = p
		}
	}
}

// WithClock overrides the time source (for tests).
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// NewManager creates a lifecycle manager.
func NewManager(s Store, policy decision.Policy, logger *zap.Logger, opts ...Option) (*Manager, error) {
	if s == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if err := policy.Validate(); err != nil {
		return nil, fmt.Errorf("invalid policy: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{
		store:     s,
		policy:    policy,
		publisher: events.Nop{},
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Policy returns the policy the manager enforces.
func (m *Manager) Policy() decision.Policy {
	return m.policy
}

// CheckInvariant returns an error if p violates the auto-executable invariant.
func CheckInvariant(p *pattern.Pattern, threshold float64) error {
	if !p.AutoExecutable {
		return nil
	}
	if !p.IsActive || p.LifecycleState != pattern.StateAutoExecutable {
		return pattern.NewValidationError("auto_executable", "pattern %s is auto-executable but %s/active=%t",
			p.ID, p.LifecycleState, p.IsActive)
	}
	if p.ConfidenceScore < threshold {
		return pattern.NewValidationError("auto_executable", "pattern %s is auto-executable at confidence %.2f below %.2f",
			p.ID, p.ConfidenceScore, threshold)
	}
	return nil
}

// ApplyDelta changes a pattern's confidence and then settles its state.
func (m *Manager) ApplyDelta(ctx context.Context, id string, delta float64, reason pattern.Reason) (*pattern.Pattern, error) {
	change, err := m.store.UpdateConfidence(ctx, id, delta, reason)
	if err != nil {
		return nil, err
	}
	return m.Settle(ctx, change)
}

// Settle follows up a committed confidence change: it publishes a demotion
// the store applied with the change, then evaluates the pattern. The change
// is already durable, so the follow-up ignores cancellation of ctx.
func (m *Manager) Settle(ctx context.Context, change store.ConfidenceChange) (*pattern.Pattern, error) {
	ctx = context.WithoutCancel(ctx)
	if change.Transitioned() {
		m.publish(ctx, change.PatternID, change.New, &store.Transition{
			From: change.From, To: change.To, IsActive: true, Reason: pattern.ReasonDemoted,
		})
	}
	return m.Evaluate(ctx, change.PatternID)
}

// Evaluate applies the transition the pattern's current confidence and
// execution count call for, if any, and returns the resulting pattern.
func (m *Manager) Evaluate(ctx context.Context, id string) (*pattern.Pattern, error) {
	return m.transition(ctx, id, func(p *pattern.Pattern) (*store.Transition, error) {
		return m.next(p), nil
	})
}

// next decides the automatic transition for p, or nil.
func (m *Manager) next(p *pattern.Pattern) *store.Transition {
	switch p.LifecycleState {
	case pattern.StateArchived, pattern.StateDeprecated:
		return nil
	}
	if m.policy.ShouldDemote(p) {
		return &store.Transition{From: p.LifecycleState, To: pattern.StateDeprecated, Reason: pattern.ReasonDemoted}
	}
	if p.LifecycleState == pattern.StateAutoExecutable {
		if p.ConfidenceScore < m.policy.PromotionThreshold || !p.AutoExecutable {
			return &store.Transition{From: p.LifecycleState, To: pattern.StateSuggesting, IsActive: true, Reason: pattern.ReasonDemoted}
		}
		return nil
	}
	if m.policy.CanPromote(p) {
		return &store.Transition{
			From: p.LifecycleState, To: pattern.StateAutoExecutable,
			IsActive: true, AutoExecutable: true, Reason: pattern.ReasonPromoted,
		}
	}
	return nil
}

// MarkSuggested moves a NEW pattern to SUGGESTING after its first suggestion.
func (m *Manager) MarkSuggested(ctx context.Context, id string) (*pattern.Pattern, error) {
	return m.transition(ctx, id, func(p *pattern.Pattern) (*store.Transition, error) {
		if p.LifecycleState != pattern.StateNew {
			return nil, nil
		}
		return &store.Transition{From: pattern.StateNew, To: pattern.StateSuggesting, IsActive: true, Reason: pattern.ReasonSuggested}, nil
	})
}

// SetActive disables a pattern (to DEPRECATED) or reactivates a DEPRECATED
// one (to SUGGESTING). Archived patterns cannot change.
func (m *Manager) SetActive(ctx context.Context, id string, active bool) (*pattern.Pattern, error) {
	return m.transition(ctx, id, func(p *pattern.Pattern) (*store.Transition, error) {
		switch {
		case p.LifecycleState == pattern.StateArchived:
			return nil, pattern.Conflict("pattern %s is archived", id)
		case active && p.LifecycleState == pattern.StateDeprecated:
			return &store.Transition{From: p.LifecycleState, To: pattern.StateSuggesting, IsActive: true, Reason: pattern.ReasonReactivated}, nil
		case !active && p.LifecycleState != pattern.StateDeprecated:
			return &store.Transition{From: p.LifecycleState, To: pattern.StateDeprecated, Reason: pattern.ReasonDisabled}, nil
		}
		return nil, nil
	})
}

// SetAutoExecutable grants or revokes auto-execution. Granting requires an
// active pattern whose confidence meets the promotion threshold; revoking
// returns the pattern to SUGGESTING.
func (m *Manager) SetAutoExecutable(ctx context.Context, id string, enabled bool) (*pattern.Pattern, error) {
	return m.transition(ctx, id, func(p *pattern.Pattern) (*store.Transition, error) {
		if !enabled {
			if p.LifecycleState != pattern.StateAutoExecutable && !p.AutoExecutable {
				return nil, nil
			}
			return &store.Transition{From: p.LifecycleState, To: pattern.StateSuggesting, IsActive: true, Reason: pattern.ReasonManual}, nil
		}
		if p.LifecycleState == pattern.StateAutoExecutable && p.AutoExecutable {
			return nil, nil
		}
		if !p.IsActive || p.LifecycleState == pattern.StateDeprecated || p.LifecycleState == pattern.StateArchived {
			return nil, pattern.NewValidationError("auto_executable", "pattern %s is %s and inactive", id, p.LifecycleState)
		}
		if p.ConfidenceScore < m.policy.PromotionThreshold {
			return nil, pattern.NewValidationError("auto_executable",
				"confidence %.2f is below promotion threshold %.2f", p.ConfidenceScore, m.policy.PromotionThreshold)
		}
		return &store.Transition{
			From: p.LifecycleState, To: pattern.StateAutoExecutable,
			IsActive: true, AutoExecutable: true, Reason: pattern.ReasonManual,
		}, nil
	})
}

// Archive retires a pattern permanently. It stays in the store for audit.
func (m *Manager) Archive(ctx context.Context, id string) (*pattern.Pattern, error) {
	return m.transition(ctx, id, func(p *pattern.Pattern) (*store.Transition, error) {
		if p.LifecycleState == pattern.StateArchived {
			return nil, nil
		}
		return &store.Transition{From: p.LifecycleState, To: pattern.StateArchived, Reason: pattern.ReasonArchived}, nil
	})
}

// transition loads the pattern, asks plan for a transition and applies it
// with compare-and-set, retrying when another writer got there first.
func (m *Manager) transition(ctx context.Context, id string, plan func(*pattern.Pattern) (*store.Transition, error)) (*pattern.Pattern, error) {
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		p, err := m.store.GetPattern(ctx, id)
		if err != nil {
			return nil, err
		}
		t, err := plan(p)
		if err != nil {
			return nil, err
		}
		if t == nil {
			return p, nil
		}

		updated, err := m.store.SetLifecycle(ctx, id, *t)
		if errors.Is(err, pattern.ErrConflict) {
			lastErr = err
			continue
		}
		if err != nil {
			return nil, err
		}

		if err := CheckInvariant(updated, m.policy.PromotionThreshold); err != nil {
			m.logger.Error("lifecycle invariant violated", zap.String("pattern_id", id), zap.Error(err))
			return nil, err
		}
		m.publish(ctx, updated.ID, updated.ConfidenceScore, t)
		return updated, nil
	}
	return nil, fmt.Errorf("lifecycle transition for %s: %w", id, lastErr)
}

func (m *Manager) publish(ctx context.Context, id string, confidence float64, t *store.Transition) {
	m.logger.Info("pattern transitioned",
		zap.String("pattern_id", id),
		zap.String("from", string(t.From)),
		zap.String("to", string(t.To)),
		zap.String("reason", string(t.Reason)),
		zap.Float64("confidence", confidence))

	err := m.publisher.PublishTransition(ctx, events.Transition{
		PatternID:  id,
		From:       t.From,
		To:         t.To,
		Reason:     t.Reason,
		Confidence: confidence,
		Timestamp:  m.now(),
	})
	if err != nil {
		m.logger.Warn("failed to publish transition", zap.String("pattern_id", id), zap.Error(err))
	}
}
