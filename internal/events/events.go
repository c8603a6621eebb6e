// Package events publishes decision and lifecycle events for downstream
// consumers such as dashboards and audit pipelines.
//
// Events are published to subjects:
//   - {prefix}.decisions.{action}
//   - {prefix}.patterns.{pattern_id}.lifecycle
//
// Publishing is best effort. Callers log failures and carry on; the pattern
// store remains the source of truth.
package events

import (
	"context"
	"time"

	"github.com/clubhousegolfcanada/ClubOSV2-sub000/internal/pattern"
)

// DefaultSubjectPrefix is used when no prefix is configured.
const DefaultSubjectPrefix = "plsd"

// Decision is emitted once per processed inbound message.
type Decision struct {
	ExecutionID    string    `json:"execution_id"`
	ConversationID string    `json:"conversation_id"`
	MessageHash    string    `json:"message_hash"`
	PatternID      string    `json:"pattern_id,omitempty"`
	Action         string    `json:"action"`
	Score          float64   `json:"score"`
	Degraded       bool      `json:"degraded"`
	PolicyVersion  string    `json:"policy_version"`
	Timestamp      time.Time `json:"timestamp"`
}

// Transition is emitted for every lifecycle change of a pattern.
type Transition struct {
	PatternID  string                 `json:"pattern_id"`
	From       pattern.LifecycleState `json:"from"`
	To         pattern.LifecycleState `json:"to"`
	Reason     pattern.Reason         `json:"reason"`
	Confidence float64                `json:"confidence"`
	Timestamp  time.Time              `json:"timestamp"`
}

// Publisher delivers events.
type Publisher interface {
	PublishDecision(ctx context.Context, d Decision) error
	PublishTransition(ctx context.Context, t Transition) error
	Close() error
}

// Nop discards every event.
type Nop struct{}

// PublishDecision implements Publisher.
func (Nop) PublishDecision(context.Context, Decision) error { return nil }

// PublishTransition implements Publisher.
func (Nop) PublishTransition(context.Context, Transition) error { return nil }

// Close implements Publisher.
func (Nop) Close() error { return nil }
