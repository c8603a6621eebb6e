// Package feedback applies operator resolutions of queued suggestions.
//
// A resolution claims the queue entry and applies its confidence delta in one
// store transaction. Only the caller that moves the entry out of pending
// changes the pattern, so resolving twice is a conflict and never
// double-counts, and a resolution interrupted midway leaves the entry pending.
package feedback

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/clubhousegolfcanada/ClubOSV2-sub000/internal/decision"
	"github.com/clubhousegolfcanada/ClubOSV2-sub000/internal/learner"
	"github.com/clubhousegolfcanada/ClubOSV2-sub000/internal/pattern"
	"github.com/clubhousegolfcanada/ClubOSV2-sub000/internal/store"
)

// Action is an operator's verdict on a suggestion.
type Action string

const (
	ActionAccept Action = "accept"
	ActionModify Action = "modify"
	ActionReject Action = "reject"
)

// ParseAction validates an action string.
func ParseAction(s string) (Action, error) {
	switch a := Action(strings.ToLower(strings.TrimSpace(s))); a {
	case ActionAccept, ActionModify, ActionReject:
		return a, nil
	}
	return "", pattern.NewValidationError("action", "must be accept, modify or reject, got %q", s)
}

// Status maps the action to the terminal queue status.
func (a Action) Status() pattern.SuggestionStatus {
	switch a {
	case ActionAccept:
		return pattern.SuggestionAccepted
	case ActionModify:
		return pattern.SuggestionModified
	default:
		return pattern.SuggestionRejected
	}
}

// Store is the subset of the pattern store the processor needs.
type Store interface {
	ResolveSuggestion(ctx context.Context, id string, r store.Resolution) (*pattern.SuggestionEntry, store.ConfidenceChange, error)
}

// Confidence re-evaluates lifecycle state after a committed change.
type Confidence interface {
	Settle(ctx context.Context, change store.ConfidenceChange) (*pattern.Pattern, error)
}

// Learner receives edited replies.
type Learner interface {
	Learn(ctx context.Context, obs learner.Observation) (learner.Outcome, error)
}

// Resolution is the result of resolving one suggestion.
type Resolution struct {
	Suggestion *pattern.SuggestionEntry `json:"suggestion"`
	Pattern    *pattern.Pattern         `json:"pattern"`
	Learned    *learner.Outcome         `json:"learned,omitempty"`
}

// Processor resolves suggestions.
type Processor struct {
	store      Store
	confidence Confidence
	learner    Learner
	policy     decision.Policy
	logger     *zap.Logger
}

// NewProcessor creates a Processor. l may be nil, in which case edited
// replies are not learned from.
func NewProcessor(s Store, c Confidence, l Learner, policy decision.Policy, logger *zap.Logger) (*Processor, error) {
	if s == nil {
		return nil, errors.New("store cannot be nil")
	}
	if c == nil {
		return nil, errors.New("confidence cannot be nil")
	}
	if err := policy.Validate(); err != nil {
		return nil, fmt.Errorf("invalid policy: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Processor{store: s, confidence: c, learner: l, policy: policy, logger: logger}, nil
}

// Resolve applies action to suggestion id. For accept an empty finalText
// means the proposed response was sent unchanged; modify requires the
// edited text.
//
// Returns pattern.ErrNotFound for unknown ids and pattern.ErrConflict when
// the suggestion was already resolved. An error from the lifecycle
// follow-up is returned after the resolution and its delta are committed.
func (p *Processor) Resolve(ctx context.Context, id string, action Action, finalText, resolvedBy string) (*Resolution, error) {
	if strings.TrimSpace(id) == "" {
		return nil, pattern.NewValidationError("id", "is required")
	}
	if _, err := ParseAction(string(action)); err != nil {
		return nil, err
	}
	finalText = strings.TrimSpace(finalText)
	if action == ActionModify && finalText == "" {
		return nil, pattern.NewValidationError("final_text", "is required for modify")
	}

	delta, reason, _ := p.policy.DeltaFor(action.Status())
	entry, change, err := p.store.ResolveSuggestion(ctx, id, store.Resolution{
		Status:     action.Status(),
		FinalText:  finalText,
		ResolvedBy: resolvedBy,
		Delta:      delta,
		Reason:     reason,
		// Accepted and modified replies were sent by the operator.
		CountExecution: action != ActionReject,
	})
	if err != nil {
		return nil, err
	}
	if action == ActionAccept && entry.FinalText == "" {
		entry.FinalText = entry.ProposedResponse
	}

	updated, err := p.confidence.Settle(ctx, change)
	if err != nil {
		p.logger.Error("lifecycle evaluation after resolution failed",
			zap.String("suggestion_id", entry.ID),
			zap.String("pattern_id", entry.PatternID),
			zap.Error(err))
		return nil, fmt.Errorf("evaluating lifecycle after %s: %w", reason, err)
	}

	res := &Resolution{Suggestion: entry, Pattern: updated}
	if action == ActionModify && p.learner != nil {
		res.Learned = p.learnEdit(context.WithoutCancel(ctx), entry)
	}

	p.logger.Info("suggestion resolved",
		zap.String("suggestion_id", entry.ID),
		zap.String("pattern_id", entry.PatternID),
		zap.String("action", string(action)),
		zap.Float64("confidence", updated.ConfidenceScore),
		zap.String("lifecycle_state", string(updated.LifecycleState)))
	return res, nil
}

// learnEdit feeds an operator's edited reply to the learner. Failures are
// logged; the resolution itself already succeeded.
func (p *Processor) learnEdit(ctx context.Context, entry *pattern.SuggestionEntry) *learner.Outcome {
	out, err := p.learner.Learn(ctx, learner.Observation{
		ConversationID:   entry.ConversationID,
		CustomerMessage:  entry.MessageText,
		OperatorResponse: entry.FinalText,
	})
	if err != nil && !errors.Is(err, learner.ErrNotReusable) {
		p.logger.Warn("learning from edited reply failed",
			zap.String("suggestion_id", entry.ID),
			zap.String("pattern_id", entry.PatternID),
			zap.Error(err))
		return nil
	}
	return &out
}
