// Package learner turns operator replies into reusable patterns.
//
// A reply is generalized by the reasoning provider into a trigger and a
// vetted response template. Near-duplicates of an existing pattern reinforce
// it instead of creating a new one. Replies produced by the engine itself are
// never learned from.
package learner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/clubhousegolfcanada/ClubOSV2-sub000/internal/decision"
	"github.com/clubhousegolfcanada/ClubOSV2-sub000/internal/embeddings"
	"github.com/clubhousegolfcanada/ClubOSV2-sub000/internal/matcher"
	"github.com/clubhousegolfcanada/ClubOSV2-sub000/internal/pattern"
	"github.com/clubhousegolfcanada/ClubOSV2-sub000/internal/reasoning"
)

var (
	// ErrOwnOutput is returned for replies that carry engine provenance.
	ErrOwnOutput = errors.New("reply was produced by the engine")

	// ErrNotReusable is returned when a reply cannot be generalized.
	ErrNotReusable = errors.New("reply is not reusable")
)

// Store is the write side of the pattern store the learner needs.
type Store interface {
	UpsertPattern(ctx context.Context, p *pattern.Pattern) error
	IncrementExecution(ctx context.Context, id string) error
}

// Similarity finds the closest existing pattern.
type Similarity interface {
	SimilarTo(ctx context.Context, text string, keywords []string, floor float64) (*matcher.Candidate, error)
}

// Confidence applies a confidence delta and re-evaluates lifecycle state.
type Confidence interface {
	ApplyDelta(ctx context.Context, id string, delta float64, reason pattern.Reason) (*pattern.Pattern, error)
}

// Observation is one customer message and the operator's reply to it.
type Observation struct {
	ConversationID   string              `json:"conversation_id"`
	CustomerMessage  string              `json:"customer_message"`
	OperatorResponse string              `json:"operator_response"`
	Provenance       *pattern.Provenance `json:"provenance,omitempty"`
}

// Kind classifies what Learn did.
type Kind string

const (
	KindCreated    Kind = "created"
	KindReinforced Kind = "reinforced"
	KindDiscarded  Kind = "discarded"
	KindSkipped    Kind = "skipped"
)

// Outcome is the result of one Learn call.
type Outcome struct {
	Kind       Kind    `json:"kind"`
	PatternID  string  `json:"pattern_id,omitempty"`
	Similarity float64 `json:"similarity,omitempty"`
	Reason     string  `json:"reason,omitempty"`
}

// Deps are the collaborators of a Learner. Embedder is optional; without it
// learned patterns are stored keyword-only.
type Deps struct {
	Store      Store
	Similarity Similarity
	Confidence Confidence
	Reasoner   reasoning.Reasoner
	Embedder   embeddings.Embedder
}

// Learner creates and reinforces patterns from observations.
type Learner struct {
	deps   Deps
	policy decision.Policy
	logger *zap.Logger

	// mu serializes the near-duplicate check with pattern creation so two
	// concurrent replies on the same topic yield one pattern.
	mu sync.Mutex
}

// New creates a Learner.
func New(deps Deps, policy decision.Policy, logger *zap.Logger) (*Learner, error) {
	if deps.Store == nil || deps.Similarity == nil || deps.Confidence == nil || deps.Reasoner == nil {
		return nil, fmt.Errorf("learner requires store, similarity, confidence and reasoner")
	}
	if err := policy.Validate(); err != nil {
		return nil, fmt.Errorf("invalid policy: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Learner{deps: deps, policy: policy, logger: logger}, nil
}

// analysis is the JSON the reasoning provider is asked to produce.
type analysis struct {
	Reusable           bool              `json:"reusable"`
	PatternType        string            `json:"pattern_type"`
	TriggerDescription string            `json:"trigger_description"`
	TriggerKeywords    []string          `json:"trigger_keywords"`
	ResponseTemplate   string            `json:"response_template"`
	TemplateVariables  map[string]string `json:"template_variables"`
}

// Learn generalizes obs into a pattern. Discarded observations return an
// error wrapping ErrOwnOutput or ErrNotReusable together with the outcome.
// Provider failures skip learning and return a nil error.
func (l *Learner) Learn(ctx context.Context, obs Observation) (Outcome, error) {
	if obs.Provenance != nil {
		return Outcome{Kind: KindDiscarded, Reason: "own output"}, ErrOwnOutput
	}
	if strings.TrimSpace(obs.CustomerMessage) == "" {
		return Outcome{}, pattern.NewValidationError("customer_message", "cannot be empty")
	}
	if strings.TrimSpace(obs.OperatorResponse) == "" {
		return Outcome{}, pattern.NewValidationError("operator_response", "cannot be empty")
	}

	hash := pattern.MessageHash(obs.CustomerMessage)
	raw, err := l.deps.Reasoner.Reason(ctx, buildPrompt(obs))
	if err != nil {
		if pattern.IsDependencyError(err) {
			l.logger.Warn("learning skipped, reasoning provider unavailable",
				zap.String("conversation_id", obs.ConversationID),
				zap.String("message_hash", hash),
				zap.Error(err))
			return Outcome{Kind: KindSkipped, Reason: "reasoning unavailable"}, nil
		}
		if errors.Is(err, reasoning.ErrNoJSON) {
			return discard("no analysis in reasoning output")
		}
		return discard(fmt.Sprintf("reasoning failed: %v", err))
	}

	var a analysis
	if err := json.Unmarshal(raw, &a); err != nil {
		return discard("malformed reasoning output")
	}
	candidate, reason := l.toPattern(a)
	if candidate == nil {
		l.logger.Debug("reply discarded",
			zap.String("conversation_id", obs.ConversationID),
			zap.String("message_hash", hash),
			zap.String("reason", reason))
		return discard(reason)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	trigger := triggerText(candidate)
	dup, err := l.deps.Similarity.SimilarTo(ctx, trigger, candidate.TriggerKeywords, l.policy.NearDuplicateThreshold)
	if err != nil {
		return Outcome{}, fmt.Errorf("near-duplicate check: %w", err)
	}
	if dup != nil {
		return l.reinforce(ctx, dup)
	}

	if l.deps.Embedder != nil {
		vec, err := l.deps.Embedder.EmbedQuery(ctx, trigger)
		if err != nil {
			l.logger.Warn("learned pattern stored without embedding",
				zap.String("message_hash", hash),
				zap.Error(err))
		} else {
			candidate.Embedding = vec
		}
	}
	if err := l.deps.Store.UpsertPattern(ctx, candidate); err != nil {
		return Outcome{}, fmt.Errorf("storing learned pattern: %w", err)
	}

	l.logger.Info("pattern learned",
		zap.String("pattern_id", candidate.ID),
		zap.String("type", string(candidate.Type)),
		zap.Strings("keywords", candidate.TriggerKeywords),
		zap.String("conversation_id", obs.ConversationID))
	return Outcome{Kind: KindCreated, PatternID: candidate.ID}, nil
}

func (l *Learner) reinforce(ctx context.Context, dup *matcher.Candidate) (Outcome, error) {
	id := dup.Pattern.ID
	if err := l.deps.Store.IncrementExecution(ctx, id); err != nil {
		return Outcome{}, fmt.Errorf("reinforcing pattern: %w", err)
	}
	if _, err := l.deps.Confidence.ApplyDelta(ctx, id, l.policy.ReinforceDelta, pattern.ReasonReinforced); err != nil {
		return Outcome{}, fmt.Errorf("reinforcing pattern: %w", err)
	}
	l.logger.Info("pattern reinforced",
		zap.String("pattern_id", id),
		zap.Float64("similarity", dup.Score),
		zap.String("signal", string(dup.Signal)))
	return Outcome{Kind: KindReinforced, PatternID: id, Similarity: dup.Score}, nil
}

// toPattern validates the provider's answer. It returns nil and a reason
// when the answer is not a usable pattern.
func (l *Learner) toPattern(a analysis) (*pattern.Pattern, string) {
	if !a.Reusable {
		return nil, "not reusable"
	}
	if strings.TrimSpace(a.ResponseTemplate) == "" {
		return nil, "empty template"
	}
	keywords := pattern.NormalizeKeywords(a.TriggerKeywords)
	if len(keywords) == 0 {
		return nil, "no trigger keywords"
	}
	if err := pattern.ValidateTemplate(a.ResponseTemplate, a.TemplateVariables); err != nil {
		return nil, err.Error()
	}

	typ, err := pattern.ParseType(strings.ToLower(strings.TrimSpace(a.PatternType)))
	if err != nil {
		typ = pattern.TypeGeneral
	}
	description := strings.TrimSpace(a.TriggerDescription)
	if description == "" {
		description = strings.Join(keywords, " ")
	}

	p := pattern.New(typ, description, strings.TrimSpace(a.ResponseTemplate), keywords, pattern.SourceLearned)
	if len(a.TemplateVariables) > 0 {
		p.TemplateVariables = a.TemplateVariables
	}
	return p, ""
}

func discard(reason string) (Outcome, error) {
	return Outcome{Kind: KindDiscarded, Reason: reason}, fmt.Errorf("%s: %w", reason, ErrNotReusable)
}

// triggerText is the text embedded for a pattern's trigger.
func triggerText(p *pattern.Pattern) string {
	return p.TriggerDescription + " " + strings.Join(p.TriggerKeywords, " ")
}
