// Package engine is the entry point of the pattern learning and decision
// engine.
//
// ProcessInboundMessage runs the match → decide → act pipeline for one
// customer message. Messages of one conversation are processed one at a
// time; different conversations run concurrently. Every message resolves to
// at least ESCALATE: matching, rendering, storage and send failures all
// degrade to escalation and are logged with the pattern id and a hash of the
// message.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/clubhousegolfcanada/ClubOSV2-sub000/internal/decision"
	"github.com/clubhousegolfcanada/ClubOSV2-sub000/internal/embeddings"
	"github.com/clubhousegolfcanada/ClubOSV2-sub000/internal/events"
	"github.com/clubhousegolfcanada/ClubOSV2-sub000/internal/feedback"
	"github.com/clubhousegolfcanada/ClubOSV2-sub000/internal/learner"
	"github.com/clubhousegolfcanada/ClubOSV2-sub000/internal/logging"
	"github.com/clubhousegolfcanada/ClubOSV2-sub000/internal/matcher"
	"github.com/clubhousegolfcanada/ClubOSV2-sub000/internal/pattern"
)

// DefaultDuplicateWindow is how long an identical message on the same
// conversation is treated as a redelivery.
const DefaultDuplicateWindow = 10 * time.Second

// Store is the subset of the pattern store the engine uses directly.
type Store interface {
	GetPattern(ctx context.Context, id string) (*pattern.Pattern, error)
	ListPatterns(ctx context.Context, includeInactive bool) ([]*pattern.Pattern, error)
	UpsertPattern(ctx context.Context, p *pattern.Pattern) error
	IncrementExecution(ctx context.Context, id string) error
	ConfidenceEvents(ctx context.Context, patternID string) ([]pattern.ConfidenceEvent, error)
	RecordExecution(ctx context.Context, rec *pattern.ExecutionRecord) error
	MarkExecutionFailed(ctx context.Context, id string) error
	GetExecution(ctx context.Context, id string) (*pattern.ExecutionRecord, error)
	EnqueueSuggestion(ctx context.Context, entry *pattern.SuggestionEntry) error
	ListSuggestions(ctx context.Context, filter pattern.SuggestionFilter) ([]*pattern.SuggestionEntry, error)
}

// Matcher ranks patterns for a message.
type Matcher interface {
	Match(ctx context.Context, text string) (*matcher.Result, error)
}

// Lifecycle applies state transitions.
type Lifecycle interface {
	MarkSuggested(ctx context.Context, id string) (*pattern.Pattern, error)
	SetActive(ctx context.Context, id string, active bool) (*pattern.Pattern, error)
	SetAutoExecutable(ctx context.Context, id string, enabled bool) (*pattern.Pattern, error)
	Archive(ctx context.Context, id string) (*pattern.Pattern, error)
}

// Learner learns from operator replies.
type Learner interface {
	Learn(ctx context.Context, obs learner.Observation) (learner.Outcome, error)
}

// Feedback resolves queued suggestions.
type Feedback interface {
	Resolve(ctx context.Context, id string, action feedback.Action, finalText, resolvedBy string) (*feedback.Resolution, error)
}

// Deps are the engine's collaborators. Publisher, Embedder, Tracer and Meter
// are optional.
type Deps struct {
	Store     Store
	Matcher   Matcher
	Lifecycle Lifecycle
	Learner   Learner
	Feedback  Feedback
	Sender    Sender
	Publisher events.Publisher
	Embedder  embeddings.Embedder
	Tracer    trace.Tracer
	Meter     metric.Meter
}

// Option configures an Engine.
type Option func(*Engine)

// WithDuplicateWindow sets the redelivery window. Zero disables it.
func WithDuplicateWindow(d time.Duration) Option {
	return func(e *Engine) {
		e.duplicateWindow = d
	}
}

// WithClock overrides the time source (for tests).
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// Engine implements the externally exposed operations.
type Engine struct {
	deps    Deps
	policy  decision.Policy
	logger  *logging.Logger
	tracer  trace.Tracer
	metrics *Metrics
	now     func() time.Time

	conversations   *keyedMutex
	duplicateWindow time.Duration
	recent          *cache.Cache
}

// New creates an Engine.
func New(deps Deps, policy decision.Policy, logger *logging.Logger, opts ...Option) (*Engine, error) {
	switch {
	case deps.Store == nil:
		return nil, errors.New("store cannot be nil")
	case deps.Matcher == nil:
		return nil, errors.New("matcher cannot be nil")
	case deps.Lifecycle == nil:
		return nil, errors.New("lifecycle cannot be nil")
	case deps.Learner == nil:
		return nil, errors.New("learner cannot be nil")
	case deps.Feedback == nil:
		return nil, errors.New("feedback cannot be nil")
	case deps.Sender == nil:
		return nil, errors.New("sender cannot be nil")
	}
	if err := policy.Validate(); err != nil {
		return nil, fmt.Errorf("invalid policy: %w", err)
	}
	if logger == nil {
		logger = logging.Wrap(nil)
	}
	if deps.Publisher == nil {
		deps.Publisher = events.Nop{}
	}
	tracer := deps.Tracer
	if tracer == nil {
		tracer = otel.Tracer(instrumentationName)
	}

	e := &Engine{
		deps:            deps,
		policy:          policy,
		logger:          logger,
		tracer:          tracer,
		metrics:         newMetrics(deps.Meter, logger.Underlying()),
		now:             func() time.Time { return time.Now().UTC() },
		conversations:   newKeyedMutex(),
		duplicateWindow: DefaultDuplicateWindow,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.duplicateWindow > 0 {
		e.recent = cache.New(e.duplicateWindow, 2*e.duplicateWindow)
	}
	return e, nil
}

// Policy returns the policy decisions are made with.
func (e *Engine) Policy() decision.Policy {
	return e.policy
}

// ProcessInboundMessage matches, decides and acts on one inbound message.
// Only invalid events return an error; everything else resolves to a Result.
func (e *Engine) ProcessInboundMessage(ctx context.Context, ev InboundEvent) (*Result, error) {
	if err := ev.Validate(); err != nil {
		return nil, err
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = e.now()
	}

	unlock := e.conversations.Lock(ev.ConversationID)
	defer unlock()

	ctx = logging.WithConversationID(ctx, ev.ConversationID)
	ctx, span := e.tracer.Start(ctx, "engine.ProcessInboundMessage",
		trace.WithAttributes(attribute.String("conversation.id", ev.ConversationID)))
	defer span.End()
	start := time.Now()

	hash := pattern.MessageHash(ev.MessageText)
	dupKey := ev.ConversationID + ":" + hash
	if prev, ok := e.duplicate(dupKey); ok {
		e.logger.Info(ctx, "duplicate inbound message ignored",
			zap.String("message_hash", hash),
			zap.String("execution_id", prev.ExecutionID))
		span.SetAttributes(attribute.Bool("duplicate", true))
		return prev, nil
	}

	verdict, best, degraded := e.match(ctx, ev.MessageText, hash)

	var res *Result
	switch verdict.Action {
	case decision.ActionAutoExecute:
		res = e.autoExecute(ctx, ev, hash, verdict, best.Pattern)
	case decision.ActionSuggest:
		res = e.suggest(ctx, ev, hash, verdict, best.Pattern)
	default:
		res = e.escalate(ctx, ev, hash, verdict.PatternID, verdict.Score, verdict.Reason)
	}
	res.Degraded = res.Degraded || degraded

	span.SetAttributes(
		attribute.String("action", string(res.Action)),
		attribute.String("pattern.id", res.PatternID),
		attribute.Float64("score", res.Score),
		attribute.Bool("degraded", res.Degraded),
	)
	e.metrics.recordDecision(ctx, res, time.Since(start))
	e.publishDecision(ctx, ev, hash, res)
	if e.recent != nil && res.ExecutionID != "" {
		e.recent.SetDefault(dupKey, res)
	}

	e.logger.Info(ctx, "inbound message processed",
		zap.String("action", string(res.Action)),
		zap.String("pattern_id", res.PatternID),
		zap.Float64("score", res.Score),
		zap.String("reason", res.Reason),
		zap.String("message_hash", hash),
		zap.Bool("degraded", res.Degraded))
	return res, nil
}

func (e *Engine) duplicate(key string) (*Result, bool) {
	if e.recent == nil {
		return nil, false
	}
	v, ok := e.recent.Get(key)
	if !ok {
		return nil, false
	}
	prev := *v.(*Result)
	return &prev, true
}

// match runs the matcher and the decision policy. A matcher failure is an
// escalation, not an error.
func (e *Engine) match(ctx context.Context, text, hash string) (decision.Verdict, *matcher.Candidate, bool) {
	result, err := e.deps.Matcher.Match(ctx, text)
	if err != nil {
		e.logger.Error(ctx, "matching failed, escalating",
			zap.String("message_hash", hash),
			zap.Error(err))
		trace.SpanFromContext(ctx).RecordError(err)
		return decision.Verdict{
			Action:        decision.ActionEscalate,
			Reason:        "matching failed",
			PolicyVersion: e.policy.Version,
		}, nil, true
	}
	best := result.Best()
	return decision.Decide(best, e.policy), best, result.Degraded
}

func (e *Engine) autoExecute(ctx context.Context, ev InboundEvent, hash string, v decision.Verdict, p *pattern.Pattern) *Result {
	text, err := p.Render(runtimeVars(ev))
	if err != nil {
		e.logger.Warn(ctx, "render failed, escalating",
			zap.String("pattern_id", p.ID), zap.String("message_hash", hash), zap.Error(err))
		res := e.escalate(ctx, ev, hash, p.ID, v.Score, "render failed")
		res.Degraded = true
		return res
	}

	rec := pattern.NewExecutionRecord(ev.ConversationID, ev.MessageText, hash, p.ID, v.Score, pattern.ActionAuto)
	rec.Timestamp = e.now()
	if err := e.deps.Store.RecordExecution(ctx, rec); err != nil {
		e.logger.Error(ctx, "execution log unavailable, not sending",
			zap.String("pattern_id", p.ID), zap.String("message_hash", hash), zap.Error(err))
		return &Result{Action: decision.ActionEscalate, PatternID: p.ID, Score: v.Score,
			Reason: "execution log unavailable", Degraded: true}
	}

	prov := pattern.Provenance{Origin: pattern.OriginAutoExecute, PatternID: p.ID, ExecutionID: rec.ID}
	if err := e.deps.Sender.Send(ctx, ev.ConversationID, text, prov); err != nil {
		e.metrics.recordSendFailure(ctx)
		trace.SpanFromContext(ctx).SetStatus(codes.Error, "send failed")
		e.logger.Warn(ctx, "send failed, escalating",
			zap.String("pattern_id", p.ID),
			zap.String("execution_id", rec.ID),
			zap.String("message_hash", hash),
			zap.Error(err))
		if err := e.deps.Store.MarkExecutionFailed(ctx, rec.ID); err != nil {
			e.logger.Error(ctx, "marking execution failed",
				zap.String("execution_id", rec.ID), zap.Error(err))
		}
		return &Result{Action: decision.ActionEscalate, PatternID: p.ID, Score: v.Score,
			Reason: "send failed", ExecutionID: rec.ID, Degraded: true}
	}

	if err := e.deps.Store.IncrementExecution(ctx, p.ID); err != nil {
		e.logger.Error(ctx, "counting execution",
			zap.String("pattern_id", p.ID), zap.Error(err))
	}
	return &Result{
		Action:       decision.ActionAutoExecute,
		ResponseText: text,
		PatternID:    p.ID,
		Score:        v.Score,
		Reason:       v.Reason,
		ExecutionID:  rec.ID,
		Provenance:   &prov,
	}
}

func (e *Engine) suggest(ctx context.Context, ev InboundEvent, hash string, v decision.Verdict, p *pattern.Pattern) *Result {
	text, err := p.Render(runtimeVars(ev))
	if err != nil {
		e.logger.Warn(ctx, "render failed, escalating",
			zap.String("pattern_id", p.ID), zap.String("message_hash", hash), zap.Error(err))
		res := e.escalate(ctx, ev, hash, p.ID, v.Score, "render failed")
		res.Degraded = true
		return res
	}

	rec := pattern.NewExecutionRecord(ev.ConversationID, ev.MessageText, hash, p.ID, v.Score, pattern.ActionSuggested)
	rec.Timestamp = e.now()
	if err := e.deps.Store.RecordExecution(ctx, rec); err != nil {
		e.logger.Error(ctx, "execution log unavailable, escalating",
			zap.String("pattern_id", p.ID), zap.String("message_hash", hash), zap.Error(err))
		return &Result{Action: decision.ActionEscalate, PatternID: p.ID, Score: v.Score,
			Reason: "execution log unavailable", Degraded: true}
	}

	entry := &pattern.SuggestionEntry{
		PatternID:        p.ID,
		ExecutionID:      rec.ID,
		ConversationID:   ev.ConversationID,
		MessageText:      ev.MessageText,
		ProposedResponse: text,
		Confidence:       v.Score,
		CreatedAt:        e.now(),
	}
	if err := e.deps.Store.EnqueueSuggestion(ctx, entry); err != nil {
		e.logger.Error(ctx, "suggestion queue unavailable, escalating",
			zap.String("pattern_id", p.ID), zap.String("execution_id", rec.ID), zap.Error(err))
		return &Result{Action: decision.ActionEscalate, PatternID: p.ID, Score: v.Score,
			Reason: "suggestion queue unavailable", ExecutionID: rec.ID, Degraded: true}
	}

	if _, err := e.deps.Lifecycle.MarkSuggested(ctx, p.ID); err != nil {
		e.logger.Warn(ctx, "marking pattern suggested",
			zap.String("pattern_id", p.ID), zap.Error(err))
	}

	prov := pattern.Provenance{Origin: pattern.OriginSuggestion, PatternID: p.ID, ExecutionID: rec.ID}
	return &Result{
		Action:       decision.ActionSuggest,
		ResponseText: text,
		PatternID:    p.ID,
		Score:        v.Score,
		Reason:       v.Reason,
		ExecutionID:  rec.ID,
		SuggestionID: entry.ID,
		Provenance:   &prov,
	}
}

func (e *Engine) escalate(ctx context.Context, ev InboundEvent, hash, patternID string, score float64, reason string) *Result {
	res := &Result{Action: decision.ActionEscalate, PatternID: patternID, Score: score, Reason: reason}
	rec := pattern.NewExecutionRecord(ev.ConversationID, ev.MessageText, hash, patternID, score, pattern.ActionEscalated)
	rec.Timestamp = e.now()
	if err := e.deps.Store.RecordExecution(ctx, rec); err != nil {
		e.logger.Error(ctx, "recording escalation",
			zap.String("pattern_id", patternID), zap.String("message_hash", hash), zap.Error(err))
		res.Degraded = true
		return res
	}
	res.ExecutionID = rec.ID
	return res
}

func (e *Engine) publishDecision(ctx context.Context, ev InboundEvent, hash string, res *Result) {
	err := e.deps.Publisher.PublishDecision(ctx, events.Decision{
		ExecutionID:    res.ExecutionID,
		ConversationID: ev.ConversationID,
		MessageHash:    hash,
		PatternID:      res.PatternID,
		Action:         string(res.Action),
		Score:          res.Score,
		Degraded:       res.Degraded,
		PolicyVersion:  e.policy.Version,
		Timestamp:      e.now(),
	})
	if err != nil {
		e.logger.Warn(ctx, "publishing decision event", zap.Error(err))
	}
}

// runtimeVars are the placeholders filled from the inbound event.
func runtimeVars(ev InboundEvent) map[string]string {
	return map[string]string{
		pattern.VarConversationID: ev.ConversationID,
		pattern.VarPhone:          ev.PhoneIdentifier,
		pattern.VarDate:           ev.Timestamp.Format("2006-01-02"),
		pattern.VarTime:           ev.Timestamp.Format("15:04"),
	}
}

// RecordOperatorReply learns from a human reply. Replies that are the
// engine's own output or not reusable are reported in the outcome, not as
// errors.
func (e *Engine) RecordOperatorReply(ctx context.Context, reply OperatorReply) (*learner.Outcome, error) {
	if strings.TrimSpace(reply.ConversationID) == "" {
		return nil, pattern.NewValidationError("conversation_id", "is required")
	}
	unlock := e.conversations.Lock(reply.ConversationID)
	defer unlock()

	ctx = logging.WithConversationID(ctx, reply.ConversationID)
	ctx, span := e.tracer.Start(ctx, "engine.RecordOperatorReply")
	defer span.End()

	out, err := e.deps.Learner.Learn(ctx, learner.Observation{
		ConversationID:   reply.ConversationID,
		CustomerMessage:  reply.CustomerMessage,
		OperatorResponse: reply.ResponseText,
		Provenance:       reply.Provenance,
	})
	if err != nil && !errors.Is(err, learner.ErrOwnOutput) && !errors.Is(err, learner.ErrNotReusable) {
		span.RecordError(err)
		return nil, err
	}

	span.SetAttributes(attribute.String("learn.kind", string(out.Kind)))
	e.metrics.recordLearn(ctx, string(out.Kind))
	e.logger.Debug(ctx, "operator reply observed",
		zap.String("kind", string(out.Kind)),
		zap.String("pattern_id", out.PatternID),
		zap.String("reason", out.Reason))
	return &out, nil
}

// GetPendingSuggestions lists queued suggestions. An empty status filter
// means pending.
func (e *Engine) GetPendingSuggestions(ctx context.Context, filter pattern.SuggestionFilter) ([]*pattern.SuggestionEntry, error) {
	if filter.Status == "" {
		filter.Status = pattern.SuggestionPending
	}
	return e.deps.Store.ListSuggestions(ctx, filter)
}

// ResolveSuggestion applies an operator's accept, modify or reject.
func (e *Engine) ResolveSuggestion(ctx context.Context, id, action, finalText, resolvedBy string) (*feedback.Resolution, error) {
	a, err := feedback.ParseAction(action)
	if err != nil {
		return nil, err
	}
	ctx, span := e.tracer.Start(ctx, "engine.ResolveSuggestion",
		trace.WithAttributes(attribute.String("suggestion.id", id), attribute.String("action", string(a))))
	defer span.End()

	res, err := e.deps.Feedback.Resolve(ctx, id, a, finalText, resolvedBy)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return res, nil
}

// AdminSetPatternActive disables or reactivates a pattern.
func (e *Engine) AdminSetPatternActive(ctx context.Context, id string, active bool) (*pattern.Pattern, error) {
	p, err := e.deps.Lifecycle.SetActive(ctx, id, active)
	if err != nil {
		return nil, err
	}
	e.logger.Info(ctx, "admin set pattern active", zap.String("pattern_id", id), zap.Bool("active", active))
	return p, nil
}

// AdminSetAutoExecutable grants or revokes auto-execution.
func (e *Engine) AdminSetAutoExecutable(ctx context.Context, id string, enabled bool) (*pattern.Pattern, error) {
	p, err := e.deps.Lifecycle.SetAutoExecutable(ctx, id, enabled)
	if err != nil {
		return nil, err
	}
	e.logger.Info(ctx, "admin set auto-executable", zap.String("pattern_id", id), zap.Bool("enabled", enabled))
	return p, nil
}

// AdminArchivePattern retires a pattern.
func (e *Engine) AdminArchivePattern(ctx context.Context, id string) (*pattern.Pattern, error) {
	p, err := e.deps.Lifecycle.Archive(ctx, id)
	if err != nil {
		return nil, err
	}
	e.logger.Info(ctx, "admin archived pattern", zap.String("pattern_id", id))
	return p, nil
}

// CreatePattern stores a manually authored pattern in the NEW state.
func (e *Engine) CreatePattern(ctx context.Context, req NewPattern) (*pattern.Pattern, error) {
	typ, err := pattern.ParseType(strings.ToLower(strings.TrimSpace(req.Type)))
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.ResponseTemplate) == "" {
		return nil, pattern.NewValidationError("response_template", "cannot be empty")
	}

	p := pattern.New(typ, strings.TrimSpace(req.TriggerDescription), strings.TrimSpace(req.ResponseTemplate),
		req.TriggerKeywords, pattern.SourceManual)
	if len(req.TemplateVariables) > 0 {
		p.TemplateVariables = req.TemplateVariables
	}
	if e.deps.Embedder != nil {
		trigger := strings.TrimSpace(p.TriggerDescription + " " + strings.Join(p.TriggerKeywords, " "))
		if trigger != "" {
			if vec, err := e.deps.Embedder.EmbedQuery(ctx, trigger); err != nil {
				e.logger.Warn(ctx, "manual pattern stored without embedding", zap.Error(err))
			} else {
				p.Embedding = vec
			}
		}
	}
	if err := e.deps.Store.UpsertPattern(ctx, p); err != nil {
		return nil, err
	}
	e.logger.Info(ctx, "pattern created", zap.String("pattern_id", p.ID), zap.String("type", string(p.Type)))
	return p, nil
}

// GetPattern loads a pattern.
func (e *Engine) GetPattern(ctx context.Context, id string) (*pattern.Pattern, error) {
	return e.deps.Store.GetPattern(ctx, id)
}

// GetExecution loads the execution record written for one inbound message.
func (e *Engine) GetExecution(ctx context.Context, id string) (*pattern.ExecutionRecord, error) {
	return e.deps.Store.GetExecution(ctx, id)
}

// ListPatterns returns the pattern catalog. Inactive and archived patterns
// are included only on request.
func (e *Engine) ListPatterns(ctx context.Context, includeInactive bool) ([]*pattern.Pattern, error) {
	return e.deps.Store.ListPatterns(ctx, includeInactive)
}

// PatternEvents returns a pattern's confidence audit trail.
func (e *Engine) PatternEvents(ctx context.Context, id string) ([]pattern.ConfidenceEvent, error) {
	if _, err := e.deps.Store.GetPattern(ctx, id); err != nil {
		return nil, err
	}
	return e.deps.Store.ConfidenceEvents(ctx, id)
}
