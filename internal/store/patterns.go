package store

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/clubhousegolfcanada/ClubOSV2-sub000/internal/pattern"
)

const patternColumns = `id, type, trigger_description, trigger_keywords, response_template,
	template_variables, embedding, confidence_score, execution_count, is_active,
	auto_executable, lifecycle_state, created_from, created_at, updated_at, last_used_at`

// UpsertPattern inserts or replaces a pattern by id and rewrites its keyword
// index. Validation failures return a *pattern.ValidationError.
func (s *Store) UpsertPattern(ctx context.Context, p *pattern.Pattern) error {
	if p == nil {
		return pattern.NewValidationError("pattern", "cannot be nil")
	}
	p.TriggerKeywords = pattern.NormalizeKeywords(p.TriggerKeywords)
	if err := p.Validate(); err != nil {
		return err
	}
	if p.AutoExecutable && p.ConfidenceScore < s.promotionThreshold {
		return pattern.NewValidationError("auto_executable",
			"confidence %.2f is below promotion threshold %.2f", p.ConfidenceScore, s.promotionThreshold)
	}

	now := s.now()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now

	keywords, err := json.Marshal(p.TriggerKeywords)
	if err != nil {
		return fmt.Errorf("encoding keywords: %w", err)
	}
	vars := p.TemplateVariables
	if vars == nil {
		vars = map[string]string{}
	}
	varsJSON, err := json.Marshal(vars)
	if err != nil {
		return fmt.Errorf("encoding template variables: %w", err)
	}

	var lastUsed sql.NullInt64
	if p.LastUsedAt != nil {
		lastUsed = sql.NullInt64{Int64: toUnix(*p.LastUsedAt), Valid: true}
	}

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO patterns (id, type, trigger_description, trigger_keywords, response_template,
				template_variables, embedding, confidence_score, prev_confidence, execution_count, is_active,
				auto_executable, lifecycle_state, created_from, created_at, updated_at, last_used_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (id) DO UPDATE SET
				type = excluded.type,
				trigger_description = excluded.trigger_description,
				trigger_keywords = excluded.trigger_keywords,
				response_template = excluded.response_template,
				template_variables = excluded.template_variables,
				embedding = excluded.embedding,
				confidence_score = excluded.confidence_score,
				prev_confidence = excluded.prev_confidence,
				execution_count = excluded.execution_count,
				is_active = excluded.is_active,
				auto_executable = excluded.auto_executable,
				lifecycle_state = excluded.lifecycle_state,
				created_from = excluded.created_from,
				updated_at = excluded.updated_at,
				last_used_at = excluded.last_used_at`,
			p.ID, string(p.Type), p.TriggerDescription, string(keywords), p.ResponseTemplate,
			string(varsJSON), packEmbedding(p.Embedding), p.ConfidenceScore, p.ConfidenceScore, p.ExecutionCount,
			boolToInt(p.IsActive), boolToInt(p.AutoExecutable), string(p.LifecycleState), string(p.CreatedFrom),
			toUnix(p.CreatedAt), toUnix(p.UpdatedAt), lastUsed)
		if err != nil {
			return fmt.Errorf("upserting pattern: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM pattern_keywords WHERE pattern_id = ?`, p.ID); err != nil {
			return fmt.Errorf("clearing keywords: %w", err)
		}
		for _, kw := range p.TriggerKeywords {
			if _, err := tx.ExecContext(ctx,
				`INSERT OR IGNORE INTO pattern_keywords (pattern_id, keyword) VALUES (?, ?)`, p.ID, kw); err != nil {
				return fmt.Errorf("indexing keyword %q: %w", kw, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.logger.Debug("pattern upserted",
		zap.String("pattern_id", p.ID),
		zap.String("type", string(p.Type)),
		zap.Int("keywords", len(p.TriggerKeywords)))
	return nil
}

// GetPattern loads a pattern by id.
func (s *Store) GetPattern(ctx context.Context, id string) (*pattern.Pattern, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+patternColumns+` FROM patterns WHERE id = ?`, id)
	p, err := scanPattern(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, pattern.NotFound("pattern", id)
	}
	if err != nil {
		return nil, fmt.Errorf("loading pattern: %w", err)
	}
	return p, nil
}

// ListActive returns every active pattern that can take part in matching.
func (s *Store) ListActive(ctx context.Context) ([]*pattern.Pattern, error) {
	return s.queryPatterns(ctx, `SELECT `+patternColumns+` FROM patterns
		WHERE is_active = 1 AND lifecycle_state NOT IN ('DEPRECATED', 'ARCHIVED')
		ORDER BY id`)
}

// ListPatterns returns all patterns, optionally including inactive ones.
func (s *Store) ListPatterns(ctx context.Context, includeInactive bool) ([]*pattern.Pattern, error) {
	if includeInactive {
		return s.queryPatterns(ctx, `SELECT `+patternColumns+` FROM patterns ORDER BY created_at, id`)
	}
	return s.ListActive(ctx)
}

// FindByKeywords returns active patterns whose keyword set intersects the
// given keywords. Keywords are normalized before lookup.
func (s *Store) FindByKeywords(ctx context.Context, keywords []string) ([]*pattern.Pattern, error) {
	normalized := pattern.NormalizeKeywords(keywords)
	if len(normalized) == 0 {
		return []*pattern.Pattern{}, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(normalized)), ",")
	args := make([]interface{}, len(normalized))
	for i, kw := range normalized {
		args[i] = kw
	}

	query := `SELECT ` + patternColumns + ` FROM patterns
		WHERE is_active = 1 AND lifecycle_state NOT IN ('DEPRECATED', 'ARCHIVED')
		AND id IN (SELECT DISTINCT pattern_id FROM pattern_keywords WHERE keyword IN (` + placeholders + `))
		ORDER BY id`
	return s.queryPatterns(ctx, query, args...)
}

// IncrementExecution bumps execution_count and last_used_at in one statement.
func (s *Store) IncrementExecution(ctx context.Context, id string) error {
	return s.incrementExecution(ctx, s.db, id)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func (s *Store) incrementExecution(ctx context.Context, db execer, id string) error {
	now := toUnix(s.now())
	res, err := db.ExecContext(ctx, `
		UPDATE patterns SET execution_count = execution_count + 1, last_used_at = ?, updated_at = ?
		WHERE id = ?`, now, now, id)
	if err != nil {
		return fmt.Errorf("incrementing execution count: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("incrementing execution count: %w", err)
	}
	if n == 0 {
		return pattern.NotFound("pattern", id)
	}
	return nil
}

// ConfidenceChange is the committed effect of one confidence update. From
// and To differ when the update itself demoted an auto-executable pattern.
type ConfidenceChange struct {
	PatternID string
	Old       float64
	New       float64
	From      pattern.LifecycleState
	To        pattern.LifecycleState
}

// Transitioned reports whether the update changed the lifecycle state.
func (c ConfidenceChange) Transitioned() bool {
	return c.From != c.To
}

// UpdateConfidence adds delta to the pattern's confidence, clamped to [0,1],
// and appends a ConfidenceEvent.
//
// The clamp happens inside a single UPDATE ... RETURNING so concurrent
// callers never lose an update. prev_confidence captures the pre-update
// value because SET expressions read the old row. An AUTO_EXECUTABLE pattern
// pushed below the promotion threshold drops to SUGGESTING in the same
// transaction, so no committed row is auto-executable below the threshold.
func (s *Store) UpdateConfidence(ctx context.Context, id string, delta float64, reason pattern.Reason) (ConfidenceChange, error) {
	return s.applyDelta(ctx, id, delta, reason, false)
}

// ApplyDecay is UpdateConfidence for the scheduled sweep; it also stamps
// last_decayed_at so a pattern decays at most once per period.
func (s *Store) ApplyDecay(ctx context.Context, id string, delta float64) (ConfidenceChange, error) {
	return s.applyDelta(ctx, id, delta, pattern.ReasonDecay, true)
}

func (s *Store) applyDelta(ctx context.Context, id string, delta float64, reason pattern.Reason, decay bool) (ConfidenceChange, error) {
	if math.IsNaN(delta) || math.IsInf(delta, 0) {
		return ConfidenceChange{}, pattern.NewValidationError("delta", "must be finite")
	}

	var change ConfidenceChange
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		change, err = s.adjustConfidence(ctx, tx, id, delta, reason, decay)
		return err
	})
	if err != nil {
		return ConfidenceChange{}, err
	}
	s.logChange(change, reason)
	return change, nil
}

// adjustConfidence runs the confidence UPDATE, its audit event and, when the
// new score breaks the auto-executable invariant, the demotion inside tx.
func (s *Store) adjustConfidence(ctx context.Context, tx *sql.Tx, id string, delta float64, reason pattern.Reason, decay bool) (ConfidenceChange, error) {
	now := toUnix(s.now())
	query := `UPDATE patterns SET
			prev_confidence = confidence_score,
			confidence_score = ROUND(MIN(1.0, MAX(0.0, confidence_score + ?)), 6),
			updated_at = ?`
	if decay {
		query += `, last_decayed_at = ?`
	}
	query += ` WHERE id = ? RETURNING prev_confidence, confidence_score, lifecycle_state`

	args := []interface{}{delta, now}
	if decay {
		args = append(args, now)
	}
	args = append(args, id)

	change := ConfidenceChange{PatternID: id}
	var state string
	err := tx.QueryRowContext(ctx, query, args...).Scan(&change.Old, &change.New, &state)
	if errors.Is(err, sql.ErrNoRows) {
		return change, pattern.NotFound("pattern", id)
	}
	if err != nil {
		return change, fmt.Errorf("updating confidence: %w", err)
	}
	change.From = pattern.LifecycleState(state)
	change.To = change.From

	if err := insertEvent(ctx, tx, &pattern.ConfidenceEvent{
		ID:            uuid.New().String(),
		PatternID:     id,
		OldConfidence: change.Old,
		NewConfidence: change.New,
		Reason:        reason,
		FromState:     change.From,
		ToState:       change.To,
		Timestamp:     s.now(),
	}); err != nil {
		return change, err
	}

	if change.From != pattern.StateAutoExecutable || change.New >= s.promotionThreshold {
		return change, nil
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE patterns SET lifecycle_state = ?, auto_executable = 0, is_active = 1, updated_at = ?
		WHERE id = ?`, string(pattern.StateSuggesting), now, id); err != nil {
		return change, fmt.Errorf("demoting pattern: %w", err)
	}
	change.To = pattern.StateSuggesting
	return change, insertEvent(ctx, tx, &pattern.ConfidenceEvent{
		ID:            uuid.New().String(),
		PatternID:     id,
		OldConfidence: change.New,
		NewConfidence: change.New,
		Reason:        pattern.ReasonDemoted,
		FromState:     change.From,
		ToState:       change.To,
		Timestamp:     s.now(),
	})
}

func (s *Store) logChange(change ConfidenceChange, reason pattern.Reason) {
	s.logger.Debug("confidence updated",
		zap.String("pattern_id", change.PatternID),
		zap.String("reason", string(reason)),
		zap.Float64("old_confidence", change.Old),
		zap.Float64("new_confidence", change.New))
	if change.Transitioned() {
		s.logger.Info("pattern lifecycle changed",
			zap.String("pattern_id", change.PatternID),
			zap.String("from", string(change.From)),
			zap.String("to", string(change.To)),
			zap.String("reason", string(pattern.ReasonDemoted)))
	}
}

// Transition describes a compare-and-set lifecycle change.
type Transition struct {
	From           pattern.LifecycleState
	To             pattern.LifecycleState
	IsActive       bool
	AutoExecutable bool
	Reason         pattern.Reason
}

// SetLifecycle applies a lifecycle transition if the pattern is still in
// t.From. Auto-executable transitions additionally require the current
// confidence to meet the promotion threshold, checked in the same statement.
// A pattern that moved on concurrently yields pattern.ErrConflict.
func (s *Store) SetLifecycle(ctx context.Context, id string, t Transition) (*pattern.Pattern, error) {
	if !t.To.Valid() {
		return nil, pattern.NewValidationError("lifecycle_state", "unknown state %q", t.To)
	}
	if t.AutoExecutable && (!t.IsActive || t.To != pattern.StateAutoExecutable) {
		return nil, pattern.NewValidationError("auto_executable", "requires an active AUTO_EXECUTABLE pattern")
	}

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var confidence float64
		err := tx.QueryRowContext(ctx, `
			UPDATE patterns SET lifecycle_state = ?, is_active = ?, auto_executable = ?, updated_at = ?
			WHERE id = ? AND lifecycle_state = ? AND (? = 0 OR confidence_score >= ?)
			RETURNING confidence_score`,
			string(t.To), boolToInt(t.IsActive), boolToInt(t.AutoExecutable), toUnix(s.now()),
			id, string(t.From), boolToInt(t.AutoExecutable), s.promotionThreshold,
		).Scan(&confidence)
		if errors.Is(err, sql.ErrNoRows) {
			return s.transitionFailure(ctx, tx, id, t)
		}
		if err != nil {
			return fmt.Errorf("updating lifecycle: %w", err)
		}
		return insertEvent(ctx, tx, &pattern.ConfidenceEvent{
			ID:            uuid.New().String(),
			PatternID:     id,
			OldConfidence: confidence,
			NewConfidence: confidence,
			Reason:        t.Reason,
			FromState:     t.From,
			ToState:       t.To,
			Timestamp:     s.now(),
		})
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("pattern lifecycle changed",
		zap.String("pattern_id", id),
		zap.String("from", string(t.From)),
		zap.String("to", string(t.To)),
		zap.String("reason", string(t.Reason)))
	return s.GetPattern(ctx, id)
}

// transitionFailure explains why a guarded lifecycle UPDATE matched no row.
func (s *Store) transitionFailure(ctx context.Context, tx *sql.Tx, id string, t Transition) error {
	var state string
	var confidence float64
	err := tx.QueryRowContext(ctx, `SELECT lifecycle_state, confidence_score FROM patterns WHERE id = ?`, id).
		Scan(&state, &confidence)
	if errors.Is(err, sql.ErrNoRows) {
		return pattern.NotFound("pattern", id)
	}
	if err != nil {
		return fmt.Errorf("loading pattern state: %w", err)
	}
	if state != string(t.From) {
		return pattern.Conflict("pattern %s is %s, expected %s", id, state, t.From)
	}
	return pattern.NewValidationError("auto_executable",
		"confidence %.2f is below promotion threshold %.2f", confidence, s.promotionThreshold)
}

// ConfidenceEvents returns the audit trail of a pattern, oldest first.
func (s *Store) ConfidenceEvents(ctx context.Context, patternID string) ([]pattern.ConfidenceEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, pattern_id, old_confidence, new_confidence, reason, from_state, to_state, timestamp
		FROM confidence_events WHERE pattern_id = ? ORDER BY timestamp, rowid`, patternID)
	if err != nil {
		return nil, fmt.Errorf("querying confidence events: %w", err)
	}
	defer rows.Close()

	events := []pattern.ConfidenceEvent{}
	for rows.Next() {
		var ev pattern.ConfidenceEvent
		var reason, from, to string
		var ts int64
		if err := rows.Scan(&ev.ID, &ev.PatternID, &ev.OldConfidence, &ev.NewConfidence, &reason, &from, &to, &ts); err != nil {
			return nil, fmt.Errorf("scanning confidence event: %w", err)
		}
		ev.Reason = pattern.Reason(reason)
		ev.FromState = pattern.LifecycleState(from)
		ev.ToState = pattern.LifecycleState(to)
		ev.Timestamp = fromUnix(ts)
		events = append(events, ev)
	}
	return events, rows.Err()
}

// StalePatterns lists active patterns unused since unusedSince that have not
// decayed since decayedBefore.
func (s *Store) StalePatterns(ctx context.Context, unusedSince, decayedBefore time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM patterns
		WHERE is_active = 1 AND lifecycle_state NOT IN ('DEPRECATED', 'ARCHIVED')
		AND confidence_score > 0
		AND COALESCE(last_used_at, created_at) < ?
		AND (last_decayed_at IS NULL OR last_decayed_at < ?)
		ORDER BY id`, toUnix(unusedSince), toUnix(decayedBefore))
	if err != nil {
		return nil, fmt.Errorf("querying stale patterns: %w", err)
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning stale pattern: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func insertEvent(ctx context.Context, tx *sql.Tx, ev *pattern.ConfidenceEvent) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO confidence_events (id, pattern_id, old_confidence, new_confidence, reason, from_state, to_state, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.PatternID, ev.OldConfidence, ev.NewConfidence, string(ev.Reason),
		string(ev.FromState), string(ev.ToState), toUnix(ev.Timestamp))
	if err != nil {
		return fmt.Errorf("appending confidence event: %w", err)
	}
	return nil
}

func (s *Store) queryPatterns(ctx context.Context, query string, args ...interface{}) ([]*pattern.Pattern, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying patterns: %w", err)
	}
	defer rows.Close()

	patterns := []*pattern.Pattern{}
	for rows.Next() {
		p, err := scanPattern(rows)
		if err != nil {
			s.logger.Warn("skipping unreadable pattern", zap.Error(err))
			continue
		}
		patterns = append(patterns, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating patterns: %w", err)
	}
	return patterns, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanPattern(row scanner) (*pattern.Pattern, error) {
	var (
		p                    pattern.Pattern
		typ, keywords, vars  string
		state, source        string
		embedding            []byte
		active, auto         int
		createdAt, updatedAt int64
		lastUsed             sql.NullInt64
	)
	err := row.Scan(&p.ID, &typ, &p.TriggerDescription, &keywords, &p.ResponseTemplate,
		&vars, &embedding, &p.ConfidenceScore, &p.ExecutionCount, &active,
		&auto, &state, &source, &createdAt, &updatedAt, &lastUsed)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(keywords), &p.TriggerKeywords); err != nil {
		return nil, fmt.Errorf("decoding keywords of %s: %w", p.ID, err)
	}
	if err := json.Unmarshal([]byte(vars), &p.TemplateVariables); err != nil {
		return nil, fmt.Errorf("decoding template variables of %s: %w", p.ID, err)
	}
	if len(p.TemplateVariables) == 0 {
		p.TemplateVariables = nil
	}
	p.Type = pattern.Type(typ)
	p.Embedding = unpackEmbedding(embedding)
	p.IsActive = active == 1
	p.AutoExecutable = auto == 1
	p.LifecycleState = pattern.LifecycleState(state)
	p.CreatedFrom = pattern.Source(source)
	p.CreatedAt = fromUnix(createdAt)
	p.UpdatedAt = fromUnix(updatedAt)
	p.LastUsedAt = nullableTime(lastUsed)
	return &p, nil
}

func packEmbedding(v []float32) []byte {
	if len(v) == 0 {
		return nil
	}
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func unpackEmbedding(b []byte) []float32 {
	if len(b) < 4 {
		return nil
	}
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v
}
