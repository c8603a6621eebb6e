package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/clubhousegolfcanada/ClubOSV2-sub000/internal/pattern"
)

// RecordExecution appends an execution log row.
func (s *Store) RecordExecution(ctx context.Context, rec *pattern.ExecutionRecord) error {
	if rec == nil {
		return pattern.NewValidationError("execution", "cannot be nil")
	}
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = s.now()
	}
	var patternID sql.NullString
	if rec.PatternID != nil {
		patternID = sql.NullString{String: *rec.PatternID, Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO execution_records (id, pattern_id, conversation_id, message_text, message_hash,
			matched_confidence, action_taken, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, patternID, rec.ConversationID, rec.MessageText, rec.MessageHash,
		rec.MatchedConfidence, string(rec.ActionTaken), toUnix(rec.Timestamp))
	if err != nil {
		return fmt.Errorf("recording execution: %w", err)
	}
	return nil
}

// MarkExecutionFailed flips an auto record to failed after a send error.
func (s *Store) MarkExecutionFailed(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE execution_records SET action_taken = 'failed' WHERE id = ? AND action_taken = 'auto'`, id)
	if err != nil {
		return fmt.Errorf("marking execution failed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("marking execution failed: %w", err)
	}
	if n == 0 {
		return pattern.NotFound("auto execution", id)
	}
	return nil
}

// GetExecution loads an execution record by id.
func (s *Store) GetExecution(ctx context.Context, id string) (*pattern.ExecutionRecord, error) {
	var (
		rec       pattern.ExecutionRecord
		patternID sql.NullString
		action    string
		ts        int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, pattern_id, conversation_id, message_text, message_hash, matched_confidence, action_taken, timestamp
		FROM execution_records WHERE id = ?`, id).
		Scan(&rec.ID, &patternID, &rec.ConversationID, &rec.MessageText, &rec.MessageHash,
			&rec.MatchedConfidence, &action, &ts)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, pattern.NotFound("execution", id)
	}
	if err != nil {
		return nil, fmt.Errorf("loading execution: %w", err)
	}
	if patternID.Valid {
		rec.PatternID = &patternID.String
	}
	rec.ActionTaken = pattern.Action(action)
	rec.Timestamp = fromUnix(ts)
	return &rec, nil
}

// CountExecutions returns how many records reference the conversation.
func (s *Store) CountExecutions(ctx context.Context, conversationID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM execution_records WHERE conversation_id = ?`, conversationID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting executions: %w", err)
	}
	return n, nil
}

// EnqueueSuggestion adds a pending suggestion for operator review.
func (s *Store) EnqueueSuggestion(ctx context.Context, entry *pattern.SuggestionEntry) error {
	if entry == nil {
		return pattern.NewValidationError("suggestion", "cannot be nil")
	}
	if entry.PatternID == "" {
		return pattern.NewValidationError("pattern_id", "is required")
	}
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = s.now()
	}
	entry.Status = pattern.SuggestionPending

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO suggestion_queue (id, pattern_id, execution_id, conversation_id, message_text,
			proposed_response, confidence, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 'pending', ?)`,
		entry.ID, entry.PatternID, entry.ExecutionID, entry.ConversationID, entry.MessageText,
		entry.ProposedResponse, entry.Confidence, toUnix(entry.CreatedAt))
	if err != nil {
		return fmt.Errorf("enqueueing suggestion: %w", err)
	}
	return nil
}

const suggestionColumns = `id, pattern_id, execution_id, conversation_id, message_text, proposed_response,
	confidence, status, final_text, created_at, resolved_at, resolved_by`

// GetSuggestion loads a suggestion by id.
func (s *Store) GetSuggestion(ctx context.Context, id string) (*pattern.SuggestionEntry, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+suggestionColumns+` FROM suggestion_queue WHERE id = ?`, id)
	entry, err := scanSuggestion(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, pattern.NotFound("suggestion", id)
	}
	if err != nil {
		return nil, fmt.Errorf("loading suggestion: %w", err)
	}
	return entry, nil
}

// ListSuggestions returns suggestions matching filter, oldest first.
func (s *Store) ListSuggestions(ctx context.Context, filter pattern.SuggestionFilter) ([]*pattern.SuggestionEntry, error) {
	var where []string
	var args []interface{}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.PatternID != "" {
		where = append(where, "pattern_id = ?")
		args = append(args, filter.PatternID)
	}

	query := `SELECT ` + suggestionColumns + ` FROM suggestion_queue`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at, id`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying suggestions: %w", err)
	}
	defer rows.Close()

	entries := []*pattern.SuggestionEntry{}
	for rows.Next() {
		entry, err := scanSuggestion(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning suggestion: %w", err)
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// Resolution is an operator verdict on a suggestion and the feedback it
// carries for the suggested pattern.
type Resolution struct {
	Status     pattern.SuggestionStatus
	FinalText  string
	ResolvedBy string

	// Delta is applied to the pattern's confidence with Reason.
	Delta  float64
	Reason pattern.Reason

	// CountExecution bumps the pattern's execution count, for replies the
	// operator actually sent.
	CountExecution bool
}

// ResolveSuggestion moves a pending suggestion to a terminal status exactly
// once and applies its feedback to the pattern in the same transaction, so a
// resolution is either fully recorded or not at all. A second resolution
// returns pattern.ErrConflict.
func (s *Store) ResolveSuggestion(ctx context.Context, id string, r Resolution) (*pattern.SuggestionEntry, ConfidenceChange, error) {
	if !r.Status.Terminal() {
		return nil, ConfidenceChange{}, pattern.NewValidationError("status", "%q is not a resolution", r.Status)
	}
	if math.IsNaN(r.Delta) || math.IsInf(r.Delta, 0) {
		return nil, ConfidenceChange{}, pattern.NewValidationError("delta", "must be finite")
	}

	var (
		entry  *pattern.SuggestionEntry
		change ConfidenceChange
	)
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `
			UPDATE suggestion_queue SET status = ?, final_text = ?, resolved_at = ?, resolved_by = ?
			WHERE id = ? AND status = 'pending'
			RETURNING `+suggestionColumns,
			string(r.Status), r.FinalText, toUnix(s.now()), r.ResolvedBy, id)
		var err error
		entry, err = scanSuggestion(row)
		if errors.Is(err, sql.ErrNoRows) {
			var status string
			err := tx.QueryRowContext(ctx, `SELECT status FROM suggestion_queue WHERE id = ?`, id).Scan(&status)
			if errors.Is(err, sql.ErrNoRows) {
				return pattern.NotFound("suggestion", id)
			}
			if err != nil {
				return fmt.Errorf("loading suggestion: %w", err)
			}
			return pattern.Conflict("suggestion %s already %s", id, status)
		}
		if err != nil {
			return fmt.Errorf("resolving suggestion: %w", err)
		}

		if r.CountExecution {
			if err := s.incrementExecution(ctx, tx, entry.PatternID); err != nil {
				return err
			}
		}
		change, err = s.adjustConfidence(ctx, tx, entry.PatternID, r.Delta, r.Reason, false)
		return err
	})
	if err != nil {
		return nil, ConfidenceChange{}, err
	}

	s.logger.Debug("suggestion resolved",
		zap.String("suggestion_id", id),
		zap.String("pattern_id", entry.PatternID),
		zap.String("status", string(r.Status)))
	s.logChange(change, r.Reason)
	return entry, change, nil
}

func scanSuggestion(row scanner) (*pattern.SuggestionEntry, error) {
	var (
		e          pattern.SuggestionEntry
		status     string
		createdAt  int64
		resolvedAt sql.NullInt64
	)
	err := row.Scan(&e.ID, &e.PatternID, &e.ExecutionID, &e.ConversationID, &e.MessageText,
		&e.ProposedResponse, &e.Confidence, &status, &e.FinalText, &createdAt, &resolvedAt, &e.ResolvedBy)
	if err != nil {
		return nil, err
	}
	e.Status = pattern.SuggestionStatus(status)
	e.CreatedAt = fromUnix(createdAt)
	e.ResolvedAt = nullableTime(resolvedAt)
	return &e, nil
}

// GetEmbedding returns a cached vector for the content hash and model.
// The boolean is false on a miss.
func (s *Store) GetEmbedding(ctx context.Context, contentHash, model string) ([]float32, bool, error) {
	var blob []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT vector FROM embedding_cache WHERE content_hash = ? AND model = ?`, contentHash, model).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("loading cached embedding: %w", err)
	}
	return unpackEmbedding(blob), true, nil
}

// PutEmbedding stores a vector. First write wins for a given hash.
func (s *Store) PutEmbedding(ctx context.Context, contentHash, model string, vector []float32) error {
	if len(vector) == 0 {
		return pattern.NewValidationError("vector", "cannot be empty")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO embedding_cache (content_hash, model, vector, created_at)
		VALUES (?, ?, ?, ?)`, contentHash, model, packEmbedding(vector), toUnix(s.now()))
	if err != nil {
		return fmt.Errorf("caching embedding: %w", err)
	}
	return nil
}

// PruneEmbeddings deletes cached vectors older than cutoff.
func (s *Store) PruneEmbeddings(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM embedding_cache WHERE created_at < ?`, toUnix(cutoff))
	if err != nil {
		return 0, fmt.Errorf("pruning embeddings: %w", err)
	}
	return res.RowsAffected()
}
