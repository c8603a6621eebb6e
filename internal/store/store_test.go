package store

import (
	"context"
	"math"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/clubhousegolfcanada/ClubOSV2-sub000/internal/pattern"
)

func newTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	opts = append([]Option{WithLogger(zaptest.NewLogger(t))}, opts...)
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "pls.db"), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func giftCardPattern() *pattern.Pattern {
	p := pattern.New(pattern.TypeGiftCards, "customer asks about gift cards",
		"You can buy gift cards at {url}", []string{"gift", "card", "buy"}, pattern.SourceManual)
	p.TemplateVariables = map[string]string{"url": "clubhouse.example/gift"}
	p.Embedding = []float32{0.1, 0.2, 0.3}
	return p
}

func TestOpen_EmptyPath(t *testing.T) {
	_, err := Open(context.Background(), "")
	assert.Error(t, err)
}

func TestOpen_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pls.db")
	s, err := Open(context.Background(), path)
	require.NoError(t, err)
	require.NoError(t, s.UpsertPattern(context.Background(), giftCardPattern()))
	require.NoError(t, s.Close())

	// Migrations must be idempotent across restarts.
	s, err = Open(context.Background(), path)
	require.NoError(t, err)
	defer s.Close()

	all, err := s.ListPatterns(context.Background(), true)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestUpsertPattern_RoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p := giftCardPattern()

	require.NoError(t, s.UpsertPattern(ctx, p))

	got, err := s.GetPattern(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, p.ID, got.ID)
	assert.Equal(t, pattern.TypeGiftCards, got.Type)
	assert.Equal(t, []string{"buy", "card", "gift"}, got.TriggerKeywords)
	assert.Equal(t, p.ResponseTemplate, got.ResponseTemplate)
	assert.Equal(t, "clubhouse.example/gift", got.TemplateVariables["url"])
	assert.Equal(t, []float32{0.1, 0.2, 0.3}, got.Embedding)
	assert.Equal(t, pattern.DefaultConfidence, got.ConfidenceScore)
	assert.Equal(t, pattern.StateNew, got.LifecycleState)
	assert.True(t, got.IsActive)
	assert.False(t, got.AutoExecutable)
	assert.Nil(t, got.LastUsedAt)
}

func TestUpsertPattern_ReplacesKeywordIndex(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p := giftCardPattern()
	require.NoError(t, s.UpsertPattern(ctx, p))

	p.TriggerKeywords = []string{"voucher"}
	require.NoError(t, s.UpsertPattern(ctx, p))

	found, err := s.FindByKeywords(ctx, []string{"gift"})
	require.NoError(t, err)
	assert.Empty(t, found)

	found, err = s.FindByKeywords(ctx, []string{"vouchers"})
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, p.ID, found[0].ID)
}

func TestUpsertPattern_Validation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	t.Run("nil", func(t *testing.T) {
		assert.ErrorIs(t, s.UpsertPattern(ctx, nil), pattern.ErrValidation)
	})

	t.Run("empty template", func(t *testing.T) {
		p := giftCardPattern()
		p.ResponseTemplate = ""
		assert.ErrorIs(t, s.UpsertPattern(ctx, p), pattern.ErrValidation)
	})

	t.Run("auto below threshold", func(t *testing.T) {
		p := giftCardPattern()
		p.LifecycleState = pattern.StateAutoExecutable
		p.AutoExecutable = true
		p.ConfidenceScore = 0.9
		err := s.UpsertPattern(ctx, p)
		var verr *pattern.ValidationError
		require.ErrorAs(t, err, &verr)
		assert.Equal(t, "auto_executable", verr.Field)
	})

	t.Run("auto at threshold", func(t *testing.T) {
		p := giftCardPattern()
		p.LifecycleState = pattern.StateAutoExecutable
		p.AutoExecutable = true
		p.ConfidenceScore = 0.95
		assert.NoError(t, s.UpsertPattern(ctx, p))
	})
}

func TestGetPattern_NotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetPattern(context.Background(), "00000000-0000-0000-0000-000000000000")
	assert.ErrorIs(t, err, pattern.ErrNotFound)
}

func TestFindByKeywords_ExcludesInactive(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	active := giftCardPattern()
	inactive := giftCardPattern()
	inactive.IsActive = false
	inactive.LifecycleState = pattern.StateDeprecated
	require.NoError(t, s.UpsertPattern(ctx, active))
	require.NoError(t, s.UpsertPattern(ctx, inactive))

	found, err := s.FindByKeywords(ctx, []string{"Gift", "cards"})
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, active.ID, found[0].ID)

	found, err = s.FindByKeywords(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, found)
}

func TestIncrementExecution(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p := giftCardPattern()
	require.NoError(t, s.UpsertPattern(ctx, p))

	require.NoError(t, s.IncrementExecution(ctx, p.ID))
	require.NoError(t, s.IncrementExecution(ctx, p.ID))

	got, err := s.GetPattern(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.ExecutionCount)
	assert.NotNil(t, got.LastUsedAt)

	assert.ErrorIs(t, s.IncrementExecution(ctx, "missing"), pattern.ErrNotFound)
}

func TestUpdateConfidence_ClampsAndAudits(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p := giftCardPattern()
	p.ConfidenceScore = 0.97
	require.NoError(t, s.UpsertPattern(ctx, p))

	change, err := s.UpdateConfidence(ctx, p.ID, 0.05, pattern.ReasonAccepted)
	require.NoError(t, err)
	assert.Equal(t, 0.97, change.Old)
	assert.Equal(t, 1.0, change.New)
	assert.False(t, change.Transitioned())

	change, err = s.UpdateConfidence(ctx, p.ID, -1.5, pattern.ReasonRejected)
	require.NoError(t, err)
	assert.Equal(t, 0.0, change.New)

	events, err := s.ConfidenceEvents(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, 0.97, events[0].OldConfidence)
	assert.Equal(t, 1.0, events[0].NewConfidence)
	assert.Equal(t, pattern.ReasonAccepted, events[0].Reason)
	assert.Equal(t, 1.0, events[1].OldConfidence)
	assert.Equal(t, 0.0, events[1].NewConfidence)
}

func TestUpdateConfidence_ExactSteps(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p := giftCardPattern()
	require.NoError(t, s.UpsertPattern(ctx, p))

	var change ConfidenceChange
	var err error
	for i := 0; i < 9; i++ {
		change, err = s.UpdateConfidence(ctx, p.ID, 0.05, pattern.ReasonAccepted)
		require.NoError(t, err)
	}
	assert.Equal(t, 0.95, change.New)
}

func promotedPattern(t *testing.T, s *Store) *pattern.Pattern {
	t.Helper()
	ctx := context.Background()
	p := giftCardPattern()
	p.ConfidenceScore = 0.95
	p.LifecycleState = pattern.StateSuggesting
	require.NoError(t, s.UpsertPattern(ctx, p))
	_, err := s.SetLifecycle(ctx, p.ID, Transition{
		From: pattern.StateSuggesting, To: pattern.StateAutoExecutable,
		IsActive: true, AutoExecutable: true, Reason: pattern.ReasonPromoted,
	})
	require.NoError(t, err)
	return p
}

func TestUpdateConfidence_DemotesBelowPromotionThreshold(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p := promotedPattern(t, s)

	change, err := s.UpdateConfidence(ctx, p.ID, -0.10, pattern.ReasonRejected)
	require.NoError(t, err)
	assert.InDelta(t, 0.85, change.New, 1e-9)
	assert.Equal(t, pattern.StateAutoExecutable, change.From)
	assert.Equal(t, pattern.StateSuggesting, change.To)
	assert.True(t, change.Transitioned())

	got, err := s.GetPattern(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, pattern.StateSuggesting, got.LifecycleState)
	assert.False(t, got.AutoExecutable)
	assert.True(t, got.IsActive)

	events, err := s.ConfidenceEvents(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, pattern.ReasonRejected, events[1].Reason)
	assert.Equal(t, pattern.ReasonDemoted, events[2].Reason)
	assert.Equal(t, pattern.StateAutoExecutable, events[2].FromState)
	assert.Equal(t, pattern.StateSuggesting, events[2].ToState)
}

func TestUpdateConfidence_StaysAutoAtThreshold(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p := promotedPattern(t, s)

	change, err := s.UpdateConfidence(ctx, p.ID, 0.02, pattern.ReasonModified)
	require.NoError(t, err)
	assert.False(t, change.Transitioned())

	got, err := s.GetPattern(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, pattern.StateAutoExecutable, got.LifecycleState)
	assert.True(t, got.AutoExecutable)
}

func TestUpdateConfidence_NotFoundAndInvalid(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.UpdateConfidence(ctx, "missing", 0.05, pattern.ReasonAccepted)
	assert.ErrorIs(t, err, pattern.ErrNotFound)

	p := giftCardPattern()
	require.NoError(t, s.UpsertPattern(ctx, p))
	_, err = s.UpdateConfidence(ctx, p.ID, math.NaN(), pattern.ReasonAccepted)
	assert.ErrorIs(t, err, pattern.ErrValidation)
}

func TestUpdateConfidence_ConcurrentNoLostUpdates(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p := giftCardPattern()
	p.ConfidenceScore = 0.2
	require.NoError(t, s.UpsertPattern(ctx, p))

	const workers = 20
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.UpdateConfidence(ctx, p.ID, 0.01, pattern.ReasonAccepted)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	got, err := s.GetPattern(ctx, p.ID)
	require.NoError(t, err)
	assert.InDelta(t, 0.4, got.ConfidenceScore, 1e-9)

	events, err := s.ConfidenceEvents(ctx, p.ID)
	require.NoError(t, err)
	assert.Len(t, events, workers)
}

func TestSetLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p := giftCardPattern()
	require.NoError(t, s.UpsertPattern(ctx, p))

	got, err := s.SetLifecycle(ctx, p.ID, Transition{
		From: pattern.StateNew, To: pattern.StateSuggesting, IsActive: true, Reason: pattern.ReasonSuggested,
	})
	require.NoError(t, err)
	assert.Equal(t, pattern.StateSuggesting, got.LifecycleState)

	t.Run("stale from state conflicts", func(t *testing.T) {
		_, err := s.SetLifecycle(ctx, p.ID, Transition{
			From: pattern.StateNew, To: pattern.StateSuggesting, IsActive: true, Reason: pattern.ReasonSuggested,
		})
		assert.ErrorIs(t, err, pattern.ErrConflict)
	})

	t.Run("auto requires threshold", func(t *testing.T) {
		_, err := s.SetLifecycle(ctx, p.ID, Transition{
			From: pattern.StateSuggesting, To: pattern.StateAutoExecutable,
			IsActive: true, AutoExecutable: true, Reason: pattern.ReasonPromoted,
		})
		assert.ErrorIs(t, err, pattern.ErrValidation)

		after, err := s.GetPattern(ctx, p.ID)
		require.NoError(t, err)
		assert.Equal(t, pattern.StateSuggesting, after.LifecycleState)
		assert.False(t, after.AutoExecutable)
	})

	t.Run("auto requires active state", func(t *testing.T) {
		_, err := s.SetLifecycle(ctx, p.ID, Transition{
			From: pattern.StateSuggesting, To: pattern.StateDeprecated, AutoExecutable: true,
		})
		assert.ErrorIs(t, err, pattern.ErrValidation)
	})

	t.Run("missing", func(t *testing.T) {
		_, err := s.SetLifecycle(ctx, "missing", Transition{From: pattern.StateNew, To: pattern.StateSuggesting})
		assert.ErrorIs(t, err, pattern.ErrNotFound)
	})

	events, err := s.ConfidenceEvents(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, pattern.StateNew, events[0].FromState)
	assert.Equal(t, pattern.StateSuggesting, events[0].ToState)
}

func TestStalePatternsAndDecay(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	s := newTestStore(t, WithClock(clock))
	ctx := context.Background()

	old := giftCardPattern()
	old.CreatedAt = now.Add(-60 * 24 * time.Hour)
	fresh := giftCardPattern()
	used := now.Add(-time.Hour)
	fresh.LastUsedAt = &used
	require.NoError(t, s.UpsertPattern(ctx, old))
	require.NoError(t, s.UpsertPattern(ctx, fresh))

	cutoff := now.Add(-30 * 24 * time.Hour)
	ids, err := s.StalePatterns(ctx, cutoff, now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, []string{old.ID}, ids)

	change, err := s.ApplyDecay(ctx, old.ID, -0.01)
	require.NoError(t, err)
	assert.Equal(t, 0.49, change.New)

	// Decayed within the period: not stale again.
	ids, err = s.StalePatterns(ctx, cutoff, now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Empty(t, ids)

	events, err := s.ConfidenceEvents(ctx, old.ID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, pattern.ReasonDecay, events[0].Reason)
}

func TestExecutionRecords(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p := giftCardPattern()
	require.NoError(t, s.UpsertPattern(ctx, p))

	rec := pattern.NewExecutionRecord("conv-1", "gift cards?", "hash", p.ID, 0.96, pattern.ActionAuto)
	require.NoError(t, s.RecordExecution(ctx, rec))

	require.NoError(t, s.MarkExecutionFailed(ctx, rec.ID))
	got, err := s.GetExecution(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, pattern.ActionFailed, got.ActionTaken)
	require.NotNil(t, got.PatternID)
	assert.Equal(t, p.ID, *got.PatternID)

	// Only auto records can fail.
	assert.ErrorIs(t, s.MarkExecutionFailed(ctx, rec.ID), pattern.ErrNotFound)

	esc := pattern.NewExecutionRecord("conv-1", "random", "hash2", "", 0, pattern.ActionEscalated)
	require.NoError(t, s.RecordExecution(ctx, esc))
	got, err = s.GetExecution(ctx, esc.ID)
	require.NoError(t, err)
	assert.Nil(t, got.PatternID)

	n, err := s.CountExecutions(ctx, "conv-1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, err = s.GetExecution(ctx, "missing")
	assert.ErrorIs(t, err, pattern.ErrNotFound)
}

func TestSuggestionQueue(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p := giftCardPattern()
	require.NoError(t, s.UpsertPattern(ctx, p))

	rec := pattern.NewExecutionRecord("conv-1", "gift cards?", "hash", p.ID, 0.7, pattern.ActionSuggested)
	require.NoError(t, s.RecordExecution(ctx, rec))

	entry := &pattern.SuggestionEntry{
		PatternID:        p.ID,
		ExecutionID:      rec.ID,
		ConversationID:   "conv-1",
		MessageText:      "gift cards?",
		ProposedResponse: "You can buy gift cards at clubhouse.example/gift",
		Confidence:       0.7,
	}
	require.NoError(t, s.EnqueueSuggestion(ctx, entry))
	assert.NotEmpty(t, entry.ID)

	pending, err := s.ListSuggestions(ctx, pattern.SuggestionFilter{Status: pattern.SuggestionPending})
	require.NoError(t, err)
	require.Len(t, pending, 1)

	resolved, change, err := s.ResolveSuggestion(ctx, entry.ID, Resolution{
		Status: pattern.SuggestionAccepted, FinalText: entry.ProposedResponse, ResolvedBy: "operator",
		Delta: 0.05, Reason: pattern.ReasonAccepted, CountExecution: true,
	})
	require.NoError(t, err)
	assert.Equal(t, pattern.SuggestionAccepted, resolved.Status)
	assert.NotNil(t, resolved.ResolvedAt)
	assert.Equal(t, "operator", resolved.ResolvedBy)
	assert.Equal(t, p.ID, change.PatternID)
	assert.InDelta(t, 0.55, change.New, 1e-9)

	got, err := s.GetPattern(ctx, p.ID)
	require.NoError(t, err)
	assert.InDelta(t, 0.55, got.ConfidenceScore, 1e-9)
	assert.Equal(t, 1, got.ExecutionCount)

	reject := Resolution{Status: pattern.SuggestionRejected, ResolvedBy: "operator", Delta: -0.10, Reason: pattern.ReasonRejected}
	_, _, err = s.ResolveSuggestion(ctx, entry.ID, reject)
	assert.ErrorIs(t, err, pattern.ErrConflict)

	_, _, err = s.ResolveSuggestion(ctx, "missing", reject)
	assert.ErrorIs(t, err, pattern.ErrNotFound)

	_, _, err = s.ResolveSuggestion(ctx, entry.ID, Resolution{Status: pattern.SuggestionPending})
	assert.ErrorIs(t, err, pattern.ErrValidation)

	_, _, err = s.ResolveSuggestion(ctx, entry.ID, Resolution{Status: pattern.SuggestionRejected, Delta: math.Inf(-1)})
	assert.ErrorIs(t, err, pattern.ErrValidation)

	// The conflicting attempt left the pattern untouched.
	got, err = s.GetPattern(ctx, p.ID)
	require.NoError(t, err)
	assert.InDelta(t, 0.55, got.ConfidenceScore, 1e-9)
	assert.Equal(t, 1, got.ExecutionCount)

	pending, err = s.ListSuggestions(ctx, pattern.SuggestionFilter{Status: pattern.SuggestionPending})
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestResolveSuggestion_ExactlyOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p := giftCardPattern()
	require.NoError(t, s.UpsertPattern(ctx, p))
	rec := pattern.NewExecutionRecord("conv-1", "gift cards?", "hash", p.ID, 0.7, pattern.ActionSuggested)
	require.NoError(t, s.RecordExecution(ctx, rec))
	entry := &pattern.SuggestionEntry{PatternID: p.ID, ExecutionID: rec.ID, ConversationID: "conv-1",
		MessageText: "gift cards?", ProposedResponse: "yes", Confidence: 0.7}
	require.NoError(t, s.EnqueueSuggestion(ctx, entry))

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := s.ResolveSuggestion(ctx, entry.ID, Resolution{
				Status: pattern.SuggestionAccepted, FinalText: "yes", ResolvedBy: "op",
				Delta: 0.05, Reason: pattern.ReasonAccepted, CountExecution: true,
			})
			if err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)

	got, err := s.GetPattern(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.ExecutionCount)
	assert.InDelta(t, 0.55, got.ConfidenceScore, 1e-9)
}

func TestResolveSuggestion_DemotesInSameTransaction(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p := promotedPattern(t, s)
	rec := pattern.NewExecutionRecord("conv-1", "gift cards?", "hash", p.ID, 0.95, pattern.ActionSuggested)
	require.NoError(t, s.RecordExecution(ctx, rec))
	entry := &pattern.SuggestionEntry{PatternID: p.ID, ExecutionID: rec.ID, ConversationID: "conv-1",
		MessageText: "gift cards?", ProposedResponse: "yes", Confidence: 0.95}
	require.NoError(t, s.EnqueueSuggestion(ctx, entry))

	_, change, err := s.ResolveSuggestion(ctx, entry.ID, Resolution{
		Status: pattern.SuggestionRejected, ResolvedBy: "op", Delta: -0.10, Reason: pattern.ReasonRejected,
	})
	require.NoError(t, err)
	assert.Equal(t, pattern.StateSuggesting, change.To)

	got, err := s.GetPattern(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, pattern.StateSuggesting, got.LifecycleState)
	assert.False(t, got.AutoExecutable)
	assert.Equal(t, 0, got.ExecutionCount)
}

func TestEmbeddingCache(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, ok, err := s.GetEmbedding(ctx, "h1", "model")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.PutEmbedding(ctx, "h1", "model", []float32{1, 2}))
	require.NoError(t, s.PutEmbedding(ctx, "h1", "model", []float32{3, 4}))

	v, ok, err := s.GetEmbedding(ctx, "h1", "model")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []float32{1, 2}, v)

	assert.ErrorIs(t, s.PutEmbedding(ctx, "h2", "model", nil), pattern.ErrValidation)

	n, err := s.PruneEmbeddings(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}
