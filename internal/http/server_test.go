package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/clubhousegolfcanada/ClubOSV2-sub000/internal/decision"
	"github.com/clubhousegolfcanada/ClubOSV2-sub000/internal/engine"
	"github.com/clubhousegolfcanada/ClubOSV2-sub000/internal/feedback"
	"github.com/clubhousegolfcanada/ClubOSV2-sub000/internal/learner"
	"github.com/clubhousegolfcanada/ClubOSV2-sub000/internal/lifecycle"
	"github.com/clubhousegolfcanada/ClubOSV2-sub000/internal/logging"
	"github.com/clubhousegolfcanada/ClubOSV2-sub000/internal/pattern"
	"github.com/clubhousegolfcanada/ClubOSV2-sub000/internal/telemetry"
)

// fakeEngine returns err for every call when set, otherwise canned values.
type fakeEngine struct {
	err error

	lastEvent  engine.InboundEvent
	lastFilter pattern.SuggestionFilter
	lastAction string
	lastActive *bool
	lastAuto   *bool
	lastCtxRID string
	lastAll    bool
}

func (f *fakeEngine) ProcessInboundMessage(ctx context.Context, ev engine.InboundEvent) (*engine.Result, error) {
	f.lastEvent = ev
	f.lastCtxRID = logging.RequestIDFromContext(ctx)
	if f.err != nil {
		return nil, f.err
	}
	if err := ev.Validate(); err != nil {
		return nil, err
	}
	return &engine.Result{Action: decision.ActionEscalate, Reason: "no match"}, nil
}

func (f *fakeEngine) RecordOperatorReply(_ context.Context, _ engine.OperatorReply) (*learner.Outcome, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &learner.Outcome{Kind: learner.KindCreated, PatternID: "p-1"}, nil
}

func (f *fakeEngine) GetPendingSuggestions(_ context.Context, filter pattern.SuggestionFilter) ([]*pattern.SuggestionEntry, error) {
	f.lastFilter = filter
	if f.err != nil {
		return nil, f.err
	}
	return []*pattern.SuggestionEntry{{ID: "s-1", PatternID: "p-1", Status: pattern.SuggestionPending}}, nil
}

func (f *fakeEngine) ResolveSuggestion(_ context.Context, id, action, finalText, _ string) (*feedback.Resolution, error) {
	f.lastAction = action
	if f.err != nil {
		return nil, f.err
	}
	return &feedback.Resolution{
		Suggestion: &pattern.SuggestionEntry{ID: id, Status: pattern.SuggestionAccepted, FinalText: finalText},
	}, nil
}

func (f *fakeEngine) AdminSetPatternActive(_ context.Context, id string, active bool) (*pattern.Pattern, error) {
	f.lastActive = &active
	if f.err != nil {
		return nil, f.err
	}
	return &pattern.Pattern{ID: id, IsActive: active}, nil
}

func (f *fakeEngine) AdminSetAutoExecutable(_ context.Context, id string, enabled bool) (*pattern.Pattern, error) {
	f.lastAuto = &enabled
	if f.err != nil {
		return nil, f.err
	}
	return &pattern.Pattern{ID: id, AutoExecutable: enabled}, nil
}

func (f *fakeEngine) AdminArchivePattern(_ context.Context, id string) (*pattern.Pattern, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &pattern.Pattern{ID: id, LifecycleState: pattern.StateArchived}, nil
}

func (f *fakeEngine) CreatePattern(_ context.Context, req engine.NewPattern) (*pattern.Pattern, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &pattern.Pattern{ID: "p-new", TriggerDescription: req.TriggerDescription}, nil
}

func (f *fakeEngine) GetPattern(_ context.Context, id string) (*pattern.Pattern, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &pattern.Pattern{ID: id}, nil
}

func (f *fakeEngine) ListPatterns(_ context.Context, includeInactive bool) ([]*pattern.Pattern, error) {
	f.lastAll = includeInactive
	if f.err != nil {
		return nil, f.err
	}
	return []*pattern.Pattern{{ID: "p-1"}, {ID: "p-2"}}, nil
}

func (f *fakeEngine) GetExecution(_ context.Context, id string) (*pattern.ExecutionRecord, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &pattern.ExecutionRecord{ID: id, ActionTaken: pattern.ActionEscalated}, nil
}

func (f *fakeEngine) PatternEvents(_ context.Context, id string) ([]pattern.ConfidenceEvent, error) {
	if f.err != nil {
		return nil, f.err
	}
	return nil, nil
}

type fakeSweeper struct {
	calls int
}

func (f *fakeSweeper) RunOnce(context.Context) (lifecycle.SweepResult, error) {
	f.calls++
	return lifecycle.SweepResult{Scanned: 2, Decayed: 1}, nil
}

func setupTestServer(t *testing.T, eng Engine, opts ...Option) *Server {
	t.Helper()
	s, err := NewServer(eng, zap.NewNop(), nil, opts...)
	require.NoError(t, err)
	return s
}

func do(t *testing.T, s *Server, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	return rec
}

func TestNewServer(t *testing.T) {
	t.Run("uses defaults when config is nil", func(t *testing.T) {
		s := setupTestServer(t, &fakeEngine{})
		assert.Equal(t, "127.0.0.1", s.config.Host)
		assert.Equal(t, 8420, s.config.Port)
	})

	t.Run("returns error when logger is nil", func(t *testing.T) {
		_, err := NewServer(&fakeEngine{}, nil, nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "logger is required")
	})

	t.Run("returns error when engine is nil", func(t *testing.T) {
		_, err := NewServer(nil, zap.NewNop(), nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "engine cannot be nil")
	})
}

func TestHandleHealth(t *testing.T) {
	t.Run("ok without checks", func(t *testing.T) {
		rec := do(t, setupTestServer(t, &fakeEngine{}), http.MethodGet, "/health", nil)
		assert.Equal(t, http.StatusOK, rec.Code)

		var resp HealthResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, "ok", resp.Status)
	})

	t.Run("503 when a dependency fails", func(t *testing.T) {
		s := setupTestServer(t, &fakeEngine{},
			WithHealthCheck("store", func(context.Context) error { return nil }),
			WithHealthCheck("nats", func(context.Context) error { return errors.New("disconnected") }),
		)
		rec := do(t, s, http.MethodGet, "/health", nil)
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

		var resp HealthResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, "degraded", resp.Status)
		assert.Equal(t, "ok", resp.Checks["store"])
		assert.Equal(t, "disconnected", resp.Checks["nats"])
	})
}

func TestHandleInbound(t *testing.T) {
	t.Run("returns the decision", func(t *testing.T) {
		eng := &fakeEngine{}
		rec := do(t, setupTestServer(t, eng), http.MethodPost, "/api/v1/messages", engine.InboundEvent{
			ConversationID: "c-1",
			MessageText:    "do you sell gift cards",
			Direction:      engine.DirectionInbound,
		})
		assert.Equal(t, http.StatusOK, rec.Code)

		var res engine.Result
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
		assert.Equal(t, decision.ActionEscalate, res.Action)
		assert.Equal(t, "c-1", eng.lastEvent.ConversationID)
		assert.NotEmpty(t, eng.lastCtxRID, "request id must reach the engine context")
		assert.Equal(t, rec.Header().Get(echo.HeaderXRequestID), eng.lastCtxRID)
	})

	t.Run("validation error carries the field", func(t *testing.T) {
		rec := do(t, setupTestServer(t, &fakeEngine{}), http.MethodPost, "/api/v1/messages", engine.InboundEvent{
			ConversationID: "c-1",
			MessageText:    "hello",
			Direction:      engine.DirectionOutbound,
		})
		assert.Equal(t, http.StatusBadRequest, rec.Code)

		var resp ErrorResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, "direction", resp.Field)
		assert.NotEmpty(t, resp.RequestID)
	})

	t.Run("malformed body", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/messages", strings.NewReader("{not json"))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
		rec := httptest.NewRecorder()
		setupTestServer(t, &fakeEngine{}).ServeHTTP(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("unsafe upstream request id is replaced", func(t *testing.T) {
		eng := &fakeEngine{}
		s := setupTestServer(t, eng)
		body, err := json.Marshal(engine.InboundEvent{ConversationID: "c-1", MessageText: "hi", Direction: engine.DirectionInbound})
		require.NoError(t, err)
		req := httptest.NewRequest(http.MethodPost, "/api/v1/messages", bytes.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
		req.Header.Set(echo.HeaderXRequestID, "bad id\nwith newline")
		rec := httptest.NewRecorder()
		s.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.NotContains(t, eng.lastCtxRID, "\n")
		assert.True(t, logging.ValidID(eng.lastCtxRID))
	})
}

func TestErrorStatusMapping(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		want    int
		wantMsg string
	}{
		{"validation", pattern.NewValidationError("action", "unknown"), http.StatusBadRequest, "action"},
		{"not found", pattern.NotFound("pattern", "p-9"), http.StatusNotFound, "p-9"},
		{"conflict", pattern.Conflict("suggestion s-1 already resolved"), http.StatusConflict, "already resolved"},
		{"dependency timeout", fmt.Errorf("embedding: %w", pattern.ErrDependencyTimeout), http.StatusServiceUnavailable, "dependency unavailable"},
		{"dependency unavailable", pattern.ErrDependencyUnavailable, http.StatusServiceUnavailable, "dependency unavailable"},
		{"internal", errors.New("disk on fire"), http.StatusInternalServerError, "internal error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, setupTestServer(t, &fakeEngine{err: tt.err}), http.MethodGet, "/api/v1/patterns/p-9", nil)
			assert.Equal(t, tt.want, rec.Code)

			var resp ErrorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.Contains(t, resp.Error, tt.wantMsg)
		})
	}
}

func TestInternalErrorsAreNotLeaked(t *testing.T) {
	rec := do(t, setupTestServer(t, &fakeEngine{err: errors.New("sqlite: database is locked")}),
		http.MethodGet, "/api/v1/patterns/p-1", nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "sqlite")
}

func TestDependencyErrorsAreNotLeaked(t *testing.T) {
	cause := fmt.Errorf("%w: reasoning provider: 401 invalid api key sk-test-123", pattern.ErrDependencyUnavailable)
	rec := do(t, setupTestServer(t, &fakeEngine{err: cause}), http.MethodGet, "/api/v1/patterns/p-1", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "dependency unavailable", resp.Error)
	assert.NotContains(t, rec.Body.String(), "sk-test-123")
	assert.NotContains(t, rec.Body.String(), "reasoning provider")
}

func TestHandleListSuggestions(t *testing.T) {
	t.Run("passes filters", func(t *testing.T) {
		eng := &fakeEngine{}
		rec := do(t, setupTestServer(t, eng), http.MethodGet, "/api/v1/suggestions?status=accepted&pattern_id=p-1&limit=10", nil)
		assert.Equal(t, http.StatusOK, rec.Code)

		var resp SuggestionsResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, 1, resp.Count)
		assert.Equal(t, pattern.SuggestionAccepted, eng.lastFilter.Status)
		assert.Equal(t, "p-1", eng.lastFilter.PatternID)
		assert.Equal(t, 10, eng.lastFilter.Limit)
	})

	t.Run("rejects bad parameters", func(t *testing.T) {
		s := setupTestServer(t, &fakeEngine{})
		for _, q := range []string{"status=bogus", "limit=0", "limit=abc", "limit=100000"} {
			rec := do(t, s, http.MethodGet, "/api/v1/suggestions?"+q, nil)
			assert.Equal(t, http.StatusBadRequest, rec.Code, q)
		}
	})
}

func TestHandleResolve(t *testing.T) {
	eng := &fakeEngine{}
	rec := do(t, setupTestServer(t, eng), http.MethodPost, "/api/v1/suggestions/s-1/resolve", ResolveRequest{
		Action:     "accept",
		ResolvedBy: "op-7",
	})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "accept", eng.lastAction)

	var res feedback.Resolution
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, "s-1", res.Suggestion.ID)
}

func TestAdminRoutes(t *testing.T) {
	t.Run("set active requires a value", func(t *testing.T) {
		rec := do(t, setupTestServer(t, &fakeEngine{}), http.MethodPut, "/api/v1/admin/patterns/p-1/active", map[string]interface{}{})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("set active false", func(t *testing.T) {
		eng := &fakeEngine{}
		off := false
		rec := do(t, setupTestServer(t, eng), http.MethodPut, "/api/v1/admin/patterns/p-1/active", ActiveRequest{Active: &off})
		assert.Equal(t, http.StatusOK, rec.Code)
		require.NotNil(t, eng.lastActive)
		assert.False(t, *eng.lastActive)
	})

	t.Run("auto-executable", func(t *testing.T) {
		eng := &fakeEngine{}
		on := true
		rec := do(t, setupTestServer(t, eng), http.MethodPut, "/api/v1/admin/patterns/p-1/auto-executable", AutoExecutableRequest{Enabled: &on})
		assert.Equal(t, http.StatusOK, rec.Code)
		require.NotNil(t, eng.lastAuto)
		assert.True(t, *eng.lastAuto)
	})

	t.Run("archive", func(t *testing.T) {
		rec := do(t, setupTestServer(t, &fakeEngine{}), http.MethodDelete, "/api/v1/admin/patterns/p-1", nil)
		assert.Equal(t, http.StatusOK, rec.Code)

		var p pattern.Pattern
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &p))
		assert.Equal(t, pattern.StateArchived, p.LifecycleState)
	})

	t.Run("sweep only with a sweeper", func(t *testing.T) {
		rec := do(t, setupTestServer(t, &fakeEngine{}), http.MethodPost, "/api/v1/admin/sweep", nil)
		assert.NotEqual(t, http.StatusOK, rec.Code)

		sw := &fakeSweeper{}
		rec = do(t, setupTestServer(t, &fakeEngine{}, WithSweeper(sw)), http.MethodPost, "/api/v1/admin/sweep", nil)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, 1, sw.calls)

		var res lifecycle.SweepResult
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
		assert.Equal(t, 2, res.Scanned)
	})
}

func TestPatternRoutes(t *testing.T) {
	s := setupTestServer(t, &fakeEngine{})

	rec := do(t, s, http.MethodPost, "/api/v1/patterns", engine.NewPattern{
		Type:               "faq",
		TriggerDescription: "hours",
		TriggerKeywords:    []string{"hours"},
		ResponseTemplate:   "We are open 9 to 5.",
	})
	assert.Equal(t, http.StatusCreated, rec.Code)

	rec = do(t, s, http.MethodGet, "/api/v1/patterns/p-new/events", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	var evs EventsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &evs))
	assert.Equal(t, "p-new", evs.PatternID)
	assert.NotNil(t, evs.Events)
}

func TestMetricsEndpoint(t *testing.T) {
	h := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("plsd_up 1\n"))
	})
	rec := do(t, setupTestServer(t, &fakeEngine{}, WithMetricsHandler(h)), http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "plsd_up")
}

func TestRequestMetrics(t *testing.T) {
	tt := telemetry.NewTestTelemetry()
	s := setupTestServer(t, &fakeEngine{err: pattern.NotFound("pattern", "p-1")}, WithMeter(tt.Meter("http-test")))

	for i := 0; i < 3; i++ {
		rec := do(t, s, http.MethodGet, "/api/v1/patterns/p-1", nil)
		require.Equal(t, http.StatusNotFound, rec.Code)
	}

	assert.Equal(t, int64(3), tt.CounterValue(t, "plsd.http.requests_total"))

	rm, err := tt.Collect(context.Background())
	require.NoError(t, err)
	var found bool
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name == "plsd.http.requests_total" {
				found = true
			}
		}
	}
	assert.True(t, found)
}

func TestListPatterns(t *testing.T) {
	t.Run("active only by default", func(t *testing.T) {
		eng := &fakeEngine{}
		rec := do(t, setupTestServer(t, eng), http.MethodGet, "/api/v1/patterns", nil)
		require.Equal(t, http.StatusOK, rec.Code)

		var resp PatternsResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, 2, resp.Count)
		assert.False(t, eng.lastAll)
	})

	t.Run("include inactive", func(t *testing.T) {
		eng := &fakeEngine{}
		rec := do(t, setupTestServer(t, eng), http.MethodGet, "/api/v1/patterns?include_inactive=true", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.True(t, eng.lastAll)
	})

	t.Run("bad flag", func(t *testing.T) {
		rec := do(t, setupTestServer(t, &fakeEngine{}), http.MethodGet, "/api/v1/patterns?include_inactive=maybe", nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestGetExecution(t *testing.T) {
	rec := do(t, setupTestServer(t, &fakeEngine{}), http.MethodGet, "/api/v1/executions/e-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"e-1"`)

	rec = do(t, setupTestServer(t, &fakeEngine{err: pattern.NotFound("execution", "e-2")}), http.MethodGet, "/api/v1/executions/e-2", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
