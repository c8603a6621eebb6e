package http

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/clubhousegolfcanada/ClubOSV2-sub000/internal/engine"
	"github.com/clubhousegolfcanada/ClubOSV2-sub000/internal/pattern"
)

const maxSuggestionLimit = 500

// ResolveRequest is the body for POST /api/v1/suggestions/:id/resolve.
type ResolveRequest struct {
	Action     string `json:"action"`
	FinalText  string `json:"final_text"`
	ResolvedBy string `json:"resolved_by"`
}

// ActiveRequest is the body for PUT /api/v1/admin/patterns/:id/active.
type ActiveRequest struct {
	Active *bool `json:"active"`
}

// AutoExecutableRequest is the body for PUT /api/v1/admin/patterns/:id/auto-executable.
type AutoExecutableRequest struct {
	Enabled *bool `json:"enabled"`
}

// SuggestionsResponse is the body for GET /api/v1/suggestions.
type SuggestionsResponse struct {
	Suggestions []*pattern.SuggestionEntry `json:"suggestions"`
	Count       int                        `json:"count"`
}

// PatternsResponse is the body for GET /api/v1/patterns.
type PatternsResponse struct {
	Patterns []*pattern.Pattern `json:"patterns"`
	Count    int                `json:"count"`
}

// EventsResponse is the body for GET /api/v1/patterns/:id/events.
type EventsResponse struct {
	PatternID string                    `json:"pattern_id"`
	Events    []pattern.ConfidenceEvent `json:"events"`
}

// HealthResponse is the body for GET /health.
type HealthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

func (s *Server) handleHealth(c echo.Context) error {
	resp := HealthResponse{Status: "ok"}
	code := http.StatusOK
	if len(s.checks) > 0 {
		resp.Checks = make(map[string]string, len(s.checks))
	}
	for name, check := range s.checks {
		if err := check(c.Request().Context()); err != nil {
			resp.Checks[name] = err.Error()
			resp.Status = "degraded"
			code = http.StatusServiceUnavailable
			continue
		}
		resp.Checks[name] = "ok"
	}
	return c.JSON(code, resp)
}

func bind(c echo.Context, v interface{}) error {
	if err := c.Bind(v); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	return nil
}

func (s *Server) handleInbound(c echo.Context) error {
	var ev engine.InboundEvent
	if err := bind(c, &ev); err != nil {
		return err
	}
	res, err := s.engine.ProcessInboundMessage(c.Request().Context(), ev)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, res)
}

func (s *Server) handleReply(c echo.Context) error {
	var reply engine.OperatorReply
	if err := bind(c, &reply); err != nil {
		return err
	}
	out, err := s.engine.RecordOperatorReply(c.Request().Context(), reply)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) handleListSuggestions(c echo.Context) error {
	filter := pattern.SuggestionFilter{
		Status:    pattern.SuggestionStatus(c.QueryParam("status")),
		PatternID: c.QueryParam("pattern_id"),
	}
	if filter.Status != "" && filter.Status != pattern.SuggestionPending && !filter.Status.Terminal() {
		return pattern.NewValidationError("status", "unknown status %q", filter.Status)
	}
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxSuggestionLimit {
			return pattern.NewValidationError("limit", "must be between 1 and %d", maxSuggestionLimit)
		}
		filter.Limit = n
	}

	entries, err := s.engine.GetPendingSuggestions(c.Request().Context(), filter)
	if err != nil {
		return err
	}
	if entries == nil {
		entries = []*pattern.SuggestionEntry{}
	}
	return c.JSON(http.StatusOK, SuggestionsResponse{Suggestions: entries, Count: len(entries)})
}

func (s *Server) handleResolve(c echo.Context) error {
	var req ResolveRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	res, err := s.engine.ResolveSuggestion(c.Request().Context(), c.Param("id"), req.Action, req.FinalText, req.ResolvedBy)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, res)
}

func (s *Server) handleCreatePattern(c echo.Context) error {
	var req engine.NewPattern
	if err := bind(c, &req); err != nil {
		return err
	}
	p, err := s.engine.CreatePattern(c.Request().Context(), req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, p)
}

func (s *Server) handleListPatterns(c echo.Context) error {
	includeInactive := false
	if raw := c.QueryParam("include_inactive"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return pattern.NewValidationError("include_inactive", "must be a boolean")
		}
		includeInactive = v
	}
	ps, err := s.engine.ListPatterns(c.Request().Context(), includeInactive)
	if err != nil {
		return err
	}
	if ps == nil {
		ps = []*pattern.Pattern{}
	}
	return c.JSON(http.StatusOK, PatternsResponse{Patterns: ps, Count: len(ps)})
}

func (s *Server) handleGetExecution(c echo.Context) error {
	rec, err := s.engine.GetExecution(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, rec)
}

func (s *Server) handleGetPattern(c echo.Context) error {
	p, err := s.engine.GetPattern(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, p)
}

func (s *Server) handlePatternEvents(c echo.Context) error {
	id := c.Param("id")
	evs, err := s.engine.PatternEvents(c.Request().Context(), id)
	if err != nil {
		return err
	}
	if evs == nil {
		evs = []pattern.ConfidenceEvent{}
	}
	return c.JSON(http.StatusOK, EventsResponse{PatternID: id, Events: evs})
}

func (s *Server) handleSetActive(c echo.Context) error {
	var req ActiveRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	if req.Active == nil {
		return pattern.NewValidationError("active", "is required")
	}
	p, err := s.engine.AdminSetPatternActive(c.Request().Context(), c.Param("id"), *req.Active)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, p)
}

func (s *Server) handleSetAutoExecutable(c echo.Context) error {
	var req AutoExecutableRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	if req.Enabled == nil {
		return pattern.NewValidationError("enabled", "is required")
	}
	p, err := s.engine.AdminSetAutoExecutable(c.Request().Context(), c.Param("id"), *req.Enabled)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, p)
}

func (s *Server) handleArchive(c echo.Context) error {
	p, err := s.engine.AdminArchivePattern(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, p)
}

func (s *Server) handleSweep(c echo.Context) error {
	res, err := s.sweeper.RunOnce(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, res)
}
