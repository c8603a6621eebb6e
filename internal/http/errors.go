package http

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/clubhousegolfcanada/ClubOSV2-sub000/internal/pattern"
)

// ErrorResponse is the body of every error reply.
type ErrorResponse struct {
	Error     string `json:"error"`
	Field     string `json:"field,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// statusFor maps the domain error taxonomy to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, pattern.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, pattern.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, pattern.ErrConflict):
		return http.StatusConflict
	case pattern.IsDependencyError(err):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (s *Server) errorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	resp := ErrorResponse{RequestID: c.Response().Header().Get(echo.HeaderXRequestID)}
	var status int

	var he *echo.HTTPError
	var ve *pattern.ValidationError
	switch {
	case errors.As(err, &he):
		status = he.Code
		if msg, ok := he.Message.(string); ok {
			resp.Error = msg
		} else {
			resp.Error = http.StatusText(he.Code)
		}
	case errors.As(err, &ve):
		status = http.StatusBadRequest
		resp.Error = ve.Error()
		resp.Field = ve.Field
	default:
		status = statusFor(err)
		resp.Error = err.Error()
	}

	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			zap.String("method", c.Request().Method),
			zap.String("route", c.Path()),
			zap.String("request_id", resp.RequestID),
			zap.Error(err))
		// Causes stay in the log: they can carry provider responses.
		switch status {
		case http.StatusInternalServerError:
			resp.Error = "internal error"
		case http.StatusServiceUnavailable:
			resp.Error = "dependency unavailable"
		}
	}

	if c.Request().Method == http.MethodHead {
		err = c.NoContent(status)
	} else {
		err = c.JSON(status, resp)
	}
	if err != nil {
		s.logger.Warn("writing error response", zap.Error(err))
	}
}
