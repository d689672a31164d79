package httpapi

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/recalld/internal/memory"
	"github.com/fyrsmithlabs/recalld/internal/service"
)

// SearchRequest is the body for both search endpoints. ExactWeight
// applies to hybrid only; absent or negative selects the configured
// default.
type SearchRequest struct {
	Query       string        `json:"query"`
	Limit       int           `json:"limit,omitempty"`
	Filter      memory.Filter `json:"filter"`
	ExactWeight *float64      `json:"exact_weight,omitempty"`
}

// ErrorResponse is the body of every non-2xx answer.
type ErrorResponse struct {
	Error string `json:"error"`
}

// statusFor maps error kinds onto HTTP status codes. ErrEmbedInvalid
// is a permanent input error and maps with ErrInvalid.
func statusFor(err error) int {
	switch {
	case errors.Is(err, memory.ErrInvalid),
		errors.Is(err, memory.ErrEmbedInvalid):
		return http.StatusBadRequest
	case errors.Is(err, memory.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, memory.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, memory.ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, memory.ErrStoreUnavailable),
		errors.Is(err, memory.ErrSemanticUnavailable),
		errors.Is(err, memory.ErrEmbedUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(c echo.Context, err error) error {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			zap.String("uri", c.Request().RequestURI),
			zap.Int("status", status),
			zap.Error(err),
		)
	}
	return c.JSON(status, ErrorResponse{Error: err.Error()})
}

// handleStore persists one memory. A write gated below the importance
// threshold answers 200 with stored=false; a persisted row answers 201.
func (s *Server) handleStore(c echo.Context) error {
	var req service.StoreRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body"})
	}

	res, err := s.svc.Store(c.Request().Context(), req)
	if err != nil {
		return s.writeError(c, err)
	}
	status := http.StatusOK
	if res.Stored {
		status = http.StatusCreated
	}
	return c.JSON(status, res)
}

func (s *Server) handleRecall(c echo.Context) error {
	var req service.RecallRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body"})
	}

	rs, err := s.svc.Recall(c.Request().Context(), req)
	if err != nil {
		return s.writeError(c, err)
	}
	return c.JSON(http.StatusOK, rs)
}

func (s *Server) handleSearchExact(c echo.Context) error {
	var req SearchRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body"})
	}

	rs, err := s.svc.SearchExact(c.Request().Context(), req.Query, req.Filter, req.Limit)
	if err != nil {
		return s.writeError(c, err)
	}
	return c.JSON(http.StatusOK, rs)
}

func (s *Server) handleSearchHybrid(c echo.Context) error {
	var req SearchRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body"})
	}

	weight := -1.0
	if req.ExactWeight != nil {
		weight = *req.ExactWeight
	}

	rs, err := s.svc.SearchHybrid(c.Request().Context(), req.Query, weight, req.Filter, req.Limit)
	if err != nil {
		return s.writeError(c, err)
	}
	return c.JSON(http.StatusOK, rs)
}

func (s *Server) handleStats(c echo.Context) error {
	stats, err := s.svc.Stats(c.Request().Context())
	if err != nil {
		return s.writeError(c, err)
	}
	return c.JSON(http.StatusOK, stats)
}

// handleHealth answers 200 when every dependency is reachable and 503
// otherwise; the body carries the per-dependency detail either way.
func (s *Server) handleHealth(c echo.Context) error {
	h := s.svc.Health(c.Request().Context())
	status := http.StatusOK
	if !h.OK() {
		status = http.StatusServiceUnavailable
	}
	return c.JSON(status, h)
}

func (s *Server) handleSweep(c echo.Context) error {
	report, err := s.svc.ForceMigrate(c.Request().Context())
	if err != nil {
		return s.writeError(c, err)
	}
	return c.JSON(http.StatusOK, report)
}
