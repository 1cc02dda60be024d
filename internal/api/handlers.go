package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/rocdaq/readout/internal/errors"
	"github.com/rocdaq/readout/internal/lifecycle"
	"github.com/rocdaq/readout/internal/logger"
	"github.com/rocdaq/readout/internal/readout"
)

const (
	defaultRunsLimit = 50
	maxRunsLimit     = 1000
)

// ErrorResponse is the body of every error answer.
type ErrorResponse struct {
	Error         string `json:"error"`
	Message       string `json:"message"`
	Code          int    `json:"code"`
	Category      string `json:"category,omitempty"`
	CorrelationID string `json:"correlation_id"`
}

// RunResponse describes the current run and the last end report.
type RunResponse struct {
	lifecycle.RunInfo
	LastReport *lifecycle.EndReport `json:"last_report,omitempty"`
}

// ControlResult is the answer to a run-control command.
type ControlResult struct {
	Action    string               `json:"action"`
	State     string               `json:"state"`
	RunID     string               `json:"run_id,omitempty"`
	RunNumber uint64               `json:"run_number"`
	Timestamp time.Time            `json:"timestamp"`
	Report    *lifecycle.EndReport `json:"report,omitempty"`
}

func (s *Server) health(c echo.Context) error {
	uptime := time.Since(s.startTime)
	return c.JSON(http.StatusOK, map[string]any{
		"status":         "healthy",
		"state":          s.controller.Run().State,
		"uptime":         uptime.String(),
		"uptime_seconds": uptime.Seconds(),
		"timestamp":      time.Now().Format(time.RFC3339),
	})
}

func (s *Server) getRun(c echo.Context) error {
	return c.JSON(http.StatusOK, RunResponse{
		RunInfo:    s.controller.Run(),
		LastReport: s.controller.LastReport(),
	})
}

func (s *Server) listChannels(c echo.Context) error {
	diags := s.controller.Diagnostics()
	if diags == nil {
		diags = []readout.Diagnostics{}
	}
	return c.JSON(http.StatusOK, diags)
}

func (s *Server) getChannel(c echo.Context) error {
	name := c.Param("name")
	ch, ok := s.controller.Channel(name)
	if !ok {
		return s.errorResponse(c, errors.Newf("channel %q not found", name).
			Component(componentName).
			Category(errors.CategoryNotFound).
			Build(), "unknown channel")
	}
	return c.JSON(http.StatusOK, ch.Diagnostics())
}

func (s *Server) listActions(c echo.Context) error {
	names := make([]string, 0, len(lifecycle.Actions))
	for _, a := range lifecycle.Actions {
		names = append(names, string(a))
	}
	return c.JSON(http.StatusOK, map[string]any{"actions": names})
}

// control runs a command. It is detached from the request context so a
// client that disconnects cannot abort a transition half way.
func (s *Server) control(c echo.Context) error {
	action := lifecycle.Action(c.Param("action"))
	ctx := context.WithoutCancel(c.Request().Context())

	s.log.Info("run-control command received",
		logger.String("action", string(action)),
		logger.String("ip", c.RealIP()))

	report, err := s.controller.Do(ctx, action)
	if err != nil {
		return s.errorResponse(c, err, "run-control command failed")
	}

	run := s.controller.Run()
	return c.JSON(http.StatusOK, ControlResult{
		Action:    string(action),
		State:     run.State,
		RunID:     run.RunID,
		RunNumber: run.RunNumber,
		Timestamp: time.Now(),
		Report:    report,
	})
}

func (s *Server) listRuns(c echo.Context) error {
	limit := defaultRunsLimit
	if v := c.QueryParam("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return s.errorResponse(c, errors.Newf("invalid limit %q", v).
				Component(componentName).
				Category(errors.CategoryValidation).
				Build(), "limit must be a positive integer")
		}
		limit = min(n, maxRunsLimit)
	}

	runs, err := s.runs.List(c.Request().Context(), limit)
	if err != nil {
		return s.errorResponse(c, err, "failed to list runs")
	}
	return c.JSON(http.StatusOK, runs)
}

func (s *Server) getRunLog(c echo.Context) error {
	run, err := s.runs.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.errorResponse(c, err, "failed to get run")
	}
	return c.JSON(http.StatusOK, run)
}

// errorResponse writes err as an ErrorResponse with a status derived from
// its category.
func (s *Server) errorResponse(c echo.Context, err error, message string) error {
	code := statusFor(err)
	resp := ErrorResponse{
		Error:         err.Error(),
		Message:       message,
		Code:          code,
		CorrelationID: uuid.NewString()[:8],
	}
	var ee *errors.EnhancedError
	if errors.As(err, &ee) {
		resp.Category = ee.GetCategory()
	}

	fields := []logger.Field{
		logger.String("correlation_id", resp.CorrelationID),
		logger.String("path", c.Request().URL.Path),
		logger.Int("status", code),
		logger.Error(err),
	}
	if code >= http.StatusInternalServerError {
		s.log.Error(message, fields...)
	} else {
		s.log.Warn(message, fields...)
	}
	return c.JSON(code, resp)
}

// httpErrorHandler answers routing and middleware errors in the same shape
// as handler errors.
func (s *Server) httpErrorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	var he *echo.HTTPError
	if !errors.As(err, &he) {
		s.echo.DefaultHTTPErrorHandler(err, c)
		return
	}
	msg := http.StatusText(he.Code)
	if m, ok := he.Message.(string); ok {
		msg = m
	}
	_ = c.JSON(he.Code, ErrorResponse{
		Error:         msg,
		Message:       msg,
		Code:          he.Code,
		CorrelationID: uuid.NewString()[:8],
	})
}

func statusFor(err error) int {
	switch {
	case errors.IsCategory(err, errors.CategoryValidation):
		return http.StatusBadRequest
	case errors.IsCategory(err, errors.CategoryNotFound):
		return http.StatusNotFound
	case errors.IsCategory(err, errors.CategoryState):
		return http.StatusConflict
	case errors.IsCategory(err, errors.CategoryLimit),
		errors.IsCategory(err, errors.CategoryAllocation),
		errors.IsCategory(err, errors.CategorySystem):
		return http.StatusInsufficientStorage
	case errors.IsCategory(err, errors.CategoryCancellation),
		errors.IsCategory(err, errors.CategoryTimeout):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}
