package api

import (
	"net/http"
	"strconv"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/aiops-hub/maestro/pkg/models"
)

// triggerExecutionHandler handles POST /api/v1/teams/:id/executions.
// Admission, revalidation, and the timeout bounds are enforced by the
// execution manager; a full slot pool surfaces as 429.
func (s *Server) triggerExecutionHandler(c *echo.Context) error {
	teamID := c.Param("id")
	if teamID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "team id is required")
	}

	var req models.TriggerRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	exec, err := s.manager.Trigger(c.Request().Context(), teamID, &req)
	if err != nil {
		return mapServiceError(err)
	}

	return c.JSON(http.StatusCreated, s.masker.MaskExecution(exec))
}

// listExecutionsHandler handles GET /api/v1/teams/:id/executions.
func (s *Server) listExecutionsHandler(c *echo.Context) error {
	teamID := c.Param("id")
	if teamID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "team id is required")
	}
	if _, err := s.teams.GetTeam(c.Request().Context(), teamID); err != nil {
		return mapServiceError(err)
	}

	filters := models.ExecutionFilters{TeamID: teamID}

	if v := c.QueryParam("status"); v != "" {
		switch models.ExecutionStatus(v) {
		case models.ExecutionStatusPending, models.ExecutionStatusRunning, models.ExecutionStatusSuccess,
			models.ExecutionStatusFailed, models.ExecutionStatusTimeout, models.ExecutionStatusCancelled:
			filters.Status = v
		default:
			return echo.NewHTTPError(http.StatusBadRequest, "invalid status: "+v)
		}
	}
	if v := c.QueryParam("started_after"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid started_after: must be RFC3339")
		}
		filters.CreatedAfter = &t
	}
	if v := c.QueryParam("started_before"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid started_before: must be RFC3339")
		}
		filters.CreatedBefore = &t
	}
	filters.Limit, filters.Offset = parsePage(c)

	result, err := s.manager.List(c.Request().Context(), filters)
	if err != nil {
		return mapServiceError(err)
	}

	for i, exec := range result.Executions {
		result.Executions[i] = s.masker.MaskExecution(exec)
	}
	return c.JSON(http.StatusOK, result)
}

// getExecutionHandler handles GET /api/v1/executions/:id.
func (s *Server) getExecutionHandler(c *echo.Context) error {
	executionID := c.Param("id")
	if executionID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "execution id is required")
	}

	exec, err := s.manager.Get(c.Request().Context(), executionID)
	if err != nil {
		return mapServiceError(err)
	}

	return c.JSON(http.StatusOK, s.masker.MaskExecution(exec))
}

// cancelExecutionHandler handles POST /api/v1/executions/:id/cancel.
func (s *Server) cancelExecutionHandler(c *echo.Context) error {
	executionID := c.Param("id")
	if executionID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "execution id is required")
	}

	if err := s.manager.Cancel(c.Request().Context(), executionID); err != nil {
		return mapServiceError(err)
	}

	return c.NoContent(http.StatusNoContent)
}

// executionLogsHandler handles GET /api/v1/executions/:id/logs.
func (s *Server) executionLogsHandler(c *echo.Context) error {
	executionID := c.Param("id")
	if executionID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "execution id is required")
	}
	if _, err := s.manager.Get(c.Request().Context(), executionID); err != nil {
		return mapServiceError(err)
	}

	var filters models.LogFilters
	filters.EventType = c.QueryParam("event_type")
	filters.NodeID = c.QueryParam("node_id")
	if v := c.QueryParam("since_sequence"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid since_sequence: must be a non-negative integer")
		}
		filters.SinceSequence = n
	}
	filters.Limit, filters.Offset = parsePage(c)

	result, err := s.logs.ListLogs(c.Request().Context(), executionID, filters)
	if err != nil {
		return mapServiceError(err)
	}

	for i, log := range result.Logs {
		result.Logs[i] = s.masker.MaskLog(log)
	}
	return c.JSON(http.StatusOK, result)
}
