package api

import (
	"context"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/aiops-hub/maestro/pkg/version"
)

const (
	healthStatusHealthy   = "healthy"
	healthStatusUnhealthy = "unhealthy"
)

// healthHandler handles GET /health.
// Returns a minimal, safe response suitable for unauthenticated access.
// Only the service's own components are checked; LLM providers are
// excluded so an upstream outage never makes the orchestrator restart us.
func (s *Server) healthHandler(c *echo.Context) error {
	reqCtx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	status := healthStatusHealthy
	dbHealth, err := s.db.Health(reqCtx)
	if err != nil {
		status = healthStatusUnhealthy
	}

	httpStatus := http.StatusOK
	if status == healthStatusUnhealthy {
		httpStatus = http.StatusServiceUnavailable
	}

	return c.JSON(httpStatus, &HealthResponse{
		Status:   status,
		Version:  version.GitCommit,
		Database: dbHealth,
		Executions: ExecutionStats{
			InFlight:         s.manager.InFlight(),
			ConcurrencyLimit: s.manager.ConcurrencyLimit(),
		},
	})
}

// toolsHandler handles GET /api/v1/tools. Definitions come back sorted by
// name, ready to paste into a node's tool list.
func (s *Server) toolsHandler(c *echo.Context) error {
	return c.JSON(http.StatusOK, &ToolsResponse{Tools: s.tools.Definitions()})
}
