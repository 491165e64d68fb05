package api

import (
	"github.com/aiops-hub/maestro/pkg/database"
	"github.com/aiops-hub/maestro/pkg/tools"
)

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status     string                 `json:"status"`
	Version    string                 `json:"version"`
	Database   *database.HealthStatus `json:"database"`
	Executions ExecutionStats         `json:"executions"`
}

// ExecutionStats reports admission pressure on the executor.
type ExecutionStats struct {
	InFlight         int `json:"in_flight"`
	ConcurrencyLimit int `json:"concurrency_limit"`
}

// ToolsResponse is returned by GET /api/v1/tools.
type ToolsResponse struct {
	Tools []tools.Definition `json:"tools"`
}
