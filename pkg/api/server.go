// Package api is the HTTP surface: team and catalog CRUD, execution
// trigger/cancel, and the event stream over SSE and WebSocket. Handlers
// stay thin; domain rules live in the services and the executor, and every
// service error passes through one mapper. Payloads are redacted on the
// way out.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/aiops-hub/maestro/pkg/database"
	"github.com/aiops-hub/maestro/pkg/events"
	"github.com/aiops-hub/maestro/pkg/executor"
	"github.com/aiops-hub/maestro/pkg/masking"
	"github.com/aiops-hub/maestro/pkg/services"
	"github.com/aiops-hub/maestro/pkg/tools"
)

// Server wires the HTTP routes to their collaborators.
type Server struct {
	echo    *echo.Echo
	httpSrv *http.Server

	db      *database.Client
	teams   *services.TeamService
	logs    *services.LogService
	catalog *services.CatalogService
	manager *executor.Manager
	bus     *events.Bus
	tools   *tools.Registry
	masker  *masking.Service
}

// NewServer creates the API server with all routes registered.
func NewServer(
	db *database.Client,
	teams *services.TeamService,
	logs *services.LogService,
	catalog *services.CatalogService,
	manager *executor.Manager,
	bus *events.Bus,
	toolRegistry *tools.Registry,
	masker *masking.Service,
) *Server {
	s := &Server{
		db:      db,
		teams:   teams,
		logs:    logs,
		catalog: catalog,
		manager: manager,
		bus:     bus,
		tools:   toolRegistry,
		masker:  masker,
	}

	e := echo.New()
	e.Use(securityHeaders())
	e.Use(requestLogger())
	s.registerRoutes(e)
	s.echo = e
	return s
}

func (s *Server) registerRoutes(e *echo.Echo) {
	e.GET("/health", s.healthHandler)

	v1 := e.Group("/api/v1")

	v1.POST("/teams", s.createTeamHandler)
	v1.GET("/teams", s.listTeamsHandler)
	v1.GET("/teams/:id", s.getTeamHandler)
	v1.PATCH("/teams/:id", s.updateTeamHandler)
	v1.DELETE("/teams/:id", s.deleteTeamHandler)
	v1.POST("/teams/:id/validate", s.validateTopologyHandler)
	v1.POST("/teams/:id/executions", s.triggerExecutionHandler)
	v1.GET("/teams/:id/executions", s.listExecutionsHandler)

	v1.GET("/executions/:id", s.getExecutionHandler)
	v1.POST("/executions/:id/cancel", s.cancelExecutionHandler)
	v1.GET("/executions/:id/logs", s.executionLogsHandler)
	v1.GET("/executions/:id/stream", s.streamHandler)
	v1.GET("/executions/:id/ws", s.wsHandler)

	v1.POST("/providers", s.createProviderHandler)
	v1.GET("/providers", s.listProvidersHandler)
	v1.GET("/providers/:id", s.getProviderHandler)
	v1.PATCH("/providers/:id", s.updateProviderHandler)
	v1.DELETE("/providers/:id", s.deleteProviderHandler)
	v1.POST("/providers/:id/models", s.createModelHandler)
	v1.GET("/providers/:id/models", s.listModelsHandler)
	v1.PATCH("/models/:id", s.updateModelHandler)
	v1.POST("/providers/:id/credentials", s.createCredentialHandler)
	v1.GET("/providers/:id/credentials", s.listCredentialsHandler)
	v1.DELETE("/credentials/:id", s.deleteCredentialHandler)

	v1.GET("/tools", s.toolsHandler)
}

// Handler returns the root handler, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.echo }

// Start serves on addr and blocks until the listener fails or Shutdown is
// called. The server carries no write timeout; SSE and WebSocket streams
// stay open for the lifetime of an execution.
func (s *Server) Start(addr string) error {
	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           s.echo,
		ReadHeaderTimeout: 10 * time.Second,
	}
	err := s.httpSrv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops accepting connections and drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}
