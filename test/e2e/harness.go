// Package e2e provides end-to-end test infrastructure for the maestro
// pipeline: real Postgres, real services, scripted LLM.
package e2e

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aiops-hub/maestro/pkg/agent"
	"github.com/aiops-hub/maestro/pkg/api"
	"github.com/aiops-hub/maestro/pkg/database"
	"github.com/aiops-hub/maestro/pkg/events"
	"github.com/aiops-hub/maestro/pkg/executor"
	"github.com/aiops-hub/maestro/pkg/masking"
	"github.com/aiops-hub/maestro/pkg/orchestrator"
	"github.com/aiops-hub/maestro/pkg/secrets"
	"github.com/aiops-hub/maestro/pkg/services"
	"github.com/aiops-hub/maestro/pkg/tools"
	testdb "github.com/aiops-hub/maestro/test/database"
)

// testEncryptionKey is a fixed AES-256 key for the credential cipher.
var testEncryptionKey = []byte("0123456789abcdef0123456789abcdef")

// TestApp boots a complete maestro instance for e2e testing.
type TestApp struct {
	// Core
	DBClient *database.Client

	// Mocks / test wiring
	LLM *ScriptedLLM

	// Real infrastructure
	Executions *services.ExecutionService
	Teams      *services.TeamService
	Logs       *services.LogService
	Catalog    *services.CatalogService
	Bus        *events.Bus
	Manager    *executor.Manager
	Server     *api.Server

	// Runtime
	BaseURL string // e.g. "http://127.0.0.1:54321"

	httpSrv *httptest.Server
	t       *testing.T
}

// testAppConfig holds options accumulated before creating the TestApp.
type testAppConfig struct {
	llm            *ScriptedLLM
	maxConcurrent  int
	defaultTimeout time.Duration
	heartbeat      time.Duration
	terminalGrace  time.Duration
}

// TestAppOption configures the test app.
type TestAppOption func(*testAppConfig)

// WithLLM sets a pre-scripted LLM client.
func WithLLM(client *ScriptedLLM) TestAppOption {
	return func(c *testAppConfig) { c.llm = client }
}

// WithMaxConcurrent sets the execution admission limit.
func WithMaxConcurrent(n int) TestAppOption {
	return func(c *testAppConfig) { c.maxConcurrent = n }
}

// WithDefaultTimeout sets the execution timeout applied when neither the
// team nor the trigger request carries one.
func WithDefaultTimeout(d time.Duration) TestAppOption {
	return func(c *testAppConfig) { c.defaultTimeout = d }
}

// WithHeartbeat sets the stream heartbeat interval. Tests that assert on
// heartbeat frames shrink it well below the default.
func WithHeartbeat(d time.Duration) TestAppOption {
	return func(c *testAppConfig) { c.heartbeat = d }
}

// WithTerminalGrace sets how long a finished execution's stream topic stays
// warm for late subscribers.
func WithTerminalGrace(d time.Duration) TestAppOption {
	return func(c *testAppConfig) { c.terminalGrace = d }
}

// NewTestApp creates and starts a full maestro test instance.
// Shutdown is registered via t.Cleanup automatically.
func NewTestApp(t *testing.T, opts ...TestAppOption) *TestApp {
	t.Helper()

	tc := &testAppConfig{
		maxConcurrent:  4,
		defaultTimeout: 30 * time.Second,
		heartbeat:      30 * time.Second,
		terminalGrace:  events.DefaultTerminalGrace,
	}
	for _, opt := range opts {
		opt(tc)
	}
	if tc.llm == nil {
		tc.llm = NewScriptedLLM()
	}

	// 1. Database — fresh schema, migrated.
	dbClient := testdb.NewTestClient(t)
	db := dbClient.DB()

	cipher, err := secrets.NewCipher(testEncryptionKey)
	require.NoError(t, err)

	// 2. Domain services.
	executionService := services.NewExecutionService(db)
	logService := services.NewLogService(db)
	catalogService := services.NewCatalogService(db, cipher)
	toolRegistry := tools.NewBuiltinRegistry()
	registry := services.NewValidationRegistry(catalogService, toolRegistry)
	teamService := services.NewTeamService(db, registry)

	// 3. Event bus — real, persisting through the log service.
	bus := events.NewBus(logService, tc.heartbeat, tc.terminalGrace)

	// 4. Execution pipeline with the scripted model in place of the
	// provider registry.
	stepRunner := agent.NewStepRunner(tc.llm, toolRegistry, bus)
	graphRunner := orchestrator.NewRunner(stepRunner, executionService, bus)
	manager := executor.NewManager(executionService, teamService, registry, graphRunner, bus, tc.maxConcurrent, tc.defaultTimeout)
	require.NoError(t, manager.Recover(context.Background()))

	// 5. HTTP server on a random port.
	server := api.NewServer(dbClient, teamService, logService, catalogService, manager, bus, toolRegistry, masking.NewService())
	httpSrv := httptest.NewServer(server.Handler())

	app := &TestApp{
		DBClient:   dbClient,
		LLM:        tc.llm,
		Executions: executionService,
		Teams:      teamService,
		Logs:       logService,
		Catalog:    catalogService,
		Bus:        bus,
		Manager:    manager,
		Server:     server,
		BaseURL:    httpSrv.URL,
		httpSrv:    httpSrv,
		t:          t,
	}

	// Register cleanup in reverse-creation order. The DB schema is dropped
	// by testdb.NewTestClient's own cleanup.
	t.Cleanup(func() {
		httpSrv.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		manager.Shutdown(shutdownCtx)
	})

	return app
}

// WSBaseURL returns the ws:// form of BaseURL for websocket dials.
func (app *TestApp) WSBaseURL() string {
	return "ws" + strings.TrimPrefix(app.BaseURL, "http")
}
