package services

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/aiops-hub/maestro/pkg/models"
	"github.com/aiops-hub/maestro/pkg/secrets"
	"github.com/aiops-hub/maestro/pkg/tools"
	"github.com/aiops-hub/maestro/test/util"
)

// testServices bundles one schema's worth of services for a test.
type testServices struct {
	db      *sql.DB
	teams   *TeamService
	execs   *ExecutionService
	logs    *LogService
	catalog *CatalogService
}

// newTestServices migrates a fresh schema and wires the full service set.
// Team topology validation runs against the real catalog and the builtin
// tool registry, matching production wiring.
func newTestServices(t *testing.T) *testServices {
	t.Helper()

	db := util.SetupTestDatabase(t)

	cipher, err := secrets.NewCipher([]byte("0123456789abcdef0123456789abcdef"))
	require.NoError(t, err)

	catalog := NewCatalogService(db, cipher)
	registry := NewValidationRegistry(catalog, tools.NewBuiltinRegistry())
	return &testServices{
		db:      db,
		teams:   NewTeamService(db, registry),
		execs:   NewExecutionService(db),
		logs:    NewLogService(db),
		catalog: catalog,
	}
}

// seedProvider registers a provider with one enabled model and one active
// credential, returning the provider. Topologies referencing
// tag/claude-sonnet-4 validate against it.
func seedProvider(t *testing.T, catalog *CatalogService, tag string) *models.Provider {
	t.Helper()
	ctx := context.Background()

	provider, err := catalog.CreateProvider(ctx, models.CreateProviderRequest{
		Name: "Anthropic " + tag,
		Tag:  tag,
		Kind: models.ProviderKindAnthropic,
	})
	require.NoError(t, err)

	_, err = catalog.CreateModel(ctx, provider.ID, models.CreateModelRequest{
		ModelID:     "claude-sonnet-4",
		DisplayName: "Claude Sonnet 4",
	})
	require.NoError(t, err)

	_, err = catalog.CreateCredential(ctx, provider.ID, models.CreateCredentialRequest{
		Alias:  "primary",
		APIKey: "sk-ant-FAKEFAKEFAKEFAKE",
	})
	require.NoError(t, err)

	return provider
}

// simpleTopology builds a minimal valid graph: one global supervisor over
// one agent bound to providerTag/claude-sonnet-4.
func simpleTopology(providerTag string) models.TopologyConfig {
	return models.TopologyConfig{
		EntryPoint: "sup",
		Nodes: []models.Node{
			{
				ID:   "sup",
				Kind: models.KindGlobalSupervisor,
				AgentConfig: models.AgentConfig{
					Role: "coordinator",
				},
				CoordinationStrategy: models.StrategyParallel,
			},
			{
				ID:   "a1",
				Kind: models.KindAgent,
				AgentConfig: models.AgentConfig{
					Role:         "analyst",
					Instructions: "Investigate the task.",
					ModelRef:     models.ModelRef{Provider: providerTag, ModelID: "claude-sonnet-4"},
					Tools:        []string{"echo"},
				},
			},
		},
		Edges: []models.Edge{{Source: "sup", Target: "a1"}},
	}
}

// createTeam seeds a provider and creates a valid team on top of it.
func createTeam(t *testing.T, s *testServices, name string) *models.Team {
	t.Helper()
	seedProvider(t, s.catalog, "anthropic-"+name)

	team, err := s.teams.CreateTeam(context.Background(), models.CreateTeamRequest{
		Name:     name,
		Topology: simpleTopology("anthropic-" + name),
	})
	require.NoError(t, err)
	return team
}

// createExecution inserts a PENDING execution for the team.
func createExecution(t *testing.T, s *testServices, team *models.Team) *models.Execution {
	t.Helper()

	exec := &models.Execution{
		ID:               uuid.New().String(),
		TeamID:           team.ID,
		TopologySnapshot: team.Topology.Clone(),
		Input:            models.ExecutionInput{Task: "diagnose the outage"},
		NodeResults:      map[string]*models.NodeResult{},
		Status:           models.ExecutionStatusPending,
		CreatedAt:        time.Now().UTC(),
	}
	require.NoError(t, s.execs.CreateExecution(context.Background(), exec))
	return exec
}
