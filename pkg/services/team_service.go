package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/aiops-hub/maestro/pkg/models"
	"github.com/aiops-hub/maestro/pkg/topology"
)

// TeamService manages team definitions. Every write that touches the
// topology goes through full validation first.
type TeamService struct {
	db       *sql.DB
	registry topology.Registry
}

// NewTeamService creates a new TeamService.
func NewTeamService(db *sql.DB, registry topology.Registry) *TeamService {
	return &TeamService{db: db, registry: registry}
}

// CreateTeam validates and stores a new team.
func (s *TeamService) CreateTeam(ctx context.Context, req models.CreateTeamRequest) (*models.Team, error) {
	if req.Name == "" {
		return nil, NewValidationError("name", "required")
	}
	if len(req.Name) > models.TeamNameMaxLen {
		return nil, NewValidationError("name", fmt.Sprintf("must be at most %d characters", models.TeamNameMaxLen))
	}

	timeout := models.TimeoutSecondsDefault
	if req.TimeoutSeconds != nil {
		timeout = *req.TimeoutSeconds
	}
	if timeout < models.TimeoutSecondsMin || timeout > models.TimeoutSecondsMax {
		return nil, NewValidationError("timeout_seconds",
			fmt.Sprintf("must be between %d and %d", models.TimeoutSecondsMin, models.TimeoutSecondsMax))
	}

	iterations := models.MaxIterationsDefault
	if req.MaxIterations != nil {
		iterations = *req.MaxIterations
	}
	if iterations < models.MaxIterationsMin || iterations > models.MaxIterationsMax {
		return nil, NewValidationError("max_iterations",
			fmt.Sprintf("must be between %d and %d", models.MaxIterationsMin, models.MaxIterationsMax))
	}

	if err := validateNodeFields(&req.Topology); err != nil {
		return nil, err
	}
	if err := topology.Validate(ctx, &req.Topology, s.registry); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	team := &models.Team{
		ID:             uuid.New().String(),
		Name:           req.Name,
		Description:    req.Description,
		Status:         models.TeamActive,
		TimeoutSeconds: timeout,
		MaxIterations:  iterations,
		Topology:       req.Topology,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	topoJSON, err := json.Marshal(team.Topology)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal topology: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO teams (id, name, description, status, timeout_seconds, max_iterations, topology, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		team.ID, team.Name, team.Description, team.Status, team.TimeoutSeconds,
		team.MaxIterations, topoJSON, team.CreatedAt, team.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrAlreadyExists
		}
		return nil, fmt.Errorf("failed to create team: %w", err)
	}

	return team, nil
}

// GetTeam retrieves a team by ID.
func (s *TeamService) GetTeam(ctx context.Context, teamID string) (*models.Team, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, description, status, timeout_seconds, max_iterations, topology, created_at, updated_at
		FROM teams WHERE id = $1`, teamID)
	return scanTeam(row)
}

// ListTeams lists teams with filtering and pagination, newest first.
func (s *TeamService) ListTeams(ctx context.Context, filters models.TeamFilters) (*models.TeamListResponse, error) {
	where := ""
	args := []any{}
	if filters.Status != "" {
		where = "WHERE status = $1"
		args = append(args, filters.Status)
	}

	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM teams "+where, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("failed to count teams: %w", err)
	}

	limit, offset := models.ClampPage(filters.Limit, filters.Offset)
	query := fmt.Sprintf(`
		SELECT id, name, description, status, timeout_seconds, max_iterations, topology, created_at, updated_at
		FROM teams %s
		ORDER BY created_at DESC
		LIMIT $%d OFFSET $%d`, where, len(args)+1, len(args)+2)
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list teams: %w", err)
	}
	defer rows.Close()

	teams := []*models.Team{}
	for rows.Next() {
		team, err := scanTeam(rows)
		if err != nil {
			return nil, err
		}
		teams = append(teams, team)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list teams: %w", err)
	}

	return &models.TeamListResponse{
		Teams:      teams,
		TotalCount: total,
		Limit:      limit,
		Offset:     offset,
	}, nil
}

// UpdateTeam applies a partial update. A patched topology is re-validated:
// when invalid, the team is saved with status ERROR and the validation error
// is returned so the caller still sees every issue.
func (s *TeamService) UpdateTeam(ctx context.Context, teamID string, req models.UpdateTeamRequest) (*models.Team, error) {
	if req.Name != nil {
		if *req.Name == "" {
			return nil, NewValidationError("name", "required")
		}
		if len(*req.Name) > models.TeamNameMaxLen {
			return nil, NewValidationError("name", fmt.Sprintf("must be at most %d characters", models.TeamNameMaxLen))
		}
	}
	if req.TimeoutSeconds != nil &&
		(*req.TimeoutSeconds < models.TimeoutSecondsMin || *req.TimeoutSeconds > models.TimeoutSecondsMax) {
		return nil, NewValidationError("timeout_seconds",
			fmt.Sprintf("must be between %d and %d", models.TimeoutSecondsMin, models.TimeoutSecondsMax))
	}
	if req.MaxIterations != nil &&
		(*req.MaxIterations < models.MaxIterationsMin || *req.MaxIterations > models.MaxIterationsMax) {
		return nil, NewValidationError("max_iterations",
			fmt.Sprintf("must be between %d and %d", models.MaxIterationsMin, models.MaxIterationsMax))
	}
	if req.Status != nil && *req.Status != models.TeamActive && *req.Status != models.TeamInactive {
		return nil, NewValidationError("status", "must be active or inactive")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `
		SELECT id, name, description, status, timeout_seconds, max_iterations, topology, created_at, updated_at
		FROM teams WHERE id = $1 FOR UPDATE`, teamID)
	team, err := scanTeam(row)
	if err != nil {
		return nil, err
	}

	if req.Name != nil {
		team.Name = *req.Name
	}
	if req.Description != nil {
		team.Description = *req.Description
	}
	if req.TimeoutSeconds != nil {
		team.TimeoutSeconds = *req.TimeoutSeconds
	}
	if req.MaxIterations != nil {
		team.MaxIterations = *req.MaxIterations
	}
	if req.Status != nil {
		team.Status = *req.Status
	}

	var topoErr error
	if req.Topology != nil {
		if err := validateNodeFields(req.Topology); err != nil {
			return nil, err
		}
		team.Topology = *req.Topology
		topoErr = topology.Validate(ctx, req.Topology, s.registry)
		var vErr *topology.ValidationError
		switch {
		case topoErr == nil:
			// A valid topology clears an earlier validation failure.
			if team.Status == models.TeamError {
				team.Status = models.TeamActive
			}
		case errors.As(topoErr, &vErr):
			team.Status = models.TeamError
		default:
			return nil, topoErr
		}
	}

	team.UpdatedAt = time.Now().UTC()
	topoJSON, err := json.Marshal(team.Topology)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal topology: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE teams SET name = $2, description = $3, status = $4, timeout_seconds = $5,
			max_iterations = $6, topology = $7, updated_at = $8
		WHERE id = $1`,
		team.ID, team.Name, team.Description, team.Status, team.TimeoutSeconds,
		team.MaxIterations, topoJSON, team.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrAlreadyExists
		}
		return nil, fmt.Errorf("failed to update team: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	if topoErr != nil {
		return team, topoErr
	}
	return team, nil
}

// DeleteTeam removes a team. Teams with an execution still in flight cannot
// be deleted.
func (s *TeamService) DeleteTeam(ctx context.Context, teamID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback()

	var active int
	err = tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM executions
		WHERE team_id = $1 AND status IN ('pending', 'running')`, teamID).Scan(&active)
	if err != nil {
		return fmt.Errorf("failed to count active executions: %w", err)
	}
	if active > 0 {
		return fmt.Errorf("%w: team has %d execution(s) in flight", ErrConflict, active)
	}

	res, err := tx.ExecContext(ctx, `DELETE FROM teams WHERE id = $1`, teamID)
	if err != nil {
		return fmt.Errorf("failed to delete team: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to delete team: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// ValidateTopology runs a dry-run validation of a proposed topology and
// returns the collected result without persisting anything.
func (s *TeamService) ValidateTopology(ctx context.Context, topo *models.TopologyConfig) (*topology.ValidationResult, error) {
	if err := validateNodeFields(topo); err != nil {
		return nil, err
	}
	err := topology.Validate(ctx, topo, s.registry)
	var vErr *topology.ValidationError
	if err != nil && !errors.As(err, &vErr) {
		return nil, err
	}
	result := topology.Result(vErr)
	return &result, nil
}

// validateNodeFields checks the per-node field ranges that sit outside graph
// validation: strategy values and agent_config bounds.
func validateNodeFields(topo *models.TopologyConfig) error {
	for _, node := range topo.Nodes {
		field := fmt.Sprintf("topology.nodes[%s]", node.ID)
		switch node.Kind {
		case models.KindGlobalSupervisor, models.KindNodeSupervisor, models.KindAgent:
		default:
			return NewValidationError(field+".kind", fmt.Sprintf("unknown kind %q", node.Kind))
		}
		if node.CoordinationStrategy != "" {
			if !node.Kind.IsSupervisor() {
				return NewValidationError(field+".coordination_strategy", "only supervisor nodes take a strategy")
			}
			if !validStrategy(node.CoordinationStrategy) {
				return NewValidationError(field+".coordination_strategy",
					fmt.Sprintf("unknown strategy %q", node.CoordinationStrategy))
			}
		}
		cfg := node.AgentConfig
		if cfg.Temperature < 0 || cfg.Temperature > 2 {
			return NewValidationError(field+".agent_config.temperature", "must be between 0 and 2")
		}
		if cfg.MaxTokens < 0 {
			return NewValidationError(field+".agent_config.max_tokens", "must be non-negative")
		}
	}
	return nil
}

func validStrategy(s models.CoordinationStrategy) bool {
	for _, valid := range models.ValidStrategies {
		if s == valid {
			return true
		}
	}
	return false
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTeam(row rowScanner) (*models.Team, error) {
	var (
		team     models.Team
		topoJSON []byte
	)
	err := row.Scan(&team.ID, &team.Name, &team.Description, &team.Status,
		&team.TimeoutSeconds, &team.MaxIterations, &topoJSON,
		&team.CreatedAt, &team.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan team: %w", err)
	}
	if err := json.Unmarshal(topoJSON, &team.Topology); err != nil {
		return nil, fmt.Errorf("failed to unmarshal topology: %w", err)
	}
	return &team, nil
}
