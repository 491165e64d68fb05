package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aiops-hub/maestro/pkg/models"
)

// ExecutionService is the store for execution rows. Status transitions are
// conditional updates so concurrent writers can never resurrect a terminal
// execution.
type ExecutionService struct {
	db *sql.DB
}

// NewExecutionService creates a new ExecutionService.
func NewExecutionService(db *sql.DB) *ExecutionService {
	return &ExecutionService{db: db}
}

// CreateExecution inserts a new PENDING execution with its frozen topology
// snapshot.
func (s *ExecutionService) CreateExecution(ctx context.Context, exec *models.Execution) error {
	topoJSON, err := json.Marshal(exec.TopologySnapshot)
	if err != nil {
		return fmt.Errorf("failed to marshal topology snapshot: %w", err)
	}
	inputJSON, err := json.Marshal(exec.Input)
	if err != nil {
		return fmt.Errorf("failed to marshal input: %w", err)
	}
	nodeResultsJSON, err := json.Marshal(exec.NodeResults)
	if err != nil {
		return fmt.Errorf("failed to marshal node results: %w", err)
	}
	var schemaJSON any
	if len(exec.OutputSchema) > 0 {
		schemaJSON = []byte(exec.OutputSchema)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO executions (id, team_id, topology_snapshot, input, output_schema, node_results, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		exec.ID, exec.TeamID, topoJSON, inputJSON, schemaJSON, nodeResultsJSON, exec.Status, exec.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrAlreadyExists
		}
		if isForeignKeyViolation(err) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to create execution: %w", err)
	}
	return nil
}

// GetExecution retrieves an execution by ID.
func (s *ExecutionService) GetExecution(ctx context.Context, executionID string) (*models.Execution, error) {
	row := s.db.QueryRowContext(ctx, executionSelect+` WHERE id = $1`, executionID)
	return scanExecution(row)
}

// ListExecutions lists executions with filtering and pagination, newest
// first.
func (s *ExecutionService) ListExecutions(ctx context.Context, filters models.ExecutionFilters) (*models.ExecutionListResponse, error) {
	conds := []string{}
	args := []any{}
	addCond := func(expr string, val any) {
		args = append(args, val)
		conds = append(conds, fmt.Sprintf(expr, len(args)))
	}
	if filters.TeamID != "" {
		addCond("team_id = $%d", filters.TeamID)
	}
	if filters.Status != "" {
		addCond("status = $%d", filters.Status)
	}
	if filters.CreatedAfter != nil {
		addCond("created_at >= $%d", *filters.CreatedAfter)
	}
	if filters.CreatedBefore != nil {
		addCond("created_at < $%d", *filters.CreatedBefore)
	}
	where := ""
	if len(conds) > 0 {
		where = "WHERE " + strings.Join(conds, " AND ")
	}

	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM executions "+where, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("failed to count executions: %w", err)
	}

	limit, offset := models.ClampPage(filters.Limit, filters.Offset)
	query := fmt.Sprintf(`%s %s ORDER BY created_at DESC LIMIT $%d OFFSET $%d`,
		executionSelect, where, len(args)+1, len(args)+2)
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}
	defer rows.Close()

	executions := []*models.Execution{}
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		executions = append(executions, exec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}

	return &models.ExecutionListResponse{
		Executions: executions,
		TotalCount: total,
		Limit:      limit,
		Offset:     offset,
	}, nil
}

// MarkRunning transitions PENDING to RUNNING.
func (s *ExecutionService) MarkRunning(ctx context.Context, executionID string, startedAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE executions SET status = $2, started_at = $3
		WHERE id = $1 AND status = $4`,
		executionID, models.ExecutionStatusRunning, startedAt, models.ExecutionStatusPending)
	if err != nil {
		return fmt.Errorf("failed to mark execution running: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to mark execution running: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("execution %s is not pending", executionID)
	}
	return nil
}

// CompareAndSetStatus transitions from one status to another only if the
// row still holds the expected status. Returns whether the swap happened.
func (s *ExecutionService) CompareAndSetStatus(ctx context.Context, executionID string, from, to models.ExecutionStatus) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE executions SET status = $2 WHERE id = $1 AND status = $3`,
		executionID, to, from)
	if err != nil {
		return false, fmt.Errorf("failed to update execution status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to update execution status: %w", err)
	}
	return affected == 1, nil
}

// Finalization carries everything written when an execution reaches a
// terminal state.
type Finalization struct {
	Status       models.ExecutionStatus
	ErrorMessage string
	Output       *models.ExecutionOutput
	ParseError   string
	NodeResults  map[string]*models.NodeResult
	CompletedAt  time.Time
	DurationMS   int64
}

// FinalizeExecution writes the terminal record. The update is conditional on
// the current status being one of from; terminal states are absorbing, so a
// zero-row update means a terminal state was re-entered and that is a bug.
func (s *ExecutionService) FinalizeExecution(ctx context.Context, executionID string, from []models.ExecutionStatus, fin Finalization) error {
	if !fin.Status.IsTerminal() {
		panic(fmt.Sprintf("finalize with non-terminal status %q", fin.Status))
	}

	var outputJSON any
	if fin.Output != nil {
		b, err := json.Marshal(fin.Output)
		if err != nil {
			return fmt.Errorf("failed to marshal output: %w", err)
		}
		outputJSON = b
	}
	// A nil node-result map keeps whatever the progressive updates wrote;
	// that is all the information there is after a runner panic.
	var nodeResultsJSON any
	if fin.NodeResults != nil {
		b, err := json.Marshal(fin.NodeResults)
		if err != nil {
			return fmt.Errorf("failed to marshal node results: %w", err)
		}
		nodeResultsJSON = b
	}

	args := []any{executionID, fin.Status, fin.ErrorMessage, outputJSON,
		fin.ParseError, nodeResultsJSON, fin.CompletedAt, fin.DurationMS}
	placeholders := make([]string, len(from))
	for i, status := range from {
		args = append(args, status)
		placeholders[i] = fmt.Sprintf("$%d", len(args))
	}

	res, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		UPDATE executions
		SET status = $2, error_message = NULLIF($3, ''), output = $4,
			parse_error = NULLIF($5, ''), node_results = COALESCE($6, node_results),
			completed_at = $7, duration_ms = $8
		WHERE id = $1 AND status IN (%s)`, strings.Join(placeholders, ", ")),
		args...)
	if err != nil {
		return fmt.Errorf("failed to finalize execution: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to finalize execution: %w", err)
	}
	if affected == 0 {
		panic(fmt.Sprintf("execution %s: terminal state re-entered", executionID))
	}
	return nil
}

// UpdateNodeResult upserts a single node's result inside the node_results
// document, so observers polling the execution see per-node progress.
func (s *ExecutionService) UpdateNodeResult(ctx context.Context, executionID, nodeID string, result *models.NodeResult) error {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal node result: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE executions
		SET node_results = jsonb_set(node_results, ARRAY[$2::text], $3::jsonb, true)
		WHERE id = $1`,
		executionID, nodeID, resultJSON)
	if err != nil {
		return fmt.Errorf("failed to update node result: %w", err)
	}
	return nil
}

// RecoverStranded rewrites executions left PENDING or RUNNING by a previous
// process to FAILED. Called once at startup before the API opens.
func (s *ExecutionService) RecoverStranded(ctx context.Context) (int64, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE executions
		SET status = $1, error_message = $2, completed_at = $3
		WHERE status IN ($4, $5)`,
		models.ExecutionStatusFailed, "host restart", now,
		models.ExecutionStatusPending, models.ExecutionStatusRunning)
	if err != nil {
		return 0, fmt.Errorf("failed to recover stranded executions: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to recover stranded executions: %w", err)
	}
	return affected, nil
}

// DeleteExpired removes terminal executions created before the cutoff, logs
// first, in one transaction. In-flight executions are never eligible.
func (s *ExecutionService) DeleteExpired(ctx context.Context, cutoff time.Time) (executions, logs int64, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		DELETE FROM execution_logs
		WHERE execution_id IN (
			SELECT id FROM executions
			WHERE created_at < $1 AND status NOT IN ($2, $3)
		)`, cutoff, models.ExecutionStatusPending, models.ExecutionStatusRunning)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to delete expired logs: %w", err)
	}
	logs, err = res.RowsAffected()
	if err != nil {
		return 0, 0, fmt.Errorf("failed to delete expired logs: %w", err)
	}

	res, err = tx.ExecContext(ctx, `
		DELETE FROM executions
		WHERE created_at < $1 AND status NOT IN ($2, $3)`,
		cutoff, models.ExecutionStatusPending, models.ExecutionStatusRunning)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to delete expired executions: %w", err)
	}
	executions, err = res.RowsAffected()
	if err != nil {
		return 0, 0, fmt.Errorf("failed to delete expired executions: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, 0, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return executions, logs, nil
}

const executionSelect = `
	SELECT id, team_id, topology_snapshot, input, output, output_schema,
		parse_error, node_results, status, error_message,
		created_at, started_at, completed_at, duration_ms
	FROM executions`

func scanExecution(row rowScanner) (*models.Execution, error) {
	var (
		exec                 models.Execution
		topoJSON, inputJSON  []byte
		outputJSON           []byte
		schemaJSON           []byte
		nodeResultsJSON      []byte
		parseErr, errMsg     sql.NullString
		startedAt, completed sql.NullTime
		durationMS           sql.NullInt64
	)
	err := row.Scan(&exec.ID, &exec.TeamID, &topoJSON, &inputJSON, &outputJSON,
		&schemaJSON, &parseErr, &nodeResultsJSON, &exec.Status, &errMsg,
		&exec.CreatedAt, &startedAt, &completed, &durationMS)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan execution: %w", err)
	}

	if err := json.Unmarshal(topoJSON, &exec.TopologySnapshot); err != nil {
		return nil, fmt.Errorf("failed to unmarshal topology snapshot: %w", err)
	}
	if err := json.Unmarshal(inputJSON, &exec.Input); err != nil {
		return nil, fmt.Errorf("failed to unmarshal input: %w", err)
	}
	if len(outputJSON) > 0 {
		exec.Output = &models.ExecutionOutput{}
		if err := json.Unmarshal(outputJSON, exec.Output); err != nil {
			return nil, fmt.Errorf("failed to unmarshal output: %w", err)
		}
	}
	if len(schemaJSON) > 0 {
		exec.OutputSchema = json.RawMessage(schemaJSON)
	}
	if len(nodeResultsJSON) > 0 {
		if err := json.Unmarshal(nodeResultsJSON, &exec.NodeResults); err != nil {
			return nil, fmt.Errorf("failed to unmarshal node results: %w", err)
		}
	}
	exec.ParseError = parseErr.String
	exec.ErrorMessage = errMsg.String
	if startedAt.Valid {
		t := startedAt.Time
		exec.StartedAt = &t
	}
	if completed.Valid {
		t := completed.Time
		exec.CompletedAt = &t
	}
	if durationMS.Valid {
		d := durationMS.Int64
		exec.DurationMS = &d
	}
	return &exec, nil
}
