package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/aiops-hub/maestro/pkg/models"
)

// LogService is the store for execution event logs. It is the persistence
// half of the event bus: rows are appended under the per-execution sequence
// lock, so (execution_id, sequence) is gapless and unique.
type LogService struct {
	db *sql.DB
}

// NewLogService creates a new LogService.
func NewLogService(db *sql.DB) *LogService {
	return &LogService{db: db}
}

// AppendEvent persists one event row.
func (s *LogService) AppendEvent(ctx context.Context, log *models.ExecutionLog) error {
	var extraJSON any
	if len(log.ExtraData) > 0 {
		b, err := json.Marshal(log.ExtraData)
		if err != nil {
			return fmt.Errorf("failed to marshal extra data: %w", err)
		}
		extraJSON = b
	}

	err := s.db.QueryRowContext(ctx, `
		INSERT INTO execution_logs (execution_id, sequence, timestamp, event_type, node_id, agent_id, supervisor_id, message, extra_data)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), NULLIF($6, ''), NULLIF($7, ''), $8, $9)
		RETURNING id`,
		log.ExecutionID, log.Sequence, log.Timestamp, log.EventType,
		log.NodeID, log.AgentID, log.SupervisorID, log.Message, extraJSON).Scan(&log.ID)
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}

// EventsRange returns rows with after < sequence < before in sequence order.
// before <= 0 means unbounded.
func (s *LogService) EventsRange(ctx context.Context, executionID string, after, before int64) ([]*models.ExecutionLog, error) {
	query := logSelect + ` WHERE execution_id = $1 AND sequence > $2`
	args := []any{executionID, after}
	if before > 0 {
		args = append(args, before)
		query += fmt.Sprintf(" AND sequence < $%d", len(args))
	}
	query += " ORDER BY sequence ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()
	return collectLogs(rows)
}

// ListLogs lists an execution's events with filtering and pagination, in
// sequence order.
func (s *LogService) ListLogs(ctx context.Context, executionID string, filters models.LogFilters) (*models.LogListResponse, error) {
	conds := []string{"execution_id = $1"}
	args := []any{executionID}
	addCond := func(expr string, val any) {
		args = append(args, val)
		conds = append(conds, fmt.Sprintf(expr, len(args)))
	}
	if filters.EventType != "" {
		addCond("event_type = $%d", filters.EventType)
	}
	if filters.NodeID != "" {
		addCond("node_id = $%d", filters.NodeID)
	}
	if filters.SinceSequence > 0 {
		addCond("sequence > $%d", filters.SinceSequence)
	}
	where := "WHERE " + strings.Join(conds, " AND ")

	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM execution_logs "+where, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("failed to count events: %w", err)
	}

	limit, offset := models.ClampPage(filters.Limit, filters.Offset)
	query := fmt.Sprintf("%s %s ORDER BY sequence ASC LIMIT $%d OFFSET $%d",
		logSelect, where, len(args)+1, len(args)+2)
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	logs, err := collectLogs(rows)
	if err != nil {
		return nil, err
	}
	return &models.LogListResponse{
		Logs:       logs,
		TotalCount: total,
		Limit:      limit,
		Offset:     offset,
	}, nil
}

const logSelect = `
	SELECT id, execution_id, sequence, timestamp, event_type,
		COALESCE(node_id, ''), COALESCE(agent_id, ''), COALESCE(supervisor_id, ''),
		message, extra_data
	FROM execution_logs`

func collectLogs(rows *sql.Rows) ([]*models.ExecutionLog, error) {
	logs := []*models.ExecutionLog{}
	for rows.Next() {
		var (
			log       models.ExecutionLog
			extraJSON []byte
		)
		err := rows.Scan(&log.ID, &log.ExecutionID, &log.Sequence, &log.Timestamp,
			&log.EventType, &log.NodeID, &log.AgentID, &log.SupervisorID,
			&log.Message, &extraJSON)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		if len(extraJSON) > 0 {
			if err := json.Unmarshal(extraJSON, &log.ExtraData); err != nil {
				return nil, fmt.Errorf("failed to unmarshal extra data: %w", err)
			}
		}
		logs = append(logs, &log)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read events: %w", err)
	}
	return logs, nil
}
