package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aiops-hub/maestro/pkg/models"
)

func TestAppendEvent(t *testing.T) {
	s := newTestServices(t)
	ctx := context.Background()
	team := createTeam(t, s, "append")
	exec := createExecution(t, s, team)

	log := &models.ExecutionLog{
		ExecutionID: exec.ID,
		Sequence:    1,
		Timestamp:   time.Now().UTC(),
		EventType:   "tool_call",
		NodeID:      "a1",
		AgentID:     "a1",
		Message:     "agent a1 called echo",
		ExtraData:   map[string]any{"tool": "echo", "duration_ms": float64(12)},
	}
	require.NoError(t, s.logs.AppendEvent(ctx, log))
	assert.Positive(t, log.ID)

	rows, err := s.logs.EventsRange(ctx, exec.ID, 0, 0)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	got := rows[0]
	assert.Equal(t, log.ID, got.ID)
	assert.Equal(t, int64(1), got.Sequence)
	assert.Equal(t, "tool_call", got.EventType)
	assert.Equal(t, "a1", got.NodeID)
	assert.Equal(t, "a1", got.AgentID)
	assert.Empty(t, got.SupervisorID)
	assert.Equal(t, "agent a1 called echo", got.Message)
	assert.Equal(t, log.ExtraData, got.ExtraData)
}

func TestAppendEventDuplicateSequence(t *testing.T) {
	s := newTestServices(t)
	ctx := context.Background()
	team := createTeam(t, s, "dup-seq")
	exec := createExecution(t, s, team)

	appendLog(t, s, exec.ID, 1, "execution_started")

	dup := &models.ExecutionLog{
		ExecutionID: exec.ID,
		Sequence:    1,
		Timestamp:   time.Now().UTC(),
		EventType:   "node_entered",
		Message:     "entering sup",
	}
	assert.ErrorContains(t, s.logs.AppendEvent(ctx, dup), "append event")
}

func TestAppendEventUnknownExecution(t *testing.T) {
	s := newTestServices(t)

	log := &models.ExecutionLog{
		ExecutionID: "00000000-0000-0000-0000-000000000000",
		Sequence:    1,
		Timestamp:   time.Now().UTC(),
		EventType:   "execution_started",
	}
	assert.Error(t, s.logs.AppendEvent(context.Background(), log))
}

func TestEventsRange(t *testing.T) {
	s := newTestServices(t)
	ctx := context.Background()
	team := createTeam(t, s, "ranges")
	exec := createExecution(t, s, team)
	for seq := int64(1); seq <= 5; seq++ {
		appendLog(t, s, exec.ID, seq, "node_entered")
	}

	tests := []struct {
		name          string
		after, before int64
		want          []int64
	}{
		{name: "all", after: 0, before: 0, want: []int64{1, 2, 3, 4, 5}},
		{name: "resume", after: 2, before: 0, want: []int64{3, 4, 5}},
		{name: "window", after: 1, before: 4, want: []int64{2, 3}},
		{name: "empty window", after: 4, before: 5, want: []int64{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rows, err := s.logs.EventsRange(ctx, exec.ID, tt.after, tt.before)
			require.NoError(t, err)
			seqs := make([]int64, len(rows))
			for i, row := range rows {
				seqs[i] = row.Sequence
			}
			assert.Equal(t, tt.want, seqs)
		})
	}
}

func TestListLogs(t *testing.T) {
	s := newTestServices(t)
	ctx := context.Background()
	team := createTeam(t, s, "list-logs")
	exec := createExecution(t, s, team)

	seed := []struct {
		seq       int64
		eventType string
		nodeID    string
	}{
		{1, "execution_started", ""},
		{2, "node_entered", "sup"},
		{3, "node_entered", "a1"},
		{4, "tool_call", "a1"},
		{5, "node_completed", "a1"},
		{6, "execution_completed", ""},
	}
	for _, row := range seed {
		log := &models.ExecutionLog{
			ExecutionID: exec.ID,
			Sequence:    row.seq,
			Timestamp:   time.Now().UTC(),
			EventType:   row.eventType,
			NodeID:      row.nodeID,
			Message:     row.eventType,
		}
		require.NoError(t, s.logs.AppendEvent(ctx, log))
	}

	t.Run("all in sequence order", func(t *testing.T) {
		resp, err := s.logs.ListLogs(ctx, exec.ID, models.LogFilters{})
		require.NoError(t, err)
		assert.Equal(t, 6, resp.TotalCount)
		require.Len(t, resp.Logs, 6)
		assert.Equal(t, int64(1), resp.Logs[0].Sequence)
		assert.Equal(t, int64(6), resp.Logs[5].Sequence)
		assert.Empty(t, resp.Logs[0].NodeID)
	})

	t.Run("event type filter", func(t *testing.T) {
		resp, err := s.logs.ListLogs(ctx, exec.ID, models.LogFilters{EventType: "node_entered"})
		require.NoError(t, err)
		assert.Equal(t, 2, resp.TotalCount)
		require.Len(t, resp.Logs, 2)
		assert.Equal(t, "sup", resp.Logs[0].NodeID)
		assert.Equal(t, "a1", resp.Logs[1].NodeID)
	})

	t.Run("node filter", func(t *testing.T) {
		resp, err := s.logs.ListLogs(ctx, exec.ID, models.LogFilters{NodeID: "a1"})
		require.NoError(t, err)
		assert.Equal(t, 3, resp.TotalCount)
	})

	t.Run("since sequence", func(t *testing.T) {
		resp, err := s.logs.ListLogs(ctx, exec.ID, models.LogFilters{SinceSequence: 4})
		require.NoError(t, err)
		assert.Equal(t, 2, resp.TotalCount)
		require.Len(t, resp.Logs, 2)
		assert.Equal(t, int64(5), resp.Logs[0].Sequence)
	})

	t.Run("combined filters", func(t *testing.T) {
		resp, err := s.logs.ListLogs(ctx, exec.ID, models.LogFilters{NodeID: "a1", SinceSequence: 3})
		require.NoError(t, err)
		assert.Equal(t, 2, resp.TotalCount)
	})

	t.Run("pagination", func(t *testing.T) {
		resp, err := s.logs.ListLogs(ctx, exec.ID, models.LogFilters{Limit: 2, Offset: 4})
		require.NoError(t, err)
		assert.Equal(t, 6, resp.TotalCount)
		require.Len(t, resp.Logs, 2)
		assert.Equal(t, int64(5), resp.Logs[0].Sequence)
		assert.Equal(t, 2, resp.Limit)
		assert.Equal(t, 4, resp.Offset)
	})

	t.Run("other execution isolated", func(t *testing.T) {
		other := createExecution(t, s, team)
		resp, err := s.logs.ListLogs(ctx, other.ID, models.LogFilters{})
		require.NoError(t, err)
		assert.Zero(t, resp.TotalCount)
		assert.Empty(t, resp.Logs)
	})
}
