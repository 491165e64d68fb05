// Package executor owns the execution lifecycle: admission against the
// global concurrency limit, the pending-running-terminal state machine,
// the per-execution watchdog timeout, and crash-safe finalization.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aiops-hub/maestro/pkg/agent"
	"github.com/aiops-hub/maestro/pkg/events"
	"github.com/aiops-hub/maestro/pkg/models"
	"github.com/aiops-hub/maestro/pkg/orchestrator"
	"github.com/aiops-hub/maestro/pkg/services"
	"github.com/aiops-hub/maestro/pkg/topology"
)

// Runner drives one execution's graph to completion. Implemented by
// orchestrator.Runner.
type Runner interface {
	Run(ctx context.Context, exec *models.Execution, team *models.Team) *orchestrator.Outcome
}

// Store is the execution persistence the manager drives.
type Store interface {
	CreateExecution(ctx context.Context, exec *models.Execution) error
	GetExecution(ctx context.Context, executionID string) (*models.Execution, error)
	ListExecutions(ctx context.Context, filters models.ExecutionFilters) (*models.ExecutionListResponse, error)
	MarkRunning(ctx context.Context, executionID string, startedAt time.Time) error
	CompareAndSetStatus(ctx context.Context, executionID string, from, to models.ExecutionStatus) (bool, error)
	FinalizeExecution(ctx context.Context, executionID string, from []models.ExecutionStatus, fin services.Finalization) error
	RecoverStranded(ctx context.Context) (int64, error)
}

// TeamSource resolves teams at trigger time.
type TeamSource interface {
	GetTeam(ctx context.Context, teamID string) (*models.Team, error)
}

// Manager is the execution lifecycle manager.
type Manager struct {
	store    Store
	teams    TeamSource
	registry topology.Registry
	runner   Runner
	bus      *events.Bus
	sem      *Semaphore

	defaultTimeout time.Duration

	mu      sync.Mutex
	running map[string]*handle
	closed  bool
	wg      sync.WaitGroup
}

// handle is the manager's grip on one running execution.
type handle struct {
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	cancelled bool
}

func (h *handle) markCancelled() {
	h.mu.Lock()
	h.cancelled = true
	h.mu.Unlock()
}

func (h *handle) isCancelled() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cancelled
}

func NewManager(store Store, teams TeamSource, registry topology.Registry, runner Runner, bus *events.Bus, maxConcurrent int, defaultTimeout time.Duration) *Manager {
	if defaultTimeout <= 0 {
		defaultTimeout = time.Duration(models.TimeoutSecondsDefault) * time.Second
	}
	return &Manager{
		store:          store,
		teams:          teams,
		registry:       registry,
		runner:         runner,
		bus:            bus,
		sem:            NewSemaphore(maxConcurrent),
		defaultTimeout: defaultTimeout,
		running:        make(map[string]*handle),
	}
}

// Recover rewrites executions stranded by a previous process to failed.
// Must run before the API starts accepting triggers.
func (m *Manager) Recover(ctx context.Context) error {
	n, err := m.store.RecoverStranded(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		slog.Warn("Recovered stranded executions from previous run", "count", n)
	}
	return nil
}

// Trigger admits and starts one execution: team must be active, its
// topology must still validate, and a concurrency slot must be free. The
// execution is persisted pending, its start event published, and the run
// handed to a goroutine under the watchdog timeout.
func (m *Manager) Trigger(ctx context.Context, teamID string, req *models.TriggerRequest) (*models.Execution, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: server is shutting down", services.ErrConflict)
	}
	m.mu.Unlock()

	team, err := m.teams.GetTeam(ctx, teamID)
	if err != nil {
		return nil, err
	}
	if team.Status != models.TeamActive {
		return nil, fmt.Errorf("%w: team %s is not active (status %s)", services.ErrConflict, teamID, team.Status)
	}
	if req.Task == "" {
		return nil, services.NewValidationError("task", "required")
	}
	timeout, err := effectiveTimeout(team, req)
	if err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = m.defaultTimeout
	}

	// The topology was valid at save time; models and tools may have been
	// removed from the catalog since.
	if err := topology.Validate(ctx, &team.Topology, m.registry); err != nil {
		return nil, err
	}
	outputSchema := req.OutputSchema
	if outputSchema == nil {
		outputSchema = team.Topology.OutputSchema
	}
	if outputSchema != nil {
		if _, err := agent.CompileSchema(outputSchema); err != nil {
			return nil, services.NewValidationError("output_schema", err.Error())
		}
	}

	if !m.sem.TryAcquire() {
		return nil, services.ErrConcurrencyLimit
	}

	exec := &models.Execution{
		ID:               uuid.New().String(),
		TeamID:           team.ID,
		TopologySnapshot: team.Topology.Clone(),
		Input:            models.ExecutionInput{Task: req.Task, Parameters: req.Parameters},
		OutputSchema:     outputSchema,
		NodeResults:      map[string]*models.NodeResult{},
		Status:           models.ExecutionStatusPending,
		CreatedAt:        time.Now().UTC(),
	}
	if err := m.store.CreateExecution(ctx, exec); err != nil {
		m.sem.Release()
		return nil, err
	}

	if err := m.bus.PublishExecutionStarted(ctx, exec.ID, team.ID, req.Task); err != nil {
		m.abortAdmitted(ctx, exec, fmt.Sprintf("event publication failed: %v", err))
		return nil, fmt.Errorf("failed to publish start event: %w", err)
	}

	startedAt := time.Now().UTC()
	if err := m.store.MarkRunning(ctx, exec.ID, startedAt); err != nil {
		m.abortAdmitted(ctx, exec, fmt.Sprintf("failed to start: %v", err))
		return nil, err
	}
	exec.Status = models.ExecutionStatusRunning
	exec.StartedAt = &startedAt

	runCtx, cancel := context.WithTimeout(context.Background(), timeout)
	h := &handle{cancel: cancel, done: make(chan struct{})}
	m.mu.Lock()
	m.running[exec.ID] = h
	m.mu.Unlock()

	m.wg.Add(1)
	go m.runExecution(runCtx, exec, team, h, timeout)
	return exec, nil
}

// abortAdmitted fails an execution that never reached the runner and frees
// its slot.
func (m *Manager) abortAdmitted(ctx context.Context, exec *models.Execution, msg string) {
	m.sem.Release()
	now := time.Now().UTC()
	err := m.store.FinalizeExecution(context.WithoutCancel(ctx), exec.ID,
		[]models.ExecutionStatus{models.ExecutionStatusPending},
		services.Finalization{
			Status:       models.ExecutionStatusFailed,
			ErrorMessage: msg,
			CompletedAt:  now,
			DurationMS:   now.Sub(exec.CreatedAt).Milliseconds(),
		})
	if err != nil {
		slog.Error("Failed to abort execution", "execution_id", exec.ID, "error", err)
	}
}

// runExecution is the run goroutine: it shields the process from runner
// panics, decides the terminal status, and writes exactly one finalization
// and one terminal event.
func (m *Manager) runExecution(runCtx context.Context, exec *models.Execution, team *models.Team, h *handle, timeout time.Duration) {
	defer m.wg.Done()
	defer close(h.done)
	defer m.sem.Release()
	defer func() {
		m.mu.Lock()
		delete(m.running, exec.ID)
		m.mu.Unlock()
		h.cancel()
	}()

	var outcome *orchestrator.Outcome
	var panicErr error
	func() {
		defer func() {
			if r := recover(); r != nil {
				panicErr = fmt.Errorf("panic: %v", r)
				slog.Error("Execution runner panicked",
					"execution_id", exec.ID, "panic", r, "stack", string(debug.Stack()))
			}
		}()
		outcome = m.runner.Run(runCtx, exec, team)
	}()

	now := time.Now().UTC()
	fin := services.Finalization{
		CompletedAt: now,
		DurationMS:  now.Sub(*exec.StartedAt).Milliseconds(),
	}
	var terminalMsg string
	switch {
	case panicErr != nil:
		fin.Status = models.ExecutionStatusFailed
		fin.ErrorMessage = panicErr.Error()
		terminalMsg = panicErr.Error()
	case h.isCancelled():
		fin.Status = models.ExecutionStatusCancelled
		fin.ErrorMessage = "execution cancelled"
		terminalMsg = "execution cancelled"
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		fin.Status = models.ExecutionStatusTimeout
		fin.ErrorMessage = fmt.Sprintf("timeout after %ds", int(timeout.Seconds()))
		terminalMsg = fin.ErrorMessage
	default:
		fin.Status = outcome.Status
		fin.ErrorMessage = outcome.ErrorMessage
		fin.Output = outcome.Output
		fin.ParseError = outcome.ParseError
		terminalMsg = terminalMessage(outcome)
	}
	if outcome != nil {
		fin.NodeResults = outcome.NodeResults
	}

	// The run context is spent; finalization gets its own.
	finCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	from := []models.ExecutionStatus{models.ExecutionStatusRunning, models.ExecutionStatusCancelled}
	if err := m.store.FinalizeExecution(finCtx, exec.ID, from, fin); err != nil {
		slog.Error("Failed to finalize execution", "execution_id", exec.ID, "status", fin.Status, "error", err)
		return
	}
	if err := m.bus.PublishTerminal(finCtx, exec.ID, fin.Status, terminalMsg); err != nil {
		slog.Error("Failed to publish terminal event", "execution_id", exec.ID, "status", fin.Status, "error", err)
	}
	slog.Info("Execution finished",
		"execution_id", exec.ID, "team_id", exec.TeamID,
		"status", fin.Status, "duration_ms", fin.DurationMS)
}

func terminalMessage(outcome *orchestrator.Outcome) string {
	if outcome.Status == models.ExecutionStatusSuccess {
		return "execution completed"
	}
	return outcome.ErrorMessage
}

// Cancel flips a running execution to cancelled and interrupts its work.
// Only running executions are cancellable; anything else is a conflict.
func (m *Manager) Cancel(ctx context.Context, executionID string) error {
	swapped, err := m.store.CompareAndSetStatus(ctx, executionID,
		models.ExecutionStatusRunning, models.ExecutionStatusCancelled)
	if err != nil {
		return err
	}
	if !swapped {
		if _, err := m.store.GetExecution(ctx, executionID); err != nil {
			return err
		}
		return services.ErrNotCancellable
	}

	m.mu.Lock()
	h := m.running[executionID]
	m.mu.Unlock()
	if h == nil {
		// Status said running but no goroutine owns it; startup recovery
		// should have caught this. Finalize directly so the row does not
		// stay half-cancelled.
		slog.Warn("Cancelled execution had no live runner", "execution_id", executionID)
		now := time.Now().UTC()
		err := m.store.FinalizeExecution(ctx, executionID,
			[]models.ExecutionStatus{models.ExecutionStatusCancelled},
			services.Finalization{
				Status:       models.ExecutionStatusCancelled,
				ErrorMessage: "execution cancelled",
				CompletedAt:  now,
			})
		if err != nil {
			return err
		}
		return m.bus.PublishTerminal(ctx, executionID, models.ExecutionStatusCancelled, "execution cancelled")
	}

	h.markCancelled()
	h.cancel()
	return nil
}

// Get returns one execution.
func (m *Manager) Get(ctx context.Context, executionID string) (*models.Execution, error) {
	return m.store.GetExecution(ctx, executionID)
}

// List returns executions matching the filters.
func (m *Manager) List(ctx context.Context, filters models.ExecutionFilters) (*models.ExecutionListResponse, error) {
	return m.store.ListExecutions(ctx, filters)
}

// InFlight reports how many executions hold concurrency slots.
func (m *Manager) InFlight() int { return m.sem.InUse() }

// ConcurrencyLimit reports the admission capacity.
func (m *Manager) ConcurrencyLimit() int { return m.sem.Limit() }

// Shutdown stops admitting executions and waits for in-flight ones until
// ctx expires. Anything still running when the process exits is marked
// failed by the next start's recovery.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		slog.Warn("Shutdown deadline reached with executions in flight", "in_flight", m.InFlight())
	}
}

// effectiveTimeout resolves the watchdog duration: the request override if
// present, otherwise the team's, otherwise the server default.
func effectiveTimeout(team *models.Team, req *models.TriggerRequest) (time.Duration, error) {
	seconds := team.TimeoutSeconds
	if req.TimeoutSeconds != nil {
		seconds = *req.TimeoutSeconds
		if seconds < models.TimeoutSecondsMin || seconds > models.TimeoutSecondsMax {
			return 0, services.NewValidationError("timeout_seconds",
				fmt.Sprintf("must be between %d and %d", models.TimeoutSecondsMin, models.TimeoutSecondsMax))
		}
	}
	if seconds <= 0 {
		return 0, nil
	}
	return time.Duration(seconds) * time.Second, nil
}
