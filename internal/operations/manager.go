// Package operations owns the per-(project, operation type) execution
// records and their lifecycle. Its Begin check is the only mandatory
// mutual-exclusion boundary in the system: provisioning tools are not safe
// to run concurrently against the same project.
package operations

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/launchforge/engine/internal/logstream"
	"github.com/launchforge/engine/internal/models"
	"github.com/launchforge/engine/internal/repository"
	appErr "github.com/launchforge/engine/pkg/errors"
	"github.com/launchforge/engine/pkg/logger"
	"go.uber.org/zap"
)

// Handle identifies one in-flight operation run.
type Handle struct {
	OperationID   uuid.UUID
	ProjectID     uuid.UUID
	OperationType string

	scope     string
	startedAt time.Time
	completed atomic.Bool
}

// Scope returns the log scope for this run.
func (h *Handle) Scope() string { return h.scope }

// Manager sequences deployment operations per project.
type Manager struct {
	ops  repository.OperationRepository
	logs *logstream.Streamer
}

func NewManager(ops repository.OperationRepository, logs *logstream.Streamer) *Manager {
	return &Manager{ops: ops, logs: logs}
}

// Begin atomically claims the (project, type) slot. A concurrent run of the
// same type yields CodeConflict with no side effects; otherwise the record
// is reset to running with cleared logs and metadata.
func (m *Manager) Begin(ctx context.Context, projectID uuid.UUID, operationType string) (*Handle, error) {
	op, err := m.ops.BeginRun(ctx, projectID, operationType)
	if err != nil {
		return nil, err
	}
	logger.L().Info("operation started",
		zap.String("project_id", projectID.String()),
		zap.String("operation_type", operationType),
	)
	return &Handle{
		OperationID:   op.ID,
		ProjectID:     projectID,
		OperationType: operationType,
		scope:         logstream.OperationScope(projectID, operationType),
		startedAt:     time.Now().UTC(),
	}, nil
}

// Attach reconstructs the handle for a run begun in another process. The
// API claims the slot synchronously; the worker attaches to execute it.
func (m *Manager) Attach(ctx context.Context, projectID uuid.UUID, operationType string) (*Handle, error) {
	op, err := m.ops.Get(ctx, projectID, operationType)
	if err != nil {
		return nil, err
	}
	if op.Status != models.OpRunning {
		return nil, appErr.Newf(appErr.CodeInvalid, "operation %s is not running", operationType)
	}
	return &Handle{
		OperationID:   op.ID,
		ProjectID:     projectID,
		OperationType: operationType,
		scope:         logstream.OperationScope(projectID, operationType),
		startedAt:     op.StartedAt,
	}, nil
}

// AppendLog records one output line on the running operation and forwards it
// to the notification channel. Submission order is preserved: the durable
// append assigns the line's position before fan-out.
func (m *Manager) AppendLog(ctx context.Context, h *Handle, line string) error {
	if h == nil {
		return appErr.New(appErr.CodeInvalid, "nil operation handle")
	}
	_, err := m.logs.Append(ctx, logstream.Entry{
		Scope:     h.scope,
		Content:   line,
		Timestamp: time.Now().UTC(),
	})
	return err
}

// Complete resolves the run to exactly one terminal status. A second call
// on the same handle is rejected rather than silently overwriting the first
// outcome.
func (m *Manager) Complete(ctx context.Context, h *Handle, status string, metadata map[string]any, duration time.Duration) error {
	if h == nil {
		return appErr.New(appErr.CodeInvalid, "nil operation handle")
	}
	if !h.completed.CompareAndSwap(false, true) {
		return appErr.New(appErr.CodeConflict, "operation already completed")
	}
	if duration <= 0 {
		duration = time.Since(h.startedAt)
	}
	if err := m.ops.CompleteRun(ctx, h.OperationID, status, metadata, duration); err != nil {
		// The record is still running until the write lands; release the
		// flag so the caller can retry completion instead of wedging the
		// (project, type) slot forever.
		h.completed.Store(false)
		return err
	}
	logger.L().Info("operation completed",
		zap.String("project_id", h.ProjectID.String()),
		zap.String("operation_type", h.OperationType),
		zap.String("status", status),
		zap.Duration("duration", duration),
	)
	return nil
}

// Get returns the current record for (project, type).
func (m *Manager) Get(ctx context.Context, projectID uuid.UUID, operationType string) (*models.DeploymentOperation, error) {
	if !models.ValidOperationType(operationType) {
		return nil, appErr.Newf(appErr.CodeInvalid, "unknown operation type %q", operationType)
	}
	return m.ops.Get(ctx, projectID, operationType)
}

// List returns all operation records for a project.
func (m *Manager) List(ctx context.Context, projectID uuid.UUID) ([]models.DeploymentOperation, error) {
	return m.ops.ListByProject(ctx, projectID)
}
