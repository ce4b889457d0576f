package repository

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/launchforge/engine/internal/models"
	appErr "github.com/launchforge/engine/pkg/errors"
	"gorm.io/gorm"
)

// OperationRepository owns the one-row-per-(project, operation_type)
// execution records.
type OperationRepository interface {
	// BeginRun atomically flips the (project, type) row to running, clearing
	// prior logs and metadata. Returns CodeConflict when a run of the same
	// type is already in flight for the project. The check-and-set happens
	// in a single conditional upsert so two racing callers cannot both win.
	BeginRun(ctx context.Context, projectID uuid.UUID, operationType string) (*models.DeploymentOperation, error)

	// AppendLogLine appends one line to the running record, preserving
	// submission order.
	AppendLogLine(ctx context.Context, operationID uuid.UUID, line string) error

	// CompleteRun sets the terminal status, metadata, duration and
	// completion time in one update.
	CompleteRun(ctx context.Context, operationID uuid.UUID, status string, metadata map[string]any, duration time.Duration) error

	Get(ctx context.Context, projectID uuid.UUID, operationType string) (*models.DeploymentOperation, error)
	ListByProject(ctx context.Context, projectID uuid.UUID) ([]models.DeploymentOperation, error)
}

type operationRepository struct {
	db *gorm.DB
}

func NewOperationRepository(db *gorm.DB) OperationRepository {
	return &operationRepository{db: db}
}

func (r *operationRepository) BeginRun(ctx context.Context, projectID uuid.UUID, operationType string) (*models.DeploymentOperation, error) {
	if !models.ValidOperationType(operationType) {
		return nil, appErr.Newf(appErr.CodeInvalid, "unknown operation type %q", operationType)
	}

	id := uuid.New()
	now := time.Now().UTC()

	// Single conditional upsert: the WHERE guard on the conflict arm makes
	// the running check and the takeover one atomic statement.
	res := r.db.WithContext(ctx).Exec(`
		INSERT INTO deployment_operations
			(id, project_id, operation_type, status, logs, metadata, duration_seconds, started_at, completed_at, created_at, updated_at)
		VALUES (?, ?, ?, 'running', '[]'::jsonb, '{}'::jsonb, 0, ?, NULL, ?, ?)
		ON CONFLICT (project_id, operation_type) DO UPDATE SET
			status = 'running',
			logs = '[]'::jsonb,
			metadata = '{}'::jsonb,
			duration_seconds = 0,
			started_at = EXCLUDED.started_at,
			completed_at = NULL,
			updated_at = EXCLUDED.updated_at
		WHERE deployment_operations.status <> 'running'`,
		id, projectID, operationType, now, now, now)
	if res.Error != nil {
		return nil, appErr.Wrap(res.Error, appErr.CodeInternal, "begin operation failed")
	}
	if res.RowsAffected == 0 {
		return nil, appErr.Newf(appErr.CodeConflict, "operation %s already running for project", operationType)
	}

	op, err := r.Get(ctx, projectID, operationType)
	if err != nil {
		return nil, err
	}
	return op, nil
}

func (r *operationRepository) AppendLogLine(ctx context.Context, operationID uuid.UUID, line string) error {
	encoded, err := json.Marshal(line)
	if err != nil {
		return appErr.Wrap(err, appErr.CodeInternal, "encode log line failed")
	}
	res := r.db.WithContext(ctx).Exec(`
		UPDATE deployment_operations
		SET logs = logs || ?::jsonb, updated_at = ?
		WHERE id = ? AND status = 'running'`,
		string(encoded), time.Now().UTC(), operationID)
	return affected(res, "append operation log", "operation not running")
}

func (r *operationRepository) CompleteRun(ctx context.Context, operationID uuid.UUID, status string, metadata map[string]any, duration time.Duration) error {
	if status != models.OpSuccess && status != models.OpError {
		return appErr.Newf(appErr.CodeInvalid, "invalid terminal status %q", status)
	}
	if metadata == nil {
		metadata = map[string]any{}
	}
	mb, err := json.Marshal(metadata)
	if err != nil {
		return appErr.Wrap(err, appErr.CodeInternal, "encode metadata failed")
	}

	now := time.Now().UTC()
	res := r.db.WithContext(ctx).Model(&models.DeploymentOperation{}).
		Where("id = ?", operationID).
		Updates(map[string]any{
			"status":           status,
			"metadata":         string(mb),
			"duration_seconds": int(duration.Seconds()),
			"completed_at":     now,
			"updated_at":       now,
		})
	return affected(res, "complete operation", "operation not found")
}

func (r *operationRepository) Get(ctx context.Context, projectID uuid.UUID, operationType string) (*models.DeploymentOperation, error) {
	var op models.DeploymentOperation
	err := r.db.WithContext(ctx).
		Where("project_id = ? AND operation_type = ?", projectID, operationType).
		First(&op).Error
	if err != nil {
		return nil, lookup(err, "get operation", "operation not found")
	}
	return &op, nil
}

func (r *operationRepository) ListByProject(ctx context.Context, projectID uuid.UUID) ([]models.DeploymentOperation, error) {
	var out []models.DeploymentOperation
	if err := r.db.WithContext(ctx).Where("project_id = ?", projectID).Order("operation_type ASC").Find(&out).Error; err != nil {
		return nil, appErr.Wrap(err, appErr.CodeInternal, "list operations failed")
	}
	return out, nil
}
