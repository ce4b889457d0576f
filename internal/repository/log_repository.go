package repository

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/launchforge/engine/internal/models"
	appErr "github.com/launchforge/engine/pkg/errors"
	"gorm.io/gorm"
)

const agentLogInsertRetries = 3

// AgentLogRepository appends and reads the immutable per-session event log.
type AgentLogRepository interface {
	// Append inserts an event with the next gapless sequence number for the
	// session and returns that number.
	Append(ctx context.Context, entry *models.AgentLog) (int64, error)

	// ListSince returns entries with seq > after, in sequence order.
	ListSince(ctx context.Context, sessionID uuid.UUID, after int64) ([]models.AgentLog, error)
}

type agentLogRepository struct {
	db *gorm.DB
}

func NewAgentLogRepository(db *gorm.DB) AgentLogRepository {
	return &agentLogRepository{db: db}
}

func (r *agentLogRepository) Append(ctx context.Context, entry *models.AgentLog) (int64, error) {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	// Concurrent producers can race on MAX(seq)+1; the unique index on
	// (session_id, seq) rejects the loser, which retries with a fresh max.
	var lastErr error
	for attempt := 0; attempt < agentLogInsertRetries; attempt++ {
		res := r.db.WithContext(ctx).Exec(`
			INSERT INTO agent_logs (id, session_id, seq, agent, stage, content, timestamp)
			SELECT ?, ?, COALESCE(MAX(seq), 0) + 1, ?, ?, ?, ?
			FROM agent_logs WHERE session_id = ?`,
			entry.ID, entry.SessionID, entry.Agent, entry.Stage, entry.Content, entry.Timestamp, entry.SessionID)
		if res.Error == nil {
			var seq int64
			err := r.db.WithContext(ctx).Model(&models.AgentLog{}).
				Where("id = ?", entry.ID).
				Pluck("seq", &seq).Error
			if err != nil {
				return 0, appErr.Wrap(err, appErr.CodeInternal, "read appended seq failed")
			}
			entry.Seq = seq
			return seq, nil
		}
		lastErr = res.Error
		if !isUniqueViolation(res.Error) {
			break
		}
	}
	return 0, appErr.Wrap(lastErr, appErr.CodeInternal, "append agent log failed")
}

func (r *agentLogRepository) ListSince(ctx context.Context, sessionID uuid.UUID, after int64) ([]models.AgentLog, error) {
	var out []models.AgentLog
	err := r.db.WithContext(ctx).
		Where("session_id = ? AND seq > ?", sessionID, after).
		Order("seq ASC").
		Find(&out).Error
	if err != nil {
		return nil, appErr.Wrap(err, appErr.CodeInternal, "list agent logs failed")
	}
	return out, nil
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	// 23505 is the postgres unique_violation class.
	return strings.Contains(err.Error(), "23505") || strings.Contains(err.Error(), "duplicate key")
}

// WorkflowLogRepository upserts the coarse per-stage progress rows.
type WorkflowLogRepository interface {
	Upsert(ctx context.Context, sessionID uuid.UUID, stage, status string, duration time.Duration) error
	ListBySession(ctx context.Context, sessionID uuid.UUID) ([]models.WorkflowLog, error)
}

type workflowLogRepository struct {
	db *gorm.DB
}

func NewWorkflowLogRepository(db *gorm.DB) WorkflowLogRepository {
	return &workflowLogRepository{db: db}
}

func (r *workflowLogRepository) Upsert(ctx context.Context, sessionID uuid.UUID, stage, status string, duration time.Duration) error {
	now := time.Now().UTC()
	res := r.db.WithContext(ctx).Exec(`
		INSERT INTO workflow_logs (id, session_id, stage, status, duration_seconds, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (session_id, stage) DO UPDATE SET
			status = EXCLUDED.status,
			duration_seconds = EXCLUDED.duration_seconds,
			updated_at = EXCLUDED.updated_at`,
		uuid.New(), sessionID, stage, status, int(duration.Seconds()), now, now)
	if res.Error != nil {
		return appErr.Wrap(res.Error, appErr.CodeInternal, "upsert workflow log failed")
	}
	return nil
}

func (r *workflowLogRepository) ListBySession(ctx context.Context, sessionID uuid.UUID) ([]models.WorkflowLog, error) {
	var out []models.WorkflowLog
	err := r.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("created_at ASC").
		Find(&out).Error
	if err != nil {
		return nil, appErr.Wrap(err, appErr.CodeInternal, "list workflow logs failed")
	}
	return out, nil
}
