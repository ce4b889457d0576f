package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/launchforge/engine/internal/models"
	appErr "github.com/launchforge/engine/pkg/errors"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type SessionRepository interface {
	BaseRepository[models.GenerationSession]
	ListByUser(ctx context.Context, userID uuid.UUID) ([]models.GenerationSession, error)
	GetByProject(ctx context.Context, projectID uuid.UUID, dest *models.GenerationSession) error
	UpdateStage(ctx context.Context, sessionID uuid.UUID, stageStatus string) error
	MarkFailed(ctx context.Context, sessionID uuid.UUID, reason string) error
	SaveGenerationResults(ctx context.Context, sessionID uuid.UUID, projectContext, sharedState, producedFiles datatypes.JSON) error
	LinkProject(ctx context.Context, sessionID, projectID uuid.UUID) error
}

type sessionRepository struct {
	BaseRepository[models.GenerationSession]
	db *gorm.DB
}

func NewSessionRepository(db *gorm.DB) SessionRepository {
	return &sessionRepository{BaseRepository: NewBaseRepository[models.GenerationSession](db), db: db}
}

func (r *sessionRepository) ListByUser(ctx context.Context, userID uuid.UUID) ([]models.GenerationSession, error) {
	var out []models.GenerationSession
	if err := r.db.WithContext(ctx).Where("user_id = ?", userID).Order("created_at DESC").Find(&out).Error; err != nil {
		return nil, appErr.Wrap(err, appErr.CodeInternal, "list sessions by user failed")
	}
	return out, nil
}

func (r *sessionRepository) GetByProject(ctx context.Context, projectID uuid.UUID, dest *models.GenerationSession) error {
	err := r.db.WithContext(ctx).
		Where("project_id = ?", projectID).
		Order("created_at DESC").
		First(dest).Error
	return lookup(err, "get session by project", "no session linked to project")
}

func (r *sessionRepository) UpdateStage(ctx context.Context, sessionID uuid.UUID, stageStatus string) error {
	res := r.db.WithContext(ctx).Model(&models.GenerationSession{}).
		Where("id = ?", sessionID).
		Update("stage_status", stageStatus)
	return affected(res, "update session stage", "session not found")
}

func (r *sessionRepository) MarkFailed(ctx context.Context, sessionID uuid.UUID, reason string) error {
	res := r.db.WithContext(ctx).Model(&models.GenerationSession{}).
		Where("id = ?", sessionID).
		Updates(map[string]any{
			"stage_status": models.SessionFailed,
			"error":        reason,
			"updated_at":   time.Now().UTC(),
		})
	return affected(res, "mark session failed", "session not found")
}

func (r *sessionRepository) SaveGenerationResults(ctx context.Context, sessionID uuid.UUID, projectContext, sharedState, producedFiles datatypes.JSON) error {
	updates := map[string]any{"updated_at": time.Now().UTC()}
	if projectContext != nil {
		updates["project_context"] = projectContext
	}
	if sharedState != nil {
		updates["shared_agent_state"] = sharedState
	}
	if producedFiles != nil {
		updates["produced_files"] = producedFiles
	}
	res := r.db.WithContext(ctx).Model(&models.GenerationSession{}).Where("id = ?", sessionID).Updates(updates)
	return affected(res, "save generation results", "session not found")
}

func (r *sessionRepository) LinkProject(ctx context.Context, sessionID, projectID uuid.UUID) error {
	res := r.db.WithContext(ctx).Model(&models.GenerationSession{}).
		Where("id = ?", sessionID).
		Update("project_id", projectID)
	return affected(res, "link session project", "session not found")
}
