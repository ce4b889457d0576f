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

type ProjectRepository interface {
	BaseRepository[models.Project]
	ListByUser(ctx context.Context, userID uuid.UUID) ([]models.Project, error)
	UpdateDeploymentStatus(ctx context.Context, projectID uuid.UUID, status string) error
	SaveOutputs(ctx context.Context, projectID uuid.UUID, applicationURL string, outputs datatypes.JSON) error
	ClearOutputs(ctx context.Context, projectID uuid.UUID) error
}

type projectRepository struct {
	BaseRepository[models.Project]
	db *gorm.DB
}

func NewProjectRepository(db *gorm.DB) ProjectRepository {
	return &projectRepository{BaseRepository: NewBaseRepository[models.Project](db), db: db}
}

func (r *projectRepository) ListByUser(ctx context.Context, userID uuid.UUID) ([]models.Project, error) {
	var out []models.Project
	if err := r.db.WithContext(ctx).Where("user_id = ?", userID).Order("created_at DESC").Find(&out).Error; err != nil {
		return nil, appErr.Wrap(err, appErr.CodeInternal, "list projects by user failed")
	}
	return out, nil
}

func (r *projectRepository) UpdateDeploymentStatus(ctx context.Context, projectID uuid.UUID, status string) error {
	res := r.db.WithContext(ctx).Model(&models.Project{}).Where("id = ?", projectID).Update("deployment_status", status)
	return affected(res, "update project deployment status", "project not found")
}

func (r *projectRepository) SaveOutputs(ctx context.Context, projectID uuid.UUID, applicationURL string, outputs datatypes.JSON) error {
	res := r.db.WithContext(ctx).Model(&models.Project{}).Where("id = ?", projectID).Updates(map[string]any{
		"application_url": applicationURL,
		"outputs":         outputs,
		"updated_at":      time.Now().UTC(),
	})
	return affected(res, "save project outputs", "project not found")
}

// ClearOutputs wipes the application URL and provisioning outputs after the
// underlying infrastructure has been destroyed.
func (r *projectRepository) ClearOutputs(ctx context.Context, projectID uuid.UUID) error {
	res := r.db.WithContext(ctx).Model(&models.Project{}).Where("id = ?", projectID).Updates(map[string]any{
		"application_url": "",
		"outputs":         gorm.Expr("NULL"),
		"updated_at":      time.Now().UTC(),
	})
	return affected(res, "clear project outputs", "project not found")
}
