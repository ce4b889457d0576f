package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/launchforge/engine/internal/models"
	"gorm.io/gorm"
)

type CredentialRepository interface {
	BaseRepository[models.CloudCredential]
	GetByUserProvider(ctx context.Context, userID uuid.UUID, provider string, dest *models.CloudCredential) error
	SaveToken(ctx context.Context, credentialID uuid.UUID, accessToken string, expiry time.Time) error
}

type credentialRepository struct {
	BaseRepository[models.CloudCredential]
	db *gorm.DB
}

func NewCredentialRepository(db *gorm.DB) CredentialRepository {
	return &credentialRepository{BaseRepository: NewBaseRepository[models.CloudCredential](db), db: db}
}

func (r *credentialRepository) GetByUserProvider(ctx context.Context, userID uuid.UUID, provider string, dest *models.CloudCredential) error {
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND provider = ?", userID, provider).
		First(dest).Error
	return lookup(err, "get credential", "no "+provider+" credentials for user")
}

func (r *credentialRepository) SaveToken(ctx context.Context, credentialID uuid.UUID, accessToken string, expiry time.Time) error {
	res := r.db.WithContext(ctx).Model(&models.CloudCredential{}).
		Where("id = ?", credentialID).
		Updates(map[string]any{
			"access_token": accessToken,
			"token_expiry": expiry,
			"updated_at":   time.Now().UTC(),
		})
	return affected(res, "save token", "credential not found")
}

type UserRepository interface {
	BaseRepository[models.User]
	GetByEmail(ctx context.Context, email string, dest *models.User) error
}

type userRepository struct {
	BaseRepository[models.User]
	db *gorm.DB
}

func NewUserRepository(db *gorm.DB) UserRepository {
	return &userRepository{BaseRepository: NewBaseRepository[models.User](db), db: db}
}

func (r *userRepository) GetByEmail(ctx context.Context, email string, dest *models.User) error {
	err := r.db.WithContext(ctx).Where("email = ?", email).First(dest).Error
	return lookup(err, "get user", "user not found")
}
