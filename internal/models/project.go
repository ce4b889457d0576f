package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Project deployment statuses, advanced by deployment operations.
const (
	ProjectGenerated  = "generated"
	ProjectImageBuilt = "image_built"
	ProjectPlanned    = "plan_generated"
	ProjectDeployed   = "deployed"
	ProjectDestroyed  = "destroyed"
)

// Project is a named deployable unit created when a session's artifacts
// are accepted. Deleting a project cascades its deployment operations.
type Project struct {
	ID             uuid.UUID `gorm:"type:uuid;primaryKey;default:gen_random_uuid()" json:"id"`
	UserID         uuid.UUID `gorm:"type:uuid;not null;index:idx_projects_user_name,unique" json:"user_id" validate:"required"`
	Name           string    `gorm:"not null;index:idx_projects_user_name,unique" json:"name" validate:"required"`
	RepositoryURL  string    `gorm:"not null" json:"repository_url" validate:"required"`
	RepositoryName string    `gorm:"type:varchar(255)" json:"repository_name"`
	CloudProvider  string    `gorm:"type:varchar(32);index;not null" json:"cloud_provider" validate:"required,oneof=aws gcp"`

	DeploymentStatus string `gorm:"type:varchar(32);index;not null;default:'generated'" json:"deployment_status"`

	// Credentials are owned by the user and referenced here, never owned.
	AWSCredentialID *uuid.UUID `gorm:"type:uuid" json:"aws_credential_id,omitempty"`
	GCPCredentialID *uuid.UUID `gorm:"type:uuid" json:"gcp_credential_id,omitempty"`

	ApplicationURL string         `gorm:"type:text" json:"application_url,omitempty"`
	Outputs        datatypes.JSON `gorm:"type:jsonb" json:"outputs"`

	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`
}
