package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// Deployment operation types. Closed enumeration, validated at the boundary.
const (
	OpBuildImage = "build_image"
	OpPlan       = "plan"
	OpApply      = "apply"
	OpDestroy    = "destroy"
)

// Operation statuses.
const (
	OpRunning = "running"
	OpSuccess = "success"
	OpError   = "error"
)

// DeploymentOperation is the execution record for one operation type on one
// project. At most one row exists per (project, operation type): re-invoking
// an operation overwrites the previous run rather than appending history.
type DeploymentOperation struct {
	ID            uuid.UUID `gorm:"type:uuid;primaryKey;default:gen_random_uuid()" json:"id"`
	ProjectID     uuid.UUID `gorm:"type:uuid;not null;index:idx_ops_project_type,unique;constraint:OnDelete:CASCADE" json:"project_id"`
	OperationType string    `gorm:"type:varchar(32);not null;index:idx_ops_project_type,unique" json:"operation_type"`
	Status        string    `gorm:"type:varchar(16);index;not null" json:"status"`

	Logs     datatypes.JSON `gorm:"type:jsonb;not null;default:'[]'" json:"logs"`
	Metadata datatypes.JSON `gorm:"type:jsonb;not null;default:'{}'" json:"metadata"`

	DurationSeconds int        `json:"duration_seconds"`
	StartedAt       time.Time  `json:"started_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ValidOperationType reports whether t is a member of the closed enumeration.
func ValidOperationType(t string) bool {
	switch t {
	case OpBuildImage, OpPlan, OpApply, OpDestroy:
		return true
	}
	return false
}

// OperationTypes lists the closed enumeration in canonical order.
func OperationTypes() []string {
	return []string{OpBuildImage, OpPlan, OpApply, OpDestroy}
}
