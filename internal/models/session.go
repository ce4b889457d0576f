package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Session stage statuses. Stages only move forward; failed is reachable
// from any non-terminal stage.
const (
	SessionStarted    = "started"
	SessionAnalyzing  = "analyzing"
	SessionGenerating = "generating"
	SessionUploading  = "uploading"
	SessionPRCreated  = "pr_created"
	SessionCompleted  = "completed"
	SessionFailed     = "failed"
)

// GenerationSession is one end-to-end run of repository analysis and
// artifact generation. It is never deleted while active, only terminated.
type GenerationSession struct {
	ID            uuid.UUID `gorm:"type:uuid;primaryKey;default:gen_random_uuid()" json:"id"`
	UserID        uuid.UUID `gorm:"type:uuid;index;not null" json:"user_id" validate:"required"`
	RepositoryURL string    `gorm:"not null" json:"repository_url" validate:"required,url"`
	CloudProvider string    `gorm:"type:varchar(32);not null;default:'aws'" json:"cloud_provider" validate:"required,oneof=aws gcp"`
	StageStatus   string    `gorm:"type:varchar(32);index;not null;default:'started'" json:"stage_status"`

	// ProjectID links the session to the project created once its
	// artifacts are accepted.
	ProjectID *uuid.UUID `gorm:"type:uuid;index" json:"project_id,omitempty"`

	// ProjectContext accumulates analysis results across stages.
	ProjectContext datatypes.JSON `gorm:"type:jsonb" json:"project_context"`

	// SharedAgentState passes intermediate results between generation steps.
	SharedAgentState datatypes.JSON `gorm:"type:jsonb" json:"shared_agent_state"`

	// ProducedFiles is the ordered artifact set generated by the session.
	ProducedFiles datatypes.JSON `gorm:"type:jsonb" json:"produced_files"`

	Error string `gorm:"type:text" json:"error,omitempty"`

	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`
}

// ProducedFile is one generated artifact descriptor stored in ProducedFiles.
type ProducedFile struct {
	Path        string `json:"path"`
	Content     string `json:"content"`
	Description string `json:"description,omitempty"`
}

// SessionTerminal reports whether a stage status is terminal.
func SessionTerminal(status string) bool {
	return status == SessionCompleted || status == SessionFailed
}
