package models

import (
	"time"

	"github.com/google/uuid"
)

// Workflow stages tracked per session. Coarser than stage_status: one row
// per stage per session, upserted as the stage progresses.
const (
	StageAnalyze  = "analyze"
	StageGenerate = "generate"
	StageUpload   = "upload"
	StageComplete = "complete"
)

// Workflow stage statuses.
const (
	StageRunning = "running"
	StageSuccess = "success"
	StageError   = "error"
)

// WorkflowLog is the coarse per-stage progress record for a session.
type WorkflowLog struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey;default:gen_random_uuid()" json:"id"`
	SessionID uuid.UUID `gorm:"type:uuid;not null;index:idx_workflow_session_stage,unique;constraint:OnDelete:CASCADE" json:"session_id"`
	Stage     string    `gorm:"type:varchar(32);not null;index:idx_workflow_session_stage,unique" json:"stage"`
	Status    string    `gorm:"type:varchar(16);not null" json:"status"`

	DurationSeconds int `json:"duration_seconds"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// AgentLog is a fine-grained, append-only event produced during a session.
// Seq is gapless and strictly increasing per session; rows are immutable
// and removed only by cascade when the owning session is deleted.
type AgentLog struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey;default:gen_random_uuid()" json:"id"`
	SessionID uuid.UUID `gorm:"type:uuid;not null;index:idx_agent_session_seq,unique;constraint:OnDelete:CASCADE" json:"session_id"`
	Seq       int64     `gorm:"not null;index:idx_agent_session_seq,unique" json:"seq"`
	Agent     string    `gorm:"type:varchar(64);not null" json:"agent"`
	Stage     string    `gorm:"type:varchar(32);not null" json:"stage"`
	Content   string    `gorm:"type:text;not null" json:"content"`
	Timestamp time.Time `gorm:"not null" json:"timestamp"`
}
