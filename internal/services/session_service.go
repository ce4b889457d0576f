// Package services holds the API-facing semantics: ownership checks, input
// validation, task enqueueing. Handlers stay thin; workers call back in for
// the execution side.
package services

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/launchforge/engine/internal/models"
	"github.com/launchforge/engine/internal/repository"
	appErr "github.com/launchforge/engine/pkg/errors"
	"github.com/launchforge/engine/pkg/logger"
	"go.uber.org/zap"
)

// Task type names shared between the API (producer) and worker (consumer).
const (
	TaskSessionGenerate = "session:generate"
	TaskOperationRun    = "operation:run"
)

// SessionGeneratePayload is the session:generate task payload.
type SessionGeneratePayload struct {
	SessionID string `json:"session_id"`
}

type CreateSessionInput struct {
	RepositoryURL string `json:"repository_url" validate:"required,url"`
	CloudProvider string `json:"cloud_provider" validate:"required,oneof=aws gcp"`
}

type AcceptSessionInput struct {
	Name            string     `json:"name"`
	AWSCredentialID *uuid.UUID `json:"aws_credential_id,omitempty"`
	GCPCredentialID *uuid.UUID `json:"gcp_credential_id,omitempty"`
}

type SessionService interface {
	Create(ctx context.Context, userID uuid.UUID, input *CreateSessionInput) (*models.GenerationSession, error)
	Get(ctx context.Context, sessionID, userID uuid.UUID) (*models.GenerationSession, error)
	List(ctx context.Context, userID uuid.UUID) ([]models.GenerationSession, error)

	// Accept turns a completed session's artifacts into a deployable
	// project and links the session to it.
	Accept(ctx context.Context, sessionID, userID uuid.UUID, input *AcceptSessionInput) (*models.Project, error)
}

type sessionService struct {
	sessions    repository.SessionRepository
	projects    repository.ProjectRepository
	asynqClient *asynq.Client
}

func NewSessionService(sessions repository.SessionRepository, projects repository.ProjectRepository, client *asynq.Client) SessionService {
	return &sessionService{sessions: sessions, projects: projects, asynqClient: client}
}

var _ SessionService = (*sessionService)(nil)

func (s *sessionService) Create(ctx context.Context, userID uuid.UUID, input *CreateSessionInput) (*models.GenerationSession, error) {
	if input.CloudProvider != "aws" && input.CloudProvider != "gcp" {
		return nil, appErr.Newf(appErr.CodeInvalid, "unsupported cloud provider %q", input.CloudProvider)
	}

	sess := &models.GenerationSession{
		UserID:        userID,
		RepositoryURL: input.RepositoryURL,
		CloudProvider: input.CloudProvider,
		StageStatus:   models.SessionStarted,
	}
	if err := s.sessions.Create(ctx, sess); err != nil {
		return nil, err
	}

	pb, _ := json.Marshal(SessionGeneratePayload{SessionID: sess.ID.String()})
	task := asynq.NewTask(TaskSessionGenerate, pb)
	if s.asynqClient == nil {
		logger.L().Warn("asynq client not configured, skipping enqueue", zap.String("session_id", sess.ID.String()))
	} else if _, err := s.asynqClient.EnqueueContext(ctx, task); err != nil {
		_ = s.sessions.MarkFailed(ctx, sess.ID, "failed to enqueue generation task")
		return nil, appErr.Wrap(err, appErr.CodeInternal, "enqueue generation task failed")
	}

	logger.L().Info("session created",
		zap.String("session_id", sess.ID.String()),
		zap.String("user_id", userID.String()),
		zap.String("repository_url", input.RepositoryURL),
	)
	return sess, nil
}

func (s *sessionService) Get(ctx context.Context, sessionID, userID uuid.UUID) (*models.GenerationSession, error) {
	var sess models.GenerationSession
	if err := s.sessions.GetByID(ctx, sessionID, &sess); err != nil {
		return nil, err
	}
	if sess.UserID != userID {
		return nil, appErr.New(appErr.CodeUnauthorized, "user does not own session")
	}
	return &sess, nil
}

func (s *sessionService) List(ctx context.Context, userID uuid.UUID) ([]models.GenerationSession, error) {
	return s.sessions.ListByUser(ctx, userID)
}

func (s *sessionService) Accept(ctx context.Context, sessionID, userID uuid.UUID, input *AcceptSessionInput) (*models.Project, error) {
	sess, err := s.Get(ctx, sessionID, userID)
	if err != nil {
		return nil, err
	}
	if sess.StageStatus != models.SessionCompleted {
		return nil, appErr.Newf(appErr.CodeInvalid, "session is %s, only completed sessions can be accepted", sess.StageStatus)
	}
	if len(sess.ProducedFiles) == 0 || string(sess.ProducedFiles) == "null" {
		return nil, appErr.New(appErr.CodeInvalid, "session has no produced artifacts")
	}
	if sess.ProjectID != nil {
		return nil, appErr.New(appErr.CodeConflict, "session artifacts already accepted")
	}

	name := input.Name
	if name == "" {
		name = repoName(sess.RepositoryURL)
	}

	project := &models.Project{
		UserID:           userID,
		Name:             name,
		RepositoryURL:    sess.RepositoryURL,
		RepositoryName:   repoName(sess.RepositoryURL),
		CloudProvider:    sess.CloudProvider,
		DeploymentStatus: models.ProjectGenerated,
		AWSCredentialID:  input.AWSCredentialID,
		GCPCredentialID:  input.GCPCredentialID,
	}
	if err := s.projects.Create(ctx, project); err != nil {
		return nil, err
	}
	if err := s.sessions.LinkProject(ctx, sess.ID, project.ID); err != nil {
		return nil, err
	}

	logger.L().Info("session artifacts accepted",
		zap.String("session_id", sess.ID.String()),
		zap.String("project_id", project.ID.String()),
	)
	return project, nil
}

// repoName extracts the repository name from its URL.
func repoName(repoURL string) string {
	trimmed := strings.TrimSuffix(strings.TrimRight(repoURL, "/"), ".git")
	if idx := strings.LastIndex(trimmed, "/"); idx >= 0 {
		trimmed = trimmed[idx+1:]
	}
	if trimmed == "" {
		return "project"
	}
	return strings.ToLower(trimmed)
}
