package services

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/launchforge/engine/internal/credentials"
	"github.com/launchforge/engine/internal/models"
	"github.com/launchforge/engine/internal/operations"
	"github.com/launchforge/engine/internal/repository"
	"github.com/launchforge/engine/internal/sandbox"
	appErr "github.com/launchforge/engine/pkg/errors"
	"github.com/launchforge/engine/pkg/logger"
	"go.uber.org/zap"
	"gorm.io/datatypes"
)

// OperationRunPayload is the operation:run task payload. The operation slot
// is already claimed when the task is enqueued; the worker attaches and
// executes.
type OperationRunPayload struct {
	ProjectID     string `json:"project_id"`
	OperationType string `json:"operation_type"`
}

type DeploymentService interface {
	// Trigger claims the (project, type) operation slot and enqueues its
	// execution. A concurrent run of the same type returns conflict
	// synchronously, before anything is enqueued.
	Trigger(ctx context.Context, projectID, userID uuid.UUID, operationType string) (*models.DeploymentOperation, error)

	GetOperation(ctx context.Context, projectID, userID uuid.UUID, operationType string) (*models.DeploymentOperation, error)
	ListOperations(ctx context.Context, projectID, userID uuid.UUID) ([]models.DeploymentOperation, error)

	GetProject(ctx context.Context, projectID, userID uuid.UUID) (*models.Project, error)
	ListProjects(ctx context.Context, userID uuid.UUID) ([]models.Project, error)

	// Execute runs a claimed operation to completion. Worker-side.
	Execute(ctx context.Context, projectID uuid.UUID, operationType string) error
}

type deploymentService struct {
	projects    repository.ProjectRepository
	sessions    repository.SessionRepository
	manager     *operations.Manager
	executor    sandbox.Executor
	resolver    *credentials.Resolver
	asynqClient *asynq.Client
	workDir     string
}

func NewDeploymentService(
	projects repository.ProjectRepository,
	sessions repository.SessionRepository,
	manager *operations.Manager,
	executor sandbox.Executor,
	resolver *credentials.Resolver,
	client *asynq.Client,
	workDir string,
) DeploymentService {
	return &deploymentService{
		projects:    projects,
		sessions:    sessions,
		manager:     manager,
		executor:    executor,
		resolver:    resolver,
		asynqClient: client,
		workDir:     workDir,
	}
}

var _ DeploymentService = (*deploymentService)(nil)

func (s *deploymentService) Trigger(ctx context.Context, projectID, userID uuid.UUID, operationType string) (*models.DeploymentOperation, error) {
	if !models.ValidOperationType(operationType) {
		return nil, appErr.Newf(appErr.CodeInvalid, "unknown operation type %q", operationType)
	}
	if _, err := s.GetProject(ctx, projectID, userID); err != nil {
		return nil, err
	}

	handle, err := s.manager.Begin(ctx, projectID, operationType)
	if err != nil {
		return nil, err
	}

	pb, _ := json.Marshal(OperationRunPayload{
		ProjectID:     projectID.String(),
		OperationType: operationType,
	})
	task := asynq.NewTask(TaskOperationRun, pb)
	if s.asynqClient == nil {
		logger.L().Warn("asynq client not configured, skipping enqueue",
			zap.String("project_id", projectID.String()),
			zap.String("operation_type", operationType),
		)
	} else if _, err := s.asynqClient.EnqueueContext(ctx, task); err != nil {
		// The slot was claimed; resolve it so a retry is possible.
		_ = s.manager.Complete(ctx, handle, models.OpError,
			map[string]any{"error": "failed to enqueue execution task"}, 0)
		return nil, appErr.Wrap(err, appErr.CodeInternal, "enqueue operation task failed")
	}

	return s.manager.Get(ctx, projectID, operationType)
}

func (s *deploymentService) GetOperation(ctx context.Context, projectID, userID uuid.UUID, operationType string) (*models.DeploymentOperation, error) {
	if _, err := s.GetProject(ctx, projectID, userID); err != nil {
		return nil, err
	}
	return s.manager.Get(ctx, projectID, operationType)
}

func (s *deploymentService) ListOperations(ctx context.Context, projectID, userID uuid.UUID) ([]models.DeploymentOperation, error) {
	if _, err := s.GetProject(ctx, projectID, userID); err != nil {
		return nil, err
	}
	return s.manager.List(ctx, projectID)
}

func (s *deploymentService) GetProject(ctx context.Context, projectID, userID uuid.UUID) (*models.Project, error) {
	var p models.Project
	if err := s.projects.GetByID(ctx, projectID, &p); err != nil {
		return nil, err
	}
	if p.UserID != userID {
		return nil, appErr.New(appErr.CodeUnauthorized, "user does not own project")
	}
	return &p, nil
}

func (s *deploymentService) ListProjects(ctx context.Context, userID uuid.UUID) ([]models.Project, error) {
	return s.projects.ListByUser(ctx, userID)
}

// Execute attaches to the claimed operation and drives it to a terminal
// status. Every exit path resolves the record; it is never left running.
func (s *deploymentService) Execute(ctx context.Context, projectID uuid.UUID, operationType string) error {
	handle, err := s.manager.Attach(ctx, projectID, operationType)
	if err != nil {
		return err
	}

	started := time.Now()
	result, runErr := s.run(ctx, handle, projectID, operationType)
	duration := time.Since(started)

	if runErr != nil {
		meta := map[string]any{
			"error":      appErr.MessageOf(runErr),
			"error_kind": string(appErr.CodeOf(runErr)),
		}
		_ = s.manager.AppendLog(ctx, handle, "operation failed: "+appErr.MessageOf(runErr))
		if err := s.manager.Complete(ctx, handle, models.OpError, meta, duration); err != nil {
			logger.L().Error("complete failed operation failed",
				zap.String("project_id", projectID.String()), zap.Error(err))
		}
		return runErr
	}

	meta := map[string]any{}
	if result.ImageRef != "" {
		meta["image_ref"] = result.ImageRef
	}
	if result.Outputs != nil {
		meta["outputs"] = result.Outputs
	}
	if err := s.manager.Complete(ctx, handle, models.OpSuccess, meta, duration); err != nil {
		return err
	}
	return s.advanceProject(ctx, projectID, operationType, result)
}

func (s *deploymentService) run(ctx context.Context, handle *operations.Handle, projectID uuid.UUID, operationType string) (*sandbox.Result, error) {
	var project models.Project
	if err := s.projects.GetByID(ctx, projectID, &project); err != nil {
		return nil, err
	}

	projectDir, err := s.materializeArtifacts(ctx, &project)
	if err != nil {
		return nil, err
	}

	material, err := s.resolver.Resolve(ctx, project.UserID, project.ID, project.CloudProvider)
	if err != nil {
		return nil, err
	}

	sink := func(line string) {
		if err := s.manager.AppendLog(ctx, handle, line); err != nil {
			logger.L().Warn("append operation log failed",
				zap.String("project_id", projectID.String()), zap.Error(err))
		}
	}

	req := sandbox.Request{
		OperationType: operationType,
		ProjectDir:    projectDir,
		Env:           material.Env,
	}
	switch operationType {
	case models.OpBuildImage:
		req.ImageTag = fmt.Sprintf("launchforge/%s:latest", project.Name)
		return s.executor.BuildImage(ctx, req, sink)
	case models.OpPlan:
		req.ProjectDir = filepath.Join(projectDir, "terraform")
		return s.executor.Plan(ctx, req, sink)
	case models.OpApply:
		req.ProjectDir = filepath.Join(projectDir, "terraform")
		return s.executor.Apply(ctx, req, sink)
	case models.OpDestroy:
		req.ProjectDir = filepath.Join(projectDir, "terraform")
		return s.executor.Destroy(ctx, req, sink)
	default:
		return nil, appErr.Newf(appErr.CodeInvalid, "unknown operation type %q", operationType)
	}
}

// materializeArtifacts writes the accepted session's produced files into
// the project's working directory. The directory is rebuilt from scratch on
// every run so stale artifacts from an earlier generation never leak in.
func (s *deploymentService) materializeArtifacts(ctx context.Context, project *models.Project) (string, error) {
	var sess models.GenerationSession
	if err := s.sessions.GetByProject(ctx, project.ID, &sess); err != nil {
		return "", err
	}
	var files []models.ProducedFile
	if len(sess.ProducedFiles) > 0 {
		if err := json.Unmarshal(sess.ProducedFiles, &files); err != nil {
			return "", appErr.Wrap(err, appErr.CodeInternal, "decode produced files failed")
		}
	}
	if len(files) == 0 {
		return "", appErr.New(appErr.CodeInvalid, "project has no generated artifacts")
	}

	dir := filepath.Join(s.workDir, "projects", project.ID.String())
	if err := os.RemoveAll(dir); err != nil {
		return "", appErr.Wrap(err, appErr.CodeInternal, "clear project workdir failed")
	}
	for _, f := range files {
		clean := filepath.Clean(f.Path)
		if strings.HasPrefix(clean, "..") || filepath.IsAbs(clean) {
			return "", appErr.Newf(appErr.CodeInvalid, "artifact path %q escapes workdir", f.Path)
		}
		target := filepath.Join(dir, clean)
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return "", appErr.Wrap(err, appErr.CodeInternal, "create artifact dir failed")
		}
		if err := os.WriteFile(target, []byte(f.Content), 0o644); err != nil {
			return "", appErr.Wrap(err, appErr.CodeInternal, "write artifact failed")
		}
	}
	return dir, nil
}

// advanceProject moves the project's deployment status forward after a
// successful operation and records provisioning outputs.
func (s *deploymentService) advanceProject(ctx context.Context, projectID uuid.UUID, operationType string, result *sandbox.Result) error {
	switch operationType {
	case models.OpBuildImage:
		return s.projects.UpdateDeploymentStatus(ctx, projectID, models.ProjectImageBuilt)
	case models.OpPlan:
		return s.projects.UpdateDeploymentStatus(ctx, projectID, models.ProjectPlanned)
	case models.OpApply:
		var outputs datatypes.JSON
		if result.Outputs != nil {
			if b, err := json.Marshal(result.Outputs); err == nil {
				outputs = b
			}
		}
		var project models.Project
		if err := s.projects.GetByID(ctx, projectID, &project); err != nil {
			return err
		}
		url := applicationURL(project.CloudProvider, result.Outputs)
		if err := s.projects.SaveOutputs(ctx, projectID, url, outputs); err != nil {
			return err
		}
		return s.projects.UpdateDeploymentStatus(ctx, projectID, models.ProjectDeployed)
	case models.OpDestroy:
		if err := s.projects.ClearOutputs(ctx, projectID); err != nil {
			return err
		}
		return s.projects.UpdateDeploymentStatus(ctx, projectID, models.ProjectDestroyed)
	}
	return nil
}

// applicationURL derives the public address from provisioning outputs.
func applicationURL(provider string, outputs map[string]any) string {
	if outputs == nil {
		return ""
	}
	switch provider {
	case "aws":
		if dns, ok := outputs["alb_dns_name"].(string); ok && dns != "" {
			return "http://" + dns
		}
	case "gcp":
		if url, ok := outputs["service_url"].(string); ok {
			return url
		}
	}
	return ""
}
