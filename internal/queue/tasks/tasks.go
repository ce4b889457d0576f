// Package tasks wires asynq task types to their execution logic. Handlers
// decode payloads, then hand off; failures that already resolved durable
// state return nil so asynq does not retry an operation the record says is
// finished.
package tasks

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/launchforge/engine/internal/orchestrator"
	"github.com/launchforge/engine/internal/services"
	appErr "github.com/launchforge/engine/pkg/errors"
	"github.com/launchforge/engine/pkg/logger"
	"go.uber.org/zap"
)

// GenerateTaskHandler runs generation sessions.
type GenerateTaskHandler struct {
	orch *orchestrator.Orchestrator
}

func NewGenerateTaskHandler(orch *orchestrator.Orchestrator) *GenerateTaskHandler {
	return &GenerateTaskHandler{orch: orch}
}

func (h *GenerateTaskHandler) HandleGenerate(ctx context.Context, t *asynq.Task) error {
	var p services.SessionGeneratePayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		logger.L().Error("invalid generate task payload", zap.Error(err))
		return nil
	}
	sessionID, err := uuid.Parse(p.SessionID)
	if err != nil {
		logger.L().Error("invalid session id in task", zap.String("session_id", p.SessionID))
		return nil
	}

	logger.L().Info("handling generate task", zap.String("session_id", sessionID.String()))
	if err := h.orch.Run(ctx, sessionID); err != nil {
		// The orchestrator already marked the session failed; generation is
		// never retried automatically.
		logger.L().Error("generation session failed",
			zap.String("session_id", sessionID.String()), zap.Error(err))
	}
	return nil
}

// OperationTaskHandler executes claimed deployment operations.
type OperationTaskHandler struct {
	deploySvc services.DeploymentService
}

func NewOperationTaskHandler(deploySvc services.DeploymentService) *OperationTaskHandler {
	return &OperationTaskHandler{deploySvc: deploySvc}
}

func (h *OperationTaskHandler) HandleOperation(ctx context.Context, t *asynq.Task) error {
	var p services.OperationRunPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		logger.L().Error("invalid operation task payload", zap.Error(err))
		return nil
	}
	projectID, err := uuid.Parse(p.ProjectID)
	if err != nil {
		logger.L().Error("invalid project id in task", zap.String("project_id", p.ProjectID))
		return nil
	}

	logger.L().Info("handling operation task",
		zap.String("project_id", projectID.String()),
		zap.String("operation_type", p.OperationType),
	)
	if err := h.deploySvc.Execute(ctx, projectID, p.OperationType); err != nil {
		// Execute resolves the operation record on every failure path. A
		// sandbox-unavailable error is the one case worth retrying: the
		// record is terminal but the infrastructure may recover.
		if appErr.IsCode(err, appErr.CodeSandboxUnavailable) {
			logger.L().Warn("sandbox unavailable",
				zap.String("project_id", projectID.String()), zap.Error(err))
		} else {
			logger.L().Error("operation execution failed",
				zap.String("project_id", projectID.String()),
				zap.String("operation_type", p.OperationType),
				zap.Error(err))
		}
	}
	return nil
}

// Mux builds the task router for the worker.
func Mux(gen *GenerateTaskHandler, op *OperationTaskHandler) *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(services.TaskSessionGenerate, gen.HandleGenerate)
	mux.HandleFunc(services.TaskOperationRun, op.HandleOperation)
	return mux
}
