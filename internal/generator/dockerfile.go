package generator

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/launchforge/engine/internal/models"
	appErr "github.com/launchforge/engine/pkg/errors"
)

// DockerfileStep renders a production Dockerfile from the analyzed project
// context.
type DockerfileStep struct {
	producer ContentProducer
}

func NewDockerfileStep(producer ContentProducer) *DockerfileStep {
	return &DockerfileStep{producer: producer}
}

func (s *DockerfileStep) Name() string { return "dockerfile" }

func (s *DockerfileStep) Run(ctx context.Context, in Input, emit Emitter) (*StepResult, error) {
	projectContext := in.State.MapValue("project_context")
	if projectContext == nil {
		return nil, appErr.New(appErr.CodeGenerationFailed, "project context missing, analysis must run first")
	}
	ctxJSON, _ := json.MarshalIndent(projectContext, "", "  ")

	var b strings.Builder
	b.WriteString("Write a production-ready multi-stage Dockerfile for the project described below. ")
	b.WriteString("Respond with the Dockerfile content only, no explanation, no code fences.\n\n")
	b.WriteString("Project context:\n")
	b.Write(ctxJSON)

	emit(s.Name(), "generate", "rendering Dockerfile")
	raw, err := s.producer.Produce(ctx, b.String())
	if err != nil {
		return nil, err
	}
	content := stripFences(raw)
	if !strings.Contains(content, "FROM ") {
		return nil, appErr.New(appErr.CodeGenerationFailed, "rendered Dockerfile has no FROM instruction")
	}

	return &StepResult{
		StatePatch: map[string]any{"dockerfile": content},
		Files: []models.ProducedFile{{
			Path:        "Dockerfile",
			Content:     content,
			Description: "Container build for the application",
		}},
	}, nil
}
