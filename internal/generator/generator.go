// Package generator turns an analyzed repository into deployment
// artifacts: a Dockerfile and terraform configuration, produced by a
// model-backed pipeline of steps sharing one evolving state.
package generator

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/launchforge/engine/internal/models"
	"github.com/launchforge/engine/internal/repofetch"
	appErr "github.com/launchforge/engine/pkg/errors"
	"github.com/launchforge/engine/pkg/logger"
	"go.uber.org/zap"
)

// ContentProducer produces text for a prompt. The genai client implements
// it; tests substitute a canned one.
type ContentProducer interface {
	Produce(ctx context.Context, prompt string) (string, error)
}

// Emitter receives progress events for the session log. Delivery is
// best-effort from the pipeline's point of view.
type Emitter func(agent, stage, content string)

// Input is what a step gets to work with.
type Input struct {
	Checkout *repofetch.Checkout
	Provider string
	State    State
}

// StepResult is what a successful step hands back.
type StepResult struct {
	StatePatch map[string]any
	Files      []models.ProducedFile
}

// Step is one stage of the generation pipeline.
type Step interface {
	Name() string
	Run(ctx context.Context, in Input, emit Emitter) (*StepResult, error)
}

// Pipeline runs steps in order. The first failure aborts the run: later
// steps depend on earlier patches, so continuing past a failure would
// generate artifacts from incomplete context.
type Pipeline struct {
	steps []Step
}

func NewPipeline(steps ...Step) *Pipeline {
	return &Pipeline{steps: steps}
}

// DefaultPipeline wires the standard analyze, dockerfile, terraform order.
func DefaultPipeline(producer ContentProducer) *Pipeline {
	return NewPipeline(
		NewAnalyzeStep(producer),
		NewDockerfileStep(producer),
		NewTerraformStep(producer),
	)
}

// Run executes the pipeline and returns the final state plus every file the
// steps produced, in production order.
func (p *Pipeline) Run(ctx context.Context, checkout *repofetch.Checkout, provider string, initial State, emit Emitter) (State, []models.ProducedFile, error) {
	if emit == nil {
		emit = func(string, string, string) {}
	}
	state := initial
	if state == nil {
		state = State{}
	}
	var files []models.ProducedFile

	for _, step := range p.steps {
		started := time.Now()
		emit(step.Name(), models.StageGenerate, "step started")

		res, err := step.Run(ctx, Input{Checkout: checkout, Provider: provider, State: state}, emit)
		if err != nil {
			emit(step.Name(), models.StageGenerate, "step failed: "+appErr.MessageOf(err))
			return state, files, appErr.Wrap(err, appErr.CodeGenerationFailed, step.Name()+" step failed")
		}

		if res.StatePatch != nil {
			state = state.Merge(res.StatePatch)
		}
		files = append(files, res.Files...)

		logger.L().Info("generation step finished",
			zap.String("step", step.Name()),
			zap.Int("files", len(res.Files)),
			zap.Duration("duration", time.Since(started)),
		)
		emit(step.Name(), models.StageGenerate, "step finished")
	}
	return state, files, nil
}

// stripFences removes a surrounding markdown code fence, if present.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	if idx := strings.Index(s, "\n"); idx >= 0 {
		s = s[idx+1:]
	}
	if idx := strings.LastIndex(s, "```"); idx >= 0 {
		s = s[:idx]
	}
	return strings.TrimSpace(s)
}

// decodeJSONObject parses a model response expected to be a single JSON
// object, tolerating code fences and leading prose.
func decodeJSONObject(raw string) (map[string]any, error) {
	s := stripFences(raw)
	if start := strings.Index(s, "{"); start > 0 {
		s = s[start:]
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil, appErr.Wrap(err, appErr.CodeGenerationFailed, "model response is not valid JSON")
	}
	return out, nil
}
