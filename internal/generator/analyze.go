package generator

import (
	"context"
	"fmt"
	"strings"

	appErr "github.com/launchforge/engine/pkg/errors"
)

// Manifest files worth showing the model in full. Order matters: earlier
// entries are stronger signals for the detected stack.
var manifestFiles = []string{
	"package.json",
	"go.mod",
	"requirements.txt",
	"pyproject.toml",
	"pom.xml",
	"build.gradle",
	"Gemfile",
	"Cargo.toml",
	"composer.json",
	"Dockerfile",
	"docker-compose.yml",
	"Makefile",
}

const maxInventoryLines = 400

// AnalyzeStep inspects the checkout and produces the project context every
// later step builds on: language, framework, ports, build and start
// commands.
type AnalyzeStep struct {
	producer ContentProducer
}

func NewAnalyzeStep(producer ContentProducer) *AnalyzeStep {
	return &AnalyzeStep{producer: producer}
}

func (s *AnalyzeStep) Name() string { return "analyzer" }

func (s *AnalyzeStep) Run(ctx context.Context, in Input, emit Emitter) (*StepResult, error) {
	if in.Checkout == nil {
		return nil, appErr.New(appErr.CodeInvalid, "no repository checkout to analyze")
	}

	var b strings.Builder
	b.WriteString("Analyze this repository and respond with a single JSON object with keys: ")
	b.WriteString(`"language", "framework", "port" (number), "build_command", "start_command", "notes".`)
	b.WriteString("\nRespond with JSON only.\n\nFile listing:\n")

	for i, f := range in.Checkout.Files {
		if i >= maxInventoryLines {
			fmt.Fprintf(&b, "... and %d more files\n", len(in.Checkout.Files)-i)
			break
		}
		fmt.Fprintf(&b, "%s (%d bytes)\n", f.Path, f.Size)
	}

	for _, name := range manifestFiles {
		content, err := in.Checkout.ReadFile(name)
		if err != nil {
			continue
		}
		fmt.Fprintf(&b, "\n--- %s ---\n%s\n", name, content)
	}

	emit(s.Name(), "analyze", "inspecting repository structure")
	raw, err := s.producer.Produce(ctx, b.String())
	if err != nil {
		return nil, err
	}
	projectContext, err := decodeJSONObject(raw)
	if err != nil {
		return nil, err
	}
	if projectContext["language"] == nil {
		return nil, appErr.New(appErr.CodeGenerationFailed, "analysis did not identify a language")
	}

	emit(s.Name(), "analyze", fmt.Sprintf("detected %v project", projectContext["language"]))
	return &StepResult{
		StatePatch: map[string]any{"project_context": projectContext},
	}, nil
}
