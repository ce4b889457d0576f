package generator

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/launchforge/engine/internal/models"
	appErr "github.com/launchforge/engine/pkg/errors"
)

// The output the deployed application URL is read from, per provider.
var urlOutputByProvider = map[string]string{
	"aws": "alb_dns_name",
	"gcp": "service_url",
}

// TerraformStep renders the provider-specific terraform configuration that
// deploys the containerized application.
type TerraformStep struct {
	producer ContentProducer
}

func NewTerraformStep(producer ContentProducer) *TerraformStep {
	return &TerraformStep{producer: producer}
}

func (s *TerraformStep) Name() string { return "terraform" }

func (s *TerraformStep) Run(ctx context.Context, in Input, emit Emitter) (*StepResult, error) {
	projectContext := in.State.MapValue("project_context")
	if projectContext == nil {
		return nil, appErr.New(appErr.CodeGenerationFailed, "project context missing, analysis must run first")
	}
	urlOutput, ok := urlOutputByProvider[in.Provider]
	if !ok {
		return nil, appErr.Newf(appErr.CodeInvalid, "unsupported cloud provider %q", in.Provider)
	}
	ctxJSON, _ := json.MarshalIndent(projectContext, "", "  ")

	var b strings.Builder
	fmt.Fprintf(&b, "Write terraform configuration deploying a containerized application to %s. ", strings.ToUpper(in.Provider))
	b.WriteString("Respond with a single JSON object mapping file names to file contents, ")
	b.WriteString(`using exactly these files: "main.tf", "variables.tf", "outputs.tf", "provider.tf". `)
	fmt.Fprintf(&b, "outputs.tf must declare an output named %q with the public address of the deployed service. ", urlOutput)
	b.WriteString("Respond with JSON only.\n\nProject context:\n")
	b.Write(ctxJSON)
	if df := in.State.StringValue("dockerfile"); df != "" {
		b.WriteString("\n\nDockerfile:\n")
		b.WriteString(df)
	}

	emit(s.Name(), "generate", "rendering terraform configuration")
	raw, err := s.producer.Produce(ctx, b.String())
	if err != nil {
		return nil, err
	}
	rendered, err := decodeJSONObject(raw)
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(rendered))
	for name := range rendered {
		names = append(names, name)
	}
	sort.Strings(names)

	var files []models.ProducedFile
	for _, name := range names {
		content, ok := rendered[name].(string)
		if !ok || strings.TrimSpace(content) == "" {
			continue
		}
		if !strings.HasSuffix(name, ".tf") {
			continue
		}
		files = append(files, models.ProducedFile{
			Path:        "terraform/" + name,
			Content:     content,
			Description: "Infrastructure definition",
		})
	}
	if len(files) == 0 {
		return nil, appErr.New(appErr.CodeGenerationFailed, "no terraform files rendered")
	}
	found := false
	for _, f := range files {
		if strings.Contains(f.Content, urlOutput) {
			found = true
			break
		}
	}
	if !found {
		return nil, appErr.Newf(appErr.CodeGenerationFailed, "terraform configuration missing %q output", urlOutput)
	}

	return &StepResult{
		StatePatch: map[string]any{"url_output": urlOutput},
		Files:      files,
	}, nil
}
