package generator

import (
	"context"

	appErr "github.com/launchforge/engine/pkg/errors"
	"google.golang.org/genai"
)

// GenAIProducer produces content through the Gemini API.
type GenAIProducer struct {
	client *genai.Client
	model  string
}

func NewGenAIProducer(ctx context.Context, apiKey, model string) (*GenAIProducer, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, appErr.Wrap(err, appErr.CodeInternal, "create genai client failed")
	}
	return &GenAIProducer{client: client, model: model}, nil
}

var _ ContentProducer = (*GenAIProducer)(nil)

func (p *GenAIProducer) Produce(ctx context.Context, prompt string) (string, error) {
	resp, err := p.client.Models.GenerateContent(ctx, p.model, genai.Text(prompt), &genai.GenerateContentConfig{
		Temperature: genai.Ptr[float32](0.2),
	})
	if err != nil {
		return "", appErr.Wrap(err, appErr.CodeGenerationFailed, "content generation request failed")
	}
	text := resp.Text()
	if text == "" {
		return "", appErr.New(appErr.CodeGenerationFailed, "model returned empty response")
	}
	return text, nil
}
