package provider

import (
	"context"
	"strings"

	"cloud.google.com/go/vertexai/genai"
	"github.com/m-mizutani/goerr/v2"

	"github.com/kingrea/converge/internal/evaluate"
	"github.com/kingrea/converge/internal/workflow/resolver"
)

// GeminiName is the registry name of the Vertex AI provider.
const GeminiName = "gemini"

const defaultGeminiModel = "gemini-1.5-flash"

// Gemini evaluates agent checks with Gemini on Vertex AI.
type Gemini struct {
	client *genai.Client
	model  string
}

// NewGemini builds a Gemini provider. Project and location come from settings
// or GOOGLE_CLOUD_PROJECT / GOOGLE_CLOUD_LOCATION; credentials are the
// application defaults.
func NewGemini(ctx context.Context, settings Settings) (evaluate.Provider, error) {
	project := firstNonEmpty(settings.Project, getenv("GOOGLE_CLOUD_PROJECT"))
	location := firstNonEmpty(settings.Location, getenv("GOOGLE_CLOUD_LOCATION"))
	if project == "" {
		return nil, goerr.New("projectID is required")
	}
	if location == "" {
		return nil, goerr.New("location is required")
	}
	client, err := genai.NewClient(ctx, project, location)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create vertex ai client", goerr.V("project", project), goerr.V("location", location))
	}
	return &Gemini{client: client, model: firstNonEmpty(settings.Model, defaultGeminiModel)}, nil
}

// Name implements evaluate.Provider.
func (g *Gemini) Name() string { return GeminiName }

// Close releases the underlying client.
func (g *Gemini) Close() error {
	return g.client.Close()
}

// Evaluate implements evaluate.Provider.
func (g *Gemini) Evaluate(ctx context.Context, check resolver.ResolvedCheck, candidate string, meta map[string]any) evaluate.CheckResult {
	model := g.client.GenerativeModel(g.model)
	model.ResponseMIMEType = "application/json"
	model.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(systemPrompt)}}

	resp, err := model.GenerateContent(ctx, genai.Text(BuildPrompt(check, candidate, meta)))
	if err != nil {
		wrapped := goerr.Wrap(err, "failed to generate content", goerr.V("model", g.model))
		return evaluate.Error(check, GeminiName+": "+wrapped.Error())
	}
	var texts []string
	for _, cand := range resp.Candidates {
		if cand.Content == nil {
			continue
		}
		for _, part := range cand.Content.Parts {
			if text, ok := part.(genai.Text); ok {
				texts = append(texts, string(text))
			}
		}
	}
	return resultFromText(GeminiName, check, strings.Join(texts, "\n"))
}
