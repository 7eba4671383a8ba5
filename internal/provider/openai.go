package provider

import (
	"context"

	"github.com/m-mizutani/goerr/v2"
	"github.com/sashabaranov/go-openai"

	"github.com/kingrea/converge/internal/evaluate"
	"github.com/kingrea/converge/internal/workflow/resolver"
)

// OpenAIName is the registry name of the OpenAI-compatible provider.
const OpenAIName = "openai"

const defaultOpenAIModel = "gpt-4o-mini"

// OpenAI evaluates agent checks with a chat completions endpoint. BaseURL
// lets it target any OpenAI-compatible server.
type OpenAI struct {
	client *openai.Client
	model  string
}

// NewOpenAI builds an OpenAI provider. The API key comes from settings or
// OPENAI_API_KEY.
func NewOpenAI(_ context.Context, settings Settings) (evaluate.Provider, error) {
	apiKey := firstNonEmpty(settings.APIKey, getenv("OPENAI_API_KEY"))
	if apiKey == "" && settings.BaseURL == "" {
		return nil, goerr.New("openai provider requires an API key (OPENAI_API_KEY)")
	}
	config := openai.DefaultConfig(apiKey)
	if settings.BaseURL != "" {
		config.BaseURL = settings.BaseURL
	}
	return &OpenAI{
		client: openai.NewClientWithConfig(config),
		model:  firstNonEmpty(settings.Model, getenv("OPENAI_MODEL"), defaultOpenAIModel),
	}, nil
}

// Name implements evaluate.Provider.
func (o *OpenAI) Name() string { return OpenAIName }

// Evaluate implements evaluate.Provider.
func (o *OpenAI) Evaluate(ctx context.Context, check resolver.ResolvedCheck, candidate string, meta map[string]any) evaluate.CheckResult {
	req := openai.ChatCompletionRequest{
		Model: o.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: BuildPrompt(check, candidate, meta)},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	}
	resp, err := o.client.CreateChatCompletion(ctx, req)
	if err != nil {
		wrapped := goerr.Wrap(err, "failed to create chat completion", goerr.V("model", o.model))
		return evaluate.Error(check, OpenAIName+": "+wrapped.Error())
	}
	if len(resp.Choices) == 0 {
		return evaluate.Error(check, OpenAIName+": no choices returned")
	}
	return resultFromText(OpenAIName, check, resp.Choices[0].Message.Content)
}
