package provider

import (
	"context"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/m-mizutani/goerr/v2"

	"github.com/kingrea/converge/internal/evaluate"
	"github.com/kingrea/converge/internal/workflow/resolver"
)

// ClaudeName is the registry name of the Anthropic provider.
const ClaudeName = "claude"

const defaultClaudeMaxTokens = 1024

// messagesAPI is the slice of the Anthropic client the provider uses.
type messagesAPI interface {
	New(ctx context.Context, params anthropic.MessageNewParams, opts ...option.RequestOption) (*anthropic.Message, error)
}

// Claude evaluates agent checks with the Anthropic Messages API.
type Claude struct {
	messages  messagesAPI
	model     string
	maxTokens int64
}

// NewClaude builds a Claude provider. The API key comes from settings or
// ANTHROPIC_API_KEY.
func NewClaude(_ context.Context, settings Settings) (evaluate.Provider, error) {
	apiKey := firstNonEmpty(settings.APIKey, getenv("ANTHROPIC_API_KEY"))
	if apiKey == "" {
		return nil, goerr.New("claude provider requires an API key (ANTHROPIC_API_KEY)")
	}
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if settings.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(settings.BaseURL))
	}
	client := anthropic.NewClient(opts...)
	p := &Claude{
		messages:  &client.Messages,
		model:     firstNonEmpty(settings.Model, anthropic.ModelClaude3_5SonnetLatest),
		maxTokens: settings.MaxTokens,
	}
	if p.maxTokens <= 0 {
		p.maxTokens = defaultClaudeMaxTokens
	}
	return p, nil
}

// Name implements evaluate.Provider.
func (c *Claude) Name() string { return ClaudeName }

// Evaluate implements evaluate.Provider.
func (c *Claude) Evaluate(ctx context.Context, check resolver.ResolvedCheck, candidate string, meta map[string]any) evaluate.CheckResult {
	params := anthropic.MessageNewParams{
		Model:     c.model,
		MaxTokens: c.maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(FullPrompt(check, candidate, meta))),
		},
	}
	resp, err := c.messages.New(ctx, params)
	if err != nil {
		wrapped := goerr.Wrap(err, "failed to create message", goerr.V("model", c.model))
		return evaluate.Error(check, ClaudeName+": "+wrapped.Error())
	}
	var texts []string
	for _, content := range resp.Content {
		block := content.AsResponseTextBlock()
		if block.Type == "text" {
			texts = append(texts, block.Text)
		}
	}
	return resultFromText(ClaudeName, check, strings.Join(texts, "\n"))
}
