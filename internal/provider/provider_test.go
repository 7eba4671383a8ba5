package provider_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/m-mizutani/gt"

	"github.com/kingrea/converge/internal/evaluate"
	"github.com/kingrea/converge/internal/provider"
	"github.com/kingrea/converge/internal/workflow"
	"github.com/kingrea/converge/internal/workflow/resolver"
)

func agentCheck() resolver.ResolvedCheck {
	return resolver.ResolvedCheck{
		Name:      "coherence",
		CheckType: workflow.CheckTypeAgent,
		Criterion: "the design names every component",
		Required:  true,
	}
}

func TestParseVerdict(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		outcome string
		wantErr bool
	}{
		{name: "plain JSON", input: `{"outcome": "pass", "reason": "all present"}`, outcome: "pass"},
		{name: "code fence", input: "```json\n{\"outcome\": \"fail\", \"reason\": \"missing {cache}\"}\n```", outcome: "fail"},
		{name: "prose around", input: `Here you go: {"outcome": "pass", "reason": "ok", "evidence": ["a"]} thanks`, outcome: "pass"},
		{name: "no JSON", input: "I think it passes", wantErr: true},
		{name: "bad outcome", input: `{"outcome": "maybe", "reason": "unsure"}`, wantErr: true},
		{name: "missing reason", input: `{"outcome": "pass"}`, wantErr: true},
		{name: "truncated", input: `{"outcome": "pass", "reason": "cut`, wantErr: true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			v, err := provider.ParseVerdict(tc.input)
			if tc.wantErr {
				gt.Error(t, err)
				gt.True(t, errors.Is(err, provider.ErrMalformedVerdict))
				return
			}
			gt.NoError(t, err)
			gt.Equal(t, v.Outcome, tc.outcome)
		})
	}
}

func TestVerdictResult(t *testing.T) {
	result := provider.Verdict{Outcome: "fail", Reason: " no cache section "}.Result(agentCheck())
	gt.Equal(t, result.Outcome, evaluate.OutcomeFail)
	gt.Equal(t, result.Name, "coherence")
	gt.Equal(t, result.Message, "no cache section")
	gt.True(t, result.Required)
}

func TestRegistry(t *testing.T) {
	registry := provider.Builtin()
	gt.Equal(t, registry.Names(), []string{"claude", "command", "gemini", "openai"})
	gt.True(t, registry.Has(" Claude "))

	_, err := registry.Build(context.Background(), "mystery", provider.Settings{})
	gt.True(t, errors.Is(err, provider.ErrUnknownProvider))
	gt.True(t, errors.Is(registry.Validate("mystery"), provider.ErrUnknownProvider))
	gt.NoError(t, registry.Validate("command"))
}

func TestCommandProvider(t *testing.T) {
	registry := provider.Builtin()
	_, err := registry.Build(context.Background(), provider.CommandName, provider.Settings{})
	gt.Error(t, err)

	p, err := registry.Build(context.Background(), provider.CommandName, provider.Settings{
		Command: `grep -q "Criterion: the design names every component" && echo '{"outcome":"pass","reason":"prompt received"}'`,
		Dir:     t.TempDir(),
	})
	gt.NoError(t, err)
	result := p.Evaluate(context.Background(), agentCheck(), "# Design", map[string]any{"edge": "design→code"})
	gt.Equal(t, result.Outcome, evaluate.OutcomePass)
	gt.Equal(t, result.Message, "prompt received")
}

func TestCommandProviderErrors(t *testing.T) {
	ctx := context.Background()
	failing, err := provider.NewCommand(ctx, provider.Settings{Command: "echo boom >&2; exit 2"})
	gt.NoError(t, err)
	result := failing.Evaluate(ctx, agentCheck(), "", nil)
	gt.Equal(t, result.Outcome, evaluate.OutcomeError)
	gt.S(t, result.Stderr).Contains("boom")

	garbage, err := provider.NewCommand(ctx, provider.Settings{Command: "cat >/dev/null; echo looks fine to me"})
	gt.NoError(t, err)
	result = garbage.Evaluate(ctx, agentCheck(), "", nil)
	gt.Equal(t, result.Outcome, evaluate.OutcomeError)
	gt.S(t, result.Message).Contains("malformed")

	slow, err := provider.NewCommand(ctx, provider.Settings{Command: "sleep 5", Timeout: 100 * time.Millisecond})
	gt.NoError(t, err)
	result = slow.Evaluate(ctx, agentCheck(), "", nil)
	gt.Equal(t, result.Outcome, evaluate.OutcomeError)
}

func TestCommandProviderTimeoutKillsForkedChildren(t *testing.T) {
	ctx := context.Background()
	p, err := provider.NewCommand(ctx, provider.Settings{
		Command: `sleep 3; echo '{"outcome":"pass","reason":"too late"}'`,
		Timeout: 200 * time.Millisecond,
	})
	gt.NoError(t, err)
	agent := &evaluate.Agent{Provider: p, Timeout: 200 * time.Millisecond}

	started := time.Now()
	result := agent.Evaluate(ctx, agentCheck(), evaluate.Candidate{})
	elapsed := time.Since(started)

	gt.Equal(t, result.Outcome, evaluate.OutcomeError)
	gt.S(t, result.Message).Contains("timed out")
	gt.True(t, elapsed < 2*time.Second)
}

func TestOpenAIProviderAgainstCompatibleServer(t *testing.T) {
	var gotPrompt string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gt.True(t, strings.HasSuffix(r.URL.Path, "/chat/completions"))
		var req struct {
			Model    string `json:"model"`
			Messages []struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"messages"`
		}
		gt.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		gt.Equal(t, req.Model, "local-model")
		gotPrompt = req.Messages[len(req.Messages)-1].Content
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"1","object":"chat.completion","choices":[{"index":0,"message":{"role":"assistant","content":"{\"outcome\":\"fail\",\"reason\":\"no cache\"}"},"finish_reason":"stop"}]}`))
	}))
	defer srv.Close()

	p, err := provider.NewOpenAI(context.Background(), provider.Settings{BaseURL: srv.URL + "/v1", Model: "local-model", APIKey: "test"})
	gt.NoError(t, err)
	gt.Equal(t, p.Name(), provider.OpenAIName)

	result := p.Evaluate(context.Background(), agentCheck(), "# Design\nno cache", nil)
	gt.Equal(t, result.Outcome, evaluate.OutcomeFail)
	gt.Equal(t, result.Message, "no cache")
	gt.S(t, gotPrompt).Contains("# Design")
}

func TestOpenAIProviderServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"message":"overloaded"}}`, http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	p, err := provider.NewOpenAI(context.Background(), provider.Settings{BaseURL: srv.URL + "/v1", APIKey: "test"})
	gt.NoError(t, err)
	result := p.Evaluate(context.Background(), agentCheck(), "", nil)
	gt.Equal(t, result.Outcome, evaluate.OutcomeError)
}

func TestClaudeRequiresAPIKey(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "")
	_, err := provider.NewClaude(context.Background(), provider.Settings{})
	gt.Error(t, err)

	p, err := provider.NewClaude(context.Background(), provider.Settings{APIKey: "test"})
	gt.NoError(t, err)
	gt.Equal(t, p.Name(), provider.ClaudeName)
}

func TestGeminiRequiresProjectAndLocation(t *testing.T) {
	t.Setenv("GOOGLE_CLOUD_PROJECT", "")
	t.Setenv("GOOGLE_CLOUD_LOCATION", "")
	_, err := provider.NewGemini(context.Background(), provider.Settings{Location: "us-central1"})
	gt.Error(t, err)
	_, err = provider.NewGemini(context.Background(), provider.Settings{Project: "demo"})
	gt.Error(t, err)
}

func TestBuildPromptIncludesContextInStableOrder(t *testing.T) {
	prompt := provider.BuildPrompt(agentCheck(), "", map[string]any{"feature": "F-1", "edge": "design→code", "iteration": 2})
	gt.S(t, prompt).Contains("(empty)")
	edge := strings.Index(prompt, "- edge:")
	feature := strings.Index(prompt, "- feature:")
	iteration := strings.Index(prompt, "- iteration: 2")
	gt.True(t, edge >= 0 && edge < feature && feature < iteration)
}
