// Package provider implements the agent-check backends. Each backend turns a
// resolved check and candidate text into a prompt, calls an external model,
// and parses a schema-validated verdict. Backends only return results; event
// emission, file writes and routing stay with the engine.
package provider

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/kingrea/converge/internal/evaluate"
)

// ErrUnknownProvider is returned when a provider name is not registered.
var ErrUnknownProvider = errors.New("provider: unknown provider")

// Settings carries the per-provider configuration resolved at startup.
type Settings struct {
	Model     string
	APIKey    string
	BaseURL   string
	Command   string
	Project   string
	Location  string
	MaxTokens int64
	// Dir is the working directory for command providers.
	Dir string
	// Timeout bounds one call when the caller's context has no deadline.
	Timeout time.Duration
}

// Factory builds a provider from settings.
type Factory func(ctx context.Context, settings Settings) (evaluate.Provider, error)

type entry struct {
	factory     Factory
	description string
}

// Registry maps provider names to factories. It is built once at startup and
// passed to whatever needs to construct a provider.
type Registry struct {
	entries map[string]entry
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: map[string]entry{}}
}

// Builtin returns a registry with every provider shipped in this package.
func Builtin() *Registry {
	r := NewRegistry()
	r.Register(CommandName, "external CLI; prompt on stdin, verdict JSON on stdout", NewCommand)
	r.Register(ClaudeName, "Anthropic Messages API", NewClaude)
	r.Register(OpenAIName, "OpenAI-compatible chat completions API", NewOpenAI)
	r.Register(GeminiName, "Gemini on Vertex AI", NewGemini)
	return r
}

// Register adds or replaces a factory.
func (r *Registry) Register(name, description string, factory Factory) {
	name = normalizeName(name)
	if name == "" || factory == nil {
		return
	}
	r.entries[name] = entry{factory: factory, description: description}
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	_, ok := r.entries[normalizeName(name)]
	return ok
}

// Names returns registered names in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Description returns the one-line summary for name.
func (r *Registry) Description(name string) string {
	return r.entries[normalizeName(name)].description
}

// Validate fails with ErrUnknownProvider when name is not registered.
func (r *Registry) Validate(name string) error {
	if !r.Has(name) {
		return fmt.Errorf("%w: %q (known: %s)", ErrUnknownProvider, name, strings.Join(r.Names(), ", "))
	}
	return nil
}

// Build constructs the named provider.
func (r *Registry) Build(ctx context.Context, name string, settings Settings) (evaluate.Provider, error) {
	if err := r.Validate(name); err != nil {
		return nil, err
	}
	p, err := r.entries[normalizeName(name)].factory(ctx, settings)
	if err != nil {
		return nil, fmt.Errorf("provider: build %s: %w", name, err)
	}
	return p, nil
}

func normalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
