package provider

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/kingrea/converge/internal/workflow/resolver"
)

const systemPrompt = `You are a strict reviewer evaluating one checklist item against a candidate artifact.
Judge only the stated criterion. Respond with a single JSON object and nothing else:
{"outcome": "pass" | "fail", "reason": "<one or two sentences>"}`

// BuildPrompt renders the user prompt for one check.
func BuildPrompt(check resolver.ResolvedCheck, candidate string, meta map[string]any) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Check: %s\n", check.Name)
	fmt.Fprintf(&b, "Criterion: %s\n", strings.TrimSpace(check.Criterion))
	if check.FunctionalUnit != "" {
		fmt.Fprintf(&b, "Functional unit: %s\n", check.FunctionalUnit)
	}
	if check.Source != "" {
		fmt.Fprintf(&b, "Source: %s\n", check.Source)
	}
	if len(meta) > 0 {
		b.WriteString("\nContext:\n")
		keys := make([]string, 0, len(meta))
		for k := range meta {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, "- %s: %s\n", k, renderValue(meta[k]))
		}
	}
	b.WriteString("\nCandidate:\n")
	if strings.TrimSpace(candidate) == "" {
		b.WriteString("(empty)\n")
	} else {
		b.WriteString(candidate)
		if !strings.HasSuffix(candidate, "\n") {
			b.WriteString("\n")
		}
	}
	return b.String()
}

// FullPrompt joins the system instructions and the user prompt for backends
// that take a single text input.
func FullPrompt(check resolver.ResolvedCheck, candidate string, meta map[string]any) string {
	return systemPrompt + "\n\n" + BuildPrompt(check, candidate, meta)
}

func renderValue(v any) string {
	switch typed := v.(type) {
	case string:
		return typed
	case fmt.Stringer:
		return typed.String()
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(raw)
}
