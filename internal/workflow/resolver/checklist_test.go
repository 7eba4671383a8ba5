package resolver

import (
	"reflect"
	"testing"

	"github.com/kingrea/converge/internal/workflow"
)

func testConstraints() map[string]any {
	return map[string]any{
		"tools": map[string]any{
			"test": map[string]any{
				"command": "go test ./...",
				"timeout": 90,
			},
			"lint": map[string]any{
				"command": nil,
			},
		},
		"thresholds": map[string]any{
			"coverage": 80.5,
			"strict":   true,
		},
		"policy": map[string]any{
			"style_required": "yes",
			"nested":         map[string]any{"a": 1},
		},
	}
}

func TestResolveVariablesSubstitutesEveryPlaceholder(t *testing.T) {
	text := "run $tools.test.command with coverage >= $thresholds.coverage% (strict=$thresholds.strict)"
	got, unresolved := ResolveVariables(text, testConstraints())
	want := "run go test ./... with coverage >= 80.5% (strict=true)"
	if got != want {
		t.Fatalf("resolved = %q, want %q", got, want)
	}
	if len(unresolved) != 0 {
		t.Fatalf("expected no unresolved, got %v", unresolved)
	}
}

func TestResolveVariablesReportsMissingNullAndNonScalar(t *testing.T) {
	text := "$tools.missing.command && $tools.lint.command && $policy.nested && $tools.missing.command"
	got, unresolved := ResolveVariables(text, testConstraints())
	if got != text {
		t.Fatalf("expected text untouched, got %q", got)
	}
	want := []string{"$tools.missing.command", "$tools.lint.command", "$policy.nested"}
	if !reflect.DeepEqual(unresolved, want) {
		t.Fatalf("unresolved = %v, want %v", unresolved, want)
	}
}

func TestResolveVariablesLeavesShellVariables(t *testing.T) {
	text := "cd $HOME && echo ${PATH}"
	got, unresolved := ResolveVariables(text, testConstraints())
	if got != text || len(unresolved) != 0 {
		t.Fatalf("shell variables should pass through, got %q %v", got, unresolved)
	}
}

func TestResolveVariablesIsIdempotent(t *testing.T) {
	first, _ := ResolveVariables("$tools.test.command -timeout $tools.test.timeout", testConstraints())
	second, unresolved := ResolveVariables(first, testConstraints())
	if first != second {
		t.Fatalf("second pass changed text: %q -> %q", first, second)
	}
	if len(unresolved) != 0 {
		t.Fatalf("expected empty unresolved list, got %v", unresolved)
	}
}

func TestResolveRequired(t *testing.T) {
	constraints := testConstraints()
	cases := []struct {
		name       string
		spec       workflow.RequiredSpec
		want       bool
		unresolved int
	}{
		{"absent", workflow.RequiredSpec{}, true, 0},
		{"literal true", workflow.Required(true), true, 0},
		{"literal false", workflow.Required(false), false, 0},
		{"placeholder yes", workflow.RequiredExpr("$policy.style_required"), true, 0},
		{"placeholder bool", workflow.RequiredExpr("$thresholds.strict"), true, 0},
		{"unresolved", workflow.RequiredExpr("$policy.unknown"), false, 1},
		{"junk", workflow.RequiredExpr("maybe"), false, 0},
	}
	for _, tc := range cases {
		got, missing := ResolveRequired(tc.spec, constraints)
		if got != tc.want || len(missing) != tc.unresolved {
			t.Fatalf("%s: got (%v, %v), want (%v, %d unresolved)", tc.name, got, missing, tc.want, tc.unresolved)
		}
	}
}

func TestResolveChecklistPreservesOrderAndTracksUnresolved(t *testing.T) {
	defs := []workflow.CheckDefinition{
		{Name: "tests", Type: workflow.CheckTypeDeterministic, Criterion: "tests pass", Command: "$tools.test.command", PassCriterion: "exit code 0"},
		{Name: "lint", Type: workflow.CheckTypeDeterministic, Criterion: "lint clean", Command: "$tools.missing.command"},
		{Name: "review", Type: workflow.CheckTypeHuman, Criterion: "reviewed by $team.lead", Required: workflow.Required(false)},
	}
	checks := ResolveChecklist(defs, testConstraints())
	if len(checks) != 3 {
		t.Fatalf("expected 3 checks, got %d", len(checks))
	}
	names := []string{checks[0].Name, checks[1].Name, checks[2].Name}
	if !reflect.DeepEqual(names, []string{"tests", "lint", "review"}) {
		t.Fatalf("order changed: %v", names)
	}
	if checks[0].Command != "go test ./..." || checks[0].HasUnresolved() {
		t.Fatalf("tests check = %#v", checks[0])
	}
	if !reflect.DeepEqual(checks[1].Unresolved, []string{"$tools.missing.command"}) {
		t.Fatalf("lint unresolved = %v", checks[1].Unresolved)
	}
	if checks[2].Required {
		t.Fatalf("review should not be required")
	}
	if !reflect.DeepEqual(checks[2].Unresolved, []string{"$team.lead"}) {
		t.Fatalf("review unresolved = %v", checks[2].Unresolved)
	}
}

func TestResolveChecklistEmpty(t *testing.T) {
	checks := ResolveChecklist(nil, nil)
	if checks == nil || len(checks) != 0 {
		t.Fatalf("expected empty slice, got %#v", checks)
	}
}
