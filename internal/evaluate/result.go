// Package evaluate runs resolved checks against a candidate artifact. Each
// evaluator returns a CheckResult; failures are data, never Go errors.
package evaluate

import (
	"context"
	"time"

	"github.com/kingrea/converge/internal/workflow"
	"github.com/kingrea/converge/internal/workflow/resolver"
)

// Outcome is the verdict of a single check.
type Outcome string

const (
	OutcomePass  Outcome = "pass"
	OutcomeFail  Outcome = "fail"
	OutcomeSkip  Outcome = "skip"
	OutcomeError Outcome = "error"
)

// Valid reports whether o is one of the known outcomes.
func (o Outcome) Valid() bool {
	switch o {
	case OutcomePass, OutcomeFail, OutcomeSkip, OutcomeError:
		return true
	}
	return false
}

// Failing reports whether the outcome counts against convergence when the
// check is required.
func (o Outcome) Failing() bool {
	return o == OutcomeFail || o == OutcomeError
}

// CheckResult is produced by exactly one evaluator call.
type CheckResult struct {
	Name      string             `json:"name"`
	Outcome   Outcome            `json:"outcome"`
	Required  bool               `json:"required"`
	CheckType workflow.CheckType `json:"check_type"`
	Message   string             `json:"message"`
	ExitCode  *int               `json:"exit_code,omitempty"`
	Stdout    string             `json:"stdout,omitempty"`
	Stderr    string             `json:"stderr,omitempty"`
	Duration  time.Duration      `json:"duration_ns,omitempty"`
}

// Candidate is the artifact under evaluation.
type Candidate struct {
	// Path is where the candidate was read from, if anywhere.
	Path string
	// Content is the candidate text handed to agent providers.
	Content string
	// Context carries free-form data such as feature and edge identity.
	Context map[string]any
}

// Evaluator judges one resolved check.
type Evaluator interface {
	Evaluate(ctx context.Context, check resolver.ResolvedCheck, candidate Candidate) CheckResult
}

// Provider is an external reasoning backend used for agent checks. A provider
// only returns a result; it must not append events, write files, or pick the
// next edge.
type Provider interface {
	Name() string
	Evaluate(ctx context.Context, check resolver.ResolvedCheck, candidate string, meta map[string]any) CheckResult
}

func newResult(check resolver.ResolvedCheck, outcome Outcome, message string) CheckResult {
	return CheckResult{
		Name:      check.Name,
		Outcome:   outcome,
		Required:  check.Required,
		CheckType: check.CheckType,
		Message:   message,
	}
}

// Skip builds a skip result for check.
func Skip(check resolver.ResolvedCheck, message string) CheckResult {
	return newResult(check, OutcomeSkip, message)
}

// Error builds an error result for check.
func Error(check resolver.ResolvedCheck, message string) CheckResult {
	return newResult(check, OutcomeError, message)
}

// stamp copies the check identity onto a result returned by a collaborator.
func stamp(result CheckResult, check resolver.ResolvedCheck) CheckResult {
	result.Name = check.Name
	result.Required = check.Required
	result.CheckType = check.CheckType
	if !result.Outcome.Valid() {
		result.Message = "invalid outcome " + string(result.Outcome) + ": " + result.Message
		result.Outcome = OutcomeError
	}
	return result
}
