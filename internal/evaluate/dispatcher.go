package evaluate

import (
	"context"
	"fmt"
	"time"

	"github.com/kingrea/converge/internal/workflow"
	"github.com/kingrea/converge/internal/workflow/resolver"
)

// Dispatcher routes a check to the evaluator for its category.
type Dispatcher struct {
	Deterministic Evaluator
	Agent         Evaluator
	Human         Evaluator
	// DeterministicOnly skips every agent check.
	DeterministicOnly bool
}

// NewDispatcher wires the default evaluators. provider may be nil, in which
// case agent checks are skipped.
func NewDispatcher(dir string, deterministicTimeout time.Duration, provider Provider, agentTimeout time.Duration) *Dispatcher {
	d := &Dispatcher{
		Deterministic: &Deterministic{Dir: dir, Timeout: deterministicTimeout},
		Human:         Human{},
	}
	if provider != nil {
		d.Agent = &Agent{Provider: provider, Timeout: agentTimeout}
	}
	return d
}

// Evaluate implements Evaluator.
func (d *Dispatcher) Evaluate(ctx context.Context, check resolver.ResolvedCheck, candidate Candidate) CheckResult {
	var evaluator Evaluator
	switch check.CheckType {
	case workflow.CheckTypeDeterministic:
		evaluator = d.Deterministic
	case workflow.CheckTypeAgent:
		if d.DeterministicOnly || d.Agent == nil {
			return Skip(check, "agent evaluation disabled")
		}
		evaluator = d.Agent
	case workflow.CheckTypeHuman:
		evaluator = d.Human
		if evaluator == nil {
			evaluator = Human{}
		}
	default:
		return Skip(check, fmt.Sprintf("unknown check type %q", check.CheckType))
	}
	if evaluator == nil {
		return Skip(check, fmt.Sprintf("no %s evaluator configured", check.CheckType))
	}
	return stamp(evaluator.Evaluate(ctx, check, candidate), check)
}
