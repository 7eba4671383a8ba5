package evaluate

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kingrea/converge/internal/workflow"
	"github.com/kingrea/converge/internal/workflow/resolver"
)

// DefaultAgentTimeout bounds a single provider call.
const DefaultAgentTimeout = 300 * time.Second

// Agent delegates agent checks to a Provider.
type Agent struct {
	Provider Provider
	Timeout  time.Duration
}

// Evaluate implements Evaluator.
func (a *Agent) Evaluate(ctx context.Context, check resolver.ResolvedCheck, candidate Candidate) CheckResult {
	if check.CheckType != workflow.CheckTypeAgent {
		return Skip(check, fmt.Sprintf("not an agent check (type %s)", check.CheckType))
	}
	if a == nil || a.Provider == nil {
		return Skip(check, "agent evaluation disabled: no provider configured")
	}
	if check.HasUnresolved() {
		return Skip(check, "unresolved variables: "+strings.Join(check.Unresolved, ", "))
	}
	timeout := a.Timeout
	if timeout <= 0 {
		timeout = DefaultAgentTimeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	started := time.Now()
	result := a.Provider.Evaluate(callCtx, check, candidate.Content, candidate.Context)
	if callCtx.Err() != nil && result.Outcome != OutcomePass && result.Outcome != OutcomeFail {
		result.Outcome = OutcomeError
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			result.Message = fmt.Sprintf("provider %s timed out after %s", a.Provider.Name(), timeout)
		} else {
			result.Message = fmt.Sprintf("provider %s cancelled: %v", a.Provider.Name(), callCtx.Err())
		}
	}
	if result.Duration == 0 {
		result.Duration = time.Since(started)
	}
	return stamp(result, check)
}

// Human defers every human check; there is no interactive mode.
type Human struct{}

// Evaluate implements Evaluator.
func (Human) Evaluate(_ context.Context, check resolver.ResolvedCheck, _ Candidate) CheckResult {
	return Skip(check, "deferred: human review is not performed in unattended mode")
}
