package engine

import (
	"github.com/kingrea/converge/internal/evaluate"
	"github.com/kingrea/converge/internal/workflow"
)

// EvaluationResult aggregates one iteration on one edge. Converged is true
// exactly when Delta is zero, and there is one escalation per required check
// that failed or errored.
type EvaluationResult struct {
	Edge           string                 `json:"edge"`
	Feature        string                 `json:"feature,omitempty"`
	Iteration      int                    `json:"iteration"`
	Checks         []evaluate.CheckResult `json:"checks"`
	Counts         Counts                 `json:"counts"`
	Delta          int                    `json:"delta"`
	Converged      bool                   `json:"converged"`
	Escalations    []string               `json:"escalations"`
	SpawnRequested string                 `json:"spawn_requested,omitempty"`
}

// Counts tallies outcomes across every check, required or not.
type Counts struct {
	Pass  int `json:"pass"`
	Fail  int `json:"fail"`
	Skip  int `json:"skip"`
	Error int `json:"error"`
}

func (c *Counts) add(outcome evaluate.Outcome) {
	switch outcome {
	case evaluate.OutcomePass:
		c.Pass++
	case evaluate.OutcomeFail:
		c.Fail++
	case evaluate.OutcomeSkip:
		c.Skip++
	case evaluate.OutcomeError:
		c.Error++
	}
}

// Failing returns the required checks that count toward delta.
func (r EvaluationResult) Failing() []evaluate.CheckResult {
	var out []evaluate.CheckResult
	for _, check := range r.Checks {
		if check.Required && check.Outcome.Failing() {
			out = append(out, check)
		}
	}
	return out
}

// EscalationTag names the evaluator category a failing check should be
// handed to next.
func EscalationTag(result evaluate.CheckResult) string {
	switch result.CheckType {
	case workflow.CheckTypeDeterministic:
		return "D→agent: " + result.Name
	case workflow.CheckTypeAgent:
		return "agent→human: " + result.Name
	case workflow.CheckTypeHuman:
		return "human→review: " + result.Name
	default:
		return "unknown→review: " + result.Name
	}
}

// summarize computes counts, delta, convergence and escalations from the
// checks already collected on r.
func (r *EvaluationResult) summarize() {
	r.Counts = Counts{}
	r.Escalations = []string{}
	r.Delta = 0
	for _, check := range r.Checks {
		r.Counts.add(check.Outcome)
		if check.Required && check.Outcome.Failing() {
			r.Delta++
			r.Escalations = append(r.Escalations, EscalationTag(check))
		}
	}
	r.Converged = r.Delta == 0
}
