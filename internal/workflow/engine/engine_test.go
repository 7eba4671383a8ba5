package engine

import (
	"context"
	"errors"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/kingrea/converge/internal/evaluate"
	"github.com/kingrea/converge/internal/eventlog"
	"github.com/kingrea/converge/internal/workflow"
	"github.com/kingrea/converge/internal/workflow/resolver"
)

func newEngineHarness(t *testing.T, evaluator evaluate.Evaluator) (*Engine, *eventlog.Log) {
	t.Helper()
	log, err := eventlog.New(filepath.Join(t.TempDir(), "events.jsonl"), "demo")
	if err != nil {
		t.Fatalf("event log: %v", err)
	}
	if evaluator == nil {
		evaluator = evaluate.NewDispatcher(t.TempDir(), 10*time.Second, nil, 0)
	}
	eng, err := New(evaluator, log)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	return eng, log
}

func readEvents(t *testing.T, log *eventlog.Log) []eventlog.Event {
	t.Helper()
	events, malformed, err := log.Read()
	if err != nil || len(malformed) != 0 {
		t.Fatalf("read events: %v %v", err, malformed)
	}
	return events
}

func singleCheck(command string) []workflow.CheckDefinition {
	return []workflow.CheckDefinition{{
		Name:          "tests-pass",
		Type:          workflow.CheckTypeDeterministic,
		Criterion:     "unit tests pass",
		Command:       command,
		PassCriterion: "exit code 0",
	}}
}

func TestIteratePassingCheckConverges(t *testing.T) {
	eng, log := newEngineHarness(t, nil)
	result, err := eng.Iterate(context.Background(), Request{
		Edge:      workflow.MustParseEdge("code↔unit_tests"),
		Feature:   "REQ-F-001",
		Checklist: singleCheck("true"),
	})
	if err != nil {
		t.Fatalf("iterate: %v", err)
	}
	if result.Delta != 0 || !result.Converged {
		t.Fatalf("expected convergence, got delta=%d converged=%v", result.Delta, result.Converged)
	}
	events := readEvents(t, log)
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].EventType != eventlog.TypeIterationCompleted || events[1].EventType != eventlog.TypeEdgeConverged {
		t.Fatalf("unexpected event order: %s, %s", events[0].EventType, events[1].EventType)
	}
	if events[0].String("feature") != "REQ-F-001" || events[0].String("edge") != "code↔unit_tests" {
		t.Fatalf("iteration event missing identity: %+v", events[0].Data)
	}
}

func TestIterateFailingCheckEscalates(t *testing.T) {
	eng, log := newEngineHarness(t, nil)
	result, err := eng.Iterate(context.Background(), Request{
		Edge:      workflow.MustParseEdge("code↔unit_tests"),
		Checklist: singleCheck("false"),
	})
	if err != nil {
		t.Fatalf("iterate: %v", err)
	}
	if result.Delta != 1 || result.Converged {
		t.Fatalf("expected delta 1, got %d (converged=%v)", result.Delta, result.Converged)
	}
	if !reflect.DeepEqual(result.Escalations, []string{"D→agent: tests-pass"}) {
		t.Fatalf("escalations = %v", result.Escalations)
	}
	events := readEvents(t, log)
	if len(events) != 1 || events[0].EventType != eventlog.TypeIterationCompleted {
		t.Fatalf("expected only iteration_completed, got %+v", events)
	}
	if delta, _ := events[0].Int("delta"); delta != 1 {
		t.Fatalf("event delta = %d", delta)
	}
}

func TestIterateEmptyChecklistConverges(t *testing.T) {
	eng, log := newEngineHarness(t, nil)
	result, err := eng.Iterate(context.Background(), Request{Edge: workflow.MustParseEdge("design→code")})
	if err != nil {
		t.Fatalf("iterate: %v", err)
	}
	if !result.Converged || len(result.Checks) != 0 || result.Escalations == nil {
		t.Fatalf("unexpected result %+v", result)
	}
	if got := len(readEvents(t, log)); got != 2 {
		t.Fatalf("expected 2 events, got %d", got)
	}
}

func TestIterateUnresolvedVariableSkips(t *testing.T) {
	eng, _ := newEngineHarness(t, nil)
	result, err := eng.Iterate(context.Background(), Request{
		Edge:        workflow.MustParseEdge("design→code"),
		Checklist:   singleCheck("$tools.missing.command"),
		Constraints: map[string]any{"tools": map[string]any{}},
	})
	if err != nil {
		t.Fatalf("iterate: %v", err)
	}
	check := result.Checks[0]
	if check.Outcome != evaluate.OutcomeSkip || !strings.Contains(check.Message, "unresolved") {
		t.Fatalf("expected unresolved skip, got %+v", check)
	}
	if !result.Converged {
		t.Fatalf("skipped checks do not count toward delta")
	}
}

type scriptedEvaluator struct {
	outcomes map[string]evaluate.Outcome
	order    []string
}

func (s *scriptedEvaluator) Evaluate(_ context.Context, check resolver.ResolvedCheck, candidate evaluate.Candidate) evaluate.CheckResult {
	s.order = append(s.order, check.Name)
	return evaluate.CheckResult{
		Name:      check.Name,
		Outcome:   s.outcomes[check.Name],
		Required:  check.Required,
		CheckType: check.CheckType,
	}
}

func TestDeltaCountsOnlyRequiredFailures(t *testing.T) {
	scripted := &scriptedEvaluator{outcomes: map[string]evaluate.Outcome{
		"lint":     evaluate.OutcomeFail,
		"style":    evaluate.OutcomeFail,
		"review":   evaluate.OutcomeError,
		"coverage": evaluate.OutcomePass,
		"signoff":  evaluate.OutcomeSkip,
	}}
	eng, _ := newEngineHarness(t, scripted)
	checklist := []workflow.CheckDefinition{
		{Name: "lint", Type: workflow.CheckTypeDeterministic, Criterion: "lint"},
		{Name: "style", Type: workflow.CheckTypeDeterministic, Criterion: "style", Required: workflow.Required(false)},
		{Name: "review", Type: workflow.CheckTypeAgent, Criterion: "review"},
		{Name: "coverage", Type: workflow.CheckTypeDeterministic, Criterion: "coverage"},
		{Name: "signoff", Type: workflow.CheckTypeHuman, Criterion: "signoff"},
	}
	result, err := eng.Iterate(context.Background(), Request{Edge: workflow.MustParseEdge("design→code"), Checklist: checklist})
	if err != nil {
		t.Fatalf("iterate: %v", err)
	}
	if result.Delta != 2 {
		t.Fatalf("delta = %d, want 2", result.Delta)
	}
	if len(result.Escalations) != result.Delta {
		t.Fatalf("escalations %v do not match delta %d", result.Escalations, result.Delta)
	}
	want := []string{"D→agent: lint", "agent→human: review"}
	if !reflect.DeepEqual(result.Escalations, want) {
		t.Fatalf("escalations = %v, want %v", result.Escalations, want)
	}
	if !reflect.DeepEqual(scripted.order, []string{"lint", "style", "review", "coverage", "signoff"}) {
		t.Fatalf("checks evaluated out of order: %v", scripted.order)
	}
	if result.Counts != (Counts{Pass: 1, Fail: 2, Skip: 1, Error: 1}) {
		t.Fatalf("counts = %+v", result.Counts)
	}
}

func TestIterateRejectsMissingEdge(t *testing.T) {
	eng, _ := newEngineHarness(t, nil)
	if _, err := eng.Iterate(context.Background(), Request{}); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest, got %v", err)
	}
}

type failingSink struct{}

func (failingSink) Emit(string, map[string]any) (eventlog.Event, error) {
	return eventlog.Event{}, errors.New("disk full")
}

func TestIterateSurfacesEmissionFailure(t *testing.T) {
	eng, err := New(&scriptedEvaluator{}, failingSink{})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	result, err := eng.Iterate(context.Background(), Request{Edge: workflow.MustParseEdge("design→code")})
	if err == nil || !strings.Contains(err.Error(), "disk full") {
		t.Fatalf("expected emission error, got %v", err)
	}
	if !result.Converged {
		t.Fatalf("result should still be computed")
	}
}

type recordingObserver struct {
	checks     int
	iterations []EvaluationResult
}

func (r *recordingObserver) CheckEvaluated(string, evaluate.CheckResult) { r.checks++ }

func (r *recordingObserver) IterationCompleted(result EvaluationResult) {
	r.iterations = append(r.iterations, result)
}

func TestObserverSeesEveryCheck(t *testing.T) {
	observer := &recordingObserver{}
	log, err := eventlog.New(filepath.Join(t.TempDir(), "events.jsonl"), "demo")
	if err != nil {
		t.Fatalf("log: %v", err)
	}
	scripted := &scriptedEvaluator{outcomes: map[string]evaluate.Outcome{"a": evaluate.OutcomePass, "b": evaluate.OutcomeFail}}
	eng, err := New(scripted, log, WithObserver(observer))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	checklist := []workflow.CheckDefinition{
		{Name: "a", Type: workflow.CheckTypeDeterministic, Criterion: "a"},
		{Name: "b", Type: workflow.CheckTypeDeterministic, Criterion: "b"},
	}
	if _, err := eng.Iterate(context.Background(), Request{Edge: workflow.MustParseEdge("a→b"), Iteration: 3, Checklist: checklist}); err != nil {
		t.Fatalf("iterate: %v", err)
	}
	if observer.checks != 2 || len(observer.iterations) != 1 || observer.iterations[0].Iteration != 3 {
		t.Fatalf("observer saw %d checks, %+v", observer.checks, observer.iterations)
	}
}
