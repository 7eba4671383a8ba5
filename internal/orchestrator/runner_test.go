package orchestrator

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/kingrea/converge/internal/evaluate"
	"github.com/kingrea/converge/internal/eventlog"
	"github.com/kingrea/converge/internal/feature"
	"github.com/kingrea/converge/internal/spawn"
	"github.com/kingrea/converge/internal/workflow"
	"github.com/kingrea/converge/internal/workflow/engine"
)

var testTopology = workflow.Topology{
	AssetTypes: []string{"design", "code", "unit_tests"},
	Transitions: []workflow.Transition{
		{Source: "design", Target: "code"},
		{Source: "code", Target: "unit_tests", CoEvolve: true},
	},
}

type harness struct {
	runner *Runner
	store  *feature.Store
	log    *eventlog.Log
	dir    string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dir := t.TempDir()
	for _, sub := range []string{"edges", "profiles"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			t.Fatal(err)
		}
	}
	writeFile(t, filepath.Join(dir, "profiles", "standard.yml"), `
profile: standard
graph:
  include: [design→code, code↔unit_tests]
`)
	writeFile(t, filepath.Join(dir, "profiles", "spike.yml"), `
profile: spike
vector_types: [discovery]
graph:
  include: [design→code]
time_box:
  duration: 1h
`)

	log, err := eventlog.New(filepath.Join(dir, "events", "events.jsonl"), "demo")
	if err != nil {
		t.Fatalf("event log: %v", err)
	}
	eng, err := engine.New(evaluate.NewDispatcher(dir, 10*time.Second, nil, 0), log)
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	store := feature.NewStore(filepath.Join(dir, "features"))
	profiles, err := workflow.LoadProfiles(filepath.Join(dir, "profiles"))
	if err != nil {
		t.Fatalf("profiles: %v", err)
	}
	spawner, err := spawn.NewManager(store, log, profiles, testTopology, filepath.Join(dir, "fold_back"))
	if err != nil {
		t.Fatalf("spawner: %v", err)
	}
	runner, err := NewRunner(Config{
		Engine:      eng,
		Store:       store,
		Events:      log,
		Spawner:     spawner,
		Topology:    testTopology,
		EdgesDir:    filepath.Join(dir, "edges"),
		ProfilesDir: filepath.Join(dir, "profiles"),
	})
	if err != nil {
		t.Fatalf("runner: %v", err)
	}
	return &harness{runner: runner, store: store, log: log, dir: dir}
}

func (h *harness) edgeConfig(t *testing.T, edge, body string) {
	t.Helper()
	writeFile(t, workflow.EdgeConfigPath(filepath.Join(h.dir, "edges"), workflow.MustParseEdge(edge)), body)
}

func (h *harness) eventTypes(t *testing.T) []string {
	t.Helper()
	events, _, err := h.log.Read()
	if err != nil {
		t.Fatalf("read events: %v", err)
	}
	out := make([]string, 0, len(events))
	for _, ev := range events {
		out = append(out, ev.EventType)
	}
	return out
}

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
}

const passingChecklist = `
checklist:
  - name: tests-pass
    type: deterministic
    criterion: unit tests pass
    command: "true"
    pass_criterion: exit code 0
`

const failingChecklist = `
checklist:
  - name: tests-pass
    type: deterministic
    criterion: unit tests pass
    command: "false"
  - name: lint
    type: deterministic
    criterion: lint is clean
    command: "false"
`

func TestRunEdgeConverges(t *testing.T) {
	h := newHarness(t)
	h.edgeConfig(t, "design→code", passingChecklist)

	result, err := h.runner.RunEdge(context.Background(), RunRequest{Feature: "REQ-F-001", Edge: "design->code"})
	if err != nil {
		t.Fatalf("run edge: %v", err)
	}
	if result.Outcome != OutcomeConverged || len(result.Iterations) != 1 {
		t.Fatalf("expected converged after one iteration, got %s after %d", result.Outcome, len(result.Iterations))
	}
	types := h.eventTypes(t)
	want := []string{eventlog.TypeEdgeStarted, eventlog.TypeIterationCompleted, eventlog.TypeEdgeConverged}
	if len(types) != len(want) {
		t.Fatalf("expected events %v, got %v", want, types)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("expected events %v, got %v", want, types)
		}
	}

	vector, err := h.store.Load("REQ-F-001")
	if err != nil {
		t.Fatalf("load feature: %v", err)
	}
	entry := vector.Trajectory["code"]
	if entry.Status != workflow.StatusConverged || entry.Iteration != 1 || entry.ConvergedAt == nil {
		t.Fatalf("unexpected trajectory entry %+v", entry)
	}
	if vector.Status != feature.StatusInProgress {
		t.Fatalf("feature should stay in progress until every edge converges, got %s", vector.Status)
	}

	again, err := h.runner.RunEdge(context.Background(), RunRequest{Feature: "REQ-F-001", Edge: "design→code"})
	if err != nil {
		t.Fatalf("rerun: %v", err)
	}
	if again.Outcome != OutcomeAlreadyConverged {
		t.Fatalf("expected already converged, got %s", again.Outcome)
	}
}

func TestRunEdgeMarksFeatureConvergedWhenProfileComplete(t *testing.T) {
	h := newHarness(t)
	h.edgeConfig(t, "design→code", passingChecklist)
	h.edgeConfig(t, "code↔unit_tests", passingChecklist)

	for _, edge := range []string{"design→code", "code↔unit_tests"} {
		if _, err := h.runner.RunEdge(context.Background(), RunRequest{Feature: "REQ-F-002", Edge: edge}); err != nil {
			t.Fatalf("run %s: %v", edge, err)
		}
	}
	vector, err := h.store.Load("REQ-F-002")
	if err != nil {
		t.Fatal(err)
	}
	if vector.Status != feature.StatusConverged {
		t.Fatalf("expected feature converged, got %s", vector.Status)
	}
	sel, err := h.runner.Next("REQ-F-002")
	if err != nil {
		t.Fatal(err)
	}
	if sel.Found {
		t.Fatalf("expected no edge left, got %s", sel.Edge)
	}
}

func TestRunEdgeSpawnsOnStall(t *testing.T) {
	h := newHarness(t)
	h.edgeConfig(t, "code↔unit_tests", failingChecklist)

	result, err := h.runner.RunEdge(context.Background(), RunRequest{Feature: "REQ-F-003", Edge: "code↔unit_tests"})
	if err != nil {
		t.Fatalf("run edge: %v", err)
	}
	if result.Outcome != OutcomeSpawned {
		t.Fatalf("expected spawn, got %s", result.Outcome)
	}
	if len(result.Iterations) != spawn.DefaultStallWindow {
		t.Fatalf("expected %d iterations, got %d", spawn.DefaultStallWindow, len(result.Iterations))
	}
	last, _ := result.Last()
	if last.Delta != 2 || last.SpawnRequested != "REQ-F-003-DISCOVERY-01" {
		t.Fatalf("unexpected final iteration %+v", last)
	}
	if result.Spawn == nil || result.Spawn.Profile != "spike" {
		t.Fatalf("expected spike child, got %+v", result.Spawn)
	}

	parent, err := h.store.Load("REQ-F-003")
	if err != nil {
		t.Fatal(err)
	}
	if parent.Trajectory["unit_tests"].Status != workflow.StatusBlocked {
		t.Fatalf("expected blocked edge, got %+v", parent.Trajectory)
	}

	_, err = h.runner.RunEdge(context.Background(), RunRequest{Feature: "REQ-F-003", Edge: "code↔unit_tests"})
	if !errors.Is(err, ErrEdgeBlocked) {
		t.Fatalf("expected ErrEdgeBlocked, got %v", err)
	}
}

func TestRunEdgeReportsStallWithoutSpawning(t *testing.T) {
	h := newHarness(t)
	h.edgeConfig(t, "code↔unit_tests", failingChecklist)

	result, err := h.runner.RunEdge(context.Background(), RunRequest{Feature: "REQ-F-004", Edge: "code↔unit_tests", NoSpawn: true})
	if err != nil {
		t.Fatalf("run edge: %v", err)
	}
	if result.Outcome != OutcomeStalled || result.Stall == nil || result.Spawn != nil {
		t.Fatalf("expected stall without spawn, got %+v", result)
	}
}

func TestRunEdgeBudgetFromEdgeConfig(t *testing.T) {
	h := newHarness(t)
	h.edgeConfig(t, "design→code", failingChecklist+`
convergence:
  max_iterations: 2
`)
	result, err := h.runner.RunEdge(context.Background(), RunRequest{Feature: "REQ-F-005", Edge: "design→code"})
	if err != nil {
		t.Fatalf("run edge: %v", err)
	}
	if result.Outcome != OutcomeBudgetExhausted || len(result.Iterations) != 2 {
		t.Fatalf("expected budget exhausted after 2, got %s after %d", result.Outcome, len(result.Iterations))
	}
}

func TestRunEdgeConfigErrorsBeforeAnyIteration(t *testing.T) {
	h := newHarness(t)

	_, err := h.runner.RunEdge(context.Background(), RunRequest{Feature: "REQ-F-006", Edge: "design→code"})
	if !errors.Is(err, workflow.ErrEdgeConfigNotFound) {
		t.Fatalf("expected ErrEdgeConfigNotFound, got %v", err)
	}
	_, err = h.runner.RunEdge(context.Background(), RunRequest{Feature: "REQ-F-006", Edge: "code→design"})
	if !errors.Is(err, ErrUnknownEdge) {
		t.Fatalf("expected ErrUnknownEdge, got %v", err)
	}
	if types := h.eventTypes(t); len(types) != 0 {
		t.Fatalf("expected no events, got %v", types)
	}
}

func TestEvaluateAdvancesIterationPerFeature(t *testing.T) {
	h := newHarness(t)
	h.edgeConfig(t, "design→code", failingChecklist)

	for want := 1; want <= 2; want++ {
		result, err := h.runner.Evaluate(context.Background(), EvaluateRequest{Feature: "REQ-F-007", Edge: "design→code"})
		if err != nil {
			t.Fatalf("evaluate: %v", err)
		}
		if result.Iteration != want {
			t.Fatalf("expected iteration %d, got %d", want, result.Iteration)
		}
	}

	result, err := h.runner.Evaluate(context.Background(), EvaluateRequest{Edge: "design→code"})
	if err != nil {
		t.Fatalf("evaluate without feature: %v", err)
	}
	if result.Iteration != 1 || result.Converged {
		t.Fatalf("unexpected anonymous iteration %+v", result)
	}
}

func TestNextFollowsProfileOrder(t *testing.T) {
	h := newHarness(t)
	h.edgeConfig(t, "design→code", passingChecklist)

	vector := feature.New("REQ-F-008", "Search", "standard")
	if err := h.store.Save(&vector); err != nil {
		t.Fatal(err)
	}
	sel, err := h.runner.Next("REQ-F-008")
	if err != nil {
		t.Fatal(err)
	}
	if sel.Edge != "design→code" {
		t.Fatalf("expected design→code first, got %q", sel.Edge)
	}
	if _, err := h.runner.RunEdge(context.Background(), RunRequest{Feature: "REQ-F-008", Edge: "design→code"}); err != nil {
		t.Fatal(err)
	}
	sel, err = h.runner.Next("REQ-F-008")
	if err != nil {
		t.Fatal(err)
	}
	if sel.Edge != "code↔unit_tests" {
		t.Fatalf("expected code↔unit_tests next, got %q", sel.Edge)
	}
}
