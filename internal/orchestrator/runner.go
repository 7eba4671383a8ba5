package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/kingrea/converge/internal/evaluate"
	"github.com/kingrea/converge/internal/eventlog"
	"github.com/kingrea/converge/internal/feature"
	"github.com/kingrea/converge/internal/spawn"
	"github.com/kingrea/converge/internal/workflow"
	"github.com/kingrea/converge/internal/workflow/engine"
	"github.com/kingrea/converge/internal/workflow/router"
)

const (
	// DefaultMaxIterations bounds run-edge when neither the edge config nor the
	// caller sets a budget.
	DefaultMaxIterations = 5
	// DefaultVectorType is used for children spawned from a stall.
	DefaultVectorType = "discovery"
)

var (
	// ErrEdgeBlocked is returned when the edge waits on a spawned child.
	ErrEdgeBlocked = errors.New("orchestrator: edge is blocked")
	// ErrUnknownEdge is returned when the edge is not declared in the graph.
	ErrUnknownEdge = errors.New("orchestrator: edge not declared in graph")
)

// Outcome summarises how a run-edge loop ended.
type Outcome string

const (
	OutcomeConverged        Outcome = "converged"
	OutcomeAlreadyConverged Outcome = "already_converged"
	OutcomeStalled          Outcome = "stalled"
	OutcomeSpawned          Outcome = "spawned"
	OutcomeBudgetExhausted  Outcome = "budget_exhausted"
)

// EventLog is the slice of the event log the runner needs.
type EventLog interface {
	Emit(eventType string, data map[string]any) (eventlog.Event, error)
	Read() ([]eventlog.Event, []eventlog.Malformed, error)
}

// Config wires a Runner. Engine, Store, and Events are required.
type Config struct {
	Engine         *engine.Engine
	Store          *feature.Store
	Events         EventLog
	Spawner        *spawn.Manager
	Topology       workflow.Topology
	EdgesDir       string
	ProfilesDir    string
	Constraints    map[string]any
	MaxIterations  int
	StallWindow    int
	DefaultProfile string
	Claimer        Claimer
	Logger         *slog.Logger
	Clock          func() time.Time
}

// Runner owns the run-edge loop for one project.
type Runner struct {
	cfg Config
}

// NewRunner validates cfg and fills defaults.
func NewRunner(cfg Config) (*Runner, error) {
	if cfg.Engine == nil {
		return nil, fmt.Errorf("orchestrator: engine is required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("orchestrator: feature store is required")
	}
	if cfg.Events == nil {
		return nil, fmt.Errorf("orchestrator: event log is required")
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = DefaultMaxIterations
	}
	if cfg.StallWindow <= 0 {
		cfg.StallWindow = spawn.DefaultStallWindow
	}
	if strings.TrimSpace(cfg.DefaultProfile) == "" {
		cfg.DefaultProfile = "standard"
	}
	if cfg.Claimer == nil {
		cfg.Claimer = NopClaimer{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Constraints == nil {
		cfg.Constraints = map[string]any{}
	}
	return &Runner{cfg: cfg}, nil
}

// RunRequest describes one run-edge invocation.
type RunRequest struct {
	Feature   string
	Edge      string
	Candidate evaluate.Candidate
	// MaxIterations overrides the edge and project budget when positive.
	MaxIterations int
	// VectorType and Question describe the child spawned on a stall.
	VectorType string
	Question   string
	// NoSpawn reports stalls without creating a child.
	NoSpawn bool
}

// RunResult is the outcome of a run-edge loop.
type RunResult struct {
	Feature    string                    `json:"feature"`
	Edge       string                    `json:"edge"`
	Outcome    Outcome                   `json:"outcome"`
	Iterations []engine.EvaluationResult `json:"iterations"`
	Stall      *spawn.Stall              `json:"stall,omitempty"`
	Spawn      *spawn.Result             `json:"spawn,omitempty"`
}

// Last returns the final iteration, if any ran.
func (r RunResult) Last() (engine.EvaluationResult, bool) {
	if len(r.Iterations) == 0 {
		return engine.EvaluationResult{}, false
	}
	return r.Iterations[len(r.Iterations)-1], true
}

// EvaluateRequest describes a single iteration.
type EvaluateRequest struct {
	Feature   string
	Edge      string
	Iteration int
	Candidate evaluate.Candidate
}

// Evaluate runs exactly one iteration. When a feature is named its
// trajectory is advanced; otherwise nothing but the event log is touched.
func (r *Runner) Evaluate(ctx context.Context, req EvaluateRequest) (engine.EvaluationResult, error) {
	edge, cfg, err := r.loadEdge(req.Edge)
	if err != nil {
		return engine.EvaluationResult{}, err
	}
	if strings.TrimSpace(req.Feature) == "" {
		return r.cfg.Engine.Iterate(ctx, engine.Request{
			Edge:        edge,
			Iteration:   req.Iteration,
			Checklist:   cfg.Checklist,
			Constraints: r.cfg.Constraints,
			Candidate:   req.Candidate,
		})
	}
	release, err := r.cfg.Claimer.Claim(ctx, req.Feature, edge.String())
	if err != nil {
		return engine.EvaluationResult{}, err
	}
	defer release()
	vector, err := r.openFeature(req.Feature, edge)
	if err != nil {
		return engine.EvaluationResult{}, err
	}
	return r.step(ctx, &vector, edge, cfg, req.Candidate)
}

// RunEdge iterates edge for a feature until it converges, the budget runs
// out, or a stall is detected. On a stall a child is spawned unless NoSpawn
// is set, leaving the edge blocked until the child is folded back.
func (r *Runner) RunEdge(ctx context.Context, req RunRequest) (RunResult, error) {
	edge, cfg, err := r.loadEdge(req.Edge)
	if err != nil {
		return RunResult{}, err
	}
	if strings.TrimSpace(req.Feature) == "" {
		return RunResult{}, fmt.Errorf("orchestrator: feature is required")
	}
	release, err := r.cfg.Claimer.Claim(ctx, req.Feature, edge.String())
	if err != nil {
		return RunResult{}, err
	}
	defer release()

	vector, err := r.openFeature(req.Feature, edge)
	if err != nil {
		return RunResult{}, err
	}
	result := RunResult{Feature: vector.Feature, Edge: edge.String()}
	if vector.EdgeStatus(edge) == workflow.StatusConverged {
		result.Outcome = OutcomeAlreadyConverged
		return result, nil
	}

	budget := firstPositive(req.MaxIterations, cfg.Convergence.MaxIterations, r.cfg.MaxIterations)
	window := firstPositive(cfg.Convergence.StallWindow, r.cfg.StallWindow)
	for i := 0; i < budget; i++ {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		iteration, err := r.step(ctx, &vector, edge, cfg, req.Candidate)
		if err != nil {
			return result, err
		}
		result.Iterations = append(result.Iterations, iteration)
		if iteration.Converged {
			result.Outcome = OutcomeConverged
			return result, nil
		}

		stall, stalled, err := r.detectStall(vector.Feature, edge, window)
		if err != nil {
			return result, err
		}
		if !stalled {
			continue
		}
		result.Stall = &stall
		if req.NoSpawn || r.cfg.Spawner == nil {
			result.Outcome = OutcomeStalled
			r.cfg.Logger.Warn("edge stalled", "feature", vector.Feature, "edge", edge.String(), "delta", stall.Delta)
			return result, nil
		}
		spawned, err := r.cfg.Spawner.Spawn(ctx, spawn.Request{
			Question:        req.Question,
			VectorType:      firstNonEmpty(req.VectorType, DefaultVectorType),
			ParentFeature:   vector.Feature,
			TriggeredAtEdge: edge.String(),
		})
		if err != nil {
			return result, err
		}
		result.Iterations[len(result.Iterations)-1].SpawnRequested = spawned.ChildID
		result.Spawn = &spawned
		result.Outcome = OutcomeSpawned
		return result, nil
	}
	result.Outcome = OutcomeBudgetExhausted
	r.cfg.Logger.Warn("iteration budget exhausted", "feature", vector.Feature, "edge", edge.String(), "budget", budget)
	return result, nil
}

// Next consults the router for the feature's next edge under its profile.
func (r *Runner) Next(featureID string) (router.Selection, error) {
	vector, err := r.cfg.Store.Load(featureID)
	if err != nil {
		return router.Selection{}, err
	}
	plan, err := r.plan(vector)
	if err != nil {
		return router.Selection{}, err
	}
	return router.SelectFromPlan(vector.Statuses(), plan), nil
}

func (r *Runner) step(ctx context.Context, vector *feature.Vector, edge workflow.Edge, cfg workflow.EdgeConfig, candidate evaluate.Candidate) (engine.EvaluationResult, error) {
	entry, _ := vector.Entry(edge)
	if entry.Status == workflow.StatusBlocked {
		return engine.EvaluationResult{}, fmt.Errorf("%w: %s on %s waits on %s", ErrEdgeBlocked, edge, vector.Feature, entry.BlockedBy)
	}
	iteration := entry.Iteration + 1
	if iteration == 1 {
		if _, err := r.cfg.Events.Emit(eventlog.TypeEdgeStarted, map[string]any{
			"feature": vector.Feature,
			"edge":    edge.String(),
			"profile": vector.Profile,
		}); err != nil {
			return engine.EvaluationResult{}, fmt.Errorf("orchestrator: emit %s: %w", eventlog.TypeEdgeStarted, err)
		}
	}
	candidate, err := refreshCandidate(candidate)
	if err != nil {
		return engine.EvaluationResult{}, err
	}
	result, err := r.cfg.Engine.Iterate(ctx, engine.Request{
		Edge:        edge,
		Feature:     vector.Feature,
		Iteration:   iteration,
		Checklist:   cfg.Checklist,
		Constraints: r.cfg.Constraints,
		Candidate:   candidate,
	})
	if err != nil {
		return result, err
	}

	now := r.cfg.Clock().UTC()
	vector.UpdateEdge(edge, func(e *feature.TrajectoryEntry) {
		if e.StartedAt == nil {
			e.StartedAt = &now
		}
		e.Iteration = result.Iteration
		e.Delta = result.Delta
		if result.Converged {
			e.Status = workflow.StatusConverged
			e.ConvergedAt = &now
		} else {
			e.Status = workflow.StatusIterating
			e.ConvergedAt = nil
		}
	})
	if result.Converged {
		r.markFeatureConverged(vector)
	}
	if err := r.cfg.Store.Save(vector); err != nil {
		return result, err
	}
	return result, nil
}

func (r *Runner) detectStall(featureID string, edge workflow.Edge, window int) (spawn.Stall, bool, error) {
	events, malformed, err := r.cfg.Events.Read()
	if err != nil {
		return spawn.Stall{}, false, fmt.Errorf("orchestrator: read events: %w", err)
	}
	for _, bad := range malformed {
		r.cfg.Logger.Warn("skipping malformed event", "line", bad.Line, "error", bad.Err)
	}
	stall, ok := spawn.DetectStall(events, featureID, edge.String(), window)
	return stall, ok, nil
}

// markFeatureConverged flips the feature to converged once every included
// edge of its profile has converged.
func (r *Runner) markFeatureConverged(vector *feature.Vector) {
	plan, err := r.plan(*vector)
	if err != nil {
		r.cfg.Logger.Debug("feature status not updated", "feature", vector.Feature, "error", err)
		return
	}
	if len(plan.Include) == 0 {
		return
	}
	trajectory := vector.Statuses()
	for _, edge := range plan.Include {
		if router.EdgeStatus(trajectory, edge.String()) != workflow.StatusConverged {
			return
		}
	}
	vector.Status = feature.StatusConverged
}

func (r *Runner) plan(vector feature.Vector) (workflow.EdgePlan, error) {
	profile, err := workflow.LoadProfile(r.cfg.ProfilesDir, firstNonEmpty(vector.Profile, r.cfg.DefaultProfile))
	if err != nil {
		return workflow.EdgePlan{}, err
	}
	return profile.Plan(r.cfg.Topology)
}

func (r *Runner) loadEdge(name string) (workflow.Edge, workflow.EdgeConfig, error) {
	edge, err := workflow.ParseEdge(name)
	if err != nil {
		return workflow.Edge{}, workflow.EdgeConfig{}, err
	}
	if len(r.cfg.Topology.Transitions) > 0 {
		declared, ok := r.cfg.Topology.Lookup(edge.String())
		if !ok {
			return workflow.Edge{}, workflow.EdgeConfig{}, fmt.Errorf("%w: %s", ErrUnknownEdge, edge)
		}
		edge = declared
	}
	cfg, err := workflow.LoadEdgeConfig(r.cfg.EdgesDir, edge)
	if err != nil {
		return workflow.Edge{}, workflow.EdgeConfig{}, err
	}
	return edge, cfg, nil
}

// openFeature loads the feature record, creating it on the default profile
// when it does not exist yet.
func (r *Runner) openFeature(id string, edge workflow.Edge) (feature.Vector, error) {
	vector, err := r.cfg.Store.Load(id)
	if err == nil {
		return vector, nil
	}
	if !errors.Is(err, feature.ErrFeatureNotFound) {
		return feature.Vector{}, err
	}
	vector = feature.New(id, id, r.cfg.DefaultProfile)
	if err := r.cfg.Store.Save(&vector); err != nil {
		return feature.Vector{}, err
	}
	r.cfg.Logger.Info("feature created", "feature", id, "profile", vector.Profile, "edge", edge.String())
	return vector, nil
}

// refreshCandidate re-reads a file-backed candidate so every iteration sees
// the artifact as it is now.
func refreshCandidate(candidate evaluate.Candidate) (evaluate.Candidate, error) {
	if candidate.Path == "" || candidate.Path == "-" {
		return candidate, nil
	}
	content, err := os.ReadFile(candidate.Path)
	if err != nil {
		return candidate, fmt.Errorf("orchestrator: read candidate %s: %w", candidate.Path, err)
	}
	candidate.Content = string(content)
	return candidate, nil
}

func firstPositive(values ...int) int {
	for _, v := range values {
		if v > 0 {
			return v
		}
	}
	return 0
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
