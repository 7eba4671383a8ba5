package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/kingrea/converge/internal/evaluate"
	"github.com/kingrea/converge/internal/eventlog"
	"github.com/kingrea/converge/internal/workflow"
	"github.com/kingrea/converge/internal/workflow/resolver"
)

// ErrInvalidRequest is returned when an iteration request is missing
// identifying fields.
var ErrInvalidRequest = errors.New("workflow engine: invalid request")

// EventSink receives the events an iteration produces.
type EventSink interface {
	Emit(eventType string, data map[string]any) (eventlog.Event, error)
}

// Observer is notified of evaluation progress. Metrics hang off it.
type Observer interface {
	CheckEvaluated(edge string, result evaluate.CheckResult)
	IterationCompleted(result EvaluationResult)
}

// Engine runs checklist iterations.
type Engine struct {
	evaluator evaluate.Evaluator
	events    EventSink
	observer  Observer
	clock     func() time.Time
	logger    *slog.Logger
}

// Option customizes the engine instance.
type Option func(*Engine)

// WithClock injects a deterministic clock (primarily for tests).
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) {
		if clock != nil {
			e.clock = clock
		}
	}
}

// WithLogger sets the diagnostic logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithObserver attaches an Observer such as the metrics recorder.
func WithObserver(observer Observer) Option {
	return func(e *Engine) {
		e.observer = observer
	}
}

// New wires an engine to its evaluator and event sink.
func New(evaluator evaluate.Evaluator, events EventSink, opts ...Option) (*Engine, error) {
	if evaluator == nil {
		return nil, fmt.Errorf("workflow engine: evaluator is required")
	}
	if events == nil {
		return nil, fmt.Errorf("workflow engine: event sink is required")
	}
	engine := &Engine{
		evaluator: evaluator,
		events:    events,
		clock:     time.Now,
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(engine)
	}
	return engine, nil
}

// Request describes one iteration.
type Request struct {
	Edge        workflow.Edge
	Feature     string
	Iteration   int
	Checklist   []workflow.CheckDefinition
	Constraints map[string]any
	Candidate   evaluate.Candidate
}

// Iterate resolves the checklist, evaluates every check in order, and appends
// iteration_completed (plus edge_converged when delta is zero). Check failures
// are reported in the result; the returned error is only for invalid requests
// and event emission failures.
func (e *Engine) Iterate(ctx context.Context, req Request) (EvaluationResult, error) {
	if req.Edge.Source == "" || req.Edge.Target == "" {
		return EvaluationResult{}, fmt.Errorf("%w: edge is required", ErrInvalidRequest)
	}
	if req.Iteration <= 0 {
		req.Iteration = 1
	}
	edge := req.Edge.String()
	ctx, span := startIterateSpan(ctx, edge, req.Feature, req.Iteration)
	defer span.End()

	checks := resolver.ResolveChecklist(req.Checklist, req.Constraints)
	candidate := req.Candidate
	candidate.Context = withIdentity(candidate.Context, edge, req.Feature, req.Iteration)

	result := EvaluationResult{
		Edge:      edge,
		Feature:   req.Feature,
		Iteration: req.Iteration,
		Checks:    make([]evaluate.CheckResult, 0, len(checks)),
	}
	started := e.clock()
	for _, check := range checks {
		checkCtx, checkSpan := startCheckSpan(ctx, check)
		outcome := e.evaluator.Evaluate(checkCtx, check, candidate)
		endCheckSpan(checkSpan, outcome)
		result.Checks = append(result.Checks, outcome)
		if e.observer != nil {
			e.observer.CheckEvaluated(edge, outcome)
		}
		e.logger.Debug("check evaluated",
			"edge", edge,
			"check", outcome.Name,
			"outcome", outcome.Outcome,
			"required", outcome.Required,
		)
	}
	result.summarize()
	setIterateSpanResult(span, result)

	if err := e.emit(result, e.clock().Sub(started)); err != nil {
		recordSpanError(span, err)
		return result, err
	}
	if e.observer != nil {
		e.observer.IterationCompleted(result)
	}
	e.logger.Info("iteration completed",
		"edge", edge,
		"feature", req.Feature,
		"iteration", req.Iteration,
		"delta", result.Delta,
		"converged", result.Converged,
	)
	return result, nil
}

func (e *Engine) emit(result EvaluationResult, elapsed time.Duration) error {
	data := map[string]any{
		"edge":        result.Edge,
		"iteration":   result.Iteration,
		"checks":      result.Checks,
		"delta":       result.Delta,
		"converged":   result.Converged,
		"escalations": result.Escalations,
		"pass":        result.Counts.Pass,
		"fail":        result.Counts.Fail,
		"skip":        result.Counts.Skip,
		"error":       result.Counts.Error,
		"duration_ms": elapsed.Milliseconds(),
	}
	if result.Feature != "" {
		data["feature"] = result.Feature
	}
	if _, err := e.events.Emit(eventlog.TypeIterationCompleted, data); err != nil {
		return fmt.Errorf("workflow engine: emit %s: %w", eventlog.TypeIterationCompleted, err)
	}
	if !result.Converged {
		return nil
	}
	converged := map[string]any{
		"edge":      result.Edge,
		"iteration": result.Iteration,
	}
	if result.Feature != "" {
		converged["feature"] = result.Feature
	}
	if _, err := e.events.Emit(eventlog.TypeEdgeConverged, converged); err != nil {
		return fmt.Errorf("workflow engine: emit %s: %w", eventlog.TypeEdgeConverged, err)
	}
	return nil
}

func withIdentity(ctx map[string]any, edge, feature string, iteration int) map[string]any {
	out := make(map[string]any, len(ctx)+3)
	for k, v := range ctx {
		out[k] = v
	}
	out["edge"] = edge
	out["iteration"] = iteration
	if feature != "" {
		out["feature"] = feature
	}
	return out
}
