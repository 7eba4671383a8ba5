package engine

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/kingrea/converge/internal/evaluate"
	"github.com/kingrea/converge/internal/workflow/resolver"
)

var tracer = otel.Tracer("converge.engine")

func startIterateSpan(ctx context.Context, edge, feature string, iteration int) (context.Context, trace.Span) {
	return tracer.Start(ctx, "engine.Iterate",
		trace.WithAttributes(
			attribute.String("converge.edge", edge),
			attribute.String("converge.feature", feature),
			attribute.Int("converge.iteration", iteration),
		),
	)
}

func setIterateSpanResult(span trace.Span, result EvaluationResult) {
	span.SetAttributes(
		attribute.Int("converge.delta", result.Delta),
		attribute.Bool("converge.converged", result.Converged),
		attribute.Int("converge.checks", len(result.Checks)),
	)
}

func startCheckSpan(ctx context.Context, check resolver.ResolvedCheck) (context.Context, trace.Span) {
	return tracer.Start(ctx, "engine.check",
		trace.WithAttributes(
			attribute.String("converge.check", check.Name),
			attribute.String("converge.check_type", string(check.CheckType)),
			attribute.Bool("converge.required", check.Required),
		),
	)
}

func endCheckSpan(span trace.Span, result evaluate.CheckResult) {
	span.SetAttributes(attribute.String("converge.outcome", string(result.Outcome)))
	if result.Outcome == evaluate.OutcomeError {
		span.SetStatus(codes.Error, result.Message)
	}
	span.End()
}

func recordSpanError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
