package manager

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "servd/manager"

func startSpan(ctx context.Context, name string, e *entry) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, name,
		trace.WithAttributes(
			attribute.String("servable.name", e.name),
			attribute.Int64("servable.version", e.version),
		),
	)
}

func recordSpanError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

func startPassSpan(ctx context.Context, desired int) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "servable.reconcile",
		trace.WithAttributes(attribute.Int("reconcile.desired", desired)),
	)
}
