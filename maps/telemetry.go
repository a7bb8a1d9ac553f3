package maps

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

var nopTracer = noop.NewTracerProvider().Tracer("maps")

// routeSpan traces a single ComputeRoutes call.
type routeSpan struct {
	trace.Span
}

func startRouteSpan(ctx context.Context, tracer trace.Tracer, req *ComputeRoutesRequest) (context.Context, routeSpan) {
	ctx, span := tracer.Start(ctx, "maps.ComputeRoutes",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("maps.provider", "google"),
			attribute.Float64("maps.origin.lat", req.Origin.Lat),
			attribute.Float64("maps.origin.lng", req.Origin.Lng),
			attribute.Float64("maps.dest.lat", req.Destination.Lat),
			attribute.Float64("maps.dest.lng", req.Destination.Lng),
		),
	)
	return ctx, routeSpan{Span: span}
}

// fail marks the span failed and returns err unchanged.
func (s routeSpan) fail(err error) error {
	s.RecordError(err)
	s.SetStatus(codes.Error, err.Error())
	return err
}

func (s routeSpan) route(r *RouteResult) {
	s.SetAttributes(
		attribute.Int("maps.distance.meters", r.DistanceMeters),
		attribute.Int("maps.duration.seconds", r.DurationSeconds),
		attribute.Int("maps.traffic.delay_seconds", r.TrafficDelay),
		attribute.Bool("maps.cached", r.Cached),
	)
}
