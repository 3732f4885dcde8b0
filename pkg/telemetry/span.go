package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// StartCollective opens a span for a collective communication operation,
// tagged with the caller's place in the communicator plus any
// operation-specific attributes.
func StartCollective(ctx context.Context, name string, rank, size int,
	attrs ...attribute.KeyValue) (context.Context, trace.Span) {

	all := append([]attribute.KeyValue{
		attribute.Int("comm.rank", rank),
		attribute.Int("comm.size", size),
	}, attrs...)
	return otel.Tracer("meshcomm").Start(ctx, name, trace.WithAttributes(all...))
}
