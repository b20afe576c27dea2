package otel

import (
	"context"
	"encoding/json"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// ExtractContextToJSON serializes the active trace context so it can ride
// along with a persisted record, e.g. an outbox event row.
func ExtractContextToJSON(ctx context.Context) []byte {
	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)

	b, err := json.Marshal(carrier)
	if err != nil {
		return []byte("{}")
	}
	return b
}

// InjectContextFromJSON restores a trace context serialized by
// ExtractContextToJSON, so the publish span links to the staging span.
func InjectContextFromJSON(parentCtx context.Context, data []byte) context.Context {
	if len(data) == 0 {
		return parentCtx
	}

	carrier := propagation.MapCarrier{}
	if err := json.Unmarshal(data, &carrier); err != nil {
		return parentCtx
	}

	return otel.GetTextMapPropagator().Extract(parentCtx, carrier)
}
