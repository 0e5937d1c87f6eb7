package metrics

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Attribute keys. States and kinds come from closed enumerations, so
// cardinality stays bounded.
const (
	attrState = "state"
	attrKind  = "kind"
	attrOp    = "op"
)

func withState(state string) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String(attrState, state))
}

func withKindState(kind, state string) metric.MeasurementOption {
	return metric.WithAttributes(
		attribute.String(attrKind, kind),
		attribute.String(attrState, state),
	)
}

func withOp(op string) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String(attrOp, op))
}
