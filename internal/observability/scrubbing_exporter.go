package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/ongoingai/pacer/internal/filter"
)

// idAttrKeys are span attributes whose values pacer mints itself. They
// can never carry user text and skip secret scanning.
var idAttrKeys = map[attribute.Key]bool{
	attribute.Key(attrHookKind):  true,
	attribute.Key(attrSessionID): true,
}

// scrubbingExporter wraps a SpanExporter and redacts secret-shaped string
// attribute values before they leave the process. Span attributes and
// error descriptions can echo prompt text or tool output from hook
// payloads, which may contain pasted secrets. Detection and replacement
// use internal/filter's pattern table, so a value scrubbed here is
// redacted exactly the way sink-bound fields are.
//
// The scrubbing runs in the async batch export goroutine, not on the
// hook invocation path.
type scrubbingExporter struct {
	wrapped sdktrace.SpanExporter
}

func newScrubbingExporter(wrapped sdktrace.SpanExporter) sdktrace.SpanExporter {
	return &scrubbingExporter{wrapped: wrapped}
}

// ExportSpans redacts secrets from span attributes, event attributes, and
// status descriptions, then delegates to the wrapped exporter. Clean
// spans pass through with zero allocation.
func (e *scrubbingExporter) ExportSpans(ctx context.Context, spans []sdktrace.ReadOnlySpan) error {
	scrubbed := make([]sdktrace.ReadOnlySpan, len(spans))
	for i, s := range spans {
		scrubbed[i] = scrubSpan(s)
	}
	return e.wrapped.ExportSpans(ctx, scrubbed)
}

// Shutdown delegates to the wrapped exporter.
func (e *scrubbingExporter) Shutdown(ctx context.Context) error {
	return e.wrapped.Shutdown(ctx)
}

// scrubSpan returns the original span if no secret patterns are found, or
// a redacted copy otherwise.
func scrubSpan(s sdktrace.ReadOnlySpan) sdktrace.ReadOnlySpan {
	if !spanNeedsScrubbing(s) {
		return s
	}

	stub := tracetest.SpanStubFromReadOnlySpan(s)
	stub.Attributes = scrubAttributes(stub.Attributes)

	for i, event := range stub.Events {
		stub.Events[i].Attributes = scrubAttributes(event.Attributes)
	}

	if filter.ContainsSecret(stub.Status.Description) {
		stub.Status.Description = filter.Redact(stub.Status.Description)
	}

	return stub.Snapshot()
}

func attrNeedsScrubbing(a attribute.KeyValue) bool {
	if a.Value.Type() != attribute.STRING || idAttrKeys[a.Key] {
		return false
	}
	return filter.ContainsSecret(a.Value.AsString())
}

// spanNeedsScrubbing returns true if any string attribute value, event
// attribute, or the status description contains a secret pattern.
func spanNeedsScrubbing(s sdktrace.ReadOnlySpan) bool {
	for _, a := range s.Attributes() {
		if attrNeedsScrubbing(a) {
			return true
		}
	}
	for _, event := range s.Events() {
		for _, a := range event.Attributes {
			if attrNeedsScrubbing(a) {
				return true
			}
		}
	}
	return filter.ContainsSecret(s.Status().Description)
}

// scrubAttributes returns a new slice with secrets redacted in string
// attribute values. Non-string and pacer ID attributes pass through
// unchanged.
func scrubAttributes(attrs []attribute.KeyValue) []attribute.KeyValue {
	result := make([]attribute.KeyValue, len(attrs))
	for i, a := range attrs {
		if attrNeedsScrubbing(a) {
			result[i] = attribute.String(string(a.Key), filter.Redact(a.Value.AsString()))
			continue
		}
		result[i] = a
	}
	return result
}
