// Package telemetry drives the trace-per-turn lifecycle: one trace per
// user turn, one span per tool execution, independent lifecycles for
// subagents, and a durable pending-event queue delivered at-least-once.
//
// Every operation is one state transition against the session state
// store; nothing is held in memory between invocations.
package telemetry

import (
	"time"

	"github.com/ongoingai/pacer/internal/statestore"
)

// EventKind is the closed set of telemetry event types. Dispatch over
// kinds is by exhaustive switch, never by string lookup, so a new kind is
// a compile-time-visible gap.
type EventKind string

const (
	EventTraceCreate EventKind = "trace-create"
	EventSpanCreate  EventKind = "span-create"
	EventTraceUpdate EventKind = "trace-update"
)

// KnownKind reports whether k is one of the defined event kinds.
func KnownKind(k EventKind) bool {
	switch k {
	case EventTraceCreate, EventSpanCreate, EventTraceUpdate:
		return true
	}
	return false
}

func newEvent(id string, kind EventKind, at time.Time, body map[string]any) statestore.Event {
	return statestore.Event{
		ID:        id,
		Kind:      string(kind),
		Timestamp: at,
		Body:      body,
	}
}

func traceBody(traceID, sessionID, name string, input any, at time.Time) map[string]any {
	return map[string]any{
		"id":        traceID,
		"sessionId": sessionID,
		"name":      name,
		"input":     input,
		"timestamp": at.Format(time.RFC3339Nano),
	}
}

func spanBody(spanID, traceID, toolName string, input, output any, start, end time.Time) map[string]any {
	return map[string]any{
		"id":        spanID,
		"traceId":   traceID,
		"name":      toolName,
		"input":     input,
		"output":    output,
		"startTime": start.Format(time.RFC3339Nano),
		"endTime":   end.Format(time.RFC3339Nano),
	}
}

func traceUpdateBody(traceID string, output any) map[string]any {
	return map[string]any{
		"id":     traceID,
		"output": output,
	}
}
