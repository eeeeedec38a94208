package telemetry

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ongoingai/pacer/internal/filter"
	"github.com/ongoingai/pacer/internal/statestore"
)

// Pusher delivers a batch of events to the telemetry sink. Delivery is
// whole-batch: a non-nil error means the caller must retain its queue
// verbatim for retry.
type Pusher interface {
	PushBatch(ctx context.Context, events []statestore.Event) (int, error)
}

// Machine applies trace/span lifecycle transitions for one session and
// its subagents. Each method loads state, applies exactly one transition,
// and persists the result atomically.
type Machine struct {
	store     *statestore.Store
	pusher    Pusher
	logger    *slog.Logger
	maxChars  int
	nowFn     func() time.Time
	newSpanID func() string
}

func NewMachine(store *statestore.Store, pusher Pusher, maxFieldChars int, logger *slog.Logger) *Machine {
	if maxFieldChars <= 0 {
		maxFieldChars = filter.DefaultMaxChars
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Machine{
		store:     store,
		pusher:    pusher,
		logger:    logger,
		maxChars:  maxFieldChars,
		nowFn:     func() time.Time { return time.Now().UTC() },
		newSpanID: uuid.NewString,
	}
}

// SetNow overrides the machine clock. Test hook.
func (m *Machine) SetNow(now func() time.Time) {
	if now != nil {
		m.nowFn = now
	}
}

// SetSpanIDSource overrides span/event ID minting. Test hook.
func (m *Machine) SetSpanIDSource(newID func() string) {
	if newID != nil {
		m.newSpanID = newID
	}
}

// shortID returns the first 8 characters of a freshly minted ID, or the
// whole ID when the source produces fewer.
func (m *Machine) shortID() string {
	id := m.newSpanID()
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// BeginTurn opens a new trace for a user turn. The trace ID is derived
// deterministically from the session ID and turn ordinal, and the trace's
// start line is pinned to the current last-pushed line so the new trace
// never re-attributes content already accounted to a prior trace.
func (m *Machine) BeginTurn(sessionID, userMessage string) (string, error) {
	record, _ := m.store.Read(sessionID)
	if record == nil {
		record = &statestore.Record{SessionID: sessionID}
	}

	record.TurnOrdinal++
	traceID := fmt.Sprintf("%s-turn-%d", sessionID, record.TurnOrdinal)
	now := m.nowFn()

	record.CurrentTraceID = traceID
	record.TraceStartLine = record.LastPushedLine

	input := filter.Clean(userMessage, m.maxChars)
	body := traceBody(traceID, sessionID, fmt.Sprintf("turn-%d", record.TurnOrdinal), input, now)
	record.PendingEvents = append(record.PendingEvents, newEvent(traceID, EventTraceCreate, now, body))

	if err := m.store.Write(sessionID, record); err != nil {
		return "", fmt.Errorf("persist turn state for %q: %w", sessionID, err)
	}
	m.logger.Debug("opened trace", "session_id", sessionID, "trace_id", traceID, "start_line", record.TraceStartLine)
	return traceID, nil
}

// ToolUse describes one tool execution to record as a span.
type ToolUse struct {
	// AgentID is set when the execution happened inside a subagent
	// context; the span then attaches to the subagent's trace, never the
	// parent's.
	AgentID   string
	Name      string
	Input     any
	Output    any
	Line      int // transcript line after this execution; 0 advances by one
	StartedAt time.Time
	EndedAt   time.Time
}

// RecordToolUse resolves the effective state record (subagent's own when
// an agent ID is present, the parent's otherwise), appends a span-create
// event to the effective queue, and advances the effective last-pushed
// line. The parent's current trace and pending queue are read before any
// subagent lookup and are never touched by subagent-addressed calls.
func (m *Machine) RecordToolUse(sessionID string, use ToolUse) (string, error) {
	parent, _ := m.store.Read(sessionID)
	if parent == nil {
		parent = &statestore.Record{SessionID: sessionID}
	}
	// Parent-side values are fixed here, before any subagent resolution,
	// so nothing below can conflate the two records.
	parentTraceID := parent.CurrentTraceID

	effectiveKey := sessionID
	effective := parent
	traceID := parentTraceID

	if use.AgentID != "" {
		effectiveKey = statestore.SubagentKey(use.AgentID)
		sub, _ := m.store.Read(effectiveKey)
		if sub == nil {
			sub = &statestore.Record{SessionID: effectiveKey}
			if entry, ok := parent.SubagentTraces[use.AgentID]; ok {
				sub.CurrentTraceID = entry.TraceID
			}
		}
		effective = sub
		traceID = sub.CurrentTraceID
		if traceID == "" {
			if entry, ok := parent.SubagentTraces[use.AgentID]; ok {
				traceID = entry.TraceID
				effective.CurrentTraceID = traceID
			}
		}
	}

	if traceID == "" {
		// No open trace to attach the span to. Enqueuing it anyway would
		// put a span in front of any trace-create the queue ever gets, so
		// the execution is dropped instead.
		m.logger.Debug("tool use with no open trace, span skipped", "session_id", sessionID, "agent_id", use.AgentID, "tool", use.Name)
		return "", nil
	}

	now := m.nowFn()
	start, end := use.StartedAt, use.EndedAt
	if start.IsZero() {
		start = now
	}
	if end.IsZero() {
		end = now
	}

	spanID := m.newSpanID()
	body := spanBody(
		spanID,
		traceID,
		use.Name,
		filter.Clean(use.Input, m.maxChars),
		filter.Clean(use.Output, m.maxChars),
		start,
		end,
	)
	effective.PendingEvents = append(effective.PendingEvents, newEvent(spanID, EventSpanCreate, now, body))

	if use.Line > 0 {
		effective.LastPushedLine = use.Line
	} else {
		effective.LastPushedLine++
	}

	if err := m.store.Write(effectiveKey, effective); err != nil {
		return "", fmt.Errorf("persist span state for %q: %w", effectiveKey, err)
	}
	return spanID, nil
}

// FinishTurn finalizes the parent session's current trace: it enqueues a
// trace-update carrying the final output, flushes the pending queue, and
// on confirmed delivery clears the queue and the current trace. On push
// failure the queue (including the trace-update) is retained verbatim.
func (m *Machine) FinishTurn(ctx context.Context, sessionID string, finalOutput any) error {
	record, _ := m.store.Read(sessionID)
	if record == nil || record.CurrentTraceID == "" {
		// Nothing open; a stop without a turn is a defined no-op.
		m.logger.Debug("finish turn with no open trace", "session_id", sessionID)
		return nil
	}

	now := m.nowFn()
	update := traceUpdateBody(record.CurrentTraceID, filter.Clean(finalOutput, m.maxChars))
	eventID := fmt.Sprintf("finalize-%s-%s", record.CurrentTraceID, m.shortID())
	record.PendingEvents = append(record.PendingEvents, newEvent(eventID, EventTraceUpdate, now, update))

	pushed, err := m.flush(ctx, record.PendingEvents)
	if err != nil {
		// Retain the full queue for retry on the next invocation.
		if writeErr := m.store.Write(sessionID, record); writeErr != nil {
			return fmt.Errorf("retain pending queue for %q: %w", sessionID, writeErr)
		}
		m.logger.Warn("trace flush failed, queue retained", "session_id", sessionID, "pending", len(record.PendingEvents), "error", err)
		return err
	}

	m.logger.Debug("finalized trace", "session_id", sessionID, "trace_id", record.CurrentTraceID, "delivered", pushed)
	record.PendingEvents = nil
	record.CurrentTraceID = ""
	if err := m.store.Write(sessionID, record); err != nil {
		return fmt.Errorf("persist finalized state for %q: %w", sessionID, err)
	}
	return nil
}

// BeginSubagent registers a subagent and opens its own trace, distinct
// from the parent's current trace. The registry entry is keyed by agent
// ID inside the parent record; the subagent's lifecycle state lives under
// its own store key.
func (m *Machine) BeginSubagent(sessionID, agentID, name, parentTranscriptPath, prompt string) (string, error) {
	now := m.nowFn()
	traceID := fmt.Sprintf("%s-subagent-%s-%s", sessionID, name, m.shortID())

	sub := &statestore.Record{
		SessionID:      statestore.SubagentKey(agentID),
		CurrentTraceID: traceID,
	}
	body := traceBody(traceID, sessionID, "subagent:"+name, filter.Clean(prompt, m.maxChars), now)
	body["metadata"] = map[string]any{
		"agent_id":      agentID,
		"subagent_name": name,
	}
	sub.PendingEvents = append(sub.PendingEvents, newEvent(traceID, EventTraceCreate, now, body))

	if err := m.store.Write(statestore.SubagentKey(agentID), sub); err != nil {
		return "", fmt.Errorf("persist subagent state for %q: %w", agentID, err)
	}

	parent, _ := m.store.Read(sessionID)
	if parent == nil {
		parent = &statestore.Record{SessionID: sessionID}
	}
	if parent.SubagentTraces == nil {
		parent.SubagentTraces = make(map[string]statestore.SubagentTrace)
	}
	parent.SubagentTraces[agentID] = statestore.SubagentTrace{
		TraceID:              traceID,
		ParentTranscriptPath: parentTranscriptPath,
	}
	if err := m.store.Write(sessionID, parent); err != nil {
		return "", fmt.Errorf("register subagent for %q: %w", sessionID, err)
	}

	m.logger.Debug("opened subagent trace", "session_id", sessionID, "agent_id", agentID, "trace_id", traceID)
	return traceID, nil
}

// FinishSubagent finalizes the subagent's trace and removes its registry
// entry. Only the subagent's own record and the parent's registry map are
// touched; the parent's current trace and pending queue stay byte-for-byte
// unchanged. An unknown agent ID finalizes a null-output record so every
// reachable signal has a defined transition.
func (m *Machine) FinishSubagent(ctx context.Context, sessionID, agentID string, output any) error {
	parent, _ := m.store.Read(sessionID)

	var registered *statestore.SubagentTrace
	if parent != nil {
		if entry, ok := parent.SubagentTraces[agentID]; ok {
			registered = &entry
		}
	}

	subKey := statestore.SubagentKey(agentID)
	sub, _ := m.store.Read(subKey)

	traceID := ""
	switch {
	case sub != nil && sub.CurrentTraceID != "":
		traceID = sub.CurrentTraceID
	case registered != nil:
		traceID = registered.TraceID
	}
	if traceID == "" {
		m.logger.Debug("finish subagent with no state entry", "session_id", sessionID, "agent_id", agentID)
		return nil
	}
	if sub == nil {
		sub = &statestore.Record{SessionID: subKey, CurrentTraceID: traceID}
	}

	now := m.nowFn()
	eventID := fmt.Sprintf("finalize-%s-%s", traceID, m.shortID())
	sub.PendingEvents = append(sub.PendingEvents, newEvent(eventID, EventTraceUpdate, now, traceUpdateBody(traceID, filter.Clean(output, m.maxChars))))

	if _, err := m.flush(ctx, sub.PendingEvents); err != nil {
		if writeErr := m.store.Write(subKey, sub); writeErr != nil {
			return fmt.Errorf("retain subagent queue for %q: %w", agentID, writeErr)
		}
		m.logger.Warn("subagent flush failed, queue retained", "agent_id", agentID, "error", err)
		return err
	}

	if err := m.store.Delete(subKey); err != nil {
		return fmt.Errorf("remove subagent state for %q: %w", agentID, err)
	}
	if parent != nil && registered != nil {
		delete(parent.SubagentTraces, agentID)
		if err := m.store.Write(sessionID, parent); err != nil {
			return fmt.Errorf("unregister subagent for %q: %w", sessionID, err)
		}
	}
	m.logger.Debug("finalized subagent trace", "agent_id", agentID, "trace_id", traceID)
	return nil
}

// FlushPending retries delivery of a record's pending queue without
// applying any lifecycle transition. Used by session-start to drain
// events a crashed prior invocation left behind.
func (m *Machine) FlushPending(ctx context.Context, key string) error {
	record, _ := m.store.Read(key)
	if record == nil || len(record.PendingEvents) == 0 {
		return nil
	}
	if _, err := m.flush(ctx, record.PendingEvents); err != nil {
		return err
	}
	record.PendingEvents = nil
	if err := m.store.Write(key, record); err != nil {
		return fmt.Errorf("persist drained queue for %q: %w", key, err)
	}
	return nil
}

func (m *Machine) flush(ctx context.Context, events []statestore.Event) (int, error) {
	if len(events) == 0 {
		return 0, nil
	}
	if m.pusher == nil {
		return 0, fmt.Errorf("no telemetry pusher configured")
	}
	return m.pusher.PushBatch(ctx, events)
}
