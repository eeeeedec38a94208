package statestore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Event is one not-yet-delivered telemetry event held in a record's
// pending queue. Insertion order is delivery order.
type Event struct {
	ID        string         `json:"id"`
	Kind      string         `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Body      map[string]any `json:"body"`
}

// SubagentTrace is one registry entry for a concurrently running subagent,
// keyed by agent ID in Record.SubagentTraces.
type SubagentTrace struct {
	TraceID              string `json:"trace_id"`
	ParentTranscriptPath string `json:"parent_transcript_path"`
}

// Record is the durable per-key session state. All cross-invocation
// coordination flows through it.
type Record struct {
	SessionID       string                   `json:"session_id"`
	CurrentTraceID  string                   `json:"current_trace_id,omitempty"`
	TraceStartLine  int                      `json:"trace_start_line"`
	LastPushedLine  int                      `json:"last_pushed_line"`
	TurnOrdinal     int                      `json:"turn_ordinal"`
	LastPollTime    *time.Time               `json:"last_poll_time,omitempty"`
	LastCleanupTime *time.Time               `json:"last_cleanup_time,omitempty"`
	Metadata        map[string]any           `json:"metadata,omitempty"`
	PendingEvents   []Event                  `json:"pending_trace,omitempty"`
	SubagentTraces  map[string]SubagentTrace `json:"subagent_traces,omitempty"`
}

// Clone returns a deep copy so callers can mutate a working record without
// aliasing the one another code path is still reading.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	out := *r
	if r.Metadata != nil {
		out.Metadata = make(map[string]any, len(r.Metadata))
		for k, v := range r.Metadata {
			out.Metadata[k] = v
		}
	}
	if r.PendingEvents != nil {
		out.PendingEvents = append([]Event(nil), r.PendingEvents...)
	}
	if r.SubagentTraces != nil {
		out.SubagentTraces = make(map[string]SubagentTrace, len(r.SubagentTraces))
		for k, v := range r.SubagentTraces {
			out.SubagentTraces[k] = v
		}
	}
	return &out
}

// Store persists one JSON record per key under a single directory, with
// atomic replace on write. The directory is threaded in explicitly; nothing
// here reads ambient environment.
type Store struct {
	dir string
}

func NewStore(dir string) (*Store, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("state directory cannot be empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create state directory %q: %w", dir, err)
	}
	return &Store{dir: dir}, nil
}

// Dir returns the directory records are stored under.
func (s *Store) Dir() string {
	return s.dir
}

// SubagentKey derives the state key for a subagent. The prefix keeps
// subagent records disjoint from session records so routing mistakes
// cannot address a parent record with an agent ID.
func SubagentKey(agentID string) string {
	return "subagent-" + agentID
}

func (s *Store) path(key string) string {
	return filepath.Join(s.dir, sanitizeKey(key)+".json")
}

// sanitizeKey strips path separators so a hostile or malformed key cannot
// escape the state directory.
func sanitizeKey(key string) string {
	key = strings.ReplaceAll(key, string(filepath.Separator), "_")
	return strings.ReplaceAll(key, "..", "_")
}

// Read loads the record for key. A missing or unparsable file is reported
// as absent (nil, nil), never as an error: the calling invocation proceeds
// as if state is fresh.
func (s *Store) Read(key string) (*Record, error) {
	data, err := os.ReadFile(s.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, nil
	}
	var record Record
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, nil
	}
	return &record, nil
}

// Write persists the record for key via a staging file and atomic rename,
// so a crash mid-write leaves either the previous record or the new one
// readable, never a torn intermediate.
func (s *Store) Write(key string, record *Record) error {
	if record == nil {
		return fmt.Errorf("cannot write nil record for key %q", key)
	}

	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal state for %q: %w", key, err)
	}

	final := s.path(key)
	staging := final + ".tmp"

	// Records carry prompt text and tool output; owner-only.
	if err := os.WriteFile(staging, data, 0o600); err != nil {
		return fmt.Errorf("write staging state for %q: %w", key, err)
	}
	if err := os.Rename(staging, final); err != nil {
		_ = os.Remove(staging)
		return fmt.Errorf("replace state for %q: %w", key, err)
	}
	return nil
}

// Update merges a partial state change into the stored record for key and
// persists the result atomically. Metadata is merged key-by-key (new keys
// added, existing keys overwritten, never deep-merged). A non-nil
// pendingEvents fully replaces the stored queue; the caller is responsible
// for handing in the correctly ordered superset. Trace lifecycle fields
// (CurrentTraceID, TraceStartLine, LastPushedLine) are never touched;
// those transitions go through Write.
func (s *Store) Update(key, sessionID string, metadata map[string]any, pendingEvents []Event) error {
	record, _ := s.Read(key)
	if record == nil {
		record = &Record{SessionID: sessionID}
	}
	if sessionID != "" {
		record.SessionID = sessionID
	}

	if metadata != nil {
		if record.Metadata == nil {
			record.Metadata = make(map[string]any, len(metadata))
		}
		for k, v := range metadata {
			record.Metadata[k] = v
		}
	}
	if pendingEvents != nil {
		record.PendingEvents = pendingEvents
	}

	return s.Write(key, record)
}

// Delete removes the record for key. Missing records are not an error.
func (s *Store) Delete(key string) error {
	err := os.Remove(s.path(key))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete state for %q: %w", key, err)
	}
	return nil
}

// CleanupStale deletes state files older than maxAge. Staging files left
// behind by a crashed writer are removed regardless of age.
func (s *Store) CleanupStale(maxAge time.Duration) int {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0
	}
	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		full := filepath.Join(s.dir, name)
		if strings.HasSuffix(name, ".tmp") {
			if os.Remove(full) == nil {
				removed++
			}
			continue
		}
		if !strings.HasSuffix(name, ".json") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			if os.Remove(full) == nil {
				removed++
			}
		}
	}
	return removed
}
