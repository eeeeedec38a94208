// Package history is the append-only time-series log: usage snapshots,
// pacing decisions, and blockage events. Rows are written once and never
// updated; queries read a trailing time window, most recent first.
package history

import (
	"context"
	"time"

	"github.com/ongoingai/pacer/internal/pacing"
	"github.com/ongoingai/pacer/internal/usage"
)

// BlockageEvent records one blocked or throttled action for later
// analytics. Immutable once written.
type BlockageEvent struct {
	Category  string
	Reason    string
	HookType  string
	SessionID string
	Details   string
	Timestamp time.Time
}

// BlockageStat aggregates blockage counts per category over a window.
type BlockageStat struct {
	Category string
	Count    int64
}

// Store is the historical log contract. Both drivers (sqlite for the
// local default, postgres for shared deployments) satisfy it and
// pacing.HistoryStore. LastDecision returns (nil, nil) when the session
// has no persisted decision yet.
type Store interface {
	InsertSnapshot(ctx context.Context, snapshot usage.Snapshot) error
	RecentSnapshots(ctx context.Context, window time.Duration) ([]usage.Snapshot, error)
	InsertDecision(ctx context.Context, sessionID string, decision pacing.Decision) error
	LastDecision(ctx context.Context, sessionID string) (*pacing.Decision, error)
	InsertBlockage(ctx context.Context, event BlockageEvent) error
	BlockageStats(ctx context.Context, window time.Duration) ([]BlockageStat, error)
	Cleanup(ctx context.Context, retention time.Duration) (int64, error)
	Close() error
}
