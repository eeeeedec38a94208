package history

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/ongoingai/pacer/internal/pacing"
	"github.com/ongoingai/pacer/internal/usage"
)

func newSQLiteTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "pacer.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore() error: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close sqlite store: %v", err)
		}
	})
	return store
}

func TestSQLiteStoreSnapshotRoundTrip(t *testing.T) {
	t.Parallel()

	store := newSQLiteTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Second)
	snapshot := usage.Snapshot{
		FiveHourUtil:     42.5,
		FiveHourResetsAt: now.Add(2 * time.Hour),
		SevenDayUtil:     17.25,
		SevenDayResetsAt: now.Add(80 * time.Hour),
		Timestamp:        now,
		SessionID:        "sess-1",
	}
	if err := store.InsertSnapshot(ctx, snapshot); err != nil {
		t.Fatalf("InsertSnapshot() error: %v", err)
	}

	got, err := store.RecentSnapshots(ctx, time.Hour)
	if err != nil {
		t.Fatalf("RecentSnapshots() error: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("RecentSnapshots() returned %d rows, want 1", len(got))
	}
	if got[0].FiveHourUtil != snapshot.FiveHourUtil {
		t.Fatalf("FiveHourUtil=%v, want %v", got[0].FiveHourUtil, snapshot.FiveHourUtil)
	}
	if got[0].SevenDayUtil != snapshot.SevenDayUtil {
		t.Fatalf("SevenDayUtil=%v, want %v", got[0].SevenDayUtil, snapshot.SevenDayUtil)
	}
	if got[0].SessionID != "sess-1" {
		t.Fatalf("SessionID=%q, want %q", got[0].SessionID, "sess-1")
	}
	if !got[0].FiveHourResetsAt.Equal(snapshot.FiveHourResetsAt) {
		t.Fatalf("FiveHourResetsAt=%v, want %v", got[0].FiveHourResetsAt, snapshot.FiveHourResetsAt)
	}
}

func TestSQLiteStoreSnapshotNullResets(t *testing.T) {
	t.Parallel()

	store := newSQLiteTestStore(t)
	ctx := context.Background()

	snapshot := usage.Snapshot{
		FiveHourUtil: 10,
		SevenDayUtil: 5,
		Timestamp:    time.Now().UTC(),
		SessionID:    "sess-null",
	}
	if err := store.InsertSnapshot(ctx, snapshot); err != nil {
		t.Fatalf("InsertSnapshot() error: %v", err)
	}

	got, err := store.RecentSnapshots(ctx, time.Hour)
	if err != nil {
		t.Fatalf("RecentSnapshots() error: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("RecentSnapshots() returned %d rows, want 1", len(got))
	}
	if !got[0].FiveHourResetsAt.IsZero() {
		t.Fatalf("FiveHourResetsAt=%v, want zero time", got[0].FiveHourResetsAt)
	}
	if !got[0].SevenDayResetsAt.IsZero() {
		t.Fatalf("SevenDayResetsAt=%v, want zero time", got[0].SevenDayResetsAt)
	}
}

func TestSQLiteStoreLastDecisionReturnsNewest(t *testing.T) {
	t.Parallel()

	store := newSQLiteTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	older := pacing.Decision{
		ShouldThrottle:    false,
		DelaySeconds:      0,
		ConstrainedWindow: pacing.WindowNone,
		Timestamp:         base,
	}
	newer := pacing.Decision{
		ShouldThrottle:    true,
		DelaySeconds:      45,
		ConstrainedWindow: pacing.WindowFiveHour,
		DeviationPercent:  12.5,
		Timestamp:         base.Add(time.Minute),
	}
	if err := store.InsertDecision(ctx, "sess-1", older); err != nil {
		t.Fatalf("InsertDecision(older) error: %v", err)
	}
	if err := store.InsertDecision(ctx, "sess-1", newer); err != nil {
		t.Fatalf("InsertDecision(newer) error: %v", err)
	}

	got, err := store.LastDecision(ctx, "sess-1")
	if err != nil {
		t.Fatalf("LastDecision() error: %v", err)
	}
	if got == nil {
		t.Fatal("LastDecision() = nil, want decision")
	}
	if !got.ShouldThrottle || got.DelaySeconds != 45 {
		t.Fatalf("LastDecision() = {throttle:%v delay:%d}, want {throttle:true delay:45}", got.ShouldThrottle, got.DelaySeconds)
	}
	if got.ConstrainedWindow != pacing.WindowFiveHour {
		t.Fatalf("ConstrainedWindow=%q, want %q", got.ConstrainedWindow, pacing.WindowFiveHour)
	}
	if got.DeviationPercent != 12.5 {
		t.Fatalf("DeviationPercent=%v, want 12.5", got.DeviationPercent)
	}
}

func TestSQLiteStoreLastDecisionMissingSession(t *testing.T) {
	t.Parallel()

	store := newSQLiteTestStore(t)

	got, err := store.LastDecision(context.Background(), "never-seen")
	if err != nil {
		t.Fatalf("LastDecision() error: %v", err)
	}
	if got != nil {
		t.Fatalf("LastDecision() = %+v, want nil", got)
	}
}

func TestSQLiteStoreLastDecisionScopedPerSession(t *testing.T) {
	t.Parallel()

	store := newSQLiteTestStore(t)
	ctx := context.Background()

	if err := store.InsertDecision(ctx, "sess-a", pacing.Decision{ShouldThrottle: true, DelaySeconds: 30, Timestamp: time.Now().UTC()}); err != nil {
		t.Fatalf("InsertDecision() error: %v", err)
	}

	got, err := store.LastDecision(ctx, "sess-b")
	if err != nil {
		t.Fatalf("LastDecision() error: %v", err)
	}
	if got != nil {
		t.Fatalf("LastDecision(sess-b) = %+v, want nil", got)
	}
}

func TestSQLiteStoreBlockageStats(t *testing.T) {
	t.Parallel()

	store := newSQLiteTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	events := []BlockageEvent{
		{Category: "usage_pacing", Reason: "over curve", HookType: "pre-tool-use", SessionID: "s1", Timestamp: now},
		{Category: "usage_pacing", Reason: "over curve", HookType: "pre-tool-use", SessionID: "s2", Timestamp: now},
		{Category: "push_failure", Reason: "ingestion 502", HookType: "stop", SessionID: "s1", Timestamp: now},
		{Category: "usage_pacing", Reason: "ancient", HookType: "pre-tool-use", SessionID: "s3", Timestamp: now.Add(-48 * time.Hour)},
	}
	for _, event := range events {
		if err := store.InsertBlockage(ctx, event); err != nil {
			t.Fatalf("InsertBlockage() error: %v", err)
		}
	}

	stats, err := store.BlockageStats(ctx, 24*time.Hour)
	if err != nil {
		t.Fatalf("BlockageStats() error: %v", err)
	}
	if len(stats) != 2 {
		t.Fatalf("BlockageStats() returned %d categories, want 2", len(stats))
	}
	if stats[0].Category != "usage_pacing" || stats[0].Count != 2 {
		t.Fatalf("top stat = %+v, want {usage_pacing 2}", stats[0])
	}
	if stats[1].Category != "push_failure" || stats[1].Count != 1 {
		t.Fatalf("second stat = %+v, want {push_failure 1}", stats[1])
	}
}

func TestSQLiteStoreCleanupRemovesOldRows(t *testing.T) {
	t.Parallel()

	store := newSQLiteTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	old := now.Add(-90 * 24 * time.Hour)

	if err := store.InsertSnapshot(ctx, usage.Snapshot{FiveHourUtil: 1, SevenDayUtil: 1, Timestamp: old, SessionID: "s"}); err != nil {
		t.Fatalf("InsertSnapshot(old) error: %v", err)
	}
	if err := store.InsertSnapshot(ctx, usage.Snapshot{FiveHourUtil: 2, SevenDayUtil: 2, Timestamp: now, SessionID: "s"}); err != nil {
		t.Fatalf("InsertSnapshot(new) error: %v", err)
	}
	if err := store.InsertDecision(ctx, "s", pacing.Decision{Timestamp: old}); err != nil {
		t.Fatalf("InsertDecision(old) error: %v", err)
	}
	if err := store.InsertBlockage(ctx, BlockageEvent{Category: "usage_pacing", Timestamp: old}); err != nil {
		t.Fatalf("InsertBlockage(old) error: %v", err)
	}

	removed, err := store.Cleanup(ctx, 60*24*time.Hour)
	if err != nil {
		t.Fatalf("Cleanup() error: %v", err)
	}
	if removed != 3 {
		t.Fatalf("Cleanup() removed %d rows, want 3", removed)
	}

	snapshots, err := store.RecentSnapshots(ctx, 365*24*time.Hour)
	if err != nil {
		t.Fatalf("RecentSnapshots() error: %v", err)
	}
	if len(snapshots) != 1 {
		t.Fatalf("RecentSnapshots() returned %d rows after cleanup, want 1", len(snapshots))
	}
}

func TestRetrySQLiteBusyRetriesTransientContention(t *testing.T) {
	t.Parallel()

	attempts := 0
	err := retrySQLiteBusy(context.Background(), func() error {
		attempts++
		if attempts < 3 {
			return errors.New("database is locked")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("retrySQLiteBusy() error: %v", err)
	}
	if attempts != 3 {
		t.Fatalf("retry attempts=%d, want %d", attempts, 3)
	}
}

func TestRetrySQLiteBusyStopsOnPermanentError(t *testing.T) {
	t.Parallel()

	attempts := 0
	wantErr := errors.New("no such table: usage_snapshots")
	err := retrySQLiteBusy(context.Background(), func() error {
		attempts++
		return wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("retrySQLiteBusy() error=%v, want %v", err, wantErr)
	}
	if attempts != 1 {
		t.Fatalf("retry attempts=%d, want 1", attempts)
	}
}

func TestRetrySQLiteBusyHonorsContextCancellation(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	attempts := 0
	err := retrySQLiteBusy(ctx, func() error {
		attempts++
		return errors.New("database is locked")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("retrySQLiteBusy() error=%v, want %v", err, context.Canceled)
	}
	if attempts != 1 {
		t.Fatalf("retry attempts=%d, want 1", attempts)
	}
}
