package history

import (
	"context"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/ongoingai/pacer/internal/pacing"
	"github.com/ongoingai/pacer/internal/usage"
)

func newPostgresTestStore(t *testing.T) *PostgresStore {
	t.Helper()

	dsn := strings.TrimSpace(os.Getenv("PACER_TEST_POSTGRES_DSN"))
	if dsn == "" {
		t.Skip("PACER_TEST_POSTGRES_DSN is not set")
	}

	store, err := NewPostgresStore(dsn)
	if err != nil {
		t.Fatalf("NewPostgresStore() error: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close postgres store: %v", err)
		}
	})
	return store
}

func TestPostgresStoreDecisionRoundTrip(t *testing.T) {
	store := newPostgresTestStore(t)
	ctx := context.Background()

	sessionID := fmt.Sprintf("pg-decision-%d", time.Now().UnixNano())
	decision := pacing.Decision{
		ShouldThrottle:    true,
		DelaySeconds:      120,
		StaleData:         false,
		ConstrainedWindow: pacing.WindowSevenDay,
		DeviationPercent:  33.3,
		Timestamp:         time.Now().UTC().Truncate(time.Microsecond),
	}
	if err := store.InsertDecision(ctx, sessionID, decision); err != nil {
		t.Fatalf("InsertDecision() error: %v", err)
	}

	got, err := store.LastDecision(ctx, sessionID)
	if err != nil {
		t.Fatalf("LastDecision() error: %v", err)
	}
	if got == nil {
		t.Fatal("LastDecision() = nil, want decision")
	}
	if !got.ShouldThrottle || got.DelaySeconds != 120 {
		t.Fatalf("LastDecision() = {throttle:%v delay:%d}, want {throttle:true delay:120}", got.ShouldThrottle, got.DelaySeconds)
	}
	if got.ConstrainedWindow != pacing.WindowSevenDay {
		t.Fatalf("ConstrainedWindow=%q, want %q", got.ConstrainedWindow, pacing.WindowSevenDay)
	}
}

func TestPostgresStoreLastDecisionMissingSession(t *testing.T) {
	store := newPostgresTestStore(t)

	sessionID := fmt.Sprintf("pg-missing-%d", time.Now().UnixNano())
	got, err := store.LastDecision(context.Background(), sessionID)
	if err != nil {
		t.Fatalf("LastDecision() error: %v", err)
	}
	if got != nil {
		t.Fatalf("LastDecision() = %+v, want nil", got)
	}
}

func TestPostgresStoreSnapshotRoundTrip(t *testing.T) {
	store := newPostgresTestStore(t)
	ctx := context.Background()

	sessionID := fmt.Sprintf("pg-snapshot-%d", time.Now().UnixNano())
	now := time.Now().UTC().Truncate(time.Microsecond)
	snapshot := usage.Snapshot{
		FiveHourUtil:     55,
		FiveHourResetsAt: now.Add(time.Hour),
		SevenDayUtil:     22,
		Timestamp:        now,
		SessionID:        sessionID,
	}
	if err := store.InsertSnapshot(ctx, snapshot); err != nil {
		t.Fatalf("InsertSnapshot() error: %v", err)
	}

	got, err := store.RecentSnapshots(ctx, time.Hour)
	if err != nil {
		t.Fatalf("RecentSnapshots() error: %v", err)
	}

	found := false
	for _, item := range got {
		if item.SessionID != sessionID {
			continue
		}
		found = true
		if item.FiveHourUtil != 55 {
			t.Fatalf("FiveHourUtil=%v, want 55", item.FiveHourUtil)
		}
		if !item.FiveHourResetsAt.Equal(snapshot.FiveHourResetsAt) {
			t.Fatalf("FiveHourResetsAt=%v, want %v", item.FiveHourResetsAt, snapshot.FiveHourResetsAt)
		}
		if !item.SevenDayResetsAt.IsZero() {
			t.Fatalf("SevenDayResetsAt=%v, want zero time", item.SevenDayResetsAt)
		}
	}
	if !found {
		t.Fatalf("RecentSnapshots() did not return snapshot for session %q", sessionID)
	}
}
