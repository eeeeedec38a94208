package pacing

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ongoingai/pacer/internal/usage"
)

type fakeHistory struct {
	snapshots []usage.Snapshot
	decisions []Decision
	last      *Decision
	lastErr   error
	cleaned   int
}

func (f *fakeHistory) InsertSnapshot(_ context.Context, s usage.Snapshot) error {
	f.snapshots = append(f.snapshots, s)
	return nil
}

func (f *fakeHistory) InsertDecision(_ context.Context, _ string, d Decision) error {
	f.decisions = append(f.decisions, d)
	return nil
}

func (f *fakeHistory) LastDecision(_ context.Context, _ string) (*Decision, error) {
	return f.last, f.lastErr
}

func (f *fakeHistory) Cleanup(_ context.Context, _ time.Duration) (int64, error) {
	f.cleaned++
	return 0, nil
}

type fakeFetcher struct {
	snapshot *usage.Snapshot
	err      error
	calls    int
}

func (f *fakeFetcher) Fetch(_ context.Context) (*usage.Snapshot, error) {
	f.calls++
	return f.snapshot, f.err
}

func timePtr(t time.Time) *time.Time { return &t }

func TestShouldPoll(t *testing.T) {
	t.Parallel()

	now := time.Now().UTC()

	if !ShouldPoll(nil, time.Minute, now) {
		t.Fatal("ShouldPoll(nil) = false, want true")
	}
	if ShouldPoll(timePtr(now.Add(-30*time.Second)), time.Minute, now) {
		t.Fatal("ShouldPoll(30s ago, 60s) = true, want false")
	}
	if !ShouldPoll(timePtr(now.Add(-61*time.Second)), time.Minute, now) {
		t.Fatal("ShouldPoll(61s ago, 60s) = false, want true")
	}
}

func TestCalculateDecisionStaleWindowFailsOpen(t *testing.T) {
	t.Parallel()

	now := time.Now().UTC()
	decision := CalculateDecision(
		99.0, now.Add(-10*time.Minute), // stale five hour window
		99.0, now.Add(48*time.Hour),
		DefaultParams(), now,
	)
	if !decision.StaleData {
		t.Fatal("StaleData = false, want true for expired reset")
	}
	if decision.ShouldThrottle {
		t.Fatal("ShouldThrottle = true, want false on stale data")
	}
}

func TestCalculateDecisionThrottlesOnOverage(t *testing.T) {
	t.Parallel()

	now := time.Now().UTC()
	// Five-hour window nearly closed with utilization well above any target.
	decision := CalculateDecision(
		100.0, now.Add(10*time.Minute),
		0.0, now.Add(100*time.Hour),
		DefaultParams(), now,
	)
	if !decision.ShouldThrottle {
		t.Fatal("ShouldThrottle = false, want true for over-curve utilization")
	}
	if decision.DelaySeconds <= 0 {
		t.Fatalf("DelaySeconds = %d, want > 0", decision.DelaySeconds)
	}
	if decision.ConstrainedWindow != WindowFiveHour {
		t.Fatalf("ConstrainedWindow = %q, want %q", decision.ConstrainedWindow, WindowFiveHour)
	}
}

func TestCalculateDecisionUnderCurveNoThrottle(t *testing.T) {
	t.Parallel()

	now := time.Now().UTC()
	decision := CalculateDecision(
		10.0, now.Add(4*time.Hour),
		5.0, now.Add(120*time.Hour),
		DefaultParams(), now,
	)
	if decision.ShouldThrottle {
		t.Fatalf("ShouldThrottle = true for under-curve utilization: %+v", decision)
	}
}

func TestRunCheckPollNotDueReturnsPersistedDecision(t *testing.T) {
	t.Parallel()

	cached := &Decision{ShouldThrottle: true, DelaySeconds: 30}
	history := &fakeHistory{last: cached}
	fetcher := &fakeFetcher{}
	engine := NewEngine(history, fetcher, DefaultParams(), nil)

	now := time.Now().UTC()
	result := engine.RunCheck(context.Background(), "s1", timePtr(now.Add(-10*time.Second)), timePtr(now))

	if result.Polled {
		t.Fatal("Polled = true, want false when poll not due")
	}
	if !result.Cached {
		t.Fatal("Cached = false, want true")
	}
	if !result.Decision.ShouldThrottle || result.Decision.DelaySeconds != 30 {
		t.Fatalf("Decision = %+v, want cached throttle decision", result.Decision)
	}
	if fetcher.calls != 0 {
		t.Fatalf("fetcher called %d times, want 0", fetcher.calls)
	}
}

func TestRunCheckNoPersistedDecisionDefaultsToNeutral(t *testing.T) {
	t.Parallel()

	engine := NewEngine(&fakeHistory{}, &fakeFetcher{}, DefaultParams(), nil)
	now := time.Now().UTC()
	result := engine.RunCheck(context.Background(), "s1", timePtr(now.Add(-time.Second)), timePtr(now))

	if result.Decision.ShouldThrottle || result.Decision.DelaySeconds != 0 {
		t.Fatalf("Decision = %+v, want neutral", result.Decision)
	}
}

func TestRunCheckPollDuePersistsSnapshotAndDecision(t *testing.T) {
	t.Parallel()

	now := time.Now().UTC()
	history := &fakeHistory{}
	fetcher := &fakeFetcher{snapshot: &usage.Snapshot{
		FiveHourUtil:     95,
		FiveHourResetsAt: now.Add(30 * time.Minute),
		SevenDayUtil:     20,
		SevenDayResetsAt: now.Add(100 * time.Hour),
		Timestamp:        now,
	}}
	engine := NewEngine(history, fetcher, DefaultParams(), nil)
	engine.SetNow(func() time.Time { return now })

	result := engine.RunCheck(context.Background(), "s1", nil, timePtr(now))

	if !result.Polled {
		t.Fatal("Polled = false, want true on first check")
	}
	if len(history.snapshots) != 1 {
		t.Fatalf("snapshots persisted = %d, want 1", len(history.snapshots))
	}
	if history.snapshots[0].SessionID != "s1" {
		t.Fatalf("snapshot session = %q, want s1", history.snapshots[0].SessionID)
	}
	if len(history.decisions) != 1 {
		t.Fatalf("decisions persisted = %d, want 1", len(history.decisions))
	}
}

func TestRunCheckFetchFailureFallsBackToCache(t *testing.T) {
	t.Parallel()

	cached := &Decision{ShouldThrottle: true, DelaySeconds: 12}
	history := &fakeHistory{last: cached}
	fetcher := &fakeFetcher{err: errors.New("connection refused")}
	engine := NewEngine(history, fetcher, DefaultParams(), nil)

	result := engine.RunCheck(context.Background(), "s1", nil, timePtr(time.Now().UTC()))

	if result.Polled {
		t.Fatal("Polled = true, want false when fetch failed")
	}
	if !result.Decision.ShouldThrottle || result.Decision.DelaySeconds != 12 {
		t.Fatalf("Decision = %+v, want cached decision on fetch failure", result.Decision)
	}
}

func TestRunCheckCleanupRunsWhenDue(t *testing.T) {
	t.Parallel()

	history := &fakeHistory{}
	engine := NewEngine(history, &fakeFetcher{err: errors.New("down")}, DefaultParams(), nil)

	engine.RunCheck(context.Background(), "s1", nil, nil)
	if history.cleaned != 1 {
		t.Fatalf("cleanup ran %d times, want 1 when never cleaned", history.cleaned)
	}

	recent := time.Now().UTC()
	engine.RunCheck(context.Background(), "s1", nil, &recent)
	if history.cleaned != 1 {
		t.Fatalf("cleanup ran %d times, want still 1 when recently cleaned", history.cleaned)
	}
}
