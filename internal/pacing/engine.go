package pacing

import (
	"context"
	"log/slog"
	"time"

	"github.com/ongoingai/pacer/internal/usage"
)

// Decision is a throttle verdict. The most recently persisted decision is
// authoritative between API polls.
type Decision struct {
	ShouldThrottle    bool
	DelaySeconds      int
	StaleData         bool
	ConstrainedWindow Window
	DeviationPercent  float64
	Timestamp         time.Time
}

// CheckResult reports one pacing check cycle. CleanupTime is zero unless
// this cycle ran retention cleanup; callers persist it so the next
// invocation knows when cleanup last happened.
type CheckResult struct {
	Decision    Decision
	Polled      bool
	Cached      bool
	PollTime    time.Time
	CleanupTime time.Time
}

// HistoryStore is the slice of the historical log the engine needs:
// persisted snapshots for analytics, persisted decisions for the
// between-poll cache.
type HistoryStore interface {
	InsertSnapshot(ctx context.Context, snapshot usage.Snapshot) error
	InsertDecision(ctx context.Context, sessionID string, decision Decision) error
	LastDecision(ctx context.Context, sessionID string) (*Decision, error)
	Cleanup(ctx context.Context, retention time.Duration) (int64, error)
}

// UsageFetcher is the usage-API collaborator seam.
type UsageFetcher interface {
	Fetch(ctx context.Context) (*usage.Snapshot, error)
}

// Params bound the throttle behavior.
type Params struct {
	BaseDelaySeconds int
	MaxDelaySeconds  int
	ThresholdPercent int
	PollInterval     time.Duration
	CleanupInterval  time.Duration
	Retention        time.Duration
}

// DefaultParams mirror the shipped configuration: zero-tolerance
// deviation threshold, 5s base delay, 350s cap (the hook runtime's 360s
// timeout minus a safety margin).
func DefaultParams() Params {
	return Params{
		BaseDelaySeconds: 5,
		MaxDelaySeconds:  350,
		ThresholdPercent: 0,
		PollInterval:     60 * time.Second,
		CleanupInterval:  24 * time.Hour,
		Retention:        60 * 24 * time.Hour,
	}
}

// ShouldPoll reports whether enough time has passed since the last poll.
// A nil last poll time always polls.
func ShouldPoll(lastPoll *time.Time, interval time.Duration, now time.Time) bool {
	if lastPoll == nil {
		return true
	}
	return now.Sub(*lastPoll) >= interval
}

// CalculateDecision computes a throttle verdict from the current window
// utilizations. If either window's reset timestamp is stale the decision
// fails open: data that cannot be trusted never throttles.
func CalculateDecision(fiveHourUtil float64, fiveHourResetsAt time.Time, sevenDayUtil float64, sevenDayResetsAt time.Time, params Params, now time.Time) Decision {
	fiveHourTimePct := TimePercent(fiveHourResetsAt, FiveHourWindow, now)
	sevenDayTimePct := TimePercent(sevenDayResetsAt, SevenDayWindow, now)

	if fiveHourTimePct == StaleTimePercent || sevenDayTimePct == StaleTimePercent {
		return Decision{ShouldThrottle: false, StaleData: true, Timestamp: now}
	}

	var fiveHour, sevenDay *float64
	fiveHourTarget := LogarithmicTarget(fiveHourTimePct)
	sevenDayTarget := LinearTarget(sevenDayTimePct)
	if !fiveHourResetsAt.IsZero() {
		fiveHour = &fiveHourUtil
	}
	if !sevenDayResetsAt.IsZero() {
		sevenDay = &sevenDayUtil
	}

	constrained := MostConstrainedWindow(fiveHour, fiveHourTarget, sevenDay, sevenDayTarget)
	delay := DelayForDeviation(constrained.Deviation, params.BaseDelaySeconds, params.ThresholdPercent, params.MaxDelaySeconds)

	return Decision{
		ShouldThrottle:    delay > 0,
		DelaySeconds:      delay,
		ConstrainedWindow: constrained.Window,
		DeviationPercent:  constrained.Deviation,
		Timestamp:         now,
	}
}

// Engine runs the full pacing check cycle against the historical log and
// the usage API.
type Engine struct {
	history HistoryStore
	fetcher UsageFetcher
	params  Params
	logger  *slog.Logger
	nowFn   func() time.Time
}

func NewEngine(history HistoryStore, fetcher UsageFetcher, params Params, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if params.PollInterval <= 0 {
		params = DefaultParams()
	}
	return &Engine{
		history: history,
		fetcher: fetcher,
		params:  params,
		logger:  logger,
		nowFn:   func() time.Time { return time.Now().UTC() },
	}
}

// SetNow overrides the engine clock. Test hook.
func (e *Engine) SetNow(now func() time.Time) {
	if now != nil {
		e.nowFn = now
	}
}

// RunCheck runs one pacing cycle.
//
// When a poll is not due it returns the most recently persisted decision
// for the session so throttling established by an earlier poll stays in
// force between polls; only when no decision was ever persisted does it
// default to no throttle. When a poll is due it fetches a fresh snapshot,
// persists it, computes a fresh decision, and persists that for the next
// cache hit. Every collaborator failure fails open.
func (e *Engine) RunCheck(ctx context.Context, sessionID string, lastPoll, lastCleanup *time.Time) CheckResult {
	now := e.nowFn()

	var cleanupTime time.Time
	if e.shouldCleanup(lastCleanup, now) && e.history != nil {
		if deleted, err := e.history.Cleanup(ctx, e.params.Retention); err != nil {
			e.logger.Warn("history cleanup failed", "error", err)
		} else {
			cleanupTime = now
			if deleted > 0 {
				e.logger.Info("cleaned up old history rows", "deleted", deleted)
			}
		}
	}

	if !ShouldPoll(lastPoll, e.params.PollInterval, now) {
		return CheckResult{Decision: e.cachedDecision(ctx, sessionID, now), Cached: true, CleanupTime: cleanupTime}
	}

	snapshot, err := e.fetcher.Fetch(ctx)
	if err != nil || snapshot == nil {
		// Poll failed: fall back to the cached decision rather than
		// silently disabling throttling a prior poll established.
		e.logger.Warn("usage poll failed, using cached decision", "session_id", sessionID, "error", err)
		return CheckResult{Decision: e.cachedDecision(ctx, sessionID, now), Cached: true, CleanupTime: cleanupTime}
	}
	snapshot.SessionID = sessionID

	if e.history != nil {
		if err := e.history.InsertSnapshot(ctx, *snapshot); err != nil {
			e.logger.Warn("persist usage snapshot failed", "error", err)
		}
	}

	decision := CalculateDecision(
		snapshot.FiveHourUtil, snapshot.FiveHourResetsAt,
		snapshot.SevenDayUtil, snapshot.SevenDayResetsAt,
		e.params, now,
	)

	if e.history != nil {
		if err := e.history.InsertDecision(ctx, sessionID, decision); err != nil {
			e.logger.Warn("persist pacing decision failed", "error", err)
		}
	}

	e.logger.Debug("pacing decision",
		"session_id", sessionID,
		"throttle", decision.ShouldThrottle,
		"delay_seconds", decision.DelaySeconds,
		"window", string(decision.ConstrainedWindow),
	)

	return CheckResult{Decision: decision, Polled: true, PollTime: now, CleanupTime: cleanupTime}
}

func (e *Engine) shouldCleanup(lastCleanup *time.Time, now time.Time) bool {
	if lastCleanup == nil {
		return true
	}
	return now.Sub(*lastCleanup) >= e.params.CleanupInterval
}

func (e *Engine) cachedDecision(ctx context.Context, sessionID string, now time.Time) Decision {
	if e.history != nil {
		cached, err := e.history.LastDecision(ctx, sessionID)
		if err == nil && cached != nil {
			return *cached
		}
		if err != nil {
			e.logger.Warn("read cached pacing decision failed", "error", err)
		}
	}
	return Decision{ShouldThrottle: false, DelaySeconds: 0, Timestamp: now}
}
