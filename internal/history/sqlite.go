package history

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/ongoingai/pacer/internal/pacing"
	"github.com/ongoingai/pacer/internal/usage"
	"github.com/ongoingai/pacer/migrations"

	_ "modernc.org/sqlite"
)

type SQLiteStore struct {
	Path string
	db   *sql.DB
	// SQLite allows only one writer at a time; serialize writes to avoid
	// SQLITE_BUSY contention when overlapping hook invocations insert rows.
	writeMu sync.Mutex
}

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path cannot be empty")
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite directory %q: %w", dir, err)
		}
	}

	db, err := sql.Open("sqlite", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database %q: %w", path, err)
	}

	store := &SQLiteStore{
		Path: path,
		db:   db,
	}

	if err := store.configure(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := migrations.Apply(context.Background(), db, migrations.DriverSQLite); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ensure sqlite schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) configure() error {
	if _, err := s.db.Exec(`PRAGMA journal_mode = WAL;`); err != nil {
		return fmt.Errorf("enable sqlite WAL mode: %w", err)
	}
	if _, err := s.db.Exec(`PRAGMA synchronous = NORMAL;`); err != nil {
		return fmt.Errorf("set sqlite synchronous mode: %w", err)
	}
	if _, err := s.db.Exec(`PRAGMA busy_timeout = 5000;`); err != nil {
		return fmt.Errorf("set sqlite busy timeout: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) InsertSnapshot(ctx context.Context, snapshot usage.Snapshot) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	timestamp := snapshot.Timestamp
	if timestamp.IsZero() {
		timestamp = time.Now().UTC()
	}

	err := retrySQLiteBusy(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
INSERT INTO usage_snapshots (
    timestamp,
    five_hour_util,
    five_hour_resets_at,
    seven_day_util,
    seven_day_resets_at,
    session_id
) VALUES (?, ?, ?, ?, ?, ?)`,
			timestamp.UTC(),
			snapshot.FiveHourUtil,
			nullableTime(snapshot.FiveHourResetsAt),
			snapshot.SevenDayUtil,
			nullableTime(snapshot.SevenDayResetsAt),
			snapshot.SessionID,
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("insert usage snapshot: %w", err)
	}
	return nil
}

func (s *SQLiteStore) RecentSnapshots(ctx context.Context, window time.Duration) ([]usage.Snapshot, error) {
	cutoff := time.Now().UTC().Add(-window)
	rows, err := s.db.QueryContext(ctx, `
SELECT
    CAST(timestamp AS TEXT),
    five_hour_util,
    CAST(five_hour_resets_at AS TEXT),
    seven_day_util,
    CAST(seven_day_resets_at AS TEXT),
    session_id
FROM usage_snapshots
WHERE timestamp >= ?
ORDER BY timestamp DESC`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("query recent snapshots: %w", err)
	}
	defer rows.Close()

	snapshots := make([]usage.Snapshot, 0)
	for rows.Next() {
		var (
			item           usage.Snapshot
			timestampText  sql.NullString
			fiveHourResets sql.NullString
			sevenDayResets sql.NullString
		)
		if err := rows.Scan(&timestampText, &item.FiveHourUtil, &fiveHourResets, &item.SevenDayUtil, &sevenDayResets, &item.SessionID); err != nil {
			return nil, fmt.Errorf("scan snapshot row: %w", err)
		}
		if timestampText.Valid {
			parsed, err := parseSQLiteTimestamp(timestampText.String)
			if err != nil {
				return nil, fmt.Errorf("parse snapshot timestamp %q: %w", timestampText.String, err)
			}
			item.Timestamp = parsed
		}
		if fiveHourResets.Valid {
			parsed, err := parseSQLiteTimestamp(fiveHourResets.String)
			if err != nil {
				return nil, fmt.Errorf("parse five-hour reset %q: %w", fiveHourResets.String, err)
			}
			item.FiveHourResetsAt = parsed
		}
		if sevenDayResets.Valid {
			parsed, err := parseSQLiteTimestamp(sevenDayResets.String)
			if err != nil {
				return nil, fmt.Errorf("parse seven-day reset %q: %w", sevenDayResets.String, err)
			}
			item.SevenDayResetsAt = parsed
		}
		snapshots = append(snapshots, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate snapshot rows: %w", err)
	}

	return snapshots, nil
}

func (s *SQLiteStore) InsertDecision(ctx context.Context, sessionID string, decision pacing.Decision) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	timestamp := decision.Timestamp
	if timestamp.IsZero() {
		timestamp = time.Now().UTC()
	}

	err := retrySQLiteBusy(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
INSERT INTO pacing_decisions (
    timestamp,
    session_id,
    should_throttle,
    delay_seconds,
    stale_data,
    constrained_window,
    deviation_percent
) VALUES (?, ?, ?, ?, ?, ?, ?)`,
			timestamp.UTC(),
			sessionID,
			boolToInt(decision.ShouldThrottle),
			decision.DelaySeconds,
			boolToInt(decision.StaleData),
			string(decision.ConstrainedWindow),
			decision.DeviationPercent,
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("insert pacing decision: %w", err)
	}
	return nil
}

func (s *SQLiteStore) LastDecision(ctx context.Context, sessionID string) (*pacing.Decision, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT
    CAST(timestamp AS TEXT),
    should_throttle,
    delay_seconds,
    stale_data,
    constrained_window,
    deviation_percent
FROM pacing_decisions
WHERE session_id = ?
ORDER BY timestamp DESC, id DESC
LIMIT 1`, sessionID)

	var (
		decision       pacing.Decision
		timestampText  sql.NullString
		shouldThrottle int
		staleData      int
		window         string
	)
	if err := row.Scan(&timestampText, &shouldThrottle, &decision.DelaySeconds, &staleData, &window, &decision.DeviationPercent); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("query last decision for session %q: %w", sessionID, err)
	}
	if timestampText.Valid {
		parsed, err := parseSQLiteTimestamp(timestampText.String)
		if err != nil {
			return nil, fmt.Errorf("parse decision timestamp %q: %w", timestampText.String, err)
		}
		decision.Timestamp = parsed
	}
	decision.ShouldThrottle = shouldThrottle != 0
	decision.StaleData = staleData != 0
	decision.ConstrainedWindow = pacing.Window(window)

	return &decision, nil
}

func (s *SQLiteStore) InsertBlockage(ctx context.Context, event BlockageEvent) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	timestamp := event.Timestamp
	if timestamp.IsZero() {
		timestamp = time.Now().UTC()
	}

	err := retrySQLiteBusy(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
INSERT INTO blockage_events (
    timestamp,
    category,
    reason,
    hook_type,
    session_id,
    details
) VALUES (?, ?, ?, ?, ?, ?)`,
			timestamp.UTC(),
			event.Category,
			event.Reason,
			event.HookType,
			event.SessionID,
			event.Details,
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("insert blockage event: %w", err)
	}
	return nil
}

func (s *SQLiteStore) BlockageStats(ctx context.Context, window time.Duration) ([]BlockageStat, error) {
	cutoff := time.Now().UTC().Add(-window)
	rows, err := s.db.QueryContext(ctx, `
SELECT category, COUNT(*)
FROM blockage_events
WHERE timestamp >= ?
GROUP BY category
ORDER BY COUNT(*) DESC, category ASC`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("query blockage stats: %w", err)
	}
	defer rows.Close()

	stats := make([]BlockageStat, 0)
	for rows.Next() {
		var item BlockageStat
		if err := rows.Scan(&item.Category, &item.Count); err != nil {
			return nil, fmt.Errorf("scan blockage stat row: %w", err)
		}
		stats = append(stats, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate blockage stat rows: %w", err)
	}

	return stats, nil
}

func (s *SQLiteStore) Cleanup(ctx context.Context, retention time.Duration) (int64, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	cutoff := time.Now().UTC().Add(-retention)
	var removed int64
	err := retrySQLiteBusy(ctx, func() error {
		removed = 0
		for _, table := range []string{"usage_snapshots", "pacing_decisions", "blockage_events"} {
			res, err := s.db.ExecContext(ctx, "DELETE FROM "+table+" WHERE timestamp < ?", cutoff)
			if err != nil {
				return fmt.Errorf("delete expired %s rows: %w", table, err)
			}
			affected, err := res.RowsAffected()
			if err != nil {
				return fmt.Errorf("read %s delete row count: %w", table, err)
			}
			removed += affected
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return removed, nil
}

const (
	sqliteBusyMaxRetries     = 12
	sqliteBusyInitialBackoff = 5 * time.Millisecond
	sqliteBusyMaxBackoff     = 250 * time.Millisecond
)

// retrySQLiteBusy retries transient lock contention so historical rows are not
// dropped when several hook processes share one database file.
func retrySQLiteBusy(ctx context.Context, fn func() error) error {
	if ctx == nil {
		ctx = context.Background()
	}

	var (
		err   error
		timer *time.Timer
	)
	stopTimer := func() {
		if timer == nil {
			return
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
	}
	defer stopTimer()

	for retries := 0; ; retries++ {
		err = fn()
		if err == nil {
			return nil
		}
		if !isSQLiteBusyError(err) || retries >= sqliteBusyMaxRetries {
			return err
		}

		wait := sqliteBusyInitialBackoff << retries
		if wait > sqliteBusyMaxBackoff {
			wait = sqliteBusyMaxBackoff
		}

		if timer == nil {
			timer = time.NewTimer(wait)
		} else {
			stopTimer()
			timer.Reset(wait)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func isSQLiteBusyError(err error) bool {
	if err == nil {
		return false
	}
	value := strings.ToLower(err.Error())
	return strings.Contains(value, "sqlite_busy") || strings.Contains(value, "database is locked")
}

func parseSQLiteTimestamp(raw string) (time.Time, error) {
	value := strings.TrimSpace(raw)
	if value == "" {
		return time.Time{}, nil
	}

	withTZLayouts := []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02 15:04:05.999999999-07:00",
		"2006-01-02 15:04:05-07:00",
		"2006-01-02 15:04:05 -0700 MST",
	}
	for _, layout := range withTZLayouts {
		if parsed, err := time.Parse(layout, value); err == nil {
			return parsed.UTC(), nil
		}
	}

	withoutTZLayouts := []string{
		"2006-01-02 15:04:05.999999999",
		"2006-01-02 15:04:05",
		"2006-01-02T15:04:05.999999999",
		"2006-01-02T15:04:05",
	}
	for _, layout := range withoutTZLayouts {
		if parsed, err := time.ParseInLocation(layout, value, time.UTC); err == nil {
			return parsed.UTC(), nil
		}
	}

	return time.Time{}, fmt.Errorf("unsupported sqlite datetime format")
}

func nullableTime(value time.Time) any {
	if value.IsZero() {
		return nil
	}
	return value.UTC()
}

func boolToInt(value bool) int {
	if value {
		return 1
	}
	return 0
}
