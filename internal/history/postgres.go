package history

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/ongoingai/pacer/internal/pacing"
	"github.com/ongoingai/pacer/internal/usage"
	"github.com/ongoingai/pacer/migrations"

	_ "github.com/jackc/pgx/v5/stdlib"
)

type PostgresStore struct {
	DSN string
	db  *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("postgres dsn cannot be empty")
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres database: %w", err)
	}

	store := &PostgresStore{
		DSN: dsn,
		db:  db,
	}
	if err := migrations.Apply(context.Background(), db, migrations.DriverPostgres); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ensure postgres schema: %w", err)
	}

	return store, nil
}

func (s *PostgresStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *PostgresStore) InsertSnapshot(ctx context.Context, snapshot usage.Snapshot) error {
	timestamp := snapshot.Timestamp
	if timestamp.IsZero() {
		timestamp = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
INSERT INTO usage_snapshots (
    timestamp,
    five_hour_util,
    five_hour_resets_at,
    seven_day_util,
    seven_day_resets_at,
    session_id
) VALUES ($1, $2, $3, $4, $5, $6)`,
		timestamp.UTC(),
		snapshot.FiveHourUtil,
		nullableTime(snapshot.FiveHourResetsAt),
		snapshot.SevenDayUtil,
		nullableTime(snapshot.SevenDayResetsAt),
		snapshot.SessionID,
	)
	if err != nil {
		return fmt.Errorf("insert usage snapshot: %w", err)
	}
	return nil
}

func (s *PostgresStore) RecentSnapshots(ctx context.Context, window time.Duration) ([]usage.Snapshot, error) {
	cutoff := time.Now().UTC().Add(-window)
	rows, err := s.db.QueryContext(ctx, `
SELECT
    timestamp,
    five_hour_util,
    five_hour_resets_at,
    seven_day_util,
    seven_day_resets_at,
    session_id
FROM usage_snapshots
WHERE timestamp >= $1
ORDER BY timestamp DESC`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("query recent snapshots: %w", err)
	}
	defer rows.Close()

	snapshots := make([]usage.Snapshot, 0)
	for rows.Next() {
		var (
			item           usage.Snapshot
			fiveHourResets sql.NullTime
			sevenDayResets sql.NullTime
		)
		if err := rows.Scan(&item.Timestamp, &item.FiveHourUtil, &fiveHourResets, &item.SevenDayUtil, &sevenDayResets, &item.SessionID); err != nil {
			return nil, fmt.Errorf("scan snapshot row: %w", err)
		}
		if fiveHourResets.Valid {
			item.FiveHourResetsAt = fiveHourResets.Time.UTC()
		}
		if sevenDayResets.Valid {
			item.SevenDayResetsAt = sevenDayResets.Time.UTC()
		}
		item.Timestamp = item.Timestamp.UTC()
		snapshots = append(snapshots, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate snapshot rows: %w", err)
	}

	return snapshots, nil
}

func (s *PostgresStore) InsertDecision(ctx context.Context, sessionID string, decision pacing.Decision) error {
	timestamp := decision.Timestamp
	if timestamp.IsZero() {
		timestamp = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
INSERT INTO pacing_decisions (
    timestamp,
    session_id,
    should_throttle,
    delay_seconds,
    stale_data,
    constrained_window,
    deviation_percent
) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		timestamp.UTC(),
		sessionID,
		decision.ShouldThrottle,
		decision.DelaySeconds,
		decision.StaleData,
		string(decision.ConstrainedWindow),
		decision.DeviationPercent,
	)
	if err != nil {
		return fmt.Errorf("insert pacing decision: %w", err)
	}
	return nil
}

func (s *PostgresStore) LastDecision(ctx context.Context, sessionID string) (*pacing.Decision, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT
    timestamp,
    should_throttle,
    delay_seconds,
    stale_data,
    constrained_window,
    deviation_percent
FROM pacing_decisions
WHERE session_id = $1
ORDER BY timestamp DESC, id DESC
LIMIT 1`, sessionID)

	var (
		decision pacing.Decision
		window   string
	)
	if err := row.Scan(&decision.Timestamp, &decision.ShouldThrottle, &decision.DelaySeconds, &decision.StaleData, &window, &decision.DeviationPercent); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("query last decision for session %q: %w", sessionID, err)
	}
	decision.Timestamp = decision.Timestamp.UTC()
	decision.ConstrainedWindow = pacing.Window(window)

	return &decision, nil
}

func (s *PostgresStore) InsertBlockage(ctx context.Context, event BlockageEvent) error {
	timestamp := event.Timestamp
	if timestamp.IsZero() {
		timestamp = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
INSERT INTO blockage_events (
    timestamp,
    category,
    reason,
    hook_type,
    session_id,
    details
) VALUES ($1, $2, $3, $4, $5, $6)`,
		timestamp.UTC(),
		event.Category,
		event.Reason,
		event.HookType,
		event.SessionID,
		event.Details,
	)
	if err != nil {
		return fmt.Errorf("insert blockage event: %w", err)
	}
	return nil
}

func (s *PostgresStore) BlockageStats(ctx context.Context, window time.Duration) ([]BlockageStat, error) {
	cutoff := time.Now().UTC().Add(-window)
	rows, err := s.db.QueryContext(ctx, `
SELECT category, COUNT(*)
FROM blockage_events
WHERE timestamp >= $1
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

func (s *PostgresStore) Cleanup(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-retention)
	var removed int64
	for _, table := range []string{"usage_snapshots", "pacing_decisions", "blockage_events"} {
		res, err := s.db.ExecContext(ctx, "DELETE FROM "+table+" WHERE timestamp < $1", cutoff)
		if err != nil {
			return 0, fmt.Errorf("delete expired %s rows: %w", table, err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("read %s delete row count: %w", table, err)
		}
		removed += affected
	}
	return removed, nil
}
