package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/ongoingai/pacer/internal/history"
	"github.com/ongoingai/pacer/internal/usage"
)

const (
	defaultStatusFormat = "text"
	defaultStatusWindow = 24 * time.Hour
	defaultStatusLimit  = 10
	maxStatusLimit      = 200
	statusSchemaVersion = "status.v1"
)

type statusDocument struct {
	SchemaVersion string               `json:"schema_version"`
	GeneratedAt   time.Time            `json:"generated_at"`
	Storage       statusStorageInfo    `json:"storage"`
	Window        string               `json:"window"`
	Snapshots     []statusSnapshotInfo `json:"usage_snapshots"`
	Blockages     []statusBlockageInfo `json:"blockages"`
}

type statusStorageInfo struct {
	Driver string `json:"driver"`
	Path   string `json:"path,omitempty"`
}

type statusSnapshotInfo struct {
	Timestamp        time.Time  `json:"timestamp"`
	SessionID        string     `json:"session_id,omitempty"`
	FiveHourUtil     float64    `json:"five_hour_util"`
	FiveHourResetsAt *time.Time `json:"five_hour_resets_at,omitempty"`
	SevenDayUtil     float64    `json:"seven_day_util"`
	SevenDayResetsAt *time.Time `json:"seven_day_resets_at,omitempty"`
}

type statusBlockageInfo struct {
	Category string `json:"category"`
	Count    int64  `json:"count"`
}

// runStatus summarizes recent usage and blockage activity from the
// historical log.
func runStatus(args []string, out io.Writer, errOut io.Writer) int {
	flagSet := flag.NewFlagSet("status", flag.ContinueOnError)
	flagSet.SetOutput(errOut)

	configPath := flagSet.String("config", defaultConfigPath, "Path to config file")
	format := flagSet.String("format", defaultStatusFormat, "Output format: text or json")
	window := flagSet.Duration("window", defaultStatusWindow, "Trailing window to summarize")
	limit := flagSet.Int("limit", defaultStatusLimit, "Snapshot count (1-200)")

	if err := flagSet.Parse(args); err != nil {
		return 2
	}
	if flagSet.NArg() != 0 {
		fmt.Fprintln(errOut, "status does not accept positional arguments")
		return 2
	}

	normalizedFormat, err := normalizeTextJSONFormat("status", *format, defaultStatusFormat)
	if err != nil {
		fmt.Fprintln(errOut, err.Error())
		return 2
	}
	if *window <= 0 {
		fmt.Fprintln(errOut, "window must be positive")
		return 2
	}
	if *limit <= 0 || *limit > maxStatusLimit {
		fmt.Fprintf(errOut, "limit must be between 1 and %d\n", maxStatusLimit)
		return 2
	}

	cfg, stage, err := loadAndValidateConfig(*configPath)
	if err != nil {
		if stage == configStageLoad {
			fmt.Fprintf(errOut, "failed to load config: %v\n", err)
		} else {
			fmt.Fprintf(errOut, "config is invalid: %v\n", err)
		}
		return 1
	}

	store, err := openHistoryStore(cfg)
	if err != nil {
		fmt.Fprintf(errOut, "failed to initialize history store: %v\n", err)
		return 1
	}
	defer closeHistoryStoreWithWarning(store, errOut)

	doc, err := buildStatus(context.Background(), store, cfg.Storage.Driver, cfg.Storage.Path, *window, *limit)
	if err != nil {
		fmt.Fprintf(errOut, "failed to build status: %v\n", err)
		return 1
	}

	if err := writeStatus(out, normalizedFormat, doc); err != nil {
		fmt.Fprintf(errOut, "failed to write status: %v\n", err)
		return 1
	}
	return 0
}

func buildStatus(ctx context.Context, store history.Store, driver, path string, window time.Duration, limit int) (statusDocument, error) {
	snapshots, err := store.RecentSnapshots(ctx, window)
	if err != nil {
		return statusDocument{}, fmt.Errorf("load usage snapshots: %w", err)
	}
	if len(snapshots) > limit {
		snapshots = snapshots[:limit]
	}

	blockages, err := store.BlockageStats(ctx, window)
	if err != nil {
		return statusDocument{}, fmt.Errorf("load blockage stats: %w", err)
	}

	doc := statusDocument{
		SchemaVersion: statusSchemaVersion,
		GeneratedAt:   time.Now().UTC(),
		Storage:       statusStorageInfo{Driver: driver, Path: path},
		Window:        window.String(),
		Snapshots:     make([]statusSnapshotInfo, 0, len(snapshots)),
		Blockages:     make([]statusBlockageInfo, 0, len(blockages)),
	}
	for _, s := range snapshots {
		doc.Snapshots = append(doc.Snapshots, statusSnapshotFromUsage(s))
	}
	for _, b := range blockages {
		doc.Blockages = append(doc.Blockages, statusBlockageInfo{Category: b.Category, Count: b.Count})
	}
	return doc, nil
}

func statusSnapshotFromUsage(s usage.Snapshot) statusSnapshotInfo {
	info := statusSnapshotInfo{
		Timestamp:    s.Timestamp,
		SessionID:    s.SessionID,
		FiveHourUtil: s.FiveHourUtil,
		SevenDayUtil: s.SevenDayUtil,
	}
	if !s.FiveHourResetsAt.IsZero() {
		t := s.FiveHourResetsAt
		info.FiveHourResetsAt = &t
	}
	if !s.SevenDayResetsAt.IsZero() {
		t := s.SevenDayResetsAt
		info.SevenDayResetsAt = &t
	}
	return info
}

func writeStatus(out io.Writer, format string, doc statusDocument) error {
	if format == "json" {
		encoder := json.NewEncoder(out)
		encoder.SetIndent("", "  ")
		return encoder.Encode(doc)
	}
	return writeStatusText(out, doc)
}

func writeStatusText(out io.Writer, doc statusDocument) error {
	fmt.Fprintf(out, "Pacer status (window %s, storage %s)\n", doc.Window, doc.Storage.Driver)

	fmt.Fprintln(out, "\nRecent usage snapshots:")
	if len(doc.Snapshots) == 0 {
		fmt.Fprintln(out, "  none recorded")
	} else {
		writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(writer, "  TIMESTAMP\tSESSION\t5H UTIL\t5H RESET\t7D UTIL\t7D RESET")
		for _, s := range doc.Snapshots {
			fmt.Fprintf(writer, "  %s\t%s\t%.1f%%\t%s\t%.1f%%\t%s\n",
				s.Timestamp.Format(time.RFC3339),
				s.SessionID,
				s.FiveHourUtil,
				formatResetTime(s.FiveHourResetsAt),
				s.SevenDayUtil,
				formatResetTime(s.SevenDayResetsAt),
			)
		}
		if err := writer.Flush(); err != nil {
			return err
		}
	}

	fmt.Fprintln(out, "\nBlockages by category:")
	if len(doc.Blockages) == 0 {
		fmt.Fprintln(out, "  none recorded")
	} else {
		writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(writer, "  CATEGORY\tCOUNT")
		for _, b := range doc.Blockages {
			fmt.Fprintf(writer, "  %s\t%d\n", b.Category, b.Count)
		}
		if err := writer.Flush(); err != nil {
			return err
		}
	}
	return nil
}

func formatResetTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Format(time.RFC3339)
}
