package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ongoingai/pacer/internal/config"
	"github.com/ongoingai/pacer/internal/history"
	"github.com/ongoingai/pacer/internal/observability"
	"github.com/ongoingai/pacer/internal/pacing"
	"github.com/ongoingai/pacer/internal/review"
	"github.com/ongoingai/pacer/internal/sink"
	"github.com/ongoingai/pacer/internal/statestore"
	"github.com/ongoingai/pacer/internal/telemetry"
	"github.com/ongoingai/pacer/internal/transcript"
	"github.com/ongoingai/pacer/internal/usage"
)

// maxHookPayloadBytes bounds the stdin read. Hook payloads are small JSON
// documents; anything larger is malformed input.
const maxHookPayloadBytes = 4 * 1024 * 1024

// Hook kinds form a closed set. Dispatch is an exhaustive switch; an
// unrecognized kind is a no-op, never an error, so newer harness versions
// cannot break older pacer installs.
const (
	hookSessionStart     = "session-start"
	hookUserPromptSubmit = "user-prompt-submit"
	hookPreToolUse       = "pre-tool-use"
	hookPostToolUse      = "post-tool-use"
	hookStop             = "stop"
	hookSubagentStart    = "subagent-start"
	hookSubagentStop     = "subagent-stop"
)

const (
	blockageCategoryPacing = "usage_pacing"
	blockageCategoryPush   = "push_failure"
	blockageCategoryReview = "review_blocked"
	metadataKeyLastPrompt  = "last_user_prompt"
	defaultSubagentName    = "subagent"
)

// hookPayload is the JSON document the harness writes to stdin for every
// hook invocation. Unknown fields are ignored.
type hookPayload struct {
	HookEventName       string          `json:"hook_event_name"`
	SessionID           string          `json:"session_id"`
	TranscriptPath      string          `json:"transcript_path"`
	Prompt              string          `json:"prompt"`
	ToolName            string          `json:"tool_name"`
	ToolInput           json.RawMessage `json:"tool_input"`
	ToolResponse        json.RawMessage `json:"tool_response"`
	AgentID             string          `json:"agent_id"`
	AgentName           string          `json:"agent_name"`
	AgentTranscriptPath string          `json:"agent_transcript_path"`
	StopHookActive      bool            `json:"stop_hook_active"`
}

// blockResponse is printed to stdout when a stop hook withholds approval.
// The harness treats it as an instruction to keep the turn open.
type blockResponse struct {
	Decision string `json:"decision"`
	Reason   string `json:"reason"`
}

// normalizeHookKind maps harness event names onto the closed kind set.
// Both kebab-case names and the harness's CamelCase names are accepted.
func normalizeHookKind(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "session-start", "sessionstart":
		return hookSessionStart
	case "user-prompt-submit", "userpromptsubmit":
		return hookUserPromptSubmit
	case "pre-tool-use", "pretooluse":
		return hookPreToolUse
	case "post-tool-use", "posttooluse":
		return hookPostToolUse
	case "stop":
		return hookStop
	case "subagent-start", "subagentstart":
		return hookSubagentStart
	case "subagent-stop", "subagentstop":
		return hookSubagentStop
	default:
		return ""
	}
}

// runHook is the hot path: one process per hook invocation. Every
// collaborator failure degrades to a no-op so a broken pacer install can
// never wedge the session it observes; only flag misuse exits non-zero.
func runHook(args []string, in io.Reader, out io.Writer, errOut io.Writer) int {
	flagSet := flag.NewFlagSet("hook", flag.ContinueOnError)
	flagSet.SetOutput(errOut)
	configPath := flagSet.String("config", defaultConfigPath, "Path to config file")
	if err := flagSet.Parse(args); err != nil {
		return 2
	}
	if flagSet.NArg() != 0 {
		fmt.Fprintln(errOut, "hook does not accept positional arguments")
		return 2
	}

	// The trace wrapper stamps trace_id/span_id on log lines emitted
	// inside the hook span, so logs and exported traces correlate.
	logger := slog.New(observability.NewTraceLogHandler(slog.NewJSONHandler(errOut, &slog.HandlerOptions{Level: slog.LevelInfo})))

	cfg, _, err := loadAndValidateConfig(*configPath)
	if err != nil {
		logger.Warn("config unavailable, hook is a no-op", "config_path", *configPath, "error", err)
		return 0
	}

	payload, err := readHookPayload(in)
	if err != nil {
		logger.Warn("unreadable hook payload, hook is a no-op", "error", err)
		return 0
	}
	kind := normalizeHookKind(payload.HookEventName)
	if kind == "" {
		logger.Debug("unrecognized hook event", "hook_event_name", payload.HookEventName)
		return 0
	}
	if strings.TrimSpace(payload.SessionID) == "" {
		logger.Warn("hook payload has no session_id", "hook_event_name", payload.HookEventName)
		return 0
	}

	otelRuntime := setupObservability(cfg, logger)
	defer shutdownOpenTelemetry(logger, otelRuntime, otelShutdownTimeout)

	a, err := newHookApp(cfg, logger, otelRuntime, out)
	if err != nil {
		logger.Warn("hook setup failed, hook is a no-op", "error", err)
		return 0
	}
	defer a.close()

	ctx, end := otelRuntime.StartHookSpan(context.Background(), kind, payload.SessionID)
	err = a.handle(ctx, kind, payload)
	end(err)
	if err != nil {
		logger.Warn("hook handler failed", "hook_kind", kind, "session_id", payload.SessionID, "error", err)
	}
	return 0
}

func readHookPayload(in io.Reader) (hookPayload, error) {
	data, err := io.ReadAll(io.LimitReader(in, maxHookPayloadBytes))
	if err != nil {
		return hookPayload{}, fmt.Errorf("read hook payload: %w", err)
	}
	var payload hookPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return hookPayload{}, fmt.Errorf("decode hook payload: %w", err)
	}
	return payload, nil
}

// hookApp wires the per-invocation collaborators. Nil fields mean the
// corresponding feature is disabled by configuration.
type hookApp struct {
	cfg      config.Config
	logger   *slog.Logger
	out      io.Writer
	otel     *observability.Runtime
	store    *statestore.Store
	machine  *telemetry.Machine
	history  history.Store
	engine   *pacing.Engine
	reviewer *review.Reviewer

	pushEnabled bool
	sleep       func(time.Duration)
}

func newHookApp(cfg config.Config, logger *slog.Logger, otelRuntime *observability.Runtime, out io.Writer) (*hookApp, error) {
	store, err := statestore.NewStore(cfg.State.Dir)
	if err != nil {
		return nil, fmt.Errorf("initialize state store: %w", err)
	}

	a := &hookApp{
		cfg:         cfg,
		logger:      logger,
		out:         out,
		otel:        otelRuntime,
		store:       store,
		pushEnabled: cfg.Sink.Configured(),
		sleep:       time.Sleep,
	}

	var pusher telemetry.Pusher
	if a.pushEnabled {
		pusher = sink.NewClient(cfg.Sink.BaseURL, cfg.Sink.PublicKey, cfg.Sink.SecretKey, cfg.Sink.Timeout(), logger)
	}
	a.machine = telemetry.NewMachine(store, pusher, cfg.Sink.MaxFieldChars, logger)

	// The historical log backs both pacing and blockage analytics; a
	// storage failure disables them for this invocation only.
	if historyStore, err := openHistoryStore(cfg); err != nil {
		logger.Warn("history store unavailable", "driver", cfg.Storage.Driver, "error", err)
	} else {
		a.history = historyStore
	}

	if cfg.Pacing.Enabled && a.history != nil {
		usageClient := usage.NewClient(
			cfg.UsageAPI.BaseURL,
			cfg.UsageAPI.TokenPath,
			cfg.UsageAPI.Timeout(),
			usage.WithHTTPClient(&http.Client{
				Timeout:   cfg.UsageAPI.Timeout(),
				Transport: otelRuntime.WrapHTTPTransport(nil),
			}),
		)
		a.engine = pacing.NewEngine(a.history, usageClient, pacing.Params{
			BaseDelaySeconds: cfg.Pacing.BaseDelaySeconds,
			MaxDelaySeconds:  cfg.Pacing.MaxDelaySeconds,
			ThresholdPercent: cfg.Pacing.ThresholdPercent,
			PollInterval:     cfg.Pacing.PollInterval(),
			CleanupInterval:  cfg.Pacing.CleanupInterval(),
			Retention:        cfg.Pacing.Retention(),
		}, logger)
	}

	if cfg.Review.Enabled {
		reviewer, err := review.NewReviewer(cfg.Review.BaseURL, cfg.Review.APIKey, cfg.Review.Model, cfg.Review.TemplatePath, logger, review.WithTimeout(cfg.Review.Timeout()))
		if err != nil {
			// A missing or malformed prompt template is a broken install.
			return nil, fmt.Errorf("initialize reviewer: %w", err)
		}
		a.reviewer = reviewer
	}

	return a, nil
}

func (a *hookApp) close() {
	if a.history != nil {
		if err := a.history.Close(); err != nil {
			a.logger.Warn("failed to close history store", "error", err)
		}
	}
}

func (a *hookApp) handle(ctx context.Context, kind string, p hookPayload) error {
	switch kind {
	case hookSessionStart:
		return a.handleSessionStart(ctx, p)
	case hookUserPromptSubmit:
		return a.handleUserPromptSubmit(p)
	case hookPreToolUse:
		return a.handlePreToolUse(ctx, p)
	case hookPostToolUse:
		return a.handlePostToolUse(p)
	case hookStop:
		return a.handleStop(ctx, p)
	case hookSubagentStart:
		return a.handleSubagentStart(ctx, p)
	case hookSubagentStop:
		return a.handleSubagentStop(ctx, p)
	default:
		return nil
	}
}

// handleSessionStart sweeps stale state files and drains any pending
// queue a crashed prior invocation left behind.
func (a *hookApp) handleSessionStart(ctx context.Context, p hookPayload) error {
	if removed := a.store.CleanupStale(a.cfg.State.CleanupMaxAge()); removed > 0 {
		a.logger.InfoContext(ctx, "removed stale state files", "removed", removed)
	}
	if !a.pushEnabled {
		return nil
	}
	if err := a.machine.FlushPending(ctx, p.SessionID); err != nil {
		a.recordPushFailure(ctx, hookSessionStart, p.SessionID, err)
		return err
	}
	return nil
}

func (a *hookApp) handleUserPromptSubmit(p hookPayload) error {
	if a.pushEnabled {
		if _, err := a.machine.BeginTurn(p.SessionID, p.Prompt); err != nil {
			return err
		}
	}

	// The reviewer later judges the turn against this prompt. Update
	// merges metadata without disturbing the trace BeginTurn just opened.
	return a.store.Update(p.SessionID, p.SessionID, map[string]any{metadataKeyLastPrompt: p.Prompt}, nil)
}

// handlePreToolUse runs the pacing check and sleeps out any throttle
// delay before the tool executes.
func (a *hookApp) handlePreToolUse(ctx context.Context, p hookPayload) error {
	if a.engine == nil {
		return nil
	}

	record, _ := a.store.Read(p.SessionID)
	var lastPoll, lastCleanup *time.Time
	if record != nil {
		lastPoll = record.LastPollTime
		lastCleanup = record.LastCleanupTime
	}

	result := a.engine.RunCheck(ctx, p.SessionID, lastPoll, lastCleanup)

	if result.Polled || !result.CleanupTime.IsZero() {
		if record == nil {
			record = &statestore.Record{SessionID: p.SessionID}
		}
		if result.Polled {
			pollTime := result.PollTime
			record.LastPollTime = &pollTime
		}
		if !result.CleanupTime.IsZero() {
			cleanupTime := result.CleanupTime
			record.LastCleanupTime = &cleanupTime
		}
		if err := a.store.Write(p.SessionID, record); err != nil {
			a.logger.WarnContext(ctx, "failed to persist poll state", "session_id", p.SessionID, "error", err)
		}
	}

	decision := result.Decision
	if !decision.ShouldThrottle || decision.DelaySeconds <= 0 {
		return nil
	}

	a.otel.RecordThrottle(string(decision.ConstrainedWindow), decision.DelaySeconds)
	a.recordBlockage(ctx, history.BlockageEvent{
		Category:  blockageCategoryPacing,
		Reason:    fmt.Sprintf("throttled %ds on %s window (%.1f%% over target)", decision.DelaySeconds, decision.ConstrainedWindow, decision.DeviationPercent),
		HookType:  hookPreToolUse,
		SessionID: p.SessionID,
	})
	a.logger.InfoContext(ctx, "throttling before tool use",
		"session_id", p.SessionID,
		"delay_seconds", decision.DelaySeconds,
		"window", string(decision.ConstrainedWindow),
		"cached", result.Cached,
	)
	a.sleep(time.Duration(decision.DelaySeconds) * time.Second)
	return nil
}

func (a *hookApp) handlePostToolUse(p hookPayload) error {
	if !a.pushEnabled {
		return nil
	}
	_, err := a.machine.RecordToolUse(p.SessionID, telemetry.ToolUse{
		AgentID: p.AgentID,
		Name:    p.ToolName,
		Input:   decodeRawValue(p.ToolInput),
		Output:  decodeRawValue(p.ToolResponse),
	})
	return err
}

// handleStop finalizes the turn: optional completion review first, then
// trace finalization with the assistant's last output.
func (a *hookApp) handleStop(ctx context.Context, p hookPayload) error {
	finalOutput, err := transcript.LastAssistantText(p.TranscriptPath)
	if err != nil {
		a.logger.WarnContext(ctx, "failed to read final output from transcript", "path", p.TranscriptPath, "error", err)
	}

	// stop_hook_active marks a re-fired stop after an earlier block;
	// reviewing again would loop forever.
	if a.reviewer != nil && !p.StopHookActive {
		if blocked := a.reviewTurn(ctx, p.SessionID, finalOutput); blocked {
			return nil
		}
	}

	if !a.pushEnabled {
		return nil
	}
	var output any
	if finalOutput != "" {
		output = finalOutput
	}
	if err := a.machine.FinishTurn(ctx, p.SessionID, output); err != nil {
		a.recordPushFailure(ctx, hookStop, p.SessionID, err)
		return err
	}
	return nil
}

// reviewTurn asks the LLM reviewer whether the finished turn satisfied
// the user's prompt. It reports true when the stop should be blocked.
func (a *hookApp) reviewTurn(ctx context.Context, sessionID, finalOutput string) bool {
	record, _ := a.store.Read(sessionID)
	intent := ""
	if record != nil {
		if v, ok := record.Metadata[metadataKeyLastPrompt].(string); ok {
			intent = v
		}
	}
	if strings.TrimSpace(intent) == "" || strings.TrimSpace(finalOutput) == "" {
		return false
	}

	verdict, err := a.reviewer.Review(ctx, intent, finalOutput)
	if err != nil || verdict.Approved {
		return false
	}

	a.recordBlockage(ctx, history.BlockageEvent{
		Category:  blockageCategoryReview,
		Reason:    verdict.Reason,
		HookType:  hookStop,
		SessionID: sessionID,
	})
	response := blockResponse{Decision: "block", Reason: verdict.Reason}
	if encodeErr := json.NewEncoder(a.out).Encode(response); encodeErr != nil {
		a.logger.WarnContext(ctx, "failed to write block response", "error", encodeErr)
		return false
	}
	a.logger.InfoContext(ctx, "turn blocked by completion review", "session_id", sessionID, "reason", verdict.Reason)
	return true
}

func (a *hookApp) handleSubagentStart(ctx context.Context, p hookPayload) error {
	if !a.pushEnabled {
		return nil
	}
	if strings.TrimSpace(p.AgentID) == "" {
		a.logger.DebugContext(ctx, "subagent start without agent_id", "session_id", p.SessionID)
		return nil
	}

	name := strings.TrimSpace(p.AgentName)
	if name == "" {
		name = defaultSubagentName
	}
	prompt, err := transcript.TaskPrompt(p.TranscriptPath)
	if err != nil {
		a.logger.DebugContext(ctx, "failed to extract subagent prompt", "path", p.TranscriptPath, "error", err)
	}
	_, err = a.machine.BeginSubagent(p.SessionID, p.AgentID, name, p.TranscriptPath, prompt)
	return err
}

func (a *hookApp) handleSubagentStop(ctx context.Context, p hookPayload) error {
	if !a.pushEnabled {
		return nil
	}
	if strings.TrimSpace(p.AgentID) == "" {
		a.logger.DebugContext(ctx, "subagent stop without agent_id", "session_id", p.SessionID)
		return nil
	}

	// The subagent's own transcript is authoritative; the Task result in
	// the parent transcript may not be written yet when this hook fires.
	output := ""
	if p.AgentTranscriptPath != "" {
		if text, err := transcript.LastAssistantText(p.AgentTranscriptPath); err == nil {
			output = text
		}
	}
	if output == "" && p.TranscriptPath != "" {
		if text, err := transcript.TaskResult(p.TranscriptPath, p.AgentID); err == nil {
			output = text
		}
	}

	var finalOutput any
	if output != "" {
		finalOutput = output
	}
	if err := a.machine.FinishSubagent(ctx, p.SessionID, p.AgentID, finalOutput); err != nil {
		a.recordPushFailure(ctx, hookSubagentStop, p.SessionID, err)
		return err
	}
	return nil
}

func (a *hookApp) recordPushFailure(ctx context.Context, hookType, sessionID string, err error) {
	a.otel.RecordPushFailure(hookType)
	a.recordBlockage(ctx, history.BlockageEvent{
		Category:  blockageCategoryPush,
		Reason:    err.Error(),
		HookType:  hookType,
		SessionID: sessionID,
	})
}

func (a *hookApp) recordBlockage(ctx context.Context, event history.BlockageEvent) {
	if a.history == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if err := a.history.InsertBlockage(ctx, event); err != nil {
		a.logger.WarnContext(ctx, "failed to record blockage event", "category", event.Category, "error", err)
	}
}

// decodeRawValue turns a raw JSON field into the value the telemetry
// machine serializes. Undecodable input is carried as the raw string so
// nothing is silently dropped.
func decodeRawValue(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	return v
}
