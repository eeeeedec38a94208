// Package sink delivers batched telemetry events to the external
// ingestion API. Delivery is at-least-once and whole-batch: callers keep
// their queue untouched on any failure and clear it only on confirmed
// success.
package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/ongoingai/pacer/internal/statestore"
)

// maxBatchPayloadBytes caps the serialized ingestion body. The ingestion
// API enforces a 1MB limit; 900KB leaves headroom for HTTP overhead.
const maxBatchPayloadBytes = 900_000

// minTruncatedFieldChars is the floor of content preserved per field even
// under aggressive truncation.
const minTruncatedFieldChars = 100

// aggressiveTruncationChars is the per-field cap applied on the second
// pass when proportional truncation was not enough.
const aggressiveTruncationChars = 1000

type Client struct {
	baseURL    string
	publicKey  string
	secretKey  string
	httpClient *http.Client
	logger     *slog.Logger
}

func NewClient(baseURL, publicKey, secretKey string, timeout time.Duration, logger *slog.Logger) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		publicKey: publicKey,
		secretKey: secretKey,
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		logger: logger,
	}
}

type ingestionPayload struct {
	Batch []statestore.Event `json:"batch"`
}

type ingestionResponse struct {
	Successes []json.RawMessage `json:"successes"`
	Errors    []json.RawMessage `json:"errors"`
}

// PushBatch submits events to the ingestion endpoint in their enqueued
// order. It returns the number of events the sink confirmed; any error
// means the caller must retain its queue verbatim for a later retry.
func (c *Client) PushBatch(ctx context.Context, events []statestore.Event) (int, error) {
	if len(events) == 0 {
		return 0, nil
	}

	payload := ingestionPayload{Batch: events}
	body, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("marshal batch: %w", err)
	}
	if len(body) > maxBatchPayloadBytes {
		c.logger.Warn("batch payload over size limit, truncating fields", "size", len(body), "limit", maxBatchPayloadBytes)
		payload.Batch = truncateBatchToFit(events, maxBatchPayloadBytes)
		body, err = json.Marshal(payload)
		if err != nil {
			return 0, fmt.Errorf("marshal truncated batch: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/public/ingestion", bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("build ingestion request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth(c.publicKey, c.secretKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("push batch: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated, http.StatusAccepted, http.StatusMultiStatus:
	default:
		return 0, fmt.Errorf("ingestion API returned HTTP %d", resp.StatusCode)
	}

	// The API returns 2xx even when items fail; the authoritative result
	// is in the body.
	var result ingestionResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return 0, fmt.Errorf("decode ingestion response: %w", err)
	}
	if len(result.Errors) > 0 {
		c.logger.Warn("ingestion batch had item errors", "errors", len(result.Errors), "batch", len(events))
	}
	if len(result.Successes) == 0 {
		return 0, fmt.Errorf("all %d events rejected by ingestion API", len(events))
	}
	if len(result.Successes) < len(events) {
		// No partial-batch semantics: anything short of full delivery is a
		// retryable failure so the caller keeps the queue intact.
		return len(result.Successes), fmt.Errorf("partial delivery: %d/%d events accepted", len(result.Successes), len(events))
	}
	return len(result.Successes), nil
}

// truncatableField locates one string field inside an event body that may
// be shortened to fit the payload budget.
type truncatableField struct {
	eventIndex int
	name       string
	length     int
}

var truncationTargets = []string{"input", "output", "text"}

// truncateBatchToFit shortens the largest input/output/text fields until
// the serialized payload fits under maxBytes. Events are deep-copied; ids
// and timestamps are never touched.
func truncateBatchToFit(events []statestore.Event, maxBytes int) []statestore.Event {
	out := make([]statestore.Event, len(events))
	for i, event := range events {
		out[i] = event
		if event.Body != nil {
			body := make(map[string]any, len(event.Body))
			for k, v := range event.Body {
				body[k] = v
			}
			out[i].Body = body
		}
	}

	var fields []truncatableField
	for i, event := range out {
		for _, name := range truncationTargets {
			if s, ok := event.Body[name].(string); ok {
				fields = append(fields, truncatableField{eventIndex: i, name: name, length: len(s)})
			}
		}
	}
	if len(fields) == 0 {
		return out
	}
	sort.Slice(fields, func(a, b int) bool { return fields[a].length > fields[b].length })

	for _, field := range fields {
		size := serializedSize(out)
		if size <= maxBytes {
			return out
		}
		excess := size - maxBytes
		body := out[field.eventIndex].Body
		current, _ := body[field.name].(string)

		marker := fmt.Sprintf("\n\n... [TRUNCATED - original size: %d chars, limit: %d chars]", len(current), len(current)-excess)
		target := len(current) - excess - len(marker) - minTruncatedFieldChars
		if target < minTruncatedFieldChars {
			target = minTruncatedFieldChars
		}
		if target >= len(current) {
			continue
		}
		body[field.name] = current[:target] + marker
	}

	if serializedSize(out) > maxBytes {
		for _, field := range fields {
			body := out[field.eventIndex].Body
			current, ok := body[field.name].(string)
			if !ok || len(current) <= aggressiveTruncationChars {
				continue
			}
			marker := fmt.Sprintf("\n\n... [TRUNCATED - original size: %d chars, limit: %d chars]", field.length, aggressiveTruncationChars)
			body[field.name] = current[:aggressiveTruncationChars] + marker
		}
	}
	return out
}

func serializedSize(events []statestore.Event) int {
	data, err := json.Marshal(ingestionPayload{Batch: events})
	if err != nil {
		return 0
	}
	return len(data)
}
