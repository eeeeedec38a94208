// Package usage wraps the account usage API that reports rate-limit
// window utilization. The API is treated as unreliable: every failure
// surfaces as an error the caller converts to an absent result, never as
// something that blocks the session.
package usage

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"
)

// Snapshot is one observation of the account's rate-limit windows.
// Immutable once written.
type Snapshot struct {
	FiveHourUtil     float64
	FiveHourResetsAt time.Time
	SevenDayUtil     float64
	SevenDayResetsAt time.Time
	Timestamp        time.Time
	SessionID        string
}

// Client fetches usage snapshots from the account API.
type Client struct {
	baseURL    string
	httpClient *http.Client
	loadToken  func() (string, error)
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client, typically to install
// an instrumented transport or to shorten the timeout in tests.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithTokenLoader replaces the credential loader. The default reads the
// token file path given to NewClient.
func WithTokenLoader(load func() (string, error)) Option {
	return func(c *Client) {
		if load != nil {
			c.loadToken = load
		}
	}
}

func NewClient(baseURL, tokenPath string, timeout time.Duration, opts ...Option) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		loadToken: func() (string, error) {
			return readTokenFile(tokenPath)
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func readTokenFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read token file %q: %w", path, err)
	}
	token := strings.TrimSpace(string(data))
	if token == "" {
		return "", fmt.Errorf("token file %q is empty", path)
	}
	return token, nil
}

type usageResponse struct {
	FiveHour struct {
		Utilization float64    `json:"utilization"`
		ResetsAt    *time.Time `json:"resets_at"`
	} `json:"five_hour"`
	SevenDay struct {
		Utilization float64    `json:"utilization"`
		ResetsAt    *time.Time `json:"resets_at"`
	} `json:"seven_day"`
}

// Fetch polls the usage API once. Any failure (missing token, transport
// error, non-2xx status, malformed body) is returned as an error; callers
// treat it as an absent snapshot.
func (c *Client) Fetch(ctx context.Context) (*Snapshot, error) {
	token, err := c.loadToken()
	if err != nil {
		return nil, fmt.Errorf("load access token: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/usage", nil)
	if err != nil {
		return nil, fmt.Errorf("build usage request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch usage: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("usage API returned HTTP %d", resp.StatusCode)
	}

	var body usageResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode usage response: %w", err)
	}

	snapshot := &Snapshot{
		FiveHourUtil: body.FiveHour.Utilization,
		SevenDayUtil: body.SevenDay.Utilization,
		Timestamp:    time.Now().UTC(),
	}
	if body.FiveHour.ResetsAt != nil {
		snapshot.FiveHourResetsAt = body.FiveHour.ResetsAt.UTC()
	}
	if body.SevenDay.ResetsAt != nil {
		snapshot.SevenDayResetsAt = body.SevenDay.ResetsAt.UTC()
	}
	return snapshot, nil
}
