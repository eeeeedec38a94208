// Package review asks an LLM to judge whether a finished turn actually
// completed what the user asked for. The verdict can block a premature stop;
// any collaborator failure approves, because a broken reviewer must never
// wedge the session.
package review

import (
	"context"
	_ "embed"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

//go:embed prompts/completion_review.md
var defaultTemplate string

const (
	defaultModel     = "gpt-4o-mini"
	defaultTimeout   = 30 * time.Second
	maxVerdictTokens = 200
)

// Verdict is the parsed reviewer judgment.
type Verdict struct {
	Approved bool
	Reason   string
}

type completionClient interface {
	CreateChatCompletion(ctx context.Context, request openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

type Reviewer struct {
	client   completionClient
	model    string
	template string
	timeout  time.Duration
	logger   *slog.Logger
}

// Option adjusts a Reviewer.
type Option func(*Reviewer)

// WithCompletionClient swaps the underlying SDK client, for tests.
func WithCompletionClient(client completionClient) Option {
	return func(r *Reviewer) {
		r.client = client
	}
}

// WithTimeout bounds each Review call.
func WithTimeout(timeout time.Duration) Option {
	return func(r *Reviewer) {
		if timeout > 0 {
			r.timeout = timeout
		}
	}
}

// NewReviewer builds a reviewer against an OpenAI-compatible endpoint. An
// empty templatePath uses the embedded prompt; a non-empty path that cannot
// be read is a broken installation and fails construction.
func NewReviewer(baseURL, apiKey, model, templatePath string, logger *slog.Logger, opts ...Option) (*Reviewer, error) {
	template := defaultTemplate
	if templatePath != "" {
		raw, err := os.ReadFile(templatePath)
		if err != nil {
			return nil, fmt.Errorf("load review prompt template %q: %w", templatePath, err)
		}
		template = string(raw)
	}
	if !strings.Contains(template, "{{USER_INTENT}}") || !strings.Contains(template, "{{FINAL_OUTPUT}}") {
		return nil, fmt.Errorf("review prompt template is missing required placeholders")
	}

	if model == "" {
		model = defaultModel
	}
	if logger == nil {
		logger = slog.Default()
	}

	clientConfig := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		clientConfig.BaseURL = baseURL
	}

	reviewer := &Reviewer{
		client:   openai.NewClientWithConfig(clientConfig),
		model:    model,
		template: template,
		timeout:  defaultTimeout,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(reviewer)
	}
	return reviewer, nil
}

// BuildPrompt renders the review prompt for a turn.
func (r *Reviewer) BuildPrompt(userIntent, finalOutput string) string {
	prompt := strings.ReplaceAll(r.template, "{{USER_INTENT}}", userIntent)
	return strings.ReplaceAll(prompt, "{{FINAL_OUTPUT}}", finalOutput)
}

// Review judges a finished turn. SDK failures and timeouts approve with a
// nil error so the caller's stop path is never blocked by reviewer outages.
func (r *Reviewer) Review(ctx context.Context, userIntent, finalOutput string) (Verdict, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	resp, err := r.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:     r.model,
		MaxTokens: maxVerdictTokens,
		Messages: []openai.ChatCompletionMessage{
			{
				Role:    openai.ChatMessageRoleUser,
				Content: r.BuildPrompt(userIntent, finalOutput),
			},
		},
	})
	if err != nil {
		r.logger.Warn("completion review failed, approving", "error", err)
		return Verdict{Approved: true}, nil
	}
	if len(resp.Choices) == 0 {
		r.logger.Warn("completion review returned no choices, approving")
		return Verdict{Approved: true}, nil
	}

	return ParseVerdict(resp.Choices[0].Message.Content), nil
}

// ParseVerdict interprets the reviewer's reply. Anything that is not an
// explicit BLOCKED line counts as approval.
func ParseVerdict(reply string) Verdict {
	trimmed := strings.TrimSpace(reply)
	upper := strings.ToUpper(trimmed)

	if strings.HasPrefix(upper, "BLOCKED") {
		reason := strings.TrimSpace(trimmed[len("BLOCKED"):])
		reason = strings.TrimLeft(reason, ":- ")
		return Verdict{Approved: false, Reason: reason}
	}
	return Verdict{Approved: true}
}
