// Package llm wraps an OpenAI-compatible API behind the single model-call
// abstraction used by both question generation and evaluation. Every network
// attempt passes through the shared rate limiter; transient failures are
// retried with exponential backoff.
package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/lexeval/lexeval/internal/model"
	"github.com/lexeval/lexeval/internal/ratelimit"

	openai "github.com/sashabaranov/go-openai"
)

// ErrRateLimited marks a call that exhausted its budget on HTTP 429 responses.
var ErrRateLimited = errors.New("rate limited")

// Outcome tags an Answer so callers branch on an explicit variant instead of
// string sentinels.
type Outcome string

const (
	OutcomeOK          Outcome = "ok"
	OutcomeRateLimited Outcome = "rate_limited"
	OutcomeFailed      Outcome = "failed"
)

// Answer is the typed result of asking the model a multiple-choice question.
type Answer struct {
	Outcome Outcome
	Letter  string // one of A-D when Outcome is OutcomeOK
	Reason  string // failure description otherwise
}

// String renders the answer the way downstream scoring expects: the letter on
// success, the literal "ERROR" sentinel otherwise.
func (a Answer) String() string {
	if a.Outcome == OutcomeOK {
		return a.Letter
	}
	return "ERROR"
}

// Config holds the model endpoint and retry parameters.
type Config struct {
	BaseURL    string
	APIKey     string
	Model      string
	MaxRetries int
	BaseDelay  time.Duration
}

// Client is the single external model-call abstraction.
type Client struct {
	api        *openai.Client
	model      string
	limiter    *ratelimit.Limiter
	maxRetries int
	baseDelay  time.Duration

	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a model client sharing the given rate limiter.
func New(cfg Config, limiter *ratelimit.Limiter) *Client {
	apiCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		apiCfg.BaseURL = cfg.BaseURL
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 2 * time.Second
	}
	return &Client{
		api:        openai.NewClientWithConfig(apiCfg),
		model:      cfg.Model,
		limiter:    limiter,
		maxRetries: cfg.MaxRetries,
		baseDelay:  cfg.BaseDelay,
		sleep:      sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Invoke sends a prompt and returns the single text candidate. Each attempt
// acquires the rate limiter first; 429 responses and transient network errors
// back off exponentially up to the retry budget.
func (c *Client) Invoke(ctx context.Context, prompt string) (string, error) {
	var lastErr error
	rateLimited := false

	for attempt := 0; attempt < c.maxRetries; attempt++ {
		if err := c.limiter.Acquire(ctx); err != nil {
			return "", fmt.Errorf("%w: %v", model.ErrModel, err)
		}

		resp, err := c.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
			Model: c.model,
			Messages: []openai.ChatCompletionMessage{
				{Role: openai.ChatMessageRoleUser, Content: prompt},
			},
			Temperature: 0,
			TopP:        1,
			MaxTokens:   2048,
		})
		if err != nil {
			lastErr = err
			delay := c.backoff(attempt)
			if isRateLimit(err) {
				rateLimited = true
				slog.Warn("model rate limit reached, backing off", "delay", delay, "attempt", attempt+1)
			} else {
				if ctx.Err() != nil {
					return "", fmt.Errorf("%w: %v", model.ErrModel, ctx.Err())
				}
				slog.Warn("model call failed, retrying", "error", err, "delay", delay, "attempt", attempt+1)
			}
			if attempt < c.maxRetries-1 {
				if serr := c.sleep(ctx, delay); serr != nil {
					return "", fmt.Errorf("%w: %v", model.ErrModel, serr)
				}
			}
			continue
		}

		if len(resp.Choices) == 0 {
			lastErr = errors.New("model returned no choices")
			delay := c.backoff(attempt)
			slog.Warn("model returned no choices, retrying", "delay", delay, "attempt", attempt+1)
			if attempt < c.maxRetries-1 {
				if serr := c.sleep(ctx, delay); serr != nil {
					return "", fmt.Errorf("%w: %v", model.ErrModel, serr)
				}
			}
			continue
		}
		return resp.Choices[0].Message.Content, nil
	}

	if rateLimited {
		return "", fmt.Errorf("%w: %w: %v", model.ErrModel, ErrRateLimited, lastErr)
	}
	return "", fmt.Errorf("%w: retries exhausted: %v", model.ErrModel, lastErr)
}

// backoff returns base_delay * 2^attempt.
func (c *Client) backoff(attempt int) time.Duration {
	return c.baseDelay * (1 << attempt)
}

func isRateLimit(err error) bool {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode == 429
	}
	return false
}

// AskQuestion poses a QCM under the given evaluation mode and returns a typed
// answer. Retry exhaustion degrades to a failure value, never an error, so
// callers treat it as a data outcome.
func (c *Client) AskQuestion(ctx context.Context, q model.QCM, mode string) Answer {
	prompt := BuildQuestionPrompt(q, mode)
	text, err := c.Invoke(ctx, prompt)
	if err != nil {
		outcome := OutcomeFailed
		if errors.Is(err, ErrRateLimited) {
			outcome = OutcomeRateLimited
		}
		return Answer{Outcome: outcome, Reason: err.Error()}
	}
	return ParseAnswer(text)
}

// ParseAnswer normalizes raw model output to a choice letter.
func ParseAnswer(text string) Answer {
	letter := strings.ToUpper(strings.TrimSpace(text))
	if model.ValidAnswer(letter) {
		return Answer{Outcome: OutcomeOK, Letter: letter}
	}
	return Answer{Outcome: OutcomeFailed, Reason: fmt.Sprintf("response %q is not a choice letter", text)}
}

var systemPrompts = map[string]string{
	"standard":  "You are an expert legal assistant. Answer multiple-choice questions precisely.",
	"bias":      "You are an expert legal assistant. Analyze this question while staying alert to potential bias.",
	"integrity": "You are an expert legal assistant. Verify the consistency and accuracy of every option before answering.",
	"legal":     "You are an expert legal assistant. Consider the legal and regulatory implications of every option.",
}

// BuildQuestionPrompt formats a QCM with the system preamble for mode.
// Unknown modes fall back to the standard preamble.
func BuildQuestionPrompt(q model.QCM, mode string) string {
	system, ok := systemPrompts[mode]
	if !ok {
		system = systemPrompts["standard"]
	}

	var sb strings.Builder
	sb.WriteString(system)
	sb.WriteString("\n\nQuestion: " + q.Question + "\n")
	for _, label := range model.ChoiceLabels {
		sb.WriteString(fmt.Sprintf("%s) %s\n", label, q.Choices[label]))
	}
	sb.WriteString("\nRespond with only the letter of your answer (A, B, C or D).")
	return sb.String()
}
