// Package openai calls an OpenAI-compatible chat completions endpoint for
// trial classification and verdict synthesis.
package openai

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	backoff "github.com/cenkalti/backoff/v4"

	"github.com/oddish-run/oddish/internal/config"
	"github.com/oddish-run/oddish/internal/domain"
	"github.com/oddish-run/oddish/internal/observability"
)

// Client is a thin chat-completions client with exponential-backoff retries.
type Client struct {
	cfg config.Config
	hc  *http.Client
}

// New constructs a Client. The HTTP timeout covers a single attempt; overall
// time is bounded by the backoff elapsed-time limit and the caller's context.
func New(cfg config.Config) *Client {
	return &Client{cfg: cfg, hc: &http.Client{Timeout: 120 * time.Second}}
}

func (c *Client) getBackoffConfig() *backoff.ExponentialBackOff {
	expo := backoff.NewExponentialBackOff()
	maxElapsedTime, initialInterval, maxInterval, multiplier := c.cfg.GetAIBackoffConfig()
	expo.MaxElapsedTime = maxElapsedTime
	expo.InitialInterval = initialInterval
	expo.MaxInterval = maxInterval
	expo.Multiplier = multiplier
	return expo
}

// ChatJSON sends a system+user prompt to the configured model and returns the
// message content. 429 and 5xx responses are retried; other 4xx are permanent.
func (c *Client) ChatJSON(ctx domain.Context, operation, model, systemPrompt, userPrompt string) (string, error) {
	if c.cfg.AIAPIKey == "" {
		return "", fmt.Errorf("%w: AI_API_KEY missing", domain.ErrInvalidArgument)
	}
	body := map[string]any{
		"model":       model,
		"temperature": 0.2,
		"messages": []map[string]string{
			{"role": "system", "content": systemPrompt},
			{"role": "user", "content": userPrompt},
		},
	}
	b, _ := json.Marshal(body)
	var out struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	// Provider-side failures are logged outside the job's context logger;
	// carry the claim's job id so the two streams correlate.
	jobID := observability.JobIDFromContext(ctx)
	op := func() error {
		start := time.Now()
		// Recreate request each attempt to avoid reusing consumed bodies
		r, _ := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.AIBaseURL+"/chat/completions", bytes.NewReader(b))
		r.Header.Set("Authorization", "Bearer "+c.cfg.AIAPIKey)
		r.Header.Set("Content-Type", "application/json")
		resp, err := c.hc.Do(r)
		observability.AIRequestsTotal.WithLabelValues(operation).Inc()
		observability.AIRequestDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
		if err != nil {
			return err
		}
		defer func() { _ = resp.Body.Close() }()
		bodyBytes, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		if resp.StatusCode == http.StatusTooManyRequests {
			slog.Warn("ai provider rate limited", slog.String("op", operation), slog.String("model", model), slog.String("job_id", jobID))
			return fmt.Errorf("rate limited: 429")
		}
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			snippet := string(bodyBytes)
			if len(snippet) > 512 {
				snippet = snippet[:512]
			}
			slog.Warn("ai provider 4xx", slog.String("op", operation), slog.Int("status", resp.StatusCode), slog.String("body", snippet), slog.String("job_id", jobID))
			return backoff.Permanent(fmt.Errorf("chat status %d", resp.StatusCode))
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			slog.Error("ai provider non-2xx", slog.String("op", operation), slog.Int("status", resp.StatusCode), slog.String("job_id", jobID))
			return fmt.Errorf("chat status %d", resp.StatusCode)
		}
		if err := json.Unmarshal(bodyBytes, &out); err != nil {
			return err
		}
		return nil
	}
	bo := backoff.WithContext(c.getBackoffConfig(), ctx)
	if err := backoff.Retry(op, bo); err != nil {
		return "", fmt.Errorf("op=ai.%s: %w", operation, err)
	}
	if len(out.Choices) == 0 {
		return "", errors.New("empty choices from chat completions")
	}
	return out.Choices[0].Message.Content, nil
}

// CleanJSON strips markdown code fences models often wrap JSON in.
func CleanJSON(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		if i := strings.LastIndex(s, "```"); i >= 0 {
			s = s[:i]
		}
	}
	return strings.TrimSpace(s)
}
