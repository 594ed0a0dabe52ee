// Package llmjudge is a concrete Judge implementation backed by Claude,
// used by consolidation's clustering phase to decide how two similar
// entries relate.
package llmjudge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net"
	"os"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/agenr-dev/agenr/internal/entrystore"
)

const (
	defaultModel   = "claude-3-5-haiku-20241022"
	maxRetries     = 3
	initialBackoff = 1 * time.Second
)

// ErrAPIKeyRequired is returned when no API key is available.
var ErrAPIKeyRequired = errors.New("llmjudge: API key required")

// Verdict is the judge's decision about a candidate pair.
type Verdict struct {
	Relation   string  `json:"relation"`
	Confidence float64 `json:"confidence"`
}

// Client judges relations between entry pairs via the Anthropic API.
type Client struct {
	client         anthropic.Client
	model          anthropic.Model
	maxRetries     int
	initialBackoff time.Duration
}

// New creates a judge client. The ANTHROPIC_API_KEY environment variable
// takes precedence over an explicit apiKey argument.
func New(apiKey string) (*Client, error) {
	if envKey := os.Getenv("ANTHROPIC_API_KEY"); envKey != "" {
		apiKey = envKey
	}
	if apiKey == "" {
		return nil, fmt.Errorf("%w: set ANTHROPIC_API_KEY or provide a key explicitly", ErrAPIKeyRequired)
	}

	return &Client{
		client:         anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:          defaultModel,
		maxRetries:     maxRetries,
		initialBackoff: initialBackoff,
	}, nil
}

// Judge asks whether newEntry relates to existing, and how. Valid
// relations are the same set entrystore.Relation accepts: elaborates,
// contradicts, supersedes, coexists, related.
func (c *Client) Judge(ctx context.Context, newEntry, existing entrystore.Entry) (Verdict, error) {
	prompt := renderPrompt(newEntry, existing)

	text, err := c.callWithRetry(ctx, prompt)
	if err != nil {
		return Verdict{}, err
	}

	var v Verdict
	if err := json.Unmarshal([]byte(text), &v); err != nil {
		return Verdict{}, fmt.Errorf("llmjudge: parse verdict: %w", err)
	}
	if !validRelation(v.Relation) {
		return Verdict{}, fmt.Errorf("llmjudge: unexpected relation %q", v.Relation)
	}
	return v, nil
}

func validRelation(r string) bool {
	switch r {
	case entrystore.RelationElaborates, entrystore.RelationContradicts,
		entrystore.RelationSupersedes, entrystore.RelationCoexists, entrystore.RelationRelated:
		return true
	}
	return false
}

func renderPrompt(a, b entrystore.Entry) string {
	return fmt.Sprintf(`Two knowledge entries may be related. Respond with strict JSON only:
{"relation": "elaborates|contradicts|supersedes|coexists|related", "confidence": 0.0-1.0}

Entry A: %s — %s
Entry B: %s — %s`, a.Subject, a.Content, b.Subject, b.Content)
}

func (c *Client) callWithRetry(ctx context.Context, prompt string) (string, error) {
	var lastErr error
	params := anthropic.MessageNewParams{
		Model:     c.model,
		MaxTokens: 256,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	}

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := c.initialBackoff * time.Duration(math.Pow(2, float64(attempt-1)))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}

		message, err := c.client.Messages.New(ctx, params)
		if err == nil {
			if len(message.Content) == 0 {
				return "", fmt.Errorf("llmjudge: empty response")
			}
			content := message.Content[0]
			if content.Type != "text" {
				return "", fmt.Errorf("llmjudge: unexpected block type %s", content.Type)
			}
			return content.Text, nil
		}

		lastErr = err
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		if !isRetryable(err) {
			return "", fmt.Errorf("llmjudge: non-retryable error: %w", err)
		}
	}

	return "", fmt.Errorf("llmjudge: failed after %d attempts: %w", c.maxRetries+1, lastErr)
}

func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == 429 || apiErr.StatusCode >= 500
	}
	return false
}
