package llmjudge

import (
	"context"
	"errors"
	"net"
	"os"
	"testing"

	"github.com/anthropics/anthropic-sdk-go"

	"github.com/agenr-dev/agenr/internal/entrystore"
)

func TestNewRequiresAPIKey(t *testing.T) {
	os.Unsetenv("ANTHROPIC_API_KEY")

	if _, err := New(""); !errors.Is(err, ErrAPIKeyRequired) {
		t.Fatalf("expected ErrAPIKeyRequired, got %v", err)
	}

	c, err := New("explicit-key")
	if err != nil {
		t.Fatalf("expected an explicit key to be accepted: %v", err)
	}
	if c == nil {
		t.Fatalf("expected a non-nil client")
	}
}

func TestNewPrefersEnvKeyOverExplicitArg(t *testing.T) {
	os.Setenv("ANTHROPIC_API_KEY", "env-key")
	t.Cleanup(func() { os.Unsetenv("ANTHROPIC_API_KEY") })

	if _, err := New("explicit-key"); err != nil {
		t.Fatalf("expected New to succeed when the env var is set: %v", err)
	}
}

func TestValidRelationAcceptsOnlyKnownRelations(t *testing.T) {
	valid := []string{
		entrystore.RelationElaborates,
		entrystore.RelationContradicts,
		entrystore.RelationSupersedes,
		entrystore.RelationCoexists,
		entrystore.RelationRelated,
	}
	for _, r := range valid {
		if !validRelation(r) {
			t.Fatalf("expected %q to be a valid relation", r)
		}
	}
	if validRelation("invented-relation") {
		t.Fatalf("expected an unknown relation to be rejected")
	}
	if validRelation("") {
		t.Fatalf("expected an empty relation to be rejected")
	}
}

func TestRenderPromptIncludesBothEntries(t *testing.T) {
	a := entrystore.Entry{Subject: "subject-a", Content: "content-a"}
	b := entrystore.Entry{Subject: "subject-b", Content: "content-b"}

	prompt := renderPrompt(a, b)
	for _, want := range []string{"subject-a", "content-a", "subject-b", "content-b"} {
		if !contains(prompt, want) {
			t.Fatalf("expected prompt to mention %q, got %q", want, prompt)
		}
	}
}

func TestIsRetryableClassifiesErrors(t *testing.T) {
	if isRetryable(nil) {
		t.Fatalf("expected a nil error to be non-retryable")
	}
	if isRetryable(context.Canceled) {
		t.Fatalf("expected context.Canceled to be non-retryable")
	}
	if isRetryable(context.DeadlineExceeded) {
		t.Fatalf("expected context.DeadlineExceeded to be non-retryable")
	}
	if isRetryable(errors.New("boom")) {
		t.Fatalf("expected a plain error to be non-retryable")
	}
	if !isRetryable(&timeoutError{}) {
		t.Fatalf("expected a timeout net.Error to be retryable")
	}
	if !isRetryable(&anthropic.Error{StatusCode: 429}) {
		t.Fatalf("expected a 429 API error to be retryable")
	}
	if !isRetryable(&anthropic.Error{StatusCode: 500}) {
		t.Fatalf("expected a 500 API error to be retryable")
	}
	if isRetryable(&anthropic.Error{StatusCode: 400}) {
		t.Fatalf("expected a 400 API error to be non-retryable")
	}
}

// timeoutError is a minimal net.Error whose Timeout() is always true.
type timeoutError struct{}

func (e *timeoutError) Error() string   { return "timeout" }
func (e *timeoutError) Timeout() bool   { return true }
func (e *timeoutError) Temporary() bool { return true }

var _ net.Error = (*timeoutError)(nil)

func contains(s, substr string) bool {
	return len(s) >= len(substr) && indexOf(s, substr) >= 0
}

func indexOf(s, substr string) int {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return i
		}
	}
	return -1
}
