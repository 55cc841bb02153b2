package llmerrors

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestCodeOf_Wrapped(t *testing.T) {
	base := Wrap(CodeBudgetExceeded, "estimate over remaining budget", errors.New("50c > 10c"))
	wrapped := fmt.Errorf("execute tool: %w", base)
	if got := CodeOf(wrapped); got != CodeBudgetExceeded {
		t.Fatalf("expected BUDGET_EXCEEDED, got %q", got)
	}
}

func TestCodeOf_Untyped(t *testing.T) {
	if got := CodeOf(errors.New("plain")); got != "" {
		t.Fatalf("expected empty code, got %q", got)
	}
}

func TestIs_MatchesByCode(t *testing.T) {
	a := New(CodeTimeout, "outer deadline hit")
	b := New(CodeTimeout, "different message")
	if !errors.Is(a, b) {
		t.Fatalf("expected errors.Is to match on code")
	}
	c := New(CodeToolError, "tool blew up")
	if errors.Is(a, c) {
		t.Fatalf("expected mismatch on different codes")
	}
}

func TestUserFacingMessage_NeverLeaksCause(t *testing.T) {
	leaky := errors.New("connection to 10.0.3.7:8443 refused; api_key=sk-abc123")
	err := Wrap(CodeModelError, "provider call failed", leaky)
	msg := UserFacingMessage(err)
	if strings.Contains(msg, "sk-abc123") || strings.Contains(msg, "10.0.3.7") {
		t.Fatalf("user-facing message leaked internals: %q", msg)
	}
	if msg == "" {
		t.Fatalf("expected non-empty message")
	}
}
