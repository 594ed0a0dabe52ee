package ui

import (
	"os"
	"testing"
)

func forceColor(t *testing.T) {
	t.Helper()
	os.Setenv("CLICOLOR_FORCE", "1")
	t.Cleanup(func() { os.Unsetenv("CLICOLOR_FORCE") })
}

func TestReviewAgeStyleFlagsDayOldEntries(t *testing.T) {
	forceColor(t)

	if got := ReviewAgeStyle("3d"); got.GetForeground() != WarnStyle.GetForeground() {
		t.Fatalf("expected day-old ages to use the warn style")
	}
	if got := ReviewAgeStyle("<1h"); got.GetForeground() != MutedStyle.GetForeground() {
		t.Fatalf("expected sub-hour ages to use the muted style")
	}
	if got := ReviewAgeStyle("5h"); got.GetForeground() != MutedStyle.GetForeground() {
		t.Fatalf("expected hour-scale ages to use the muted style")
	}
}

func TestReviewAgeStyleIsPlainWithoutColor(t *testing.T) {
	os.Setenv("NO_COLOR", "1")
	t.Cleanup(func() { os.Unsetenv("NO_COLOR") })

	if got := ReviewAgeStyle("3d"); got.Render("3d") != "3d" {
		t.Fatalf("expected no ANSI styling when NO_COLOR is set, got %q", got.Render("3d"))
	}
}

func TestStatLineIncludesLabelAndValue(t *testing.T) {
	os.Setenv("NO_COLOR", "1")
	t.Cleanup(func() { os.Unsetenv("NO_COLOR") })

	if got := StatLine("expired", "3"); got != "expired: 3" {
		t.Fatalf("got %q, want %q", got, "expired: 3")
	}
}
