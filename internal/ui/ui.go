// Package ui holds agenr's small set of lipgloss styles for CLI text
// output: the review queue table and the consolidation stats report.
package ui

import (
	"os"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"
)

// IsTerminal reports whether stdout is connected to a TTY.
func IsTerminal() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}

// ShouldUseColor follows the NO_COLOR / CLICOLOR conventions, falling back
// to TTY detection.
func ShouldUseColor() bool {
	if os.Getenv("NO_COLOR") != "" {
		return false
	}
	if os.Getenv("CLICOLOR") == "0" {
		return false
	}
	if os.Getenv("CLICOLOR_FORCE") != "" {
		return true
	}
	return IsTerminal()
}

var (
	ColorAccent = lipgloss.AdaptiveColor{Light: "#6366F1", Dark: "#818CF8"}
	ColorWarn   = lipgloss.AdaptiveColor{Light: "#B45309", Dark: "#FBBF24"}
	ColorPass   = lipgloss.AdaptiveColor{Light: "#15803D", Dark: "#4ADE80"}
	ColorMuted  = lipgloss.AdaptiveColor{Light: "#6B7280", Dark: "#9CA3AF"}

	HeaderStyle = lipgloss.NewStyle().Bold(true).Foreground(ColorAccent)
	WarnStyle   = lipgloss.NewStyle().Foreground(ColorWarn)
	PassStyle   = lipgloss.NewStyle().Foreground(ColorPass)
	MutedStyle  = lipgloss.NewStyle().Foreground(ColorMuted)
)

// ReviewAgeStyle returns the style an age bucket ("<1h", "5h", "3d", ...)
// should render in: fresh flags are muted, stale ones (days old) draw the
// eye since they are the ones most likely worth triaging. Returns the
// unstyled identity style when color is disabled (NO_COLOR, non-TTY).
func ReviewAgeStyle(age string) lipgloss.Style {
	if !ShouldUseColor() {
		return lipgloss.NewStyle()
	}
	if len(age) > 0 && age[len(age)-1] == 'd' {
		return WarnStyle
	}
	return MutedStyle
}

// StatLine renders a "label: value" stats row with a bold accent label.
func StatLine(label, value string) string {
	if !ShouldUseColor() {
		return label + ": " + value
	}
	return HeaderStyle.Render(label+":") + " " + value
}
