// Package tui is the interactive presenter: a Bubble Tea program driven
// directly by an in-process engine.Engine, per spec §6 (no daemon/HTTP
// hop for the default CLI invocation).
package tui

import (
	"fmt"

	"github.com/charmbracelet/lipgloss"
)

var (
	colorBusy    = lipgloss.Color("#2563eb")
	colorIdle    = lipgloss.Color("#4b5563")
	colorStale   = lipgloss.Color("#dc2626")
	colorHealthy = lipgloss.Color("#22c55e")
	colorDegraded = lipgloss.Color("#d97706")
	colorFailed  = lipgloss.Color("#dc2626")
	colorBright  = lipgloss.Color("#f9fafb")
	colorDimmed  = lipgloss.Color("#6b7280")
	colorBorder  = lipgloss.Color("#4b5563")
	colorPermission = lipgloss.Color("#a855f7")
)

var (
	styleHeader = lipgloss.NewStyle().Bold(true).Foreground(colorBright)
	styleDimmed = lipgloss.NewStyle().Foreground(colorDimmed)
	styleSelected = lipgloss.NewStyle().Bold(true).Foreground(colorBright)
	stylePanel = lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(colorBorder).
			Padding(0, 1)
	styleError = lipgloss.NewStyle().Foreground(colorStale)
)

func effectiveColor(eff string) lipgloss.Color {
	switch eff {
	case "busy":
		return colorBusy
	case "stale":
		return colorStale
	default:
		return colorIdle
	}
}

func effectiveGlyph(eff string) string {
	switch eff {
	case "busy":
		return "●"
	case "stale":
		return "✗"
	default:
		return "○"
	}
}

func healthColor(h string) lipgloss.Color {
	switch h {
	case "degraded":
		return colorDegraded
	case "failed":
		return colorFailed
	default:
		return colorHealthy
	}
}

func connStateGlyph(state string) string {
	switch state {
	case "connected":
		return "●"
	case "disconnected":
		return "○"
	default:
		return "◌"
	}
}

// blendHex linearly interpolates between two "#rrggbb" colors at t (0..1),
// backing the harmonica spring pulse on busy session glyphs.
func blendHex(from, to string, t float64) string {
	if t < 0 {
		t = 0
	}
	if t > 1 {
		t = 1
	}
	fr, fg, fb := hexChannels(from)
	tr, tg, tb := hexChannels(to)
	lerp := func(a, b int) int { return a + int(float64(b-a)*t) }
	return fmt.Sprintf("#%02x%02x%02x", lerp(fr, tr), lerp(fg, tg), lerp(fb, tb))
}

func hexChannels(hex string) (r, g, b int) {
	if len(hex) != 7 || hex[0] != '#' {
		return 0, 0, 0
	}
	fmt.Sscanf(hex[1:], "%02x%02x%02x", &r, &g, &b)
	return
}
