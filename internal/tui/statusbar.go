package tui

import (
	"fmt"

	"github.com/charmbracelet/lipgloss"

	"github.com/ocfleet/monitor/internal/projection"
)

func renderStatusBar(snap projection.Snapshot, width int) string {
	if width < 40 {
		width = 40
	}

	busy, idle, stale := 0, 0, 0
	for _, s := range snap.Sessions {
		switch s.Effective.String() {
		case "busy":
			busy++
		case "stale":
			stale++
		default:
			idle++
		}
	}

	counts := fmt.Sprintf("%d server(s)  %d busy  %d idle  %d stale", len(snap.Servers), busy, idle, stale)
	content := styleHeader.Render("ocfleetmon") + styleDimmed.Render("  |  ") + counts

	return lipgloss.NewStyle().
		Width(width).
		Padding(0, 1).
		BorderStyle(lipgloss.DoubleBorder()).
		BorderForeground(colorBorder).
		Render(content)
}

func renderHelp(width int) string {
	if width < 80 {
		return styleDimmed.Render("  j/k:nav  enter:open  i:prompt  x:abort  y/n:permission  d:debug  q:quit")
	}
	return styleDimmed.Render("  j/k:navigate  enter:open session  [ ]:siblings  i:send prompt  x:abort  y/n:respond permission  d:debug  esc:close  q:quit")
}
