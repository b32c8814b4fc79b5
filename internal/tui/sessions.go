package tui

import (
	"fmt"
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/ocfleet/monitor/internal/projection"
)

type rowKind int

const (
	rowServer rowKind = iota
	rowSession
)

// row is one flattened, selectable line in the fleet list: either a
// server header or a session within that server's tree, pre-order.
type row struct {
	kind    rowKind
	depth   int
	server  projection.ServerView
	session projection.SessionView
}

// buildRows flattens a Snapshot into a navigable list: one header row per
// server followed by its sessions in pre-order tree traversal.
func buildRows(snap projection.Snapshot) []row {
	byServer := make(map[string][]projection.SessionView)
	for _, s := range snap.Sessions {
		byServer[s.OwningServerURL] = append(byServer[s.OwningServerURL], s)
	}

	var rows []row
	for _, srv := range snap.Servers {
		rows = append(rows, row{kind: rowServer, server: srv})
		rows = append(rows, walkSessionTree(byServer[srv.URL], "", 1)...)
	}
	return rows
}

func walkSessionTree(sessions []projection.SessionView, parentID string, depth int) []row {
	byParent := make(map[string][]projection.SessionView)
	known := make(map[string]bool, len(sessions))
	for _, s := range sessions {
		known[s.ID] = true
	}
	for _, s := range sessions {
		key := s.ParentID
		if key != "" && !known[key] {
			key = "" // orphaned relative to this server's set: show as root
		}
		byParent[key] = append(byParent[key], s)
	}
	for k := range byParent {
		sort.Slice(byParent[k], func(i, j int) bool { return byParent[k][i].ID < byParent[k][j].ID })
	}

	var walk func(parent string, depth int) []row
	walk = func(parent string, depth int) []row {
		var out []row
		for _, s := range byParent[parent] {
			out = append(out, row{kind: rowSession, depth: depth, session: s})
			out = append(out, walk(s.ID, depth+1)...)
		}
		return out
	}
	return walk(parentID, depth)
}

// render draws one row. pulse is the busy-glyph pulse
// animation's current spring position (0..1, see tui.Model's harmonica
// spring): busy sessions blend their glyph color toward colorBright at
// the spring's peak so the whole fleet list pulses together on each
// tick rather than each row animating independently.
func (r row) render(width int, selected bool, pulse float64) string {
	var line string
	switch r.kind {
	case rowServer:
		s := r.server
		glyph := lipgloss.NewStyle().Foreground(healthColor(s.Health.String())).Render(connStateGlyph(s.ConnState.String()))
		label := fmt.Sprintf("%s %s:%s  %s", glyph, s.Project, s.Branch, s.ConnState.String())
		if s.LocalPID != 0 {
			label += fmt.Sprintf("  pid:%d", s.LocalPID)
		}
		line = styleHeader.Render(label)
	case rowSession:
		s := r.session
		indent := strings.Repeat("  ", r.depth)
		glyphColor := effectiveColor(s.Effective.String())
		if s.Effective.String() == "busy" {
			glyphColor = lipgloss.Color(blendHex(string(glyphColor), string(colorBright), pulse))
		}
		glyph := lipgloss.NewStyle().Foreground(glyphColor).Render(effectiveGlyph(s.Effective.String()))
		name := s.Title
		if name == "" {
			name = s.ID
		}
		if len(name) > 40 {
			name = name[:39] + "…"
		}
		extra := s.Effective.String()
		if s.LongRunning {
			extra += " (long-running)"
		}
		if s.HasPermission {
			extra = lipgloss.NewStyle().Foreground(colorPermission).Render("permission: " + s.PermissionTool)
		}
		line = fmt.Sprintf("%s%s %s  %s", indent, glyph, name, styleDimmed.Render(extra))
	}
	if selected {
		return styleSelected.Render("> " + line)
	}
	return "  " + line
}
