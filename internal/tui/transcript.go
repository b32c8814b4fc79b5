package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/viewport"
	"github.com/charmbracelet/glamour"

	"github.com/ocfleet/monitor/internal/view"
)

// renderTranscript turns a session view's message log into Markdown and
// renders it through glamour, one entry per message with its role and,
// when available, its per-message cost.
func renderTranscript(st view.State, width int) string {
	if st.Err != "" {
		return styleError.Render(st.Err)
	}
	if len(st.Messages) == 0 {
		return styleDimmed.Render("(no messages yet)")
	}

	var b strings.Builder
	for _, m := range st.Messages {
		role := strings.ToUpper(m.Role)
		if m.Cost > 0 {
			fmt.Fprintf(&b, "**%s** _($%.4f)_\n\n%s\n\n---\n\n", role, m.Cost, m.Text)
		} else {
			fmt.Fprintf(&b, "**%s**\n\n%s\n\n---\n\n", role, m.Text)
		}
	}

	r, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(max(width, 20)),
	)
	if err != nil {
		return b.String()
	}
	out, err := r.Render(b.String())
	if err != nil {
		return b.String()
	}
	return out
}

// newTranscriptViewport builds a viewport.Model sized to the given
// dimensions with the rendered transcript as its content.
func newTranscriptViewport(width, height int, content string) viewport.Model {
	vp := viewport.New(width, height)
	vp.SetContent(content)
	vp.GotoBottom()
	return vp
}
