// Package tui is the interactive presenter: a Bubble Tea program driven
// directly by an in-process engine.Engine, per spec §6 (no daemon/HTTP
// hop for the default CLI invocation).
package tui

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/harmonica"
	"github.com/charmbracelet/lipgloss"

	"github.com/ocfleet/monitor/internal/engine"
	"github.com/ocfleet/monitor/internal/projection"
	"github.com/ocfleet/monitor/internal/view"
)

// mode identifies which screen the root Model renders: the fleet list, or
// a focused session opened via the Session View Driver.
type mode int

const (
	modeFleet mode = iota
	modeSession
	modePrompt
)

type snapshotMsg projection.Snapshot
type viewStateMsg view.State
type pulseTickMsg struct{}

// Model is the root Bubble Tea model, the TUI's half of the "daemon vs TUI
// division" in spec §9 Design Notes: it is a thin consumer of the Engine's
// Projection and View Driver, holding no fleet state of its own.
type Model struct {
	eng *engine.Engine
	ctx context.Context

	keys   KeyMap
	width  int
	height int

	mode  mode
	snap  projection.Snapshot
	rows  []row
	cursor int

	viewState view.State
	prompt    textinput.Model

	spring   harmonica.Spring
	pulsePos float64
	pulseVel float64

	snapCh  <-chan projection.Snapshot
	viewCh  <-chan view.State

	showDebug bool
}

// New builds the root model around an already-constructed Engine. The
// caller is responsible for starting eng.Run in the background (see
// runTUI in cmd/run.go); the TUI only reads the Engine's Projection and drives
// its View Driver.
func New(ctx context.Context, eng *engine.Engine) Model {
	ti := textinput.New()
	ti.Placeholder = "prompt..."
	ti.CharLimit = 4000

	snapCh, _ := eng.Projection.Subscribe()
	viewCh, _ := eng.View.Updates()

	return Model{
		eng:    eng,
		ctx:    ctx,
		keys:   DefaultKeyMap(),
		mode:   modeFleet,
		prompt: ti,
		spring: harmonica.NewSpring(harmonica.FPS(20), 6.0, 0.5),
		snap:   eng.Projection.Snapshot(),
		snapCh: snapCh,
		viewCh: viewCh,
	}
}

// Init kicks off the three background listeners every subsequent Update
// re-arms: the coalesced Projection snapshot channel, the Session View
// Driver's focus-state channel, and the harmonica pulse animation ticker.
func (m Model) Init() tea.Cmd {
	return tea.Batch(
		waitForSnapshot(m.snapCh),
		waitForViewState(m.viewCh),
		pulseTick(),
	)
}

func waitForSnapshot(ch <-chan projection.Snapshot) tea.Cmd {
	return func() tea.Msg {
		snap, ok := <-ch
		if !ok {
			return nil
		}
		return snapshotMsg(snap)
	}
}

func waitForViewState(ch <-chan view.State) tea.Cmd {
	return func() tea.Msg {
		st, ok := <-ch
		if !ok {
			return nil
		}
		return viewStateMsg(st)
	}
}

func pulseTick() tea.Cmd {
	return tea.Tick(harmonica.FPS(20), func(time.Time) tea.Msg { return pulseTickMsg{} })
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		return m, nil

	case snapshotMsg:
		m.snap = projection.Snapshot(msg)
		m.rows = buildRows(m.snap)
		if m.cursor >= len(m.rows) {
			m.cursor = len(m.rows) - 1
		}
		return m, waitForSnapshot(m.snapCh)

	case viewStateMsg:
		m.viewState = view.State(msg)
		return m, waitForViewState(m.viewCh)

	case pulseTickMsg:
		target := 0.0
		if m.anyBusy() {
			target = 1.0
		}
		m.pulsePos, m.pulseVel = m.spring.Update(m.pulsePos, m.pulseVel, target)
		return m, pulseTick()

	case tea.KeyMsg:
		return m.handleKey(msg)
	}
	return m, nil
}

func (m Model) anyBusy() bool {
	for _, s := range m.snap.Sessions {
		if s.Effective.String() == "busy" {
			return true
		}
	}
	return false
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if m.mode == modePrompt {
		switch {
		case msg.Type == tea.KeyEsc:
			m.mode = modeSession
			m.prompt.Blur()
			return m, nil
		case msg.Type == tea.KeyEnter:
			text := m.prompt.Value()
			m.prompt.SetValue("")
			m.mode = modeSession
			m.prompt.Blur()
			go m.eng.View.SendPrompt(m.ctx, text)
			return m, nil
		}
		var cmd tea.Cmd
		m.prompt, cmd = m.prompt.Update(msg)
		return m, cmd
	}

	if key.Matches(msg, m.keys.Quit) {
		return m, tea.Quit
	}

	switch m.mode {
	case modeFleet:
		return m.handleFleetKey(msg)
	case modeSession:
		return m.handleSessionKey(msg)
	}
	return m, nil
}

func (m Model) handleFleetKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, m.keys.Down):
		if len(m.rows) > 0 {
			m.cursor = (m.cursor + 1) % len(m.rows)
		}
	case key.Matches(msg, m.keys.Up):
		if len(m.rows) > 0 {
			m.cursor = (m.cursor - 1 + len(m.rows)) % len(m.rows)
		}
	case key.Matches(msg, m.keys.Enter):
		if m.cursor >= 0 && m.cursor < len(m.rows) && m.rows[m.cursor].kind == rowSession {
			sess := m.rows[m.cursor].session
			m.mode = modeSession
			go m.eng.View.Enter(m.ctx, sess.OwningServerURL, sess.ID)
		}
	case key.Matches(msg, m.keys.Debug):
		m.showDebug = !m.showDebug
	}
	return m, nil
}

func (m Model) handleSessionKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, m.keys.Escape):
		m.eng.View.Exit()
		m.mode = modeFleet
	case key.Matches(msg, m.keys.NextSib):
		go m.eng.View.Switch(m.ctx, 1)
	case key.Matches(msg, m.keys.PrevSib):
		go m.eng.View.Switch(m.ctx, -1)
	case key.Matches(msg, m.keys.Prompt):
		m.mode = modePrompt
		m.prompt.Focus()
	case key.Matches(msg, m.keys.Abort):
		go m.eng.View.Abort(m.ctx)
	case key.Matches(msg, m.keys.Allow):
		if sess := m.focusedSession(); sess != nil && sess.HasPermission {
			go m.eng.View.RespondPermission(m.ctx, sess.PermissionID, true, false)
		}
	case key.Matches(msg, m.keys.AllowRemember):
		if sess := m.focusedSession(); sess != nil && sess.HasPermission {
			go m.eng.View.RespondPermission(m.ctx, sess.PermissionID, true, true)
		}
	case key.Matches(msg, m.keys.Deny):
		if sess := m.focusedSession(); sess != nil && sess.HasPermission {
			go m.eng.View.RespondPermission(m.ctx, sess.PermissionID, false, false)
		}
	case key.Matches(msg, m.keys.DenyRemember):
		if sess := m.focusedSession(); sess != nil && sess.HasPermission {
			go m.eng.View.RespondPermission(m.ctx, sess.PermissionID, false, true)
		}
	}
	return m, nil
}

func (m Model) focusedSession() *projection.SessionView {
	if m.viewState.Focus < 0 || m.viewState.Focus >= len(m.viewState.Tree) {
		return nil
	}
	id := m.viewState.Tree[m.viewState.Focus].SessionID
	for i := range m.snap.Sessions {
		if m.snap.Sessions[i].ID == id {
			return &m.snap.Sessions[i]
		}
	}
	return nil
}

func (m Model) View() string {
	if m.width == 0 {
		return "Initializing..."
	}

	statusBar := renderStatusBar(m.snap, m.width)

	var body string
	switch m.mode {
	case modeSession, modePrompt:
		body = m.renderSessionView()
	default:
		body = m.renderFleetList()
	}

	help := renderHelp(m.width)
	if m.mode == modePrompt {
		help = stylePanel.Render(m.prompt.View())
	}

	sections := []string{statusBar, body, help}
	if m.showDebug {
		sections = append(sections, m.renderDebugOverlay())
	}
	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

// renderDebugOverlay shows the Discovery Listener's raw packet counters
// (spec §6 --debug: "dump received UDP packets"), toggled in-TUI by the
// Debug key binding rather than only at process-startup via the CLI flag.
func (m Model) renderDebugOverlay() string {
	received, dropped := m.eng.ListenerStats()
	return stylePanel.Render(fmt.Sprintf("discovery: %d received, %d dropped", received, dropped))
}

func (m Model) renderFleetList() string {
	bodyHeight := m.height - 4
	if bodyHeight < 1 {
		bodyHeight = 1
	}
	if len(m.rows) == 0 {
		return styleDimmed.Render("\n  No fleet instances discovered yet.\n")
	}
	var lines []string
	for i, r := range m.rows {
		if i >= bodyHeight {
			break
		}
		lines = append(lines, r.render(m.width, i == m.cursor, m.pulsePos))
	}
	return lipgloss.JoinVertical(lipgloss.Left, lines...)
}

func (m Model) renderSessionView() string {
	bodyHeight := m.height - 6
	if bodyHeight < 1 {
		bodyHeight = 1
	}
	header := styleHeader.Render(fmt.Sprintf("session tree (%d)", len(m.viewState.Tree)))
	var treeLines []string
	for i, n := range m.viewState.Tree {
		prefix := "  "
		if i == m.viewState.Focus {
			prefix = "> "
		}
		treeLines = append(treeLines, prefix+fmt.Sprintf("%*s%s", n.Depth*2, "", n.SessionID))
	}
	tree := lipgloss.JoinVertical(lipgloss.Left, treeLines...)
	transcript := renderTranscript(m.viewState, m.width-4)
	return lipgloss.JoinVertical(lipgloss.Left, header, tree, stylePanel.Height(bodyHeight).Width(m.width-2).Render(transcript))
}

// Run drives the Bubble Tea program to completion.
func Run(ctx context.Context, eng *engine.Engine) error {
	m := New(ctx, eng)
	p := tea.NewProgram(m, tea.WithAltScreen(), tea.WithContext(ctx))
	_, err := p.Run()
	return err
}
