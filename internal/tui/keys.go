package tui

import "github.com/charmbracelet/bubbles/key"

// KeyMap defines all keyboard bindings for the TUI.
type KeyMap struct {
	Up         key.Binding
	Down       key.Binding
	Enter      key.Binding
	Escape     key.Binding
	Quit       key.Binding
	Prompt     key.Binding
	Abort      key.Binding
	NextSib    key.Binding
	PrevSib    key.Binding
	Allow         key.Binding
	AllowRemember key.Binding
	Deny          key.Binding
	DenyRemember  key.Binding
	Debug         key.Binding
}

// DefaultKeyMap returns the default key bindings.
func DefaultKeyMap() KeyMap {
	return KeyMap{
		Up: key.NewBinding(
			key.WithKeys("k", "up"),
			key.WithHelp("k/↑", "up"),
		),
		Down: key.NewBinding(
			key.WithKeys("j", "down"),
			key.WithHelp("j/↓", "down"),
		),
		Enter: key.NewBinding(
			key.WithKeys("enter"),
			key.WithHelp("enter", "open session"),
		),
		Escape: key.NewBinding(
			key.WithKeys("esc"),
			key.WithHelp("esc", "close"),
		),
		Quit: key.NewBinding(
			key.WithKeys("q", "ctrl+c"),
			key.WithHelp("q", "quit"),
		),
		Prompt: key.NewBinding(
			key.WithKeys("i"),
			key.WithHelp("i", "send prompt"),
		),
		Abort: key.NewBinding(
			key.WithKeys("x"),
			key.WithHelp("x", "abort"),
		),
		NextSib: key.NewBinding(
			key.WithKeys("]", "tab"),
			key.WithHelp("]", "next sibling"),
		),
		PrevSib: key.NewBinding(
			key.WithKeys("[", "shift+tab"),
			key.WithHelp("[", "prev sibling"),
		),
		Allow: key.NewBinding(
			key.WithKeys("y"),
			key.WithHelp("y", "allow"),
		),
		AllowRemember: key.NewBinding(
			key.WithKeys("Y"),
			key.WithHelp("Y", "allow, remember"),
		),
		Deny: key.NewBinding(
			key.WithKeys("n"),
			key.WithHelp("n", "deny"),
		),
		DenyRemember: key.NewBinding(
			key.WithKeys("N"),
			key.WithHelp("N", "deny, remember"),
		),
		Debug: key.NewBinding(
			key.WithKeys("d"),
			key.WithHelp("d", "debug"),
		),
	}
}
