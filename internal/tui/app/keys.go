package app

import "github.com/charmbracelet/bubbles/key"

// KeyMap defines the monitor's keyboard bindings.
type KeyMap struct {
	Quit    key.Binding
	Refresh key.Binding
	Lock    key.Binding
	Home    key.Binding
}

// DefaultKeyMap returns the default key bindings.
func DefaultKeyMap() KeyMap {
	return KeyMap{
		Quit: key.NewBinding(
			key.WithKeys("q", "ctrl+c"),
			key.WithHelp("q", "quit"),
		),
		Refresh: key.NewBinding(
			key.WithKeys("r"),
			key.WithHelp("r", "query lock owner"),
		),
		Lock: key.NewBinding(
			key.WithKeys("l"),
			key.WithHelp("l", "take/release lock"),
		),
		Home: key.NewBinding(
			key.WithKeys("h"),
			key.WithHelp("h", "home (needs lock)"),
		),
	}
}

// ShortHelp lists the bindings shown in the footer.
func (k KeyMap) ShortHelp() []key.Binding {
	return []key.Binding{k.Lock, k.Home, k.Refresh, k.Quit}
}

// FullHelp is the same as ShortHelp; the monitor has a single help row.
func (k KeyMap) FullHelp() [][]key.Binding {
	return [][]key.Binding{k.ShortHelp()}
}
