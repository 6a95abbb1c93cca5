package main

import (
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
)

var isTTY = isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd())

var styles = struct {
	Ready   lipgloss.Style
	Error   lipgloss.Style
	Pending lipgloss.Style
	Muted   lipgloss.Style
}{
	Ready:   lipgloss.NewStyle().Foreground(lipgloss.Color("42")),
	Error:   lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
	Pending: lipgloss.NewStyle().Foreground(lipgloss.Color("244")),
	Muted:   lipgloss.NewStyle().Foreground(lipgloss.Color("244")),
}

// statusLabel renders a graph.Status as a colored word when stdout is
// a terminal, plain text otherwise (piping/redirection should never
// see ANSI codes).
func statusLabel(s string, style lipgloss.Style) string {
	if !isTTY {
		return s
	}
	return style.Render(s)
}
