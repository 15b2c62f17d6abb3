package main

import (
	"encoding/json"
	"os"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"

	"github.com/benaskins/aosup/internal/driver"
)

var (
	colorOK    = lipgloss.Color("76")  // green
	colorFail  = lipgloss.Color("196") // bright red
	colorWarn  = lipgloss.Color("214") // orange
	colorMuted = lipgloss.Color("242") // gray

	okStyle     = lipgloss.NewStyle().Foreground(colorOK).Bold(true)
	failStyle   = lipgloss.NewStyle().Foreground(colorFail).Bold(true)
	warnStyle   = lipgloss.NewStyle().Foreground(colorWarn)
	mutedStyle  = lipgloss.NewStyle().Foreground(colorMuted)
	headerStyle = lipgloss.NewStyle().Bold(true)
)

func newSpawner() driver.Spawner {
	return driver.NewExecSpawner()
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func stdinIsTerminal() bool {
	return term.IsTerminal(int(os.Stdin.Fd()))
}

// render applies style only when stdout is a terminal so piped output stays
// plain and tabwriter column widths are not skewed by escape codes.
func render(style lipgloss.Style, s string) string {
	if !term.IsTerminal(int(os.Stdout.Fd())) {
		return s
	}
	return style.Render(s)
}

func statusStyle(status string) lipgloss.Style {
	switch status {
	case "running":
		return okStyle
	case "error":
		return failStyle
	default:
		return mutedStyle
	}
}
