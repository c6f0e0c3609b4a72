package output

import (
	"github.com/fatih/color"
)

// ColorScheme defines the colors used for different elements in the output
type ColorScheme struct {
	Rule      *color.Color
	Title     *color.Color
	Label     *color.Color
	Value     *color.Color
	Phase     *color.Color
	Latency   *color.Color
	Muted     *color.Color
	Success   *color.Color
	Warning   *color.Color
	Error     *color.Color
	Highlight *color.Color
}

// DefaultColorScheme returns the default color scheme
func DefaultColorScheme() *ColorScheme {
	scheme := &ColorScheme{
		Rule:      color.New(color.FgCyan),
		Title:     color.New(color.Bold),
		Label:     color.New(color.Bold),
		Value:     color.New(color.FgCyan),
		Phase:     color.New(color.FgMagenta),
		Latency:   color.New(color.FgBlue),
		Muted:     color.New(color.Faint),
		Success:   color.New(color.FgGreen),
		Warning:   color.New(color.FgYellow),
		Error:     color.New(color.FgRed),
		Highlight: color.New(color.FgMagenta, color.Bold),
	}
	// The package-level color.NoColor default follows os.Stdout; the console
	// decides for itself based on its own writer.
	for _, c := range scheme.all() {
		c.EnableColor()
	}
	return scheme
}

// NoColorScheme returns a color scheme with all colors disabled
func NoColorScheme() *ColorScheme {
	scheme := DefaultColorScheme()
	for _, c := range scheme.all() {
		c.DisableColor()
	}
	return scheme
}

func (s *ColorScheme) all() []*color.Color {
	return []*color.Color{
		s.Rule, s.Title, s.Label, s.Value, s.Phase, s.Latency,
		s.Muted, s.Success, s.Warning, s.Error, s.Highlight,
	}
}
