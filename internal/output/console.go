// Package output renders run progress and summaries for the terminal and as
// JSON.
package output

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/wesleyorama2/surge/internal/failure"
	"github.com/wesleyorama2/surge/internal/runner"
)

// Cursor control for the live display.
const (
	cursorUp  = "\033[%dA"
	clearLine = "\033[2K"
)

const (
	ruleWidth     = 56
	boxHorizontal = "━"
	progressWidth = 40

	progressFilled = "█"
	progressEmpty  = "░"
)

// RunInfo describes a run before it starts.
type RunInfo struct {
	Target     string
	Stages     int
	Total      time.Duration
	PeakRate   float64
	MaxWorkers int
}

// ConsoleConfig contains configuration for Console.
type ConsoleConfig struct {
	Name        string
	Writer      io.Writer
	Quiet       bool
	NoColor     bool
	ForceColors bool
	ForceTTY    bool
}

// Console manages live console output during a run.
type Console struct {
	name   string
	writer io.Writer
	isTTY  bool
	quiet  bool
	colors *ColorScheme

	mu          sync.Mutex
	linesOutput int
}

// NewConsole creates a new console output handler.
func NewConsole(config ConsoleConfig) *Console {
	if config.Writer == nil {
		config.Writer = os.Stdout
	}
	if config.Name == "" {
		config.Name = "surge"
	}

	isTTY := config.ForceTTY || isTerminal(config.Writer)
	useColors := !config.NoColor && (config.ForceColors || (isTTY && supportsColors()))

	colors := NoColorScheme()
	if useColors {
		colors = DefaultColorScheme()
	}

	return &Console{
		name:   config.Name,
		writer: config.Writer,
		isTTY:  isTTY,
		quiet:  config.Quiet,
		colors: colors,
	}
}

// IsTTY returns whether the output is a terminal.
func (c *Console) IsTTY() bool {
	return c.isTTY
}

// PrintHeader prints the run header.
func (c *Console) PrintHeader(info RunInfo) {
	if c.quiet {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	rule := c.colors.Rule.Sprint(strings.Repeat(boxHorizontal, ruleWidth))
	c.writeln(rule)
	c.writeln(c.colors.Title.Sprintf("%s - Running", c.name))
	c.writeln(rule)
	if info.Target != "" {
		c.writeln(fmt.Sprintf("Target:      %s", c.colors.Value.Sprint(info.Target)))
	}
	c.writeln(fmt.Sprintf("Stages:      %d over %s, peak %s",
		info.Stages, formatDuration(info.Total), formatRate(info.PeakRate)))
	c.writeln(fmt.Sprintf("Max workers: %d", info.MaxWorkers))
	c.writeln("")
}

// Update refreshes the progress display. On a terminal the previous display
// is redrawn in place; otherwise a single status line is appended.
func (c *Console) Update(p runner.Progress) {
	if c.quiet {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.isTTY {
		c.writeln(c.statusLine(p))
		return
	}

	c.clearLive()
	lines := c.renderLive(p)
	c.linesOutput = len(lines)
	for _, line := range lines {
		c.writeln(line)
	}
}

// statusLine renders the one-line status used when not on a terminal.
func (c *Console) statusLine(p runner.Progress) string {
	return fmt.Sprintf("[%s/%s] %s %s | rate: %s | busy: %d/%d | issued: %d | ok: %d | failed: %d | dropped: %d",
		formatDuration(p.Elapsed),
		formatDuration(p.Total),
		p.Phase,
		p.StageName,
		formatRate(p.TargetRate),
		p.Busy, p.MaxWorkers,
		p.Issued, p.Succeeded, p.Failed, p.Dropped)
}

func (c *Console) renderLive(p runner.Progress) []string {
	var progress float64
	if p.Total > 0 {
		progress = float64(p.Elapsed) / float64(p.Total)
	}

	droppedColor := c.colors.Success
	if p.Dropped > 0 {
		droppedColor = c.colors.Warning
	}
	failedColor := c.colors.Success
	if percent(p.Failed, p.Issued) > 5 {
		failedColor = c.colors.Error
	} else if p.Failed > 0 {
		failedColor = c.colors.Warning
	}

	return []string{
		fmt.Sprintf("Progress: %s %s | %s",
			c.colors.Success.Sprint(progressBar(progress, progressWidth)),
			c.colors.Title.Sprintf("%.0f%%", clamp01(progress)*100),
			c.colors.Muted.Sprintf("%s / %s", formatDuration(p.Elapsed), formatDuration(p.Total))),
		fmt.Sprintf("Stage:    %s %s", c.colors.Phase.Sprint(p.StageName), c.colors.Muted.Sprintf("(%s)", p.Phase)),
		fmt.Sprintf("Rate:     %s   Busy: %s / %d",
			c.colors.Value.Sprint(formatRate(p.TargetRate)),
			c.colors.Value.Sprint(p.Busy), p.MaxWorkers),
		fmt.Sprintf("Issued:   %s   OK: %s   Failed: %s   Dropped: %s",
			c.colors.Value.Sprint(formatNumber(p.Issued)),
			c.colors.Success.Sprint(formatNumber(p.Succeeded)),
			failedColor.Sprint(formatNumber(p.Failed)),
			droppedColor.Sprint(formatNumber(p.Dropped))),
	}
}

// clearLive erases the previous live display. Callers hold c.mu.
func (c *Console) clearLive() {
	if c.linesOutput == 0 {
		return
	}
	c.write(fmt.Sprintf(cursorUp, c.linesOutput))
	for i := 0; i < c.linesOutput; i++ {
		c.write(clearLine + "\n")
	}
	c.write(fmt.Sprintf(cursorUp, c.linesOutput))
	c.linesOutput = 0
}

// PrintSummary prints the final run summary.
func (c *Console) PrintSummary(s *runner.Summary) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.quiet {
		c.writeln(fmt.Sprintf("%s: issued=%d succeeded=%d failed=%d dropped=%d",
			s.State, s.Issued, s.Succeeded, s.FailedTotal(), s.Dropped))
		return
	}

	if c.isTTY {
		c.clearLive()
	}

	stateColor := c.colors.Success
	icon := "✓"
	switch s.State {
	case runner.StateCancelled:
		stateColor, icon = c.colors.Warning, "⚠"
	case runner.StateAborted:
		stateColor, icon = c.colors.Error, "✗"
	}

	rule := c.colors.Rule.Sprint(strings.Repeat(boxHorizontal, ruleWidth))
	c.writeln("")
	c.writeln(rule)
	c.writeln(fmt.Sprintf("%s - %s", c.colors.Title.Sprint(c.name), stateColor.Sprintf("%s %s", s.State, icon)))
	c.writeln(rule)
	c.writeln("")

	c.writeln(fmt.Sprintf("Duration:      %s", c.colors.Value.Sprint(formatDuration(s.Duration()))))
	c.writeln(fmt.Sprintf("Issued:        %s", c.colors.Value.Sprint(formatNumber(s.Issued))))
	c.writeln(fmt.Sprintf("Succeeded:     %s (%.1f%%)",
		c.colors.Success.Sprint(formatNumber(s.Succeeded)), percent(s.Succeeded, s.Issued)))

	failed := s.FailedTotal()
	failedColor := c.colors.Success
	if failed > 0 {
		failedColor = c.colors.Error
	}
	c.writeln(fmt.Sprintf("Failed:        %s (%.1f%%)",
		failedColor.Sprint(formatNumber(failed)), percent(failed, s.Issued)))
	for _, kind := range failure.Kinds() {
		if n := s.Failed[kind]; n > 0 {
			c.writeln(fmt.Sprintf("  %-17s %s", string(kind)+":", formatNumber(n)))
		}
	}

	droppedColor := c.colors.Success
	if s.Dropped > 0 {
		droppedColor = c.colors.Warning
	}
	c.writeln(fmt.Sprintf("Dropped:       %s (%.1f%%)",
		droppedColor.Sprint(formatNumber(s.Dropped)), percent(s.Dropped, s.Issued)))
	c.writeln(fmt.Sprintf("Peak busy:     %d", s.PeakBusy))
	c.writeln("")

	if s.Latency.Count > 0 {
		c.writeln(c.colors.Label.Sprint("Latency Distribution:"))
		c.writeln(fmt.Sprintf("  Min:       %s", c.colors.Latency.Sprint(formatDurationShort(s.Latency.Min))))
		c.writeln(fmt.Sprintf("  Mean:      %s", c.colors.Latency.Sprint(formatDurationShort(s.Latency.Mean))))
		c.writeln(fmt.Sprintf("  P50:       %s", c.colors.Latency.Sprint(formatDurationShort(s.Latency.P50))))
		c.writeln(fmt.Sprintf("  P90:       %s", c.colors.Latency.Sprint(formatDurationShort(s.Latency.P90))))
		c.writeln(fmt.Sprintf("  P95:       %s", c.colors.Latency.Sprint(formatDurationShort(s.Latency.P95))))
		c.writeln(fmt.Sprintf("  P99:       %s", c.colors.Latency.Sprint(formatDurationShort(s.Latency.P99))))
		c.writeln(fmt.Sprintf("  Max:       %s", c.colors.Latency.Sprint(formatDurationShort(s.Latency.Max))))
		c.writeln("")
	}

	if !s.Balanced() {
		c.writeln(c.colors.Error.Sprintf("✗ accounting mismatch: issued %d != succeeded + failed + dropped", s.Issued))
	}
}

// PrintError prints an error that ended the run before a summary existed.
func (c *Console) PrintError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.isTTY {
		c.clearLive()
	}
	c.writeln(c.colors.Error.Sprintf("✗ %v", err))
}

func (c *Console) write(s string) {
	fmt.Fprint(c.writer, s)
}

func (c *Console) writeln(s string) {
	fmt.Fprintln(c.writer, s)
}

func progressBar(progress float64, width int) string {
	filled := int(clamp01(progress) * float64(width))
	return "[" + strings.Repeat(progressFilled, filled) + strings.Repeat(progressEmpty, width-filled) + "]"
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
