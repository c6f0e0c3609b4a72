package output

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/wesleyorama2/surge/internal/runner"
)

// Report is the JSON form of a run summary.
type Report struct {
	Name            string  `json:"name"`
	DurationSeconds float64 `json:"durationSeconds"`
	Balanced        bool    `json:"balanced"`
	FailedTotal     int64   `json:"failedTotal"`
	*runner.Summary
}

// NewReport wraps a summary for JSON output.
func NewReport(name string, s *runner.Summary) *Report {
	return &Report{
		Name:            name,
		DurationSeconds: s.Duration().Seconds(),
		Balanced:        s.Balanced(),
		FailedTotal:     s.FailedTotal(),
		Summary:         s,
	}
}

// WriteJSON writes the summary as indented JSON.
func WriteJSON(w io.Writer, name string, s *runner.Summary) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(NewReport(name, s)); err != nil {
		return fmt.Errorf("failed to encode summary: %w", err)
	}
	return nil
}
