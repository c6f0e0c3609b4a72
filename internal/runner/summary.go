package runner

import (
	"fmt"
	"time"

	"github.com/wesleyorama2/surge/internal/failure"
	"github.com/wesleyorama2/surge/internal/metrics"
	"github.com/wesleyorama2/surge/internal/ramp"
)

// State is the lifecycle state of a run.
type State int32

const (
	StateNotStarted State = iota
	StateRunning
	StateCompleted
	StateCancelled
	// StateAborted is reached on a configuration or clock error before any
	// event is issued, and also when a worker slot protocol violation stops
	// the run midway.
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateNotStarted:
		return "not_started"
	case StateRunning:
		return "running"
	case StateCompleted:
		return "completed"
	case StateCancelled:
		return "cancelled"
	case StateAborted:
		return "aborted"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Terminal reports whether no further transition can leave s.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateCancelled || s == StateAborted
}

// Status is the result class of one start event.
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailure Status = "failure"
	StatusDropped Status = "dropped"
)

// Outcome is the result of one start event.
type Outcome struct {
	Seq    int64
	Stage  int
	Offset time.Duration

	// SlotID is the worker slot that ran the iteration, -1 when dropped.
	SlotID int

	Status     Status
	Kind       failure.Kind
	Err        error
	StatusCode int
	Latency    time.Duration
}

// Summary is the result of a run.
type Summary struct {
	State     State                  `json:"state"`
	Issued    int64                  `json:"issued"`
	Succeeded int64                  `json:"succeeded"`
	Failed    map[failure.Kind]int64 `json:"failed"`
	Dropped   int64                  `json:"dropped"`
	StartedAt time.Time              `json:"startedAt"`
	EndedAt   time.Time              `json:"endedAt"`
	PeakBusy  int                    `json:"peakBusy"`
	Latency   metrics.LatencyStats   `json:"latency"`
}

// FailedTotal returns the number of failed iterations across all kinds.
func (s *Summary) FailedTotal() int64 {
	var total int64
	for _, n := range s.Failed {
		total += n
	}
	return total
}

// Balanced reports whether every issued event is accounted for.
func (s *Summary) Balanced() bool {
	return s.Issued == s.Succeeded+s.FailedTotal()+s.Dropped
}

// Duration returns the wall-clock length of the run.
func (s *Summary) Duration() time.Duration {
	return s.EndedAt.Sub(s.StartedAt)
}

// Progress is a point-in-time view of a running controller.
type Progress struct {
	State      State
	Elapsed    time.Duration
	Total      time.Duration
	Stage      int
	StageName  string
	Phase      ramp.Phase
	TargetRate float64
	Busy       int
	MaxWorkers int
	Issued     int64
	Succeeded  int64
	Failed     int64
	Dropped    int64
}
