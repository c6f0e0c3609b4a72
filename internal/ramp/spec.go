// Package ramp computes the arrival-rate schedule of a load test.
//
// A Spec is an ordered list of stages. Each stage ramps linearly from the
// target of the previous stage (or StartRate for the first one) to its own
// target over its duration, so the rate function is piecewise linear and
// continuous. A Schedule walks that function tick by tick and turns the
// accumulated rate into discrete start events.
package ramp

import (
	"fmt"
	"time"

	"github.com/wesleyorama2/surge/internal/failure"
)

// Stage is one segment of the ramp.
type Stage struct {
	// Target is the rate, in events per second, reached at the end of the stage.
	Target float64 `json:"target" yaml:"target"`

	// Duration of this stage
	Duration time.Duration `json:"duration" yaml:"duration"`

	// Optional name for this stage (for progress output)
	Name string `json:"name,omitempty" yaml:"name,omitempty"`
}

// Spec is the declarative ramp of a run.
//
// Example: ramp from 0 to 100 events/s over a minute, hold for two minutes,
// then ramp back down.
//
//	ramp.Spec{
//	    StartRate: 0,
//	    Stages: []ramp.Stage{
//	        {Target: 100, Duration: time.Minute},
//	        {Target: 100, Duration: 2 * time.Minute},
//	        {Target: 0, Duration: 30 * time.Second},
//	    },
//	}
type Spec struct {
	// StartRate is the rate at elapsed time zero.
	StartRate float64 `json:"startRate" yaml:"startRate"`

	// Stages in execution order
	Stages []Stage `json:"stages" yaml:"stages"`
}

// Phase labels the shape of the ramp at a point in time.
type Phase string

const (
	PhaseRampUp   Phase = "ramp-up"
	PhaseSteady   Phase = "steady"
	PhaseRampDown Phase = "ramp-down"
	PhaseDone     Phase = "done"
)

// Validate checks the ramp. It returns *failure.ConfigErrors listing every
// problem, or nil.
func (s Spec) Validate() error {
	errs := &failure.ConfigErrors{}

	if s.StartRate < 0 {
		errs.Add("startRate", "start rate cannot be negative")
	}

	if len(s.Stages) == 0 {
		errs.Add("stages", "at least one stage is required")
	}

	for i, stage := range s.Stages {
		prefix := fmt.Sprintf("stages[%d]", i)
		if stage.Duration <= 0 {
			errs.Add(prefix+".duration", "duration must be > 0")
		}
		if stage.Target < 0 {
			errs.Add(prefix+".target", "target cannot be negative")
		}
	}

	return errs.ErrOrNil()
}

// TotalDuration is the sum of all stage durations.
func (s Spec) TotalDuration() time.Duration {
	var total time.Duration
	for _, stage := range s.Stages {
		total += stage.Duration
	}
	return total
}

// MaxRate returns the highest rate the ramp reaches.
func (s Spec) MaxRate() float64 {
	peak := s.StartRate
	for _, stage := range s.Stages {
		if stage.Target > peak {
			peak = stage.Target
		}
	}
	return peak
}

// startOf returns the rate at the beginning of stage i.
func (s Spec) startOf(i int) float64 {
	if i == 0 {
		return s.StartRate
	}
	return s.Stages[i-1].Target
}

// StageAt returns the index of the stage active at elapsed. A boundary
// belongs to the stage that starts there. Past the end it returns
// len(Stages).
func (s Spec) StageAt(elapsed time.Duration) int {
	if elapsed < 0 {
		return 0
	}
	var stageStart time.Duration
	for i, stage := range s.Stages {
		if elapsed < stageStart+stage.Duration {
			return i
		}
		stageStart += stage.Duration
	}
	return len(s.Stages)
}

// RateAt returns the instantaneous target rate at elapsed.
//
// Within a stage the rate is interpolated linearly between the stage's
// start rate and its target. Past the last stage the last target is
// returned.
func (s Spec) RateAt(elapsed time.Duration) float64 {
	if len(s.Stages) == 0 {
		return 0
	}
	if elapsed <= 0 {
		return s.StartRate
	}

	var stageStart time.Duration
	for i, stage := range s.Stages {
		stageEnd := stageStart + stage.Duration
		if elapsed < stageEnd {
			from := s.startOf(i)
			progress := float64(elapsed-stageStart) / float64(stage.Duration)
			return from + (stage.Target-from)*progress
		}
		stageStart = stageEnd
	}

	return s.Stages[len(s.Stages)-1].Target
}

// ExpectedEvents returns the integral of the rate function over [0, elapsed],
// i.e. the number of events a perfect scheduler would have emitted.
func (s Spec) ExpectedEvents(elapsed time.Duration) float64 {
	if elapsed <= 0 || len(s.Stages) == 0 {
		return 0
	}

	area := 0.0
	var stageStart time.Duration
	for i, stage := range s.Stages {
		from := s.startOf(i)
		stageEnd := stageStart + stage.Duration
		if elapsed < stageEnd {
			x := elapsed - stageStart
			rate := from + (stage.Target-from)*float64(x)/float64(stage.Duration)
			return area + (from+rate)/2*x.Seconds()
		}
		area += (from + stage.Target) / 2 * stage.Duration.Seconds()
		stageStart = stageEnd
	}

	// Past the end the last target holds.
	last := s.Stages[len(s.Stages)-1].Target
	return area + last*(elapsed-stageStart).Seconds()
}

// PhaseAt classifies the ramp at elapsed.
func (s Spec) PhaseAt(elapsed time.Duration) Phase {
	idx := s.StageAt(elapsed)
	if idx >= len(s.Stages) {
		return PhaseDone
	}

	from := s.startOf(idx)
	target := s.Stages[idx].Target
	switch {
	case target > from:
		return PhaseRampUp
	case target < from:
		return PhaseRampDown
	default:
		return PhaseSteady
	}
}
