package ramp

import (
	"time"
)

// DefaultTick is the accumulation step used when none is configured.
const DefaultTick = 10 * time.Millisecond

// accumulator slack absorbing float rounding (ten 0.1 increments must emit).
const epsilon = 1e-9

// Event is one scheduled start.
type Event struct {
	// Seq is the zero-based position of the event in the run.
	Seq int64

	// Offset is the nominal scheduled time, relative to the run start.
	Offset time.Duration

	// Stage is the index of the stage the event belongs to.
	Stage int
}

// Schedule turns a Spec into a stream of start events using interval
// accumulation: time is cut into fixed ticks, every tick adds the integral
// of the rate over that tick to an accumulator, and one event is emitted
// for every whole unit accumulated.
//
// The number of events emitted up to any tick boundary equals the integral
// of the rate function up to that point, rounded down, so it never drifts by
// more than one event. Events come out in non-decreasing Offset order.
//
// A Schedule is not safe for concurrent use; it is owned by the scheduling
// loop.
type Schedule struct {
	spec  Spec
	tick  time.Duration
	total time.Duration

	cursor   time.Duration // end of the last processed tick
	expected float64       // fractional events not yet emitted
	issued   int64
	stage    int
	rate     float64
}

// NewSchedule creates a schedule for spec. A tick <= 0 selects DefaultTick.
// The spec is validated; an invalid ramp yields a config error.
func NewSchedule(spec Spec, tick time.Duration) (*Schedule, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	if tick <= 0 {
		tick = DefaultTick
	}

	stages := make([]Stage, len(spec.Stages))
	copy(stages, spec.Stages)
	spec.Stages = stages

	return &Schedule{
		spec:  spec,
		tick:  tick,
		total: spec.TotalDuration(),
		rate:  spec.StartRate,
	}, nil
}

// AdvanceTo processes every tick that ends at or before elapsed and returns
// the events they produced. When elapsed reaches the total duration the last
// partial tick is processed as well and the schedule is done.
//
// Calling AdvanceTo late simply processes more ticks at once; the events
// returned are the same a punctual caller would have seen.
func (s *Schedule) AdvanceTo(elapsed time.Duration) []Event {
	if elapsed > s.total {
		elapsed = s.total
	}

	var events []Event
	for s.cursor+s.tick <= elapsed {
		events = s.step(s.cursor+s.tick, events)
	}

	if elapsed == s.total && s.cursor < s.total {
		events = s.step(s.total, events)
	}

	return events
}

// step accumulates the interval [cursor, end) and emits whole events.
func (s *Schedule) step(end time.Duration, events []Event) []Event {
	start := s.cursor
	s.stage = s.spec.StageAt(start)
	s.expected += s.spec.ExpectedEvents(end) - s.spec.ExpectedEvents(start)
	s.rate = s.spec.RateAt(end)

	for s.expected >= 1-epsilon {
		events = append(events, Event{
			Seq:    s.issued,
			Offset: end,
			Stage:  s.stage,
		})
		s.issued++
		s.expected--
	}

	s.cursor = end
	return events
}

// Done reports whether the whole ramp has been processed.
func (s *Schedule) Done() bool {
	return s.cursor >= s.total
}

// Issued returns the number of events emitted so far.
func (s *Schedule) Issued() int64 {
	return s.issued
}

// Elapsed returns how much of the ramp has been processed.
func (s *Schedule) Elapsed() time.Duration {
	return s.cursor
}

// Stage returns the index of the stage of the last processed tick.
func (s *Schedule) Stage() int {
	return s.stage
}

// CurrentRate returns the target rate at the end of the last processed tick.
func (s *Schedule) CurrentRate() float64 {
	return s.rate
}

// Tick returns the accumulation step.
func (s *Schedule) Tick() time.Duration {
	return s.tick
}

// Spec returns the ramp this schedule follows.
func (s *Schedule) Spec() Spec {
	return s.spec
}

// TotalDuration returns the length of the ramp.
func (s *Schedule) TotalDuration() time.Duration {
	return s.total
}
