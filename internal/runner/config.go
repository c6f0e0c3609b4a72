package runner

import (
	"errors"
	"time"

	"github.com/wesleyorama2/surge/internal/failure"
	"github.com/wesleyorama2/surge/internal/ramp"
)

// DefaultGracefulStop is how long in-flight requests may drain once emission
// has stopped, when Config.GracefulStop is zero.
const DefaultGracefulStop = 30 * time.Second

// Config describes one run.
type Config struct {
	// Ramp is the arrival-rate profile.
	Ramp ramp.Spec

	// MaxWorkers is the fixed number of worker slots.
	MaxWorkers int

	// RequestTimeout bounds each call to the target. Required.
	RequestTimeout time.Duration

	// Tick is the scheduler accumulation step (default: ramp.DefaultTick).
	Tick time.Duration

	// AcquireGrace is how long a start event may wait for a free slot
	// before it is dropped. Zero drops immediately. The scheduling loop
	// waits with the event, so a non-zero grace delays later start events
	// while the pool is exhausted.
	AcquireGrace time.Duration

	// GracefulStop bounds the drain of in-flight requests after emission
	// ends (default: DefaultGracefulStop). Requests still running when it
	// expires are recorded as timeouts.
	GracefulStop time.Duration

	// Context is passed unchanged to every Produce call.
	Context any
}

// Validate checks the configuration and returns every problem found.
func (c Config) Validate() error {
	errs := &failure.ConfigErrors{}

	if err := c.Ramp.Validate(); err != nil {
		var rampErrs *failure.ConfigErrors
		if errors.As(err, &rampErrs) {
			errs.Merge("", rampErrs)
		} else {
			errs.Add("ramp", err.Error())
		}
	}
	if c.MaxWorkers <= 0 {
		errs.Add("maxWorkers", "maxWorkers must be > 0")
	}
	if c.RequestTimeout <= 0 {
		errs.Add("timeout", "per-request timeout must be > 0")
	}
	if c.Tick < 0 {
		errs.Add("tick", "tick cannot be negative")
	}
	if c.AcquireGrace < 0 {
		errs.Add("acquireGrace", "acquireGrace cannot be negative")
	}
	if c.GracefulStop < 0 {
		errs.Add("gracefulStop", "gracefulStop cannot be negative")
	}

	return errs.ErrOrNil()
}

// withDefaults returns a copy with unset optional fields filled in.
func (c Config) withDefaults() Config {
	c.Ramp.Stages = append([]ramp.Stage(nil), c.Ramp.Stages...)
	if c.Tick == 0 {
		c.Tick = ramp.DefaultTick
	}
	if c.GracefulStop == 0 {
		c.GracefulStop = DefaultGracefulStop
	}
	return c
}
