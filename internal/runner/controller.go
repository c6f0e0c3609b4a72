// Package runner drives a run: it feeds start events from the arrival-rate
// schedule into the worker pool, executes them against the target and keeps
// exact accounting of every event.
package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
	"k8s.io/utils/clock"

	"github.com/wesleyorama2/surge/internal/failure"
	"github.com/wesleyorama2/surge/internal/metrics"
	"github.com/wesleyorama2/surge/internal/pool"
	"github.com/wesleyorama2/surge/internal/producer"
	"github.com/wesleyorama2/surge/internal/ramp"
	"github.com/wesleyorama2/surge/internal/target"
)

// ErrAlreadyStarted is returned by Run when the controller has been run before.
var ErrAlreadyStarted = errors.New("run already started")

// Controller orchestrates the schedule and the worker pool for one run.
//
// Lifecycle: NotStarted -> Running -> Completed | Cancelled | Aborted.
// A controller runs at most once.
//
// # Thread Safety
//
// Run is called once; Cancel, State and Progress may be called from any
// goroutine at any time. Counters are updated under a single mutex, slot
// state under the pool's own mutex.
type Controller struct {
	config   Config
	producer producer.Producer
	executor target.Executor
	clock    clock.WithTicker
	log      *logrus.Entry
	recorder *metrics.Recorder
	hook     func(Outcome)

	pool     *pool.Pool
	schedule *ramp.Schedule

	state atomic.Int32

	cancelOnce sync.Once
	cancelCh   chan struct{}

	abortOnce sync.Once
	abortCh   chan struct{}

	// interrupt is closed when the graceful stop period expires.
	interrupt chan struct{}
	inflight  sync.WaitGroup
	dropLog   rate.Sometimes

	mu        sync.Mutex
	issued    int64
	succeeded int64
	failed    map[failure.Kind]int64
	dropped   int64
	startedAt time.Time
	endedAt   time.Time
	elapsed   time.Duration
	stage     int
	rate      float64
	violation error
}

// Option configures a Controller.
type Option func(*Controller)

// WithClock sets the clock driving the schedule, the acquire wait and the
// request timeouts.
func WithClock(c clock.WithTicker) Option {
	return func(ctrl *Controller) {
		ctrl.clock = c
	}
}

// WithLogger sets the logger.
func WithLogger(log *logrus.Entry) Option {
	return func(ctrl *Controller) {
		ctrl.log = log
	}
}

// WithRecorder sets the metrics recorder.
func WithRecorder(r *metrics.Recorder) Option {
	return func(ctrl *Controller) {
		ctrl.recorder = r
	}
}

// WithOutcomeHook registers fn to be called with every outcome. fn is called
// from the scheduling loop and from worker goroutines, so it must be safe for
// concurrent use.
func WithOutcomeHook(fn func(Outcome)) Option {
	return func(ctrl *Controller) {
		ctrl.hook = fn
	}
}

// New validates cfg and creates a controller. Any invalid parameter is
// reported as a *failure.ConfigErrors and no controller is returned.
func New(cfg Config, p producer.Producer, ex target.Executor, opts ...Option) (*Controller, error) {
	errs := &failure.ConfigErrors{}
	if err := cfg.Validate(); err != nil {
		var cfgErrs *failure.ConfigErrors
		if errors.As(err, &cfgErrs) {
			errs.Merge("", cfgErrs)
		} else {
			return nil, err
		}
	}
	if p == nil {
		errs.Add("producer", "producer is required")
	}
	if ex == nil {
		errs.Add("executor", "executor is required")
	}
	if errs.HasErrors() {
		return nil, errs
	}

	cfg = cfg.withDefaults()

	c := &Controller{
		config:    cfg,
		producer:  p,
		executor:  ex,
		clock:     clock.RealClock{},
		log:       logrus.NewEntry(logrus.StandardLogger()),
		cancelCh:  make(chan struct{}),
		abortCh:   make(chan struct{}),
		interrupt: make(chan struct{}),
		dropLog:   rate.Sometimes{First: 1, Interval: 5 * time.Second},
		failed:    make(map[failure.Kind]int64),
		rate:      cfg.Ramp.StartRate,
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.recorder == nil {
		rec, err := metrics.NewRecorder(nil)
		if err != nil {
			return nil, err
		}
		c.recorder = rec
	}

	schedule, err := ramp.NewSchedule(cfg.Ramp, cfg.Tick)
	if err != nil {
		return nil, err
	}
	c.schedule = schedule

	workers, err := pool.New(cfg.MaxWorkers, pool.WithClock(c.clock))
	if err != nil {
		return nil, err
	}
	c.pool = workers

	return c, nil
}

// Run executes the run and blocks until it reaches a terminal state.
//
// Cancelling ctx has the same effect as calling Cancel. The returned summary
// is never nil once the run has started; the error is non-nil only when the
// run was aborted by a pool protocol violation.
func (c *Controller) Run(ctx context.Context) (*Summary, error) {
	if !c.state.CompareAndSwap(int32(StateNotStarted), int32(StateRunning)) {
		return nil, ErrAlreadyStarted
	}

	start := c.clock.Now()
	c.mu.Lock()
	c.startedAt = start
	c.mu.Unlock()

	c.log.WithFields(logrus.Fields{
		"duration":   c.schedule.TotalDuration(),
		"maxRate":    c.config.Ramp.MaxRate(),
		"maxWorkers": c.config.MaxWorkers,
		"stages":     len(c.config.Ramp.Stages),
	}).Info("Run started")

	// Requests keep running after cancellation until they drain.
	reqCtx := context.WithoutCancel(ctx)

	emitCtx, stopEmit := context.WithCancel(ctx)
	defer stopEmit()
	go func() {
		select {
		case <-c.cancelCh:
			stopEmit()
		case <-c.abortCh:
			stopEmit()
		case <-emitCtx.Done():
		}
	}()

	final := c.emit(emitCtx, reqCtx, start)
	c.drain()

	c.mu.Lock()
	if c.violation != nil {
		final = StateAborted
	}
	c.endedAt = c.clock.Now()
	violation := c.violation
	c.mu.Unlock()

	c.state.Store(int32(final))
	summary := c.summary()

	entry := c.log.WithFields(logrus.Fields{
		"state":     final.String(),
		"issued":    summary.Issued,
		"succeeded": summary.Succeeded,
		"failed":    summary.FailedTotal(),
		"dropped":   summary.Dropped,
	})
	if violation != nil {
		entry.WithError(violation).Error("Run aborted")
		return summary, violation
	}
	entry.Info("Run finished")

	return summary, nil
}

// emit is the scheduling loop. It returns the state the run ends in.
func (c *Controller) emit(ctx, reqCtx context.Context, start time.Time) State {
	ticker := c.clock.NewTicker(c.schedule.Tick())
	defer ticker.Stop()

	for {
		select {
		case <-c.abortCh:
		case <-c.cancelCh:
		case <-ctx.Done():
			c.Cancel()
		case <-ticker.C():
		}
		if st, stop := c.stopState(); stop {
			return st
		}

		elapsed := c.clock.Since(start)
		events := c.schedule.AdvanceTo(elapsed)

		for _, ev := range events {
			if _, stop := c.stopState(); stop {
				break
			}
			if err := c.dispatch(ctx, reqCtx, ev); err != nil {
				c.abort(err)
				return StateAborted
			}
		}

		c.mu.Lock()
		c.elapsed = c.schedule.Elapsed()
		c.stage = c.schedule.Stage()
		c.rate = c.schedule.CurrentRate()
		c.mu.Unlock()
		c.recorder.SetTargetRate(c.schedule.CurrentRate())

		if st, stop := c.stopState(); stop {
			return st
		}
		if c.schedule.Done() {
			return StateCompleted
		}
	}
}

// stopState reports whether an abort or Cancel has been requested, and the
// state the run then ends in. An abort takes precedence.
func (c *Controller) stopState() (State, bool) {
	select {
	case <-c.abortCh:
		return StateAborted, true
	default:
	}
	select {
	case <-c.cancelCh:
		return StateCancelled, true
	default:
	}
	return StateRunning, false
}

// dispatch issues one start event: it claims a slot and hands the event to
// a worker goroutine, or records a drop when the pool is exhausted.
func (c *Controller) dispatch(ctx, reqCtx context.Context, ev ramp.Event) error {
	c.mu.Lock()
	c.issued++
	c.mu.Unlock()
	c.recorder.RecordIssued()

	slot, err := c.pool.Acquire(ctx, c.config.AcquireGrace)
	if err != nil {
		var violation *failure.ProtocolViolation
		if errors.As(err, &violation) {
			c.record(Outcome{Seq: ev.Seq, Stage: ev.Stage, Offset: ev.Offset, SlotID: -1, Status: StatusDropped, Err: err})
			return err
		}

		c.dropLog.Do(func() {
			c.log.WithFields(logrus.Fields{
				"iteration": ev.Seq,
				"stage":     ev.Stage,
				"busy":      c.pool.Busy(),
			}).Warn("Worker pool exhausted, dropping iterations")
		})
		c.record(Outcome{Seq: ev.Seq, Stage: ev.Stage, Offset: ev.Offset, SlotID: -1, Status: StatusDropped, Err: err})
		return nil
	}

	c.recorder.SetBusy(c.pool.Busy())
	c.inflight.Add(1)
	go c.work(reqCtx, slot, ev)
	return nil
}

// work runs one iteration on slot and releases it.
func (c *Controller) work(ctx context.Context, slot pool.Slot, ev ramp.Event) {
	defer c.inflight.Done()

	out := c.iterate(ctx, slot, ev)

	if err := c.pool.Release(slot); err != nil {
		c.log.WithError(err).WithField("slot", slot.ID).Error("Worker slot protocol violation")
		c.abort(err)
	}
	c.recorder.SetBusy(c.pool.Busy())

	c.record(out)
}

type callResult struct {
	resp *target.Response
	err  error
}

// iterate produces and executes the request for one event. The request
// timeout starts when the slot is handed over and covers both the producer
// and the call. iterate returns when the call finishes, the timeout elapses
// or the graceful stop period expires.
func (c *Controller) iterate(ctx context.Context, slot pool.Slot, ev ramp.Event) Outcome {
	out := Outcome{Seq: ev.Seq, Stage: ev.Stage, Offset: ev.Offset, SlotID: slot.ID}

	timer := c.clock.NewTimer(c.config.RequestTimeout)
	defer timer.Stop()

	callCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// The producer runs under the same timeout and interrupt as the call, so
	// a producer that never returns cannot hold the slot past either.
	done := make(chan callResult, 1)
	go func() {
		req, err := c.produce(callCtx, ev.Seq, slot.ID)
		if err != nil {
			done <- callResult{err: failure.New(failure.KindProducerError, err)}
			return
		}

		defer func() {
			if r := recover(); r != nil {
				done <- callResult{err: failure.Newf(failure.KindProtocolError, "executor panic: %v", r)}
			}
		}()
		resp, err := c.executor.Execute(callCtx, req)
		done <- callResult{resp: resp, err: err}
	}()

	select {
	case res := <-done:
		return classify(out, res)
	case <-timer.C():
		return failed(out, failure.Newf(failure.KindTimeout, "request exceeded %s", c.config.RequestTimeout))
	case <-c.interrupt:
		return failed(out, failure.Newf(failure.KindTimeout, "request interrupted after graceful stop of %s", c.config.GracefulStop))
	}
}

// produce calls the producer, turning a panic into an error.
func (c *Controller) produce(ctx context.Context, iteration int64, workerID int) (req *producer.Request, err error) {
	defer func() {
		if r := recover(); r != nil {
			req, err = nil, fmt.Errorf("producer panic: %v", r)
		}
	}()

	req, err = c.producer.Produce(ctx, iteration, workerID, c.config.Context)
	if err == nil && req == nil {
		err = errors.New("producer returned no request")
	}
	return req, err
}

// classify turns an executor result into an outcome.
func classify(out Outcome, res callResult) Outcome {
	if res.resp != nil {
		out.StatusCode = res.resp.StatusCode
		out.Latency = res.resp.Latency
	}

	if res.err != nil {
		var f *failure.Failure
		if errors.As(res.err, &f) {
			return failed(out, f)
		}
		if errors.Is(res.err, context.DeadlineExceeded) {
			return failed(out, failure.New(failure.KindTimeout, res.err))
		}
		return failed(out, failure.New(failure.KindNetworkError, res.err))
	}
	if res.resp == nil {
		return failed(out, failure.Newf(failure.KindProtocolError, "executor returned no response"))
	}

	out.Status = StatusSuccess
	return out
}

func failed(out Outcome, f *failure.Failure) Outcome {
	out.Status = StatusFailure
	out.Kind = f.Kind
	out.Err = f
	if f.StatusCode != 0 {
		out.StatusCode = f.StatusCode
	}
	return out
}

// record accounts for one outcome.
func (c *Controller) record(out Outcome) {
	c.mu.Lock()
	switch out.Status {
	case StatusSuccess:
		c.succeeded++
	case StatusFailure:
		c.failed[out.Kind]++
	case StatusDropped:
		c.dropped++
	}
	c.mu.Unlock()

	switch out.Status {
	case StatusSuccess:
		c.recorder.RecordSuccess(out.Latency)
	case StatusFailure:
		c.recorder.RecordFailure(out.Kind, out.Latency)
		c.log.WithFields(logrus.Fields{
			"iteration": out.Seq,
			"slot":      out.SlotID,
			"kind":      out.Kind,
		}).WithError(out.Err).Debug("Iteration failed")
	case StatusDropped:
		c.recorder.RecordDropped()
	}

	if c.hook != nil {
		c.hook(out)
	}
}

// drain waits for in-flight requests for at most the graceful stop period,
// then interrupts the stragglers and waits for them to be recorded.
func (c *Controller) drain() {
	done := make(chan struct{})
	go func() {
		c.inflight.Wait()
		close(done)
	}()

	select {
	case <-done:
		return
	default:
	}

	c.log.WithField("busy", c.pool.Busy()).Info("Waiting for in-flight requests")

	timer := c.clock.NewTimer(c.config.GracefulStop)
	defer timer.Stop()

	select {
	case <-done:
	case <-timer.C():
		c.log.WithFields(logrus.Fields{
			"gracefulStop": c.config.GracefulStop,
			"busy":         c.pool.Busy(),
		}).Warn("Graceful stop expired, interrupting in-flight requests")
		close(c.interrupt)
		<-done
	}
}

// abort stops the run because of an unrecoverable error. The first error wins.
func (c *Controller) abort(err error) {
	c.mu.Lock()
	if c.violation == nil {
		c.violation = err
	}
	c.mu.Unlock()
	c.abortOnce.Do(func() { close(c.abortCh) })
}

// Cancel stops emission of new start events. In-flight requests drain and
// Run returns with StateCancelled. Calling Cancel more than once, or after
// the run ended, has no further effect.
func (c *Controller) Cancel() {
	c.cancelOnce.Do(func() {
		c.log.Info("Run cancellation requested")
		close(c.cancelCh)
	})
}

// State returns the current lifecycle state.
func (c *Controller) State() State {
	return State(c.state.Load())
}

// Progress returns a snapshot of the run.
func (c *Controller) Progress() Progress {
	c.mu.Lock()
	defer c.mu.Unlock()

	p := Progress{
		State:      c.State(),
		Elapsed:    c.elapsed,
		Total:      c.schedule.TotalDuration(),
		Stage:      c.stage,
		Phase:      c.config.Ramp.PhaseAt(c.elapsed),
		TargetRate: c.rate,
		Busy:       c.pool.Busy(),
		MaxWorkers: c.pool.Size(),
		Issued:     c.issued,
		Succeeded:  c.succeeded,
		Dropped:    c.dropped,
	}
	if c.stage < len(c.config.Ramp.Stages) {
		p.StageName = c.config.Ramp.Stages[c.stage].Name
	}
	for _, n := range c.failed {
		p.Failed += n
	}
	return p
}

func (c *Controller) summary() *Summary {
	c.mu.Lock()
	defer c.mu.Unlock()

	failed := make(map[failure.Kind]int64, len(c.failed))
	for kind, n := range c.failed {
		failed[kind] = n
	}

	return &Summary{
		State:     c.State(),
		Issued:    c.issued,
		Succeeded: c.succeeded,
		Failed:    failed,
		Dropped:   c.dropped,
		StartedAt: c.startedAt,
		EndedAt:   c.endedAt,
		PeakBusy:  c.pool.PeakBusy(),
		Latency:   c.recorder.Latency(),
	}
}
