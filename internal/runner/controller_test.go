package runner

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testingclock "k8s.io/utils/clock/testing"

	"github.com/wesleyorama2/surge/internal/failure"
	"github.com/wesleyorama2/surge/internal/producer"
	"github.com/wesleyorama2/surge/internal/ramp"
	"github.com/wesleyorama2/surge/internal/target"
)

func testLogger() *logrus.Entry {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return logrus.NewEntry(log)
}

var stubProducer = producer.Func(func(ctx context.Context, iteration int64, workerID int, data any) (*producer.Request, error) {
	return &producer.Request{Method: "GET", URL: "http://stub.local/"}, nil
})

var instantExecutor = target.Func(func(ctx context.Context, req *producer.Request) (*target.Response, error) {
	return &target.Response{StatusCode: 200, Latency: time.Millisecond}, nil
})

func linearRamp(to float64, d time.Duration) ramp.Spec {
	return ramp.Spec{Stages: []ramp.Stage{{Target: to, Duration: d}}}
}

func constantRamp(r float64, d time.Duration) ramp.Spec {
	return ramp.Spec{StartRate: r, Stages: []ramp.Stage{{Target: r, Duration: d}}}
}

type runResult struct {
	summary *Summary
	err     error
}

// harness drives a controller on a fake clock.
type harness struct {
	t       *testing.T
	clock   *testingclock.FakeClock
	ctrl    *Controller
	elapsed time.Duration
	done    chan runResult
}

func newHarness(t *testing.T, cfg Config, p producer.Producer, ex target.Executor, opts ...Option) *harness {
	t.Helper()
	fc := testingclock.NewFakeClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	opts = append([]Option{WithClock(fc), WithLogger(testLogger())}, opts...)
	ctrl, err := New(cfg, p, ex, opts...)
	require.NoError(t, err)
	return &harness{t: t, clock: fc, ctrl: ctrl, done: make(chan runResult, 1)}
}

// start runs the controller in the background and waits for the
// scheduling loop to register its ticker.
func (h *harness) start(ctx context.Context) {
	h.t.Helper()
	go func() {
		summary, err := h.ctrl.Run(ctx)
		h.done <- runResult{summary: summary, err: err}
	}()
	waitFor(h.t, h.clock.HasWaiters, "scheduling loop did not start")
}

// advance steps the clock to `to` in increments of step. After every step
// it waits for the scheduling loop to process it and for settle, if any,
// to hold.
func (h *harness) advance(to, step time.Duration, settle func(Progress) bool) {
	h.t.Helper()
	total := h.ctrl.schedule.TotalDuration()
	for h.elapsed < to {
		h.clock.Step(step)
		h.elapsed += step

		want := h.elapsed
		if want > total {
			want = total
		}
		waitFor(h.t, func() bool {
			p := h.ctrl.Progress()
			if p.Elapsed < want {
				return false
			}
			return settle == nil || settle(p)
		}, "scheduling loop did not catch up")
	}
}

func (h *harness) wait() runResult {
	h.t.Helper()
	select {
	case res := <-h.done:
		return res
	case <-time.After(10 * time.Second):
		h.t.Fatal("run did not finish")
		return runResult{}
	}
}

func idle(p Progress) bool { return p.Busy == 0 }

// waitFor polls cond until it holds or a real-time deadline passes.
func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal(msg)
		}
		time.Sleep(50 * time.Microsecond)
	}
}

func TestNew_ConfigErrors(t *testing.T) {
	valid := Config{Ramp: linearRamp(100, time.Minute), MaxWorkers: 10, RequestTimeout: time.Second}

	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"zero duration stage", func(c *Config) { c.Ramp.Stages[0].Duration = 0 }, "stages[0].duration"},
		{"negative target", func(c *Config) { c.Ramp.Stages[0].Target = -1 }, "stages[0].target"},
		{"no stages", func(c *Config) { c.Ramp.Stages = nil }, "stages"},
		{"no workers", func(c *Config) { c.MaxWorkers = 0 }, "maxWorkers"},
		{"no timeout", func(c *Config) { c.RequestTimeout = 0 }, "timeout"},
		{"negative grace", func(c *Config) { c.AcquireGrace = -time.Second }, "acquireGrace"},
		{"negative graceful stop", func(c *Config) { c.GracefulStop = -time.Second }, "gracefulStop"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid
			cfg.Ramp.Stages = append([]ramp.Stage(nil), valid.Ramp.Stages...)
			tt.mutate(&cfg)

			ctrl, err := New(cfg, stubProducer, instantExecutor)
			require.Error(t, err)
			assert.Nil(t, ctrl)
			assert.True(t, failure.IsConfigError(err))

			var errs *failure.ConfigErrors
			require.ErrorAs(t, err, &errs)
			fields := make([]string, 0, len(errs.Errors))
			for _, e := range errs.Errors {
				fields = append(fields, e.Field)
			}
			assert.Contains(t, fields, tt.field)
		})
	}
}

func TestNew_RequiresProducerAndExecutor(t *testing.T) {
	cfg := Config{Ramp: linearRamp(10, time.Second), MaxWorkers: 1, RequestTimeout: time.Second}

	_, err := New(cfg, nil, nil)
	var errs *failure.ConfigErrors
	require.ErrorAs(t, err, &errs)
	assert.Len(t, errs.Errors, 2)
}

func TestNew_Defaults(t *testing.T) {
	cfg := Config{Ramp: linearRamp(10, time.Second), MaxWorkers: 1, RequestTimeout: time.Second}
	ctrl, err := New(cfg, stubProducer, instantExecutor, WithLogger(testLogger()))
	require.NoError(t, err)

	assert.Equal(t, DefaultGracefulStop, ctrl.config.GracefulStop)
	assert.Equal(t, ramp.DefaultTick, ctrl.config.Tick)
	assert.Equal(t, StateNotStarted, ctrl.State())
}

func TestController_LinearRampInstantExecutor(t *testing.T) {
	cfg := Config{Ramp: linearRamp(100, 60*time.Second), MaxWorkers: 10, RequestTimeout: 5 * time.Second}
	h := newHarness(t, cfg, stubProducer, instantExecutor)

	h.start(context.Background())
	h.advance(60*time.Second, 50*time.Millisecond, idle)
	res := h.wait()

	require.NoError(t, res.err)
	s := res.summary
	assert.Equal(t, StateCompleted, s.State)
	assert.InDelta(t, 3000, s.Issued, 30)
	assert.Equal(t, int64(0), s.Dropped)
	assert.Equal(t, s.Issued, s.Succeeded)
	assert.True(t, s.Balanced())
	assert.LessOrEqual(t, s.PeakBusy, 10)
	assert.Equal(t, 60*time.Second, s.Duration())
	assert.Equal(t, StateCompleted, h.ctrl.State())
}

func TestController_BlockingExecutorSaturatesPool(t *testing.T) {
	release := make(chan struct{})
	blocking := target.Func(func(ctx context.Context, req *producer.Request) (*target.Response, error) {
		select {
		case <-release:
			return &target.Response{StatusCode: 200}, nil
		case <-ctx.Done():
			return nil, failure.New(failure.KindTimeout, ctx.Err())
		}
	})

	cfg := Config{Ramp: constantRamp(10, 10*time.Second), MaxWorkers: 10, RequestTimeout: 120 * time.Second}
	h := newHarness(t, cfg, stubProducer, blocking)
	h.start(context.Background())

	h.advance(time.Second, 100*time.Millisecond, nil)
	p := h.ctrl.Progress()
	assert.Equal(t, 10, p.Busy)
	assert.Equal(t, int64(10), p.Issued)
	assert.Equal(t, int64(0), p.Dropped)

	h.advance(5*time.Second, 100*time.Millisecond, nil)
	atFive := h.ctrl.Progress().Dropped
	assert.InDelta(t, 40, atFive, 1)

	h.advance(10*time.Second, 100*time.Millisecond, nil)
	atTen := h.ctrl.Progress().Dropped
	assert.InDelta(t, 90, atTen, 1)
	assert.InDelta(t, float64(atFive)*2+10, atTen, 2, "drops should grow linearly")

	close(release)
	res := h.wait()

	require.NoError(t, res.err)
	s := res.summary
	assert.Equal(t, StateCompleted, s.State)
	assert.Equal(t, int64(10), s.Succeeded)
	assert.Equal(t, s.Issued-10, s.Dropped)
	assert.Equal(t, 10, s.PeakBusy)
	assert.True(t, s.Balanced())
}

func TestController_CancelMidRun(t *testing.T) {
	cfg := Config{Ramp: linearRamp(100, 60*time.Second), MaxWorkers: 10, RequestTimeout: 5 * time.Second}
	h := newHarness(t, cfg, stubProducer, instantExecutor)

	h.start(context.Background())
	h.advance(30*time.Second, 50*time.Millisecond, idle)
	issuedAtCancel := h.ctrl.Progress().Issued

	h.ctrl.Cancel()
	res := h.wait()

	require.NoError(t, res.err)
	s := res.summary
	assert.Equal(t, StateCancelled, s.State)
	assert.InDelta(t, 750, s.Issued, 2)
	assert.Equal(t, issuedAtCancel, s.Issued, "no events after cancellation")
	assert.True(t, s.Balanced())

	// Time moving on has no effect on a finished run.
	h.clock.Step(10 * time.Second)
	assert.Equal(t, issuedAtCancel, h.ctrl.Progress().Issued)
	assert.Equal(t, StateCancelled, h.ctrl.State())
}

func TestController_CancelIsIdempotent(t *testing.T) {
	cfg := Config{Ramp: constantRamp(10, 10*time.Second), MaxWorkers: 2, RequestTimeout: time.Second}
	h := newHarness(t, cfg, stubProducer, instantExecutor)

	h.start(context.Background())
	h.advance(2*time.Second, 100*time.Millisecond, idle)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.ctrl.Cancel()
		}()
	}
	wg.Wait()

	res := h.wait()
	require.NoError(t, res.err)
	assert.Equal(t, StateCancelled, res.summary.State)
	assert.True(t, res.summary.Balanced())

	h.ctrl.Cancel()
	assert.Equal(t, StateCancelled, h.ctrl.State())
}

func TestController_ContextCancellation(t *testing.T) {
	cfg := Config{Ramp: constantRamp(10, 10*time.Second), MaxWorkers: 2, RequestTimeout: time.Second}
	h := newHarness(t, cfg, stubProducer, instantExecutor)

	ctx, cancel := context.WithCancel(context.Background())
	h.start(ctx)
	h.advance(time.Second, 100*time.Millisecond, idle)

	cancel()
	res := h.wait()

	require.NoError(t, res.err)
	assert.Equal(t, StateCancelled, res.summary.State)
	assert.InDelta(t, 10, res.summary.Issued, 1)
	assert.True(t, res.summary.Balanced())
}

func TestController_CancelBeforeRun(t *testing.T) {
	cfg := Config{Ramp: constantRamp(10, 10*time.Second), MaxWorkers: 2, RequestTimeout: time.Second}
	ctrl, err := New(cfg, stubProducer, instantExecutor, WithLogger(testLogger()))
	require.NoError(t, err)

	ctrl.Cancel()
	s, err := ctrl.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateCancelled, s.State)
	assert.Equal(t, int64(0), s.Issued)
}

func TestController_RunTwice(t *testing.T) {
	cfg := Config{Ramp: constantRamp(10, time.Second), MaxWorkers: 2, RequestTimeout: time.Second}
	h := newHarness(t, cfg, stubProducer, instantExecutor)

	h.start(context.Background())
	h.advance(time.Second, 100*time.Millisecond, idle)
	first := h.wait()
	require.NoError(t, first.err)

	s, err := h.ctrl.Run(context.Background())
	assert.ErrorIs(t, err, ErrAlreadyStarted)
	assert.Nil(t, s)
	assert.Equal(t, StateCompleted, h.ctrl.State())
}

func TestController_ProducerFailures(t *testing.T) {
	p := producer.Func(func(ctx context.Context, iteration int64, workerID int, data any) (*producer.Request, error) {
		switch {
		case iteration == 4:
			panic("boom")
		case iteration%2 == 1:
			return nil, errors.New("cannot build request")
		}
		return &producer.Request{Method: "GET", URL: "http://stub.local/"}, nil
	})

	cfg := Config{Ramp: constantRamp(10, time.Second), MaxWorkers: 5, RequestTimeout: time.Second}
	h := newHarness(t, cfg, p, instantExecutor)

	h.start(context.Background())
	h.advance(time.Second, 100*time.Millisecond, idle)
	res := h.wait()

	require.NoError(t, res.err)
	s := res.summary
	assert.Equal(t, StateCompleted, s.State)
	assert.Equal(t, int64(10), s.Issued)
	assert.Equal(t, int64(6), s.Failed[failure.KindProducerError])
	assert.Equal(t, int64(4), s.Succeeded)
	assert.True(t, s.Balanced())
}

func TestController_PassesRunContextToProducer(t *testing.T) {
	var got atomic.Value
	p := producer.Func(func(ctx context.Context, iteration int64, workerID int, data any) (*producer.Request, error) {
		got.Store(data)
		return &producer.Request{Method: "GET", URL: "http://stub.local/"}, nil
	})

	cfg := Config{Ramp: constantRamp(10, time.Second), MaxWorkers: 1, RequestTimeout: time.Second, Context: "shared"}
	h := newHarness(t, cfg, p, instantExecutor)

	h.start(context.Background())
	h.advance(time.Second, 100*time.Millisecond, idle)
	h.wait()

	assert.Equal(t, "shared", got.Load())
}

func TestController_ExecutorFailuresByKind(t *testing.T) {
	ex := target.Func(func(ctx context.Context, req *producer.Request) (*target.Response, error) {
		return &target.Response{StatusCode: 503, Latency: time.Millisecond},
			&failure.Failure{Kind: failure.KindUnexpectedStatus, StatusCode: 503, Err: errors.New("status 503")}
	})

	var mu sync.Mutex
	var outcomes []Outcome
	hook := func(o Outcome) {
		mu.Lock()
		outcomes = append(outcomes, o)
		mu.Unlock()
	}

	cfg := Config{Ramp: constantRamp(10, time.Second), MaxWorkers: 2, RequestTimeout: time.Second}
	h := newHarness(t, cfg, stubProducer, ex, WithOutcomeHook(hook))

	h.start(context.Background())
	h.advance(time.Second, 100*time.Millisecond, idle)
	res := h.wait()

	s := res.summary
	assert.Equal(t, s.Issued, s.Failed[failure.KindUnexpectedStatus])
	assert.Equal(t, int64(0), s.Succeeded)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, outcomes, int(s.Issued))
	for _, o := range outcomes {
		assert.Equal(t, StatusFailure, o.Status)
		assert.Equal(t, 503, o.StatusCode)
		assert.GreaterOrEqual(t, o.SlotID, 0)
	}
}

func TestController_TimeoutReleasesSlot(t *testing.T) {
	var calls atomic.Int32
	hanging := target.Func(func(ctx context.Context, req *producer.Request) (*target.Response, error) {
		calls.Add(1)
		<-ctx.Done()
		return nil, ctx.Err()
	})

	cfg := Config{Ramp: constantRamp(1, 3*time.Second), MaxWorkers: 1, RequestTimeout: 500 * time.Millisecond}
	h := newHarness(t, cfg, stubProducer, hanging)
	h.start(context.Background())

	// One event per second, each timing out half a second later.
	for i, at := range []time.Duration{time.Second, 2 * time.Second, 3 * time.Second} {
		h.advance(at, 100*time.Millisecond, nil)
		want := int32(i + 1)
		waitFor(t, func() bool { return calls.Load() == want }, "event did not reach the executor")
		assert.Equal(t, 1, h.ctrl.Progress().Busy)

		h.advance(at+500*time.Millisecond, 100*time.Millisecond, nil)
		waitFor(t, func() bool { return h.ctrl.Progress().Busy == 0 }, "timeout did not release the slot")
	}

	res := h.wait()
	require.NoError(t, res.err)
	s := res.summary
	assert.Equal(t, int64(3), s.Issued)
	assert.Equal(t, int64(3), s.Failed[failure.KindTimeout])
	assert.Equal(t, int64(0), s.Dropped)
	assert.True(t, s.Balanced())
	assert.Equal(t, int32(3), calls.Load())
}

func TestController_TimeoutCoversHangingProducer(t *testing.T) {
	block := make(chan struct{})
	defer close(block)

	var calls atomic.Int32
	hanging := producer.Func(func(ctx context.Context, iteration int64, workerID int, data any) (*producer.Request, error) {
		calls.Add(1)
		<-block
		return nil, errors.New("unblocked")
	})
	var executed atomic.Int32
	ex := target.Func(func(ctx context.Context, req *producer.Request) (*target.Response, error) {
		executed.Add(1)
		return &target.Response{StatusCode: 200}, nil
	})

	cfg := Config{Ramp: constantRamp(1, 2*time.Second), MaxWorkers: 1, RequestTimeout: 500 * time.Millisecond}
	h := newHarness(t, cfg, hanging, ex)
	h.start(context.Background())

	for i, at := range []time.Duration{time.Second, 2 * time.Second} {
		h.advance(at, 100*time.Millisecond, nil)
		want := int32(i + 1)
		waitFor(t, func() bool { return calls.Load() == want }, "event did not reach the producer")

		h.advance(at+500*time.Millisecond, 100*time.Millisecond, nil)
		waitFor(t, func() bool { return h.ctrl.Progress().Busy == 0 }, "timeout did not release the slot")
	}

	res := h.wait()
	require.NoError(t, res.err)
	s := res.summary
	assert.Equal(t, StateCompleted, s.State)
	assert.Equal(t, int64(2), s.Issued)
	assert.Equal(t, int64(2), s.Failed[failure.KindTimeout])
	assert.Equal(t, int64(0), s.Dropped)
	assert.True(t, s.Balanced())
	assert.Zero(t, executed.Load())
}

func TestController_GracefulStopInterruptsStragglers(t *testing.T) {
	hanging := target.Func(func(ctx context.Context, req *producer.Request) (*target.Response, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	cfg := Config{
		Ramp:           constantRamp(1, time.Second),
		MaxWorkers:     1,
		RequestTimeout: time.Hour,
		GracefulStop:   5 * time.Second,
	}
	h := newHarness(t, cfg, stubProducer, hanging)
	h.start(context.Background())
	h.advance(time.Second, 100*time.Millisecond, nil)

	var res runResult
	for i := 0; i < 60; i++ {
		h.clock.Step(time.Second)
		select {
		case res = <-h.done:
		case <-time.After(20 * time.Millisecond):
			continue
		}
		break
	}
	require.NotNil(t, res.summary, "graceful stop never expired")

	s := res.summary
	assert.Equal(t, StateCompleted, s.State)
	assert.Equal(t, int64(1), s.Issued)
	assert.Equal(t, int64(1), s.Failed[failure.KindTimeout])
	assert.True(t, s.Balanced())
}

func TestController_AcquireGraceWaitsForSlot(t *testing.T) {
	release := make(chan struct{}, 100)
	slow := target.Func(func(ctx context.Context, req *producer.Request) (*target.Response, error) {
		select {
		case <-release:
			return &target.Response{StatusCode: 200}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})

	cfg := Config{
		Ramp:           constantRamp(2, time.Second),
		MaxWorkers:     1,
		RequestTimeout: time.Minute,
		AcquireGrace:   time.Minute,
	}
	h := newHarness(t, cfg, stubProducer, slow)
	h.start(context.Background())

	h.advance(500*time.Millisecond, 100*time.Millisecond, nil)
	require.Equal(t, 1, h.ctrl.Progress().Busy)

	// The second event waits for the busy slot instead of being dropped.
	h.clock.Step(500 * time.Millisecond)
	release <- struct{}{}
	release <- struct{}{}

	res := h.wait()
	require.NoError(t, res.err)
	assert.Equal(t, int64(2), res.summary.Issued)
	assert.Equal(t, int64(2), res.summary.Succeeded)
	assert.Equal(t, int64(0), res.summary.Dropped)
}

func TestController_ProtocolViolationAborts(t *testing.T) {
	var ctrl *Controller
	violation := &failure.ProtocolViolation{SlotID: 0, Message: "injected"}
	var once sync.Once
	hook := func(o Outcome) {
		once.Do(func() { ctrl.abort(violation) })
	}

	cfg := Config{Ramp: constantRamp(10, 10*time.Second), MaxWorkers: 2, RequestTimeout: time.Second}
	h := newHarness(t, cfg, stubProducer, instantExecutor, WithOutcomeHook(hook))
	ctrl = h.ctrl

	h.start(context.Background())
	h.clock.Step(100 * time.Millisecond)
	res := h.wait()

	require.Error(t, res.err)
	var pv *failure.ProtocolViolation
	assert.ErrorAs(t, res.err, &pv)
	assert.Equal(t, StateAborted, res.summary.State)
	assert.True(t, res.summary.Balanced())
}

func TestController_ProgressReportsStage(t *testing.T) {
	cfg := Config{
		Ramp: ramp.Spec{Stages: []ramp.Stage{
			{Target: 10, Duration: time.Second, Name: "warmup"},
			{Target: 10, Duration: time.Second, Name: "hold"},
		}},
		MaxWorkers:     5,
		RequestTimeout: time.Second,
	}
	h := newHarness(t, cfg, stubProducer, instantExecutor)
	h.start(context.Background())

	h.advance(500*time.Millisecond, 100*time.Millisecond, idle)
	p := h.ctrl.Progress()
	assert.Equal(t, StateRunning, p.State)
	assert.Equal(t, "warmup", p.StageName)
	assert.Equal(t, ramp.PhaseRampUp, p.Phase)
	assert.Equal(t, 2*time.Second, p.Total)
	assert.Equal(t, 5, p.MaxWorkers)

	h.advance(1500*time.Millisecond, 100*time.Millisecond, idle)
	p = h.ctrl.Progress()
	assert.Equal(t, "hold", p.StageName)
	assert.Equal(t, ramp.PhaseSteady, p.Phase)
	assert.InDelta(t, 10, p.TargetRate, 0.001)

	h.advance(2*time.Second, 100*time.Millisecond, idle)
	res := h.wait()
	assert.Equal(t, StateCompleted, res.summary.State)
}
