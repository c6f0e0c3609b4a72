// Package metrics records run outcomes: an HDR histogram for the latency
// percentiles printed in the summary, and Prometheus collectors for live
// scraping while a run is in progress.
package metrics

import (
	"fmt"
	"sync"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/wesleyorama2/surge/internal/failure"
)

const namespace = "surge"

// Outcome label values.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomeDropped = "dropped"
)

// Config contains configuration for the latency histogram.
type Config struct {
	// HistogramMin is the minimum recordable value in microseconds (default: 1)
	HistogramMin int64

	// HistogramMax is the maximum recordable value in microseconds (default: 1 hour)
	HistogramMax int64

	// HistogramSigFigs is the number of significant figures (default: 3)
	HistogramSigFigs int
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		HistogramMin:     1,
		HistogramMax:     3600000000, // 1 hour in microseconds
		HistogramSigFigs: 3,
	}
}

// LatencyStats contains latency statistics.
type LatencyStats struct {
	Min   time.Duration `json:"min"`
	Max   time.Duration `json:"max"`
	Mean  time.Duration `json:"mean"`
	P50   time.Duration `json:"p50"`
	P90   time.Duration `json:"p90"`
	P95   time.Duration `json:"p95"`
	P99   time.Duration `json:"p99"`
	Count int64         `json:"count"`
}

// Recorder collects per-outcome metrics for one run.
//
// Recorder is safe for concurrent use. The HDR histogram is not, so it is
// guarded by a mutex; the Prometheus collectors are safe on their own.
type Recorder struct {
	config Config

	latencyHist   *hdrhistogram.Histogram
	latencyHistMu sync.Mutex

	issued     prometheus.Counter
	outcomes   *prometheus.CounterVec
	failures   *prometheus.CounterVec
	latency    prometheus.Histogram
	busy       prometheus.Gauge
	targetRate prometheus.Gauge
}

// NewRecorder creates a recorder with the default configuration and
// registers its collectors on reg. A nil reg skips registration.
func NewRecorder(reg prometheus.Registerer) (*Recorder, error) {
	return NewRecorderWithConfig(DefaultConfig(), reg)
}

// NewRecorderWithConfig creates a recorder with a custom configuration.
func NewRecorderWithConfig(cfg Config, reg prometheus.Registerer) (*Recorder, error) {
	r := &Recorder{
		config:      cfg,
		latencyHist: hdrhistogram.New(cfg.HistogramMin, cfg.HistogramMax, cfg.HistogramSigFigs),
		issued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "iterations_issued_total",
			Help:      "Start events emitted by the arrival-rate scheduler.",
		}),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "iterations_total",
			Help:      "Finished iterations by outcome.",
		}, []string{"outcome"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "iteration_failures_total",
			Help:      "Failed iterations by failure kind.",
		}, []string{"kind"}),
		latency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Latency of calls to the target that produced a response.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}),
		busy: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "workers_busy",
			Help:      "Worker slots currently running a request.",
		}),
		targetRate: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "target_rate",
			Help:      "Scheduled arrival rate in iterations per second.",
		}),
	}

	if reg != nil {
		for _, c := range []prometheus.Collector{r.issued, r.outcomes, r.failures, r.latency, r.busy, r.targetRate} {
			if err := reg.Register(c); err != nil {
				return nil, fmt.Errorf("failed to register metrics: %w", err)
			}
		}
	}

	return r, nil
}

// RecordIssued counts one start event.
func (r *Recorder) RecordIssued() {
	r.issued.Inc()
}

// RecordSuccess records a successful iteration and its latency.
func (r *Recorder) RecordSuccess(latency time.Duration) {
	r.outcomes.WithLabelValues(OutcomeSuccess).Inc()
	r.observe(latency)
}

// RecordFailure records a failed iteration. A zero latency means the call
// never produced a response and is left out of the latency distribution.
func (r *Recorder) RecordFailure(kind failure.Kind, latency time.Duration) {
	r.outcomes.WithLabelValues(OutcomeFailure).Inc()
	r.failures.WithLabelValues(string(kind)).Inc()
	if latency > 0 {
		r.observe(latency)
	}
}

// RecordDropped records a start that found no idle worker.
func (r *Recorder) RecordDropped() {
	r.outcomes.WithLabelValues(OutcomeDropped).Inc()
}

// SetBusy updates the busy worker gauge.
func (r *Recorder) SetBusy(n int) {
	r.busy.Set(float64(n))
}

// SetTargetRate updates the scheduled rate gauge.
func (r *Recorder) SetTargetRate(rate float64) {
	r.targetRate.Set(rate)
}

func (r *Recorder) observe(latency time.Duration) {
	r.latency.Observe(latency.Seconds())

	// Convert to microseconds for HDR histogram
	micros := latency.Microseconds()
	if micros < r.config.HistogramMin {
		micros = r.config.HistogramMin
	}
	if micros > r.config.HistogramMax {
		micros = r.config.HistogramMax
	}

	r.latencyHistMu.Lock()
	// RecordValue only fails outside the configured range, which is clamped above.
	_ = r.latencyHist.RecordValue(micros)
	r.latencyHistMu.Unlock()
}

// Latency returns the current latency statistics.
func (r *Recorder) Latency() LatencyStats {
	r.latencyHistMu.Lock()
	defer r.latencyHistMu.Unlock()

	if r.latencyHist.TotalCount() == 0 {
		return LatencyStats{}
	}

	return LatencyStats{
		Min:   time.Duration(r.latencyHist.Min()) * time.Microsecond,
		Max:   time.Duration(r.latencyHist.Max()) * time.Microsecond,
		Mean:  time.Duration(r.latencyHist.Mean()) * time.Microsecond,
		P50:   time.Duration(r.latencyHist.ValueAtQuantile(50)) * time.Microsecond,
		P90:   time.Duration(r.latencyHist.ValueAtQuantile(90)) * time.Microsecond,
		P95:   time.Duration(r.latencyHist.ValueAtQuantile(95)) * time.Microsecond,
		P99:   time.Duration(r.latencyHist.ValueAtQuantile(99)) * time.Microsecond,
		Count: r.latencyHist.TotalCount(),
	}
}
