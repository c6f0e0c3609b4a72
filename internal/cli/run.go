package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/wesleyorama2/surge/internal/config"
	"github.com/wesleyorama2/surge/internal/failure"
	"github.com/wesleyorama2/surge/internal/metrics"
	"github.com/wesleyorama2/surge/internal/output"
	"github.com/wesleyorama2/surge/internal/runner"
	"github.com/wesleyorama2/surge/internal/target"
)

type runOptions struct {
	configFile  string
	url         string
	name        string
	preset      string
	method      string
	body        string
	headers     []string
	vars        []string
	stages      string
	startRate   float64
	maxWorkers  int
	preVUs      int
	timeout     time.Duration
	gracefulStp time.Duration
	acquireWait time.Duration
	expect      []int
	expectJSON  string

	jsonOutput  bool
	quiet       bool
	interval    time.Duration
	metricsAddr string
}

func newRunCmd(root *rootOptions) *cobra.Command {
	opts := &runOptions{}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a load test",
		Long: `Run a load test from a run file, from flags, or from a run file with
flags overriding it.

Config file mode:
  surge run --config register.yaml

Quick CLI mode:
  surge run --url http://localhost:8000 --preset user-register \
    --stages "1m:100,5m:100,1m:0" --max-workers 200

Stages are duration:target pairs. The arrival rate moves linearly from the
previous target (or --start-rate) to each stage's target over its duration.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLoad(cmd, root, opts)
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&opts.configFile, "config", "c", "", "Run file (YAML or JSON)")
	flags.StringVar(&opts.url, "url", "", "Target URL (base URL with --preset)")
	flags.StringVar(&opts.name, "name", "", "Run name shown in the output")
	flags.StringVar(&opts.preset, "preset", "", "Built-in request template (user-register)")
	flags.StringVarP(&opts.method, "method", "X", "", "HTTP method")
	flags.StringVarP(&opts.body, "body", "d", "", "Request body template")
	flags.StringArrayVarP(&opts.headers, "header", "H", nil, "Request header 'Key: Value' (repeatable)")
	flags.StringArrayVar(&opts.vars, "var", nil, "Template variable 'name=value' (repeatable)")
	flags.StringVar(&opts.stages, "stages", "", "Ramp stages, e.g. '30s:10,2m:10,30s:0'")
	flags.Float64Var(&opts.startRate, "start-rate", 0, "Arrival rate at the start of the first stage")
	flags.IntVar(&opts.maxWorkers, "max-workers", 0, "Maximum concurrent iterations")
	flags.IntVar(&opts.preVUs, "pre-allocated-vus", 0, "Alias for --max-workers")
	flags.DurationVar(&opts.timeout, "timeout", 0, "Per-request timeout")
	flags.DurationVar(&opts.gracefulStp, "graceful-stop", 0, "How long to wait for in-flight requests after the ramp ends")
	flags.DurationVar(&opts.acquireWait, "acquire-grace", 0, "How long a start may wait for a free worker before it is dropped")
	flags.IntSliceVar(&opts.expect, "expect-status", nil, "Accepted status codes (default 200-399)")
	flags.StringVar(&opts.expectJSON, "expect-json", "", "JSON path that must exist in every response")

	flags.BoolVar(&opts.jsonOutput, "json", false, "Print the summary as JSON")
	flags.BoolVarP(&opts.quiet, "quiet", "q", false, "Only print the final summary line")
	flags.DurationVar(&opts.interval, "interval", time.Second, "Progress update interval")
	flags.StringVar(&opts.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address while running")

	return cmd
}

func runLoad(cmd *cobra.Command, root *rootOptions, opts *runOptions) error {
	file, err := buildRunFile(cmd, opts)
	if err != nil {
		return err
	}
	config.ApplyDefaults(file)

	runCfg, err := file.ToRunConfig()
	if err != nil {
		printConfigErrors(cmd, err)
		return err
	}

	log := logrus.NewEntry(root.logger).WithField("run", runName(file))

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	recorder, err := metrics.NewRecorder(reg)
	if err != nil {
		return err
	}

	executor := target.NewHTTPExecutor(file.HTTPConfig())
	defer executor.Close()

	ctrl, err := runner.New(runCfg, file.Template(), executor,
		runner.WithLogger(log),
		runner.WithRecorder(recorder),
	)
	if err != nil {
		return err
	}

	console := output.NewConsole(output.ConsoleConfig{
		Name:    runName(file),
		Writer:  cmd.OutOrStdout(),
		Quiet:   opts.quiet || opts.jsonOutput,
		NoColor: root.noColor,
	})

	var metricsSrv *metricsServer
	if opts.metricsAddr != "" {
		metricsSrv, err = listenMetrics(opts.metricsAddr, reg)
		if err != nil {
			return err
		}
		log.WithField("addr", metricsSrv.Addr()).Info("Serving metrics")
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	console.PrintHeader(output.RunInfo{
		Target:     file.Request.URL,
		Stages:     len(runCfg.Ramp.Stages),
		Total:      runCfg.Ramp.TotalDuration(),
		PeakRate:   runCfg.Ramp.MaxRate(),
		MaxWorkers: runCfg.MaxWorkers,
	})

	g, gctx := errgroup.WithContext(ctx)
	done := make(chan struct{})

	var summary *runner.Summary
	g.Go(func() error {
		defer close(done)
		s, err := ctrl.Run(gctx)
		summary = s
		return err
	})

	g.Go(func() error {
		ticker := time.NewTicker(opts.interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return nil
			case <-ticker.C:
				console.Update(ctrl.Progress())
			}
		}
	})

	if metricsSrv != nil {
		g.Go(metricsSrv.Serve)
		g.Go(func() error {
			select {
			case <-done:
			case <-gctx.Done():
			}
			return metricsSrv.Shutdown(context.Background())
		})
	}

	runErr := g.Wait()
	if summary == nil {
		return runErr
	}

	if opts.jsonOutput {
		if err := output.WriteJSON(cmd.OutOrStdout(), runName(file), summary); err != nil {
			return err
		}
	} else {
		console.PrintSummary(summary)
	}

	if runErr != nil {
		return runErr
	}
	if summary.State == runner.StateCancelled {
		return ErrCancelled
	}
	return nil
}

// buildRunFile loads the run file named by --config, if any, and applies the
// flags that were set on top of it.
func buildRunFile(cmd *cobra.Command, opts *runOptions) (*config.RunFile, error) {
	var file *config.RunFile
	if opts.configFile != "" {
		loaded, err := config.LoadConfig(opts.configFile)
		if err != nil {
			printConfigErrors(cmd, err)
			return nil, err
		}
		file = loaded
	} else {
		if opts.url == "" {
			return nil, errors.New("either --config or --url is required")
		}
		file = &config.RunFile{}
	}

	flags := cmd.Flags()
	if flags.Changed("name") {
		file.Name = opts.name
	}
	if flags.Changed("url") {
		file.Request.URL = opts.url
	}
	if flags.Changed("preset") {
		file.Request.Preset = opts.preset
	}
	if flags.Changed("method") {
		file.Request.Method = opts.method
	}
	if flags.Changed("body") {
		file.Request.Body = opts.body
	}
	if len(opts.headers) > 0 {
		if file.Request.Headers == nil {
			file.Request.Headers = make(map[string]string, len(opts.headers))
		}
		for _, h := range opts.headers {
			key, value, ok := strings.Cut(h, ":")
			if !ok || strings.TrimSpace(key) == "" {
				return nil, fmt.Errorf("invalid header %q: expected 'Key: Value'", h)
			}
			file.Request.Headers[strings.TrimSpace(key)] = strings.TrimSpace(value)
		}
	}
	if len(opts.vars) > 0 {
		if file.Variables == nil {
			file.Variables = make(map[string]string, len(opts.vars))
		}
		for _, v := range opts.vars {
			key, value, ok := strings.Cut(v, "=")
			if !ok || key == "" {
				return nil, fmt.Errorf("invalid variable %q: expected 'name=value'", v)
			}
			file.Variables[key] = value
		}
	}
	if flags.Changed("stages") {
		stages, err := config.ParseStages(opts.stages)
		if err != nil {
			return nil, fmt.Errorf("invalid --stages: %w", err)
		}
		file.Stages = stages
	}
	if flags.Changed("start-rate") {
		file.StartRate = opts.startRate
	}
	if flags.Changed("max-workers") {
		file.MaxWorkers = opts.maxWorkers
	}
	if flags.Changed("pre-allocated-vus") {
		file.PreAllocatedVUs = opts.preVUs
	}
	if flags.Changed("timeout") {
		file.Timeout = config.Duration(opts.timeout)
	}
	if flags.Changed("graceful-stop") {
		file.GracefulStop = config.Duration(opts.gracefulStp)
	}
	if flags.Changed("acquire-grace") {
		file.AcquireGrace = config.Duration(opts.acquireWait)
	}
	if flags.Changed("expect-status") {
		file.Expect.Status = opts.expect
	}
	if flags.Changed("expect-json") {
		file.Expect.JSON = opts.expectJSON
	}

	return file, nil
}

// printConfigErrors lists configuration problems one per line.
func printConfigErrors(cmd *cobra.Command, err error) {
	var errs *failure.ConfigErrors
	if !errors.As(err, &errs) {
		return
	}
	w := cmd.ErrOrStderr()
	fmt.Fprintln(w, "Configuration errors:")
	for _, e := range errs.Errors {
		fmt.Fprintf(w, "  - %s\n", e.Error())
	}
}

func runName(file *config.RunFile) string {
	if file.Name != "" {
		return file.Name
	}
	if file.Request.Name != "" {
		return file.Request.Name
	}
	return "surge"
}
