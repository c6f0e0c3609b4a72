package config

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/wesleyorama2/surge/internal/failure"
	"github.com/wesleyorama2/surge/internal/producer"
	"github.com/wesleyorama2/surge/internal/ramp"
	"github.com/wesleyorama2/surge/internal/runner"
	"github.com/wesleyorama2/surge/internal/target"
)

// Defaults applied by ApplyDefaults.
const (
	DefaultTimeout    = 30 * time.Second
	DefaultMaxWorkers = 100
	DefaultUserAgent  = "surge"
)

var validMethods = map[string]bool{
	http.MethodGet:     true,
	http.MethodPost:    true,
	http.MethodPut:     true,
	http.MethodPatch:   true,
	http.MethodDelete:  true,
	http.MethodHead:    true,
	http.MethodOptions: true,
}

// ApplyDefaults applies default values to a RunFile.
func ApplyDefaults(f *RunFile) {
	if f.MaxWorkers == 0 {
		f.MaxWorkers = f.PreAllocatedVUs
	}
	if f.MaxWorkers == 0 {
		f.MaxWorkers = DefaultMaxWorkers
	}
	if f.Timeout == 0 {
		f.Timeout = Duration(DefaultTimeout)
	}
	if f.Tick == 0 {
		f.Tick = Duration(ramp.DefaultTick)
	}
	if f.GracefulStop == 0 {
		f.GracefulStop = Duration(runner.DefaultGracefulStop)
	}
	if f.HTTP.UserAgent == "" {
		f.HTTP.UserAgent = DefaultUserAgent
	}

	for i := range f.Stages {
		if f.Stages[i].Name == "" {
			f.Stages[i].Name = fmt.Sprintf("stage-%d", i+1)
		}
	}

	if f.Request.Preset == PresetUserRegister {
		if f.Request.Name == "" {
			f.Request.Name = PresetUserRegister
		}
		if f.Request.Method == "" {
			f.Request.Method = http.MethodPost
		}
	}
	if f.Request.Method == "" {
		f.Request.Method = http.MethodGet
	}
	f.Request.Method = strings.ToUpper(f.Request.Method)
}

// Validate validates the run file.
//
// Returns nil if valid, or a *failure.ConfigErrors containing every problem.
func (f *RunFile) Validate() error {
	errs := &failure.ConfigErrors{}

	if err := f.Spec().Validate(); err != nil {
		var rampErrs *failure.ConfigErrors
		if errors.As(err, &rampErrs) {
			errs.Merge("", rampErrs)
		} else {
			errs.Add("stages", err.Error())
		}
	}

	if f.MaxWorkers <= 0 {
		errs.Add("maxWorkers", "maxWorkers must be > 0")
	}
	if f.PreAllocatedVUs < 0 {
		errs.Add("preAllocatedVUs", "preAllocatedVUs cannot be negative")
	}
	if f.PreAllocatedVUs > 0 && f.MaxWorkers > 0 && f.PreAllocatedVUs != f.MaxWorkers {
		errs.Add("preAllocatedVUs", fmt.Sprintf("preAllocatedVUs (%d) must equal maxWorkers (%d); the pool does not grow", f.PreAllocatedVUs, f.MaxWorkers))
	}
	if f.Timeout <= 0 {
		errs.Add("timeout", "timeout must be > 0")
	}
	if f.Tick < 0 {
		errs.Add("tick", "tick cannot be negative")
	}
	if f.AcquireGrace < 0 {
		errs.Add("acquireGrace", "acquireGrace cannot be negative")
	}
	if f.GracefulStop < 0 {
		errs.Add("gracefulStop", "gracefulStop cannot be negative")
	}

	validateRequest(&f.Request, f.Variables, errs)

	for i, code := range f.Expect.Status {
		if code < 100 || code > 599 {
			errs.Add(fmt.Sprintf("expect.status[%d]", i), fmt.Sprintf("invalid status code %d", code))
		}
	}
	if f.HTTP.MaxConnsPerHost < 0 {
		errs.Add("http.maxConnsPerHost", "maxConnsPerHost cannot be negative")
	}
	if f.HTTP.MaxIdleConnsPerHost < 0 {
		errs.Add("http.maxIdleConnsPerHost", "maxIdleConnsPerHost cannot be negative")
	}

	return errs.ErrOrNil()
}

// validateRequest validates the request template.
func validateRequest(req *RequestConfig, vars map[string]string, errs *failure.ConfigErrors) {
	if req.Preset != "" && req.Preset != PresetUserRegister {
		errs.Add("request.preset", fmt.Sprintf("unknown preset '%s'", req.Preset))
	}

	method := strings.ToUpper(req.Method)
	if method != "" && !validMethods[method] {
		errs.Add("request.method", fmt.Sprintf("invalid HTTP method '%s'", req.Method))
	}

	if req.URL == "" {
		errs.Add("request.url", "url is required")
		return
	}

	// Only check URLs that are fully known before the run starts.
	resolved := req.URL
	for k, v := range vars {
		resolved = strings.ReplaceAll(resolved, "{{"+k+"}}", v)
	}
	if strings.Contains(resolved, "{{") {
		return
	}
	u, err := url.Parse(resolved)
	if err != nil {
		errs.Add("request.url", fmt.Sprintf("invalid URL: %v", err))
		return
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		errs.Add("request.url", "url must use http or https")
		return
	}
	if u.Host == "" {
		errs.Add("request.url", "url must include a host")
	}
}

// Spec returns the arrival-rate ramp of the run file.
func (f *RunFile) Spec() ramp.Spec {
	stages := make([]ramp.Stage, len(f.Stages))
	for i, s := range f.Stages {
		stages[i] = ramp.Stage{
			Target:   s.Target,
			Duration: time.Duration(s.Duration),
			Name:     s.Name,
		}
	}
	return ramp.Spec{StartRate: f.StartRate, Stages: stages}
}

// ToRunConfig converts a validated run file into a runner configuration.
func (f *RunFile) ToRunConfig() (runner.Config, error) {
	if err := f.Validate(); err != nil {
		return runner.Config{}, err
	}

	return runner.Config{
		Ramp:           f.Spec(),
		MaxWorkers:     f.MaxWorkers,
		RequestTimeout: time.Duration(f.Timeout),
		Tick:           time.Duration(f.Tick),
		AcquireGrace:   time.Duration(f.AcquireGrace),
		GracefulStop:   time.Duration(f.GracefulStop),
		Context:        f.Variables,
	}, nil
}

// Template returns the request template of the run file.
func (f *RunFile) Template() *producer.Template {
	if f.Request.Preset == PresetUserRegister {
		tmpl := producer.UserRegistration(f.Request.URL)
		tmpl.Variables = f.Variables
		for k, v := range f.Request.Headers {
			tmpl.Headers[k] = v
		}
		if f.Request.Body != "" {
			tmpl.Body = f.Request.Body
		}
		if f.Request.Method != "" {
			tmpl.Method = f.Request.Method
		}
		return tmpl
	}

	headers := make(map[string]string, len(f.Request.Headers))
	for k, v := range f.Request.Headers {
		headers[k] = v
	}
	return &producer.Template{
		Name:      f.Request.Name,
		Method:    f.Request.Method,
		URL:       f.Request.URL,
		Headers:   headers,
		Body:      f.Request.Body,
		Variables: f.Variables,
	}
}

// HTTPConfig returns the HTTP client configuration of the run file.
func (f *RunFile) HTTPConfig() target.HTTPConfig {
	cfg := target.DefaultHTTPConfig()
	if f.HTTP.MaxIdleConnsPerHost > 0 {
		cfg.MaxIdleConnsPerHost = f.HTTP.MaxIdleConnsPerHost
	} else if f.MaxWorkers > cfg.MaxIdleConnsPerHost {
		// Keep one idle connection per worker.
		cfg.MaxIdleConnsPerHost = f.MaxWorkers
	}
	cfg.MaxConnsPerHost = f.HTTP.MaxConnsPerHost
	cfg.DisableKeepAlives = f.HTTP.DisableKeepAlives
	cfg.InsecureSkipVerify = f.HTTP.InsecureSkipVerify
	if f.HTTP.UserAgent != "" {
		cfg.UserAgent = f.HTTP.UserAgent
	}
	cfg.ExpectedStatus = append([]int(nil), f.Expect.Status...)
	cfg.ExpectJSON = f.Expect.JSON
	return cfg
}
