// Package config loads, validates and converts run files.
package config

import (
	"strings"
	"time"
)

// PresetUserRegister is the built-in user registration scenario.
const PresetUserRegister = "user-register"

// RunFile is the root of a run file.
//
// Example YAML:
//
//	name: "register users"
//	startRate: 0
//	stages:
//	  - duration: 10m
//	    target: 60000
//	maxWorkers: 100
//	timeout: 30s
//	request:
//	  method: POST
//	  url: "{{baseUrl}}/user-register"
//	  headers:
//	    Content-Type: application/json
//	  body: '{"username":"testuser_{{vu}}_{{iter}}"}'
//	variables:
//	  baseUrl: "http://localhost:8000"
type RunFile struct {
	// Name of the run (for reporting)
	Name string `json:"name,omitempty" yaml:"name,omitempty"`

	// Description of the run (optional)
	Description string `json:"description,omitempty" yaml:"description,omitempty"`

	// StartRate is the arrival rate at the beginning of the first stage
	StartRate float64 `json:"startRate,omitempty" yaml:"startRate,omitempty"`

	// Stages defines the arrival-rate ramp
	Stages []StageConfig `json:"stages" yaml:"stages"`

	// MaxWorkers is the size of the worker pool
	MaxWorkers int `json:"maxWorkers,omitempty" yaml:"maxWorkers,omitempty"`

	// PreAllocatedVUs is accepted as an alias of MaxWorkers. The pool is
	// fully allocated up front, so both must agree when both are set.
	PreAllocatedVUs int `json:"preAllocatedVUs,omitempty" yaml:"preAllocatedVUs,omitempty"`

	// Timeout is the per-request timeout
	Timeout Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`

	// Tick is the scheduler accumulation step
	Tick Duration `json:"tick,omitempty" yaml:"tick,omitempty"`

	// AcquireGrace is how long a start may wait for a free worker
	AcquireGrace Duration `json:"acquireGrace,omitempty" yaml:"acquireGrace,omitempty"`

	// GracefulStop is how long in-flight requests may drain at the end
	GracefulStop Duration `json:"gracefulStop,omitempty" yaml:"gracefulStop,omitempty"`

	// Variables are available to the request template as {{name}}
	Variables map[string]string `json:"variables,omitempty" yaml:"variables,omitempty"`

	// Request describes the request sent for every iteration
	Request RequestConfig `json:"request" yaml:"request"`

	// HTTP tunes the HTTP client
	HTTP HTTPSettings `json:"http,omitempty" yaml:"http,omitempty"`

	// Expect describes what counts as a successful response
	Expect ExpectConfig `json:"expect,omitempty" yaml:"expect,omitempty"`
}

// StageConfig defines a single stage of the ramp.
type StageConfig struct {
	// Duration of this stage (e.g., "30s", "2m")
	Duration Duration `json:"duration" yaml:"duration"`

	// Target is the arrival rate, in iterations per second, at the end of the stage
	Target float64 `json:"target" yaml:"target"`

	// Name is an optional name for this stage (for progress output)
	Name string `json:"name,omitempty" yaml:"name,omitempty"`
}

// RequestConfig defines the request template.
type RequestConfig struct {
	// Preset selects a built-in scenario. With a preset, URL is the base URL.
	Preset string `json:"preset,omitempty" yaml:"preset,omitempty"`

	// Name for this request (used in logs)
	Name string `json:"name,omitempty" yaml:"name,omitempty"`

	// Method is the HTTP method (GET, POST, PUT, DELETE, etc.)
	Method string `json:"method,omitempty" yaml:"method,omitempty"`

	// URL is the request URL (supports variable substitution)
	URL string `json:"url" yaml:"url"`

	// Headers are request headers (values support variable substitution)
	Headers map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`

	// Body is the request body (supports variable substitution)
	Body string `json:"body,omitempty" yaml:"body,omitempty"`
}

// HTTPSettings tunes the HTTP client.
type HTTPSettings struct {
	// MaxIdleConnsPerHost limits idle connections per host
	MaxIdleConnsPerHost int `json:"maxIdleConnsPerHost,omitempty" yaml:"maxIdleConnsPerHost,omitempty"`

	// MaxConnsPerHost limits total connections per host
	MaxConnsPerHost int `json:"maxConnsPerHost,omitempty" yaml:"maxConnsPerHost,omitempty"`

	// DisableKeepAlives disables connection reuse
	DisableKeepAlives bool `json:"disableKeepAlives,omitempty" yaml:"disableKeepAlives,omitempty"`

	// InsecureSkipVerify skips TLS certificate verification
	InsecureSkipVerify bool `json:"insecureSkipVerify,omitempty" yaml:"insecureSkipVerify,omitempty"`

	// UserAgent is the default User-Agent header
	UserAgent string `json:"userAgent,omitempty" yaml:"userAgent,omitempty"`
}

// ExpectConfig defines response checks.
type ExpectConfig struct {
	// Status lists the accepted status codes (default: 200-399)
	Status []int `json:"status,omitempty" yaml:"status,omitempty"`

	// JSON is a path that must exist in the JSON response body
	JSON string `json:"json,omitempty" yaml:"json,omitempty"`
}

// Duration is a time.Duration that can be unmarshaled from JSON/YAML strings.
type Duration time.Duration

// GetDuration returns the duration or a default if empty.
func (d Duration) GetDuration(defaultValue time.Duration) time.Duration {
	if d == 0 {
		return defaultValue
	}
	return time.Duration(d)
}

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(`"` + time.Duration(d).String() + `"`), nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(b []byte) error {
	// Remove quotes if present
	s := strings.Trim(string(b), `"`)
	if s == "null" {
		s = ""
	}

	dur, err := ParseDurationString(s)
	if err != nil {
		return err
	}
	*d = Duration(dur)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}

	dur, err := ParseDurationString(s)
	if err != nil {
		return err
	}
	*d = Duration(dur)
	return nil
}

// String returns the duration as a string.
func (d Duration) String() string {
	return time.Duration(d).String()
}
