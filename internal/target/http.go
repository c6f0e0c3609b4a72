package target

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/tidwall/gjson"

	"github.com/wesleyorama2/surge/internal/failure"
	"github.com/wesleyorama2/surge/internal/producer"
)

// HTTPConfig contains HTTP client configuration.
type HTTPConfig struct {
	// Timeout is a hard upper bound enforced by the client itself. The run
	// controller applies its own per-request timeout on top of this.
	Timeout time.Duration

	// MaxIdleConns controls the maximum number of idle connections
	MaxIdleConns int

	// MaxIdleConnsPerHost controls the maximum idle connections per host
	MaxIdleConnsPerHost int

	// MaxConnsPerHost limits the total connections per host
	MaxConnsPerHost int

	// IdleConnTimeout is how long idle connections are kept alive
	IdleConnTimeout time.Duration

	// DisableKeepAlives disables HTTP keep-alives
	DisableKeepAlives bool

	// DisableCompression disables automatic decompression
	DisableCompression bool

	// InsecureSkipVerify skips TLS certificate verification
	InsecureSkipVerify bool

	// UserAgent is sent when the request does not set one
	UserAgent string

	// ExpectedStatus lists the accepted status codes. Empty accepts 200-399.
	ExpectedStatus []int

	// ExpectJSON is a gjson path that must exist in the response body.
	// Empty disables the check.
	ExpectJSON string
}

// DefaultHTTPConfig returns sensible defaults for load testing.
func DefaultHTTPConfig() HTTPConfig {
	return HTTPConfig{
		Timeout:             0, // the controller's per-request timeout governs
		MaxIdleConns:        1000,
		MaxIdleConnsPerHost: 100,
		MaxConnsPerHost:     0, // Unlimited
		IdleConnTimeout:     90 * time.Second,
		UserAgent:           "surge",
	}
}

// HTTPExecutor executes requests over net/http with a shared, tuned client.
type HTTPExecutor struct {
	client   *http.Client
	config   HTTPConfig
	accepted map[int]bool
}

// NewHTTPExecutor creates an executor with the given configuration.
func NewHTTPExecutor(cfg HTTPConfig) *HTTPExecutor {
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        cfg.MaxIdleConns,
		MaxIdleConnsPerHost: cfg.MaxIdleConnsPerHost,
		MaxConnsPerHost:     cfg.MaxConnsPerHost,
		IdleConnTimeout:     cfg.IdleConnTimeout,
		DisableKeepAlives:   cfg.DisableKeepAlives,
		DisableCompression:  cfg.DisableCompression,
	}
	if cfg.InsecureSkipVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	var accepted map[int]bool
	if len(cfg.ExpectedStatus) > 0 {
		accepted = make(map[int]bool, len(cfg.ExpectedStatus))
		for _, code := range cfg.ExpectedStatus {
			accepted[code] = true
		}
	}

	return &HTTPExecutor{
		client: &http.Client{
			Transport: transport,
			Timeout:   cfg.Timeout,
		},
		config:   cfg,
		accepted: accepted,
	}
}

// Execute performs the request and classifies the result.
func (e *HTTPExecutor) Execute(ctx context.Context, req *producer.Request) (*Response, error) {
	httpReq, err := e.buildRequest(ctx, req)
	if err != nil {
		return nil, failure.New(failure.KindProtocolError, fmt.Errorf("failed to build request: %w", err))
	}

	start := time.Now()
	resp, err := e.client.Do(httpReq)
	if err != nil {
		return nil, classifyTransportError(ctx, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	latency := time.Since(start)
	if err != nil {
		f := classifyTransportError(ctx, err)
		if f.Kind == failure.KindNetworkError {
			f.Kind = failure.KindProtocolError
		}
		f.StatusCode = resp.StatusCode
		return nil, f
	}

	result := &Response{
		StatusCode:    resp.StatusCode,
		Latency:       latency,
		BytesReceived: int64(len(body)),
	}

	if !e.statusAccepted(resp.StatusCode) {
		f := failure.Newf(failure.KindUnexpectedStatus, "status %d from %s %s", resp.StatusCode, req.Method, req.URL)
		f.StatusCode = resp.StatusCode
		return result, f
	}

	if e.config.ExpectJSON != "" {
		if !gjson.ValidBytes(body) {
			f := failure.Newf(failure.KindProtocolError, "response body is not valid JSON")
			f.StatusCode = resp.StatusCode
			return result, f
		}
		if !gjson.GetBytes(body, e.config.ExpectJSON).Exists() {
			f := failure.Newf(failure.KindProtocolError, "path %q not found in response body", e.config.ExpectJSON)
			f.StatusCode = resp.StatusCode
			return result, f
		}
	}

	return result, nil
}

// buildRequest builds an HTTP request from the request description.
func (e *HTTPExecutor) buildRequest(ctx context.Context, req *producer.Request) (*http.Request, error) {
	if req == nil {
		return nil, errors.New("nil request")
	}

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		return nil, err
	}

	for key, value := range req.Headers {
		httpReq.Header.Set(key, value)
	}
	if httpReq.Header.Get("User-Agent") == "" && e.config.UserAgent != "" {
		httpReq.Header.Set("User-Agent", e.config.UserAgent)
	}

	return httpReq, nil
}

func (e *HTTPExecutor) statusAccepted(code int) bool {
	if e.accepted != nil {
		return e.accepted[code]
	}
	return code >= 200 && code < 400
}

// Close releases idle connections.
func (e *HTTPExecutor) Close() {
	e.client.CloseIdleConnections()
}

// classifyTransportError maps a client error to a Timeout or NetworkError.
func classifyTransportError(ctx context.Context, err error) *failure.Failure {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return failure.New(failure.KindTimeout, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return failure.New(failure.KindTimeout, err)
	}
	return failure.New(failure.KindNetworkError, err)
}

var _ Executor = (*HTTPExecutor)(nil)
