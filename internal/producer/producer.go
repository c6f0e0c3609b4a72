// Package producer builds the request issued by each iteration.
//
// A Producer is a pure function of the iteration index, the worker slot
// that will run the request and an opaque per-run value. It has no
// scheduling responsibility: it is invoked on the worker, never on the
// scheduling loop.
package producer

import (
	"context"
	"net/http"
)

// Request describes one call to the target system.
type Request struct {
	// Name for this request (used in logs and metrics)
	Name string `json:"name,omitempty" yaml:"name,omitempty"`

	// HTTP method
	Method string `json:"method" yaml:"method"`

	// URL of the target
	URL string `json:"url" yaml:"url"`

	// Headers
	Headers map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`

	// Body
	Body []byte `json:"-" yaml:"-"`
}

// Producer builds the request for one iteration.
//
// iteration increases monotonically across the run and is unique per call;
// workerID is the ID of the slot that will run the request; data is the
// run's opaque per-iteration context. Implementations must not block for
// an unbounded time and must be safe for concurrent use.
type Producer interface {
	Produce(ctx context.Context, iteration int64, workerID int, data any) (*Request, error)
}

// Func adapts an ordinary function to the Producer interface.
type Func func(ctx context.Context, iteration int64, workerID int, data any) (*Request, error)

// Produce calls f.
func (f Func) Produce(ctx context.Context, iteration int64, workerID int, data any) (*Request, error) {
	return f(ctx, iteration, workerID, data)
}

// Static returns a producer that issues the same request every iteration.
func Static(req Request) Producer {
	return Func(func(ctx context.Context, iteration int64, workerID int, data any) (*Request, error) {
		out := req
		if req.Headers != nil {
			out.Headers = make(map[string]string, len(req.Headers))
			for k, v := range req.Headers {
				out.Headers[k] = v
			}
		}
		if out.Method == "" {
			out.Method = http.MethodGet
		}
		return &out, nil
	})
}
