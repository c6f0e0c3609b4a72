// Package target performs the synchronous call to the system under test and
// classifies its result.
package target

import (
	"context"
	"time"

	"github.com/wesleyorama2/surge/internal/producer"
)

// Response is the result of a successful call.
type Response struct {
	StatusCode    int
	Latency       time.Duration
	BytesReceived int64
}

// Executor performs one request against the target.
//
// Execute returns a *failure.Failure when the call did not succeed; its
// Kind is one of failure.KindNetworkError, KindTimeout, KindProtocolError or
// KindUnexpectedStatus. Implementations must honour ctx cancellation.
type Executor interface {
	Execute(ctx context.Context, req *producer.Request) (*Response, error)
}

// Func adapts an ordinary function to the Executor interface.
type Func func(ctx context.Context, req *producer.Request) (*Response, error)

// Execute calls f.
func (f Func) Execute(ctx context.Context, req *producer.Request) (*Response, error) {
	return f(ctx, req)
}
