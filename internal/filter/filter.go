// Package filter implements the ordered, asynchronous filter chain every
// frame in a ConnectionPair passes through: each filter sees a request or
// response in turn and returns a verdict that may forward it unchanged,
// replace it, short-circuit the chain with a synthesized response, or drop
// it.
package filter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kroxyproxy/kroxy/internal/metrics"
	"github.com/kroxyproxy/kroxy/internal/wire"
)

// ErrFilterTimeout is returned when a filter does not produce a verdict
// within its configured budget.
var ErrFilterTimeout = errors.New("filter: timed out")

// Action is a filter's verdict for one frame.
type Action int

const (
	// Forward passes Frame (possibly mutated) to the next filter, or to
	// the wire if this was the last filter.
	Forward Action = iota
	// Drop silently discards the frame; no bytes reach the wire and no
	// response is synthesized.
	Drop
	// ShortCircuit stops the chain and sends Frame directly back to the
	// sender as a synthesized response, without involving the upstream.
	ShortCircuit
)

// Result is what a Filter's OnRequest/OnResponse returns. Close is
// orthogonal to Action — it may accompany Forward, Drop or ShortCircuit —
// and tells the ConnectionPair to tear down both sockets once Result has
// been acted on, for a filter (EagerMetadataLearner) that needs the client
// to reconnect after it has learned what it needed from an internal probe.
type Result struct {
	Action Action
	Frame  *wire.Frame
	Close  bool
}

// Context is the facility a Filter uses to interact with anything beyond
// the single frame it was handed: sending an internal request upstream and
// blocking for its response, and naming the virtual cluster the connection
// belongs to.
type Context interface {
	// SendUpstreamAndWait issues a request upstream out of band from
	// whichever frame the calling filter was originally processing, and
	// blocks until the matching response arrives or ctx is done. The
	// response bypasses the normal filter chain entirely and is never
	// forwarded to the downstream client.
	SendUpstreamAndWait(ctx context.Context, frame *wire.Frame) (*wire.Frame, error)
	// VirtualCluster returns the name of the virtual cluster this
	// connection belongs to, for metrics tagging and endpoint lookups.
	VirtualCluster() string
}

// Filter is implemented by every stage of the chain. A Filter that does not
// care about requests (or responses) should simply forward unconditionally.
type Filter interface {
	Name() string
	OnRequest(ctx context.Context, fctx Context, frame *wire.Frame) (Result, error)
	OnResponse(ctx context.Context, fctx Context, frame *wire.Frame) (Result, error)
}

// Chain dispatches a frame through an ordered list of filters with a
// per-filter timeout, stopping early on Drop/ShortCircuit.
type Chain struct {
	filters         []Filter
	perFilterBudget time.Duration
	metrics         *metrics.Metrics
}

// NewChain builds a Chain. budget bounds how long any single filter may
// take to produce a verdict; zero disables the timeout.
func NewChain(budget time.Duration, filters ...Filter) *Chain {
	return &Chain{filters: filters, perFilterBudget: budget}
}

// WithMetrics attaches m to the chain so every filter dispatch observes its
// wall-clock duration against FilterDispatchSecs. Separate from NewChain so
// tests that don't care about metrics can keep constructing a bare Chain.
func (c *Chain) WithMetrics(m *metrics.Metrics) *Chain {
	c.metrics = m
	return c
}

// DispatchRequest runs frame through every filter's OnRequest in order.
func (c *Chain) DispatchRequest(ctx context.Context, fctx Context, frame *wire.Frame) (Result, error) {
	return c.dispatch(ctx, fctx, frame, func(f Filter, ctx context.Context, fctx Context, fr *wire.Frame) (Result, error) {
		return f.OnRequest(ctx, fctx, fr)
	})
}

// DispatchResponse runs frame through every filter's OnResponse in order.
func (c *Chain) DispatchResponse(ctx context.Context, fctx Context, frame *wire.Frame) (Result, error) {
	return c.dispatch(ctx, fctx, frame, func(f Filter, ctx context.Context, fctx Context, fr *wire.Frame) (Result, error) {
		return f.OnResponse(ctx, fctx, fr)
	})
}

func (c *Chain) dispatch(
	ctx context.Context,
	fctx Context,
	frame *wire.Frame,
	call func(Filter, context.Context, Context, *wire.Frame) (Result, error),
) (Result, error) {
	current := frame
	for _, f := range c.filters {
		res, err := c.dispatchOne(ctx, fctx, f, current, call)
		if err != nil {
			return Result{}, fmt.Errorf("filter %s: %w", f.Name(), err)
		}
		switch res.Action {
		case Drop, ShortCircuit:
			return res, nil
		case Forward:
			current = res.Frame
		}
		if res.Close {
			return res, nil
		}
	}
	return Result{Action: Forward, Frame: current}, nil
}

func (c *Chain) dispatchOne(
	ctx context.Context,
	fctx Context,
	f Filter,
	frame *wire.Frame,
	call func(Filter, context.Context, Context, *wire.Frame) (Result, error),
) (Result, error) {
	start := time.Now()
	defer c.observeDispatch(f.Name(), fctx, start)

	if c.perFilterBudget <= 0 {
		return call(f, ctx, fctx, frame)
	}

	budgetCtx, cancel := context.WithTimeout(ctx, c.perFilterBudget)
	defer cancel()

	type outcome struct {
		res Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := call(f, budgetCtx, fctx, frame)
		done <- outcome{res, err}
	}()

	select {
	case o := <-done:
		return o.res, o.err
	case <-budgetCtx.Done():
		return Result{}, ErrFilterTimeout
	}
}

func (c *Chain) observeDispatch(filterName string, fctx Context, start time.Time) {
	if c.metrics == nil {
		return
	}
	c.metrics.FilterDispatchSecs.WithLabelValues(fctx.VirtualCluster(), filterName).Observe(time.Since(start).Seconds())
}
