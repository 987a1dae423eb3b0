package filter

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kroxyproxy/kroxy/internal/wire"
)

func assert(t *testing.T, cond bool, msg string) {
	t.Helper()
	if !cond {
		t.Fatal(msg)
	}
}

type stubContext struct{}

func (stubContext) SendUpstreamAndWait(context.Context, *wire.Frame) (*wire.Frame, error) {
	return nil, nil
}
func (stubContext) VirtualCluster() string { return "test" }

type countingFilter struct {
	name  string
	calls *int
}

func (f *countingFilter) Name() string { return f.name }
func (f *countingFilter) OnRequest(_ context.Context, _ Context, fr *wire.Frame) (Result, error) {
	*f.calls++
	return Result{Action: Forward, Frame: fr}, nil
}
func (f *countingFilter) OnResponse(_ context.Context, _ Context, fr *wire.Frame) (Result, error) {
	*f.calls++
	return Result{Action: Forward, Frame: fr}, nil
}

type dropFilter struct{}

func (dropFilter) Name() string { return "drop" }
func (dropFilter) OnRequest(context.Context, Context, *wire.Frame) (Result, error) {
	return Result{Action: Drop}, nil
}
func (dropFilter) OnResponse(context.Context, Context, *wire.Frame) (Result, error) {
	return Result{Action: Drop}, nil
}

type slowFilter struct{ delay time.Duration }

func (s slowFilter) Name() string { return "slow" }
func (s slowFilter) OnRequest(ctx context.Context, _ Context, fr *wire.Frame) (Result, error) {
	select {
	case <-time.After(s.delay):
		return Result{Action: Forward, Frame: fr}, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}
func (s slowFilter) OnResponse(ctx context.Context, fctx Context, fr *wire.Frame) (Result, error) {
	return s.OnRequest(ctx, fctx, fr)
}

func TestChainForwardsThroughEveryFilter(t *testing.T) {
	var calls int
	chain := NewChain(0, &countingFilter{name: "a", calls: &calls}, &countingFilter{name: "b", calls: &calls})

	res, err := chain.DispatchRequest(context.Background(), stubContext{}, &wire.Frame{})
	assert(t, err == nil, "dispatch should succeed")
	assert(t, res.Action == Forward, "result should be Forward")
	assert(t, calls == 2, "both filters should have been called")
}

func TestChainStopsOnDrop(t *testing.T) {
	var calls int
	chain := NewChain(0, dropFilter{}, &countingFilter{name: "b", calls: &calls})

	res, err := chain.DispatchRequest(context.Background(), stubContext{}, &wire.Frame{})
	assert(t, err == nil, "dispatch should succeed")
	assert(t, res.Action == Drop, "result should be Drop")
	assert(t, calls == 0, "filter after a Drop must not run")
}

type closeFilter struct{}

func (closeFilter) Name() string { return "close" }
func (closeFilter) OnRequest(_ context.Context, _ Context, fr *wire.Frame) (Result, error) {
	return Result{Action: Forward, Frame: fr, Close: true}, nil
}
func (closeFilter) OnResponse(ctx context.Context, fctx Context, fr *wire.Frame) (Result, error) {
	return closeFilter{}.OnRequest(ctx, fctx, fr)
}

func TestChainStopsOnClose(t *testing.T) {
	var calls int
	chain := NewChain(0, closeFilter{}, &countingFilter{name: "b", calls: &calls})

	res, err := chain.DispatchRequest(context.Background(), stubContext{}, &wire.Frame{})
	assert(t, err == nil, "dispatch should succeed")
	assert(t, res.Close, "result should carry the Close flag through")
	assert(t, calls == 0, "filter after a Close result must not run")
}

func TestChainTimesOutSlowFilter(t *testing.T) {
	chain := NewChain(5*time.Millisecond, slowFilter{delay: 50 * time.Millisecond})

	_, err := chain.DispatchRequest(context.Background(), stubContext{}, &wire.Frame{})
	assert(t, err != nil, "slow filter should time out")
	assert(t, errors.Is(err, ErrFilterTimeout), "error should wrap ErrFilterTimeout")
}
