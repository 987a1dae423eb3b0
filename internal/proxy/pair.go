// Package proxy implements the ConnectionPair: one downstream client socket
// bridged to one upstream broker socket, with the filter chain inserted
// between the two directions' relay loops. Grounded directly on the
// teacher's handleKafkaConn/relayKafkaRequests/relayKafkaResponses, which
// this generalizes from a bare byte-copy-with-Metadata-rewrite to a full
// filter chain dispatch, and on its use of github.com/matgreaves/run to
// sequence per-connection lifecycle.
package proxy

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync/atomic"
	"time"

	"github.com/matgreaves/run"

	"github.com/kroxyproxy/kroxy/internal/correlation"
	"github.com/kroxyproxy/kroxy/internal/endpoint"
	"github.com/kroxyproxy/kroxy/internal/filter"
	"github.com/kroxyproxy/kroxy/internal/logging"
	"github.com/kroxyproxy/kroxy/internal/metrics"
	"github.com/kroxyproxy/kroxy/internal/wire"
)

// ConnectionPair owns one client↔broker connection and everything needed to
// relay frames between them through the filter chain: its own correlation
// manager (ids are only unique within one upstream connection, so this is
// never shared across pairs) and a dedicated event-loop goroutine per
// direction, mirroring handleKafkaConn's two-goroutine relay.
type ConnectionPair struct {
	Client   net.Conn
	Upstream net.Conn
	Cluster  *endpoint.VirtualCluster
	Chain    *filter.Chain
	Logger   logging.Logger
	Metrics  *metrics.Metrics

	corr       *correlation.Manager
	bytesIn    atomic.Int64
	bytesOut   atomic.Int64
	nextHandle atomic.Uint64
}

// New builds a ConnectionPair ready to run.
func New(client, upstream net.Conn, cluster *endpoint.VirtualCluster, chain *filter.Chain, logger logging.Logger, m *metrics.Metrics) *ConnectionPair {
	return &ConnectionPair{
		Client:   client,
		Upstream: upstream,
		Cluster:  cluster,
		Chain:    chain,
		Logger:   logger,
		Metrics:  m,
		corr:     correlation.NewManager(),
	}
}

// Runner returns a run.Runner that relays both directions until ctx is
// canceled or either direction hits a fatal error, and always closes both
// sockets on the way out — the same all-or-nothing teardown the teacher's
// handleKafkaConn performs via its context-cancellation watcher goroutine.
func (p *ConnectionPair) Runner() run.Runner {
	return run.Func(func(ctx context.Context) error {
		defer p.Client.Close()
		defer p.Upstream.Close()

		watchCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		go func() {
			<-watchCtx.Done()
			p.Client.Close()
			p.Upstream.Close()
		}()

		group := run.Group{
			"requests":  run.Func(p.runRequests),
			"responses": run.Func(p.runResponses),
		}
		return group.Run(watchCtx)
	})
}

// runRequests relays client→upstream frames, tracking each request's
// correlation id and dispatching it through the filter chain before
// forwarding. Mirrors relayKafkaRequests, generalized to insert the filter
// chain and to mint a fresh upstream-facing correlation id per request.
func (p *ConnectionPair) runRequests(ctx context.Context) error {
	r := bufio.NewReader(p.Client)
	w := p.Upstream

	for {
		if ctx.Err() != nil {
			return nil
		}
		// Request headers are always decoded with the non-flexible layout;
		// nothing on this path learns which api versions are flexible. All
		// request headers carry client_id as a classic nullable string, so
		// for a flexible request the header's tag buffer simply stays at the
		// front of Payload and WriteRequestFrame writes it back unchanged; a
		// filter that parses a flexible body must skip that tag buffer
		// itself.
		frame, err := wire.ReadRequestFrame(r, false)
		if err != nil {
			return p.fatalUnlessClosed(err)
		}

		downstreamID := frame.Header.CorrelationID
		hasResponse := p.hasResponse(frame)
		upstreamID := p.corr.Track(downstreamID, frame.Header.ApiKey, frame.Header.ApiVersion, frame.Header.Flexible, hasResponse)

		res, err := p.Chain.DispatchRequest(ctx, p, frame)
		if err != nil {
			return fmt.Errorf("proxy: request filter chain: %w", err)
		}
		switch res.Action {
		case filter.Drop:
			if res.Close {
				return nil
			}
			continue
		case filter.ShortCircuit:
			if !hasResponse {
				// spec §7: a short-circuit response has nowhere to go for
				// a request the broker itself never answers (acks=0); drop
				// the short-circuit rather than inject an unsolicited
				// frame into the client's stream.
				p.Logger.Warnw("dropping short-circuit result for a request with no response",
					"apiKey", frame.Header.ApiKey, "apiVersion", frame.Header.ApiVersion)
				if res.Close {
					return nil
				}
				continue
			}
			if err := wire.WriteResponseFrame(p.Client, res.Frame, downstreamID); err != nil {
				return fmt.Errorf("proxy: short-circuit response write: %w", err)
			}
			if res.Close {
				return nil
			}
			continue
		}

		n, err := p.writeRequest(w, res.Frame, upstreamID)
		if err != nil {
			return fmt.Errorf("proxy: write upstream request: %w", err)
		}
		p.bytesIn.Add(n)
		p.observeFrame(frame.Header.ApiKey, "request")
		if res.Close {
			return nil
		}
	}
}

// hasResponse reports whether the broker will ever answer frame, so the
// correlation manager knows not to store an entry for it. The only request
// this proxy forwards that the broker never acknowledges is a Produce sent
// with acks=0; everything else always gets a response.
func (p *ConnectionPair) hasResponse(frame *wire.Frame) bool {
	if frame.Header.ApiKey != wire.ApiKeyProduce {
		return true
	}
	acks, err := wire.ProbeProduceAcks(frame.Payload, frame.Header.ApiVersion, frame.Header.Flexible)
	if err != nil {
		// Can't tell; assume a response is coming rather than risk
		// silently dropping the correlation entry for a real one.
		return true
	}
	return acks != 0
}

// runResponses relays upstream→client frames: it peeks the correlation id,
// consumes the matching Track()ed entry to learn the original downstream id
// and decode parameters, dispatches through the filter chain, then
// rewrites the id back before forwarding. Mirrors relayKafkaResponses'
// lookup-then-rewrite structure; any lookup miss is forwarded unrewritten,
// same as the teacher's fallback for a correlation id it doesn't recognize.
func (p *ConnectionPair) runResponses(ctx context.Context) error {
	r := bufio.NewReader(p.Upstream)

	for {
		if ctx.Err() != nil {
			return nil
		}
		raw, err := wire.ReadRawFrame(r)
		if err != nil {
			return p.fatalUnlessClosed(err)
		}

		upstreamID, err := wire.PeekCorrelationID(raw)
		if err != nil {
			return fmt.Errorf("proxy: peek correlation id: %w", err)
		}

		entry, ok := p.corr.Take(upstreamID)
		if !ok {
			// Unknown correlation id: forward the raw bytes unrewritten,
			// same as the teacher's lookup-miss fallback.
			if err := writeRawWithLength(p.Client, raw); err != nil {
				return fmt.Errorf("proxy: forward unmatched response: %w", err)
			}
			continue
		}

		if entry.Internal {
			// Bypasses the normal filter chain entirely and is never
			// forwarded to the client: it answers whichever filter is
			// blocked in SendUpstreamAndWait, not the downstream socket.
			entry.ResponseCh <- raw
			continue
		}

		frame, err := wire.DecodeResponseFrame(raw, entry.Flexible)
		if err != nil {
			return fmt.Errorf("proxy: decode response: %w", err)
		}
		frame.Header.ApiKey = entry.ApiKey
		frame.Header.ApiVersion = entry.ApiVersion

		res, err := p.Chain.DispatchResponse(ctx, p, frame)
		if err != nil {
			return fmt.Errorf("proxy: response filter chain: %w", err)
		}
		if res.Action == filter.Drop {
			if res.Close {
				return nil
			}
			continue
		}

		if err := wire.WriteResponseFrame(p.Client, res.Frame, entry.DownstreamID); err != nil {
			return fmt.Errorf("proxy: write downstream response: %w", err)
		}
		p.bytesOut.Add(int64(len(raw)))
		p.observeFrame(entry.ApiKey, "response")
		if res.Close {
			return nil
		}
	}
}

func (p *ConnectionPair) writeRequest(w net.Conn, frame *wire.Frame, upstreamID int32) (int64, error) {
	if err := wire.WriteRequestFrame(w, frame, upstreamID); err != nil {
		return 0, err
	}
	return int64(len(frame.Payload)), nil
}

func writeRawWithLength(w net.Conn, raw []byte) error {
	var lenBuf [4]byte
	lenBuf[0] = byte(len(raw) >> 24)
	lenBuf[1] = byte(len(raw) >> 16)
	lenBuf[2] = byte(len(raw) >> 8)
	lenBuf[3] = byte(len(raw))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(raw)
	return err
}

// fatalUnlessClosed treats io.EOF and use-of-closed-connection as a clean
// shutdown rather than a fatal error, since ctx cancellation closes both
// sockets to unblock the read.
func (p *ConnectionPair) fatalUnlessClosed(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

func (p *ConnectionPair) observeFrame(apiKey int16, direction string) {
	if p.Metrics == nil {
		return
	}
	p.Metrics.Frames.WithLabelValues(p.Cluster.Name, fmt.Sprint(apiKey), direction).Inc()
}

// SendUpstreamAndWait implements filter.Context: it mints an internal
// correlation id, writes frame upstream immediately — out of band from
// whichever frame the calling filter was originally processing — and
// blocks until runResponses routes the matching response back here (by
// the entry's Internal flag) or ctx is done.
func (p *ConnectionPair) SendUpstreamAndWait(ctx context.Context, frame *wire.Frame) (*wire.Frame, error) {
	handle := p.nextHandle.Add(1)
	frame.FilterHandle = handle
	frame.Kind = wire.InternalRequest

	upstreamID, ch := p.corr.TrackInternal(frame.Header.ApiKey, frame.Header.ApiVersion, frame.Header.Flexible)
	if _, err := p.writeRequest(p.Upstream, frame, upstreamID); err != nil {
		return nil, fmt.Errorf("proxy: send internal request: %w", err)
	}

	select {
	case raw := <-ch:
		resFrame, err := wire.DecodeResponseFrame(raw, frame.Header.Flexible)
		if err != nil {
			return nil, fmt.Errorf("proxy: decode internal response: %w", err)
		}
		resFrame.Header.ApiKey = frame.Header.ApiKey
		resFrame.Header.ApiVersion = frame.Header.ApiVersion
		resFrame.Header.Flexible = frame.Header.Flexible
		resFrame.Kind = wire.InternalResponse
		resFrame.FilterHandle = handle
		return resFrame, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// VirtualCluster implements filter.Context.
func (p *ConnectionPair) VirtualCluster() string {
	return p.Cluster.Name
}

var _ filter.Context = (*ConnectionPair)(nil)

// Idle is exposed for tests that need a trivial always-blocking Runner
// (mirrors run.Idle's role in the teacher's lifecycle sequences).
var Idle = run.Idle

// closeTimeout is not read by any code path: a ConnectionPair does not wait
// for in-flight requests to drain after a half-close; Runner closes both
// sockets as soon as its relay group returns.
const closeTimeout = 5 * time.Second
