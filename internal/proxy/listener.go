package proxy

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/matgreaves/run"

	"github.com/kroxyproxy/kroxy/internal/endpoint"
	"github.com/kroxyproxy/kroxy/internal/filter"
	"github.com/kroxyproxy/kroxy/internal/logging"
	"github.com/kroxyproxy/kroxy/internal/metrics"
)

// Listener accepts client connections for one virtual cluster, dials the
// upstream bootstrap server, and spins up a ConnectionPair per accepted
// connection. Mirrors Forwarder.runKafka's listen/accept loop, generalized
// from a fixed upstream target to the virtual cluster's bootstrap list and
// from a bare relay to a filter-chain-carrying ConnectionPair.
type Listener struct {
	Cluster        *endpoint.VirtualCluster
	NewChain       func() *filter.Chain
	Logger         logging.Logger
	Metrics        *metrics.Metrics
	DialTimeout    time.Duration
	UpstreamDialer func(ctx context.Context, addr string) (net.Conn, error)
}

// Runner returns a run.Runner that listens on the cluster's ListenAddr and
// serves connections until ctx is canceled, same shape as
// Forwarder.Runner()/runKafka.
func (l *Listener) Runner() run.Runner {
	return run.Func(func(ctx context.Context) error {
		ln, err := net.Listen("tcp", l.Cluster.ListenAddr)
		if err != nil {
			return fmt.Errorf("proxy: listen %s: %w", l.Cluster.ListenAddr, err)
		}

		go func() {
			<-ctx.Done()
			ln.Close()
		}()

		for {
			conn, err := ln.Accept()
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("proxy: accept on %s: %w", l.Cluster.ListenAddr, err)
			}
			go l.handleConn(ctx, conn)
		}
	})
}

func (l *Listener) handleConn(ctx context.Context, client net.Conn) {
	dialCtx, cancel := context.WithTimeout(ctx, l.dialTimeout())
	defer cancel()

	upstream, err := l.dial(dialCtx)
	if err != nil {
		l.Logger.Warnw("dial upstream failed", "cluster", l.Cluster.Name, "err", err)
		client.Close()
		return
	}

	pair := New(client, upstream, l.Cluster, l.NewChain(), l.Logger, l.Metrics)
	if err := pair.Runner().Run(ctx); err != nil {
		l.Logger.Warnw("connection pair ended with error", "cluster", l.Cluster.Name, "err", err)
	}
}

func (l *Listener) dial(ctx context.Context) (net.Conn, error) {
	if len(l.Cluster.UpstreamBootstrap) == 0 {
		return nil, fmt.Errorf("proxy: cluster %q has no upstream bootstrap servers", l.Cluster.Name)
	}
	addr := l.Cluster.UpstreamBootstrap[0]
	if l.UpstreamDialer != nil {
		return l.UpstreamDialer(ctx, addr)
	}
	var d net.Dialer
	return d.DialContext(ctx, "tcp", addr)
}

func (l *Listener) dialTimeout() time.Duration {
	if l.DialTimeout > 0 {
		return l.DialTimeout
	}
	return 5 * time.Second
}
