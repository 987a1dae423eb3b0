package proxy

import (
	"bufio"
	"context"
	"net"
	"testing"
	"time"

	"github.com/kroxyproxy/kroxy/internal/endpoint"
	"github.com/kroxyproxy/kroxy/internal/filter"
	"github.com/kroxyproxy/kroxy/internal/logging"
	"github.com/kroxyproxy/kroxy/internal/wire"
)

func assert(t *testing.T, cond bool, msg string) {
	t.Helper()
	if !cond {
		t.Fatal(msg)
	}
}

// fakeBroker answers one request with a canned response, rewriting the
// correlation id it was sent back onto the response, the way a real broker
// would.
func fakeBroker(t *testing.T, conn net.Conn) {
	t.Helper()
	r := bufio.NewReader(conn)
	raw, err := wire.ReadRawFrame(r)
	if err != nil {
		return
	}
	reqFrame, err := wire.DecodeRequestFrame(raw, false)
	if err != nil {
		return
	}
	resp := &wire.Frame{Payload: []byte("ok")}
	wire.WriteResponseFrame(conn, resp, reqFrame.Header.CorrelationID)
}

func TestConnectionPairRelaysRequestAndResponse(t *testing.T) {
	clientSide, proxySideClient := net.Pipe()
	proxySideUpstream, upstreamSide := net.Pipe()

	cluster := &endpoint.VirtualCluster{Name: "test", ListenAddr: "n/a"}
	chain := filter.NewChain(0)

	pair := New(proxySideClient, proxySideUpstream, cluster, chain, logging.Nop(), nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- pair.Runner().Run(ctx) }()

	go fakeBroker(t, upstreamSide)

	req := &wire.Frame{
		Header: wire.Header{ApiKey: 18, ApiVersion: 0, CorrelationID: 42, Flexible: false},
		Payload: []byte{},
	}
	if err := wire.WriteRequestFrame(clientSide, req, req.Header.CorrelationID); err != nil {
		t.Fatalf("write request: %v", err)
	}

	clientReader := bufio.NewReader(clientSide)
	resp, err := wire.ReadResponseFrame(clientReader, false)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	assert(t, resp.Header.CorrelationID == 42, "response correlation id should be rewritten back to the original downstream id")
	assert(t, string(resp.Payload) == "ok", "response payload should round-trip")

	cancel()
	<-done
}
