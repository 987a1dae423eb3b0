package endpoint

import (
	"fmt"
	"sync"
)

// PortPerBroker assigns each broker node a distinct port on a shared proxy
// host, so clients dial the same address they'd use for any broker but a
// different port per node id. Generalizes the teacher's PortAllocator,
// which handed out one port per Forwarder egress.
type PortPerBroker struct {
	ProxyHost string
	BasePort  int32

	mu       sync.Mutex
	assigned map[int32]int32
	next     int32
}

// NewPortPerBroker returns a PortPerBroker policy starting allocation at
// basePort.
func NewPortPerBroker(proxyHost string, basePort int32) *PortPerBroker {
	return &PortPerBroker{
		ProxyHost: proxyHost,
		BasePort:  basePort,
		assigned:  make(map[int32]int32),
		next:      basePort,
	}
}

// Resolve assigns (once) and returns a stable per-broker port. Every
// connection's own goroutine calls this (via BrokerAddressFilter.OnResponse
// as it rewrites Metadata responses), so assigned/next must be guarded
// against concurrent Metadata responses arriving on different connections
// at once.
func (p *PortPerBroker) Resolve(_ *VirtualCluster, b Broker) (string, int32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if port, ok := p.assigned[b.NodeID]; ok {
		return p.ProxyHost, port, nil
	}
	port := p.next
	p.next++
	p.assigned[b.NodeID] = port
	return p.ProxyHost, port, nil
}

// SniRouting rewrites every broker to a single shared host:port and relies
// on the proxy's listener to demultiplex new connections by the requested
// SNI hostname (one hostname per broker) rather than by port.
type SniRouting struct {
	ProxyHost    string
	ProxyPort    int32
	HostTemplate string // e.g. "broker-%d.proxy.example.com"
}

// Resolve returns the shared proxy address; callers wanting the per-broker
// SNI hostname should use HostnameFor instead when generating TLS server
// names for the listener side.
func (s *SniRouting) Resolve(_ *VirtualCluster, _ Broker) (string, int32, error) {
	return s.ProxyHost, s.ProxyPort, nil
}

// HostnameFor returns the SNI hostname this broker should be reachable
// under.
func (s *SniRouting) HostnameFor(nodeID int32) string {
	return fmt.Sprintf(s.HostTemplate, nodeID)
}

// StaticCluster rewrites every broker address to the same fixed proxy
// address, for the common single-broker-facade deployment.
type StaticCluster struct {
	ProxyHost string
	ProxyPort int32
}

// Resolve always returns the configured static address.
func (s *StaticCluster) Resolve(_ *VirtualCluster, _ Broker) (string, int32, error) {
	return s.ProxyHost, s.ProxyPort, nil
}
