// Package endpoint maps between the virtual Kafka clusters kroxy exposes to
// clients and the real brokers behind each one, generalizing the teacher's
// single-Forwarder-per-egress model to a registry serving many virtual
// clusters, each with its own broker-address rewriting policy.
package endpoint

import (
	"fmt"
	"sync"
)

// Broker is one upstream broker as discovered via a Metadata response.
type Broker struct {
	NodeID int32
	Host   string
	Port   int32
	Rack   *string
}

// Policy decides what proxy-visible address a client should be told to use
// for a given upstream broker. PortPerBroker, SniRouting and StaticCluster
// below are the three the spec names; Resolve is called once per broker
// entry while rewriting a Metadata/DescribeCluster/FindCoordinator response.
type Policy interface {
	Resolve(vc *VirtualCluster, b Broker) (host string, port int32, err error)
}

// VirtualCluster is one proxy-exposed Kafka cluster: a bootstrap address for
// the proxy's own listener, the real upstream bootstrap servers, and the
// policy used to rewrite broker addresses in metadata responses.
type VirtualCluster struct {
	Name             string
	ListenAddr       string
	UpstreamBootstrap []string
	Policy           Policy

	mu      sync.RWMutex
	brokers map[int32]Broker
}

func newVirtualCluster(name, listenAddr string, upstream []string, policy Policy) *VirtualCluster {
	return &VirtualCluster{
		Name:              name,
		ListenAddr:        listenAddr,
		UpstreamBootstrap: upstream,
		Policy:            policy,
		brokers:           make(map[int32]Broker),
	}
}

// Reconcile updates the cluster's known broker set from a freshly decoded
// Metadata response, the same "last metadata wins" model the teacher's
// rewriteMetadataResponse relies on implicitly by rewriting every response.
func (vc *VirtualCluster) Reconcile(brokers []Broker) {
	vc.mu.Lock()
	defer vc.mu.Unlock()
	m := make(map[int32]Broker, len(brokers))
	for _, b := range brokers {
		m[b.NodeID] = b
	}
	vc.brokers = m
}

// Broker returns the last known address for nodeID, as learned from a prior
// Metadata response, for policies (like SniRouting) that need the real
// upstream host to route a new connection.
func (vc *VirtualCluster) Broker(nodeID int32) (Broker, bool) {
	vc.mu.RLock()
	defer vc.mu.RUnlock()
	b, ok := vc.brokers[nodeID]
	return b, ok
}

// Resolve rewrites a broker address for this virtual cluster's policy.
func (vc *VirtualCluster) Resolve(b Broker) (string, int32, error) {
	return vc.Policy.Resolve(vc, b)
}

// Binding is a single proxy-side listener serving one virtual cluster.
// Broker is set only when Resolve's SNI tie-break matched a specific
// broker's hostname rather than falling back to the listener's default.
type Binding struct {
	ListenAddr string
	Cluster    *VirtualCluster
	Broker     *Broker
}

// Registry owns every virtual cluster kroxy currently serves, keyed by
// name, generalizing the teacher's one-Forwarder-per-egress Registry to
// many virtual clusters sharing one process.
type Registry struct {
	mu           sync.RWMutex
	clusters     map[string]*VirtualCluster
	byListenAddr map[string]*VirtualCluster
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		clusters:     make(map[string]*VirtualCluster),
		byListenAddr: make(map[string]*VirtualCluster),
	}
}

// Register adds a virtual cluster, returning an error if the name or listen
// address is already taken.
func (r *Registry) Register(name, listenAddr string, upstream []string, policy Policy) (*VirtualCluster, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.clusters[name]; exists {
		return nil, fmt.Errorf("endpoint: virtual cluster %q already registered", name)
	}
	if _, exists := r.byListenAddr[listenAddr]; exists {
		return nil, fmt.Errorf("endpoint: listen address %q already bound", listenAddr)
	}
	vc := newVirtualCluster(name, listenAddr, upstream, policy)
	r.clusters[name] = vc
	r.byListenAddr[listenAddr] = vc
	return vc, nil
}

// Unregister removes a virtual cluster from the registry, evicting its
// listen-address binding along with it. Broker bindings are never tracked
// independently of the VirtualCluster they belong to (Resolve derives them
// on the fly from the cluster's current broker set), so dropping the
// cluster is all eviction requires — there is nothing else to clean up.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	vc, ok := r.clusters[name]
	if !ok {
		return
	}
	delete(r.clusters, name)
	delete(r.byListenAddr, vc.ListenAddr)
}

// Lookup returns the virtual cluster registered under name.
func (r *Registry) Lookup(name string) (*VirtualCluster, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	vc, ok := r.clusters[name]
	return vc, ok
}

// Resolve picks the Binding a newly accepted connection on listenAddr
// belongs to. When the virtual cluster's policy is SniRouting and the
// client presented an SNI hostname, that hostname wins the tie-break: the
// registry looks it up against every known broker's HostnameFor and binds
// the connection directly to that broker. Otherwise it falls back to the
// listener's default binding (the whole virtual cluster, no specific
// broker), the same address every client used before any broker-specific
// routing was learned.
func (r *Registry) Resolve(listenAddr, sniHostname string) (Binding, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	vc, ok := r.byListenAddr[listenAddr]
	if !ok {
		return Binding{}, fmt.Errorf("endpoint: no virtual cluster bound to %q", listenAddr)
	}

	sni, ok := vc.Policy.(*SniRouting)
	if ok && sniHostname != "" {
		vc.mu.RLock()
		for nodeID, b := range vc.brokers {
			broker := b
			if sni.HostnameFor(nodeID) == sniHostname {
				vc.mu.RUnlock()
				return Binding{ListenAddr: listenAddr, Cluster: vc, Broker: &broker}, nil
			}
		}
		vc.mu.RUnlock()
	}

	return Binding{ListenAddr: listenAddr, Cluster: vc}, nil
}

// Bindings returns every registered virtual cluster's listener binding, for
// the proxy's accept-loop bootstrap.
func (r *Registry) Bindings() []Binding {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Binding, 0, len(r.clusters))
	for _, vc := range r.clusters {
		out = append(out, Binding{ListenAddr: vc.ListenAddr, Cluster: vc})
	}
	return out
}
