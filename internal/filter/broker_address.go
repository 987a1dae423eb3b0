package filter

import (
	"context"
	"sync"

	"github.com/kroxyproxy/kroxy/internal/endpoint"
	"github.com/kroxyproxy/kroxy/internal/wire"
	"github.com/twmb/franz-go/pkg/kbin"
)

// Kafka api keys this filter cares about. Named the way the teacher names
// kafkaAPIKeyMetadata in kafka.go, extended to the other two broker-address-
// bearing responses this proxy also rewrites.
const (
	ApiKeyMetadata        int16 = 3
	ApiKeyFindCoordinator int16 = 10
	ApiKeyDescribeCluster int16 = 60
)

// metadataProbeVersion is the api version EagerMetadataLearner uses for its
// synthetic probe request. decodeMetadataBrokers/rewriteMetadataResponse
// both assume a leading throttle_time_ms field, present only from response
// v3 onward, so v3 is the lowest version this proxy's own decoder handles.
const metadataProbeVersion int16 = 3

// EagerMetadataLearner primes a virtual cluster's known broker set before
// the client's first real request ever reaches the broker: it injects a
// synthetic Metadata request upstream, reconciles broker addresses from the
// reply, then closes the downstream connection so the client reconnects
// against addresses BrokerAddressFilter can already rewrite correctly. If
// the client's own first request is itself a Metadata request, the eager
// probe is elided entirely and that request's own response drives
// reconciliation instead (no forced reconnect in that case). Grounded on
// the teacher's implicit "every Metadata response updates the world" model,
// extended with the upstream-probe-and-reconnect behaviour spec.md
// describes for this filter specifically.
type EagerMetadataLearner struct {
	Cluster *endpoint.VirtualCluster

	mu     sync.Mutex
	primed bool
}

func (l *EagerMetadataLearner) Name() string { return "eager-metadata-learner" }

func (l *EagerMetadataLearner) OnRequest(ctx context.Context, fctx Context, frame *wire.Frame) (Result, error) {
	l.mu.Lock()
	alreadyPrimed := l.primed
	l.primed = true
	l.mu.Unlock()

	if alreadyPrimed {
		return Result{Action: Forward, Frame: frame}, nil
	}
	if frame.Header.ApiKey == ApiKeyMetadata {
		// The client is about to get a real Metadata response of its own;
		// let OnResponse reconcile off that instead of eagerly probing.
		return Result{Action: Forward, Frame: frame}, nil
	}

	resp, err := fctx.SendUpstreamAndWait(ctx, probeMetadataRequest())
	if err != nil {
		// Couldn't reach the broker for the probe; forward the client's
		// request unprimed rather than fail the connection over it — the
		// normal passive reconciliation in OnResponse still applies to
		// whatever Metadata traffic eventually crosses this connection.
		return Result{Action: Forward, Frame: frame}, nil
	}
	if brokers, err := decodeMetadataBrokers(resp.Payload, metadataProbeVersion, false); err == nil {
		l.Cluster.Reconcile(brokers)
	}

	// The probe has already told the broker everything this connection
	// needed to ask; force a reconnect so the client's next connection
	// benefits from the now-warm (virtualCluster, nodeId) mapping.
	return Result{Action: Drop, Close: true}, nil
}

func (l *EagerMetadataLearner) OnResponse(_ context.Context, _ Context, frame *wire.Frame) (Result, error) {
	if frame.Header.ApiKey != ApiKeyMetadata {
		return Result{Action: Forward, Frame: frame}, nil
	}
	brokers, err := decodeMetadataBrokers(frame.Payload, frame.Header.ApiVersion, frame.Header.Flexible)
	if err != nil {
		// Malformed Metadata bodies are forwarded unrewritten rather than
		// killing the connection, matching the teacher's lookup-miss
		// fallback behaviour for anything it can't parse.
		return Result{Action: Forward, Frame: frame}, nil
	}
	l.Cluster.Reconcile(brokers)
	return Result{Action: Forward, Frame: frame}, nil
}

// probeMetadataRequest builds the synthetic Metadata request
// EagerMetadataLearner sends upstream: a null topics array requests
// metadata for every topic, same as a real client's bootstrap Metadata
// call.
func probeMetadataRequest() *wire.Frame {
	body := kbin.AppendArrayLen(nil, -1)
	return &wire.Frame{
		Header: wire.Header{
			ApiKey:     ApiKeyMetadata,
			ApiVersion: metadataProbeVersion,
			Flexible:   false,
		},
		Payload: body,
	}
}

// BrokerAddressFilter rewrites broker host/port fields in Metadata,
// FindCoordinator and DescribeCluster responses to the virtual cluster's
// proxy-visible address, using its Policy. Direct generalization of the
// teacher's rewriteMetadataResponse to three response types and to the
// registry's per-broker policy instead of one hardcoded host/port pair.
type BrokerAddressFilter struct {
	Cluster *endpoint.VirtualCluster
}

func (f *BrokerAddressFilter) Name() string { return "broker-address" }

func (f *BrokerAddressFilter) OnRequest(_ context.Context, _ Context, frame *wire.Frame) (Result, error) {
	return Result{Action: Forward, Frame: frame}, nil
}

func (f *BrokerAddressFilter) OnResponse(_ context.Context, _ Context, frame *wire.Frame) (Result, error) {
	switch frame.Header.ApiKey {
	case ApiKeyMetadata:
		rewritten, err := rewriteMetadataResponse(frame, f.Cluster)
		if err != nil {
			return Result{Action: Forward, Frame: frame}, nil
		}
		return Result{Action: Forward, Frame: rewritten}, nil
	case ApiKeyFindCoordinator:
		rewritten, err := rewriteFindCoordinatorResponse(frame, f.Cluster)
		if err != nil {
			return Result{Action: Forward, Frame: frame}, nil
		}
		return Result{Action: Forward, Frame: rewritten}, nil
	case ApiKeyDescribeCluster:
		rewritten, err := rewriteDescribeClusterResponse(frame, f.Cluster)
		if err != nil {
			return Result{Action: Forward, Frame: frame}, nil
		}
		return Result{Action: Forward, Frame: rewritten}, nil
	default:
		return Result{Action: Forward, Frame: frame}, nil
	}
}

// decodeMetadataBrokers parses just the broker array out of a Metadata
// response, handling the flexible (compact array, v9+) and classic (int32
// array length) encodings the teacher's rewriteMetadataResponse already
// distinguishes.
func decodeMetadataBrokers(payload []byte, version int16, flexible bool) ([]endpoint.Broker, error) {
	b := kbin.Reader{Src: payload}
	if flexible {
		kbin.SkipTags(&b)
	}
	b.Int32() // throttle_time_ms (present v3+; harmless to read for v0-2 layouts we don't support rewriting)

	var n int
	if flexible {
		n = b.CompactArrayLen()
	} else {
		n = b.ArrayLen()
	}
	if n < 0 {
		n = 0
	}

	brokers := make([]endpoint.Broker, 0, n)
	for i := 0; i < n; i++ {
		nodeID := b.Int32()
		var host string
		if flexible {
			host = b.CompactString()
		} else {
			host = b.String()
		}
		port := b.Int32()
		var rack *string
		if flexible {
			rack = b.CompactNullableString()
			kbin.SkipTags(&b)
		} else if version >= 1 {
			rack = b.NullableString()
		}
		brokers = append(brokers, endpoint.Broker{NodeID: nodeID, Host: host, Port: port, Rack: rack})
	}
	return brokers, b.Complete()
}

// rewriteMetadataResponse rewrites the broker array of a Metadata response
// in place, using cluster.Resolve for each entry's proxy-visible address.
// The flexible/classic branch split mirrors the teacher's own
// rewriteMetadataResponse exactly; only the rewrite source (a policy lookup
// instead of one fixed host/port) differs.
func rewriteMetadataResponse(frame *wire.Frame, cluster *endpoint.VirtualCluster) (*wire.Frame, error) {
	flexible := frame.Header.Flexible
	version := frame.Header.ApiVersion

	r := kbin.Reader{Src: frame.Payload}
	out := make([]byte, 0, len(frame.Payload))

	if flexible {
		kbin.SkipTags(&r)
	}
	throttle := r.Int32()
	out = kbin.AppendInt32(out, throttle)
	if flexible {
		out = kbin.AppendUvarint(out, 0)
	}

	var n int
	if flexible {
		n = r.CompactArrayLen()
		out = kbin.AppendCompactArrayLen(out, n)
	} else {
		n = r.ArrayLen()
		out = kbin.AppendArrayLen(out, n)
	}
	if n < 0 {
		n = 0
	}

	for i := 0; i < n; i++ {
		nodeID := r.Int32()
		var host string
		if flexible {
			host = r.CompactString()
		} else {
			host = r.String()
		}
		port := r.Int32()
		var rack *string
		if flexible {
			rack = r.CompactNullableString()
			kbin.SkipTags(&r)
		} else if version >= 1 {
			rack = r.NullableString()
		}

		newHost, newPort, err := cluster.Resolve(endpoint.Broker{NodeID: nodeID, Host: host, Port: port, Rack: rack})
		if err != nil {
			newHost, newPort = host, port
		}

		out = kbin.AppendInt32(out, nodeID)
		if flexible {
			out = kbin.AppendCompactString(out, newHost)
		} else {
			out = kbin.AppendString(out, newHost)
		}
		out = kbin.AppendInt32(out, newPort)
		if flexible {
			out = kbin.AppendCompactNullableString(out, rack)
			out = kbin.AppendUvarint(out, 0)
		} else if version >= 1 {
			out = kbin.AppendNullableString(out, rack)
		}
	}

	// Everything past the broker array (cluster_id, controller_id, topics,
	// trailing tag buffer) is copied through verbatim: this filter only
	// ever needs to rewrite broker addresses.
	out = append(out, r.Src...)

	if err := r.Complete(); err != nil {
		return nil, err
	}

	result := frame.Clone()
	result.Payload = out
	return result, nil
}

// rewriteFindCoordinatorResponse rewrites the single inline broker
// (node_id/host/port) a FindCoordinator response carries. Layout differs
// from Metadata's (throttle_time_ms and error_message are absent in v0,
// there is exactly one broker rather than an array), so it gets its own
// decoder rather than reusing decodeMetadataBrokers/rewriteMetadataResponse.
func rewriteFindCoordinatorResponse(frame *wire.Frame, cluster *endpoint.VirtualCluster) (*wire.Frame, error) {
	flexible := frame.Header.Flexible
	version := frame.Header.ApiVersion

	r := kbin.Reader{Src: frame.Payload}
	out := make([]byte, 0, len(frame.Payload))

	if flexible {
		kbin.SkipTags(&r)
	}

	if version >= 1 {
		out = kbin.AppendInt32(out, r.Int32()) // throttle_time_ms
	}
	out = kbin.AppendInt16(out, r.Int16()) // error_code

	if version >= 1 {
		if flexible {
			out = kbin.AppendCompactNullableString(out, r.CompactNullableString())
		} else {
			out = kbin.AppendNullableString(out, r.NullableString())
		}
	}

	nodeID := r.Int32()
	var host string
	if flexible {
		host = r.CompactString()
	} else {
		host = r.String()
	}
	port := r.Int32()

	newHost, newPort, err := cluster.Resolve(endpoint.Broker{NodeID: nodeID, Host: host, Port: port})
	if err != nil {
		newHost, newPort = host, port
	}

	out = kbin.AppendInt32(out, nodeID)
	if flexible {
		out = kbin.AppendCompactString(out, newHost)
	} else {
		out = kbin.AppendString(out, newHost)
	}
	out = kbin.AppendInt32(out, newPort)

	if flexible {
		kbin.SkipTags(&r)
		out = kbin.AppendUvarint(out, 0)
	}

	out = append(out, r.Src...)
	if err := r.Complete(); err != nil {
		return nil, err
	}

	result := frame.Clone()
	result.Payload = out
	return result, nil
}

// rewriteDescribeClusterResponse rewrites the broker array of a
// DescribeCluster response. DescribeCluster is flexible from v0 (KIP-700
// postdates the flexible-versions cutover), so unlike Metadata and
// FindCoordinator there is no classic-encoding branch to support.
func rewriteDescribeClusterResponse(frame *wire.Frame, cluster *endpoint.VirtualCluster) (*wire.Frame, error) {
	r := kbin.Reader{Src: frame.Payload}
	out := make([]byte, 0, len(frame.Payload))

	kbin.SkipTags(&r)

	out = kbin.AppendInt32(out, r.Int32())                            // throttle_time_ms
	out = kbin.AppendInt16(out, r.Int16())                            // error_code
	out = kbin.AppendCompactNullableString(out, r.CompactNullableString()) // error_message
	out = kbin.AppendCompactString(out, r.CompactString())            // cluster_id
	out = kbin.AppendInt32(out, r.Int32())                            // controller_id

	n := r.CompactArrayLen()
	out = kbin.AppendCompactArrayLen(out, n)
	if n < 0 {
		n = 0
	}

	for i := 0; i < n; i++ {
		brokerID := r.Int32()
		host := r.CompactString()
		port := r.Int32()
		rack := r.CompactNullableString()
		kbin.SkipTags(&r)

		newHost, newPort, err := cluster.Resolve(endpoint.Broker{NodeID: brokerID, Host: host, Port: port, Rack: rack})
		if err != nil {
			newHost, newPort = host, port
		}

		out = kbin.AppendInt32(out, brokerID)
		out = kbin.AppendCompactString(out, newHost)
		out = kbin.AppendInt32(out, newPort)
		out = kbin.AppendCompactNullableString(out, rack)
		out = kbin.AppendUvarint(out, 0)
	}

	// cluster_authorized_operations and the trailing tag buffer are
	// copied through verbatim.
	out = append(out, r.Src...)
	if err := r.Complete(); err != nil {
		return nil, err
	}

	result := frame.Clone()
	result.Payload = out
	return result, nil
}
