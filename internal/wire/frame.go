// Package wire implements the Kafka length-prefixed frame codec: reading and
// writing whole frames off a connection, and decoding/re-encoding just the
// request/response header fields a filter chain needs to inspect, without
// requiring every filter to understand the full Kafka protocol.
package wire

import (
	"errors"
	"fmt"
)

// ErrMalformedFrame is returned when a frame's declared length or header
// fields are inconsistent with the bytes actually present.
var ErrMalformedFrame = errors.New("wire: malformed frame")

// Kind tags a Frame with how much of it has been interpreted, mirroring the
// proxy's rule that a frame is decoded only when some filter needs it.
type Kind int

const (
	// Opaque frames are forwarded byte-for-byte; only the correlation id
	// has been peeked at.
	Opaque Kind = iota
	// DecodedRequest frames have a parsed request header and, where a
	// filter asked for it, a parsed body.
	DecodedRequest
	// DecodedResponse frames have a parsed response header and, where a
	// filter asked for it, a parsed body.
	DecodedResponse
	// InternalRequest frames are synthesized by a filter and never
	// appeared on the wire; they carry a filterHandle instead of a
	// downstream correlation id.
	InternalRequest
	// InternalResponse frames answer an InternalRequest and are consumed
	// by the filter chain, never forwarded.
	InternalResponse
)

func (k Kind) String() string {
	switch k {
	case Opaque:
		return "opaque"
	case DecodedRequest:
		return "decoded-request"
	case DecodedResponse:
		return "decoded-response"
	case InternalRequest:
		return "internal-request"
	case InternalResponse:
		return "internal-response"
	default:
		return "unknown"
	}
}

// Header holds the fields every request frame carries ahead of its body.
type Header struct {
	ApiKey        int16
	ApiVersion    int16
	CorrelationID int32
	ClientID      string
	Flexible      bool
}

// Frame is a single Kafka request or response as it moves through a
// ConnectionPair's filter chain. Payload holds the body bytes following the
// decoded header (see the Payload field for the response tag buffer);
// Header is populated once the frame has been decoded at least once.
type Frame struct {
	Kind Kind

	// Header is valid for DecodedRequest/InternalRequest frames. Decoding a
	// response fills in only CorrelationID and Flexible; ConnectionPair then
	// copies the matching request's api key and version into it
	// (responses need both to decode their own body).
	Header Header

	// FilterHandle identifies an InternalRequest/InternalResponse pair;
	// it is meaningless for frames that crossed the wire.
	FilterHandle uint64

	// Payload is the frame body: for a request, everything after the
	// header; for a response, everything after correlation_id. A response
	// decoded as flexible has its header tag buffer consumed, not kept in
	// Payload (WriteResponseFrame writes an empty one back); one decoded as
	// non-flexible keeps any tag buffer at the front of Payload.
	Payload []byte
}

// Clone returns a deep copy of the frame, used when a filter needs to
// inspect a frame without letting mutation leak back into the chain before
// the filter has returned its verdict.
func (f *Frame) Clone() *Frame {
	cp := *f
	cp.Payload = append([]byte(nil), f.Payload...)
	return &cp
}

func malformed(reason string) error {
	return fmt.Errorf("%w: %s", ErrMalformedFrame, reason)
}
