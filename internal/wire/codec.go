package wire

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/twmb/franz-go/pkg/kbin"
)

// MaxFrameSize bounds the length prefix accepted from either side of a
// connection pair; a frame declaring a larger size is treated as malformed
// rather than causing an unbounded allocation.
const MaxFrameSize = 100 << 20

// flexibleRequestVersions/flexibleResponseVersions below are intentionally
// absent: flexibility is carried per-request by the caller. No ApiVersions
// cache exists anywhere in the proxy to derive it from; ConnectionPair
// always decodes request headers as non-flexible.

// ReadRequestFrame reads one length-prefixed request off r and decodes its
// header, leaving Payload positioned at the first byte of the request body.
func ReadRequestFrame(r *bufio.Reader, flexible bool) (*Frame, error) {
	raw, err := readLengthPrefixed(r)
	if err != nil {
		return nil, err
	}
	return decodeRequestHeader(raw, flexible)
}

// ReadResponseFrame reads one length-prefixed response off r. The caller
// must already know whether the response header is flexible, taken from the
// matching request's CorrelationEntry.
func ReadResponseFrame(r *bufio.Reader, flexible bool) (*Frame, error) {
	raw, err := ReadRawFrame(r)
	if err != nil {
		return nil, err
	}
	return decodeResponseHeader(raw, flexible)
}

// ReadRawFrame reads one length-prefixed frame and returns its raw body
// bytes unparsed, for callers (like the response path) that must peek the
// correlation id before they know whether the frame is flexible.
func ReadRawFrame(r *bufio.Reader) ([]byte, error) {
	return readLengthPrefixed(r)
}

// PeekCorrelationID reads a response's 4-byte correlation id off the front
// of its raw body, without consuming the rest.
func PeekCorrelationID(raw []byte) (int32, error) {
	if len(raw) < 4 {
		return 0, malformed("response shorter than correlation id")
	}
	return int32(binary.BigEndian.Uint32(raw[:4])), nil
}

func readLengthPrefixed(r *bufio.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	size := binary.BigEndian.Uint32(lenBuf[:])
	if size == 0 || size > MaxFrameSize {
		return nil, malformed(fmt.Sprintf("declared size %d out of range", size))
	}
	buf := make([]byte, size)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// ApiKeyProduce is the Kafka api key for Produce requests, named the way
// broker_address.go names its own api keys.
const ApiKeyProduce int16 = 0

// ProbeProduceAcks reads just the acks field out of a Produce request body,
// without decoding the topic/partition/record-batch data that follows it.
// The Produce body layout places transactional_id (nullable string, present
// v3+) directly ahead of acks, so this only needs to skip that one field
// rather than walk the whole request.
func ProbeProduceAcks(payload []byte, apiVersion int16, flexible bool) (int16, error) {
	b := kbin.Reader{Src: payload}
	if apiVersion >= 3 {
		if flexible {
			b.CompactNullableString()
		} else {
			b.NullableString()
		}
	}
	acks := b.Int16()
	if err := b.Complete(); err != nil {
		return 0, fmt.Errorf("%w: produce acks: %v", ErrMalformedFrame, err)
	}
	return acks, nil
}

// DecodeRequestFrame parses a raw request body (as returned by
// ReadRawFrame) into a Frame.
func DecodeRequestFrame(raw []byte, flexible bool) (*Frame, error) {
	return decodeRequestHeader(raw, flexible)
}

func decodeRequestHeader(raw []byte, flexible bool) (*Frame, error) {
	b := kbin.Reader{Src: raw}
	apiKey := b.Int16()
	apiVersion := b.Int16()
	corrID := b.Int32()
	clientID := b.NullableString()
	if flexible {
		kbin.SkipTags(&b)
	}
	if err := b.Complete(); err != nil {
		return nil, fmt.Errorf("%w: request header: %v", ErrMalformedFrame, err)
	}
	client := ""
	if clientID != nil {
		client = *clientID
	}
	return &Frame{
		Kind: DecodedRequest,
		Header: Header{
			ApiKey:        apiKey,
			ApiVersion:    apiVersion,
			CorrelationID: corrID,
			ClientID:      client,
			Flexible:      flexible,
		},
		Payload: b.Src,
	}, nil
}

// DecodeResponseFrame parses a raw response body (as returned by
// ReadRawFrame) into a Frame, given whether its header is flexible.
func DecodeResponseFrame(raw []byte, flexible bool) (*Frame, error) {
	return decodeResponseHeader(raw, flexible)
}

func decodeResponseHeader(raw []byte, flexible bool) (*Frame, error) {
	b := kbin.Reader{Src: raw}
	corrID := b.Int32()
	if flexible {
		kbin.SkipTags(&b)
	}
	return &Frame{
		Kind: DecodedResponse,
		Header: Header{
			CorrelationID: corrID,
			Flexible:      flexible,
		},
		Payload: b.Src,
	}, nil
}

// WriteRequestFrame re-serializes f as a length-prefixed request frame,
// rewriting the correlation id to corrID (the upstream-facing id minted by
// the correlation manager).
func WriteRequestFrame(w io.Writer, f *Frame, corrID int32) error {
	body := make([]byte, 0, 8+len(f.ClientIDBytes())+len(f.Payload))
	body = kbin.AppendInt16(body, f.Header.ApiKey)
	body = kbin.AppendInt16(body, f.Header.ApiVersion)
	body = kbin.AppendInt32(body, corrID)
	body = kbin.AppendNullableString(body, nullableClientID(f.Header.ClientID))
	if f.Header.Flexible {
		body = kbin.AppendUvarint(body, 0) // empty tag buffer
	}
	body = append(body, f.Payload...)
	return writeLengthPrefixed(w, body)
}

// WriteResponseFrame re-serializes f as a length-prefixed response frame,
// rewriting the correlation id to corrID (the downstream-facing id the
// client originally sent).
func WriteResponseFrame(w io.Writer, f *Frame, corrID int32) error {
	body := make([]byte, 0, 4+len(f.Payload))
	body = kbin.AppendInt32(body, corrID)
	if f.Header.Flexible {
		body = kbin.AppendUvarint(body, 0)
	}
	body = append(body, f.Payload...)
	return writeLengthPrefixed(w, body)
}

func writeLengthPrefixed(w io.Writer, body []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(body)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(body)
	return err
}

// WriteOpaqueFrame copies an Opaque frame through unchanged except for the
// correlation id, without touching anything past the first four header
// bytes already parsed by the correlation manager.
func WriteOpaqueFrame(w io.Writer, header [8]byte, rest []byte, corrID int32) error {
	var hdr [8]byte
	copy(hdr[:], header[:])
	binary.BigEndian.PutUint32(hdr[4:8], uint32(corrID))
	body := make([]byte, 0, 8+len(rest))
	body = append(body, hdr[:]...)
	body = append(body, rest...)
	return writeLengthPrefixed(w, body)
}

func nullableClientID(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// ClientIDBytes is a cheap capacity hint for WriteRequestFrame's buffer
// preallocation; it never allocates when ClientID is empty.
func (f *Frame) ClientIDBytes() []byte {
	if f.Header.ClientID == "" {
		return nil
	}
	return []byte(f.Header.ClientID)
}
