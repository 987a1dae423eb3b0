package encryption

import (
	"fmt"
	"hash/crc32"

	"github.com/twmb/franz-go/pkg/kbin"

	"github.com/kroxyproxy/kroxy/internal/wire"
)

var crc32cTable = crc32.MakeTable(crc32.Castagnoli)

// recordRewriter rewrites one record's value and headers while
// rewriteRecords walks a RecordBatch v2 byte string. changed tells the
// caller whether the record actually needs re-encoding; a rewriter that
// leaves every record alone (a topic with nothing to encrypt, or a fetch
// batch carrying no marker headers) never forces a batch to be rebuilt.
type recordRewriter func(key, value []byte, headers []ParcelHeader) (newValue []byte, newHeaders []ParcelHeader, changed bool, err error)

// partitionRewriter rewrites a whole partition's records field, the unit
// RecordFilter.OnRequest/OnResponse operate on once they've located a
// Produce/Fetch partition entry.
type partitionRewriter func(topic string, records []byte) ([]byte, error)

// compressionCodecMask picks out attributes bits 0-2, the compression codec
// of a RecordBatch v2 batch. Compressed batches are forwarded unrewritten
// rather than decompressed and recompressed (see DESIGN.md); only
// uncompressed Produce/Fetch traffic is encrypted or decrypted in place.
const compressionCodecMask = 0x7

// batchHeaderSize is baseOffset(8) + batchLength(4) + partitionLeaderEpoch(4)
// + magic(1) + crc(4) + attributes(2) + lastOffsetDelta(4) +
// firstTimestamp(8) + maxTimestamp(8) + producerId(8) + producerEpoch(2) +
// baseSequence(4) + recordsCount(4): everything ahead of the first record.
const batchHeaderSize = 8 + 4 + 4 + 1 + 4 + 2 + 4 + 8 + 8 + 8 + 2 + 4 + 4

// rewriteRecords walks every RecordBatch v2 batch concatenated in records,
// applying rewrite to each record's value/headers and recomputing the
// batch's length and CRC32-C only for batches where at least one record
// actually changed.
func rewriteRecords(records []byte, rewrite recordRewriter) ([]byte, error) {
	out := make([]byte, 0, len(records))
	src := records
	for len(src) > 0 {
		batch, rest, err := splitBatch(src)
		if err != nil {
			return nil, err
		}
		rewritten, err := rewriteBatch(batch, rewrite)
		if err != nil {
			return nil, err
		}
		out = append(out, rewritten...)
		src = rest
	}
	return out, nil
}

// splitBatch reads one RecordBatch v2 batch's baseOffset/batchLength prefix
// to find where it ends and returns (batch, remaining bytes).
func splitBatch(src []byte) (batch, rest []byte, err error) {
	if len(src) < 12 {
		return nil, nil, fmt.Errorf("record-encryption: truncated record batch header (%d bytes)", len(src))
	}
	b := kbin.Reader{Src: src}
	b.Int64() // baseOffset
	batchLength := b.Int32()
	total := 12 + int(batchLength)
	if total < batchHeaderSize || total > len(src) {
		return nil, nil, fmt.Errorf("record-encryption: record batch length %d out of range", batchLength)
	}
	return src[:total], src[total:], nil
}

type decodedRecord struct {
	timestampDelta int64
	offsetDelta    int32
	key            []byte
	value          []byte
	headers        []ParcelHeader
}

// rewriteBatch decodes one batch's records, applies rewrite to each, and
// re-encodes the batch (recomputing length and CRC32-C) only if rewrite
// changed at least one record.
func rewriteBatch(batch []byte, rewrite recordRewriter) ([]byte, error) {
	b := kbin.Reader{Src: batch}

	baseOffset := b.Int64()
	b.Int32() // batchLength, recomputed below if anything changes
	partitionLeaderEpoch := b.Int32()
	magic := b.Int8()
	b.Int32() // crc, recomputed below if anything changes
	attributes := b.Int16()
	lastOffsetDelta := b.Int32()
	firstTimestamp := b.Int64()
	maxTimestamp := b.Int64()
	producerID := b.Int64()
	producerEpoch := b.Int16()
	baseSequence := b.Int32()
	recordsCount := b.Int32()

	if int(attributes)&compressionCodecMask != 0 {
		return batch, nil
	}

	records := make([]decodedRecord, 0, recordsCount)
	for i := int32(0); i < recordsCount; i++ {
		length := b.Varint()
		before := len(b.Src)

		b.Int8() // record-level attributes, always 0
		tsDelta := b.Varlong()
		offDelta := b.Varint()
		key := readVarintBytes(&b)
		value := readVarintBytes(&b)
		hdrCount := b.Varint()
		headers := make([]ParcelHeader, 0, hdrCount)
		for j := int32(0); j < hdrCount; j++ {
			hk := readVarintBytes(&b)
			hv := readVarintBytes(&b)
			headers = append(headers, ParcelHeader{Key: string(hk), Value: hv})
		}

		if consumed := before - len(b.Src); consumed != int(length) {
			return nil, fmt.Errorf("record-encryption: record %d length mismatch: declared %d, consumed %d", i, length, consumed)
		}
		records = append(records, decodedRecord{
			timestampDelta: tsDelta,
			offsetDelta:    offDelta,
			key:            key,
			value:          value,
			headers:        headers,
		})
	}
	if err := b.Complete(); err != nil {
		return nil, fmt.Errorf("record-encryption: decode record batch: %w", err)
	}

	anyChanged := false
	for i := range records {
		newValue, newHeaders, changed, err := rewrite(records[i].key, records[i].value, records[i].headers)
		if err != nil {
			return nil, err
		}
		if changed {
			records[i].value = newValue
			records[i].headers = newHeaders
			anyChanged = true
		}
	}
	if !anyChanged {
		return batch, nil
	}

	body := make([]byte, 0, len(batch))
	for _, rec := range records {
		recBody := make([]byte, 0, 32+len(rec.key)+len(rec.value))
		recBody = kbin.AppendInt8(recBody, 0)
		recBody = kbin.AppendVarlong(recBody, rec.timestampDelta)
		recBody = kbin.AppendVarint(recBody, rec.offsetDelta)
		recBody = appendVarintBytes(recBody, rec.key)
		recBody = appendVarintBytes(recBody, rec.value)
		recBody = kbin.AppendVarint(recBody, int32(len(rec.headers)))
		for _, h := range rec.headers {
			recBody = appendVarintBytes(recBody, []byte(h.Key))
			recBody = appendVarintBytes(recBody, h.Value)
		}
		body = kbin.AppendVarint(body, int32(len(recBody)))
		body = append(body, recBody...)
	}

	header := make([]byte, 0, batchHeaderSize)
	header = kbin.AppendInt64(header, baseOffset)
	header = kbin.AppendInt32(header, 0) // batchLength, patched below
	header = kbin.AppendInt32(header, partitionLeaderEpoch)
	header = kbin.AppendInt8(header, magic)
	header = kbin.AppendInt32(header, 0) // crc, patched below
	header = kbin.AppendInt16(header, attributes)
	header = kbin.AppendInt32(header, lastOffsetDelta)
	header = kbin.AppendInt64(header, firstTimestamp)
	header = kbin.AppendInt64(header, maxTimestamp)
	header = kbin.AppendInt64(header, producerID)
	header = kbin.AppendInt16(header, producerEpoch)
	header = kbin.AppendInt32(header, baseSequence)
	header = kbin.AppendInt32(header, int32(len(records)))

	out := append(header, body...)

	putInt32At(out, 8, int32(len(out)-12))
	// crc covers everything from attributes (the byte right after the crc
	// field) through the end of the batch.
	putInt32At(out, 17, int32(crc32.Checksum(out[21:], crc32cTable)))

	return out, nil
}

func readVarintBytes(b *kbin.Reader) []byte {
	n := b.Varint()
	if n < 0 {
		return nil
	}
	return b.Span(int(n))
}

func appendVarintBytes(dst, v []byte) []byte {
	if v == nil {
		return kbin.AppendVarint(dst, -1)
	}
	dst = kbin.AppendVarint(dst, int32(len(v)))
	return append(dst, v...)
}

func putInt32At(b []byte, offset int, v int32) {
	b[offset] = byte(v >> 24)
	b[offset+1] = byte(v >> 16)
	b[offset+2] = byte(v >> 8)
	b[offset+3] = byte(v)
}

// countEncryptableRecords walks records without mutating anything, counting
// how many carry a non-null value, so encryptPartitionRecords can reserve
// exactly that many units of DEK budget up front via a single Acquire call
// rather than one Acquire per record.
func countEncryptableRecords(records []byte) (int, error) {
	count := 0
	_, err := rewriteRecords(records, func(_, value []byte, headers []ParcelHeader) ([]byte, []ParcelHeader, bool, error) {
		if value != nil {
			count++
		}
		return value, headers, false, nil
	})
	return count, err
}

// rewriteProduceRequest walks a non-flexible Produce request's
// topic/partition structure, handing each partition's records field to
// rewritePartition. Flexible (v9+) Produce requests are forwarded
// unrewritten: this proxy's Produce-body decoding only covers the classic
// encoding, the same narrow-version-support pattern the broker-address
// filter already uses for its own synthetic Metadata probe.
func rewriteProduceRequest(frame *wire.Frame, rewritePartition partitionRewriter) (*wire.Frame, error) {
	if frame.Header.Flexible || frame.Header.ApiVersion >= 9 {
		return frame, nil
	}
	version := frame.Header.ApiVersion

	r := kbin.Reader{Src: frame.Payload}
	out := make([]byte, 0, len(frame.Payload))

	if version >= 3 {
		out = kbin.AppendNullableString(out, r.NullableString())
	}
	out = kbin.AppendInt16(out, r.Int16()) // acks
	out = kbin.AppendInt32(out, r.Int32()) // timeout_ms

	topicCount := r.ArrayLen()
	out = kbin.AppendArrayLen(out, topicCount)
	if topicCount < 0 {
		topicCount = 0
	}
	for i := 0; i < topicCount; i++ {
		name := r.String()
		out = kbin.AppendString(out, name)

		partCount := r.ArrayLen()
		out = kbin.AppendArrayLen(out, partCount)
		if partCount < 0 {
			partCount = 0
		}
		for j := 0; j < partCount; j++ {
			out = kbin.AppendInt32(out, r.Int32()) // partition_index

			recs := r.NullableBytes()
			if recs != nil {
				rewritten, err := rewritePartition(name, recs)
				if err != nil {
					return nil, fmt.Errorf("record-encryption: rewrite produce records for %q/%d: %w", name, j, err)
				}
				recs = rewritten
			}
			out = kbin.AppendNullableBytes(out, recs)
		}
	}

	out = append(out, r.Src...)
	if err := r.Complete(); err != nil {
		return nil, fmt.Errorf("record-encryption: decode produce request: %w", err)
	}

	result := frame.Clone()
	result.Payload = out
	return result, nil
}

// fetchResponseSupportedVersion is the only Fetch response version this
// proxy knows how to re-encode byte-for-byte after decrypting records: v4
// introduced last_stable_offset and aborted_transactions, and the next
// structural change (v12's flexible encoding) is out of scope here the same
// way Produce's flexible versions are. Any other version, or a flexible
// frame, is forwarded as-is; a consumer reading it sees ciphertext but can
// still detect it via the marker header.
const fetchResponseSupportedVersion int16 = 4

// rewriteFetchResponse walks a Fetch response matching
// fetchResponseSupportedVersion, handing each partition's records field to
// rewritePartition.
func rewriteFetchResponse(frame *wire.Frame, rewritePartition partitionRewriter) (*wire.Frame, error) {
	if frame.Header.Flexible || frame.Header.ApiVersion != fetchResponseSupportedVersion {
		return frame, nil
	}

	r := kbin.Reader{Src: frame.Payload}
	out := make([]byte, 0, len(frame.Payload))

	out = kbin.AppendInt32(out, r.Int32()) // throttle_time_ms

	topicCount := r.ArrayLen()
	out = kbin.AppendArrayLen(out, topicCount)
	if topicCount < 0 {
		topicCount = 0
	}
	for i := 0; i < topicCount; i++ {
		name := r.String()
		out = kbin.AppendString(out, name)

		partCount := r.ArrayLen()
		out = kbin.AppendArrayLen(out, partCount)
		if partCount < 0 {
			partCount = 0
		}
		for j := 0; j < partCount; j++ {
			out = kbin.AppendInt32(out, r.Int32()) // partition_index
			out = kbin.AppendInt16(out, r.Int16()) // error_code
			out = kbin.AppendInt64(out, r.Int64()) // high_watermark
			out = kbin.AppendInt64(out, r.Int64()) // last_stable_offset

			abortedCount := r.ArrayLen()
			out = kbin.AppendArrayLen(out, abortedCount)
			if abortedCount < 0 {
				abortedCount = 0
			}
			for k := 0; k < abortedCount; k++ {
				out = kbin.AppendInt64(out, r.Int64()) // producer_id
				out = kbin.AppendInt64(out, r.Int64()) // first_offset
			}

			recs := r.NullableBytes()
			if recs != nil {
				rewritten, err := rewritePartition(name, recs)
				if err != nil {
					return nil, fmt.Errorf("record-encryption: rewrite fetch records for %q/%d: %w", name, j, err)
				}
				recs = rewritten
			}
			out = kbin.AppendNullableBytes(out, recs)
		}
	}

	out = append(out, r.Src...)
	if err := r.Complete(); err != nil {
		return nil, fmt.Errorf("record-encryption: decode fetch response: %w", err)
	}

	result := frame.Clone()
	result.Payload = out
	return result, nil
}
