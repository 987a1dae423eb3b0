package encryption

import (
	"context"
	"hash/crc32"
	"testing"
	"time"

	kmswrapping "github.com/hashicorp/go-kms-wrapping/v2"
	"github.com/hashicorp/go-kms-wrapping/v2/aead"
	"github.com/twmb/franz-go/pkg/kbin"

	"github.com/kroxyproxy/kroxy/internal/dek"
	"github.com/kroxyproxy/kroxy/internal/kms"
	"github.com/kroxyproxy/kroxy/internal/wire"
)

func newTestFilter(t *testing.T) *RecordFilter {
	t.Helper()
	w := aead.NewWrapper()
	_, err := w.SetConfig(context.Background(),
		aead.WithAeadType(kmswrapping.AeadTypeAesGcm),
		aead.WithHashType(kmswrapping.HashTypeSha256),
		kmswrapping.WithKeyId("orders-kek"),
	)
	if err != nil {
		t.Fatalf("wrapper config: %v", err)
	}
	key := make([]byte, 32)
	if err := w.SetAesGcmKeyBytes(key); err != nil {
		t.Fatalf("set key: %v", err)
	}

	k := kms.New("test", w, nil, kms.DefaultConfig())
	d := dek.NewManager(k, nil, time.Hour, 1000)

	return &RecordFilter{
		Selector: StaticKekSelector{Enabled: true, DefaultAlias: "orders-kek"},
		Kms:      k,
		Dek:      d,
	}
}

func TestEncryptDecryptValueRoundTrip(t *testing.T) {
	f := newTestFilter(t)
	aad := []byte("topic=orders")

	ciphertext, err := f.EncryptValue(context.Background(), "orders", aad, []byte("card-number-4242"), nil)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if string(ciphertext) == "card-number-4242" {
		t.Fatal("encrypted value must not equal plaintext")
	}

	plain, err := f.DecryptValue(context.Background(), "orders-kek", aad, ciphertext)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if string(plain) != "card-number-4242" {
		t.Fatalf("expected decrypted value to round-trip, got %q", plain)
	}
}

func TestEncryptValueSkipsDisabledTopic(t *testing.T) {
	f := newTestFilter(t)
	f.Selector = StaticKekSelector{Enabled: false}

	out, err := f.EncryptValue(context.Background(), "public-topic", nil, []byte("plaintext"), nil)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if string(out) != "plaintext" {
		t.Fatal("disabled selector must pass the value through unchanged")
	}
}

// oneRecordBatch builds a minimal uncompressed RecordBatch v2 carrying a
// single record, for exercising rewriteRecords/OnRequest/OnResponse without
// needing a real client or broker.
func oneRecordBatch(key, value []byte, headers []ParcelHeader) []byte {
	recBody := []byte{}
	recBody = kbin.AppendInt8(recBody, 0)
	recBody = kbin.AppendVarlong(recBody, 0)
	recBody = kbin.AppendVarint(recBody, 0)
	recBody = appendVarintBytes(recBody, key)
	recBody = appendVarintBytes(recBody, value)
	recBody = kbin.AppendVarint(recBody, int32(len(headers)))
	for _, h := range headers {
		recBody = appendVarintBytes(recBody, []byte(h.Key))
		recBody = appendVarintBytes(recBody, h.Value)
	}
	body := kbin.AppendVarint(nil, int32(len(recBody)))
	body = append(body, recBody...)

	header := kbin.AppendInt64(nil, 0) // baseOffset
	header = kbin.AppendInt32(header, 0) // batchLength, patched below
	header = kbin.AppendInt32(header, 0) // partitionLeaderEpoch
	header = kbin.AppendInt8(header, 2) // magic
	header = kbin.AppendInt32(header, 0) // crc, patched below
	header = kbin.AppendInt16(header, 0) // attributes (no compression)
	header = kbin.AppendInt32(header, 0) // lastOffsetDelta
	header = kbin.AppendInt64(header, 0) // firstTimestamp
	header = kbin.AppendInt64(header, 0) // maxTimestamp
	header = kbin.AppendInt64(header, -1) // producerId
	header = kbin.AppendInt16(header, -1) // producerEpoch
	header = kbin.AppendInt32(header, -1) // baseSequence
	header = kbin.AppendInt32(header, 1) // recordsCount

	out := append(header, body...)
	putInt32At(out, 8, int32(len(out)-12))
	putInt32At(out, 17, int32(crc32.Checksum(out[21:], crc32cTable)))
	return out
}

func TestRecordFilterEncryptsProduceAndDecryptsFetch(t *testing.T) {
	f := newTestFilter(t)
	records := oneRecordBatch([]byte("k1"), []byte("card-number-4242"), nil)

	produceReq := buildProduceRequest(t, "orders", 0, records)
	res, err := f.OnRequest(context.Background(), nil, produceReq)
	if err != nil {
		t.Fatalf("OnRequest: %v", err)
	}

	encryptedRecords := extractProduceRecords(t, res.Frame.Payload)
	if string(encryptedRecords) == string(records) {
		t.Fatal("produce record batch must be rewritten when its topic is encrypted")
	}

	fetchResp := buildFetchResponse(t, "orders", encryptedRecords)
	res, err = f.OnResponse(context.Background(), nil, fetchResp)
	if err != nil {
		t.Fatalf("OnResponse: %v", err)
	}

	decryptedRecords := extractFetchRecords(t, res.Frame.Payload)
	b := kbin.Reader{Src: decryptedRecords}
	b.Int64() // baseOffset
	b.Int32() // batchLength
	b.Int32() // partitionLeaderEpoch
	b.Int8()  // magic
	b.Int32() // crc
	b.Int16() // attributes
	b.Int32() // lastOffsetDelta
	b.Int64() // firstTimestamp
	b.Int64() // maxTimestamp
	b.Int64() // producerId
	b.Int16() // producerEpoch
	b.Int32() // baseSequence
	b.Int32() // recordsCount
	b.Varint()
	b.Int8()
	b.Varlong()
	b.Varint()
	decKey := readVarintBytes(&b)
	decValue := readVarintBytes(&b)

	if string(decKey) != "k1" {
		t.Fatalf("record key must survive the round trip unchanged, got %q", decKey)
	}
	if string(decValue) != "card-number-4242" {
		t.Fatalf("expected decrypted fetch value to round-trip, got %q", decValue)
	}
}

func buildProduceRequest(t *testing.T, topic string, partition int32, records []byte) *wire.Frame {
	t.Helper()
	out := kbin.AppendNullableString(nil, nil) // transactional_id
	out = kbin.AppendInt16(out, 1)              // acks
	out = kbin.AppendInt32(out, 1000)           // timeout_ms
	out = kbin.AppendArrayLen(out, 1)           // topics
	out = kbin.AppendString(out, topic)
	out = kbin.AppendArrayLen(out, 1) // partitions
	out = kbin.AppendInt32(out, partition)
	out = kbin.AppendNullableBytes(out, records)
	return &wire.Frame{
		Header:  wire.Header{ApiKey: ApiKeyProduce, ApiVersion: 7, Flexible: false},
		Payload: out,
	}
}

func extractProduceRecords(t *testing.T, payload []byte) []byte {
	t.Helper()
	r := kbin.Reader{Src: payload}
	r.NullableString()
	r.Int16()
	r.Int32()
	n := r.ArrayLen()
	if n != 1 {
		t.Fatalf("expected 1 topic, got %d", n)
	}
	r.String()
	np := r.ArrayLen()
	if np != 1 {
		t.Fatalf("expected 1 partition, got %d", np)
	}
	r.Int32()
	return r.NullableBytes()
}

func buildFetchResponse(t *testing.T, topic string, records []byte) *wire.Frame {
	t.Helper()
	out := kbin.AppendInt32(nil, 0) // throttle_time_ms
	out = kbin.AppendArrayLen(out, 1)
	out = kbin.AppendString(out, topic)
	out = kbin.AppendArrayLen(out, 1)
	out = kbin.AppendInt32(out, 0) // partition_index
	out = kbin.AppendInt16(out, 0) // error_code
	out = kbin.AppendInt64(out, 0) // high_watermark
	out = kbin.AppendInt64(out, 0) // last_stable_offset
	out = kbin.AppendArrayLen(out, 0) // aborted_transactions
	out = kbin.AppendNullableBytes(out, records)
	return &wire.Frame{
		Header:  wire.Header{ApiKey: ApiKeyFetch, ApiVersion: fetchResponseSupportedVersion, Flexible: false},
		Payload: out,
	}
}

func extractFetchRecords(t *testing.T, payload []byte) []byte {
	t.Helper()
	r := kbin.Reader{Src: payload}
	r.Int32()
	n := r.ArrayLen()
	if n != 1 {
		t.Fatalf("expected 1 topic, got %d", n)
	}
	r.String()
	np := r.ArrayLen()
	if np != 1 {
		t.Fatalf("expected 1 partition, got %d", np)
	}
	r.Int32()
	r.Int16()
	r.Int64()
	r.Int64()
	r.ArrayLen()
	return r.NullableBytes()
}
