package encryption

import (
	"context"
	"fmt"

	"github.com/kroxyproxy/kroxy/internal/dek"
	"github.com/kroxyproxy/kroxy/internal/filter"
	"github.com/kroxyproxy/kroxy/internal/kms"
	"github.com/kroxyproxy/kroxy/internal/wire"
)

// Kafka api keys this filter intercepts.
const (
	ApiKeyProduce int16 = 0
	ApiKeyFetch   int16 = 1
)

// KekSelector picks which KEK alias protects a given topic, the
// configurable part of spec.md §4.8's EncryptionScheme.
type KekSelector interface {
	KekAliasFor(topic string) (alias string, encrypt bool)
}

// StaticKekSelector maps topic name to KEK alias from a fixed table, with a
// default alias for topics not explicitly listed.
type StaticKekSelector struct {
	ByTopic      map[string]string
	DefaultAlias string
	Enabled      bool
}

// KekAliasFor implements KekSelector.
func (s StaticKekSelector) KekAliasFor(topic string) (string, bool) {
	if !s.Enabled {
		return "", false
	}
	if alias, ok := s.ByTopic[topic]; ok {
		return alias, true
	}
	if s.DefaultAlias != "" {
		return s.DefaultAlias, true
	}
	return "", false
}

// RecordFilter is the produce-path-encrypt/fetch-path-decrypt filter: it
// walks a Produce request's or Fetch response's record batches
// (recordbatch.go) and encrypts or decrypts each record's value in place,
// tagging an encrypted record with markerHeaderKey so the fetch path knows
// which KEK to decrypt it under without re-consulting the selector.
type RecordFilter struct {
	Selector KekSelector
	Kms      *kms.KMS
	Dek      *dek.Manager
}

func (f *RecordFilter) Name() string { return "record-encryption" }

// EncryptValue replaces a Produce record's plaintext value with a
// RecordWrapper, acquiring the topic's live DEK from the DEK manager and
// using its already-wrapped EDEK as the wrapper's edek field — the produce
// path never calls the KMS directly, only through the DEK manager's cache.
func (f *RecordFilter) EncryptValue(ctx context.Context, topic string, aad, value []byte, headers []ParcelHeader) ([]byte, error) {
	alias, enabled := f.Selector.KekAliasFor(topic)
	if !enabled {
		return value, nil
	}

	_, dekPlain, edek, err := f.Dek.Acquire(ctx, alias, 1)
	if err != nil {
		return nil, fmt.Errorf("record-encryption: acquire dek for topic %q: %w", topic, err)
	}

	parcel := Parcel{Value: value, Headers: headers}
	wrapped, err := Wrap(dekPlain, edek, aad, parcel)
	if err != nil {
		return nil, fmt.Errorf("record-encryption: wrap topic %q: %w", topic, err)
	}
	return wrapped, nil
}

// DecryptParcel reverses EncryptValue on the fetch path: it unwraps the
// RecordWrapper, asks the KMS to decrypt the embedded edek (the fetch path
// does go to the KMS, since a consumer may be decrypting a record written
// under a KEK generation this proxy process never saw), then decrypts the
// parcel and returns it whole, including the original record headers that
// EncryptValue folded inside it so the fetch path can restore them once the
// marker header that replaced them on the wire is removed.
func (f *RecordFilter) DecryptParcel(ctx context.Context, kekAlias string, aad, wrapped []byte) (Parcel, error) {
	edek, _, cipherCode, ciphertext, err := Unwrap(wrapped)
	if err != nil {
		return Parcel{}, fmt.Errorf("record-encryption: unwrap: %w", err)
	}

	kekID, err := f.Kms.ResolveAlias(ctx, kekAlias)
	if err != nil {
		return Parcel{}, fmt.Errorf("record-encryption: resolve alias %q: %w", kekAlias, err)
	}
	dekPlain, err := f.Kms.DecryptEdek(ctx, kekID, edek)
	if err != nil {
		return Parcel{}, fmt.Errorf("record-encryption: decrypt edek for %q: %w", kekAlias, err)
	}

	parcel, err := Decrypt(dekPlain, aad, cipherCode, ciphertext)
	if err != nil {
		return Parcel{}, fmt.Errorf("record-encryption: decrypt parcel: %w", err)
	}
	return parcel, nil
}

// DecryptValue is DecryptParcel for callers that only need the value, kept
// alongside it since most of this filter's own test suite and any direct
// caller that doesn't care about restoring headers wants just the value.
func (f *RecordFilter) DecryptValue(ctx context.Context, kekAlias string, aad, wrapped []byte) ([]byte, error) {
	parcel, err := f.DecryptParcel(ctx, kekAlias, aad, wrapped)
	if err != nil {
		return nil, err
	}
	return parcel.Value, nil
}

// markerHeaderKey replaces a record's real headers on the wire once
// encrypted; its value is the KEK alias the record was encrypted under, so
// the fetch path can find the right KMS key to decrypt it without needing
// to consult the Produce-side selector again. The real headers travel
// inside the encrypted Parcel and are restored by decryptRecord.
const markerHeaderKey = "kroxylicious.io/encryption"

// encryptRecord is the per-record rewrite rewriteRecords invokes while
// walking a Produce request's record batches. A tombstone (nil value) is
// never encrypted, matching Kafka's own treatment of null values as
// structurally meaningful rather than payload.
func (f *RecordFilter) encryptRecord(ctx context.Context, topic, alias string, dekPlain, edek []byte) recordRewriter {
	return func(_, value []byte, headers []ParcelHeader) ([]byte, []ParcelHeader, bool, error) {
		if value == nil {
			return value, headers, false, nil
		}
		parcel := Parcel{Value: value, Headers: headers}
		wrapped, err := Wrap(dekPlain, edek, []byte(topic), parcel)
		if err != nil {
			return nil, nil, false, fmt.Errorf("record-encryption: wrap topic %q: %w", topic, err)
		}
		marker := []ParcelHeader{{Key: markerHeaderKey, Value: []byte(alias)}}
		return wrapped, marker, true, nil
	}
}

// decryptRecord is the per-record rewrite rewriteRecords invokes while
// walking a Fetch response's record batches. Records without the marker
// header were never encrypted (or belong to a topic the consumer's proxy
// instance doesn't protect) and pass through untouched.
func (f *RecordFilter) decryptRecord(ctx context.Context, topic string) recordRewriter {
	return func(_, value []byte, headers []ParcelHeader) ([]byte, []ParcelHeader, bool, error) {
		alias, ok := markerAlias(headers)
		if !ok {
			return value, headers, false, nil
		}
		parcel, err := f.DecryptParcel(ctx, alias, []byte(topic), value)
		if err != nil {
			return nil, nil, false, fmt.Errorf("record-encryption: decrypt topic %q: %w", topic, err)
		}
		return parcel.Value, parcel.Headers, true, nil
	}
}

func markerAlias(headers []ParcelHeader) (string, bool) {
	for _, h := range headers {
		if h.Key == markerHeaderKey {
			return string(h.Value), true
		}
	}
	return "", false
}

// encryptPartitionRecords runs the record-batch rewrite over one
// partition's records field, acquiring a single batch-sized DEK reservation
// up front so the partition's records commit as a whole to one DEK
// generation rather than rotating mid-partition.
func (f *RecordFilter) encryptPartitionRecords(ctx context.Context, topic string, records []byte) ([]byte, error) {
	alias, enabled := f.Selector.KekAliasFor(topic)
	if !enabled || records == nil {
		return records, nil
	}

	n, err := countEncryptableRecords(records)
	if err != nil {
		return nil, fmt.Errorf("record-encryption: scan records for topic %q: %w", topic, err)
	}
	if n == 0 {
		return records, nil
	}

	_, dekPlain, edek, err := f.Dek.Acquire(ctx, alias, n)
	if err != nil {
		return nil, fmt.Errorf("record-encryption: acquire dek for topic %q: %w", topic, err)
	}

	return rewriteRecords(records, f.encryptRecord(ctx, topic, alias, dekPlain, edek))
}

func (f *RecordFilter) decryptPartitionRecords(ctx context.Context, topic string, records []byte) ([]byte, error) {
	if records == nil {
		return records, nil
	}
	return rewriteRecords(records, f.decryptRecord(ctx, topic))
}

// OnRequest rewrites a Produce request's record batches in place, encrypting
// each topic's records under that topic's configured KEK. Requests for
// other api keys pass through untouched.
func (f *RecordFilter) OnRequest(ctx context.Context, _ filter.Context, fr *wire.Frame) (filter.Result, error) {
	if fr.Header.ApiKey != ApiKeyProduce {
		return filter.Result{Action: filter.Forward, Frame: fr}, nil
	}
	rewritten, err := rewriteProduceRequest(fr, func(topic string, records []byte) ([]byte, error) {
		return f.encryptPartitionRecords(ctx, topic, records)
	})
	if err != nil {
		return filter.Result{}, err
	}
	return filter.Result{Action: filter.Forward, Frame: rewritten}, nil
}

// OnResponse rewrites a Fetch response's record batches in place, decrypting
// any record carrying the markerHeaderKey marker. Responses for other api
// keys pass through untouched.
func (f *RecordFilter) OnResponse(ctx context.Context, _ filter.Context, fr *wire.Frame) (filter.Result, error) {
	if fr.Header.ApiKey != ApiKeyFetch {
		return filter.Result{Action: filter.Forward, Frame: fr}, nil
	}
	rewritten, err := rewriteFetchResponse(fr, func(topic string, records []byte) ([]byte, error) {
		return f.decryptPartitionRecords(ctx, topic, records)
	})
	if err != nil {
		return filter.Result{}, err
	}
	return filter.Result{Action: filter.Forward, Frame: rewritten}, nil
}
