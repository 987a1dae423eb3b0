// Package encryption implements the record encryption filter's wire format:
// Parcel (the plaintext that gets encrypted) and RecordWrapper (the
// encrypted envelope that replaces a record's value on the wire), plus the
// AEAD operations binding them together. Grounded on CG-8663-shadowmesh's
// frame-encryption pipeline for the encrypt/decrypt shape, and on
// hashicorp-nomad's Encrypter for reaching straight for crypto/cipher.AEAD
// rather than a third-party AEAD library.
package encryption

import (
	"github.com/twmb/franz-go/pkg/kbin"
)

// Parcel is the plaintext a RecordWrapper's ciphertext decrypts to: the
// record fields the configured EncryptionScheme selected for encryption
// (typically the value, optionally headers), kept distinct from the record
// key, which stays in clear so brokers can still partition on it.
type Parcel struct {
	Value   []byte
	Headers []ParcelHeader
}

// ParcelHeader mirrors one Kafka record header captured inside a Parcel.
type ParcelHeader struct {
	Key   string
	Value []byte
}

// Marshal serializes a Parcel into the flat byte form that gets AEAD
// encrypted. Uses kbin's varint/string helpers rather than a hand-rolled
// second encoder, same as the wire package.
func (p Parcel) Marshal() []byte {
	out := kbin.AppendCompactNullableBytes(nil, p.Value)
	out = kbin.AppendUvarint(out, uint64(len(p.Headers)))
	for _, h := range p.Headers {
		out = kbin.AppendCompactString(out, h.Key)
		out = kbin.AppendCompactNullableBytes(out, h.Value)
	}
	return out
}

// UnmarshalParcel parses the bytes produced by Parcel.Marshal.
func UnmarshalParcel(data []byte) (Parcel, error) {
	b := kbin.Reader{Src: data}
	value := b.CompactNullableBytes()
	n := b.Uvarint()

	headers := make([]ParcelHeader, 0, n)
	for i := uint64(0); i < n; i++ {
		key := b.CompactString()
		val := b.CompactNullableBytes()
		headers = append(headers, ParcelHeader{Key: key, Value: val})
	}
	if err := b.Complete(); err != nil {
		return Parcel{}, err
	}
	return Parcel{Value: value, Headers: headers}, nil
}
