package encryption

import "testing"

func assert(t *testing.T, cond bool, msg string) {
	t.Helper()
	if !cond {
		t.Fatal(msg)
	}
}

func TestParcelMarshalRoundTrip(t *testing.T) {
	p := Parcel{
		Value: []byte("hello world"),
		Headers: []ParcelHeader{
			{Key: "trace-id", Value: []byte("abc123")},
		},
	}

	out, err := UnmarshalParcel(p.Marshal())
	assert(t, err == nil, "unmarshal should succeed")
	assert(t, string(out.Value) == string(p.Value), "value should round-trip")
	assert(t, len(out.Headers) == 1, "expected one header")
	assert(t, out.Headers[0].Key == "trace-id", "header key should round-trip")
	assert(t, string(out.Headers[0].Value) == "abc123", "header value should round-trip")
}

func TestWrapUnwrapDecryptRoundTrip(t *testing.T) {
	dek := make([]byte, 32)
	for i := range dek {
		dek[i] = byte(i)
	}
	edek := []byte("opaque-wrapped-dek")
	aad := []byte("topic=orders partition=3")
	parcel := Parcel{Value: []byte("sensitive payload")}

	wrapped, err := Wrap(dek, edek, aad, parcel)
	assert(t, err == nil, "wrap should succeed")

	gotEdek, aadCode, cipherCode, ciphertext, err := Unwrap(wrapped)
	assert(t, err == nil, "unwrap should succeed")
	assert(t, string(gotEdek) == string(edek), "edek should round-trip")
	assert(t, aadCode == AadRecordHeader, "aad code should round-trip")
	assert(t, cipherCode == CipherAesGcm96128, "cipher code should round-trip")

	decrypted, err := Decrypt(dek, aad, cipherCode, ciphertext)
	assert(t, err == nil, "decrypt should succeed")
	assert(t, string(decrypted.Value) == "sensitive payload", "decrypted value should match original")
}

func TestDecryptWithWrongKeyFails(t *testing.T) {
	dek := make([]byte, 32)
	wrongDek := make([]byte, 32)
	wrongDek[0] = 1
	aad := []byte("aad")
	parcel := Parcel{Value: []byte("secret")}

	wrapped, err := Wrap(dek, []byte("edek"), aad, parcel)
	assert(t, err == nil, "wrap should succeed")

	_, _, cipherCode, ciphertext, err := Unwrap(wrapped)
	assert(t, err == nil, "unwrap should succeed")

	_, err = Decrypt(wrongDek, aad, cipherCode, ciphertext)
	assert(t, err != nil, "decrypt with the wrong key must fail")
}

func TestDecryptWithWrongAadFails(t *testing.T) {
	dek := make([]byte, 32)
	parcel := Parcel{Value: []byte("secret")}

	wrapped, err := Wrap(dek, []byte("edek"), []byte("correct-aad"), parcel)
	assert(t, err == nil, "wrap should succeed")

	_, _, cipherCode, ciphertext, err := Unwrap(wrapped)
	assert(t, err == nil, "unwrap should succeed")

	_, err = Decrypt(dek, []byte("wrong-aad"), cipherCode, ciphertext)
	assert(t, err != nil, "decrypt with mismatched aad must fail")
}
