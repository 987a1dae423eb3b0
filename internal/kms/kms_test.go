package kms

import (
	"context"
	"testing"

	kmswrapping "github.com/hashicorp/go-kms-wrapping/v2"
	"github.com/hashicorp/go-kms-wrapping/v2/aead"
)

func assert(t *testing.T, cond bool, msg string) {
	t.Helper()
	if !cond {
		t.Fatal(msg)
	}
}

func newTestWrapper(t *testing.T) kmswrapping.Wrapper {
	t.Helper()
	w := aead.NewWrapper()
	_, err := w.SetConfig(context.Background(),
		aead.WithAeadType(kmswrapping.AeadTypeAesGcm),
		aead.WithHashType(kmswrapping.HashTypeSha256),
		kmswrapping.WithKeyId("test-kek"),
	)
	assert(t, err == nil, "wrapper config should succeed")
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	assert(t, w.SetAesGcmKeyBytes(key) == nil, "setting the aead key should succeed")
	return w
}

func TestGenerateAndDecryptRoundTrip(t *testing.T) {
	k := New("test", newTestWrapper(t), nil, DefaultConfig())

	pair, err := k.GenerateDekPair(context.Background(), "test-kek")
	assert(t, err == nil, "generate should succeed")
	assert(t, len(pair.Plaintext) == 32, "plaintext dek should be 32 bytes")
	assert(t, len(pair.Wrapped) > 0, "wrapped dek should be non-empty")

	decrypted, err := k.DecryptEdek(context.Background(), "test-kek", pair.Wrapped)
	assert(t, err == nil, "decrypt should succeed")
	assert(t, string(decrypted) == string(pair.Plaintext), "decrypted dek should match the original plaintext")
}

func TestResolveAliasCaches(t *testing.T) {
	k := New("test", newTestWrapper(t), nil, DefaultConfig())

	id1, err := k.ResolveAlias(context.Background(), "prod")
	assert(t, err == nil, "resolve should succeed")
	assert(t, id1 == "test-kek", "resolved id should match the wrapper's configured key id")

	id2, err := k.ResolveAlias(context.Background(), "prod")
	assert(t, err == nil, "cached resolve should succeed")
	assert(t, id2 == id1, "cached resolve should return the same id")
}

func TestDecryptEdekWithBadCiphertextFails(t *testing.T) {
	k := New("test", newTestWrapper(t), nil, DefaultConfig())

	_, err := k.DecryptEdek(context.Background(), "test-kek", []byte("not a real edek"))
	assert(t, err != nil, "decrypting garbage must fail")
}

func TestDecryptEdekPopulatesDecryptorCache(t *testing.T) {
	k := New("test", newTestWrapper(t), nil, DefaultConfig())

	pair, err := k.GenerateDekPair(context.Background(), "test-kek")
	assert(t, err == nil, "generate should succeed")

	_, err = k.DecryptEdek(context.Background(), "test-kek", pair.Wrapped)
	assert(t, err == nil, "first decrypt should succeed")
	_, ok := k.decryptorCache.Get("test-kek")
	assert(t, ok, "decryptor cache should hold an entry for the kek id after the first decrypt")

	_, err = k.DecryptEdek(context.Background(), "test-kek", pair.Wrapped)
	assert(t, err == nil, "second decrypt should succeed and reuse the cached decryptor")
}
