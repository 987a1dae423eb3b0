package dek

import (
	"context"
	"testing"
	"time"

	kmswrapping "github.com/hashicorp/go-kms-wrapping/v2"
	"github.com/hashicorp/go-kms-wrapping/v2/aead"

	"github.com/kroxyproxy/kroxy/internal/kms"
)

func assert(t *testing.T, cond bool, msg string) {
	t.Helper()
	if !cond {
		t.Fatal(msg)
	}
}

func newTestKMS(t *testing.T) *kms.KMS {
	t.Helper()
	w := aead.NewWrapper()
	_, err := w.SetConfig(context.Background(),
		aead.WithAeadType(kmswrapping.AeadTypeAesGcm),
		aead.WithHashType(kmswrapping.HashTypeSha256),
		kmswrapping.WithKeyId("test-kek"),
	)
	assert(t, err == nil, "wrapper config should succeed")
	key := make([]byte, 32)
	assert(t, w.SetAesGcmKeyBytes(key) == nil, "setting the aead key should succeed")
	return kms.New("test", w, nil, kms.DefaultConfig())
}

func TestAcquireGeneratesOnFirstCall(t *testing.T) {
	m := NewManager(newTestKMS(t), nil, time.Hour, 1000)

	kekID, dekPlain, edek, err := m.Acquire(context.Background(), "alias-a", 1)
	assert(t, err == nil, "acquire should succeed")
	assert(t, kekID == "test-kek", "kek id should match the wrapper's configured key id")
	assert(t, len(dekPlain) == 32, "dek should be 32 bytes")
	assert(t, len(edek) > 0, "edek should be non-empty")
	assert(t, m.State("alias-a") == Live, "key context should be Live after generation")
}

func TestAcquireReusesLiveDEK(t *testing.T) {
	m := NewManager(newTestKMS(t), nil, time.Hour, 1000)

	_, dek1, _, err := m.Acquire(context.Background(), "alias-a", 1)
	assert(t, err == nil, "first acquire should succeed")

	_, dek2, _, err := m.Acquire(context.Background(), "alias-a", 1)
	assert(t, err == nil, "second acquire should succeed")
	assert(t, string(dek1) == string(dek2), "second acquire should reuse the same live dek")
}

func TestAcquireRotatesAfterMaxUses(t *testing.T) {
	m := NewManager(newTestKMS(t), nil, time.Hour, 1)

	_, dek1, _, err := m.Acquire(context.Background(), "alias-a", 1)
	assert(t, err == nil, "first acquire should succeed")

	_, dek2, _, err := m.Acquire(context.Background(), "alias-a", 1)
	assert(t, err == nil, "second acquire should succeed")
	assert(t, string(dek1) != string(dek2), "dek must rotate once maxUses is exceeded")
}

// TestAcquireBatchPartitioningMatchesWholeBatchRotation reproduces the
// documented [e1,e1,e2,e2] scenario: a KEK with a two-use budget, acquired
// twice for a batch of two records each time, must commit each whole batch
// to one DEK rather than splitting a batch across a rotation boundary.
func TestAcquireBatchPartitioningMatchesWholeBatchRotation(t *testing.T) {
	m := NewManager(newTestKMS(t), nil, time.Hour, 2)

	_, dek1, _, err := m.Acquire(context.Background(), "alias-a", 2)
	assert(t, err == nil, "first batch acquire should succeed")

	_, dek1Again, _, err := m.Acquire(context.Background(), "alias-a", 0)
	assert(t, err == nil, "a zero-size acquire should still report the current live dek")
	assert(t, string(dek1) == string(dek1Again), "the first batch's two records must share one dek")

	_, dek2, _, err := m.Acquire(context.Background(), "alias-a", 2)
	assert(t, err == nil, "second batch acquire should succeed")
	assert(t, string(dek1) != string(dek2), "a second full batch must rotate to a fresh dek rather than split across the first")
}

func TestDestroyResetsState(t *testing.T) {
	m := NewManager(newTestKMS(t), nil, time.Hour, 1000)
	_, _, _, err := m.Acquire(context.Background(), "alias-a", 1)
	assert(t, err == nil, "acquire should succeed")

	m.Destroy("alias-a")
	assert(t, m.State("alias-a") == Destroyed, "state should report Destroyed after Destroy")
}

func TestDestroyZeroesDekBytes(t *testing.T) {
	m := NewManager(newTestKMS(t), nil, time.Hour, 1000)
	_, dekPlain, _, err := m.Acquire(context.Background(), "alias-a", 1)
	assert(t, err == nil, "acquire should succeed")

	kc := m.contexts["alias-a"]
	m.Destroy("alias-a")

	for _, b := range dekPlain {
		assert(t, b == 0, "the caller's dek slice should be zeroed by destroy since it aliases the key context's own backing array")
	}
	assert(t, kc.dek == nil, "the key context's dek field should be cleared")
}
