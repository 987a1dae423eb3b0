// Package dek implements the per-KEK DEK lifecycle: at most one in-flight
// generation at a time and a bounded retry budget. A KeyContext goes from
// Allocating to Live once a DEK is generated, back to Allocating when a
// caller finds the Live DEK expired or short of use budget, to Exhausted
// when a generation fails, and to Destroyed on Destroy; the Expired and
// Rotated states are defined but never entered. Grounded on hashicorp-nomad's cipherSet/keyring
// rotation bookkeeping, scoped to a single KEK's key context instead of a
// whole keyring of root keys.
package dek

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/kroxyproxy/kroxy/internal/kms"
	"github.com/kroxyproxy/kroxy/internal/metrics"
)

// State is one point in a KeyContext's lifecycle.
type State int

const (
	Allocating State = iota
	Live
	Expired
	Exhausted
	Rotated
	Destroyed
)

func (s State) String() string {
	switch s {
	case Allocating:
		return "allocating"
	case Live:
		return "live"
	case Expired:
		return "expired"
	case Exhausted:
		return "exhausted"
	case Rotated:
		return "rotated"
	case Destroyed:
		return "destroyed"
	default:
		return "unknown"
	}
}

// maxGenerationAttempts is the retry budget spec.md §4.7 fixes at 3.
const maxGenerationAttempts = 3

// KeyContext tracks one KEK's currently-live DEK and its usage limits.
type KeyContext struct {
	KekAlias string

	mu          sync.Mutex
	state       State
	kekID       string
	dek         []byte
	edek        []byte
	createdAt   time.Time
	expiresAt   time.Time
	encryptions uint64
	maxUses     uint64
	generating  bool
}

// Manager holds one KeyContext per KEK alias in use, handing out the live
// DEK for encryption and rotating as contexts expire or exhaust their use
// budget.
type Manager struct {
	kms *kms.KMS
	m   *metrics.Metrics

	dekTTL  time.Duration
	maxUses uint64

	mu       sync.Mutex
	contexts map[string]*KeyContext
}

// NewManager builds a DEK Manager. dekTTL and maxUses bound how long and how
// many times a single DEK may be used before it is Expired/Exhausted and a
// fresh one is generated.
func NewManager(k *kms.KMS, m *metrics.Metrics, dekTTL time.Duration, maxUses uint64) *Manager {
	return &Manager{
		kms:      k,
		m:        m,
		dekTTL:   dekTTL,
		maxUses:  maxUses,
		contexts: make(map[string]*KeyContext),
	}
}

// Acquire returns the live DEK and its wrapped EDEK for kekAlias, reserving
// capacity for n records as a single unit rather than decrementing once per
// record. A request for n records that would push past the remaining use
// budget rotates to a freshly generated DEK before any of the n records are
// encrypted under it — committing a batch to one DEK or the next as a
// whole, never splitting a batch across two. This is what produces
// spec.md's documented [e1,e1,e2,e2] EDEK partitioning across two batches
// of two records each, rather than [e1,e1,e1,e2] from rotating mid-batch.
// At most one generation is ever in flight per alias: a second caller
// observing generating=true waits on the first caller's result instead of
// issuing a duplicate KMS call.
func (m *Manager) Acquire(ctx context.Context, kekAlias string, n int) (kekID string, dekPlain, edek []byte, err error) {
	kc := m.contextFor(kekAlias)

	kc.mu.Lock()
	if kc.state == Live && kc.encryptions+uint64(n) <= kc.maxUses && time.Now().Before(kc.expiresAt) {
		kekID, dekPlain, edek = kc.kekID, kc.dek, kc.edek
		kc.encryptions += uint64(n)
		kc.mu.Unlock()
		return kekID, dekPlain, edek, nil
	}
	if kc.generating {
		kc.mu.Unlock()
		return m.waitForGeneration(ctx, kc, n)
	}
	kc.generating = true
	kc.state = Allocating
	kc.mu.Unlock()

	return m.generate(ctx, kc, n)
}

func (m *Manager) contextFor(kekAlias string) *KeyContext {
	m.mu.Lock()
	defer m.mu.Unlock()
	kc, ok := m.contexts[kekAlias]
	if !ok {
		kc = &KeyContext{KekAlias: kekAlias, maxUses: m.maxUses}
		m.contexts[kekAlias] = kc
	}
	return kc
}

func (m *Manager) generate(ctx context.Context, kc *KeyContext, n int) (string, []byte, []byte, error) {
	kekID, err := m.kms.ResolveAlias(ctx, kc.KekAlias)
	if err != nil {
		m.finishGeneration(kc, false)
		return "", nil, nil, fmt.Errorf("dek: resolve alias %q: %w", kc.KekAlias, err)
	}

	var pair struct{ Plaintext, Wrapped []byte }
	boff := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), maxGenerationAttempts-1)
	op := func() error {
		p, err := m.kms.GenerateDekPair(ctx, kekID)
		if err != nil {
			return err
		}
		pair.Plaintext, pair.Wrapped = p.Plaintext, p.Wrapped
		return nil
	}
	if err := backoff.Retry(op, backoff.WithContext(boff, ctx)); err != nil {
		m.finishGeneration(kc, false)
		m.recordRotation(kc.KekAlias, "generation_failed")
		return "", nil, nil, fmt.Errorf("dek: failed to encrypt records after %d attempts: %w", maxGenerationAttempts, err)
	}

	kc.mu.Lock()
	kc.kekID = kekID
	kc.dek = pair.Plaintext
	kc.edek = pair.Wrapped
	kc.createdAt = time.Now()
	kc.expiresAt = kc.createdAt.Add(m.dekTTL)
	kc.encryptions = uint64(n)
	kc.state = Live
	kc.generating = false
	dekOut, edekOut := kc.dek, kc.edek
	kc.mu.Unlock()

	m.recordRotation(kc.KekAlias, "generated")
	return kekID, dekOut, edekOut, nil
}

func (m *Manager) finishGeneration(kc *KeyContext, success bool) {
	kc.mu.Lock()
	kc.generating = false
	if !success {
		kc.state = Exhausted
	}
	kc.mu.Unlock()
}

// waitForGeneration polls for the in-flight generation to finish, since the
// DEK manager has at most one goroutine doing the actual KMS call per KEK
// alias (spec.md §4.7's "at-most-one in-flight generation" invariant).
func (m *Manager) waitForGeneration(ctx context.Context, kc *KeyContext, n int) (string, []byte, []byte, error) {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return "", nil, nil, ctx.Err()
		case <-ticker.C:
			kc.mu.Lock()
			if !kc.generating && kc.state == Live {
				kekID, dek, edek := kc.kekID, kc.dek, kc.edek
				kc.encryptions += uint64(n)
				kc.mu.Unlock()
				return kekID, dek, edek, nil
			}
			stillGenerating := kc.generating
			kc.mu.Unlock()
			if !stillGenerating {
				return "", nil, nil, fmt.Errorf("dek: generation for %q failed", kc.KekAlias)
			}
		}
	}
}

func (m *Manager) recordRotation(kekAlias, reason string) {
	if m.m == nil {
		return
	}
	m.m.DEKRotations.WithLabelValues(kekAlias, reason).Inc()
}

// State reports the current lifecycle state of a KEK's key context, mainly
// for tests and diagnostics.
func (m *Manager) State(kekAlias string) State {
	m.mu.Lock()
	kc, ok := m.contexts[kekAlias]
	m.mu.Unlock()
	if !ok {
		return Destroyed
	}
	kc.mu.Lock()
	defer kc.mu.Unlock()
	return kc.state
}

// Destroy marks a KeyContext Destroyed, zeroes its plaintext DEK so it
// doesn't linger in the heap after revocation, and removes it, for explicit
// revocation (e.g. operator-triggered KEK rotation).
func (m *Manager) Destroy(kekAlias string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if kc, ok := m.contexts[kekAlias]; ok {
		kc.mu.Lock()
		for i := range kc.dek {
			kc.dek[i] = 0
		}
		kc.dek = nil
		kc.state = Destroyed
		kc.mu.Unlock()
	}
	delete(m.contexts, kekAlias)
}
