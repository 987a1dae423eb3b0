// Package kms is the narrow facade the DEK manager and record-encryption
// filter use to talk to whatever KMS backs a KEK, scoped down from
// hashicorp-nomad's Encrypter/keyring to exactly the three operations this
// proxy needs. Concrete KEK-holding services plug in via
// github.com/hashicorp/go-kms-wrapping/v2 wrapper implementations rather
// than bespoke per-cloud client code.
package kms

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
	wrapping "github.com/hashicorp/go-kms-wrapping/v2"

	"github.com/kroxyproxy/kroxy/internal/metrics"
)

// ErrUnknownAlias is returned by ResolveAlias when the wrapper reports an
// empty key id. The facade holds a single wrapper, so every alias resolves
// to that wrapper's key id; an alias is never rejected on its own.
var ErrUnknownAlias = errors.New("kms: unknown alias")

// ErrUnknownKey is returned whenever the wrapper fails to decrypt an EDEK in
// DecryptEdek: a KEK id the KMS no longer recognizes (e.g. deleted or
// revoked out of band), but equally a corrupt EDEK or any other Decrypt
// failure.
var ErrUnknownKey = errors.New("kms: unknown key")

// ErrTransient wraps a KMS error the caller should retry, per the DEK
// manager's retry budget.
var ErrTransient = errors.New("kms: transient error")

// ErrConfiguration indicates the KMS itself is misconfigured (bad
// credentials, unreachable endpoint) and retrying without operator
// intervention will not help.
var ErrConfiguration = errors.New("kms: configuration error")

// DekPair is a freshly generated data-encryption key alongside its wrapped
// form (the EDEK) as returned by the KMS for a given KEK.
type DekPair struct {
	Plaintext []byte
	Wrapped   []byte
}

// KMS is the facade. resolveAlias, generateDekPair and decryptEdek in
// spec.md §4.6 map onto ResolveAlias, GenerateDekPair and DecryptEdek here.
type KMS struct {
	alias string
	w     wrapping.Wrapper
	m     *metrics.Metrics

	aliasCache     *lru.LRU[string, string]
	decryptorCache *lru.LRU[string, wrapping.Wrapper]
	negativeCache  *lru.LRU[string, error]
}

// Config tunes the three caches named in spec.md §4.6.
type Config struct {
	AliasCacheSize       int
	AliasCacheTTL        time.Duration
	DecryptorCacheSize   int
	DecryptorCacheTTL    time.Duration
	NegativeCacheSize    int
	NegativeCacheTTL     time.Duration
}

// DefaultConfig matches the sizes/TTLs spec.md §4.6 suggests as sane
// defaults.
func DefaultConfig() Config {
	return Config{
		AliasCacheSize:     1000,
		AliasCacheTTL:      10 * time.Minute,
		DecryptorCacheSize: 1000,
		DecryptorCacheTTL:  1 * time.Hour,
		NegativeCacheSize:  1000,
		NegativeCacheTTL:   30 * time.Second,
	}
}

// New builds a KMS facade over an already-configured wrapping.Wrapper (an
// AWS KMS, GCP KMS, Azure Key Vault or Vault transit wrapper in production;
// the aead wrapper in tests).
func New(alias string, w wrapping.Wrapper, m *metrics.Metrics, cfg Config) *KMS {
	return &KMS{
		alias:          alias,
		w:              w,
		m:              m,
		aliasCache:     lru.NewLRU[string, string](cfg.AliasCacheSize, nil, cfg.AliasCacheTTL),
		decryptorCache: lru.NewLRU[string, wrapping.Wrapper](cfg.DecryptorCacheSize, nil, cfg.DecryptorCacheTTL),
		negativeCache:  lru.NewLRU[string, error](cfg.NegativeCacheSize, nil, cfg.NegativeCacheTTL),
	}
}

// ResolveAlias maps a KEK alias to the wrapper-specific key id (every alias
// maps to the single wrapper's KeyId), caching both positive and negative
// (unknown alias) results. A transient KeyId failure is returned uncached.
func (k *KMS) ResolveAlias(ctx context.Context, alias string) (string, error) {
	if kekID, ok := k.aliasCache.Get(alias); ok {
		return kekID, nil
	}
	if cachedErr, ok := k.negativeCache.Get(alias); ok {
		return "", cachedErr
	}

	start := time.Now()
	info, err := k.w.KeyId(ctx)
	k.observe("resolve_alias", start, err)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrTransient, err)
	}
	if info == "" {
		err := fmt.Errorf("%w: %q", ErrUnknownAlias, alias)
		k.negativeCache.Add(alias, err)
		return "", err
	}
	k.aliasCache.Add(alias, info)
	return info, nil
}

// GenerateDekPair asks the KMS for a new DEK wrapped under kekID, for the
// DEK manager to hold as the Live key of a KeyContext.
func (k *KMS) GenerateDekPair(ctx context.Context, kekID string) (DekPair, error) {
	start := time.Now()
	plaintext := make([]byte, 32)
	if _, err := rand.Read(plaintext); err != nil {
		return DekPair{}, fmt.Errorf("%w: generate dek for %q: rand: %v", ErrTransient, kekID, err)
	}
	blob, err := k.w.Encrypt(ctx, plaintext)
	k.observe("generate_dek", start, err)
	if err != nil {
		return DekPair{}, fmt.Errorf("%w: generate dek for %q: %v", ErrTransient, kekID, err)
	}
	return DekPair{Plaintext: plaintext, Wrapped: blob.Ciphertext}, nil
}

// DecryptEdek unwraps an EDEK under kekID, consulting the decryptor cache
// first so a hot KEK doesn't pay whatever per-key decryptor setup cost the
// wrapper implementation has on every record.
func (k *KMS) DecryptEdek(ctx context.Context, kekID string, edek []byte) ([]byte, error) {
	start := time.Now()
	w, hit := k.decryptorCache.Get(kekID)
	k.observeDecryptCache(kekID, hit)
	if !hit {
		w = k.w
		k.decryptorCache.Add(kekID, w)
	}

	plaintext, err := w.Decrypt(ctx, &wrapping.BlobInfo{Ciphertext: edek})
	k.observe("decrypt_edek", start, err)
	if err != nil {
		return nil, fmt.Errorf("%w: decrypt edek under %q: %v", ErrUnknownKey, kekID, err)
	}
	return plaintext, nil
}

func (k *KMS) observeDecryptCache(kekID string, hit bool) {
	if k.m == nil {
		return
	}
	if hit {
		k.m.DecryptCacheHits.WithLabelValues(kekID).Inc()
	} else {
		k.m.DecryptCacheMisses.WithLabelValues(kekID).Inc()
	}
}

func (k *KMS) observe(operation string, start time.Time, err error) {
	if k.m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	k.m.KMSCalls.WithLabelValues(operation, outcome).Inc()
	k.m.KMSCallSecs.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}
