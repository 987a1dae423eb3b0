package encryption

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"github.com/twmb/franz-go/pkg/kbin"
)

// CipherAesGcm96128 is the only cipher code this proxy currently emits: a
// 96-bit (12-byte) nonce and a 128-bit (16-byte) authentication tag, both
// AES-GCM defaults, matching spec.md's "AES-GCM-96-128" naming.
const CipherAesGcm96128 byte = 1

// AadRecordHeader is the aad_code Wrap writes into every RecordWrapper. The
// additional authenticated data itself is whatever bytes the caller passes
// to Wrap; RecordFilter passes the topic name, so a ciphertext cannot be
// silently moved to a record of a different topic.
const AadRecordHeader byte = 1

// ErrUnsupportedCipher is returned when a RecordWrapper names a cipher code
// this build doesn't implement.
var ErrUnsupportedCipher = errors.New("encryption: unsupported cipher code")

const nonceSize = 12

// Wrap builds the on-wire RecordWrapper: a varint edek_length, the edek
// itself, the aad/cipher codes, and the AES-GCM-96-128 ciphertext (nonce
// prepended), encrypting parcel under dek with aad as additional
// authenticated data.
func Wrap(dek, edek, aad []byte, parcel Parcel) ([]byte, error) {
	ciphertext, err := encrypt(dek, aad, parcel.Marshal())
	if err != nil {
		return nil, fmt.Errorf("encryption: wrap: %w", err)
	}

	out := kbin.AppendUvarint(nil, uint64(len(edek)))
	out = append(out, edek...)
	out = append(out, AadRecordHeader, CipherAesGcm96128)
	out = append(out, ciphertext...)
	return out, nil
}

// Unwrap splits a RecordWrapper into its edek and the raw (nonce-prefixed)
// ciphertext, without decrypting — the caller first needs the edek
// unwrapped by the KMS to get a plaintext DEK.
func Unwrap(wrapper []byte) (edek []byte, aadCode, cipherCode byte, ciphertext []byte, err error) {
	b := kbin.Reader{Src: wrapper}
	edekLen := b.Uvarint()
	edek = b.Span(int(edekLen))
	aadCode = byte(b.Int8())
	cipherCode = byte(b.Int8())
	ciphertext = b.Src
	if err := b.Complete(); err != nil {
		return nil, 0, 0, nil, fmt.Errorf("encryption: unwrap: %w", err)
	}
	return edek, aadCode, cipherCode, ciphertext, nil
}

// Decrypt decrypts a RecordWrapper's ciphertext (as returned by Unwrap)
// under dek with the given aad, and parses the result back into a Parcel.
func Decrypt(dek, aad []byte, cipherCode byte, ciphertext []byte) (Parcel, error) {
	if cipherCode != CipherAesGcm96128 {
		return Parcel{}, fmt.Errorf("%w: %d", ErrUnsupportedCipher, cipherCode)
	}
	plaintext, err := decrypt(dek, aad, ciphertext)
	if err != nil {
		return Parcel{}, fmt.Errorf("encryption: decrypt: %w", err)
	}
	return UnmarshalParcel(plaintext)
}

func encrypt(key, aad, plaintext []byte) ([]byte, error) {
	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	sealed := aead.Seal(nil, nonce, plaintext, aad)
	return append(nonce, sealed...), nil
}

func decrypt(key, aad, nonceAndCiphertext []byte) ([]byte, error) {
	if len(nonceAndCiphertext) < nonceSize {
		return nil, errors.New("ciphertext shorter than nonce")
	}
	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}
	nonce := nonceAndCiphertext[:nonceSize]
	ciphertext := nonceAndCiphertext[nonceSize:]
	return aead.Open(nil, nonce, ciphertext, aad)
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes cipher: %w", err)
	}
	return cipher.NewGCM(block)
}
