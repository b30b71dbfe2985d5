// Package crypt provides per-file authenticated encryption with key
// derivation from a project secret.
package crypt

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"math"
	"sort"
	"strings"

	"golang.org/x/crypto/pbkdf2"

	"github.com/sandfile/sandfile/internal/errs"
)

const (
	saltSize  = 32
	nonceSize = 16
	tagSize   = 16
	keySize   = 32
	kdfIters  = 100_000
)

// Marker is the format-version prefix written ahead of encrypted blobs when
// they are persisted to disk.
var Marker = []byte("ENC1")

// headerSize is the fixed prefix of an in-memory blob: salt || nonce || tag.
const headerSize = saltSize + nonceSize + tagSize

// entropyThreshold is the bits-per-byte level above which header bytes are
// assumed to be ciphertext.
const entropyThreshold = 7.5

// Encrypt seals plaintext with a key derived from secret and a fresh random
// salt. metadata is folded into the additional authenticated data in sorted
// key order; callers must never include the filename, so renames do not
// invalidate the blob. Output layout: salt(32) || nonce(16) || tag(16) || ciphertext.
func Encrypt(plaintext []byte, secret string, metadata map[string]string) ([]byte, error) {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("%w: salt: %v", errs.ErrEncryptionFailed, err)
	}
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("%w: nonce: %v", errs.ErrEncryptionFailed, err)
	}

	aead, err := newAEAD(secret, salt)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrEncryptionFailed, err)
	}

	sealed := aead.Seal(nil, nonce, plaintext, aadFor(metadata))
	ciphertext := sealed[:len(sealed)-tagSize]
	tag := sealed[len(sealed)-tagSize:]

	blob := make([]byte, 0, headerSize+len(ciphertext))
	blob = append(blob, salt...)
	blob = append(blob, nonce...)
	blob = append(blob, tag...)
	blob = append(blob, ciphertext...)
	return blob, nil
}

// Decrypt is the exact inverse of Encrypt. Any malformed header or tag
// mismatch fails closed with ErrDecryptionFailed; no partial plaintext is
// ever returned.
func Decrypt(blob []byte, secret string, metadata map[string]string) ([]byte, error) {
	if len(blob) < headerSize {
		return nil, fmt.Errorf("%w: blob too short", errs.ErrDecryptionFailed)
	}
	salt := blob[:saltSize]
	nonce := blob[saltSize : saltSize+nonceSize]
	tag := blob[saltSize+nonceSize : headerSize]
	ciphertext := blob[headerSize:]

	aead, err := newAEAD(secret, salt)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrDecryptionFailed, err)
	}

	sealed := make([]byte, 0, len(ciphertext)+tagSize)
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, tag...)

	plaintext, err := aead.Open(nil, nonce, sealed, aadFor(metadata))
	if err != nil {
		return nil, errs.ErrDecryptionFailed
	}
	return plaintext, nil
}

// HasMarker reports whether data begins with the persisted-format marker.
func HasMarker(data []byte) bool {
	return len(data) >= len(Marker) && string(data[:len(Marker)]) == string(Marker)
}

// StripMarker removes the persisted-format marker from data.
func StripMarker(data []byte) []byte {
	if HasMarker(data) {
		return data[len(Marker):]
	}
	return data
}

// LooksEncrypted guesses (but does not prove) whether data holds an
// encrypted blob: the marker wins, otherwise a header-sized sample must both
// exist and carry near-random byte entropy.
func LooksEncrypted(data []byte) bool {
	if HasMarker(data) {
		return true
	}
	if len(data) < headerSize {
		return false
	}
	sample := data
	if len(sample) > 4096 {
		sample = sample[:4096]
	}
	return shannonEntropy(sample) > entropyThreshold
}

// newAEAD derives the symmetric key from secret and salt and builds a GCM
// instance with the wire format's 16-byte nonce size.
func newAEAD(secret string, salt []byte) (cipher.AEAD, error) {
	key := pbkdf2.Key([]byte(secret), salt, kdfIters, keySize, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCMWithNonceSize(block, nonceSize)
}

// aadFor builds the additional authenticated data block deterministically
// from sorted metadata.
func aadFor(metadata map[string]string) []byte {
	if len(metadata) == 0 {
		return nil
	}
	keys := make([]string, 0, len(metadata))
	for k := range metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(metadata[k])
	}
	return []byte(b.String())
}

// shannonEntropy returns the byte entropy of data in bits per byte.
func shannonEntropy(data []byte) float64 {
	if len(data) == 0 {
		return 0
	}
	var counts [256]int
	for _, b := range data {
		counts[b]++
	}
	total := float64(len(data))
	entropy := 0.0
	for _, c := range counts {
		if c == 0 {
			continue
		}
		p := float64(c) / total
		entropy -= p * math.Log2(p)
	}
	return entropy
}
