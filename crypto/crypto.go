// Package crypto implements the repository's cryptographic primitives:
// password-based key derivation, the AEAD envelope used for every
// persisted ciphertext, and the content hash used for chunk identity
// and pack integrity.
//
// Portions derived from mmp/bk's storage/encrypted.go (BSD licensed).
package crypto

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"

	"github.com/juju/errors"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/sha3"
)

// HashSize is the width in bytes of the content hash used for chunk
// identity and pack integrity, and of the derived master key and DEK.
const HashSize = 32

// KeySize is the width in bytes of the master key and the data
// encryption key. Both are ChaCha20-Poly1305 keys.
const KeySize = chacha20poly1305.KeySize

// NonceSize is the width in bytes of the random nonce prepended to
// every AEAD envelope: 96 bits,
const NonceSize = chacha20poly1305.NonceSize

// Hash is a 256-bit content hash. It is used both as chunk identity
// (H(plaintext)) and as the pack integrity trailer (H(all preceding
// bytes)).
type Hash [HashSize]byte

// HashBytes computes the content hash of b: SHAKE256 truncated to 256
// bits, kept from SHAKE256 rather than blake3, which no example repo
// in this corpus imports.
func HashBytes(b []byte) Hash {
	var h Hash
	sha3.ShakeSum256(h[:], b)
	return h
}

// String returns the lowercase hex encoding of h, the canonical textual
// form for all content-addressed identifiers in this repository.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// IsZero reports whether h is the zero hash.
func (h Hash) IsZero() bool {
	var zero Hash
	return subtle.ConstantTimeCompare(h[:], zero[:]) == 1
}

// HashFromHex parses a lowercase-hex-encoded hash.
func HashFromHex(s string) (Hash, error) {
	var h Hash
	b, err := hex.DecodeString(s)
	if err != nil {
		return h, errors.NotValidf("hash %q", s)
	}
	if len(b) != HashSize {
		return h, errors.NotValidf("hash %q: want %d bytes, got %d", s, HashSize, len(b))
	}
	copy(h[:], b)
	return h, nil
}

// MarshalJSON encodes h as a hex string.
func (h Hash) MarshalJSON() ([]byte, error) {
	return json.Marshal(h.String())
}

// UnmarshalJSON decodes h from a hex string.
func (h *Hash) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := HashFromHex(s)
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}

// ChunkID identifies a chunk by the content hash of its plaintext.
// Distinct from Hash only in name, so that chunk identity and pack
// integrity hashes cannot be confused at call sites.
type ChunkID = Hash

// KDFParams are the memory-hard key-derivation parameters stored
// alongside a repository's config and each of its key files.
type KDFParams struct {
	Algorithm   string `json:"algorithm"`
	Iterations  uint32 `json:"iterations"`
	MemoryKiB   uint32 `json:"memory"`
	Parallelism uint8  `json:"parallelism"`
	Salt        []byte `json:"salt"`
}

// DefaultKDFParams returns Argon2id parameters sized to take at least
// 100ms on reference hardware, with a freshly generated random salt.
func DefaultKDFParams() (KDFParams, error) {
	salt := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return KDFParams{}, errors.Annotate(err, "generate kdf salt")
	}
	return KDFParams{
		Algorithm:   "argon2id",
		Iterations:  3,
		MemoryKiB:   65536,
		Parallelism: 4,
		Salt:        salt,
	}, nil
}

// DeriveKey derives a 256-bit master key from a passphrase using the
// given parameters. Only "argon2id" is supported; any other value in
// KDFParams.Algorithm is a Config error, since it means the repository
// was created with a KDF this build cannot honor.
func DeriveKey(passphrase string, p KDFParams) ([]byte, error) {
	if p.Algorithm != "argon2id" {
		return nil, errors.NotValidf("kdf algorithm %q", p.Algorithm)
	}
	if len(p.Salt) == 0 {
		return nil, errors.NotValidf("kdf salt: empty")
	}
	key := argon2.IDKey([]byte(passphrase), p.Salt, p.Iterations, p.MemoryKiB, p.Parallelism, KeySize)
	return key, nil
}

// Seal encrypts plaintext under key, returning nonce||ciphertext||tag,
// the AEAD envelope stored for every persisted object. aad is optional
// associated data; pass nil unless a caller needs to bind the
// ciphertext to external context (no component in this repository
// currently does).
func Seal(key, plaintext, aad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, errors.Annotate(err, "construct aead")
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, errors.Annotate(err, "generate nonce")
	}
	out := make([]byte, 0, len(nonce)+len(plaintext)+aead.Overhead())
	out = append(out, nonce...)
	out = aead.Seal(out, nonce, plaintext, aad)
	return out, nil
}

// Open decrypts an envelope produced by Seal. Any failure -- truncated
// input, wrong key, or a modified byte anywhere in the envelope -- is
// reported as a Corrupt error, never partially decoded.
func Open(key, envelope, aad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, errors.Annotate(err, "construct aead")
	}
	if len(envelope) < aead.NonceSize() {
		return nil, NewCorruptError("envelope", "truncated: shorter than nonce")
	}
	nonce, ciphertext := envelope[:aead.NonceSize()], envelope[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return nil, NewCorruptError("envelope", "aead authentication failed")
	}
	return plaintext, nil
}

// GenerateDEK returns a fresh, uniformly random 256-bit data
// encryption key.
func GenerateDEK() ([]byte, error) {
	dek := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, dek); err != nil {
		return nil, errors.Annotate(err, "generate dek")
	}
	return dek, nil
}

// ConstantTimeEqual reports whether a and b are equal using a
// constant-time comparison, for use whenever a MAC or
// passphrase-derived value is compared.
func ConstantTimeEqual(a, b []byte) bool {
	return len(a) == len(b) && subtle.ConstantTimeCompare(a, b) == 1
}

// CorruptError reports a detected integrity failure: a pack hash
// mismatch, an AEAD tag failure, or a truncated object. It always
// carries the offending object key and a short diagnostic so callers
// can report what failed without re-deriving it from a bare error
// string.
type CorruptError struct {
	Object string
	Reason string
}

func (e *CorruptError) Error() string {
	return fmt.Sprintf("Corrupt: %s — %s", e.Object, e.Reason)
}

// NewCorruptError constructs a CorruptError, traced so callers get a
// stack for diagnostics.
func NewCorruptError(object, reason string) error {
	return errors.Trace(&CorruptError{Object: object, Reason: reason})
}

// IsCorrupt reports whether err is or wraps a *CorruptError.
func IsCorrupt(err error) bool {
	_, ok := errors.Cause(err).(*CorruptError)
	return ok
}
