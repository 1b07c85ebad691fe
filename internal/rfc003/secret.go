// Package rfc003 implements the RFC003 atomic swap protocol data model and
// state machine: secrets, ledger parameters, HTLC parameters, swap requests
// and the per-swap state automaton.
package rfc003

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/comit-network/rfc003/pkg/helpers"
)

// SecretLength is the fixed size of a Secret and a SecretHash in bytes.
const SecretLength = 32

// Secret is a 32-byte preimage whose SHA-256 hash binds both legs of a swap.
type Secret [SecretLength]byte

// SecretHash is SHA-256(Secret), shared with the counterparty before the
// Secret itself is revealed.
type SecretHash [SecretLength]byte

// ErrInvalidLength is returned when parsing a Secret or SecretHash from
// input that is not exactly SecretLength bytes (or its hex encoding).
var ErrInvalidLength = fmt.Errorf("rfc003: input must be exactly %d bytes", SecretLength)

// GenerateSecret draws SecretLength cryptographically secure random bytes.
func GenerateSecret() (Secret, error) {
	var s Secret
	raw, err := helpers.GenerateSecureRandom(SecretLength)
	if err != nil {
		return s, fmt.Errorf("rfc003: generate secret: %w", err)
	}
	copy(s[:], raw)
	return s, nil
}

// Hash returns the SHA-256 hash of the secret. Deterministic.
func (s Secret) Hash() SecretHash {
	return SecretHash(sha256.Sum256(s[:]))
}

// Matches reports whether sha256(s) == h, in constant time.
func (s Secret) Matches(h SecretHash) bool {
	sum := sha256.Sum256(s[:])
	return helpers.ConstantTimeCompare(sum[:], h[:])
}

// Bytes returns the secret's raw bytes.
func (s Secret) Bytes() []byte {
	return s[:]
}

// Hex returns the lowercase hex encoding of the secret.
func (s Secret) Hex() string {
	return hex.EncodeToString(s[:])
}

// ParseSecret parses a secret from exactly SecretLength raw bytes; hex
// input goes through ParseSecretHex.
func ParseSecret(b []byte) (Secret, error) {
	var s Secret
	raw, err := normalizeFixedLength(b)
	if err != nil {
		return s, err
	}
	copy(s[:], raw)
	return s, nil
}

// ParseSecretHex parses a hex-encoded secret (with or without 0x prefix).
func ParseSecretHex(s string) (Secret, error) {
	raw, err := helpers.HexToBytes(s)
	if err != nil {
		return Secret{}, fmt.Errorf("%w: %v", ErrInvalidLength, err)
	}
	return ParseSecret(raw)
}

// Bytes returns the hash's raw bytes.
func (h SecretHash) Bytes() []byte {
	return h[:]
}

// Hex returns the lowercase hex encoding of the hash.
func (h SecretHash) Hex() string {
	return hex.EncodeToString(h[:])
}

// Equal compares two hashes for equality (not secret material, no need for
// constant time).
func (h SecretHash) Equal(other SecretHash) bool {
	return h == other
}

// ParseSecretHash parses a secret hash from exactly SecretLength raw bytes;
// hex input goes through ParseSecretHashHex.
func ParseSecretHash(b []byte) (SecretHash, error) {
	var h SecretHash
	raw, err := normalizeFixedLength(b)
	if err != nil {
		return h, err
	}
	copy(h[:], raw)
	return h, nil
}

// ParseSecretHashHex parses a hex-encoded secret hash (with or without 0x
// prefix).
func ParseSecretHashHex(s string) (SecretHash, error) {
	raw, err := helpers.HexToBytes(s)
	if err != nil {
		return SecretHash{}, fmt.Errorf("%w: %v", ErrInvalidLength, err)
	}
	return ParseSecretHash(raw)
}

func normalizeFixedLength(b []byte) ([]byte, error) {
	if len(b) != SecretLength {
		return nil, ErrInvalidLength
	}
	return b, nil
}
