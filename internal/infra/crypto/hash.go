package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// HashPrefix tags every content hash with the algorithm that produced it.
const HashPrefix = "sha256:"

// HashObject canonicalizes v and returns its tagged content hash,
// "sha256:" followed by 64 lowercase hex characters.
func HashObject(v any) (string, error) {
	canonical, err := Canonicalize(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return HashPrefix + hex.EncodeToString(sum[:]), nil
}

// HashBytes returns the tagged hash of raw bytes without canonicalization.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return HashPrefix + hex.EncodeToString(sum[:])
}

// HashString returns the untagged hex digest of s.
func HashString(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// ChainHash links a record into its tenant chain. The previous chain hash,
// when present, is prepended to the combined content hashes before digesting.
// A genesis record hashes the combined content alone; the absence of a
// predecessor is expressed by hashing less data, never by a placeholder
// string.
func ChainHash(previous *string, combined string) string {
	if previous == nil {
		return HashString(combined)
	}
	return HashString(*previous + combined)
}

// ParseTaggedHash validates a tagged content hash and returns its hex digest.
func ParseTaggedHash(tagged string) (string, error) {
	digest, ok := strings.CutPrefix(tagged, HashPrefix)
	if !ok {
		return "", fmt.Errorf("hash %q missing %q prefix", tagged, HashPrefix)
	}
	if !IsValidHashHex(digest) {
		return "", fmt.Errorf("hash %q is not 64 lowercase hex characters", tagged)
	}
	return digest, nil
}

// IsValidHashHex reports whether s is exactly 64 lowercase hex characters.
func IsValidHashHex(s string) bool {
	if len(s) != 64 {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

const transactionIDPrefix = "txn_"

// NewTransactionID returns a fresh public transaction identifier,
// "txn_" followed by 32 hex characters.
func NewTransactionID() string {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(fmt.Sprintf("read random bytes: %v", err))
	}
	return transactionIDPrefix + hex.EncodeToString(b[:])
}

// IsValidTransactionID reports whether s has the public txn_<32 hex> form.
func IsValidTransactionID(s string) bool {
	body, ok := strings.CutPrefix(s, transactionIDPrefix)
	if !ok || len(body) != 32 {
		return false
	}
	for i := 0; i < len(body); i++ {
		c := body[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
