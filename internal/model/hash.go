package model

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// PseudonymPrefix marks values that have already been replaced by a salted
// hash. Re-applying the de-identification rules to a value carrying this
// prefix is a no-op, which keeps the transform idempotent.
const PseudonymPrefix = "pp-"

// correlationHashLen is the number of hex characters kept from the digest.
// 16 bytes of SHA-256 output is plenty to avoid collisions at pipeline scale
// while keeping audit rows compact.
const correlationHashLen = 32

// CorrelationHash derives a stable identifier from source-system fields.
// The same salt and parts always produce the same hash; without the salt the
// original values cannot be recovered.
func CorrelationHash(salt string, parts ...string) string {
	h := sha256.New()
	h.Write([]byte(salt))
	for _, p := range parts {
		h.Write([]byte{0})
		h.Write([]byte(p))
	}
	return hex.EncodeToString(h.Sum(nil))[:correlationHashLen]
}

// Pseudonym maps a direct identifier to its deterministic replacement.
// Already-pseudonymized values pass through unchanged.
func Pseudonym(salt, value string) string {
	if value == "" {
		return ""
	}
	if strings.HasPrefix(value, PseudonymPrefix) {
		return value
	}
	return PseudonymPrefix + CorrelationHash(salt, value)
}

// IsPseudonym reports whether a value has already been pseudonymized.
func IsPseudonym(value string) bool {
	return strings.HasPrefix(value, PseudonymPrefix)
}
