package content

import (
	"crypto/sha256"
	"encoding/hex"
)

// Fingerprint is the hex SHA-256 digest of a block's literal content.
type Fingerprint string

// FingerprintOf hashes content as-is; whitespace is significant.
func FingerprintOf(value string) Fingerprint {
	sum := sha256.Sum256([]byte(value))
	return Fingerprint(hex.EncodeToString(sum[:]))
}

// String returns the hex digest.
func (f Fingerprint) String() string {
	return string(f)
}
