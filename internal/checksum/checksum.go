// Package checksum computes content digests used for snapshot equality and ETags.
package checksum

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// Sum returns the hex-encoded SHA-256 digest of data.
func Sum(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

// SumJSON digests the JSON encoding of v. Map keys are encoded sorted, so equal
// values always produce equal digests.
func SumJSON(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return Sum(data), nil
}
