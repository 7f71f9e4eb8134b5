package utils

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"lukechampine.com/blake3"
)

const (
	HashSHA256 = "sha256"
	HashBLAKE3 = "blake3"
)

// Digest returns the lowercase hex digest of data using algo.
func Digest(algo string, data []byte) (string, error) {
	switch algo {
	case "", HashSHA256:
		sum := sha256.Sum256(data)
		return hex.EncodeToString(sum[:]), nil
	case HashBLAKE3:
		sum := blake3.Sum256(data)
		return hex.EncodeToString(sum[:]), nil
	default:
		return "", fmt.Errorf("unsupported hash algorithm %q", algo)
	}
}
