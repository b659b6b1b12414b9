package util

import (
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// HKDF derives length bytes from seed with HKDF-SHA-256.
func HKDF(seed, salt, info []byte, length int) ([]byte, error) {
	if length <= 0 {
		return nil, fmt.Errorf("invalid HKDF output length %d", length)
	}
	h := hkdf.New(sha256.New, seed, salt, info)
	k := make([]byte, length)
	if _, err := io.ReadFull(h, k); err != nil {
		return nil, fmt.Errorf("reading from HKDF: %w", err)
	}
	return k, nil
}
