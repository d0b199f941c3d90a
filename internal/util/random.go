package util

import (
	"crypto/rand"
	"fmt"
	"io"
)

func RandomBytes(n int) ([]byte, error) {
	return RandomBytesFrom(rand.Reader, n)
}

// RandomBytesFrom fills n bytes from src. A short read is an error.
func RandomBytesFrom(src io.Reader, n int) ([]byte, error) {
	if src == nil {
		return nil, fmt.Errorf("generating random bytes: no random source")
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(src, b); err != nil {
		return nil, fmt.Errorf("generating random bytes: %w", err)
	}
	return b, nil
}
