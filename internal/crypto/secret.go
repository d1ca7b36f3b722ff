// Package crypto generates secrets for operator session signing.
package crypto

import (
	"crypto/rand"
	"errors"
	"io"
)

var alphabet = []byte("abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789-_")

// RandomSecret returns a random URL-safe string of length n.
func RandomSecret(n int) (string, error) {
	if n <= 0 {
		return "", errors.New("length must be positive")
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, buf); err != nil {
		return "", err
	}
	// len(alphabet) is 64, so the modulo is unbiased
	for i := range buf {
		buf[i] = alphabet[int(buf[i])%len(alphabet)]
	}
	return string(buf), nil
}
