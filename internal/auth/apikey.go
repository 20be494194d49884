package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"math/big"
)

const alphanumeric = "abcdefghijklmnopqrstuvwxyz0123456789"

// KeyScheme is the leading segment of every generated client key.
const KeyScheme = "aip"

// GenerateKey creates a new client key with the format: aip-{env}-{32 random alphanumeric chars}
func GenerateKey(env string) (string, error) {
	random, err := randomString(32)
	if err != nil {
		return "", fmt.Errorf("generate random: %w", err)
	}
	return fmt.Sprintf("%s-%s-%s", KeyScheme, env, random), nil
}

// HashKey returns the SHA-256 hex digest of a client key.
func HashKey(key string) string {
	h := sha256.Sum256([]byte(key))
	return fmt.Sprintf("%x", h)
}

// KeyPrefix extracts a display-safe prefix from a key: aip-{env}-{first 8 chars}.
// Keys that do not follow the generated format are cut to 12 characters.
func KeyPrefix(key string) string {
	dashes := 0
	for i, c := range key {
		if c == '-' {
			dashes++
			if dashes == 2 {
				return key[:min(i+9, len(key))]
			}
		}
	}
	if len(key) > 12 {
		return key[:12]
	}
	return key
}

func randomString(n int) (string, error) {
	b := make([]byte, n)
	max := big.NewInt(int64(len(alphanumeric)))
	for i := range b {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		b[i] = alphanumeric[idx.Int64()]
	}
	return string(b), nil
}
