package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
)

const (
	// KeyPrefixLength is the number of characters to show as key prefix.
	KeyPrefixLength = 8
	// KeyLength is the number of random bytes in generated API keys.
	KeyLength = 32
	// DefaultKeyPrefix is the prefix for generated keys.
	DefaultKeyPrefix = "ac_"
)

// GenerateAPIKey creates a new random API key with the format: ac_<random>.
// Returns the full key (to show the owner once) and the hash (to store).
func GenerateAPIKey() (fullKey, hash string, err error) {
	randomBytes := make([]byte, KeyLength)
	if _, err := rand.Read(randomBytes); err != nil {
		return "", "", fmt.Errorf("generate random bytes: %w", err)
	}

	fullKey = DefaultKeyPrefix + base64.RawURLEncoding.EncodeToString(randomBytes)
	hash = HashKey(fullKey)

	return fullKey, hash, nil
}

// HashKey creates a SHA-256 hash of the API key.
func HashKey(key string) string {
	h := sha256.Sum256([]byte(key))
	return hex.EncodeToString(h[:])
}

// VerifyKey checks if a key matches a hash using constant-time comparison.
func VerifyKey(key, hash string) bool {
	keyHash := HashKey(key)
	return subtle.ConstantTimeCompare([]byte(keyHash), []byte(hash)) == 1
}

// ExtractKeyPrefix returns the first N characters of a key for identification.
func ExtractKeyPrefix(key string) string {
	if len(key) <= KeyPrefixLength {
		return key
	}
	return key[:KeyPrefixLength]
}
