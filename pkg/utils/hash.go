package utils

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/google/uuid"
)

// HashString returns the hex sha256 of input, used for cache keys.
func HashString(input string) string {
	sum := sha256.Sum256([]byte(input))
	return hex.EncodeToString(sum[:])
}

// NewID returns a random identifier as 32 lowercase hex characters.
func NewID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}
