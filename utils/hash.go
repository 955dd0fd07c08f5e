package utils

import (
	"crypto/sha1"
	"encoding/hex"
)

const (
	shortHashLen int = 10
)

// MakeHash returns hash string from plain text
func MakeHash(s string) string {
	hash := sha1.New()
	hash.Write([]byte(s))
	hashBytes := hash.Sum(nil)
	return hex.EncodeToString(hashBytes)
}

// MakeShortHash returns the leading characters of MakeHash, used as a file name suffix
func MakeShortHash(s string) string {
	return MakeHash(s)[:shortHashLen]
}
