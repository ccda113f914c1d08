// Package password implements the adaptive memory-hard password hasher of
// §4.1: argon2id with a per-user random salt embedded in the stored
// string, and constant-time verification.
package password

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

// MinLength is the minimum accepted plaintext password length (§4.1): any
// shorter password is rejected at the service boundary before hashing.
const MinLength = 10

const (
	saltLen = 16
	keyLen  = 32
	time_   = 1
	memory  = 64 * 1024 // KiB
	threads = 4
)

// Hash derives an argon2id hash for password, embedding algorithm, cost,
// salt, and digest in one self-describing string so Verify never needs
// out-of-band parameters.
func Hash(plaintext string) (string, error) {
	if len(plaintext) < MinLength {
		return "", fmt.Errorf("password must be at least %d characters", MinLength)
	}

	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generating salt: %w", err)
	}

	digest := argon2.IDKey([]byte(plaintext), salt, time_, memory, threads, keyLen)

	return fmt.Sprintf("argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, memory, time_, threads,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(digest),
	), nil
}

// Verify reports whether plaintext matches the stored hash, in constant
// time with respect to the digest comparison.
func Verify(plaintext, stored string) bool {
	parts := strings.Split(stored, "$")
	if len(parts) != 5 || parts[0] != "argon2id" {
		return false
	}

	var version int
	if _, err := fmt.Sscanf(parts[1], "v=%d", &version); err != nil {
		return false
	}

	var m uint32
	var t uint32
	var p uint8
	if _, err := fmt.Sscanf(parts[2], "m=%d,t=%d,p=%d", &m, &t, &p); err != nil {
		return false
	}

	salt, err := base64.RawStdEncoding.DecodeString(parts[3])
	if err != nil {
		return false
	}
	want, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return false
	}

	got := argon2.IDKey([]byte(plaintext), salt, t, m, p, uint32(len(want)))
	return subtle.ConstantTimeCompare(got, want) == 1
}
