// Package apikey mints and hashes opaque bearer API keys (§4.2).
//
// Grounded on the teacher's generateRequestToken/validateRequestToken in
// internal/api/balance_service.go, generalized from a short-lived
// per-request replay token into a long-lived per-user bearer credential,
// and moved from a hard-coded secret literal to the configured server
// pepper the teacher's own doc comment flagged as a production TODO.
package apikey

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
)

// Prefix is prepended to every minted plaintext key (§4.2).
const Prefix = "pk_"

const randomBytes = 32

// Mint generates a new plaintext key and its stored hash. The plaintext is
// returned to the caller exactly once (§3 ApiKey invariant) — callers must
// not retain it beyond the mint response.
func Mint(pepper string) (plaintext string, hashedKey string, err error) {
	buf := make([]byte, randomBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", "", fmt.Errorf("generating key material: %w", err)
	}

	digest := sha256.Sum256(append(buf, []byte(pepper)...))
	plaintext = Prefix + hex.EncodeToString(digest[:])[:32]
	hashedKey = Hash(plaintext, pepper)
	return plaintext, hashedKey, nil
}

// Hash computes the stored digest for a presented plaintext key. Mint and
// the authentication stage both call this so verification is symmetric:
// hash what was presented, look it up by equality.
func Hash(plaintext, pepper string) string {
	digest := sha256.Sum256([]byte(plaintext + pepper))
	return hex.EncodeToString(digest[:])
}

// Equal compares two stored hashes in constant time. Lookups in the store
// go by equality predicate in SQL, not this function; it exists for
// in-process comparisons (tests, cache hits) where timing matters.
func Equal(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
