// Package canonicalize provides RFC 8785 (JSON Canonicalization Scheme)
// serialization and content hashing. Every artifact that is hashed or
// signed (decision records, journal events, provenance graphs, plan
// fingerprints) goes through this package so that two structurally equal
// values always produce identical bytes.
package canonicalize

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

// HashPrefix is prepended to every hex digest this package emits.
const HashPrefix = "sha256:"

// JCS returns the RFC 8785 canonical JSON representation of v.
// v is first marshaled with encoding/json (honoring struct tags), then
// transformed into canonical form: keys sorted by UTF-16 code units,
// shortest-round-trip number formatting, no HTML escaping.
func JCS(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: marshal failed: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: jcs transform failed: %w", err)
	}
	return canonical, nil
}

// JCSString returns the canonical form as a string.
func JCSString(v any) (string, error) {
	b, err := JCS(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Hash returns the prefixed SHA-256 hex digest of the canonical JSON
// representation of v.
func Hash(v any) (string, error) {
	b, err := JCS(v)
	if err != nil {
		return "", err
	}
	return HashBytes(b), nil
}

// HashBytes computes the prefixed SHA-256 digest of raw bytes.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return HashPrefix + hex.EncodeToString(sum[:])
}

// HashString computes the prefixed SHA-256 digest of a string.
func HashString(s string) string {
	return HashBytes([]byte(s))
}
