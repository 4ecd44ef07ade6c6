// Package crypto provides the signing primitives for the audit trail:
// Ed25519 detached signatures over canonical JSON, and HKDF-based key
// derivation so one master key file yields independent purpose keys.
package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/crypto/hkdf"
)

// Algorithm label embedded in every signature string.
const AlgEd25519 = "ed25519"

// SigSeparator splits the algorithm label from the base64 signature body.
const SigSeparator = ":"

var (
	ErrBadSignature   = errors.New("signature verification failed")
	ErrMalformedSig   = errors.New("malformed signature string")
	ErrBadKeyMaterial = errors.New("invalid key material")
)

// Signer produces detached signatures in "<algorithm>:<base64>" form.
type Signer interface {
	Sign(data []byte) (string, error)
	PublicKey() ed25519.PublicKey
	KeyID() string
}

// Ed25519Signer signs with an in-memory Ed25519 private key.
type Ed25519Signer struct {
	priv  ed25519.PrivateKey
	pub   ed25519.PublicKey
	keyID string
}

// NewEd25519Signer generates a fresh keypair. Intended for tests and
// ephemeral processes; production loads a key file via LoadSigner.
func NewEd25519Signer(keyID string) (*Ed25519Signer, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("key generation failed: %w", err)
	}
	return &Ed25519Signer{priv: priv, pub: pub, keyID: keyID}, nil
}

// NewEd25519SignerFromSeed builds a signer from a 32-byte seed.
func NewEd25519SignerFromSeed(seed []byte, keyID string) (*Ed25519Signer, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("%w: seed must be %d bytes, got %d", ErrBadKeyMaterial, ed25519.SeedSize, len(seed))
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return &Ed25519Signer{
		priv:  priv,
		pub:   priv.Public().(ed25519.PublicKey),
		keyID: keyID,
	}, nil
}

// LoadSigner reads a master key file (hex-encoded 32-byte seed, optional
// trailing newline) and returns a signer for the given purpose. Purpose
// strings ("decision", "worm-seal") derive independent keys via
// HKDF-SHA256 so a leaked purpose key does not compromise the others.
func LoadSigner(path, purpose string) (*Ed25519Signer, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read signing key: %w", err)
	}
	seedHex := strings.TrimSpace(string(raw))
	master, err := hex.DecodeString(seedHex)
	if err != nil {
		return nil, fmt.Errorf("%w: key file is not hex: %v", ErrBadKeyMaterial, err)
	}
	return DeriveSigner(master, purpose)
}

// GenerateKeyFile writes a fresh hex-encoded 32-byte master seed to
// path with owner-only permissions. It refuses to overwrite.
func GenerateKeyFile(path string) error {
	seed := make([]byte, ed25519.SeedSize)
	if _, err := rand.Read(seed); err != nil {
		return fmt.Errorf("key generation failed: %w", err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return fmt.Errorf("create key file: %w", err)
	}
	if _, err := fmt.Fprintln(f, hex.EncodeToString(seed)); err != nil {
		_ = f.Close()
		return fmt.Errorf("write key file: %w", err)
	}
	return f.Close()
}

// DeriveSigner derives a purpose-specific signer from master key material.
func DeriveSigner(master []byte, purpose string) (*Ed25519Signer, error) {
	if len(master) < ed25519.SeedSize {
		return nil, fmt.Errorf("%w: master key must be at least %d bytes", ErrBadKeyMaterial, ed25519.SeedSize)
	}
	r := hkdf.New(sha256.New, master, []byte("tiller-key-derivation"), []byte(purpose))
	seed := make([]byte, ed25519.SeedSize)
	if _, err := io.ReadFull(r, seed); err != nil {
		return nil, fmt.Errorf("hkdf derivation failed: %w", err)
	}
	return NewEd25519SignerFromSeed(seed, purpose)
}

// Sign returns "ed25519:<base64(signature)>".
func (s *Ed25519Signer) Sign(data []byte) (string, error) {
	sig := ed25519.Sign(s.priv, data)
	return AlgEd25519 + SigSeparator + base64.StdEncoding.EncodeToString(sig), nil
}

func (s *Ed25519Signer) PublicKey() ed25519.PublicKey { return s.pub }

func (s *Ed25519Signer) KeyID() string { return s.keyID }

// Verify checks a "<algorithm>:<base64>" signature against a public key.
func Verify(pub ed25519.PublicKey, signature string, data []byte) error {
	alg, body, ok := strings.Cut(signature, SigSeparator)
	if !ok {
		return ErrMalformedSig
	}
	if alg != AlgEd25519 {
		return fmt.Errorf("%w: unsupported algorithm %q", ErrMalformedSig, alg)
	}
	sig, err := base64.StdEncoding.DecodeString(body)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedSig, err)
	}
	if len(pub) != ed25519.PublicKeySize {
		return fmt.Errorf("%w: bad public key size", ErrBadKeyMaterial)
	}
	if !ed25519.Verify(pub, data, sig) {
		return ErrBadSignature
	}
	return nil
}
