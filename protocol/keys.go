package protocol

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"fmt"
)

// KeyPair holds an agent's Ed25519 key pair. Keys are the raw Ed25519
// bytes encoded with standard base64, the single canonical encoding
// used everywhere in HiveMesh. The private key never crosses the
// network; only the base64 public key appears in registry records and
// agent_identity payloads.
type KeyPair struct {
	PublicKey  string `json:"public_key" yaml:"public_key"`
	PrivateKey string `json:"private_key,omitempty" yaml:"private_key,omitempty"`
}

// GenerateKeyPair produces a fresh Ed25519 key pair from crypto/rand.
func GenerateKeyPair() (KeyPair, error) {
	public, private, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return KeyPair{}, fmt.Errorf("generating Ed25519 key pair: %w", err)
	}
	return KeyPair{
		PublicKey:  base64.StdEncoding.EncodeToString(public),
		PrivateKey: base64.StdEncoding.EncodeToString(private),
	}, nil
}

// Public decodes the base64 public key.
func (kp KeyPair) Public() (ed25519.PublicKey, error) {
	return DecodePublicKey(kp.PublicKey)
}

// Private decodes the base64 private key.
func (kp KeyPair) Private() (ed25519.PrivateKey, error) {
	return DecodePrivateKey(kp.PrivateKey)
}

// DecodePublicKey decodes a base64 Ed25519 public key, checking the
// decoded size.
func DecodePublicKey(encoded string) (ed25519.PublicKey, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decoding public key: %w", err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("public key has %d bytes, want %d", len(raw), ed25519.PublicKeySize)
	}
	return ed25519.PublicKey(raw), nil
}

// DecodePrivateKey decodes a base64 Ed25519 private key, checking the
// decoded size.
func DecodePrivateKey(encoded string) (ed25519.PrivateKey, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decoding private key: %w", err)
	}
	if len(raw) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("private key has %d bytes, want %d", len(raw), ed25519.PrivateKeySize)
	}
	return ed25519.PrivateKey(raw), nil
}

// Sign canonicalizes payload and signs the canonical bytes with the
// base64-encoded private key. Returns a base64 signature. A malformed
// key fails with a ConfigError; key material comes from configuration,
// so a bad key is a deployment problem, not a runtime one.
func Sign(payload any, privateKey string) (string, error) {
	private, err := DecodePrivateKey(privateKey)
	if err != nil {
		return "", NewError(KindConfigError, "signing: %v", err)
	}
	canonical, err := Canonicalize(payload)
	if err != nil {
		return "", NewError(KindConfigError, "signing: %v", err)
	}
	sig := ed25519.Sign(private, canonical)
	return base64.StdEncoding.EncodeToString(sig), nil
}

// Verify canonicalizes payload exactly as Sign does and checks the
// base64 signature against the base64-encoded public key. It is total:
// any decode failure, malformed input, or mismatch yields false, never
// an error. Verification failure is a normal outcome on the hot path of
// every inbound message.
func Verify(payload any, signature, publicKey string) bool {
	public, err := DecodePublicKey(publicKey)
	if err != nil {
		return false
	}
	return VerifyKey(payload, signature, public)
}

// VerifyKey is Verify for a caller that already holds a decoded public
// key (e.g. from a registry lookup). A nil key always fails.
func VerifyKey(payload any, signature string, publicKey ed25519.PublicKey) bool {
	if len(publicKey) != ed25519.PublicKeySize {
		return false
	}
	sig, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return false
	}
	canonical, err := Canonicalize(payload)
	if err != nil {
		return false
	}
	return ed25519.Verify(publicKey, canonical, sig)
}
