package crypto

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// PEM block types as written by `openssl genpkey -algorithm ed25519` and
// `openssl pkey -pubout`, so build keys can come straight from a pipeline.
const (
	privateKeyPEMType = "PRIVATE KEY"
	publicKeyPEMType  = "PUBLIC KEY"
)

// SigningKey is the coordinator's session-token signing key.
type SigningKey struct {
	Private ed25519.PrivateKey
	Public  ed25519.PublicKey
}

// Fingerprint identifies the key in logs and mDNS records.
func (k *SigningKey) Fingerprint() string {
	return KeyFingerprint(k.Public)
}

// KeyFingerprint fingerprints a public key by its base64 encoding, the form
// clients exchange it in.
func KeyFingerprint(pub ed25519.PublicKey) string {
	return Fingerprint(base64.StdEncoding.EncodeToString(pub))
}

// LoadOrCreateSigningKey reads a PKCS#8 Ed25519 key from privatePath,
// generating one on first run. The public half is kept in publicPath as
// PKIX PEM so clients can pin it; a missing or stale copy is rewritten.
func LoadOrCreateSigningKey(privatePath, publicPath string) (*SigningKey, error) {
	der, err := readPEM(privatePath, privateKeyPEMType)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return createSigningKey(privatePath, publicPath)
	case err != nil:
		return nil, err
	}

	parsed, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, fmt.Errorf("parse signing key %s: %w", privatePath, err)
	}
	priv, ok := parsed.(ed25519.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("signing key %s is %T, want Ed25519", privatePath, parsed)
	}
	key := &SigningKey{Private: priv, Public: priv.Public().(ed25519.PublicKey)}

	if stored, err := LoadVerifyKey(publicPath); err != nil || !SameKey(stored, key.Public) {
		if err := writePublicKey(publicPath, key.Public); err != nil {
			return nil, err
		}
	}
	return key, nil
}

func createSigningKey(privatePath, publicPath string) (*SigningKey, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate signing key: %w", err)
	}
	der, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("encode signing key: %w", err)
	}
	if err := writePEM(privatePath, privateKeyPEMType, der, 0o600); err != nil {
		return nil, err
	}
	if err := writePublicKey(publicPath, pub); err != nil {
		return nil, err
	}
	return &SigningKey{Private: priv, Public: pub}, nil
}

// LoadVerifyKey reads an Ed25519 public key in PKIX PEM form.
func LoadVerifyKey(path string) (ed25519.PublicKey, error) {
	der, err := readPEM(path, publicKeyPEMType)
	if err != nil {
		return nil, err
	}
	parsed, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("parse public key %s: %w", path, err)
	}
	pub, ok := parsed.(ed25519.PublicKey)
	if !ok {
		return nil, fmt.Errorf("public key %s is %T, want Ed25519", path, parsed)
	}
	return pub, nil
}

func writePublicKey(path string, pub ed25519.PublicKey) error {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return fmt.Errorf("encode public key: %w", err)
	}
	return writePEM(path, publicKeyPEMType, der, 0o644)
}

func readPEM(path, wantType string) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read key %s: %w", path, err)
	}
	block, rest := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("key %s: no PEM block", path)
	}
	if block.Type != wantType {
		return nil, fmt.Errorf("key %s: PEM type %q, want %q", path, block.Type, wantType)
	}
	if len(bytes.TrimSpace(rest)) > 0 {
		return nil, fmt.Errorf("key %s: trailing data after PEM block", path)
	}
	return block.Bytes, nil
}

// writePEM replaces path through a temp file and rename.
func writePEM(path, typ string, der []byte, perm os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create key directory: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp*")
	if err != nil {
		return fmt.Errorf("create temp key file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := pem.Encode(tmp, &pem.Block{Type: typ, Bytes: der}); err != nil {
		tmp.Close()
		return fmt.Errorf("write key %s: %w", path, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync key %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close key %s: %w", path, err)
	}
	if err := os.Chmod(tmp.Name(), perm); err != nil {
		return fmt.Errorf("chmod key %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("install key %s: %w", path, err)
	}
	return nil
}

// ParsePublicKey decodes a standard base64 Ed25519 public key.
func ParsePublicKey(encoded string) (ed25519.PublicKey, error) {
	if len(encoded) > 64 {
		return nil, errors.New("public key too long")
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode public key: %w", err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("invalid Ed25519 public key size %d", len(raw))
	}
	return ed25519.PublicKey(raw), nil
}

// SameKey reports whether two public keys are byte-identical.
func SameKey(a, b ed25519.PublicKey) bool {
	return bytes.Equal(a, b)
}
