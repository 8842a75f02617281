package core

// Long-term key material. The block keypair is 64 raw ed25519 private-key
// bytes at `$HOME/.block_keypair`, mode 0600, generated on first use. The
// RSA signing key for the metadata envelope lives next to it as PEM.

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// DefaultBlockKeypairPath is `$HOME/.block_keypair`.
func DefaultBlockKeypairPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".block_keypair"
	}
	return filepath.Join(home, ".block_keypair")
}

// LoadOrCreateBlockKeypair reads the 64-byte ed25519 private key from path,
// generating and persisting a fresh one when the file does not exist.
func LoadOrCreateBlockKeypair(path string) (ed25519.PrivateKey, error) {
	raw, err := os.ReadFile(path)
	if err == nil {
		if len(raw) != ed25519.PrivateKeySize {
			return nil, fmt.Errorf("keypair file %q holds %d bytes, want %d", path, len(raw), ed25519.PrivateKeySize)
		}
		return ed25519.PrivateKey(raw), nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read keypair file %q: %w", path, err)
	}

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate ed25519 keypair: %w", err)
	}
	if err := os.WriteFile(path, priv, 0o600); err != nil {
		return nil, fmt.Errorf("write keypair file %q: %w", path, err)
	}
	logrus.Infof("generated new block keypair at %s", path)
	return priv, nil
}

// LoadOrCreateSigningKey reads a PKCS#1 PEM RSA private key, generating a
// 4096-bit one on first use. This key backs the detached-signature envelope
// on transparency-log entries.
func LoadOrCreateSigningKey(path string) (*rsa.PrivateKey, error) {
	raw, err := os.ReadFile(path)
	if err == nil {
		block, _ := pem.Decode(raw)
		if block == nil {
			return nil, fmt.Errorf("signing key file %q is not PEM", path)
		}
		key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parse signing key %q: %w", path, err)
		}
		return key, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read signing key file %q: %w", path, err)
	}

	key, err := rsa.GenerateKey(rand.Reader, 4096)
	if err != nil {
		return nil, fmt.Errorf("generate rsa signing key: %w", err)
	}
	data := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return nil, fmt.Errorf("write signing key file %q: %w", path, err)
	}
	logrus.Infof("generated new signing key at %s", path)
	return key, nil
}

// NodeID derives the stable textual node identity from the block public
// key: the base64 of the raw 32 key bytes.
func NodeID(pub ed25519.PublicKey) string {
	return base64.StdEncoding.EncodeToString(pub)
}

func newUUID() string {
	return uuid.NewString()
}
