// Package testutil provides shared fixtures for package tests: isolated
// artifact directories and throwaway key material. Tests never touch
// process-wide paths.
package testutil

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"os"
	"path/filepath"
	"testing"
)

// ArtifactDir creates an isolated artifact root for one test.
func ArtifactDir(t *testing.T) string {
	t.Helper()
	return t.TempDir()
}

// BlockKeypair generates a throwaway ed25519 key.
func BlockKeypair(t *testing.T) ed25519.PrivateKey {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate ed25519 key: %v", err)
	}
	return priv
}

// SigningKey generates a throwaway RSA key. 2048 bits keeps test runtime
// reasonable.
func SigningKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate rsa key: %v", err)
	}
	return key
}

// KeypairPath returns a fresh path for a keypair file inside the test's
// temp dir.
func KeypairPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), ".block_keypair")
}

// WriteFile drops content at path, creating parent directories.
func WriteFile(t *testing.T, path string, content []byte) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir for %s: %v", path, err)
	}
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}
