package core

// Canonical hash primitives shared by the artifact store, the transparency
// log and the blockchain. The algorithm set is closed; each variant
// dispatches statically to the std-lib digest so the inner loop stays
// monomorphic.

import (
	"bytes"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"hash"
	"strings"
)

// HashAlgorithm tags one of the supported digest algorithms.
type HashAlgorithm uint8

const (
	SHA256 HashAlgorithm = iota + 1
	SHA512
)

// ParseHashAlgorithm maps the canonical string form back to a tag.
func ParseHashAlgorithm(s string) (HashAlgorithm, error) {
	switch strings.ToUpper(s) {
	case "SHA256":
		return SHA256, nil
	case "SHA512":
		return SHA512, nil
	default:
		return 0, fmt.Errorf("unknown hash algorithm %q", s)
	}
}

func (a HashAlgorithm) String() string {
	switch a {
	case SHA256:
		return "SHA256"
	case SHA512:
		return "SHA512"
	default:
		return fmt.Sprintf("HashAlgorithm(%d)", uint8(a))
	}
}

// DigestLength returns the digest size in bytes.
func (a HashAlgorithm) DigestLength() int {
	switch a {
	case SHA256:
		return 256 / 8
	case SHA512:
		return 512 / 8
	default:
		return 0
	}
}

// Digester returns a fresh digest for the algorithm.
func (a HashAlgorithm) Digester() hash.Hash {
	switch a {
	case SHA256:
		return sha256.New()
	default:
		return sha512.New()
	}
}

// Algorithms lists every supported algorithm, in directory-layout order.
func Algorithms() []HashAlgorithm {
	return []HashAlgorithm{SHA256, SHA512}
}

// Hash is an algorithm tag plus a digest of exactly the algorithm's length.
// Values are immutable once constructed.
type Hash struct {
	Algorithm HashAlgorithm
	Bytes     []byte
}

// NewHash validates the digest length against the algorithm.
func NewHash(algorithm HashAlgorithm, digest []byte) (Hash, error) {
	if len(digest) != algorithm.DigestLength() {
		return Hash{}, fmt.Errorf(
			"hash value has the wrong length for %s: expected %d bytes, got %d",
			algorithm, algorithm.DigestLength(), len(digest))
	}
	return Hash{Algorithm: algorithm, Bytes: append([]byte(nil), digest...)}, nil
}

// NewHashFromHex builds a Hash from the lower-hex digest string.
func NewHashFromHex(algorithm HashAlgorithm, hexDigest string) (Hash, error) {
	b, err := hex.DecodeString(hexDigest)
	if err != nil {
		return Hash{}, fmt.Errorf("decode hex digest: %w", err)
	}
	return NewHash(algorithm, b)
}

// HashOf digests data under the given algorithm.
func HashOf(algorithm HashAlgorithm, data []byte) Hash {
	d := algorithm.Digester()
	d.Write(data)
	return Hash{Algorithm: algorithm, Bytes: d.Sum(nil)}
}

// HexDigest returns the lower-hex digest without the algorithm prefix.
func (h Hash) HexDigest() string {
	return hex.EncodeToString(h.Bytes)
}

// String renders the display form `ALG:hex`.
func (h Hash) String() string {
	return h.Algorithm.String() + ":" + h.HexDigest()
}

func (h Hash) Equal(other Hash) bool {
	return h.Algorithm == other.Algorithm && bytes.Equal(h.Bytes, other.Bytes)
}
