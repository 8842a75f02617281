package core

import (
	"crypto/rsa"
	"time"
)

// Attestation is the verified metadata about one detached signature on a
// signed payload.
type Attestation struct {
	SignatureAlgorithm SignatureAlgorithm
	SignerPublicKey    *rsa.PublicKey
	Timestamp          time.Time
	ExpirationTime     *time.Time
	SignatureIsValid   bool
}

// Valid reports whether the signature verified and has not expired.
func (a Attestation) Valid(now time.Time) bool {
	if !a.SignatureIsValid {
		return false
	}
	if a.ExpirationTime != nil && now.After(*a.ExpirationTime) {
		return false
	}
	return true
}
