package core

// Signed-struct discipline: every record that travels between nodes either
// carries the canonical signed JSON it was built from, or is explicitly
// unsigned. Field setters clear the cached form, so a mutated record can
// never masquerade as signed.

import (
	"crypto/rsa"
)

// Signed is embedded by record types that participate in the envelope. The
// cached string is the authoritative canonical signed JSON; it is cleared by
// every setter and replenished only by Sign and the deserializers.
type Signed struct {
	signedJSON string
}

// JSON returns the attached canonical signed JSON, if any.
func (s *Signed) JSON() (string, bool) {
	if s.signedJSON == "" {
		return "", false
	}
	return s.signedJSON, true
}

// clearJSON discards the signed form. Every field setter calls this.
func (s *Signed) clearJSON() {
	s.signedJSON = ""
}

// setJSON records the authoritative signed form. Only the envelope and the
// deserializers call this.
func (s *Signed) setJSON(j string) {
	s.signedJSON = j
}

// signedRecord is what a record type must expose to be signed and verified
// through the envelope.
type signedRecord interface {
	JSON() (string, bool)
	clearJSON()
	setJSON(string)
	// unsignedJSON renders the record's current fields as a JSON object
	// without the signature member.
	unsignedJSON() ([]byte, error)
}

// signRecord signs the record's current fields and attaches the resulting
// signed JSON. An already-signed record keeps its existing signatures and
// gains one more.
func signRecord(rec signedRecord, alg SignatureAlgorithm, key *rsa.PrivateKey) error {
	payload, ok := rec.JSON()
	var raw []byte
	if ok {
		raw = []byte(payload)
	} else {
		var err error
		raw, err = rec.unsignedJSON()
		if err != nil {
			return err
		}
	}
	signed, err := SignJSON(raw, alg, key)
	if err != nil {
		return err
	}
	rec.setJSON(string(signed))
	return nil
}

// verifyRecord verifies the record's attached signed JSON. ErrNotSigned when
// the record carries none.
func verifyRecord(rec signedRecord) ([]Attestation, error) {
	payload, ok := rec.JSON()
	if !ok {
		return nil, ErrNotSigned
	}
	return VerifyJSON([]byte(payload))
}
