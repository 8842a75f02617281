package core

// Detached-signature envelope over canonical JSON payloads. A signed payload
// is a JSON object carrying a reserved `__signature` array of JWS-like
// strings of the form `<b64url(header)>..<b64url(signature)>` — the double
// dot marks the detached body. The signed bytes are the encoded header
// followed by the payload around the `__signature` member, so appending
// further signatures never perturbs the byte context of the existing ones.

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// signatureField is the reserved member name on signed payloads.
const signatureField = "__signature"

// SignatureAlgorithm tags the supported RSA signature schemes.
type SignatureAlgorithm uint8

const (
	RS512 SignatureAlgorithm = iota + 1
	RS384
)

func (a SignatureAlgorithm) String() string {
	switch a {
	case RS512:
		return "RS512"
	case RS384:
		return "RS384"
	default:
		return fmt.Sprintf("SignatureAlgorithm(%d)", uint8(a))
	}
}

// ParseSignatureAlgorithm maps the JWS `alg` value back to a tag.
func ParseSignatureAlgorithm(s string) (SignatureAlgorithm, error) {
	switch s {
	case "RS512":
		return RS512, nil
	case "RS384":
		return RS384, nil
	default:
		return 0, fmt.Errorf("unsupported signature algorithm %q", s)
	}
}

func (a SignatureAlgorithm) cryptoHash() crypto.Hash {
	if a == RS384 {
		return crypto.SHA384
	}
	return crypto.SHA512
}

// signatureTimestampFormat is RFC 3339 with millisecond precision, UTC.
const signatureTimestampFormat = "2006-01-02T15:04:05.000Z"

type signatureHeader struct {
	Alg       string `json:"alg"`
	Signer    string `json:"signer"`
	Timestamp string `json:"timestamp"`
	Ext       string `json:"ext,omitempty"`
}

// SignJSON attaches a detached signature to the payload, which must be a
// JSON object. The returned bytes are the canonical rendering of the payload
// with the new JWS appended to the `__signature` array (created if absent).
// All other members keep their canonical byte form.
func SignJSON(payload []byte, alg SignatureAlgorithm, key *rsa.PrivateKey) ([]byte, error) {
	return signJSONAt(payload, alg, key, time.Now().UTC(), nil)
}

// SignJSONWithExpiration is SignJSON with an `ext` expiration claim.
func SignJSONWithExpiration(payload []byte, alg SignatureAlgorithm, key *rsa.PrivateKey, expiration time.Time) ([]byte, error) {
	return signJSONAt(payload, alg, key, time.Now().UTC(), &expiration)
}

func signJSONAt(payload []byte, alg SignatureAlgorithm, key *rsa.PrivateKey, now time.Time, expiration *time.Time) ([]byte, error) {
	obj, sigs, err := splitSignedPayload(payload)
	if err != nil {
		return nil, err
	}

	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("encode signer public key: %w", err)
	}
	header := signatureHeader{
		Alg:       alg.String(),
		Signer:    base64.StdEncoding.EncodeToString(der),
		Timestamp: now.Format(signatureTimestampFormat),
	}
	if expiration != nil {
		header.Ext = expiration.UTC().Format(signatureTimestampFormat)
	}
	headerJSON, err := json.Marshal(header)
	if err != nil {
		return nil, fmt.Errorf("encode signature header: %w", err)
	}
	canonicalHeader, err := canonicalizeJSON(headerJSON)
	if err != nil {
		return nil, err
	}
	encodedHeader := base64.RawURLEncoding.EncodeToString(canonicalHeader)

	signed, err := signedBytes(encodedHeader, obj)
	if err != nil {
		return nil, err
	}
	digest := digestFor(alg, signed)
	sig, err := rsa.SignPKCS1v15(rand.Reader, key, alg.cryptoHash(), digest)
	if err != nil {
		return nil, fmt.Errorf("rsa sign: %w", err)
	}

	jws := encodedHeader + ".." + base64.RawURLEncoding.EncodeToString(sig)
	sigs = append(sigs, jws)
	return assembleSignedPayload(obj, sigs)
}

// VerifyJSON checks every signature attached to the payload and returns one
// attestation per JWS. ErrNotSigned when the `__signature` array is missing
// or empty; ErrNoValidSignatures when none verify.
func VerifyJSON(payload []byte) ([]Attestation, error) {
	obj, sigs, err := splitSignedPayload(payload)
	if err != nil {
		return nil, err
	}
	if len(sigs) == 0 {
		return nil, ErrNotSigned
	}

	attestations := make([]Attestation, 0, len(sigs))
	anyValid := false
	for _, jws := range sigs {
		att, err := verifyOne(jws, obj)
		if err != nil {
			logrus.Debugf("signature rejected: %v", err)
			attestations = append(attestations, Attestation{})
			continue
		}
		if att.SignatureIsValid {
			anyValid = true
		}
		attestations = append(attestations, att)
	}
	if !anyValid {
		return attestations, ErrNoValidSignatures
	}
	return attestations, nil
}

func verifyOne(jws string, obj map[string]interface{}) (Attestation, error) {
	idx := strings.Index(jws, "..")
	if idx < 0 {
		return Attestation{}, fmt.Errorf("malformed detached JWS: missing double dot")
	}
	encodedHeader := jws[:idx]
	encodedSignature := jws[idx+2:]

	headerBytes, err := base64.RawURLEncoding.DecodeString(encodedHeader)
	if err != nil {
		return Attestation{}, fmt.Errorf("decode header: %w", err)
	}
	var header signatureHeader
	if err := json.Unmarshal(headerBytes, &header); err != nil {
		return Attestation{}, fmt.Errorf("parse header: %w", err)
	}
	alg, err := ParseSignatureAlgorithm(header.Alg)
	if err != nil {
		return Attestation{}, err
	}
	der, err := base64.StdEncoding.DecodeString(header.Signer)
	if err != nil {
		return Attestation{}, fmt.Errorf("decode signer key: %w", err)
	}
	pub, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return Attestation{}, fmt.Errorf("parse signer key: %w", err)
	}
	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return Attestation{}, fmt.Errorf("signer key is %T, want *rsa.PublicKey", pub)
	}
	timestamp, err := time.Parse(signatureTimestampFormat, header.Timestamp)
	if err != nil {
		return Attestation{}, fmt.Errorf("parse timestamp: %w", err)
	}
	var expiration *time.Time
	if header.Ext != "" {
		t, err := time.Parse(signatureTimestampFormat, header.Ext)
		if err != nil {
			return Attestation{}, fmt.Errorf("parse expiration: %w", err)
		}
		expiration = &t
	}

	sig, err := base64.RawURLEncoding.DecodeString(encodedSignature)
	if err != nil {
		return Attestation{}, fmt.Errorf("decode signature: %w", err)
	}
	signed, err := signedBytes(encodedHeader, obj)
	if err != nil {
		return Attestation{}, err
	}
	digest := digestFor(alg, signed)
	verifyErr := rsa.VerifyPKCS1v15(rsaPub, alg.cryptoHash(), digest, sig)

	return Attestation{
		SignatureAlgorithm: alg,
		SignerPublicKey:    rsaPub,
		Timestamp:          timestamp,
		ExpirationTime:     expiration,
		SignatureIsValid:   verifyErr == nil,
	}, nil
}

// splitSignedPayload decodes the payload object and pulls out the
// `__signature` array. The remaining object is what the signatures cover.
func splitSignedPayload(payload []byte) (map[string]interface{}, []string, error) {
	v, err := decodeJSONValue(payload)
	if err != nil {
		return nil, nil, err
	}
	obj, ok := v.(map[string]interface{})
	if !ok {
		return nil, nil, fmt.Errorf("signed payload must be a JSON object, got %T", v)
	}
	var sigs []string
	if raw, present := obj[signatureField]; present {
		arr, ok := raw.([]interface{})
		if !ok {
			return nil, nil, fmt.Errorf("%s must be an array", signatureField)
		}
		for i, item := range arr {
			s, ok := item.(string)
			if !ok {
				return nil, nil, fmt.Errorf("%s[%d] must be a string", signatureField, i)
			}
			sigs = append(sigs, s)
		}
		delete(obj, signatureField)
	}
	return obj, sigs, nil
}

// signedBytes produces the exact byte sequence a signature covers: the
// encoded header, then the canonical payload before the `__signature`
// member, then the canonical payload after it. With the member removed the
// concatenation of before and after is the canonical rendering of the
// remaining object, which is what is fed to the signer here.
func signedBytes(encodedHeader string, obj map[string]interface{}) ([]byte, error) {
	body, err := canonicalJSON(obj)
	if err != nil {
		return nil, err
	}
	signed := make([]byte, 0, len(encodedHeader)+len(body))
	signed = append(signed, encodedHeader...)
	signed = append(signed, body...)
	return signed, nil
}

// assembleSignedPayload re-inserts the signature array and renders the full
// payload canonically, keeping every other member byte-identical.
func assembleSignedPayload(obj map[string]interface{}, sigs []string) ([]byte, error) {
	arr := make([]interface{}, len(sigs))
	for i, s := range sigs {
		arr[i] = s
	}
	obj[signatureField] = arr
	out, err := canonicalJSON(obj)
	delete(obj, signatureField)
	return out, err
}

func digestFor(alg SignatureAlgorithm, data []byte) []byte {
	h := alg.cryptoHash().New()
	h.Write(data)
	return h.Sum(nil)
}
