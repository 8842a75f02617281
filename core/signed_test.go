package core

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func testRSAKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate rsa key: %v", err)
	}
	return key
}

func TestSignVerifyRoundTripUnicode(t *testing.T) {
	payload := []byte(`{"foo":"π is 16 bit unicode","bar":23894,"zot":"🦽is 32 bit unicode"}`)
	key := testRSAKey(t)

	signed, err := SignJSON(payload, RS512, key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	attestations, err := VerifyJSON(signed)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if len(attestations) != 1 {
		t.Fatalf("got %d attestations, want 1", len(attestations))
	}
	att := attestations[0]
	if !att.SignatureIsValid {
		t.Fatal("signature reported invalid")
	}
	if att.SignatureAlgorithm != RS512 {
		t.Fatalf("algorithm %s, want RS512", att.SignatureAlgorithm)
	}
	if att.SignerPublicKey.N.Cmp(key.PublicKey.N) != 0 {
		t.Fatal("attestation carries a different signer key")
	}

	// Parsing the signed document and re-verifying yields the same result.
	var obj map[string]interface{}
	if err := json.Unmarshal(signed, &obj); err != nil {
		t.Fatalf("signed output is not valid JSON: %v", err)
	}
	reparsed, err := json.Marshal(obj)
	if err != nil {
		t.Fatalf("re-encode parsed document: %v", err)
	}
	again, err := VerifyJSON(reparsed)
	if err != nil || len(again) != 1 || !again[0].SignatureIsValid {
		t.Fatalf("re-verify failed: %v", err)
	}
}

func TestVerifyUnsignedPayload(t *testing.T) {
	_, err := VerifyJSON([]byte(`{"foo":"bar"}`))
	if !errors.Is(err, ErrNotSigned) {
		t.Fatalf("verify returned %v, want ErrNotSigned", err)
	}
}

func TestVerifyTamperedPayload(t *testing.T) {
	key := testRSAKey(t)
	signed, err := SignJSON([]byte(`{"value":"original"}`), RS512, key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	tampered := []byte(strings.Replace(string(signed), "original", "falsified", 1))
	_, err = VerifyJSON(tampered)
	if !errors.Is(err, ErrNoValidSignatures) {
		t.Fatalf("verify of tampered payload returned %v, want ErrNoValidSignatures", err)
	}
}

func TestAppendSignaturePreservesPayloadBytes(t *testing.T) {
	payload := []byte(`{"alpha":1,"omega":"last"}`)
	key1 := testRSAKey(t)
	key2 := testRSAKey(t)

	once, err := SignJSON(payload, RS512, key1)
	if err != nil {
		t.Fatalf("first sign: %v", err)
	}
	twice, err := SignJSON(once, RS384, key2)
	if err != nil {
		t.Fatalf("second sign: %v", err)
	}

	stripped1 := stripSignatureMember(t, once)
	stripped2 := stripSignatureMember(t, twice)
	if stripped1 != stripped2 {
		t.Fatalf("payload bytes changed when appending a signature:\n%s\nvs\n%s", stripped1, stripped2)
	}

	attestations, err := VerifyJSON(twice)
	if err != nil {
		t.Fatalf("verify twice-signed: %v", err)
	}
	if len(attestations) != 2 {
		t.Fatalf("got %d attestations, want 2", len(attestations))
	}
	for i, att := range attestations {
		if !att.SignatureIsValid {
			t.Fatalf("attestation %d invalid after append", i)
		}
	}
	if attestations[0].SignatureAlgorithm != RS512 || attestations[1].SignatureAlgorithm != RS384 {
		t.Fatalf("signature order not preserved: %s, %s",
			attestations[0].SignatureAlgorithm, attestations[1].SignatureAlgorithm)
	}
}

// stripSignatureMember removes the __signature member and re-renders
// canonically, exposing the byte context the signatures cover.
func stripSignatureMember(t *testing.T, payload []byte) string {
	t.Helper()
	obj, _, err := splitSignedPayload(payload)
	if err != nil {
		t.Fatalf("split payload: %v", err)
	}
	out, err := canonicalJSON(obj)
	if err != nil {
		t.Fatalf("canonicalize: %v", err)
	}
	return string(out)
}

func TestSignedStructDiscipline(t *testing.T) {
	key := testRSAKey(t)
	entry := &TransparencyLogEntry{}
	entry.fromWire(transparencyLogEntryJSON{
		ID:                        "0c22cd85-e47a-4b4b-9b66-4b1e90aa0b82",
		PackageType:               PackageTypeDocker,
		PackageSpecificID:         "alpine",
		PackageSpecificArtifactID: "sha256:deadbeef",
		ArtifactHash:              "deadbeef",
		Operation:                 OperationAddArtifact,
	})

	if _, ok := entry.JSON(); ok {
		t.Fatal("fresh entry claims to be signed")
	}
	if err := entry.Sign(RS512, key); err != nil {
		t.Fatalf("sign: %v", err)
	}
	signed, ok := entry.JSON()
	if !ok {
		t.Fatal("signed entry lost its JSON")
	}
	attestations, err := entry.Verify()
	if err != nil || len(attestations) != 1 || !attestations[0].SignatureIsValid {
		t.Fatalf("verify signed entry: %v", err)
	}

	// Any setter must clear the signed form.
	entry.SetSourceHash("cafe")
	if _, ok := entry.JSON(); ok {
		t.Fatal("setter did not clear the signed JSON")
	}
	if _, err := entry.Verify(); !errors.Is(err, ErrNotSigned) {
		t.Fatalf("verify after mutation returned %v, want ErrNotSigned", err)
	}

	// Deserializing records the input as the authoritative form.
	restored, err := TransparencyLogEntryFromJSON(signed)
	if err != nil {
		t.Fatalf("from json: %v", err)
	}
	if restored.PackageSpecificArtifactID() != "sha256:deadbeef" {
		t.Fatalf("restored entry has id %q", restored.PackageSpecificArtifactID())
	}
	if _, err := restored.Verify(); err != nil {
		t.Fatalf("verify restored entry: %v", err)
	}
}

func TestTransparencyLogEntryJSONRoundTrip(t *testing.T) {
	entry := &TransparencyLogEntry{}
	entry.fromWire(transparencyLogEntryJSON{
		ID:                        "b2b79b60-a2f9-4a29-8e3a-bd4a6f1ea35b",
		PackageType:               PackageTypeMaven2,
		PackageSpecificID:         "commons-codec:commons-codec:1.15",
		PackageSpecificArtifactID: "commons-codec:commons-codec:1.15/commons-codec-1.15.jar",
		ArtifactHash:              "00aa11bb",
		ArtifactID:                "5cf17ae1-2f0f-4fbb-b747-44ea2f80e4cf",
		Timestamp:                 1658143962,
		Operation:                 OperationAddArtifact,
		NumArtifacts:              8,
	})
	data, err := json.Marshal(entry)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	restored, err := TransparencyLogEntryFromJSON(string(data))
	if err != nil {
		t.Fatalf("from json: %v", err)
	}
	if restored.ID() != entry.ID() ||
		restored.PackageType() != entry.PackageType() ||
		restored.PackageSpecificArtifactID() != entry.PackageSpecificArtifactID() ||
		restored.ArtifactID() != entry.ArtifactID() ||
		restored.Timestamp() != entry.Timestamp() ||
		restored.NumArtifacts() != entry.NumArtifacts() {
		t.Fatal("round trip lost fields")
	}
}
