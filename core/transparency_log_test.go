package core

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func newTestLog(t *testing.T) *TransparencyLog {
	t.Helper()
	tlog, err := NewTransparencyLog(t.TempDir())
	if err != nil {
		t.Fatalf("new transparency log: %v", err)
	}
	return tlog
}

func testEntry(psaID string) *TransparencyLogEntry {
	e := &TransparencyLogEntry{}
	e.fromWire(transparencyLogEntryJSON{
		ID:                        newUUID(),
		PackageType:               PackageTypeDocker,
		PackageSpecificID:         "alpine",
		PackageSpecificArtifactID: psaID,
		ArtifactHash:              HashOf(SHA256, []byte(psaID)).HexDigest(),
		ArtifactID:                newUUID(),
		Timestamp:                 1658143962,
		Operation:                 OperationAddArtifact,
	})
	return e
}

func TestAddAndGetArtifact(t *testing.T) {
	tlog := newTestLog(t)
	entry := testEntry("sha256:0001")

	if err := tlog.addEntry(entry); err != nil {
		t.Fatalf("add entry: %v", err)
	}
	got, err := tlog.getArtifact(PackageTypeDocker, "sha256:0001")
	if err != nil {
		t.Fatalf("get artifact: %v", err)
	}
	if got.ArtifactID() != entry.ArtifactID() {
		t.Fatalf("lookup returned wrong entry")
	}

	byID, err := tlog.getByArtifactID(entry.ArtifactID())
	if err != nil || byID != got {
		t.Fatalf("lookup by artifact id failed: %v", err)
	}
}

func TestGetArtifactWrongPackageType(t *testing.T) {
	tlog := newTestLog(t)
	if err := tlog.addEntry(testEntry("sha256:0002")); err != nil {
		t.Fatalf("add entry: %v", err)
	}
	if _, err := tlog.getArtifact(PackageTypeMaven2, "sha256:0002"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("cross-type lookup returned %v, want ErrNotFound", err)
	}
}

func TestDuplicateAddArtifact(t *testing.T) {
	tlog := newTestLog(t)
	if err := tlog.addEntry(testEntry("sha256:0003")); err != nil {
		t.Fatalf("first add: %v", err)
	}
	err := tlog.addEntry(testEntry("sha256:0003"))
	if !errors.Is(err, ErrDuplicateID) {
		t.Fatalf("duplicate add returned %v, want ErrDuplicateID", err)
	}
}

func TestJournalEscapesSlashes(t *testing.T) {
	tlog := newTestLog(t)
	entry := testEntry("commons-codec:commons-codec:1.15/commons-codec-1.15.jar")
	if err := tlog.addEntry(entry); err != nil {
		t.Fatalf("add entry: %v", err)
	}
	name := "commons-codec:commons-codec:1.15_commons-codec-1.15.jar.log"
	if _, err := os.Stat(filepath.Join(tlog.storagePath, name)); err != nil {
		t.Fatalf("journal file missing: %v", err)
	}
}

func TestVerifyArtifact(t *testing.T) {
	blob := []byte("SAMPLE_DATA")
	entry := &TransparencyLogEntry{}
	entry.fromWire(transparencyLogEntryJSON{
		ID:                        newUUID(),
		PackageSpecificArtifactID: "sample",
		ArtifactHash:              HashOf(SHA256, blob).HexDigest(),
		Operation:                 OperationAddArtifact,
	})

	if err := VerifyArtifact(entry, blob); err != nil {
		t.Fatalf("verify matching blob: %v", err)
	}

	err := VerifyArtifact(entry, []byte("OTHER_SAMPLE_DATA"))
	var invalid *InvalidHashError
	if !errors.As(err, &invalid) {
		t.Fatalf("verify returned %v, want InvalidHashError", err)
	}
	if invalid.Expected != HashOf(SHA256, blob).HexDigest() {
		t.Fatalf("invalid-hash error reports expected %s", invalid.Expected)
	}
	if invalid.Actual != HashOf(SHA256, []byte("OTHER_SAMPLE_DATA")).HexDigest() {
		t.Fatalf("invalid-hash error reports actual %s", invalid.Actual)
	}
}

func TestSearchFilters(t *testing.T) {
	tlog := newTestLog(t)
	docker := testEntry("sha256:aaaa")
	maven := testEntry("g:a:1/a-1.jar")
	maven.packageType = PackageTypeMaven2
	maven.packageSpecificID = "g:a:1"
	for _, e := range []*TransparencyLogEntry{docker, maven} {
		if err := tlog.addEntry(e); err != nil {
			t.Fatalf("add entry: %v", err)
		}
	}

	tests := []struct {
		name   string
		filter TransparencyLogFilter
		want   int
	}{
		{"all", TransparencyLogFilter{}, 2},
		{"docker only", TransparencyLogFilter{PackageType: PackageTypeDocker}, 1},
		{"by package id", TransparencyLogFilter{PackageSpecificID: "g:a:1"}, 1},
		{"no match", TransparencyLogFilter{PackageSpecificID: "unknown"}, 0},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := len(tlog.search(tc.filter)); got != tc.want {
				t.Fatalf("search returned %d entries, want %d", got, tc.want)
			}
		})
	}
}

func TestRemoveArtifactOperation(t *testing.T) {
	tlog := newTestLog(t)
	added := testEntry("sha256:gone")
	if err := tlog.addEntry(added); err != nil {
		t.Fatalf("add: %v", err)
	}
	removal := testEntry("sha256:gone")
	removal.operation = OperationRemoveArtifact
	if err := tlog.addEntry(removal); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, err := tlog.getArtifact(PackageTypeDocker, "sha256:gone"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("entry still visible after removal: %v", err)
	}
}
