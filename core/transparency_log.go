package core

// Transparency log: the authoritative, ordered record of artifact
// admissions. The in-memory index is a pure function of the accepted
// blockchain suffix; a file journal under `transparency_log/` mirrors every
// successful addition for operator inspection. All mutation happens on the
// blockchain service goroutine.

import (
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// PackageType tags the registry ecosystem an artifact belongs to.
type PackageType string

const (
	PackageTypeDocker PackageType = "Docker"
	PackageTypeMaven2 PackageType = "Maven2"
)

// Operation is the kind of transparency-log mutation.
type Operation string

const (
	OperationAddArtifact    Operation = "AddArtifact"
	OperationRemoveArtifact Operation = "RemoveArtifact"
	OperationAddNode        Operation = "AddNode"
	OperationRemoveNode     Operation = "RemoveNode"
)

// TransparencyLogEntry links a package coordinate to an artifact hash,
// source hash, artifact id and the signing node. Fields are reachable only
// through getters and setters so a mutation can never leave a stale signed
// form attached.
type TransparencyLogEntry struct {
	Signed

	id                        string
	packageType               PackageType
	packageSpecificID         string
	packageSpecificArtifactID string
	artifactHash              string
	sourceHash                string
	artifactID                string
	sourceID                  string
	timestamp                 int64
	operation                 Operation
	nodeID                    string
	nodePublicKey             string
	numArtifacts              uint32
}

// transparencyLogEntryJSON is the wire form of an entry.
type transparencyLogEntryJSON struct {
	ID                        string      `json:"id"`
	PackageType               PackageType `json:"package_type"`
	PackageSpecificID         string      `json:"package_specific_id"`
	PackageSpecificArtifactID string      `json:"package_specific_artifact_id"`
	ArtifactHash              string      `json:"artifact_hash"`
	SourceHash                string      `json:"source_hash"`
	ArtifactID                string      `json:"artifact_id"`
	SourceID                  string      `json:"source_id"`
	Timestamp                 int64       `json:"timestamp"`
	Operation                 Operation   `json:"operation"`
	NodeID                    string      `json:"node_id"`
	NodePublicKey             string      `json:"node_public_key"`
	NumArtifacts              uint32      `json:"num_artifacts"`
}

func (e *TransparencyLogEntry) ID() string                        { return e.id }
func (e *TransparencyLogEntry) PackageType() PackageType          { return e.packageType }
func (e *TransparencyLogEntry) PackageSpecificID() string         { return e.packageSpecificID }
func (e *TransparencyLogEntry) PackageSpecificArtifactID() string { return e.packageSpecificArtifactID }
func (e *TransparencyLogEntry) ArtifactHash() string              { return e.artifactHash }
func (e *TransparencyLogEntry) SourceHash() string                { return e.sourceHash }
func (e *TransparencyLogEntry) ArtifactID() string                { return e.artifactID }
func (e *TransparencyLogEntry) SourceID() string                  { return e.sourceID }
func (e *TransparencyLogEntry) Timestamp() int64                  { return e.timestamp }
func (e *TransparencyLogEntry) Operation() Operation              { return e.operation }
func (e *TransparencyLogEntry) NodeID() string                    { return e.nodeID }
func (e *TransparencyLogEntry) NodePublicKey() string             { return e.nodePublicKey }
func (e *TransparencyLogEntry) NumArtifacts() uint32              { return e.numArtifacts }

func (e *TransparencyLogEntry) SetPackageType(v PackageType) { e.clearJSON(); e.packageType = v }
func (e *TransparencyLogEntry) SetPackageSpecificID(v string) {
	e.clearJSON()
	e.packageSpecificID = v
}
func (e *TransparencyLogEntry) SetPackageSpecificArtifactID(v string) {
	e.clearJSON()
	e.packageSpecificArtifactID = v
}
func (e *TransparencyLogEntry) SetArtifactHash(v string) { e.clearJSON(); e.artifactHash = v }
func (e *TransparencyLogEntry) SetSourceHash(v string)   { e.clearJSON(); e.sourceHash = v }
func (e *TransparencyLogEntry) SetSourceID(v string)     { e.clearJSON(); e.sourceID = v }
func (e *TransparencyLogEntry) SetOperation(v Operation) { e.clearJSON(); e.operation = v }
func (e *TransparencyLogEntry) SetNumArtifacts(v uint32) { e.clearJSON(); e.numArtifacts = v }

func (e *TransparencyLogEntry) wire() transparencyLogEntryJSON {
	return transparencyLogEntryJSON{
		ID:                        e.id,
		PackageType:               e.packageType,
		PackageSpecificID:         e.packageSpecificID,
		PackageSpecificArtifactID: e.packageSpecificArtifactID,
		ArtifactHash:              e.artifactHash,
		SourceHash:                e.sourceHash,
		ArtifactID:                e.artifactID,
		SourceID:                  e.sourceID,
		Timestamp:                 e.timestamp,
		Operation:                 e.operation,
		NodeID:                    e.nodeID,
		NodePublicKey:             e.nodePublicKey,
		NumArtifacts:              e.numArtifacts,
	}
}

func (e *TransparencyLogEntry) fromWire(w transparencyLogEntryJSON) {
	e.id = w.ID
	e.packageType = w.PackageType
	e.packageSpecificID = w.PackageSpecificID
	e.packageSpecificArtifactID = w.PackageSpecificArtifactID
	e.artifactHash = w.ArtifactHash
	e.sourceHash = w.SourceHash
	e.artifactID = w.ArtifactID
	e.sourceID = w.SourceID
	e.timestamp = w.Timestamp
	e.operation = w.Operation
	e.nodeID = w.NodeID
	e.nodePublicKey = w.NodePublicKey
	e.numArtifacts = w.NumArtifacts
}

func (e *TransparencyLogEntry) unsignedJSON() ([]byte, error) {
	raw, err := json.Marshal(e.wire())
	if err != nil {
		return nil, fmt.Errorf("marshal transparency log entry: %w", err)
	}
	return canonicalizeJSON(raw)
}

// MarshalJSON renders the signed form when one is attached, the plain wire
// form otherwise.
func (e *TransparencyLogEntry) MarshalJSON() ([]byte, error) {
	if j, ok := e.JSON(); ok {
		return []byte(j), nil
	}
	return json.Marshal(e.wire())
}

func (e *TransparencyLogEntry) UnmarshalJSON(data []byte) error {
	var w transparencyLogEntryJSON
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	e.fromWire(w)
	e.clearJSON()
	return nil
}

// Sign attaches a detached signature over the entry's canonical JSON.
func (e *TransparencyLogEntry) Sign(alg SignatureAlgorithm, key *rsa.PrivateKey) error {
	return signRecord(e, alg, key)
}

// Verify checks the attached signed JSON.
func (e *TransparencyLogEntry) Verify() ([]Attestation, error) {
	return verifyRecord(e)
}

// TransparencyLogEntryFromJSON deserializes an entry and records the input
// as its authoritative signed form.
func TransparencyLogEntryFromJSON(s string) (*TransparencyLogEntry, error) {
	var w transparencyLogEntryJSON
	if err := json.Unmarshal([]byte(s), &w); err != nil {
		return nil, fmt.Errorf("parse transparency log entry: %w", err)
	}
	e := &TransparencyLogEntry{}
	e.fromWire(w)
	e.setJSON(s)
	return e, nil
}

// AddArtifactRequest carries the caller-supplied coordinates of a new
// artifact admission.
type AddArtifactRequest struct {
	PackageType               PackageType
	PackageSpecificID         string
	PackageSpecificArtifactID string
	ArtifactHash              string
	SourceHash                string
	SourceID                  string
	NumArtifacts              uint32
}

// TransparencyLogFilter selects entries for Search.
type TransparencyLogFilter struct {
	PackageType       PackageType
	PackageSpecificID string
	Operation         Operation
}

// TransparencyLog holds the in-memory index plus the journal directory. It
// is owned by the blockchain service goroutine; see BlockchainService for
// the command surface.
type TransparencyLog struct {
	storagePath   string
	byPSAID       map[string]*TransparencyLogEntry
	byArtifactID  map[string]*TransparencyLogEntry
	journalWrites bool
}

// NewTransparencyLog prepares an empty index journaling under
// `<repositoryPath>/transparency_log`.
func NewTransparencyLog(repositoryPath string) (*TransparencyLog, error) {
	abs, err := filepath.Abs(repositoryPath)
	if err != nil {
		return nil, fmt.Errorf("resolve transparency log path %q: %w", repositoryPath, err)
	}
	return &TransparencyLog{
		storagePath:   filepath.Join(abs, "transparency_log"),
		byPSAID:       make(map[string]*TransparencyLogEntry),
		byArtifactID:  make(map[string]*TransparencyLogEntry),
		journalWrites: true,
	}, nil
}

// newEntry constructs a fresh AddArtifact entry for the request, stamped and
// keyed with new UUIDs.
func (t *TransparencyLog) newEntry(req AddArtifactRequest, nodeID, nodePublicKey string) *TransparencyLogEntry {
	e := &TransparencyLogEntry{}
	e.id = newUUID()
	e.packageType = req.PackageType
	e.packageSpecificID = req.PackageSpecificID
	e.packageSpecificArtifactID = req.PackageSpecificArtifactID
	e.artifactHash = req.ArtifactHash
	e.sourceHash = req.SourceHash
	e.artifactID = newUUID()
	e.sourceID = req.SourceID
	e.timestamp = time.Now().UTC().Unix()
	e.operation = OperationAddArtifact
	e.nodeID = nodeID
	e.nodePublicKey = nodePublicKey
	e.numArtifacts = req.NumArtifacts
	return e
}

// addEntry folds one accepted entry into the index. Duplicate AddArtifact
// coordinates fail with ErrDuplicateID and leave the index untouched.
func (t *TransparencyLog) addEntry(e *TransparencyLogEntry) error {
	if e.operation == OperationAddArtifact {
		if _, exists := t.byPSAID[e.packageSpecificArtifactID]; exists {
			return fmt.Errorf("transparency log id %q: %w", e.packageSpecificArtifactID, ErrDuplicateID)
		}
	}
	if t.journalWrites && e.operation == OperationAddArtifact {
		if err := t.writeJournal(e); err != nil {
			return err
		}
	}
	switch e.operation {
	case OperationAddArtifact:
		t.byPSAID[e.packageSpecificArtifactID] = e
		t.byArtifactID[e.artifactID] = e
	case OperationRemoveArtifact:
		if old, ok := t.byPSAID[e.packageSpecificArtifactID]; ok {
			delete(t.byArtifactID, old.artifactID)
			delete(t.byPSAID, e.packageSpecificArtifactID)
		}
	case OperationAddNode, OperationRemoveNode:
		// Node-admission entries are recorded on chain but do not mutate
		// the artifact index. Authority-set enforcement is fixed at
		// startup.
	}
	return nil
}

// writeJournal mirrors the entry to `transparency_log/<escaped-id>.log`.
// The create-new open rejects an id whose journal file already exists.
func (t *TransparencyLog) writeJournal(e *TransparencyLogEntry) error {
	if err := os.MkdirAll(t.storagePath, 0o755); err != nil {
		return fmt.Errorf("create transparency log directory: %w", err)
	}
	name := strings.ReplaceAll(e.packageSpecificArtifactID, "/", "_") + ".log"
	path := filepath.Join(t.storagePath, name)
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return fmt.Errorf("journal %q: %w", e.packageSpecificArtifactID, ErrDuplicateID)
		}
		return fmt.Errorf("create journal file %q: %w", path, err)
	}
	defer f.Close()
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal journal entry: %w", err)
	}
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write journal file %q: %w", path, err)
	}
	logrus.Debugf("transparency log entry journaled at %s", path)
	return nil
}

// getArtifact looks up an AddArtifact entry by its package coordinates.
func (t *TransparencyLog) getArtifact(packageType PackageType, packageSpecificArtifactID string) (*TransparencyLogEntry, error) {
	e, ok := t.byPSAID[packageSpecificArtifactID]
	if !ok || e.packageType != packageType {
		return nil, fmt.Errorf("transparency log id %q: %w", packageSpecificArtifactID, ErrNotFound)
	}
	return e, nil
}

// getByArtifactID resolves the internal artifact handle.
func (t *TransparencyLog) getByArtifactID(artifactID string) (*TransparencyLogEntry, error) {
	e, ok := t.byArtifactID[artifactID]
	if !ok {
		return nil, fmt.Errorf("artifact id %q: %w", artifactID, ErrNotFound)
	}
	return e, nil
}

// search returns every entry matched by the filter, in no particular order.
func (t *TransparencyLog) search(f TransparencyLogFilter) []*TransparencyLogEntry {
	var out []*TransparencyLogEntry
	for _, e := range t.byPSAID {
		if f.PackageType != "" && e.packageType != f.PackageType {
			continue
		}
		if f.PackageSpecificID != "" && e.packageSpecificID != f.PackageSpecificID {
			continue
		}
		if f.Operation != "" && e.operation != f.Operation {
			continue
		}
		out = append(out, e)
	}
	return out
}

// VerifyArtifact recomputes the SHA-256 of blob and compares it to the
// entry's admitted artifact hash.
func VerifyArtifact(entry *TransparencyLogEntry, blob []byte) error {
	actual := HashOf(SHA256, blob).HexDigest()
	if actual != entry.ArtifactHash() {
		return &InvalidHashError{
			ID:       entry.PackageSpecificArtifactID(),
			Expected: entry.ArtifactHash(),
			Actual:   actual,
		}
	}
	return nil
}

// reset drops the in-memory index so the chain can be replayed from
// scratch. Journal files are left alone; replayed entries skip journaling.
func (t *TransparencyLog) reset() {
	t.byPSAID = make(map[string]*TransparencyLogEntry)
	t.byArtifactID = make(map[string]*TransparencyLogEntry)
}
