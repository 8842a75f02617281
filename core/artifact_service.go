package core

// Artifact service: the orchestration layer between the registry façades,
// the transparency log, the local store and the peer network. Handlers are
// spawned per request; suspension happens at the log, the store and the
// network only.

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"
)

// ArtifactService resolves package coordinates to verified artifact bytes.
type ArtifactService struct {
	store  *ArtifactStorage
	ledger *BlockchainClient
	p2p    *Client
}

// NewArtifactService wires the three collaborators. The service holds
// cloneable handles only; state ownership stays with the respective loops.
func NewArtifactService(store *ArtifactStorage, ledger *BlockchainClient, p2p *Client) *ArtifactService {
	return &ArtifactService{store: store, ledger: ledger, p2p: p2p}
}

// Store exposes the underlying artifact storage for status reporting.
func (s *ArtifactService) Store() *ArtifactStorage {
	return s.store
}

// GetArtifact returns the verified bytes for a package-specific artifact
// id: transparency log first, then the local store, then the peer network.
// Bytes are only returned when they digest to the admitted artifact hash;
// content that fails verification after a network pull is quarantined.
func (s *ArtifactService) GetArtifact(ctx context.Context, packageType PackageType, psaID string) ([]byte, error) {
	entry, err := s.ledger.GetArtifact(ctx, packageType, psaID)
	if err != nil {
		return nil, err
	}
	return s.getVerified(ctx, entry)
}

// GetArtifactByID is GetArtifact keyed by the internal artifact handle,
// used when serving peers.
func (s *ArtifactService) GetArtifactByID(ctx context.Context, artifactID string) ([]byte, error) {
	entry, err := s.ledger.GetArtifactByID(ctx, artifactID)
	if err != nil {
		return nil, err
	}
	return s.getVerified(ctx, entry)
}

func (s *ArtifactService) getVerified(ctx context.Context, entry *TransparencyLogEntry) ([]byte, error) {
	expected, err := NewHashFromHex(SHA256, entry.ArtifactHash())
	if err != nil {
		return nil, fmt.Errorf("transparency log entry %s carries a bad hash: %w", entry.ID(), err)
	}

	blob, err := s.pullLocal(expected)
	if err != nil {
		if !isNotFound(err) {
			return nil, err
		}
		blob, err = s.pullFromNetwork(ctx, entry)
		if err != nil {
			return nil, err
		}
	}

	if err := VerifyArtifact(entry, blob); err != nil {
		// The store key is the content hash, so a mismatch means the
		// file on disk does not belong to this entry. Quarantine it.
		actual := HashOf(SHA256, blob)
		if rmErr := s.store.Remove(actual); rmErr != nil {
			logrus.Warnf("quarantine %s: %v", actual, rmErr)
		}
		return nil, err
	}
	return blob, nil
}

func (s *ArtifactService) pullLocal(h Hash) ([]byte, error) {
	rc, err := s.store.Pull(h)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	blob, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("read artifact %s: %w", h, err)
	}
	return blob, nil
}

// pullFromNetwork locates providers for the artifact id, asks the idlest
// one for the bytes, and persists them locally before re-reading.
func (s *ArtifactService) pullFromNetwork(ctx context.Context, entry *TransparencyLogEntry) ([]byte, error) {
	providers, err := s.p2p.ListProviders(ctx, entry.ArtifactID())
	if err != nil {
		return nil, err
	}
	if len(providers) == 0 {
		return nil, fmt.Errorf("no provider for artifact %s: %w", entry.ArtifactID(), ErrNotFound)
	}
	idlest, err := s.p2p.GetIdlePeer(ctx, providers)
	if err != nil {
		return nil, err
	}
	logrus.WithFields(logrus.Fields{
		"artifact_id": entry.ArtifactID(),
		"peer":        idlest.String(),
	}).Debug("pulling artifact from peer")

	data, err := s.p2p.RequestArtifact(ctx, idlest, entry.ArtifactID())
	if err != nil {
		return nil, err
	}

	// Persist under the digest of what actually arrived; verification
	// against the admitted hash happens in getVerified.
	computed := HashOf(SHA256, data)
	if _, err := s.store.Push(bytes.NewReader(data), computed); err != nil {
		return nil, err
	}
	blob, err := s.pullLocal(computed)
	if err != nil {
		return nil, err
	}
	if err := s.p2p.Provide(ctx, entry.ArtifactID()); err != nil {
		logrus.Debugf("advertise %s after pull: %v", entry.ArtifactID(), err)
	}
	return blob, nil
}

// PutArtifact streams bytes into the store under an already-allocated
// transparency-log hash.
func (s *ArtifactService) PutArtifact(reader io.Reader, artifactHash string) error {
	expected, err := NewHashFromHex(SHA256, artifactHash)
	if err != nil {
		return fmt.Errorf("artifact hash: %w", err)
	}
	if _, err := s.store.Push(reader, expected); err != nil {
		return err
	}
	return nil
}

// AddArtifact admits new content: the bytes go into the store, the
// admission goes through the transparency log onto the chain, and the node
// advertises itself as a provider.
func (s *ArtifactService) AddArtifact(ctx context.Context, req AddArtifactRequest, data []byte) (*TransparencyLogEntry, error) {
	h := HashOf(SHA256, data)
	req.ArtifactHash = h.HexDigest()

	if _, err := s.store.Push(bytes.NewReader(data), h); err != nil {
		return nil, err
	}
	entry, err := s.ledger.AddArtifact(ctx, req)
	if err != nil {
		return nil, err
	}
	if err := s.p2p.Provide(ctx, entry.ArtifactID()); err != nil {
		logrus.Warnf("advertise new artifact %s: %v", entry.ArtifactID(), err)
	}
	return entry, nil
}

// Run consumes the unsolicited network event stream, serving inbound
// artifact requests through GetArtifactByID (local store first, then the
// network).
func (s *ArtifactService) Run(ctx context.Context, events <-chan NetworkEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			switch e := ev.(type) {
			case RequestArtifactEvent:
				go s.serveArtifactRequest(ctx, e)
			}
		}
	}
}

func (s *ArtifactService) serveArtifactRequest(ctx context.Context, e RequestArtifactEvent) {
	blob, err := s.GetArtifactByID(ctx, e.ArtifactID)
	if err != nil {
		logrus.Debugf("serve artifact %s: %v", e.ArtifactID, err)
		s.p2p.RespondArtifact(e.Channel, nil, err)
		return
	}
	s.p2p.RespondArtifact(e.Channel, blob, nil)
}

func isNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
