package core

// Content-addressed artifact storage. One file per (algorithm, digest) under
// the repository root; writes go to a temporary sibling first and are only
// renamed into place after the streamed digest matched the expected hash.

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
)

const artifactFileExtension = ".file"

// tmpFilePrefix never collides with permanent names, which are pure hex.
const tmpFilePrefix = "l0-"

// PushResult reports whether a push created the artifact file or found it
// already present.
type PushResult uint8

const (
	Created PushResult = iota + 1
	AlreadyExisted
)

func (r PushResult) String() string {
	if r == Created {
		return "Created"
	}
	return "AlreadyExisted"
}

// ArtifactStorage is the persistent, hash-verified store rooted at a
// directory. Files are write-once; concurrent pushes of the same content
// settle on a single valid permanent file.
type ArtifactStorage struct {
	repositoryPath string
}

// NewArtifactStorage opens the store. The root must be an accessible
// directory; a subdirectory per supported algorithm is created.
func NewArtifactStorage(root string) (*ArtifactStorage, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve artifact path %q: %w", root, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("not an accessible directory %q: %w", abs, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("not an accessible directory: %q", abs)
	}
	for _, alg := range Algorithms() {
		if err := os.MkdirAll(filepath.Join(abs, alg.String()), 0o755); err != nil {
			return nil, fmt.Errorf("create algorithm directory %s: %w", alg, err)
		}
	}
	return &ArtifactStorage{repositoryPath: abs}, nil
}

// RepositoryPath returns the absolute store root.
func (s *ArtifactStorage) RepositoryPath() string {
	return s.repositoryPath
}

func (s *ArtifactStorage) artifactPath(h Hash) string {
	return filepath.Join(s.repositoryPath, h.Algorithm.String(), h.HexDigest()+artifactFileExtension)
}

func (s *ArtifactStorage) tmpPath(h Hash) string {
	return filepath.Join(s.repositoryPath, h.Algorithm.String(), tmpFilePrefix+h.HexDigest()+artifactFileExtension)
}

// Push streams reader into the store and verifies the content digests to
// expected before the file becomes visible under its permanent name. On a
// digest mismatch the temp file is removed and a *HashMismatchError is
// returned.
func (s *ArtifactStorage) Push(reader io.Reader, expected Hash) (PushResult, error) {
	permanent := s.artifactPath(expected)
	if _, err := os.Stat(permanent); err == nil {
		return AlreadyExisted, nil
	}

	tmp := s.tmpPath(expected)
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil && os.IsExist(err) {
		// Either a concurrent push already published the permanent file,
		// or a crashed one left a stale temp behind. Observe the former,
		// reclaim the latter and retry once.
		if _, statErr := os.Stat(permanent); statErr == nil {
			return AlreadyExisted, nil
		}
		if rmErr := os.Remove(tmp); rmErr != nil && !os.IsNotExist(rmErr) {
			return 0, fmt.Errorf("reclaim stale temp file %q: %w", tmp, rmErr)
		}
		f, err = os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	}
	if err != nil {
		if _, statErr := os.Stat(permanent); statErr == nil {
			return AlreadyExisted, nil
		}
		return 0, fmt.Errorf("create temp file %q: %w", tmp, err)
	}

	digester := expected.Algorithm.Digester()
	_, copyErr := io.Copy(io.MultiWriter(f, digester), reader)
	closeErr := f.Close()
	if copyErr != nil {
		_ = os.Remove(tmp)
		return 0, fmt.Errorf("write artifact %q: %w", tmp, copyErr)
	}
	if closeErr != nil {
		_ = os.Remove(tmp)
		return 0, fmt.Errorf("close artifact %q: %w", tmp, closeErr)
	}

	actual := Hash{Algorithm: expected.Algorithm, Bytes: digester.Sum(nil)}
	if !actual.Equal(expected) {
		if err := os.Remove(tmp); err != nil {
			logrus.Errorf("remove mismatching temp file %q: %v", tmp, err)
		}
		return 0, &HashMismatchError{Expected: expected, Actual: actual}
	}

	if err := os.Rename(tmp, permanent); err != nil {
		_ = os.Remove(tmp)
		return 0, fmt.Errorf("rename %q to %q: %w", tmp, permanent, err)
	}
	logrus.Debugf("artifact %s pushed to local store", expected)
	return Created, nil
}

// Pull opens the artifact for reading. ErrNotFound when absent.
func (s *ArtifactStorage) Pull(h Hash) (io.ReadCloser, error) {
	f, err := os.Open(s.artifactPath(h))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("artifact %s: %w", h, ErrNotFound)
		}
		return nil, fmt.Errorf("open artifact %s: %w", h, err)
	}
	return f, nil
}

// List enumerates every stored artifact hash across all algorithm
// directories.
func (s *ArtifactStorage) List() ([]Hash, error) {
	var hashes []Hash
	for _, alg := range Algorithms() {
		dir := filepath.Join(s.repositoryPath, alg.String())
		entries, err := os.ReadDir(dir)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("read %q: %w", dir, err)
		}
		for _, e := range entries {
			name := e.Name()
			if e.IsDir() || !strings.HasSuffix(name, artifactFileExtension) || strings.HasPrefix(name, tmpFilePrefix) {
				continue
			}
			h, err := NewHashFromHex(alg, strings.TrimSuffix(name, artifactFileExtension))
			if err != nil {
				logrus.Warnf("skipping unparsable store entry %q: %v", name, err)
				continue
			}
			hashes = append(hashes, h)
		}
	}
	return hashes, nil
}

// SpaceUsed sums the byte size of every artifact file.
func (s *ArtifactStorage) SpaceUsed() (int64, error) {
	var total int64
	err := filepath.Walk(s.repositoryPath, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() && strings.HasSuffix(path, artifactFileExtension) {
			total += info.Size()
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("walk %q: %w", s.repositoryPath, err)
	}
	return total, nil
}

// Count returns the number of stored artifacts.
func (s *ArtifactStorage) Count() (int, error) {
	hashes, err := s.List()
	if err != nil {
		return 0, err
	}
	return len(hashes), nil
}

// Remove deletes an artifact file. Used to quarantine content that failed
// transparency-log verification after a network pull.
func (s *ArtifactStorage) Remove(h Hash) error {
	if err := os.Remove(s.artifactPath(h)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove artifact %s: %w", h, err)
	}
	return nil
}
