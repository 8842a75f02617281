package core

// Maven 2 façade: maps repository paths to `group:artifact:version/file`
// coordinates and delegates to the artifact service.

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"
)

// MavenRegistry serves `GET /maven2/...` artifact downloads.
type MavenRegistry struct {
	artifacts *ArtifactService
}

func NewMavenRegistry(artifacts *ArtifactService) *MavenRegistry {
	return &MavenRegistry{artifacts: artifacts}
}

// Register mounts the Maven endpoints on a chi router.
func (m *MavenRegistry) Register(r chi.Router) {
	r.Get("/maven2/*", m.handleGetArtifact)
}

// MavenCoordinate identifies one file of one artifact version.
type MavenCoordinate struct {
	GroupID    string
	ArtifactID string
	Version    string
	File       string
}

// PackageSpecificID renders `group:artifact:version`.
func (c MavenCoordinate) PackageSpecificID() string {
	return fmt.Sprintf("%s:%s:%s", c.GroupID, c.ArtifactID, c.Version)
}

// PackageSpecificArtifactID renders `group:artifact:version/file`.
func (c MavenCoordinate) PackageSpecificArtifactID() string {
	return fmt.Sprintf("%s/%s", c.PackageSpecificID(), c.File)
}

// ParseMavenPath splits `{group-path}/{artifact}/{version}/{file}` into a
// coordinate. The group path segments become the dotted group id.
func ParseMavenPath(path string) (MavenCoordinate, error) {
	segments := strings.Split(strings.Trim(path, "/"), "/")
	if len(segments) < 4 {
		return MavenCoordinate{}, fmt.Errorf("maven path %q has %d segments, want at least 4", path, len(segments))
	}
	file := segments[len(segments)-1]
	version := segments[len(segments)-2]
	artifact := segments[len(segments)-3]
	group := strings.Join(segments[:len(segments)-3], ".")
	return MavenCoordinate{
		GroupID:    group,
		ArtifactID: artifact,
		Version:    version,
		File:       file,
	}, nil
}

func (m *MavenRegistry) handleGetArtifact(w http.ResponseWriter, r *http.Request) {
	observeRegistryRequest("maven_artifact")
	path := chi.URLParam(r, "*")

	coordinate, err := ParseMavenPath(path)
	if err != nil {
		writeRegistryError(w, http.StatusBadRequest, "NAME_INVALID", "invalid maven path", err.Error())
		return
	}

	blob, err := m.artifacts.GetArtifact(r.Context(), PackageTypeMaven2, coordinate.PackageSpecificArtifactID())
	if err != nil {
		if isNotFound(err) {
			writeRegistryError(w, http.StatusNotFound, "BLOB_UNKNOWN", "artifact unknown", coordinate.PackageSpecificArtifactID())
			return
		}
		logrus.Errorf("get maven artifact %s: %v", coordinate.PackageSpecificArtifactID(), err)
		writeRegistryError(w, http.StatusInternalServerError, "UNKNOWN", "internal error", "")
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", fmt.Sprintf("%d", len(blob)))
	_, _ = w.Write(blob)
}
