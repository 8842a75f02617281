package core

// Docker Registry v2 façade: a thin translator from registry wire shapes to
// artifact-service operations and transparency-log lookups. Manifest tags
// are indexed in the document store so pulls by tag resolve to the admitted
// digest.

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"
)

const manifestV2ContentType = "application/vnd.docker.distribution.manifest.v2+json"

// manifestIndexName is the document-store index resolving (name, tag).
const manifestIndexName = "manifest-by-tag"

// ManifestIndexSpec is the index layout the Docker façade needs from its
// document store.
func ManifestIndexSpec() []IndexSpec {
	return []IndexSpec{{Name: manifestIndexName, Fields: []string{"name", "tag"}}}
}

type manifestDocument struct {
	Name   string `json:"name"`
	Tag    string `json:"tag"`
	Digest string `json:"digest"`
}

// registryError is one element of the Docker v2 error envelope.
type registryError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

func writeRegistryError(w http.ResponseWriter, status int, code, message, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(struct {
		Errors []registryError `json:"errors"`
	}{Errors: []registryError{{Code: code, Message: message, Detail: detail}}})
}

// DockerRegistry serves the Docker v2 subset the node supports.
type DockerRegistry struct {
	artifacts *ArtifactService
	build     *BuildService
	manifests *DocumentStore
}

// NewDockerRegistry wires the façade. The document store must carry
// ManifestIndexSpec.
func NewDockerRegistry(artifacts *ArtifactService, build *BuildService, manifests *DocumentStore) *DockerRegistry {
	return &DockerRegistry{artifacts: artifacts, build: build, manifests: manifests}
}

// Register mounts the registry endpoints on a chi router.
func (d *DockerRegistry) Register(r chi.Router) {
	r.Get("/v2/", d.handleBase)
	r.Route("/v2/{name}", func(r chi.Router) {
		r.Head("/manifests/{reference}", d.handleGetManifest)
		r.Get("/manifests/{reference}", d.handleGetManifest)
		r.Put("/manifests/{reference}", d.handlePutManifest)
		r.Head("/blobs/{digest}", d.handleGetBlob)
		r.Get("/blobs/{digest}", d.handleGetBlob)
	})
}

func (d *DockerRegistry) handleBase(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Docker-Distribution-API-Version", "registry/2.0")
	w.WriteHeader(http.StatusOK)
}

// resolveManifestDigest maps a tag or digest reference to the admitted
// manifest digest.
func (d *DockerRegistry) resolveManifestDigest(name, reference string) (string, error) {
	if strings.HasPrefix(reference, "sha256:") {
		return reference, nil
	}
	doc, err := d.manifests.FetchByIndex(manifestIndexName, []string{name, reference})
	if err != nil {
		return "", err
	}
	var m manifestDocument
	if err := json.Unmarshal([]byte(doc), &m); err != nil {
		return "", fmt.Errorf("decode manifest document: %w", err)
	}
	return m.Digest, nil
}

func (d *DockerRegistry) handleGetManifest(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	reference := chi.URLParam(r, "reference")
	observeRegistryRequest("docker_manifest")

	digest, err := d.resolveManifestDigest(name, reference)
	if err != nil {
		if isNotFound(err) {
			writeRegistryError(w, http.StatusNotFound, "MANIFEST_UNKNOWN", "manifest unknown", name+":"+reference)
			return
		}
		logrus.Errorf("resolve manifest %s:%s: %v", name, reference, err)
		writeRegistryError(w, http.StatusInternalServerError, "UNKNOWN", "internal error", "")
		return
	}

	blob, err := d.artifacts.GetArtifact(r.Context(), PackageTypeDocker, digest)
	if err != nil {
		if isNotFound(err) {
			writeRegistryError(w, http.StatusNotFound, "MANIFEST_UNKNOWN", "manifest unknown", digest)
			return
		}
		logrus.Errorf("get manifest %s: %v", digest, err)
		writeRegistryError(w, http.StatusInternalServerError, "UNKNOWN", "internal error", "")
		return
	}

	w.Header().Set("Content-Type", manifestV2ContentType)
	w.Header().Set("Docker-Content-Digest", digest)
	w.Header().Set("Content-Length", fmt.Sprintf("%d", len(blob)))
	if r.Method == http.MethodHead {
		w.WriteHeader(http.StatusOK)
		return
	}
	_, _ = w.Write(blob)
}

func (d *DockerRegistry) handlePutManifest(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	reference := chi.URLParam(r, "reference")
	observeRegistryRequest("docker_manifest_put")

	body, err := io.ReadAll(io.LimitReader(r.Body, maxFrameSize))
	if err != nil {
		writeRegistryError(w, http.StatusBadRequest, "MANIFEST_INVALID", "unreadable manifest", err.Error())
		return
	}

	digest := "sha256:" + HashOf(SHA256, body).HexDigest()
	entry, err := d.artifacts.AddArtifact(r.Context(), AddArtifactRequest{
		PackageType:               PackageTypeDocker,
		PackageSpecificID:         name,
		PackageSpecificArtifactID: digest,
		NumArtifacts:              1,
	}, body)
	if err != nil && !errors.Is(err, ErrDuplicateID) {
		logrus.Errorf("admit manifest %s: %v", digest, err)
		writeRegistryError(w, http.StatusInternalServerError, "UNKNOWN", "internal error", "")
		return
	}
	if entry != nil {
		logrus.WithFields(logrus.Fields{
			"name":   name,
			"tag":    reference,
			"digest": digest,
		}).Info("manifest admitted")
	}

	if !strings.HasPrefix(reference, "sha256:") {
		doc, _ := json.Marshal(manifestDocument{Name: name, Tag: reference, Digest: digest})
		if err := d.manifests.Insert(string(doc)); err != nil && !errors.Is(err, ErrDuplicateRecord) {
			logrus.Warnf("index manifest %s:%s: %v", name, reference, err)
		}
	}

	w.Header().Set("Docker-Content-Digest", digest)
	w.WriteHeader(http.StatusCreated)
}

func (d *DockerRegistry) handleGetBlob(w http.ResponseWriter, r *http.Request) {
	digest := chi.URLParam(r, "digest")
	observeRegistryRequest("docker_blob")

	blob, err := d.artifacts.GetArtifact(r.Context(), PackageTypeDocker, digest)
	if err != nil {
		if isNotFound(err) {
			writeRegistryError(w, http.StatusNotFound, "BLOB_UNKNOWN", "blob unknown to registry", digest)
			return
		}
		logrus.Errorf("get blob %s: %v", digest, err)
		writeRegistryError(w, http.StatusInternalServerError, "UNKNOWN", "internal error", "")
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Docker-Content-Digest", digest)
	w.Header().Set("Content-Length", fmt.Sprintf("%d", len(blob)))
	if r.Method == http.MethodHead {
		w.WriteHeader(http.StatusOK)
		return
	}
	_, _ = w.Write(blob)
}
