package core

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
)

func newTestRegistry(t *testing.T) (chi.Router, *ArtifactService, context.Context) {
	t.Helper()
	svc, _, ctx := newTestArtifactService(t, nil)

	docs, err := OpenDocumentStore(t.TempDir(), "docker", ManifestIndexSpec())
	if err != nil {
		t.Fatalf("open document store: %v", err)
	}
	t.Cleanup(func() { docs.Close() })

	docker := NewDockerRegistry(svc, nil, docs)
	maven := NewMavenRegistry(svc)
	r := chi.NewRouter()
	docker.Register(r)
	maven.Register(r)
	return r, svc, ctx
}

func TestDockerManifestPutThenGet(t *testing.T) {
	router, _, _ := newTestRegistry(t)
	manifest := []byte(`{"schemaVersion":2,"mediaType":"application/vnd.docker.distribution.manifest.v2+json"}`)

	put := httptest.NewRequest(http.MethodPut, "/v2/alpine/manifests/latest", bytes.NewReader(manifest))
	putRec := httptest.NewRecorder()
	router.ServeHTTP(putRec, put)
	if putRec.Code != http.StatusCreated {
		t.Fatalf("put status %d: %s", putRec.Code, putRec.Body)
	}
	digest := putRec.Header().Get("Docker-Content-Digest")
	if digest == "" {
		t.Fatal("put response misses Docker-Content-Digest")
	}

	// Pull by tag resolves through the manifest index.
	get := httptest.NewRequest(http.MethodGet, "/v2/alpine/manifests/latest", nil)
	getRec := httptest.NewRecorder()
	router.ServeHTTP(getRec, get)
	if getRec.Code != http.StatusOK {
		t.Fatalf("get status %d: %s", getRec.Code, getRec.Body)
	}
	if getRec.Header().Get("Content-Type") != manifestV2ContentType {
		t.Fatalf("content type %q", getRec.Header().Get("Content-Type"))
	}
	if !bytes.Equal(getRec.Body.Bytes(), manifest) {
		t.Fatal("manifest bytes differ")
	}

	// Pull by digest works without the index.
	byDigest := httptest.NewRequest(http.MethodGet, "/v2/alpine/manifests/"+digest, nil)
	digestRec := httptest.NewRecorder()
	router.ServeHTTP(digestRec, byDigest)
	if digestRec.Code != http.StatusOK {
		t.Fatalf("get by digest status %d", digestRec.Code)
	}
}

func TestDockerManifestUnknown(t *testing.T) {
	router, _, _ := newTestRegistry(t)
	req := httptest.NewRequest(http.MethodGet, "/v2/alpine/manifests/missing", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status %d, want 404", rec.Code)
	}
	var envelope struct {
		Errors []registryError `json:"errors"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &envelope); err != nil {
		t.Fatalf("error body is not the registry envelope: %v", err)
	}
	if len(envelope.Errors) != 1 || envelope.Errors[0].Code != "MANIFEST_UNKNOWN" {
		t.Fatalf("error envelope %+v", envelope)
	}
}

func TestDockerBlobUnknown(t *testing.T) {
	router, _, _ := newTestRegistry(t)
	req := httptest.NewRequest(http.MethodGet, "/v2/alpine/blobs/sha256:does-not-exist", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status %d, want 404", rec.Code)
	}
	var envelope struct {
		Errors []registryError `json:"errors"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &envelope); err != nil {
		t.Fatalf("decode error envelope: %v", err)
	}
	if envelope.Errors[0].Code != "BLOB_UNKNOWN" {
		t.Fatalf("error code %s, want BLOB_UNKNOWN", envelope.Errors[0].Code)
	}
}

func TestDockerBaseEndpoint(t *testing.T) {
	router, _, _ := newTestRegistry(t)
	req := httptest.NewRequest(http.MethodGet, "/v2/", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	if rec.Header().Get("Docker-Distribution-API-Version") != "registry/2.0" {
		t.Fatal("missing api version header")
	}
}

func TestMavenGetArtifact(t *testing.T) {
	router, svc, ctx := newTestRegistry(t)

	data := []byte("jar bytes")
	if _, err := svc.AddArtifact(ctx, AddArtifactRequest{
		PackageType:               PackageTypeMaven2,
		PackageSpecificID:         "commons-codec:commons-codec:1.15",
		PackageSpecificArtifactID: "commons-codec:commons-codec:1.15/commons-codec-1.15.jar",
	}, data); err != nil {
		t.Fatalf("add artifact: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/maven2/commons-codec/commons-codec/1.15/commons-codec-1.15.jar", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body)
	}
	if !bytes.Equal(rec.Body.Bytes(), data) {
		t.Fatal("artifact bytes differ")
	}
}

func TestParseMavenPath(t *testing.T) {
	tests := []struct {
		path    string
		want    MavenCoordinate
		wantErr bool
	}{
		{
			path: "commons-codec/commons-codec/1.15/commons-codec-1.15.jar",
			want: MavenCoordinate{
				GroupID:    "commons-codec",
				ArtifactID: "commons-codec",
				Version:    "1.15",
				File:       "commons-codec-1.15.jar",
			},
		},
		{
			path: "org/apache/maven/plugins/maven-jar-plugin/3.2.0/maven-jar-plugin-3.2.0.pom",
			want: MavenCoordinate{
				GroupID:    "org.apache.maven.plugins",
				ArtifactID: "maven-jar-plugin",
				Version:    "3.2.0",
				File:       "maven-jar-plugin-3.2.0.pom",
			},
		},
		{path: "too/short/path", wantErr: true},
	}
	for _, tc := range tests {
		t.Run(tc.path, func(t *testing.T) {
			got, err := ParseMavenPath(tc.path)
			if (err != nil) != tc.wantErr {
				t.Fatalf("err=%v want error=%v", err, tc.wantErr)
			}
			if err != nil {
				return
			}
			if got != tc.want {
				t.Fatalf("parsed %+v, want %+v", got, tc.want)
			}
			wantID := tc.want.GroupID + ":" + tc.want.ArtifactID + ":" + tc.want.Version + "/" + tc.want.File
			if got.PackageSpecificArtifactID() != wantID {
				t.Fatalf("psa id %q, want %q", got.PackageSpecificArtifactID(), wantID)
			}
		})
	}
}
