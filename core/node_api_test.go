package core

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
)

func newTestAPI(t *testing.T) (*NodeAPI, *ArtifactService, chi.Router) {
	t.Helper()
	svc, ledger, _ := newTestArtifactService(t, nil)
	p2p := newStubNetwork(t, nil)
	api := NewNodeAPI(svc, ledger, p2p, nil)
	return api, svc, api.Routes()
}

func TestStatusEndpoint(t *testing.T) {
	_, _, router := newTestAPI(t)
	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body)
	}
	var status statusResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if status.PeerID == "" {
		t.Fatal("status misses peer id")
	}
	if status.PeersCount != 1 {
		t.Fatalf("peers count %d", status.PeersCount)
	}
}

func TestPeersEndpoint(t *testing.T) {
	_, _, router := newTestAPI(t)
	req := httptest.NewRequest(http.MethodGet, "/peers", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	var peers []string
	if err := json.Unmarshal(rec.Body.Bytes(), &peers); err != nil {
		t.Fatalf("decode peers: %v", err)
	}
	if len(peers) != 1 {
		t.Fatalf("got %d peers", len(peers))
	}
}

func TestInspectDocker(t *testing.T) {
	_, svc, router := newTestAPI(t)

	if _, err := svc.AddArtifact(context.Background(), AddArtifactRequest{
		PackageType:               PackageTypeDocker,
		PackageSpecificID:         "alpine",
		PackageSpecificArtifactID: "sha256:inspect",
	}, []byte("manifest")); err != nil {
		t.Fatalf("add artifact: %v", err)
	}

	body, _ := json.Marshal(map[string]interface{}{"image": "alpine"})
	req := httptest.NewRequest(http.MethodPost, "/inspect/docker", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body)
	}
	var entries []json.RawMessage
	if err := json.Unmarshal(rec.Body.Bytes(), &entries); err != nil {
		t.Fatalf("decode entries: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("got %d entries, want 1", len(entries))
	}
}

func TestInspectDockerCSV(t *testing.T) {
	_, svc, router := newTestAPI(t)
	if _, err := svc.AddArtifact(context.Background(), AddArtifactRequest{
		PackageType:               PackageTypeDocker,
		PackageSpecificID:         "busybox",
		PackageSpecificArtifactID: "sha256:csv",
	}, []byte("data")); err != nil {
		t.Fatalf("add artifact: %v", err)
	}

	body, _ := json.Marshal(map[string]interface{}{
		"image":         "busybox",
		"output_params": map[string]string{"format": "csv"},
	})
	req := httptest.NewRequest(http.MethodPost, "/inspect/docker", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	lines := strings.Split(strings.TrimSpace(rec.Body.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("csv has %d lines, want header + 1 row", len(lines))
	}
	if !strings.HasPrefix(lines[0], "id,package_type") {
		t.Fatalf("csv header %q", lines[0])
	}
	if !strings.Contains(lines[1], "sha256:csv") {
		t.Fatalf("csv row %q", lines[1])
	}
}

func TestInspectRejectsMissingImage(t *testing.T) {
	_, _, router := newTestAPI(t)
	req := httptest.NewRequest(http.MethodPost, "/inspect/docker", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status %d, want 400", rec.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	_, _, router := newTestAPI(t)
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "pyrsia_") {
		t.Fatal("metrics output misses node collectors")
	}
}
