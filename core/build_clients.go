package core

// HTTP clients for the remote mapping and build-pipeline services. Their
// internals are opaque to the node; only the request/response contracts
// live here.

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"time"

	"github.com/sirupsen/logrus"
)

const buildServiceTimeout = 30 * time.Second

// MappingRecord resolves a package coordinate to the source the pipeline
// should build from.
type MappingRecord struct {
	PackageType       PackageType `json:"package_type"`
	PackageSpecificID string      `json:"package_specific_id"`
	SourceRepository  string      `json:"source_repository"`
	SourceReference   string      `json:"source_reference"`
}

// MappingClient talks to the remote mapping service.
type MappingClient struct {
	baseURL string
	client  *http.Client
}

func NewMappingClient(baseURL string) *MappingClient {
	return &MappingClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: buildServiceTimeout},
	}
}

// GetMapping fetches the source mapping for a package-specific id.
func (m *MappingClient) GetMapping(ctx context.Context, packageType PackageType, packageSpecificID string) (*MappingRecord, error) {
	var kind string
	switch packageType {
	case PackageTypeDocker:
		kind = "docker"
	case PackageTypeMaven2:
		kind = "maven2"
	default:
		return nil, fmt.Errorf("unsupported package type %q", packageType)
	}
	endpoint := fmt.Sprintf("%s/%s/%s", m.baseURL, kind, url.PathEscape(packageSpecificID))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build mapping request: %w", err)
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("mapping service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("mapping for %s: %w", packageSpecificID, ErrNotFound)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return nil, fmt.Errorf("mapping service status %d: %s", resp.StatusCode, body)
	}
	var record MappingRecord
	if err := json.NewDecoder(resp.Body).Decode(&record); err != nil {
		return nil, fmt.Errorf("decode mapping response: %w", err)
	}
	return &record, nil
}

// BuildRequest starts an authenticated build of a mapped package.
type BuildRequest struct {
	PackageType       PackageType `json:"package_type"`
	PackageSpecificID string      `json:"package_specific_id"`
	SourceRepository  string      `json:"source_repository"`
	SourceReference   string      `json:"source_reference"`
}

// BuildStatus is the pipeline's view of a build's progress.
type BuildStatus string

const (
	BuildStatusRunning BuildStatus = "RUNNING"
	BuildStatusSuccess BuildStatus = "SUCCESS"
	BuildStatusFailure BuildStatus = "FAILURE"
)

// BuildInfo reports the pipeline's view of a build. ArtifactURLs is
// populated once the status is SUCCESS; the URLs are relative to the
// pipeline endpoint.
type BuildInfo struct {
	ID           string      `json:"id"`
	Status       BuildStatus `json:"status"`
	ArtifactURLs []string    `json:"artifact_urls,omitempty"`
	ErrorMessage string      `json:"error_message,omitempty"`
}

// PipelineClient talks to the remote build-pipeline service.
type PipelineClient struct {
	baseURL string
	client  *http.Client
}

func NewPipelineClient(baseURL string) *PipelineClient {
	return &PipelineClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: buildServiceTimeout},
	}
}

// StartBuild submits a build and returns its id. A non-2xx status surfaces
// as *PipelineError; builds are not retried here.
func (p *PipelineClient) StartBuild(ctx context.Context, req BuildRequest) (string, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("marshal build request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/build", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("build pipeline request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("build pipeline: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return "", &PipelineError{Status: resp.StatusCode, Body: string(body)}
	}
	var info BuildInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return "", fmt.Errorf("decode build response: %w", err)
	}
	logrus.WithFields(logrus.Fields{
		"build_id": info.ID,
		"package":  req.PackageSpecificID,
	}).Info("build started")
	return info.ID, nil
}

// GetBuildStatus polls the pipeline for a build.
func (p *PipelineClient) GetBuildStatus(ctx context.Context, buildID string) (*BuildInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/build/"+url.PathEscape(buildID), nil)
	if err != nil {
		return nil, fmt.Errorf("build status request: %w", err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("build pipeline: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("build %s: %w", buildID, ErrNotFound)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return nil, &PipelineError{Status: resp.StatusCode, Body: string(body)}
	}
	var info BuildInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, fmt.Errorf("decode build status: %w", err)
	}
	return &info, nil
}

// DownloadArtifact fetches one build output. The URL is relative to the
// pipeline endpoint, as reported in BuildInfo.
func (p *PipelineClient) DownloadArtifact(ctx context.Context, artifactURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+artifactURL, nil)
	if err != nil {
		return nil, fmt.Errorf("artifact download request: %w", err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("build pipeline: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return nil, &PipelineError{Status: resp.StatusCode, Body: string(body)}
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read artifact %s: %w", artifactURL, err)
	}
	return data, nil
}

const (
	buildPollInterval = 10 * time.Second
	buildWatchTimeout = time.Hour
)

// BuildService couples the mapping lookup with the pipeline call: resolve
// the coordinate, start the build, then poll it to completion and admit the
// outputs through the artifact service.
type BuildService struct {
	mapping  *MappingClient
	pipeline *PipelineClient

	artifacts    *ArtifactService
	pollInterval time.Duration
}

func NewBuildService(mapping *MappingClient, pipeline *PipelineClient) *BuildService {
	return &BuildService{mapping: mapping, pipeline: pipeline, pollInterval: buildPollInterval}
}

// SetArtifactSink attaches the artifact service that admits completed build
// outputs. Without a sink, Start only triggers builds.
func (b *BuildService) SetArtifactSink(artifacts *ArtifactService) {
	b.artifacts = artifacts
}

// Start maps the package and kicks off a pipeline build, returning the
// build id. The build is watched in the background; its outputs are
// admitted once the pipeline reports success.
func (b *BuildService) Start(ctx context.Context, packageType PackageType, packageSpecificID string) (string, error) {
	record, err := b.mapping.GetMapping(ctx, packageType, packageSpecificID)
	if err != nil {
		return "", err
	}
	buildID, err := b.pipeline.StartBuild(ctx, BuildRequest{
		PackageType:       record.PackageType,
		PackageSpecificID: record.PackageSpecificID,
		SourceRepository:  record.SourceRepository,
		SourceReference:   record.SourceReference,
	})
	if err != nil {
		return "", err
	}
	if b.artifacts != nil {
		go b.watchBuild(packageType, packageSpecificID, buildID)
	}
	return buildID, nil
}

// watchBuild polls the pipeline until the build finishes, then downloads
// and admits each output. It outlives the triggering request, so it runs on
// its own deadline. Builds are not retried.
func (b *BuildService) watchBuild(packageType PackageType, packageSpecificID, buildID string) {
	ctx, cancel := context.WithTimeout(context.Background(), buildWatchTimeout)
	defer cancel()

	ticker := time.NewTicker(b.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logrus.Warnf("gave up watching build %s: %v", buildID, ctx.Err())
			return
		case <-ticker.C:
		}

		info, err := b.pipeline.GetBuildStatus(ctx, buildID)
		if err != nil {
			logrus.Warnf("poll build %s: %v", buildID, err)
			continue
		}
		switch info.Status {
		case BuildStatusRunning:
			continue
		case BuildStatusFailure:
			logrus.Errorf("build %s of %s failed: %s", buildID, packageSpecificID, info.ErrorMessage)
			return
		case BuildStatusSuccess:
			b.admitBuildResults(ctx, packageType, packageSpecificID, info)
			return
		default:
			logrus.Warnf("build %s reported unknown status %q", buildID, info.Status)
		}
	}
}

func (b *BuildService) admitBuildResults(ctx context.Context, packageType PackageType, packageSpecificID string, info *BuildInfo) {
	for _, artifactURL := range info.ArtifactURLs {
		data, err := b.pipeline.DownloadArtifact(ctx, artifactURL)
		if err != nil {
			logrus.Errorf("download build %s artifact %s: %v", info.ID, artifactURL, err)
			continue
		}
		entry, err := b.artifacts.AddArtifact(ctx, AddArtifactRequest{
			PackageType:               packageType,
			PackageSpecificID:         packageSpecificID,
			PackageSpecificArtifactID: buildResultID(packageType, packageSpecificID, artifactURL, data),
			SourceID:                  info.ID,
			NumArtifacts:              uint32(len(info.ArtifactURLs)),
		}, data)
		if err != nil {
			logrus.Errorf("admit build %s artifact %s: %v", info.ID, artifactURL, err)
			continue
		}
		logrus.WithFields(logrus.Fields{
			"build_id":    info.ID,
			"package":     packageSpecificID,
			"artifact_id": entry.ArtifactID(),
		}).Info("build output admitted")
	}
}

// buildResultID derives the package-specific artifact id of one build
// output: the content digest for Docker, the coordinate plus file name for
// Maven.
func buildResultID(packageType PackageType, packageSpecificID, artifactURL string, data []byte) string {
	if packageType == PackageTypeDocker {
		return "sha256:" + HashOf(SHA256, data).HexDigest()
	}
	return packageSpecificID + "/" + path.Base(artifactURL)
}
