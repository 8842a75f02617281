package core

// Node control API: build triggers, transparency-log inspection, peer and
// status reporting, plus the prometheus scrape endpoint.

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// NodeAPI bundles the handles the control surface needs.
type NodeAPI struct {
	artifacts *ArtifactService
	ledger    *BlockchainClient
	p2p       *Client
	build     *BuildService
}

func NewNodeAPI(artifacts *ArtifactService, ledger *BlockchainClient, p2p *Client, build *BuildService) *NodeAPI {
	return &NodeAPI{artifacts: artifacts, ledger: ledger, p2p: p2p, build: build}
}

// Routes mounts the control endpoints.
func (api *NodeAPI) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Post("/build/docker", api.handleBuildDocker)
	r.Post("/build/maven", api.handleBuildMaven)
	r.Post("/inspect/docker", api.handleInspectDocker)
	r.Post("/inspect/maven", api.handleInspectMaven)
	r.Get("/peers", api.handlePeers)
	r.Get("/status", api.handleStatus)
	r.Handle("/metrics", promhttp.Handler())
	return r
}

type buildDockerRequest struct {
	Image string `json:"image"`
}

type buildMavenRequest struct {
	GAV string `json:"gav"`
}

type buildResponse struct {
	BuildID string `json:"build_id"`
}

type outputParams struct {
	Format string `json:"format,omitempty"`
}

type inspectDockerRequest struct {
	Image        string        `json:"image"`
	OutputParams *outputParams `json:"output_params,omitempty"`
}

type inspectMavenRequest struct {
	GAV          string        `json:"gav"`
	OutputParams *outputParams `json:"output_params,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeInternalError(w http.ResponseWriter, context string, err error) {
	logrus.Errorf("%s: %v", context, err)
	writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
}

func (api *NodeAPI) handleBuildDocker(w http.ResponseWriter, r *http.Request) {
	var req buildDockerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Image == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing image"})
		return
	}
	buildID, err := api.build.Start(r.Context(), PackageTypeDocker, req.Image)
	if err != nil {
		var perr *PipelineError
		if errors.As(err, &perr) {
			writeJSON(w, http.StatusBadGateway, map[string]string{"error": perr.Error()})
			return
		}
		if isNotFound(err) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": fmt.Sprintf("no mapping for %s", req.Image)})
			return
		}
		writeInternalError(w, "start docker build", err)
		return
	}
	writeJSON(w, http.StatusOK, buildResponse{BuildID: buildID})
}

func (api *NodeAPI) handleBuildMaven(w http.ResponseWriter, r *http.Request) {
	var req buildMavenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.GAV == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing gav"})
		return
	}
	buildID, err := api.build.Start(r.Context(), PackageTypeMaven2, req.GAV)
	if err != nil {
		var perr *PipelineError
		if errors.As(err, &perr) {
			writeJSON(w, http.StatusBadGateway, map[string]string{"error": perr.Error()})
			return
		}
		if isNotFound(err) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": fmt.Sprintf("no mapping for %s", req.GAV)})
			return
		}
		writeInternalError(w, "start maven build", err)
		return
	}
	writeJSON(w, http.StatusOK, buildResponse{BuildID: buildID})
}

func (api *NodeAPI) inspect(w http.ResponseWriter, r *http.Request, packageType PackageType, packageSpecificID string, params *outputParams) {
	entries, err := api.ledger.Search(r.Context(), TransparencyLogFilter{
		PackageType:       packageType,
		PackageSpecificID: packageSpecificID,
	})
	if err != nil {
		writeInternalError(w, "search transparency log", err)
		return
	}

	format := "json"
	if params != nil && params.Format != "" {
		format = params.Format
	}
	switch format {
	case "json":
		writeJSON(w, http.StatusOK, entries)
	case "csv":
		w.Header().Set("Content-Type", "text/csv")
		cw := csv.NewWriter(w)
		_ = cw.Write([]string{
			"id", "package_type", "package_specific_id", "package_specific_artifact_id",
			"artifact_hash", "artifact_id", "operation", "timestamp", "node_id",
		})
		for _, e := range entries {
			_ = cw.Write([]string{
				e.ID(), string(e.PackageType()), e.PackageSpecificID(), e.PackageSpecificArtifactID(),
				e.ArtifactHash(), e.ArtifactID(), string(e.Operation()),
				strconv.FormatInt(e.Timestamp(), 10), e.NodeID(),
			})
		}
		cw.Flush()
	default:
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": fmt.Sprintf("unknown format %q", format)})
	}
}

func (api *NodeAPI) handleInspectDocker(w http.ResponseWriter, r *http.Request) {
	var req inspectDockerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Image == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing image"})
		return
	}
	api.inspect(w, r, PackageTypeDocker, req.Image, req.OutputParams)
}

func (api *NodeAPI) handleInspectMaven(w http.ResponseWriter, r *http.Request) {
	var req inspectMavenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.GAV == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing gav"})
		return
	}
	api.inspect(w, r, PackageTypeMaven2, req.GAV, req.OutputParams)
}

func (api *NodeAPI) handlePeers(w http.ResponseWriter, r *http.Request) {
	peers, err := api.p2p.ListPeers(r.Context())
	if err != nil {
		writeInternalError(w, "list peers", err)
		return
	}
	ids := make([]string, 0, len(peers))
	for _, p := range peers {
		ids = append(ids, p.String())
	}
	writeJSON(w, http.StatusOK, ids)
}

// statusResponse merges the network and chain snapshots.
type statusResponse struct {
	PeersCount   int      `json:"peers_count"`
	PeerID       string   `json:"peer_id"`
	PeerAddrs    []string `json:"peer_addrs"`
	ChainOrdinal Ordinal  `json:"chain_ordinal"`
	LogEntries   int      `json:"log_entries"`
}

func (api *NodeAPI) handleStatus(w http.ResponseWriter, r *http.Request) {
	peerStatus, err := api.p2p.Status(r.Context())
	if err != nil {
		writeInternalError(w, "peer status", err)
		return
	}
	chainStatus, err := api.ledger.Status(r.Context())
	if err != nil {
		writeInternalError(w, "chain status", err)
		return
	}
	if count, err := api.artifacts.Store().Count(); err == nil {
		UpdateNodeMetrics(chainStatus, peerStatus, count)
	}
	writeJSON(w, http.StatusOK, statusResponse{
		PeersCount:   peerStatus.PeersCount,
		PeerID:       peerStatus.PeerID,
		PeerAddrs:    peerStatus.PeerAddrs,
		ChainOrdinal: chainStatus.Ordinal,
		LogEntries:   chainStatus.Entries,
	})
}
