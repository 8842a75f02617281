package core

// Node assembly: constructs the four core subsystems, wires their one-way
// command channels and exposes the HTTP surfaces. All paths and keys are
// carried through this constructor; there are no package-level singletons.

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"
)

// NodeConfig is the full set of startup inputs.
type NodeConfig struct {
	// ArtifactPath is the on-disk root (PYRSIA_ARTIFACT_PATH).
	ArtifactPath string
	// KeypairPath locates the 64-byte ed25519 block keypair.
	KeypairPath string
	// DevMode auto-creates missing directories.
	DevMode bool

	ListenAddr     string
	BootstrapPeers []string

	// Authorities are base64-encoded ed25519 public keys permitted to
	// author blocks. The local key always participates.
	Authorities []string
	BlockTime   time.Duration
	InitDelay   time.Duration

	MappingServiceURL  string
	PipelineServiceURL string
}

// Node owns the long-lived subsystems of one running peer.
type Node struct {
	cfg NodeConfig

	store      *ArtifactStorage
	tlog       *TransparencyLog
	blockchain *BlockchainService
	ledger     *BlockchainClient
	eventLoop  *EventLoop
	p2p        *Client
	artifacts  *ArtifactService
	build      *BuildService
	docker     *DockerRegistry
	maven      *MavenRegistry
	api        *NodeAPI
	documents  *DocumentStore
}

// NewNode builds and wires every subsystem. Nothing runs until Start.
func NewNode(ctx context.Context, cfg NodeConfig) (*Node, error) {
	if cfg.DevMode {
		if err := os.MkdirAll(cfg.ArtifactPath, 0o755); err != nil {
			return nil, fmt.Errorf("create artifact directory %q in dev mode: %w", cfg.ArtifactPath, err)
		}
	}

	store, err := NewArtifactStorage(cfg.ArtifactPath)
	if err != nil {
		return nil, err
	}

	key, err := LoadOrCreateBlockKeypair(cfg.KeypairPath)
	if err != nil {
		return nil, err
	}
	signingKey, err := LoadOrCreateSigningKey(cfg.KeypairPath + ".rsa")
	if err != nil {
		return nil, err
	}

	authorities := make([][]byte, 0, len(cfg.Authorities))
	for _, a := range cfg.Authorities {
		raw, err := base64.StdEncoding.DecodeString(a)
		if err != nil {
			return nil, fmt.Errorf("authority key %q: %w", a, err)
		}
		authorities = append(authorities, raw)
	}

	tlog, err := NewTransparencyLog(cfg.ArtifactPath)
	if err != nil {
		return nil, err
	}
	blockchain, err := NewBlockchainService(BlockchainConfig{
		ChainFilePath: filepath.Join(cfg.ArtifactPath, "blockchain.json"),
		Key:           key,
		SigningKey:    signingKey,
		Authorities:   authorities,
		BlockTime:     cfg.BlockTime,
		InitDelay:     cfg.InitDelay,
	}, tlog)
	if err != nil {
		return nil, err
	}
	ledger := blockchain.Client()

	eventLoop, err := NewEventLoop(ctx, NetworkConfig{Key: key})
	if err != nil {
		return nil, err
	}
	p2p := eventLoop.Client()
	eventLoop.SetBlockProvider(ledger)
	blockchain.SetNetwork(p2p, p2p)

	artifacts := NewArtifactService(store, ledger, p2p)

	documents, err := OpenDocumentStore(filepath.Join(cfg.ArtifactPath, "metadata"), "docker", ManifestIndexSpec())
	if err != nil {
		return nil, err
	}

	build := NewBuildService(
		NewMappingClient(cfg.MappingServiceURL),
		NewPipelineClient(cfg.PipelineServiceURL),
	)
	build.SetArtifactSink(artifacts)

	n := &Node{
		cfg:        cfg,
		store:      store,
		tlog:       tlog,
		blockchain: blockchain,
		ledger:     ledger,
		eventLoop:  eventLoop,
		p2p:        p2p,
		artifacts:  artifacts,
		build:      build,
		documents:  documents,
	}
	n.docker = NewDockerRegistry(artifacts, build, documents)
	n.maven = NewMavenRegistry(artifacts)
	n.api = NewNodeAPI(artifacts, ledger, p2p, build)
	return n, nil
}

// Start launches the event loops, binds the listen address and dials the
// bootstrap peers. It returns once the node is serving.
func (n *Node) Start(ctx context.Context) error {
	go n.eventLoop.Run(ctx)
	go n.blockchain.Run(ctx)
	go n.artifacts.Run(ctx, n.eventLoop.Events())

	if n.cfg.ListenAddr != "" {
		if err := n.p2p.Listen(ctx, n.cfg.ListenAddr); err != nil {
			return err
		}
	}
	for _, addr := range n.cfg.BootstrapPeers {
		if err := n.p2p.Dial(ctx, addr); err != nil {
			logrus.Warnf("bootstrap dial %s: %v", addr, err)
		}
	}
	return nil
}

// RegistryHandler serves the Docker v2 and Maven 2 façades on one router.
func (n *Node) RegistryHandler() chi.Router {
	r := chi.NewRouter()
	n.docker.Register(r)
	n.maven.Register(r)
	return r
}

// APIHandler serves the node control API.
func (n *Node) APIHandler() chi.Router {
	return n.api.Routes()
}

// Artifacts exposes the artifact service (CLI helpers, tests).
func (n *Node) Artifacts() *ArtifactService {
	return n.artifacts
}

// Ledger exposes the blockchain client handle.
func (n *Node) Ledger() *BlockchainClient {
	return n.ledger
}

// P2P exposes the network client handle.
func (n *Node) P2P() *Client {
	return n.p2p
}

// Close releases the document store; the loops stop with their context.
func (n *Node) Close() error {
	return n.documents.Close()
}
