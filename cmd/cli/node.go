package cli

// cmd/cli/node.go — CLI wrapper for running a node.
// ----------------------------------------------------------------------------
// Layout
//   1. Globals & middleware (env-driven wiring of logger and node config).
//   2. Controllers — the long-running serve loop.
//   3. CLI definitions — commands + flags.
// ----------------------------------------------------------------------------

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	logrus "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"pyrsia-network/core"
	"pyrsia-network/pkg/config"
	"pyrsia-network/pkg/utils"
)

var nodeFlags struct {
	artifactPath string
	keypairPath  string
	listenAddr   string
	registryPort int
	apiPort      int
	mappingURL   string
	pipelineURL  string
	env          string
	peers        []string
}

func initNodeMiddleware(cmd *cobra.Command, args []string) {
	_ = godotenv.Load()

	level, err := logrus.ParseLevel(utils.EnvOrDefault("PYRSIA_LOG_LEVEL", "info"))
	if err != nil {
		level = logrus.InfoLevel
	}
	logrus.SetLevel(level)

	resolveStringFlag(cmd, "artifact-path", &nodeFlags.artifactPath, os.Getenv("PYRSIA_ARTIFACT_PATH"))
	if nodeFlags.artifactPath == "" {
		nodeFlags.artifactPath = "pyrsia"
	}
	resolveStringFlag(cmd, "keypair", &nodeFlags.keypairPath, os.Getenv("PYRSIA_KEYPAIR"))
	if nodeFlags.keypairPath == "" {
		nodeFlags.keypairPath = core.DefaultBlockKeypairPath()
	}
	resolveStringFlag(cmd, "listen", &nodeFlags.listenAddr, os.Getenv("PYRSIA_LISTEN_ADDR"))
	resolveIntFlag(cmd, "registry-port", &nodeFlags.registryPort, utils.EnvOrDefaultInt("PYRSIA_REGISTRY_PORT", 7888))
	resolveIntFlag(cmd, "api-port", &nodeFlags.apiPort, utils.EnvOrDefaultInt("PYRSIA_API_PORT", 7889))
	resolveStringFlag(cmd, "mapping-service", &nodeFlags.mappingURL, os.Getenv("PYRSIA_MAPPING_SERVICE"))
	resolveStringFlag(cmd, "pipeline-service", &nodeFlags.pipelineURL, os.Getenv("PYRSIA_PIPELINE_SERVICE"))
}

func runNode(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(nodeFlags.env)
	if err != nil {
		return err
	}

	listenAddr := nodeFlags.listenAddr
	if listenAddr == "" {
		listenAddr = cfg.Network.ListenAddr
	}
	if listenAddr == "" {
		listenAddr = "/ip4/0.0.0.0/tcp/44000"
	}
	peers := nodeFlags.peers
	if len(peers) == 0 {
		peers = cfg.Network.BootstrapPeers
	}

	nodeCfg := core.NodeConfig{
		ArtifactPath:       nodeFlags.artifactPath,
		KeypairPath:        nodeFlags.keypairPath,
		DevMode:            utils.EnvOrDefaultBool("DEV_MODE", false),
		ListenAddr:         listenAddr,
		BootstrapPeers:     peers,
		Authorities:        cfg.Blockchain.Authorities,
		BlockTime:          time.Duration(cfg.Blockchain.BlockTimeMS) * time.Millisecond,
		InitDelay:          time.Duration(cfg.Blockchain.InitDelayMS) * time.Millisecond,
		MappingServiceURL:  nodeFlags.mappingURL,
		PipelineServiceURL: nodeFlags.pipelineURL,
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	node, err := core.NewNode(ctx, nodeCfg)
	if err != nil {
		return utils.Wrap(err, "node startup")
	}
	defer node.Close()

	if err := node.Start(ctx); err != nil {
		return utils.Wrap(err, "node startup")
	}

	registrySrv := &http.Server{
		Addr:    fmt.Sprintf(":%d", nodeFlags.registryPort),
		Handler: node.RegistryHandler(),
	}
	apiSrv := &http.Server{
		Addr:    fmt.Sprintf(":%d", nodeFlags.apiPort),
		Handler: node.APIHandler(),
	}
	errCh := make(chan error, 2)
	go func() { errCh <- registrySrv.ListenAndServe() }()
	go func() { errCh <- apiSrv.ListenAndServe() }()
	logrus.Infof("registry on :%d, node API on :%d", nodeFlags.registryPort, nodeFlags.apiPort)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		cancel()
		return utils.Wrap(err, "http server")
	case sig := <-sigCh:
		logrus.Infof("received %s, shutting down", sig)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = registrySrv.Shutdown(shutdownCtx)
	_ = apiSrv.Shutdown(shutdownCtx)
	cancel()
	return nil
}

// NodeCmd is the `node` command group.
func NodeCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "node", Short: "run and inspect the local node"}

	start := &cobra.Command{
		Use:    "start",
		Short:  "start the node",
		PreRun: initNodeMiddleware,
		RunE:   runNode,
	}
	start.Flags().String("artifact-path", "", "artifact store root (PYRSIA_ARTIFACT_PATH)")
	start.Flags().String("keypair", "", "path to the ed25519 block keypair")
	start.Flags().String("listen", "", "p2p listen multiaddr")
	start.Flags().Int("registry-port", 0, "registry façade port")
	start.Flags().Int("api-port", 0, "node API port")
	start.Flags().String("mapping-service", "", "mapping service base URL")
	start.Flags().String("pipeline-service", "", "build pipeline base URL")
	start.Flags().StringSliceVar(&nodeFlags.peers, "peer", nil, "bootstrap peer multiaddr (repeatable)")
	start.Flags().StringVar(&nodeFlags.env, "env", "", "config environment to merge")

	cmd.AddCommand(start)
	return cmd
}
