package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cuemby/swarmd/pkg/config"
	"github.com/cuemby/swarmd/pkg/coordinator"
	"github.com/cuemby/swarmd/pkg/log"
	"github.com/cuemby/swarmd/pkg/metrics"
	"github.com/cuemby/swarmd/pkg/rpc/transport/stdio"
	"github.com/cuemby/swarmd/pkg/rpc/transport/ws"
	"github.com/spf13/cobra"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "swarmd",
	Short: "swarmd - Unified Swarm Coordinator",
	Long: `swarmd coordinates a fleet of agents: registry and health tracking,
topology management with leader election, a task DAG scheduler, pluggable
consensus (raft, pbft, gossip), and a JSON-RPC/MCP-style control surface.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"swarmd version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	cobra.OnInitialize(initLogging)

	serveCmd.Flags().String("config", "", "Path to a YAML config file (defaults used where unset)")
	serveCmd.Flags().String("node-id", "node-1", "This node's identifier")
	serveCmd.Flags().String("bind-addr", "127.0.0.1:7946", "Consensus transport bind address")
	serveCmd.Flags().String("data-dir", "", "Raft data directory (empty uses in-memory stores)")
	serveCmd.Flags().Bool("bootstrap", false, "Bootstrap a new raft cluster with this node as the first voter")
	serveCmd.Flags().String("rpc-addr", "127.0.0.1:7950", "HTTP address for the WebSocket RPC endpoint and /metrics")
	serveCmd.Flags().Bool("stdio", false, "Also serve one JSON-RPC session over stdin/stdout")

	rootCmd.AddCommand(serveCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the swarmd coordinator",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	nodeID, _ := cmd.Flags().GetString("node-id")
	bindAddr, _ := cmd.Flags().GetString("bind-addr")
	dataDir, _ := cmd.Flags().GetString("data-dir")
	bootstrap, _ := cmd.Flags().GetBool("bootstrap")
	rpcAddr, _ := cmd.Flags().GetString("rpc-addr")
	useStdio, _ := cmd.Flags().GetBool("stdio")

	cfg := config.Default()
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		cfg = loaded
	}

	co, err := coordinator.New(cfg, coordinator.NodeIdentity{
		NodeID:    nodeID,
		BindAddr:  bindAddr,
		DataDir:   dataDir,
		Bootstrap: bootstrap,
	})
	if err != nil {
		return fmt.Errorf("constructing coordinator: %w", err)
	}

	if err := co.Start(); err != nil {
		return fmt.Errorf("starting coordinator: %w", err)
	}
	log.Info(fmt.Sprintf("swarmd started: node=%s algorithm=%s topology=%s", nodeID, cfg.Consensus.Algorithm, cfg.Topology.Type))

	hub := ws.NewHub()
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/rpc", hub.Handler(co.Dispatcher))

	httpServer := &http.Server{Addr: rpcAddr, Handler: mux}
	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("rpc http server: %w", err)
		}
	}()
	log.Info(fmt.Sprintf("rpc websocket endpoint: ws://%s/rpc, metrics: http://%s/metrics", rpcAddr, rpcAddr))

	var stdioDone chan struct{}
	if useStdio {
		stdioDone = make(chan struct{})
		go func() {
			defer close(stdioDone)
			if err := stdio.Serve(context.Background(), co.Dispatcher, os.Stdin, os.Stdout, 0); err != nil {
				log.Errorf("stdio transport closed: %v", err)
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info(fmt.Sprintf("received signal %s, shutting down", sig))
	case err := <-errCh:
		log.Errorf("fatal server error: %v", err)
	case <-stdioDoneOrNever(stdioDone):
		log.Info("stdio transport closed, shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	hub.Shutdown(shutdownCtx)
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Errorf("rpc http server shutdown: %v", err)
	}
	co.Stop()
	log.Info("swarmd stopped")
	return nil
}

// stdioDoneOrNever returns ch if stdio is in use, otherwise a channel that
// never fires, so select doesn't exit on an unused nil stdio transport.
func stdioDoneOrNever(ch chan struct{}) chan struct{} {
	if ch != nil {
		return ch
	}
	return make(chan struct{})
}
