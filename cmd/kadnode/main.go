package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"

	"github.com/zde37/kadnet/internal/api"
	"github.com/zde37/kadnet/pkg"
	"github.com/zde37/kadnet/pkg/config"
	"github.com/zde37/kadnet/pkg/kademlia"
	"github.com/zde37/kadnet/pkg/metrics"
	"github.com/zde37/kadnet/pkg/transport"
)

// Version is set at build time.
var Version = "dev"

// items of this type are stored for any peer that asks
const blobItemType = "blob"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:     "kadnode",
		Short:   "Kademlia DHT node",
		Long:    "kadnode runs a Kademlia routing table and DHT over gRPC, with an HTTP status API.",
		Version: Version,
		// usage on every runtime error hides the error
		SilenceUsage: true,
	}
	root.PersistentFlags().String("config", "", "YAML config file (defaults are used when empty)")

	root.AddCommand(newRunCmd(), newPeerFileCmd(), newVersionCmd())
	return root
}

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start a node",
		Example: `  # first node
  kadnode run --port 7440

  # join through it
  kadnode run --port 7441 --http-port 8081 --bootstrap 127.0.0.1:7440`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			return runNode(cmd.Context(), cfg)
		},
	}

	f := cmd.Flags()
	f.String("host", "127.0.0.1", "Host address to bind to")
	f.Int("port", 7440, "Port for the gRPC transport")
	f.Int("http-port", 8080, "Port for the HTTP API server, 0 disables it")
	f.StringSlice("bootstrap", nil, "Bootstrap node addresses (host:port)")
	f.String("peer-file", "peers.txt", "File of base64 encoded peer addresses")
	f.String("auth-token", "", "Shared secret for node-to-node requests")
	f.Int("k", 20, "Bucket capacity")
	f.Int("s", 3, "Sibling list and lookup result size")
	f.Int("alpha", 3, "Concurrent requests per lookup")
	f.Int("b", 1, "Bucket sub-range factor")
	f.Bool("no-siblings", false, "Disable the sibling list")
	f.String("trim-policy", config.TrimRandomIfOld, "Full bucket policy (random, random-if-old, reject)")
	f.String("log-level", "info", "Log level (trace, debug, info, warn, error)")
	f.String("log-format", "console", "Log format (json, console)")
	f.String("log-file", "", "Also write logs to this rotated file")

	return cmd
}

func newPeerFileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "peerfile <path> <address>...",
		Short: "Write a bootstrap peer file",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := kademlia.WritePeerFile(args[0], args[1:]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %d peers to %s\n", len(args)-1, args[0])
			return nil
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "kadnode %s\n", Version)
		},
	}
}

// loadConfig reads the config file, if any, and applies the flags the user
// set on top of it.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg := config.DefaultConfig()

	path, _ := cmd.Flags().GetString("config")
	if path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	f := cmd.Flags()
	if f.Changed("host") {
		cfg.Host, _ = f.GetString("host")
	}
	if f.Changed("port") {
		cfg.Port, _ = f.GetInt("port")
	}
	if f.Changed("http-port") {
		cfg.HTTPPort, _ = f.GetInt("http-port")
	}
	if f.Changed("bootstrap") {
		cfg.BootstrapPeers, _ = f.GetStringSlice("bootstrap")
	}
	if f.Changed("peer-file") {
		cfg.PeerFile, _ = f.GetString("peer-file")
	}
	if f.Changed("auth-token") {
		cfg.AuthToken, _ = f.GetString("auth-token")
	}
	if f.Changed("k") {
		cfg.K, _ = f.GetInt("k")
	}
	if f.Changed("s") {
		cfg.S, _ = f.GetInt("s")
	}
	if f.Changed("alpha") {
		cfg.Alpha, _ = f.GetInt("alpha")
	}
	if f.Changed("b") {
		cfg.B, _ = f.GetInt("b")
	}
	if f.Changed("no-siblings") {
		noSiblings, _ := f.GetBool("no-siblings")
		cfg.UseSiblingList = !noSiblings
	}
	if f.Changed("trim-policy") {
		cfg.TrimPolicy, _ = f.GetString("trim-policy")
	}
	if f.Changed("log-level") {
		cfg.LogLevel, _ = f.GetString("log-level")
	}
	if f.Changed("log-format") {
		cfg.LogFormat, _ = f.GetString("log-format")
	}
	if f.Changed("log-file") {
		cfg.LogFile, _ = f.GetString("log-file")
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) (*pkg.Logger, error) {
	loggerConfig := pkg.DefaultConfig()
	loggerConfig.Level = cfg.LogLevel
	loggerConfig.Format = cfg.LogFormat
	if cfg.LogFile != "" {
		loggerConfig.File.Enable = true
		loggerConfig.File.Path = cfg.LogFile
	}
	return pkg.New(loggerConfig)
}

// node holds the running components so they can be torn down in order.
type node struct {
	transport  *transport.GRPCTransport
	dht        *kademlia.DHT
	httpServer *api.Server
	logger     *pkg.Logger
}

func runNode(ctx context.Context, cfg *config.Config) error {
	if ctx == nil {
		ctx = context.Background()
	}

	logger, err := newLogger(cfg)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}

	logger.Info().
		Str("address", cfg.Address()).
		Int("http_port", cfg.HTTPPort).
		Int("k", cfg.K).
		Int("alpha", cfg.Alpha).
		Msg("Starting kadnet node")

	n := &node{logger: logger}

	n.transport, err = transport.NewGRPCTransport(transport.GRPCConfig{
		ListenAddress: cfg.Address(),
		AuthToken:     cfg.AuthToken,
	}, logger)
	if err != nil {
		return n.fail(err, "failed to create transport")
	}
	if err := n.transport.Start(); err != nil {
		return n.fail(err, "failed to start transport")
	}

	m := metrics.New("kadnet")
	opts := []kademlia.Option{kademlia.WithMetrics(m)}

	// events only have an audience when the API is up
	var hub *api.WebSocketHub
	if cfg.HTTPPort > 0 {
		hub = api.NewWebSocketHub(logger)
		opts = append(opts, kademlia.WithBroadcaster(hub))
	}

	n.dht, err = kademlia.NewDHT(cfg, n.transport, logger, opts...)
	if err != nil {
		return n.fail(err, "failed to create DHT")
	}
	n.dht.SetStorageHandler(blobItemType, kademlia.NewDefaultMemoryStorageHandler())

	if cfg.HTTPPort > 0 {
		n.httpServer, err = api.NewServer(&api.Config{
			HTTPPort: cfg.HTTPPort,
			Metrics:  m.Handler(),
			ItemType: blobItemType,
		}, n.dht, hub, logger)
		if err != nil {
			return n.fail(err, "failed to create HTTP API server")
		}
		if err := n.httpServer.Start(cfg.HTTPPort); err != nil {
			return n.fail(err, "failed to start HTTP API server")
		}
	}

	if err := n.dht.Start(); err != nil {
		return n.fail(err, "failed to start DHT")
	}

	logger.Info().
		Str("node_id", n.dht.LocalID().Short()).
		Str("address", n.dht.LocalAddress()).
		Msg("kadnet node is ready")

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	logger.Info().Msg("Received shutdown signal")
	return n.cleanup()
}

// fail tears down whatever started and returns err wrapped with msg.
func (n *node) fail(err error, msg string) error {
	n.logger.Error().Err(err).Msg(msg)
	return multierr.Append(fmt.Errorf("%s: %w", msg, err), n.cleanup())
}

// cleanup performs graceful shutdown of all components
func (n *node) cleanup() error {
	n.logger.Info().Msg("Starting graceful shutdown")

	var errs error
	if n.httpServer != nil {
		errs = multierr.Append(errs, n.httpServer.Stop())
	}
	if n.dht != nil {
		errs = multierr.Append(errs, n.dht.Shutdown())
	}
	if n.transport != nil {
		errs = multierr.Append(errs, n.transport.Close())
	}

	if errs != nil {
		n.logger.Error().Err(errs).Msg("Errors during shutdown")
	} else {
		n.logger.Info().Msg("kadnet node shutdown complete")
	}
	return multierr.Append(errs, n.logger.Close())
}
