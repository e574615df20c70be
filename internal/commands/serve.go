package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/zot/scholar-hub/internal/auth"
	"github.com/zot/scholar-hub/internal/config"
	"github.com/zot/scholar-hub/internal/contentstore"
	"github.com/zot/scholar-hub/internal/history"
	"github.com/zot/scholar-hub/internal/logging"
	"github.com/zot/scholar-hub/internal/messenger"
	"github.com/zot/scholar-hub/internal/metrics"
	"github.com/zot/scholar-hub/internal/peer"
	"github.com/zot/scholar-hub/internal/presence"
	"github.com/zot/scholar-hub/internal/pubsub"
	"github.com/zot/scholar-hub/internal/server"
	"github.com/zot/scholar-hub/internal/store"
)

// ServeCmd runs the collaboration hub. It is also the root command's action.
var ServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the collaboration hub",
	Long: `Run the collaboration hub: live sessions on /ws, course and direct
chat over pub/sub, the content API under /api, /healthz and /metrics.

The relational database is migrated on start. An unreachable content daemon
does not stop the server; content operations fail until it is restarted.`,
	Args: cobra.NoArgs,
	RunE: RunServe,
}

func RunServe(cmd *cobra.Command, args []string) error {
	cfg, err := LoadConfig()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	log, err := logging.New(cfg.Behavior.Verbosity)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer log.Sync()
	verbose := logging.Verbose{Log: log, Verbosity: cfg.Behavior.Verbosity}
	m := metrics.New()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	defer stop()

	var daemon contentstore.Daemon
	var shell *contentstore.ShellDaemon
	switch cfg.Content.Backend {
	case config.BackendDaemon:
		shell = contentstore.NewShellDaemon(cfg.Content.APIAddress, cfg.Content.RequestTimeout.Duration)
		daemon = shell
	default:
		daemon = contentstore.NewMemoryDaemon()
	}
	content := contentstore.NewClient(daemon, cfg.Content.GatewayURL, log.Named("content"), m)
	if err := content.Initialize(ctx); err != nil {
		log.Warn("content daemon unreachable, content operations will fail",
			zap.String("api", cfg.Content.APIAddress), zap.Error(err))
	}

	db, err := store.Open(cfg.Database.Path)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := db.Migrate(); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}

	hist, err := history.Open(cfg.Messenger.HistoryPath)
	if err != nil {
		return err
	}
	defer hist.Close()

	transport, closeTransport, err := openTransport(ctx, cfg, shell, log)
	if err != nil {
		return err
	}
	defer closeTransport()

	chat := messenger.New(transport, content, hist, log.Named("messenger"), m)
	defer chat.Close()
	verbose.At(logging.LevelLifecycle, "messenger ready", zap.String("peer", chat.LocalPeer()))

	verifier := auth.NewVerifier(cfg.Auth.JWTSecret, cfg.Auth.Issuer, cfg.Auth.Audience, cfg.Auth.Leeway.Duration)
	svc := presence.NewService(db, verifier, logging.Verbose{Log: log.Named("presence"), Verbosity: cfg.Behavior.Verbosity}, m)

	srv := server.New(ctx, server.Deps{
		Config:    cfg,
		Presence:  svc,
		Users:     db,
		Verifier:  verifier,
		Content:   content,
		Messenger: chat,
		Metrics:   m,
		Log:       log.Named("server"),
	})
	if err := srv.Start(); err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}
	defer func() {
		verbose.At(logging.LevelDebug, "stopping server from defer")
		if err := srv.Stop(); err != nil {
			log.Warn("server stop returned an error", zap.Error(err))
		}
	}()
	fmt.Fprintf(cmd.OutOrStdout(), "Server running at http://localhost:%d\n", srv.Port())

	select {
	case <-ctx.Done():
		fmt.Fprintln(cmd.OutOrStdout(), "\nShutting down...")
	case <-srv.Done():
		log.Info("server context cancelled")
	}
	return nil
}

// openTransport picks the messenger's pub/sub substrate. The returned func
// releases it.
func openTransport(ctx context.Context, cfg *config.Config, shell *contentstore.ShellDaemon, log *zap.Logger) (pubsub.Transport, func(), error) {
	switch cfg.Messenger.Transport {
	case config.TransportDaemon:
		return shell, func() {}, nil
	case config.TransportLibp2p:
		node, err := peer.New(ctx, peer.Options{
			ListenAddrs: cfg.Messenger.ListenAddrs,
			Bootstrap:   cfg.Messenger.Bootstrap,
			MDNS:        cfg.Messenger.MDNS,
			DHT:         cfg.Messenger.DHT,
			KeyFile:     cfg.Messenger.KeyFile,
		}, log.Named("peer"))
		if err != nil {
			return nil, nil, fmt.Errorf("failed to start libp2p node: %w", err)
		}
		log.Info("libp2p node started", zap.String("peer", node.LocalID()), zap.Strings("addrs", node.Addrs()))
		return node, func() {
			if err := node.Close(); err != nil {
				log.Warn("failed to close libp2p node", zap.Error(err))
			}
		}, nil
	default:
		return pubsub.NewMemoryBus().Node("local"), func() {}, nil
	}
}
