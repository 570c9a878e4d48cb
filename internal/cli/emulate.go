package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/firetree/firetree/internal/config"
	"github.com/firetree/firetree/internal/emulator"
	"github.com/firetree/firetree/internal/logging"
	"github.com/firetree/firetree/internal/metrics"
	"github.com/firetree/firetree/internal/store"
)

func newEmulateCmd(flags *GlobalFlags) *cobra.Command {
	var (
		host          string
		port          int
		storage       string
		dbPath        string
		publicKeyFile string
		requireAuth   bool
	)

	cmd := &cobra.Command{
		Use:   "emulate",
		Short: "Run a local database and token endpoint",
		Long: `Serve a JSON tree over the database REST protocol, together with a token
endpoint at /oauth2/v4/token that accepts assertions signed by the key in
--public-key. Point a client at it with token.endpoint and
credentials.database_url.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, flags)
			if err != nil {
				return err
			}
			ec := cfg.Emulator
			f := cmd.Flags()
			if f.Changed("host") {
				ec.Host = host
			}
			if f.Changed("port") {
				ec.Port = port
			}
			if f.Changed("storage") {
				ec.Storage = storage
			}
			if f.Changed("db") {
				ec.DBPath = dbPath
			}
			if f.Changed("public-key") {
				ec.PublicKeyFile = publicKeyFile
			}
			if f.Changed("require-auth") {
				ec.RequireAuth = requireAuth
			}
			if err := ec.Validate(); err != nil {
				return err
			}
			return runEmulator(cmd, flags, cfg, ec)
		},
	}

	cmd.Flags().StringVar(&host, "host", "", "Listen host (overrides emulator.host)")
	cmd.Flags().IntVar(&port, "port", 0, "Listen port (overrides emulator.port)")
	cmd.Flags().StringVar(&storage, "storage", "", "Tree storage: memory or sqlite")
	cmd.Flags().StringVar(&dbPath, "db", "", "SQLite database path for --storage sqlite")
	cmd.Flags().StringVar(&publicKeyFile, "public-key", "", "PEM key that verifies token assertions")
	cmd.Flags().BoolVar(&requireAuth, "require-auth", false, "Reject tree requests without a valid access token")
	return cmd
}

func runEmulator(cmd *cobra.Command, flags *GlobalFlags, cfg *config.Config, ec config.EmulatorConfig) error {
	logger := newLogger(cfg, flags, cmd.ErrOrStderr())

	var tree store.Tree
	switch ec.Storage {
	case "sqlite":
		t, err := store.NewSQLiteTree(ec.DBPath)
		if err != nil {
			return fmt.Errorf("open tree: %w", err)
		}
		tree = t
	default:
		tree = store.NewMemoryTree()
	}

	key, err := ec.LoadPublicKey()
	if err != nil {
		_ = tree.Close()
		return err
	}
	if key == nil {
		logger.Warn("no public key configured; token exchanges will be refused")
	}

	srv := emulator.New(tree, emulator.Config{
		RequireAuth:    ec.RequireAuth,
		PublicKey:      key,
		ServiceAccount: ec.ServiceAccount,
		TokenTTL:       ec.TokenTTL,
	},
		emulator.WithLogger(logger),
		emulator.WithMetrics(metrics.NewMetrics(cfg.Metrics.Namespace+"_emulator")),
	)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Run(ec.Addr()) }()

	sigCh := emulator.SetupSignalHandler()
	defer signal.Stop(sigCh)

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	watchLogLevel(ctx, flags, logger)

	select {
	case err := <-errCh:
		_ = tree.Close()
		return err
	case sig := <-sigCh:
		logger.Info("received signal", "signal", sig.String())
	case <-ctx.Done():
	}

	shutdownCtx, stop := context.WithTimeout(context.Background(), ec.ShutdownTimeout)
	defer stop()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errCh
}

// watchLogLevel applies log.level edits to the running emulator. Other
// sections need a restart.
func watchLogLevel(ctx context.Context, flags *GlobalFlags, logger *logging.Logger) {
	if flags.Verbose {
		return
	}
	if _, err := os.Stat(flags.Config); err != nil {
		return
	}
	loader := config.NewLoader(flags.Config)
	loader.SetLogger(logger)
	if _, err := loader.Load(); err != nil {
		return
	}
	loader.SetOnChange(func(c *config.Config) {
		level := logging.ParseLevel(c.Log.Level)
		if level != logger.Level() {
			logger.SetLevel(level)
			logger.Info("log level changed", "level", string(level))
		}
	})
	if err := loader.Watch(ctx); err != nil {
		logger.Warn("config watch disabled", "error", err)
	}
}
