package cli

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/firetree/firetree/internal/config"
	fterrors "github.com/firetree/firetree/internal/errors"
	"github.com/firetree/firetree/internal/logging"
	"github.com/firetree/firetree/internal/metrics"
	"github.com/firetree/firetree/internal/notify"
	"github.com/firetree/firetree/internal/transport"
	"github.com/firetree/firetree/pkg/auth"
	"github.com/firetree/firetree/pkg/firetree"
)

// loadConfig reads --config. A missing file at the default path is not an
// error: defaults apply and credentials come from the environment.
func loadConfig(cmd *cobra.Command, flags *GlobalFlags) (*config.Config, error) {
	cfg, err := config.NewLoader(flags.Config).Load()
	if err == nil {
		return cfg, nil
	}
	var notFound *fterrors.ErrConfigNotFound
	if stderrors.As(err, &notFound) && !cmd.Flags().Changed("config") {
		return config.Default(), nil
	}
	return nil, fmt.Errorf("failed to load configuration: %w", err)
}

func newLogger(cfg *config.Config, flags *GlobalFlags, w io.Writer) *logging.Logger {
	level := logging.ParseLevel(cfg.Log.Level)
	if flags.Verbose {
		level = logging.LevelDebug
	}
	return logging.NewLogger(
		logging.WithOutput(w),
		logging.WithLevel(level),
		logging.WithService(cfg.Log.Service),
	)
}

// session is everything a client command needs, plus what must be closed
// when it finishes.
type session struct {
	cfg     *config.Config
	logger  *logging.Logger
	creds   auth.Credentials
	conn    *firetree.Connection
	closers []func()
}

func openSession(cmd *cobra.Command, flags *GlobalFlags) (*session, error) {
	cfg, err := loadConfig(cmd, flags)
	if err != nil {
		return nil, err
	}
	s := &session{cfg: cfg, logger: newLogger(cfg, flags, cmd.ErrOrStderr())}

	s.creds, err = cfg.Credentials.Resolve()
	if err != nil {
		return nil, fmt.Errorf("resolve credentials: %w", err)
	}

	notifiers := notify.Multi{notify.Log{Logger: s.logger}}
	if cfg.Telegram.Enabled {
		api, err := notify.NewTGBotAPIClient(cfg.Telegram.BotToken)
		if err != nil {
			s.logger.Warn("telegram notifications disabled", "error", err)
		} else {
			tg := notify.NewTelegram(api, cfg.Telegram.ChatID, cfg.Telegram.Label, s.logger)
			notifiers = append(notifiers, tg)
			s.closers = append(s.closers, tg.Close)
		}
	}

	opts := []firetree.Option{
		firetree.WithLogger(s.logger),
		firetree.WithNotifier(notifiers),
		firetree.WithHTTPClient(transport.NewClient(cfg.Transport.Options())),
		firetree.WithTokenEndpoint(cfg.Token.Endpoint),
		firetree.WithScope(cfg.Token.Scope),
		firetree.WithRefreshInterval(cfg.Token.RefreshInterval),
	}
	if cfg.Metrics.Enabled {
		opts = append(opts, firetree.WithMetrics(metrics.NewMetrics(cfg.Metrics.Namespace)))
	}
	if cfg.Audit.Enabled {
		store, err := logging.NewSQLiteAuditStoreWithRetention(cfg.Audit.DBPath, cfg.Audit.RetentionDays)
		if err != nil {
			s.close()
			return nil, fmt.Errorf("open audit store: %w", err)
		}
		opts = append(opts, firetree.WithAuditSink(store))
		s.closers = append(s.closers, func() { _ = store.Close() })
	}

	s.conn, err = firetree.New(s.creds, opts...)
	if err != nil {
		s.close()
		return nil, err
	}
	// Stop refreshing before the sinks it reports to are closed.
	s.closers = append([]func(){func() { _ = s.conn.Close() }}, s.closers...)
	return s, nil
}

// authenticate runs Setup. A failed exchange is reported but not fatal:
// requests still go out and surface the missing token themselves.
func (s *session) authenticate(ctx context.Context) (*auth.Token, error) {
	var tok *auth.Token
	err := s.conn.Setup(ctx, func(t *auth.Token, err error) { tok = t })
	if err != nil {
		s.logger.WarnWithContext(ctx, "initial authentication failed", "error", err)
	}
	return tok, err
}

func (s *session) close() {
	for _, c := range s.closers {
		c()
	}
	s.closers = nil
}
