// Package firetree is the entry point for embedding applications: it wires
// credentials, the token manager and the database client into one
// Connection and reports authentication outcomes to a Notifier.
package firetree

import (
	"context"
	"fmt"
	"time"

	fterrors "github.com/firetree/firetree/internal/errors"
	"github.com/firetree/firetree/internal/logging"
	"github.com/firetree/firetree/internal/metrics"
	"github.com/firetree/firetree/internal/notify"
	"github.com/firetree/firetree/internal/transport"
	"github.com/firetree/firetree/pkg/auth"
	"github.com/firetree/firetree/pkg/database"
	"github.com/firetree/firetree/pkg/value"
)

type (
	Value       = value.Value
	Credentials = auth.Credentials
	Token       = auth.Token
	Notifier    = notify.Notifier
	Future      = database.Future
)

var (
	ErrInvalidURLString                = fterrors.ErrInvalidURLString
	ErrUnableToCreateRequest           = fterrors.ErrUnableToCreateRequest
	ErrNotFound                        = fterrors.ErrNotFound
	ErrInvalidDatabase                 = fterrors.ErrInvalidDatabase
	ErrBadRequest                      = fterrors.ErrBadRequest
	ErrUnauthorized                    = fterrors.ErrUnauthorized
	ErrServerError                     = fterrors.ErrServerError
	ErrDatabaseUnavailable             = fterrors.ErrDatabaseUnavailable
	ErrUnknownError                    = fterrors.ErrUnknownError
	ErrAuthenticationTokenNotRefreshed = fterrors.ErrAuthenticationTokenNotRefreshed
	ErrInvalidPrivateKey               = fterrors.ErrInvalidPrivateKey
	ErrSigningFailure                  = fterrors.ErrSigningFailure
	ErrEnvironmentVariablesNotFound    = fterrors.ErrEnvironmentVariablesNotFound
)

var (
	NewCredentials      = auth.NewCredentials
	CredentialsFromEnv  = auth.CredentialsFromEnv
	CredentialsFromJSON = auth.CredentialsFromJSON
)

// Connection is an authenticated handle on one database. The CRUD methods
// of database.Client are promoted onto it.
type Connection struct {
	*database.Client

	creds    Credentials
	tokens   *auth.TokenManager
	notifier Notifier
	logger   *logging.Logger
	metrics  *metrics.Metrics
	audit    logging.AuditSink
	interval time.Duration
}

type config struct {
	logger        *logging.Logger
	metrics       *metrics.Metrics
	audit         logging.AuditSink
	notifier      Notifier
	httpClient    transport.Doer
	tokenEndpoint string
	scope         string
	interval      time.Duration
	clock         func() time.Time
}

// Option configures a Connection.
type Option func(*config)

// WithLogger sets the logger shared by the token manager and the client.
func WithLogger(l *logging.Logger) Option {
	return func(c *config) { c.logger = l }
}

// WithMetrics records requests, refreshes and token expiry.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *config) { c.metrics = m }
}

// WithAuditSink receives authentication and database audit events.
func WithAuditSink(s logging.AuditSink) Option {
	return func(c *config) { c.audit = s }
}

// WithNotifier sets the sink for authentication outcomes.
func WithNotifier(n Notifier) Option {
	return func(c *config) { c.notifier = n }
}

// WithHTTPClient is shared by the token exchange and database calls.
func WithHTTPClient(d transport.Doer) Option {
	return func(c *config) { c.httpClient = d }
}

// WithTokenEndpoint points the exchange at an emulator or proxy.
func WithTokenEndpoint(endpoint string) Option {
	return func(c *config) { c.tokenEndpoint = endpoint }
}

// WithScope overrides the assertion scope.
func WithScope(scope string) Option {
	return func(c *config) { c.scope = scope }
}

// WithRefreshInterval overrides auth.DefaultRefreshInterval.
func WithRefreshInterval(d time.Duration) Option {
	return func(c *config) { c.interval = d }
}

// WithClock injects the time source for assertions and token stamps.
func WithClock(clock func() time.Time) Option {
	return func(c *config) { c.clock = clock }
}

// New builds a Connection. No network traffic happens until Setup.
func New(creds Credentials, opts ...Option) (*Connection, error) {
	cfg := config{
		logger:   logging.Nop(),
		notifier: notify.Nop{},
		interval: auth.DefaultRefreshInterval,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.httpClient == nil {
		cfg.httpClient = transport.NewClient(transport.OptionsFromEnv())
	}

	c := &Connection{
		creds:    creds,
		notifier: cfg.notifier,
		logger:   cfg.logger,
		metrics:  cfg.metrics,
		audit:    cfg.audit,
		interval: cfg.interval,
	}

	managerOpts := []auth.ManagerOption{
		auth.WithHTTPClient(cfg.httpClient),
		auth.WithLogger(cfg.logger),
		auth.WithObserver(c.observeRefresh),
	}
	if cfg.tokenEndpoint != "" {
		managerOpts = append(managerOpts, auth.WithEndpoint(cfg.tokenEndpoint))
	}
	if cfg.scope != "" {
		managerOpts = append(managerOpts, auth.WithScope(cfg.scope))
	}
	if cfg.clock != nil {
		managerOpts = append(managerOpts, auth.WithClock(cfg.clock))
	}
	c.tokens = auth.NewTokenManager(creds, managerOpts...)

	dbOpts := []database.Option{
		database.WithHTTPClient(cfg.httpClient),
		database.WithLogger(cfg.logger),
		database.WithNotifier(cfg.notifier),
		database.WithPrincipal(creds.ServiceAccount),
	}
	if cfg.metrics != nil {
		dbOpts = append(dbOpts, database.WithMetrics(cfg.metrics))
	}
	if cfg.audit != nil {
		dbOpts = append(dbOpts, database.WithAuditSink(cfg.audit))
	}
	client, err := database.NewClient(creds.DatabaseURL, c.tokens, dbOpts...)
	if err != nil {
		return nil, fmt.Errorf("build database client: %w", err)
	}
	c.Client = client
	return c, nil
}

// Setup acquires the first token, starts background refresh and then calls
// completion with the outcome. It blocks until the first exchange finishes
// or ctx is done. The refresh loop keeps running after a failed first
// exchange, so a later tick can still authenticate the connection.
// completion may be nil.
func (c *Connection) Setup(ctx context.Context, completion func(*Token, error)) error {
	c.logger.DebugWithContext(ctx, "setting up connection", "database", c.creds.DatabaseURL)

	tok, err := c.tokens.Refresh(ctx)

	// A successful first exchange stands in for the loop's immediate tick.
	loopCtx := context.WithoutCancel(ctx)
	start := c.tokens.Start
	if err == nil {
		start = c.tokens.StartDeferred
	}
	if startErr := start(loopCtx, c.interval); startErr != nil {
		c.logger.WarnWithContext(ctx, "refresh loop not started", "error", startErr)
	}

	if completion != nil {
		completion(tok, err)
	}
	return err
}

// Tokens exposes the token manager.
func (c *Connection) Tokens() *auth.TokenManager {
	return c.tokens
}

// Close stops background refresh. Calls already in flight finish normally.
func (c *Connection) Close() error {
	c.tokens.Stop()
	return nil
}

// observeRefresh fans each refresh outcome out to metrics, audit and the notifier.
func (c *Connection) observeRefresh(res auth.RefreshResult) {
	ctx := context.Background()

	if c.metrics != nil {
		c.metrics.RecordTokenRefresh(res.Err == nil, res.Duration)
		if res.Token != nil {
			c.metrics.SetTokenExpiry(res.Token.ExpiresAt())
		}
	}

	if c.audit != nil {
		event := logging.NewAuditEvent(logging.AuthSuccess, "token_refresh", logging.StatusSuccess)
		if res.Err != nil {
			event = logging.NewAuditEvent(logging.AuthFailure, "token_refresh", logging.StatusFailure).
				WithError(res.Err.Error())
		}
		c.audit.Record(event.
			WithPrincipal(c.creds.ServiceAccount).
			WithResource(c.tokens.Signer().Audience).
			WithDuration(res.Duration))
	}

	if res.Err != nil {
		c.notifier.AuthenticationFailed(ctx, res.Err)
		return
	}
	c.notifier.Authenticated(ctx)
}
