// Package emulator serves a JSON tree over the Realtime Database REST
// protocol together with a token endpoint that accepts service-account
// assertions. It backs integration tests and `firetree emulate`.
package emulator

import (
	"context"
	"crypto/rsa"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/firetree/firetree/internal/errors"
	"github.com/firetree/firetree/internal/logging"
	"github.com/firetree/firetree/internal/metrics"
	"github.com/firetree/firetree/internal/store"
)

// TokenPath is where the emulator accepts assertion exchanges.
const TokenPath = "/oauth2/v4/token"

const maxBodySize = 16 << 20

// Config controls authentication on the emulator.
type Config struct {
	// RequireAuth rejects tree requests without a live access token.
	RequireAuth bool
	// PublicKey verifies assertions posted to TokenPath. Without one every
	// exchange is refused.
	PublicKey *rsa.PublicKey
	// ServiceAccount, when set, must match the assertion issuer.
	ServiceAccount string
	// TokenTTL is the lifetime of issued tokens. Defaults to one hour.
	TokenTTL time.Duration
}

// Server is the emulator HTTP server.
type Server struct {
	router     *gin.Engine
	tree       store.Tree
	config     Config
	metrics    *metrics.Metrics
	logger     *logging.Logger
	now        func() time.Time

	serverMu   sync.Mutex
	httpServer *http.Server
	stopped    bool

	tokensMu sync.Mutex
	tokens   map[string]time.Time

	unavailable atomic.Bool
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the request and lifecycle logger.
func WithLogger(l *logging.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithMetrics replaces the default metrics served at /metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithClock injects the time source for assertion checks and token expiry.
func WithClock(now func() time.Time) Option {
	return func(s *Server) { s.now = now }
}

// New builds an emulator over tree.
func New(tree store.Tree, cfg Config, opts ...Option) *Server {
	gin.SetMode(gin.ReleaseMode)

	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = time.Hour
	}
	s := &Server{
		router: gin.New(),
		tree:   tree,
		config: cfg,
		logger: logging.Nop(),
		now:    time.Now,
		tokens: make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = metrics.NewMetrics("firetree_emulator")
	}

	s.router.Use(gin.Recovery())
	s.router.Use(metrics.Middleware(s.metrics, s.logger))
	s.router.Use(loggingMiddleware(s.logger))

	s.setupRoutes()
	return s
}

// Handler exposes the router, for httptest servers.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupRoutes() {
	s.router.GET("/metrics", gin.WrapH(s.metrics.Handler()))
	s.router.POST(TokenPath, s.handleToken)
	// Tree paths are arbitrary, so they are served from NoRoute rather than
	// a root catch-all that would clash with the routes above.
	s.router.NoRoute(s.handleTree)
}

// SetAvailable toggles whether tree requests are served or answered with 503.
func (s *Server) SetAvailable(available bool) {
	s.unavailable.Store(!available)
}

// loggingMiddleware attaches the caller's correlation ID and logs completion.
func loggingMiddleware(logger *logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		correlationID := c.GetHeader("X-Correlation-ID")
		if correlationID == "" {
			correlationID = logging.GenerateCorrelationID()
		}
		ctx := logging.WithCorrelationID(c.Request.Context(), correlationID)
		c.Request = c.Request.WithContext(ctx)
		c.Header("X-Correlation-ID", correlationID)

		c.Next()

		logger.InfoWithContext(ctx, "request completed",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration_seconds", time.Since(start).Seconds(),
		)
	}
}

// Run listens on addr until Shutdown is called.
func (s *Server) Run(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return &errors.ErrServerStart{Addr: addr, Err: err}
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln until Shutdown is called.
func (s *Server) Serve(ln net.Listener) error {
	s.serverMu.Lock()
	if s.stopped {
		s.serverMu.Unlock()
		return ln.Close()
	}
	srv := NewHTTPServer(ln.Addr().String(), s.router)
	s.httpServer = srv
	s.serverMu.Unlock()

	s.logger.Info("emulator listening", "addr", ln.Addr().String(), "require_auth", s.config.RequireAuth)
	if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
		return &errors.ErrServerStart{Addr: ln.Addr().String(), Err: err}
	}
	return nil
}

// Shutdown stops the HTTP server and closes the tree.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("emulator shutting down")
	s.serverMu.Lock()
	s.stopped = true
	srv := s.httpServer
	s.serverMu.Unlock()

	if srv != nil {
		if err := srv.Shutdown(ctx); err != nil {
			return &errors.ErrServerShutdown{Err: err}
		}
	}
	if err := s.tree.Close(); err != nil {
		return fmt.Errorf("close tree: %w", err)
	}
	return nil
}
