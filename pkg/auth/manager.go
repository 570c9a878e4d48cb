package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	fterrors "github.com/firetree/firetree/internal/errors"
	"github.com/firetree/firetree/internal/logging"
	"github.com/firetree/firetree/internal/transport"
)

const (
	// GrantType is the OAuth2 grant used for the assertion exchange.
	GrantType = "urn:ietf:params:oauth:grant-type:jwt-bearer"

	// DefaultSlack is how long before expiry the scheduled refresh fires.
	DefaultSlack = 60 * time.Second

	// DefaultRefreshInterval is AssertionLifetime minus DefaultSlack.
	DefaultRefreshInterval = AssertionLifetime - DefaultSlack

	maxTokenResponse = 1 << 20
)

// RefreshResult describes one completed refresh attempt.
type RefreshResult struct {
	Token    *Token
	Err      error
	Duration time.Duration
}

// Observer is called after every refresh attempt, successful or not.
type Observer func(RefreshResult)

// TokenManager exchanges signed assertions for bearer tokens and keeps the
// latest one in an atomically replaced cell.
type TokenManager struct {
	signer   *Signer
	endpoint string
	client   transport.Doer
	logger   *logging.Logger
	clock    func() time.Time

	observers []Observer

	current atomic.Pointer[Token]
	group   singleflight.Group

	// stopCh and done belong to the current loop; both are nil when no
	// loop is running.
	mu     sync.Mutex
	stopCh chan struct{}
	done   chan struct{}
}

// ManagerOption configures a TokenManager.
type ManagerOption func(*TokenManager)

// WithEndpoint overrides the authorization endpoint. The assertion audience follows it.
func WithEndpoint(endpoint string) ManagerOption {
	return func(m *TokenManager) {
		m.endpoint = endpoint
		m.signer.Audience = endpoint
	}
}

// WithHTTPClient sets the client used for the token exchange.
func WithHTTPClient(c transport.Doer) ManagerOption {
	return func(m *TokenManager) { m.client = c }
}

// WithLogger sets the logger for refresh outcomes.
func WithLogger(l *logging.Logger) ManagerOption {
	return func(m *TokenManager) { m.logger = l }
}

// WithClock injects the time source used for assertion claims and token stamps.
func WithClock(clock func() time.Time) ManagerOption {
	return func(m *TokenManager) {
		m.clock = clock
		m.signer.Clock = clock
	}
}

// WithScope overrides the scope claim of signed assertions.
func WithScope(scope string) ManagerOption {
	return func(m *TokenManager) { m.signer.Scope = scope }
}

// WithObserver registers o to be called after every refresh attempt.
func WithObserver(o Observer) ManagerOption {
	return func(m *TokenManager) { m.observers = append(m.observers, o) }
}

// NewTokenManager builds a manager for creds. It holds no token until the first Refresh.
func NewTokenManager(creds Credentials, opts ...ManagerOption) *TokenManager {
	m := &TokenManager{
		signer:   NewSigner(creds),
		endpoint: TokenEndpoint,
		logger:   logging.Nop(),
		clock:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.client == nil {
		m.client = transport.NewClient(transport.Options{})
	}
	return m
}

// Signer exposes the assertion builder the manager signs with.
func (m *TokenManager) Signer() *Signer {
	return m.signer
}

// CurrentToken returns the latest token, if any refresh has succeeded.
func (m *TokenManager) CurrentToken() (*Token, bool) {
	t := m.current.Load()
	return t, t != nil
}

// Refresh obtains a new token. Concurrent callers share one in-flight
// exchange. Cancelling ctx abandons the wait but not the exchange itself.
// On failure the previously stored token is left as is.
func (m *TokenManager) Refresh(ctx context.Context) (*Token, error) {
	select {
	case res := <-m.refreshChan(ctx):
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Token), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *TokenManager) refreshChan(ctx context.Context) <-chan singleflight.Result {
	detached := context.WithoutCancel(ctx)
	return m.group.DoChan("refresh", func() (interface{}, error) {
		return m.exchange(detached)
	})
}

func (m *TokenManager) exchange(ctx context.Context) (*Token, error) {
	start := m.clock()
	tok, err := m.requestToken(ctx)
	if err == nil {
		m.current.Store(tok)
		m.logger.InfoWithContext(ctx, "token refreshed",
			"service_account", m.signer.Credentials.ServiceAccount,
			"expires_in", tok.ExpiresIn,
		)
	} else {
		m.logger.WarnWithContext(ctx, "token refresh failed",
			"service_account", m.signer.Credentials.ServiceAccount,
			"error", err,
		)
	}
	result := RefreshResult{Token: tok, Err: err, Duration: m.clock().Sub(start)}
	for _, o := range m.observers {
		o(result)
	}
	return tok, err
}

func (m *TokenManager) requestToken(ctx context.Context) (*Token, error) {
	const op = "refresh token"

	assertion, err := m.signer.Assertion()
	if err != nil {
		return nil, err
	}

	form := url.Values{}
	form.Set("grant_type", GrantType)
	form.Set("assertion", assertion)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fterrors.New(fterrors.KindUnableToCreateRequest, op, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := m.client.Do(req)
	if err != nil {
		return nil, fterrors.New(fterrors.KindTransport, op, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxTokenResponse))
	if err != nil {
		return nil, fterrors.New(fterrors.KindTransport, op, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		kind, _ := fterrors.FromStatus(resp.StatusCode)
		e := fterrors.New(kind, op, fmt.Errorf("authorization server: %s", strings.TrimSpace(string(body))))
		e.Status = resp.StatusCode
		return nil, e
	}

	var tok Token
	if err := json.Unmarshal(body, &tok); err != nil {
		return nil, fterrors.New(fterrors.KindTransport, op, fmt.Errorf("decode token response: %w", err))
	}
	switch {
	case tok.AccessToken == "":
		return nil, fterrors.New(fterrors.KindTransport, op, fmt.Errorf("token response missing access_token"))
	case tok.TokenType == "":
		return nil, fterrors.New(fterrors.KindTransport, op, fmt.Errorf("token response missing token_type"))
	case tok.ExpiresIn <= 0:
		return nil, fterrors.New(fterrors.KindTransport, op, fmt.Errorf("token response has no positive expires_in"))
	}
	tok.ObtainedAt = m.clock()
	return &tok, nil
}

// Start begins periodic refresh: once immediately, then every interval.
// A non-positive interval means DefaultRefreshInterval.
func (m *TokenManager) Start(ctx context.Context, interval time.Duration) error {
	return m.start(ctx, interval, true)
}

// StartDeferred is Start without the immediate refresh, for callers that
// have just run Refresh themselves.
func (m *TokenManager) StartDeferred(ctx context.Context, interval time.Duration) error {
	return m.start(ctx, interval, false)
}

func (m *TokenManager) start(ctx context.Context, interval time.Duration, immediate bool) error {
	if interval <= 0 {
		interval = DefaultRefreshInterval
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopCh != nil {
		return fmt.Errorf("token manager already running")
	}
	stopCh, done := make(chan struct{}), make(chan struct{})
	m.stopCh, m.done = stopCh, done
	go m.refreshLoop(ctx, interval, immediate, stopCh, done)

	m.logger.Info("token refresh scheduled", "interval", interval.String(), "immediate", immediate)
	return nil
}

// Stop cancels future scheduled refreshes and waits for the loop to exit.
// A refresh already in flight runs to completion in the background.
func (m *TokenManager) Stop() {
	m.mu.Lock()
	stopCh, done := m.stopCh, m.done
	m.stopCh, m.done = nil, nil
	m.mu.Unlock()
	if stopCh == nil {
		return
	}

	close(stopCh)
	<-done
}

// IsRunning reports whether the refresh loop is active.
func (m *TokenManager) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopCh != nil
}

// refreshLoop runs until ctx is done or stopCh is closed. On exit it
// clears the manager's run state unless a Stop or a newer Start already
// replaced it.
func (m *TokenManager) refreshLoop(ctx context.Context, interval time.Duration, immediate bool, stopCh, done chan struct{}) {
	defer func() {
		m.mu.Lock()
		if m.stopCh == stopCh {
			m.stopCh, m.done = nil, nil
		}
		m.mu.Unlock()
		close(done)
	}()

	if immediate && !m.scheduledRefresh(ctx, stopCh) {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-ticker.C:
			if !m.scheduledRefresh(ctx, stopCh) {
				return
			}
		}
	}
}

// scheduledRefresh swallows the refresh error; exchange has already logged
// it. It returns false when the loop should exit.
func (m *TokenManager) scheduledRefresh(ctx context.Context, stopCh <-chan struct{}) bool {
	select {
	case <-m.refreshChan(ctx):
		return true
	case <-ctx.Done():
		return false
	case <-stopCh:
		return false
	}
}
