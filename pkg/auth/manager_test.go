package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	fterrors "github.com/firetree/firetree/internal/errors"
	"github.com/firetree/firetree/internal/transport"
)

// tokenServer is a scriptable authorization endpoint.
type tokenServer struct {
	*httptest.Server
	hits    atomic.Int32
	status  atomic.Int32
	body    atomic.Value // string
	entered chan struct{}
	release chan struct{}
	form    chan map[string]string
}

func newTokenServer(t *testing.T) *tokenServer {
	return newTokenServerWithGate(t, false)
}

// newTokenServerWithGate holds every request until release is closed when gated is set.
func newTokenServerWithGate(t *testing.T, gated bool) *tokenServer {
	t.Helper()
	ts := &tokenServer{form: make(chan map[string]string, 16)}
	if gated {
		ts.entered = make(chan struct{})
		ts.release = make(chan struct{})
	}
	ts.status.Store(http.StatusOK)
	ts.body.Store(`{"access_token":"ya29.token-1","token_type":"Bearer","expires_in":3599}`)
	ts.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := ts.hits.Add(1)
		if err := r.ParseForm(); err == nil {
			select {
			case ts.form <- map[string]string{
				"content_type": r.Header.Get("Content-Type"),
				"grant_type":   r.PostForm.Get("grant_type"),
				"assertion":    r.PostForm.Get("assertion"),
			}:
			default:
			}
		}
		if ts.entered != nil && n == 1 {
			close(ts.entered)
		}
		if ts.release != nil {
			<-ts.release
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(int(ts.status.Load()))
		_, _ = fmt.Fprint(w, ts.body.Load().(string))
	}))
	t.Cleanup(ts.Close)
	return ts
}

func newTestManager(t *testing.T, ts *tokenServer, opts ...ManagerOption) *TokenManager {
	t.Helper()
	base := []ManagerOption{
		WithEndpoint(ts.URL + "/oauth2/v4/token"),
		WithHTTPClient(transport.Wrap(ts.Client())),
	}
	return NewTokenManager(testCredentials(t), append(base, opts...)...)
}

func TestRefreshStoresToken(t *testing.T) {
	ts := newTokenServer(t)
	key, _ := testRSAKey(t)
	now := time.Now()
	m := newTestManager(t, ts, WithClock(func() time.Time { return now }))

	_, ok := m.CurrentToken()
	assert.False(t, ok)

	tok, err := m.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ya29.token-1", tok.AccessToken)
	assert.Equal(t, "Bearer", tok.TokenType)
	assert.Equal(t, 3599, tok.ExpiresIn)
	assert.Equal(t, now, tok.ObtainedAt)

	cur, ok := m.CurrentToken()
	require.True(t, ok)
	assert.Same(t, tok, cur)

	form := <-ts.form
	assert.Equal(t, "application/x-www-form-urlencoded", form["content_type"])
	assert.Equal(t, GrantType, form["grant_type"])

	claims, err := Verify(form["assertion"], &key.PublicKey, now)
	require.NoError(t, err)
	assert.Equal(t, ts.URL+"/oauth2/v4/token", claims.Audience)
	assert.Equal(t, DefaultScope, claims.Scope)
	assert.Equal(t, int64(1800), claims.ExpiresAt-claims.IssuedAt)
}

func TestRefreshFailureKeepsPreviousToken(t *testing.T) {
	ts := newTokenServer(t)
	m := newTestManager(t, ts)

	t.Run("never refreshed", func(t *testing.T) {
		ts.status.Store(http.StatusInternalServerError)
		_, err := m.Refresh(context.Background())
		require.Error(t, err)
		_, ok := m.CurrentToken()
		assert.False(t, ok)
	})

	ts.status.Store(http.StatusOK)
	first, err := m.Refresh(context.Background())
	require.NoError(t, err)

	tests := []struct {
		name   string
		status int
		body   string
		target error
	}{
		{"unauthorized", http.StatusUnauthorized, `{"error":"invalid_grant"}`, fterrors.ErrUnauthorized},
		{"bad request", http.StatusBadRequest, `{"error":"invalid_request"}`, fterrors.ErrBadRequest},
		{"unavailable", http.StatusServiceUnavailable, ``, fterrors.ErrDatabaseUnavailable},
		{"odd status", http.StatusTeapot, ``, fterrors.ErrUnknownError},
		{"malformed body", http.StatusOK, `{"access_token":`, fterrors.ErrTransport},
		{"missing access token", http.StatusOK, `{"token_type":"Bearer"}`, fterrors.ErrTransport},
		{"missing token type", http.StatusOK, `{"access_token":"abc","expires_in":3600}`, fterrors.ErrTransport},
		{"missing expiry", http.StatusOK, `{"access_token":"abc","token_type":"Bearer"}`, fterrors.ErrTransport},
		{"zero expiry", http.StatusOK, `{"access_token":"abc","token_type":"Bearer","expires_in":0}`, fterrors.ErrTransport},
		{"negative expiry", http.StatusOK, `{"access_token":"abc","token_type":"Bearer","expires_in":-5}`, fterrors.ErrTransport},
		{"access token only", http.StatusOK, `{"access_token":"abc"}`, fterrors.ErrTransport},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts.status.Store(int32(tt.status))
			ts.body.Store(tt.body)

			_, err := m.Refresh(context.Background())
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.target), "got %v", err)

			cur, ok := m.CurrentToken()
			require.True(t, ok)
			assert.Same(t, first, cur)
		})
	}
}

func TestRefreshTransportError(t *testing.T) {
	ts := newTokenServer(t)
	m := newTestManager(t, ts)
	ts.Close()

	_, err := m.Refresh(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, fterrors.ErrTransport))
}

func TestRefreshInvalidKey(t *testing.T) {
	ts := newTokenServer(t)
	creds := testCredentials(t)
	creds.PrivateKeyPEM = []byte("broken")
	m := NewTokenManager(creds, WithEndpoint(ts.URL), WithHTTPClient(transport.Wrap(ts.Client())))

	_, err := m.Refresh(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, fterrors.ErrInvalidPrivateKey))
	assert.Equal(t, int32(0), ts.hits.Load())
}

func TestConcurrentRefreshesShareOneExchange(t *testing.T) {
	ts := newTokenServerWithGate(t, true)
	m := newTestManager(t, ts)

	const callers = 5
	results := make([]*Token, callers)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		tok, err := m.Refresh(context.Background())
		assert.NoError(t, err)
		results[0] = tok
	}()
	<-ts.entered

	for i := 1; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tok, err := m.Refresh(context.Background())
			assert.NoError(t, err)
			results[i] = tok
		}(i)
	}
	time.Sleep(100 * time.Millisecond)
	close(ts.release)
	wg.Wait()

	assert.Equal(t, int32(1), ts.hits.Load())
	for _, tok := range results[1:] {
		assert.Same(t, results[0], tok)
	}
}

func TestRefreshCallerCancelDoesNotAbortExchange(t *testing.T) {
	ts := newTokenServerWithGate(t, true)
	m := newTestManager(t, ts)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := m.Refresh(ctx)
		done <- err
	}()
	<-ts.entered
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	close(ts.release)
	assert.Eventually(t, func() bool {
		_, ok := m.CurrentToken()
		return ok
	}, 2*time.Second, 10*time.Millisecond)
}

func TestObserverSeesEveryAttempt(t *testing.T) {
	ts := newTokenServer(t)
	var mu sync.Mutex
	var seen []RefreshResult
	m := newTestManager(t, ts, WithObserver(func(r RefreshResult) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, r)
	}))

	_, err := m.Refresh(context.Background())
	require.NoError(t, err)
	ts.status.Store(http.StatusInternalServerError)
	_, err = m.Refresh(context.Background())
	require.Error(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 2)
	assert.NoError(t, seen[0].Err)
	assert.NotNil(t, seen[0].Token)
	assert.Error(t, seen[1].Err)
	assert.Nil(t, seen[1].Token)
}

func TestStartRefreshesImmediatelyAndPeriodically(t *testing.T) {
	ts := newTokenServer(t)
	m := newTestManager(t, ts)

	require.NoError(t, m.Start(context.Background(), 20*time.Millisecond))
	assert.True(t, m.IsRunning())
	assert.Error(t, m.Start(context.Background(), time.Second))

	assert.Eventually(t, func() bool {
		_, ok := m.CurrentToken()
		return ok
	}, time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool { return ts.hits.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)

	m.Stop()
	assert.False(t, m.IsRunning())
	after := ts.hits.Load()
	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, after, ts.hits.Load())

	// Stop is idempotent.
	m.Stop()
}

func TestStartDeferredWaitsOneInterval(t *testing.T) {
	ts := newTokenServer(t)
	m := newTestManager(t, ts)

	require.NoError(t, m.StartDeferred(context.Background(), 50*time.Millisecond))
	defer m.Stop()

	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, int32(0), ts.hits.Load())
	assert.Eventually(t, func() bool { return ts.hits.Load() >= 1 }, 2*time.Second, 5*time.Millisecond)
}

func TestStartAgainAfterContextCancel(t *testing.T) {
	ts := newTokenServer(t)
	m := newTestManager(t, ts)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, m.Start(ctx, 20*time.Millisecond))
	assert.Eventually(t, func() bool { return ts.hits.Load() >= 1 }, time.Second, 5*time.Millisecond)

	cancel()
	assert.Eventually(t, func() bool { return !m.IsRunning() }, time.Second, 5*time.Millisecond)

	require.NoError(t, m.Start(context.Background(), 20*time.Millisecond))
	defer m.Stop()
	assert.True(t, m.IsRunning())
	before := ts.hits.Load()
	assert.Eventually(t, func() bool { return ts.hits.Load() > before }, time.Second, 5*time.Millisecond)
}

func TestStopAndStartConcurrently(t *testing.T) {
	ts := newTokenServer(t)
	m := newTestManager(t, ts)

	for i := 0; i < 20; i++ {
		require.NoError(t, m.StartDeferred(context.Background(), time.Hour))

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			m.Stop()
		}()
		go func() {
			defer wg.Done()
			_ = m.StartDeferred(context.Background(), time.Hour)
		}()

		finished := make(chan struct{})
		go func() {
			wg.Wait()
			close(finished)
		}()
		select {
		case <-finished:
		case <-time.After(2 * time.Second):
			t.Fatal("Stop and Start deadlocked")
		}
		m.Stop()
		assert.False(t, m.IsRunning())
	}
}

func TestStartSwallowsFailures(t *testing.T) {
	ts := newTokenServer(t)
	ts.status.Store(http.StatusInternalServerError)
	m := newTestManager(t, ts)

	require.NoError(t, m.Start(context.Background(), 10*time.Millisecond))
	defer m.Stop()

	assert.Eventually(t, func() bool { return ts.hits.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
	_, ok := m.CurrentToken()
	assert.False(t, ok)

	ts.status.Store(http.StatusOK)
	assert.Eventually(t, func() bool {
		_, ok := m.CurrentToken()
		return ok
	}, 2*time.Second, 5*time.Millisecond)
}

func TestStopDoesNotCancelInFlightRefresh(t *testing.T) {
	ts := newTokenServerWithGate(t, true)
	m := newTestManager(t, ts)

	require.NoError(t, m.Start(context.Background(), time.Hour))
	<-ts.entered

	stopped := make(chan struct{})
	go func() {
		m.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop blocked on in-flight refresh")
	}

	close(ts.release)
	assert.Eventually(t, func() bool {
		_, ok := m.CurrentToken()
		return ok
	}, 2*time.Second, 10*time.Millisecond)
}

func TestTokenString(t *testing.T) {
	tok := &Token{AccessToken: "ya29.secret-value", TokenType: "Bearer", ExpiresIn: 3600}
	s := tok.String()
	assert.NotContains(t, s, "secret-value")
	assert.Contains(t, s, "ya29.s***")

	var nilTok *Token
	assert.Equal(t, "Token<nil>", nilTok.String())

	obtained := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	tok.ObtainedAt = obtained
	assert.Equal(t, obtained.Add(time.Hour), tok.ExpiresAt())
	assert.False(t, tok.Expired(obtained.Add(59*time.Minute)))
	assert.True(t, tok.Expired(obtained.Add(time.Hour)))
}
