package firetree

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/firetree/firetree/internal/emulator"
	"github.com/firetree/firetree/internal/logging"
	"github.com/firetree/firetree/internal/metrics"
	"github.com/firetree/firetree/internal/notify"
	"github.com/firetree/firetree/internal/store"
	"github.com/firetree/firetree/internal/transport"
)

const serviceAccount = "svc@project.iam.gserviceaccount.com"

type recorder struct {
	mu            sync.Mutex
	authenticated int
	failures      []error
	events        []*logging.AuditEvent
}

func (r *recorder) Authenticated(context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.authenticated++
}

func (r *recorder) AuthenticationFailed(_ context.Context, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures = append(r.failures, err)
}

func (r *recorder) Record(e *logging.AuditEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) snapshot() (int, []error, []*logging.AuditEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.authenticated, append([]error(nil), r.failures...), append([]*logging.AuditEvent(nil), r.events...)
}

var _ notify.Notifier = (*recorder)(nil)

// newEmulator starts an emulator that requires auth. withKey controls
// whether it can verify assertions at all.
func newEmulator(t *testing.T, withKey bool) (*httptest.Server, Credentials) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})

	cfg := emulator.Config{RequireAuth: true, ServiceAccount: serviceAccount}
	if withKey {
		cfg.PublicKey = &key.PublicKey
	}
	ts := httptest.NewServer(emulator.New(store.NewMemoryTree(), cfg).Handler())
	t.Cleanup(ts.Close)

	creds, err := NewCredentials(serviceAccount, keyPEM, ts.URL)
	require.NoError(t, err)
	return ts, creds
}

func connect(t *testing.T, ts *httptest.Server, creds Credentials, rec *recorder, opts ...Option) *Connection {
	t.Helper()
	base := []Option{
		WithHTTPClient(transport.Wrap(ts.Client())),
		WithTokenEndpoint(ts.URL + emulator.TokenPath),
		WithNotifier(rec),
		WithAuditSink(rec),
	}
	conn, err := New(creds, append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestSetupAuthenticates(t *testing.T) {
	ts, creds := newEmulator(t, true)
	rec := &recorder{}
	m := metrics.NewMetrics("firetree_test")
	conn := connect(t, ts, creds, rec, WithMetrics(m))

	var gotToken *Token
	var gotErr error
	called := false
	err := conn.Setup(context.Background(), func(tok *Token, err error) {
		called = true
		gotToken, gotErr = tok, err
	})
	require.NoError(t, err)
	require.True(t, called)
	require.NoError(t, gotErr)
	require.NotNil(t, gotToken)
	assert.Equal(t, "Bearer", gotToken.TokenType)
	assert.True(t, conn.Tokens().IsRunning())

	authenticated, failures, events := rec.snapshot()
	assert.Equal(t, 1, authenticated)
	assert.Empty(t, failures)
	require.NotEmpty(t, events)
	assert.Equal(t, logging.AuthSuccess, events[0].EventType)
	assert.Equal(t, serviceAccount, events[0].Principal)

	ctx := context.Background()
	_, err = conn.Put(ctx, "users/1", map[string]any{"boo": "raz"})
	require.NoError(t, err)
	got, err := conn.Get(ctx, "users/1/boo")
	require.NoError(t, err)
	s, ok := got.Str()
	require.True(t, ok)
	assert.Equal(t, "raz", s)

	families, err := m.Registry().Gather()
	require.NoError(t, err)
	assert.Equal(t, 1.0, counter(families, "firetree_test_token_refreshes_total", "result", "success"))
	assert.Equal(t, 2.0, sumCounter(families, "firetree_test_client_requests_total"))

	require.NoError(t, conn.Close())
	assert.False(t, conn.Tokens().IsRunning())
}

func TestSetupFailureStillServesRequests(t *testing.T) {
	ts, creds := newEmulator(t, false)
	rec := &recorder{}
	conn := connect(t, ts, creds, rec)

	var gotErr error
	err := conn.Setup(context.Background(), func(_ *Token, err error) { gotErr = err })
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrBadRequest)
	assert.Equal(t, err, gotErr)
	assert.True(t, conn.Tokens().IsRunning())

	_, err = conn.Get(context.Background(), "users")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAuthenticationTokenNotRefreshed)
	assert.ErrorIs(t, err, ErrUnauthorized)

	authenticated, failures, events := rec.snapshot()
	assert.Zero(t, authenticated)
	require.GreaterOrEqual(t, len(failures), 2)
	assert.ErrorIs(t, failures[0], ErrBadRequest)
	sawMissingToken := false
	for _, f := range failures {
		if errors.Is(f, ErrAuthenticationTokenNotRefreshed) {
			sawMissingToken = true
		}
	}
	assert.True(t, sawMissingToken)
	require.NotEmpty(t, events)
	assert.Equal(t, logging.AuthFailure, events[0].EventType)
	assert.Equal(t, logging.StatusFailure, events[0].Status)
}

func TestSetupNilCompletion(t *testing.T) {
	ts, creds := newEmulator(t, true)
	conn := connect(t, ts, creds, &recorder{}, WithRefreshInterval(time.Hour))
	assert.NoError(t, conn.Setup(context.Background(), nil))
}

func TestNewRejectsBadDatabaseURL(t *testing.T) {
	_, creds := newEmulator(t, true)
	creds.DatabaseURL = "not a url"
	_, err := New(creds)
	assert.ErrorIs(t, err, ErrInvalidURLString)
}

func counter(families []*dto.MetricFamily, name, key, val string) float64 {
	for _, family := range families {
		if family.GetName() != name {
			continue
		}
		for _, metric := range family.GetMetric() {
			for _, label := range metric.GetLabel() {
				if label.GetName() == key && label.GetValue() == val {
					return metric.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}

func sumCounter(families []*dto.MetricFamily, name string) float64 {
	var total float64
	for _, family := range families {
		if family.GetName() != name {
			continue
		}
		for _, metric := range family.GetMetric() {
			total += metric.GetCounter().GetValue()
		}
	}
	return total
}
