package transport

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientSetsDefaultHeaders(t *testing.T) {
	var userAgent, accept string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userAgent = r.Header.Get("User-Agent")
		accept = r.Header.Get("Accept")
		w.WriteHeader(http.StatusNoContent)
	}))
	defer ts.Close()

	c := NewClient(Options{UserAgent: "custom/1.0"})
	req, err := http.NewRequest(http.MethodGet, ts.URL, nil)
	require.NoError(t, err)
	resp, err := c.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, "custom/1.0", userAgent)
	assert.Equal(t, "application/json", accept)
}

func TestClientKeepsCallerHeaders(t *testing.T) {
	var userAgent string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userAgent = r.Header.Get("User-Agent")
	}))
	defer ts.Close()

	c := Wrap(ts.Client())
	req, err := http.NewRequest(http.MethodGet, ts.URL, nil)
	require.NoError(t, err)
	req.Header.Set("User-Agent", "caller")
	resp, err := c.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, "caller", userAgent)
}

func TestClientNilRequest(t *testing.T) {
	_, err := Wrap(nil).Do(nil)
	assert.Error(t, err)
}

func TestNewClientDefaults(t *testing.T) {
	c := NewClient(Options{})
	assert.Equal(t, DefaultTimeout, c.client.Timeout)
	assert.Equal(t, DefaultUserAgent, c.userAgent)
	assert.False(t, c.UsesUTLS())

	u := NewClient(Options{UseUTLS: true, Timeout: time.Second})
	assert.True(t, u.UsesUTLS())
	assert.Equal(t, time.Second, u.client.Timeout)
	transport, ok := u.client.Transport.(*http.Transport)
	require.True(t, ok)
	assert.NotNil(t, transport.DialTLSContext)
}

func TestOptionsFromEnv(t *testing.T) {
	t.Setenv("FIRETREE_UTLS", "1")
	t.Setenv("FIRETREE_HTTP_TIMEOUT", "5s")
	opts := OptionsFromEnv()
	assert.True(t, opts.UseUTLS)
	assert.Equal(t, 5*time.Second, opts.Timeout)

	t.Setenv("FIRETREE_UTLS", "")
	t.Setenv("FIRETREE_HTTP_TIMEOUT", "bogus")
	opts = OptionsFromEnv()
	assert.False(t, opts.UseUTLS)
	assert.Equal(t, DefaultTimeout, opts.Timeout)
}
