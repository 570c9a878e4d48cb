package transport

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	utls "github.com/refraction-networking/utls"
)

const (
	DefaultTimeout   = 30 * time.Second
	DefaultUserAgent = "firetree/0.1"
)

// Doer is the request primitive shared by the token manager and the database client.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Options configure a Client.
type Options struct {
	Timeout   time.Duration
	UserAgent string
	// UseUTLS dials TLS through utls with a Chrome ClientHello instead of crypto/tls.
	UseUTLS bool
}

// OptionsFromEnv reads FIRETREE_UTLS=1 and FIRETREE_HTTP_TIMEOUT on top of the defaults.
func OptionsFromEnv() Options {
	opts := Options{
		Timeout:   DefaultTimeout,
		UserAgent: DefaultUserAgent,
		UseUTLS:   strings.TrimSpace(os.Getenv("FIRETREE_UTLS")) == "1",
	}
	if raw := strings.TrimSpace(os.Getenv("FIRETREE_HTTP_TIMEOUT")); raw != "" {
		if d, err := time.ParseDuration(raw); err == nil && d > 0 {
			opts.Timeout = d
		}
	}
	return opts
}

// Client wraps http.Client with default headers and an optional utls transport.
type Client struct {
	client    *http.Client
	userAgent string
	useUTLS   bool
}

// NewClient builds a Client. Zero option fields take defaults.
func NewClient(opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.UserAgent == "" {
		opts.UserAgent = DefaultUserAgent
	}
	return &Client{
		client: &http.Client{
			Timeout:   opts.Timeout,
			Transport: newTransport(opts.UseUTLS),
		},
		userAgent: opts.UserAgent,
		useUTLS:   opts.UseUTLS,
	}
}

// Wrap adapts an existing http.Client (for example httptest's) to a Client.
func Wrap(c *http.Client) *Client {
	if c == nil {
		c = http.DefaultClient
	}
	return &Client{client: c, userAgent: DefaultUserAgent}
}

// Do sets the default headers the request lacks and sends it.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	if req == nil {
		return nil, errors.New("nil request")
	}
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	if req.Header.Get("Accept") == "" {
		req.Header.Set("Accept", "application/json")
	}
	return c.client.Do(req)
}

// UsesUTLS reports whether TLS connections are dialled through utls.
func (c *Client) UsesUTLS() bool {
	return c.useUTLS
}

func newTransport(useUTLS bool) http.RoundTripper {
	if !useUTLS {
		return &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout:   10 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			TLSHandshakeTimeout: 10 * time.Second,
			MaxIdleConns:        100,
			IdleConnTimeout:     90 * time.Second,
		}
	}

	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		DialTLSContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			dialer := &net.Dialer{Timeout: 10 * time.Second}
			rawConn, err := dialer.DialContext(ctx, network, addr)
			if err != nil {
				return nil, err
			}
			host := addr
			if strings.Contains(addr, ":") {
				host, _, _ = net.SplitHostPort(addr)
			}
			// http.Transport cannot speak h2 over a custom TLS conn, so only offer http/1.1.
			config := &utls.Config{
				ServerName: host,
				NextProtos: []string{"http/1.1"},
			}
			uconn := utls.UClient(rawConn, config, utls.HelloChrome_120)
			if err := uconn.HandshakeContext(ctx); err != nil {
				_ = rawConn.Close()
				return nil, err
			}
			return uconn, nil
		},
		TLSHandshakeTimeout: 10 * time.Second,
		MaxIdleConns:        100,
		IdleConnTimeout:     90 * time.Second,
	}
}
