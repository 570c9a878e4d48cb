// Package database issues authenticated CRUD calls against a JSON tree
// database speaking the Firebase Realtime Database REST protocol.
package database

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	fterrors "github.com/firetree/firetree/internal/errors"
	"github.com/firetree/firetree/internal/logging"
	"github.com/firetree/firetree/internal/metrics"
	"github.com/firetree/firetree/internal/notify"
	"github.com/firetree/firetree/internal/transport"
	"github.com/firetree/firetree/pkg/auth"
	"github.com/firetree/firetree/pkg/value"
)

const maxResponseBody = 64 << 20

// TokenSource supplies the bearer token attached to each request.
// *auth.TokenManager satisfies it.
type TokenSource interface {
	CurrentToken() (*auth.Token, bool)
}

// Client maps CRUD operations onto HTTP verbs against one database.
type Client struct {
	base      *url.URL
	tokens    TokenSource
	http      transport.Doer
	logger    *logging.Logger
	notifier  notify.Notifier
	audit     logging.AuditSink
	metrics   *metrics.Metrics
	principal string
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets the client requests are sent with.
func WithHTTPClient(d transport.Doer) Option {
	return func(c *Client) { c.http = d }
}

// WithLogger sets the logger for request outcomes.
func WithLogger(l *logging.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithNotifier receives AuthenticationFailed when a call goes out without a token.
func WithNotifier(n notify.Notifier) Option {
	return func(c *Client) { c.notifier = n }
}

// WithAuditSink records one audit event per call.
func WithAuditSink(s logging.AuditSink) Option {
	return func(c *Client) { c.audit = s }
}

// WithMetrics counts requests and errors by method and outcome.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// WithPrincipal sets the identity recorded on audit events.
func WithPrincipal(p string) Option {
	return func(c *Client) { c.principal = p }
}

// NewClient builds a client for databaseURL. tokens may be nil, in which
// case every call goes out unauthenticated.
func NewClient(databaseURL string, tokens TokenSource, opts ...Option) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(strings.TrimSpace(databaseURL), "/"))
	if err != nil {
		return nil, fterrors.New(fterrors.KindInvalidURLString, "new client", err)
	}
	if (base.Scheme != "http" && base.Scheme != "https") || base.Host == "" {
		return nil, fterrors.New(fterrors.KindInvalidURLString, "new client", fmt.Errorf("invalid database URL %q", databaseURL))
	}
	c := &Client{
		base:     base,
		tokens:   tokens,
		logger:   logging.Nop(),
		notifier: notify.Nop{},
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.http == nil {
		c.http = transport.NewClient(transport.Options{})
	}
	return c, nil
}

// Get reads the value at path. A path with no data yields value.Null.
func (c *Client) Get(ctx context.Context, path string) (value.Value, error) {
	return c.do(ctx, http.MethodGet, path, nil)
}

// Post appends v under path with a server-generated key. The result is a
// Dictionary whose "name" entry is that key.
func (c *Client) Post(ctx context.Context, path string, v map[string]any) (value.Value, error) {
	return c.do(ctx, http.MethodPost, path, v)
}

// Put replaces the subtree at path with v.
func (c *Client) Put(ctx context.Context, path string, v map[string]any) (value.Value, error) {
	return c.do(ctx, http.MethodPut, path, v)
}

// Patch merges the top-level keys of v into path, leaving siblings alone.
func (c *Client) Patch(ctx context.Context, path string, v map[string]any) (value.Value, error) {
	return c.do(ctx, http.MethodPatch, path, v)
}

// Delete removes path. Success yields value.Null.
func (c *Client) Delete(ctx context.Context, path string) (value.Value, error) {
	return c.do(ctx, http.MethodDelete, path, nil)
}

// URL returns the request URL for path with the given token. An empty
// token omits the access_token parameter.
func (c *Client) URL(path, token string) (string, error) {
	clean, err := cleanPath(path)
	if err != nil {
		return "", err
	}
	u := *c.base
	u.Path = strings.TrimRight(u.Path, "/") + "/" + clean + ".json"
	u.RawPath = ""
	q := u.Query()
	if token != "" {
		q.Set("access_token", token)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (c *Client) do(ctx context.Context, method, path string, body map[string]any) (value.Value, error) {
	ctx, cid := logging.EnsureCorrelationID(ctx)
	start := time.Now()

	token := ""
	if c.tokens != nil {
		if tok, ok := c.tokens.CurrentToken(); ok && tok != nil {
			token = tok.AccessToken
		}
	}

	v, status, err := c.roundTrip(ctx, method, path, token, body)

	reached := err == nil || status != 0 || fterrors.KindOf(err) == fterrors.KindTransport
	if token == "" && reached {
		// The request still went out; the server decides whether it is
		// allowed. The caller and the notifier learn about the missing token.
		missing := &fterrors.Error{
			Kind: fterrors.KindAuthenticationTokenNotRefreshed,
			Op:   method,
			Path: path,
		}
		if err != nil {
			missing.Status = status
			missing.Err = err
			err = missing
		}
		c.logger.WarnWithContext(ctx, "request sent without access token", "method", method, "path", path)
		c.notifier.AuthenticationFailed(ctx, missing)
	}

	c.observe(ctx, cid, method, path, status, time.Since(start), err)
	if err != nil {
		return value.Null, err
	}
	return v, nil
}

func (c *Client) roundTrip(ctx context.Context, method, path, token string, body map[string]any) (value.Value, int, error) {
	rawURL, err := c.URL(path, token)
	if err != nil {
		return value.Null, 0, withOp(err, method, path)
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return value.Null, 0, &fterrors.Error{Kind: fterrors.KindUnableToCreateRequest, Op: method, Path: path, Err: err}
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, reader)
	if err != nil {
		return value.Null, 0, &fterrors.Error{Kind: fterrors.KindUnableToCreateRequest, Op: method, Path: path, Err: err}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if cid := logging.GetCorrelationID(ctx); cid != "" {
		req.Header.Set("X-Correlation-ID", cid)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return value.Null, 0, &fterrors.Error{Kind: fterrors.KindTransport, Op: method, Path: path, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return value.Null, resp.StatusCode, &fterrors.Error{Kind: fterrors.KindTransport, Op: method, Path: path, Status: resp.StatusCode, Err: err}
	}

	if kind, failed := fterrors.FromStatus(resp.StatusCode); failed {
		return value.Null, resp.StatusCode, &fterrors.Error{
			Kind:   kind,
			Op:     method,
			Path:   path,
			Status: resp.StatusCode,
			Err:    serverMessage(data),
		}
	}

	if method == http.MethodDelete {
		return value.Null, resp.StatusCode, nil
	}

	v, err := value.Decode(data)
	if err != nil {
		return value.Null, resp.StatusCode, &fterrors.Error{Kind: fterrors.KindTransport, Op: method, Path: path, Status: resp.StatusCode, Err: err}
	}
	return v, resp.StatusCode, nil
}

func (c *Client) observe(ctx context.Context, cid, method, path string, status int, d time.Duration, err error) {
	statusLabel := "error"
	if status != 0 {
		statusLabel = strconv.Itoa(status)
	}
	outcome := "ok"
	if err != nil {
		outcome = fterrors.KindOf(err).String()
	}

	if c.metrics != nil {
		c.metrics.RecordClientRequest(method, statusLabel, outcome, d)
		if err != nil {
			c.metrics.RecordError(outcome, method)
		}
	}

	if err != nil {
		c.logger.WarnWithContext(ctx, "database request failed",
			"method", method, "path", path, "status", status, "error", err)
	} else {
		c.logger.DebugWithContext(ctx, "database request",
			"method", method, "path", path, "status", status, "duration_ms", d.Milliseconds())
	}

	if c.audit == nil {
		return
	}
	auditStatus := logging.StatusSuccess
	if err != nil {
		auditStatus = logging.StatusFailure
	}
	event := logging.NewAuditEvent(logging.AuditEventForMethod(method), method, auditStatus).
		WithPrincipal(c.principal).
		WithCorrelationID(cid).
		WithResource(path).
		WithDuration(d)
	if status != 0 {
		event.WithDetails(map[string]interface{}{"status": status})
	}
	if err != nil {
		event.WithError(err.Error())
	}
	c.audit.Record(event)
}

// cleanPath trims slashes and rejects characters the database does not
// allow in keys.
func cleanPath(path string) (string, error) {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return "", nil
	}
	segments := strings.Split(trimmed, "/")
	for i, seg := range segments {
		if seg == "" {
			return "", fterrors.New(fterrors.KindInvalidURLString, "build url", fmt.Errorf("empty segment in path %q", path))
		}
		if strings.ContainsAny(seg, ".#$[]") || strings.IndexFunc(seg, isControl) >= 0 {
			return "", fterrors.New(fterrors.KindInvalidURLString, "build url", fmt.Errorf("invalid key %q in path %q", seg, path))
		}
		segments[i] = seg
	}
	return strings.Join(segments, "/"), nil
}

func isControl(r rune) bool {
	return r < 0x20 || r == 0x7f
}

func withOp(err error, method, path string) error {
	if e, ok := err.(*fterrors.Error); ok {
		cp := *e
		cp.Op = method
		cp.Path = path
		return &cp
	}
	return err
}

// serverMessage extracts {"error": "..."} from an error body.
func serverMessage(body []byte) error {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil
	}
	var payload struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err == nil && payload.Error != "" {
		return fmt.Errorf("%s", payload.Error)
	}
	const limit = 256
	if len(body) > limit {
		body = body[:limit]
	}
	return fmt.Errorf("%s", string(body))
}
