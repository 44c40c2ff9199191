// Package api is the client's outbound HTTP layer: a JSON helper bound to
// the REST base URL, and the session that decides whether network calls are
// currently authorized.
//
// Redirects are never followed by net/http. The helper re-issues the same
// method and body against the Location target itself, so a POST is never
// silently turned into a GET by an intermediary.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultTimeout bounds every request.
const DefaultTimeout = 15 * time.Second

const maxRedirects = 5

var (
	// ErrNetwork marks transport failures and timeouts.
	ErrNetwork = errors.New("network error")
	// ErrUnauthorized marks 401 and 403 responses.
	ErrUnauthorized = errors.New("authentication required")
	// ErrRejected marks responses the server refused to act on.
	ErrRejected = errors.New("rejected by server")
	// ErrNotReady is returned when no credentials are attached.
	ErrNotReady = errors.New("network is not ready")
)

// StatusError describes a non-2xx response.
type StatusError struct {
	Method string
	Path   string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	body := strings.TrimSpace(e.Body)
	if body == "" {
		return fmt.Sprintf("%s %s: status %d", e.Method, e.Path, e.Code)
	}
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.Path, e.Code, body)
}

// Unwrap maps the status onto ErrUnauthorized or ErrRejected.
func (e *StatusError) Unwrap() error {
	if e.Code == http.StatusUnauthorized || e.Code == http.StatusForbidden {
		return ErrUnauthorized
	}
	return ErrRejected
}

// Response is a fully read HTTP response.
type Response struct {
	Status int
	Body   []byte
}

// OK reports a 2xx status.
func (r *Response) OK() bool { return r.Status >= 200 && r.Status < 300 }

// Decode unmarshals the body into v.
func (r *Response) Decode(v any) error {
	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("invalid response: %w", err)
	}
	return nil
}

// IsEmptyList reports whether the body is a JSON array with no elements.
func (r *Response) IsEmptyList() bool {
	var list []json.RawMessage
	if err := json.Unmarshal(r.Body, &list); err != nil {
		return false
	}
	return list != nil && len(list) == 0
}

// Client sends JSON requests to the REST API with the session's
// credentials attached.
type Client struct {
	base    *url.URL
	http    *http.Client
	timeout time.Duration
	log     *zap.Logger

	mu       sync.RWMutex
	username string
	password string
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying http.Client. Its redirect policy is
// overridden.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(log *zap.Logger) Option {
	return func(c *Client) {
		if log != nil {
			c.log = log
		}
	}
}

// NewClient returns a client for the API rooted at baseURL.
func NewClient(baseURL string, opts ...Option) (*Client, error) {
	if !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	c := &Client{
		base:    base,
		timeout: DefaultTimeout,
		log:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.http == nil {
		c.http = &http.Client{}
	}
	hc := *c.http
	hc.Timeout = c.timeout
	hc.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}
	c.http = &hc
	return c, nil
}

// BaseURL returns the API root.
func (c *Client) BaseURL() string { return c.base.String() }

// SetCredentials attaches basic-auth credentials to subsequent requests.
func (c *Client) SetCredentials(username, password string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.username, c.password = username, password
}

// ClearCredentials detaches credentials.
func (c *Client) ClearCredentials() {
	c.SetCredentials("", "")
}

// HasCredentials reports whether credentials are attached.
func (c *Client) HasCredentials() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.username != ""
}

// CollectionPath returns the list/create path of a collection.
func CollectionPath(collection string) string {
	return strings.Trim(collection, "/") + "/"
}

// ItemPath returns the path of a single record.
func ItemPath(collection string, id int64) string {
	return fmt.Sprintf("%s/%d/", strings.Trim(collection, "/"), id)
}

// Get issues a GET request.
func (c *Client) Get(ctx context.Context, path string) (*Response, error) {
	return c.Do(ctx, http.MethodGet, path, nil)
}

// Post issues a POST request with a JSON body.
func (c *Client) Post(ctx context.Context, path string, body any) (*Response, error) {
	return c.Do(ctx, http.MethodPost, path, body)
}

// Do sends one request and returns the response whatever its status.
// Transport failures are reported wrapped in ErrNetwork. Redirect
// responses are followed by repeating method and body against the target
// when it has the scheme and host of the base URL; any other redirect is
// returned as the response.
func (c *Client) Do(ctx context.Context, method, path string, body any) (*Response, error) {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode %s %s: %w", method, path, err)
		}
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	target, err := c.base.Parse(strings.TrimPrefix(path, "/"))
	if err != nil {
		return nil, fmt.Errorf("build url for %s: %w", path, err)
	}

	for hop := 0; ; hop++ {
		resp, err := c.send(ctx, method, target, payload)
		if err != nil {
			return nil, fmt.Errorf("%s %s: %w: %w", method, path, ErrNetwork, err)
		}
		loc := resp.location
		if loc == "" {
			return &Response{Status: resp.status, Body: resp.body}, nil
		}
		if hop >= maxRedirects {
			return nil, fmt.Errorf("%s %s: %w: too many redirects", method, path, ErrNetwork)
		}
		next, err := target.Parse(loc)
		if err != nil {
			return nil, fmt.Errorf("%s %s: bad redirect %q: %w", method, path, loc, err)
		}
		// Credentials travel with every hop, so only the API origin is followed.
		if !sameOrigin(c.base, next) {
			c.log.Warn("redirect to another origin not followed",
				zap.String("method", method),
				zap.String("from", target.String()),
				zap.String("to", next.Redacted()),
				zap.Int("status", resp.status))
			return &Response{Status: resp.status, Body: resp.body}, nil
		}
		c.log.Debug("following redirect",
			zap.String("method", method),
			zap.String("from", target.String()),
			zap.String("to", next.String()),
			zap.Int("status", resp.status))
		target = next
	}
}

type rawResponse struct {
	status   int
	body     []byte
	location string
}

func (c *Client) send(ctx context.Context, method string, target *url.URL, payload []byte) (*rawResponse, error) {
	var rd io.Reader
	if payload != nil {
		rd = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, target.String(), rd)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.mu.RLock()
	if c.username != "" {
		req.SetBasicAuth(c.username, c.password)
	}
	c.mu.RUnlock()

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	out := &rawResponse{status: resp.StatusCode, body: data}
	if isRedirect(resp.StatusCode) {
		out.location = resp.Header.Get("Location")
	}
	return out, nil
}

func sameOrigin(a, b *url.URL) bool {
	return strings.EqualFold(a.Scheme, b.Scheme) && strings.EqualFold(a.Host, b.Host)
}

func isRedirect(code int) bool {
	switch code {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
		http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		return true
	}
	return false
}

// Check converts a non-2xx response into a *StatusError.
func Check(method, path string, resp *Response) error {
	if resp.OK() {
		return nil
	}
	return &StatusError{Method: method, Path: path, Code: resp.Status, Body: string(resp.Body)}
}
