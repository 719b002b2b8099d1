// Package transport issues request/response calls against an Eva device's
// REST API.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"
)

const apiVersion = "v1"

// Caller is the request/response contract consumed by the lock manager and
// the session facade.
type Caller interface {
	Call(ctx context.Context, op Operation, params, out any) error
}

// Client makes REST calls to one device. It performs no retries.
type Client struct {
	baseURL  string
	apiToken string
	timeout  time.Duration
	client   *http.Client
	logger   *slog.Logger

	mu           sync.RWMutex
	sessionToken string
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.client = hc }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithBaseURL overrides the URL derived from the address, e.g. to point at
// an httptest server.
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

// New creates a client for the device at address (an IP or hostname, with
// or without scheme) authenticating with the given API token.
func New(address, apiToken string, timeout time.Duration, opts ...Option) *Client {
	c := &Client{
		baseURL:  "http://" + NormalizeAddress(address),
		apiToken: apiToken,
		timeout:  timeout,
		client:   &http.Client{},
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "transport")
	return c
}

var schemePrefix = regexp.MustCompile(`^((https?|wss?)://)?(www\.)?`)

// NormalizeAddress strips scheme, "www." and trailing slashes from a host
// address so "http://192.168.1.245/" becomes "192.168.1.245".
func NormalizeAddress(address string) string {
	a := strings.TrimSpace(address)
	a = schemePrefix.ReplaceAllString(a, "")
	return strings.TrimRight(a, "/")
}

// SessionToken returns the current session token, or "" before
// Authenticate succeeds.
func (c *Client) SessionToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sessionToken
}

// Authenticate exchanges the API token for a session token.
func (c *Client) Authenticate(ctx context.Context) (string, error) {
	var resp struct {
		Token string `json:"token"`
	}
	if err := c.Call(ctx, OpAuthCreate, map[string]string{"token": c.apiToken}, &resp); err != nil {
		return "", err
	}
	if resp.Token == "" {
		return "", &Error{Kind: Rejected, Op: OpAuthCreate.Name, Status: http.StatusOK, Code: "empty_token", Message: "device returned no session token"}
	}
	c.mu.Lock()
	c.sessionToken = resp.Token
	c.mu.Unlock()
	c.logger.Debug("session token created")
	return resp.Token, nil
}

// RenewAuth extends the session token's lifetime.
func (c *Client) RenewAuth(ctx context.Context) error {
	return c.Call(ctx, OpAuthRenew, nil, nil)
}

// Invalidate deletes the session token on the device.
func (c *Client) Invalidate(ctx context.Context) error {
	err := c.Call(ctx, OpAuthInvalidate, nil, nil)
	c.mu.Lock()
	c.sessionToken = ""
	c.mu.Unlock()
	return err
}

// Call sends params as the JSON body of op and decodes the response into out
// when out is non-nil. Each call is bounded by the client timeout.
func (c *Client) Call(ctx context.Context, op Operation, params, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var body io.Reader
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("%s: encode params: %w", op.Name, err)
		}
		body = bytes.NewReader(data)
	}

	url := fmt.Sprintf("%s/api/%s/%s", c.baseURL, apiVersion, op.Path)
	req, err := http.NewRequestWithContext(ctx, op.Method, url, body)
	if err != nil {
		return fmt.Errorf("%s: %w", op.Name, err)
	}
	if params != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if !op.NoAuth {
		c.setAuth(req)
	}

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		return c.classify(op, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return c.classify(op, err)
	}
	c.logger.Debug("call", "op", op.Name, "status", resp.StatusCode, "elapsed", time.Since(start))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return rejection(op.Name, resp.StatusCode, data)
	}
	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("%s: decode response: %w", op.Name, err)
		}
	}
	return nil
}

func (c *Client) classify(op Operation, err error) error {
	var ne net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
		return &Error{Kind: Timeout, Op: op.Name, Err: err}
	}
	return &Error{Kind: Unreachable, Op: op.Name, Err: err}
}

func (c *Client) setAuth(req *http.Request) {
	if tok := c.SessionToken(); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
}
