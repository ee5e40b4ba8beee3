// ABOUTME: HTTP client for a single ARL agent API endpoint
// ABOUTME: Handles envelope decoding, Token header auth and error classification

package arl

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	// CodeOK is the envelope code for a successful call.
	CodeOK = 200
	// CodeAuthExpired is the envelope code for an expired or invalid token.
	CodeAuthExpired = 401

	tokenHeader = "Token"

	defaultTimeout      = 10 * time.Second
	defaultLoginTimeout = 5 * time.Second
)

// envelope is the common response wrapper returned by every endpoint.
type envelope struct {
	Code    *int            `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
	Items   json.RawMessage `json:"items"`
	Total   int             `json:"total"`
}

// Client talks to one ARL agent.
type Client struct {
	baseURL      *url.URL
	httpClient   *http.Client
	timeout      time.Duration
	loginTimeout time.Duration
	insecure     bool
	logger       *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client. WithInsecureTLS has no
// effect when a custom client is supplied.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithInsecureTLS disables certificate verification for self-signed agents.
func WithInsecureTLS(insecure bool) Option {
	return func(c *Client) { c.insecure = insecure }
}

// WithTimeout sets the per-request timeout for authenticated calls.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithLoginTimeout sets the timeout used by Login.
func WithLoginTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.loginTimeout = d
		}
	}
}

// WithLogger sets the logger. Pass nil for slog.Default.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// New creates a client for the agent at address. The address may be a bare
// host:port, in which case https is assumed.
func New(address string, opts ...Option) (*Client, error) {
	normalized, err := NormalizeAddress(address)
	if err != nil {
		return nil, err
	}
	u, _ := url.Parse(normalized)

	c := &Client{
		baseURL:      u,
		timeout:      defaultTimeout,
		loginTimeout: defaultLoginTimeout,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.httpClient == nil {
		transport := &http.Transport{
			TLSClientConfig:       &tls.Config{InsecureSkipVerify: c.insecure}, //nolint:gosec // agents use self-signed certs
			Proxy:                 http.ProxyFromEnvironment,
			MaxIdleConns:          100,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
		}
		c.httpClient = &http.Client{Transport: transport}
	}
	c.logger = c.logger.With("component", "arl", "agent", normalized)

	return c, nil
}

// NormalizeAddress turns "host:port", "https://host:port/" and similar
// spellings into the canonical "https://host:port" identity of an agent.
func NormalizeAddress(address string) (string, error) {
	address = strings.TrimSpace(address)
	if address == "" {
		return "", errors.New("agent address is empty")
	}
	if !strings.Contains(address, "://") {
		address = "https://" + address
	}

	u, err := url.Parse(address)
	if err != nil {
		return "", fmt.Errorf("parsing agent address %q: %w", address, err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("agent address %q has no host", address)
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return "", fmt.Errorf("agent address %q has unsupported scheme %q", address, u.Scheme)
	}

	return u.Scheme + "://" + u.Host + strings.TrimRight(u.Path, "/"), nil
}

// Address returns the canonical address of the agent.
func (c *Client) Address() string {
	return c.baseURL.String()
}

// call issues one request and decodes the response envelope. A nil body
// sends no payload; query is appended to the URL.
func (c *Client) call(ctx context.Context, op, method, path string, query url.Values, token string, body any, timeout time.Duration) (*envelope, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	u := *c.baseURL
	u.Path = strings.TrimRight(u.Path, "/") + path
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("%s: encoding request: %w", op, err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reader)
	if err != nil {
		return nil, fmt.Errorf("%s: creating request: %w", op, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set(tokenHeader, token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &NetworkError{Op: op, Err: err}
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &NetworkError{Op: op, Err: fmt.Errorf("reading response: %w", err)}
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil || env.Code == nil {
		// Some deployments answer auth failures at the HTTP layer only.
		if resp.StatusCode == http.StatusUnauthorized {
			return nil, fmt.Errorf("%s: %w", op, ErrAuthExpired)
		}
		if err == nil {
			err = errors.New("missing code field")
		}
		return nil, &MalformedResponseError{Op: op, Err: fmt.Errorf("http %d: %w", resp.StatusCode, err)}
	}

	switch *env.Code {
	case CodeOK:
		return &env, nil
	case CodeAuthExpired:
		c.logger.Debug("agent reported expired token", "op", op)
		return nil, fmt.Errorf("%s: %w", op, ErrAuthExpired)
	default:
		return nil, &RejectedError{Op: op, Code: *env.Code, Message: env.Message}
	}
}

// decode unmarshals a raw envelope member into v, classifying failures as
// malformed responses.
func decode(op string, raw json.RawMessage, v any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return &MalformedResponseError{Op: op, Err: errors.New("missing payload")}
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return &MalformedResponseError{Op: op, Err: err}
	}
	return nil
}
