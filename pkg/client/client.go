// Package client talks to a running gridvisor daemon over HTTP.
package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"
)

// ErrUnavailable is returned when the daemon answered 503: the engine could
// not be provided right now.
var ErrUnavailable = errors.New("engine unavailable")

// ErrUnauthorized is returned for 401 and 403 answers.
var ErrUnauthorized = errors.New("unauthorized")

// Client provides HTTP access to the engine supervisor API.
type Client struct {
	baseURL  string
	client   *http.Client
	logger   *slog.Logger
	username string
	password string

	mu    sync.RWMutex
	token string
}

// Config holds client configuration.
type Config struct {
	BaseURL  string
	Timeout  time.Duration
	Logger   *slog.Logger
	TLS      *TLSClientConfig
	Insecure bool // skip TLS verification

	// Credentials: a bearer token wins over basic auth.
	Token    string
	Username string
	Password string
}

// TLSClientConfig holds TLS configuration for the client.
type TLSClientConfig struct {
	CACert     string
	ClientCert string
	ClientKey  string
	ServerName string
}

func DefaultConfig() Config {
	return Config{BaseURL: "http://127.0.0.1:8087/api", Timeout: 30 * time.Second}
}

// New creates a client. TLS material that cannot be loaded is an error.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultConfig().BaseURL
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.TLS != nil || cfg.Insecure {
		tc, err := setupClientTLS(cfg)
		if err != nil {
			return nil, err
		}
		transport.TLSClientConfig = tc
	}
	return &Client{
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		logger:   cfg.Logger,
		client:   &http.Client{Timeout: cfg.Timeout, Transport: transport},
		username: cfg.Username,
		password: cfg.Password,
		token:    cfg.Token,
	}, nil
}

// IsReachable checks whether the daemon answers its health endpoint.
func (c *Client) IsReachable(ctx context.Context) bool {
	var out map[string]any
	err := c.do(ctx, http.MethodGet, "/healthz", nil, nil, &out)
	if err != nil {
		c.logger.Debug("daemon unreachable", "error", err)
	}
	return err == nil
}

// Status returns the current supervisor state without touching the engine.
func (c *Client) Status(ctx context.Context) (EngineStatus, error) {
	var st EngineStatus
	err := c.do(ctx, http.MethodGet, "/engine/status", nil, nil, &st)
	return st, err
}

// Acquire asks the daemon to make the engine available. wait bounds how long
// the daemon lets this request queue behind another reconciliation; zero
// leaves it to the daemon.
func (c *Client) Acquire(ctx context.Context, wait time.Duration) (AcquireResponse, error) {
	q := url.Values{}
	if wait > 0 {
		q.Set("wait", wait.String())
	}
	var out AcquireResponse
	err := c.do(ctx, http.MethodPost, "/engine/acquire", q, nil, &out)
	return out, err
}

// Reap terminates every engine process on the configured port.
func (c *Client) Reap(ctx context.Context) (ReapResponse, error) {
	var out ReapResponse
	err := c.do(ctx, http.MethodPost, "/engine/reap", nil, nil, &out)
	return out, err
}

// Login exchanges username and password for a bearer token, which the client
// then uses for every later request.
func (c *Client) Login(ctx context.Context, username, password string) (LoginResponse, error) {
	var out LoginResponse
	if err := c.do(ctx, http.MethodPost, "/auth/login", nil, LoginRequest{Username: username, Password: password}, &out); err != nil {
		return out, err
	}
	c.mu.Lock()
	c.token = out.Token
	c.mu.Unlock()
	return out, nil
}

func (c *Client) do(ctx context.Context, method, path string, q url.Values, in, out any) error {
	u := c.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.mu.RLock()
	token := c.token
	c.mu.RUnlock()
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	} else if c.username != "" {
		req.SetBasicAuth(c.username, c.password)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		var er ErrorResponse
		_ = json.NewDecoder(resp.Body).Decode(&er)
		if er.Error == "" {
			er.Error = resp.Status
		}
		c.logger.Debug("API request failed", "path", path, "status", resp.StatusCode, "error", er.Error)
		switch resp.StatusCode {
		case http.StatusServiceUnavailable:
			return fmt.Errorf("%w: %s", ErrUnavailable, er.Error)
		case http.StatusUnauthorized, http.StatusForbidden:
			return fmt.Errorf("%w: %s", ErrUnauthorized, er.Error)
		}
		return fmt.Errorf("API error (%d): %s", resp.StatusCode, er.Error)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func setupClientTLS(cfg Config) (*tls.Config, error) {
	tc := &tls.Config{MinVersion: tls.VersionTLS12}
	if cfg.Insecure {
		tc.InsecureSkipVerify = true // #nosec G402 opt-in for self-signed daemons
	}
	if cfg.TLS == nil {
		return tc, nil
	}
	tc.ServerName = cfg.TLS.ServerName
	if cfg.TLS.CACert != "" {
		pem, err := os.ReadFile(cfg.TLS.CACert)
		if err != nil {
			return nil, fmt.Errorf("read CA certificate: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, errors.New("failed to parse CA certificate")
		}
		tc.RootCAs = pool
	}
	if cfg.TLS.ClientCert != "" && cfg.TLS.ClientKey != "" {
		cert, err := tls.LoadX509KeyPair(cfg.TLS.ClientCert, cfg.TLS.ClientKey)
		if err != nil {
			return nil, fmt.Errorf("load client certificate: %w", err)
		}
		tc.Certificates = []tls.Certificate{cert}
	}
	return tc, nil
}
