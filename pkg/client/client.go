// Package client talks to a running "sessionwatch serve" instance.
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
	"time"
)

// ErrNotFound is returned when the server has no record for a session.
var ErrNotFound = errors.New("session not found")

type Client struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

type Config struct {
	BaseURL  string // e.g. http://127.0.0.1:7788/api
	Timeout  time.Duration
	Logger   *slog.Logger
	CACert   string // PEM file trusted in addition to the system pool
	Insecure bool   // skip certificate verification
}

func DefaultConfig() Config {
	return Config{
		BaseURL: "http://127.0.0.1:7788/api",
		Timeout: 10 * time.Second,
	}
}

func New(config Config) (*Client, error) {
	d := DefaultConfig()
	if config.BaseURL == "" {
		config.BaseURL = d.BaseURL
	}
	if config.Timeout == 0 {
		config.Timeout = d.Timeout
	}
	if config.Logger == nil {
		config.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if config.CACert != "" || config.Insecure {
		tc, err := clientTLS(config)
		if err != nil {
			return nil, err
		}
		transport.TLSClientConfig = tc
	}
	return &Client{
		baseURL: strings.TrimRight(config.BaseURL, "/"),
		logger:  config.Logger.With("component", "client"),
		client:  &http.Client{Timeout: config.Timeout, Transport: transport},
	}, nil
}

func clientTLS(config Config) (*tls.Config, error) {
	// #nosec G402 opt-in for self-signed development certificates
	tc := &tls.Config{InsecureSkipVerify: config.Insecure}
	if config.CACert != "" {
		pem, err := os.ReadFile(config.CACert)
		if err != nil {
			return nil, fmt.Errorf("read CA certificate: %w", err)
		}
		pool, err := x509.SystemCertPool()
		if err != nil || pool == nil {
			pool = x509.NewCertPool()
		}
		if !pool.AppendCertsFromPEM(pem) {
			return nil, errors.New("failed to parse CA certificate")
		}
		tc.RootCAs = pool
	}
	return tc, nil
}

// IsReachable reports whether the session API answers.
func (c *Client) IsReachable(ctx context.Context) bool {
	err := c.do(ctx, http.MethodGet, "/sessions", nil, nil)
	if err != nil {
		c.logger.Debug("server unreachable", "error", err)
	}
	return err == nil
}

func sessionPath(id string) string { return "/sessions/" + url.PathEscape(id) }

func (c *Client) Start(ctx context.Context, id, cwd string) (StartResult, error) {
	var res StartResult
	var body any
	if cwd != "" {
		body = map[string]string{"cwd": cwd}
	}
	err := c.do(ctx, http.MethodPost, sessionPath(id), body, &res)
	return res, err
}

func (c *Client) Stop(ctx context.Context, id string) (StopResult, error) {
	var res StopResult
	err := c.do(ctx, http.MethodDelete, sessionPath(id), nil, &res)
	return res, err
}

func (c *Client) Get(ctx context.Context, id string, usage bool) (Session, error) {
	var res Session
	p := sessionPath(id)
	if usage {
		p += "?usage=1"
	}
	err := c.do(ctx, http.MethodGet, p, nil, &res)
	return res, err
}

func (c *Client) List(ctx context.Context, usage bool) ([]Session, error) {
	var res []Session
	p := "/sessions"
	if usage {
		p += "?usage=1"
	}
	err := c.do(ctx, http.MethodGet, p, nil, &res)
	return res, err
}

func (c *Client) Sweep(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	err := c.do(ctx, http.MethodPost, "/sweep", nil, &res)
	return res, err
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rdr io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		rdr = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rdr)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 300 {
		return c.errorFrom(resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *Client) errorFrom(resp *http.Response) error {
	var er ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&er); err != nil || er.Error == "" {
		return fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	c.logger.Debug("API request failed", "error", er.Error, "status", resp.StatusCode)
	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%w: %s", ErrNotFound, er.Error)
	}
	return fmt.Errorf("API error (HTTP %d): %s", resp.StatusCode, er.Error)
}
