// Package client queries a running entrypoint's status server. It backs the
// healthcheck and status commands, so container images need no curl.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// Client talks to the status server of one entrypoint.
type Client struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// Config holds client configuration
type Config struct {
	BaseURL string // e.g. http://127.0.0.1:9100 plus any base path
	Timeout time.Duration
	Logger  *slog.Logger // Optional logger for client operations
}

// DefaultConfig returns default client configuration
func DefaultConfig() Config {
	return Config{
		BaseURL: "http://127.0.0.1:9100",
		Timeout: 3 * time.Second,
	}
}

// BaseURLFromAddr turns a listen address such as ":9100" into a URL the
// client can reach from inside the same container.
func BaseURLFromAddr(addr, basePath string) string {
	host := addr
	if strings.HasPrefix(host, ":") {
		host = "127.0.0.1" + host
	}
	if strings.HasPrefix(host, "0.0.0.0:") {
		host = "127.0.0.1" + strings.TrimPrefix(host, "0.0.0.0")
	}
	bp := strings.Trim(strings.TrimSpace(basePath), "/")
	if bp != "" {
		bp = "/" + bp
	}
	return "http://" + host + bp
}

// New creates a status client.
func New(config Config) *Client {
	def := DefaultConfig()
	if config.BaseURL == "" {
		config.BaseURL = def.BaseURL
	}
	if config.Timeout == 0 {
		config.Timeout = def.Timeout
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Client{
		baseURL: strings.TrimRight(config.BaseURL, "/"),
		logger:  config.Logger,
		client:  &http.Client{Timeout: config.Timeout},
	}
}

// Healthy reports whether the orchestrator answers at all.
func (c *Client) Healthy(ctx context.Context) error {
	_, err := c.probe(ctx, "/healthz")
	return err
}

// Ready reports whether the server child is serving.
func (c *Client) Ready(ctx context.Context) error {
	_, err := c.probe(ctx, "/readyz")
	return err
}

// Status fetches the orchestrator snapshot.
func (c *Client) Status(ctx context.Context) (Status, error) {
	var st Status
	resp, err := c.get(ctx, "/status")
	if err != nil {
		return st, err
	}
	defer func() { _ = resp.Body.Close() }()
	if err := handleErrorResponse(resp); err != nil {
		return st, err
	}
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return st, fmt.Errorf("decode status: %w", err)
	}
	return st, nil
}

func (c *Client) probe(ctx context.Context, path string) (HealthResponse, error) {
	var hr HealthResponse
	resp, err := c.get(ctx, path)
	if err != nil {
		return hr, err
	}
	defer func() { _ = resp.Body.Close() }()
	_ = json.NewDecoder(resp.Body).Decode(&hr)
	if resp.StatusCode != http.StatusOK {
		c.logger.Debug("Status check failed", "path", path, "status", resp.StatusCode, "state", hr.State)
		return hr, &StatusError{Code: resp.StatusCode, State: hr.State}
	}
	return hr, nil
}

func (c *Client) get(ctx context.Context, path string) (*http.Response, error) {
	url := c.baseURL + path
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Debug("Status server unreachable", "url", url, "error", err)
		return nil, fmt.Errorf("do request: %w", err)
	}
	return resp, nil
}

func handleErrorResponse(resp *http.Response) error {
	if resp.StatusCode == http.StatusOK {
		return nil
	}
	return &StatusError{Code: resp.StatusCode}
}
