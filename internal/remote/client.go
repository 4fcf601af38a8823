package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/coder/websocket"
)

// Config holds client configuration.
type Config struct {
	// BaseURL is the remote authority's API root, e.g. https://api.example.com
	BaseURL string

	// Token is the bearer token attached to every request.
	Token string

	// Timeout bounds each HTTP request (default 15s).
	Timeout time.Duration

	// Logger for client activity (default: stderr logger).
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults for the given base URL.
func DefaultConfig(baseURL, token string) *Config {
	return &Config{
		BaseURL: baseURL,
		Token:   token,
		Timeout: 15 * time.Second,
		Logger:  log.New(os.Stderr, "[remote] ", log.LstdFlags),
	}
}

// Client is the HTTP/WebSocket implementation of Authority.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	logger  *log.Logger
}

var _ Authority = (*Client)(nil)

// NewClient creates an Authority client.
func NewClient(config *Config) (*Client, error) {
	if config == nil || config.BaseURL == "" {
		return nil, fmt.Errorf("remote base URL is required")
	}
	if _, err := url.Parse(config.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid remote base URL: %w", err)
	}

	timeout := config.Timeout
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	logger := config.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[remote] ", log.LstdFlags)
	}

	return &Client{
		baseURL: strings.TrimRight(config.BaseURL, "/"),
		token:   config.Token,
		http:    &http.Client{Timeout: timeout},
		logger:  logger,
	}, nil
}

// Ping implements Authority.Ping via the health endpoint.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/health", nil)
	if err != nil {
		return fmt.Errorf("failed to build health request: %w", err)
	}
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("remote unreachable: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("remote health returned %d", resp.StatusCode)
	}
	return nil
}

// CreateAggregate implements Authority.CreateAggregate via the per-kind
// RPC endpoint.
func (c *Client) CreateAggregate(ctx context.Context, kind string, payload any) (*CreateResult, error) {
	body, err := c.post(ctx, "/v1/rpc/create_"+kind, payload)
	if err != nil {
		return nil, err
	}

	var result CreateResult
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("failed to decode create_%s result: %w", kind, err)
	}
	return &result, nil
}

// ReadTable implements Authority.ReadTable.
func (c *Client) ReadTable(ctx context.Context, table string, q Query) ([]Row, error) {
	body, err := c.post(ctx, "/v1/tables/"+table+"/query", q)
	if err != nil {
		return nil, err
	}

	var payload struct {
		Rows json.RawMessage `json:"rows"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("failed to decode %s rows: %w", table, err)
	}
	rows, err := decodeRows(payload.Rows)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s rows: %w", table, err)
	}
	return rows, nil
}

// WriteTable implements Authority.WriteTable.
func (c *Client) WriteTable(ctx context.Context, table string, ev Event, key string, row Row) (Row, error) {
	req := struct {
		Op     Event  `json:"op"`
		Key    string `json:"key,omitempty"`
		Record Row    `json:"record"`
	}{Op: ev, Key: key, Record: row}

	body, err := c.post(ctx, "/v1/tables/"+table+"/write", req)
	if err != nil {
		return nil, err
	}

	var payload struct {
		Record Row `json:"record"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("failed to decode %s write result: %w", table, err)
	}
	return payload.Record, nil
}

// Subscribe implements Authority.Subscribe. One WebSocket connection is
// opened per table; notifications are decoded and forwarded until the
// connection drops or ctx is cancelled, then the channel is closed.
func (c *Client) Subscribe(ctx context.Context, table string) (<-chan Change, error) {
	wsURL, err := c.realtimeURL(table)
	if err != nil {
		return nil, err
	}

	opts := &websocket.DialOptions{}
	if c.token != "" {
		opts.HTTPHeader = http.Header{"Authorization": {"Bearer " + c.token}}
	}

	conn, _, err := websocket.Dial(ctx, wsURL, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", table, err)
	}

	ch := make(chan Change, 32)
	go func() {
		defer close(ch)
		defer conn.Close(websocket.StatusNormalClosure, "done")

		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				if ctx.Err() == nil {
					c.logger.Printf("Subscription to %s closed: %v", table, err)
				}
				return
			}

			var change Change
			if err := json.Unmarshal(data, &change); err != nil {
				c.logger.Printf("Warning: dropping malformed %s notification: %v", table, err)
				continue
			}
			if change.Table == "" {
				change.Table = table
			}

			select {
			case ch <- change:
			case <-ctx.Done():
				return
			}
		}
	}()

	return ch, nil
}

// realtimeURL converts the base URL to its WebSocket form for one table.
func (c *Client) realtimeURL(table string) (string, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return "", fmt.Errorf("invalid remote base URL: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/v1/realtime"
	u.RawQuery = url.Values{"table": {table}}.Encode()
	return u.String(), nil
}

// post issues a JSON POST and returns the response body, mapping transport
// failures and non-2xx statuses to errors.
func (c *Client) post(ctx context.Context, path string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request for %s: %w", path, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to build request for %s: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request to %s failed: %w", path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response from %s: %w", path, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%s returned %d: %s", path, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return body, nil
}

func (c *Client) authorize(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}
