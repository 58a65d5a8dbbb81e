package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// Client implements Authority over a websocket connection to the sync
// endpoint. The connection is dialed lazily on first use and redialed
// after failures. Calls are serialized: one request is in flight on
// the wire at a time.
type Client struct {
	url         string
	userID      string
	callTimeout time.Duration
	logger      *log.Logger

	mu     sync.Mutex
	conn   *websocket.Conn
	nextID int64
}

// ClientConfig configures a Client.
type ClientConfig struct {
	// URL is the websocket endpoint, e.g. ws://localhost:8600/sync.
	URL string

	// UserID scopes all pushes and pulls.
	UserID string

	// CallTimeout bounds each request/response round trip
	// (default: 10s).
	CallTimeout time.Duration

	Logger *log.Logger
}

// NewClient creates a websocket Authority client. It does not connect
// until the first call.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("remote URL is required")
	}
	if cfg.UserID == "" {
		return nil, fmt.Errorf("user id is required")
	}
	timeout := cfg.CallTimeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Client{
		url:         cfg.URL,
		userID:      cfg.UserID,
		callTimeout: timeout,
		logger:      logger,
	}, nil
}

// Push submits a batch of local changes and returns per-row results.
func (c *Client) Push(ctx context.Context, batch []PushItem) ([]PushResult, error) {
	resp, err := c.call(ctx, wireRequest{Action: "push", UserID: c.userID, Items: batch})
	if err != nil {
		return nil, err
	}
	return resp.Results, nil
}

// Pull returns rows of a table changed after sinceVersion.
func (c *Client) Pull(ctx context.Context, table string, sinceVersion int64) ([]Row, error) {
	resp, err := c.call(ctx, wireRequest{Action: "pull", UserID: c.userID, Table: table, Since: sinceVersion})
	if err != nil {
		return nil, err
	}
	return resp.Rows, nil
}

// Close tears down the connection if one is open.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close(websocket.StatusNormalClosure, "")
	c.conn = nil
	return err
}

// call performs one request/response exchange under the client mutex.
// A wire error drops the connection so the next call redials.
func (c *Client) call(ctx context.Context, req wireRequest) (*wireResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		conn, _, err := websocket.Dial(ctx, c.url, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to dial %s: %w", c.url, err)
		}
		conn.SetReadLimit(1 << 22)
		c.conn = conn
		c.logger.Printf("connected to %s", c.url)
	}

	c.nextID++
	req.ID = c.nextID

	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	if err := c.conn.Write(ctx, websocket.MessageText, data); err != nil {
		c.drop()
		return nil, fmt.Errorf("failed to send %s request: %w", req.Action, err)
	}

	_, raw, err := c.conn.Read(ctx)
	if err != nil {
		c.drop()
		return nil, fmt.Errorf("failed to read %s response: %w", req.Action, err)
	}

	var resp wireResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		c.drop()
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	if resp.ID != req.ID {
		c.drop()
		return nil, fmt.Errorf("response id %d does not match request id %d", resp.ID, req.ID)
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("remote error: %s", resp.Error)
	}
	return &resp, nil
}

// drop abandons the current connection. Caller holds c.mu.
func (c *Client) drop() {
	if c.conn != nil {
		_ = c.conn.Close(websocket.StatusInternalError, "call failed")
		c.conn = nil
	}
}
