// Package remote talks to the todo backend: snapshot queries, the change
// stream and the write interface.
package remote

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
	"time"

	"github.com/gorilla/websocket"
	"github.com/hyperengineering/todomirror/internal/auth"
	"github.com/hyperengineering/todomirror/internal/types"
)

const apiPrefix = "/api/v1"

// Options tunes a Client.
type Options struct {
	RequestTimeout time.Duration
	PingInterval   time.Duration
	PongTimeout    time.Duration
}

// Client is the HTTP and websocket client of the todo backend.
type Client struct {
	baseURL  string
	identity auth.Identity
	client   *http.Client
	dialer   *websocket.Dialer
	opts     Options
}

// New creates a Client for baseURL, authorizing requests as identity.
func New(baseURL string, identity auth.Identity, opts Options) *Client {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = 30 * time.Second
	}
	if opts.PongTimeout <= 0 {
		opts.PongTimeout = 2 * opts.PingInterval
	}
	return &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		identity: identity,
		client: &http.Client{
			Timeout: opts.RequestTimeout,
		},
		dialer: &websocket.Dialer{
			HandshakeTimeout: opts.RequestTimeout,
			ReadBufferSize:   1024,
			WriteBufferSize:  1024,
		},
		opts: opts,
	}
}

// Ping checks connectivity to the backend.
func (c *Client) Ping(ctx context.Context) (*types.HealthResponse, error) {
	var health types.HealthResponse
	if err := c.do(ctx, "health", http.MethodGet, "/health", nil, &health); err != nil {
		return nil, err
	}
	return &health, nil
}

// Search runs the snapshot query: every record, at most size of them.
func (c *Client) Search(ctx context.Context, size int) ([]types.Todo, error) {
	var resp types.SearchResponse
	if err := c.do(ctx, "search", http.MethodPost, "/todos/_search", types.SearchRequest{Size: size}, &resp); err != nil {
		return nil, err
	}
	return resp.Hits, nil
}

// Create asks the backend to store a new record.
func (c *Client) Create(ctx context.Context, todo types.Todo) error {
	return c.do(ctx, "create", http.MethodPost, "/todos", types.PatchOf(todo), nil)
}

// Update asks the backend to overwrite the fields present in patch.
func (c *Client) Update(ctx context.Context, id string, patch types.Patch) error {
	patch.ID = ""
	return c.do(ctx, "update", http.MethodPatch, "/todos/"+url.PathEscape(id), patch, nil)
}

// Delete asks the backend to remove the record.
func (c *Client) Delete(ctx context.Context, id string) error {
	return c.do(ctx, "delete", http.MethodDelete, "/todos/"+url.PathEscape(id), nil, nil)
}

// authorize sets the bearer header when a credential is available.
func (c *Client) authorize(ctx context.Context, h http.Header) error {
	if c.identity == nil {
		return nil
	}
	token, err := c.identity.Token(ctx)
	if errors.Is(err, auth.ErrNoCredential) {
		return nil
	}
	if err != nil {
		return err
	}
	h.Set("Authorization", "Bearer "+token)
	return nil
}

// do sends an authenticated JSON request and decodes the response into out.
// Failures are reported as *types.TransportError.
func (c *Client) do(ctx context.Context, op, method, path string, body, out any) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return &types.TransportError{Op: op, Err: err}
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+apiPrefix+path, reqBody)
	if err != nil {
		return &types.TransportError{Op: op, Err: err}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if err := c.authorize(ctx, req.Header); err != nil {
		return &types.TransportError{Op: op, Err: err}
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return &types.TransportError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &types.TransportError{Op: op, Status: resp.StatusCode, Detail: problemDetail(resp.Body)}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &types.TransportError{Op: op, Status: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

// problemDetail extracts the detail of an RFC 7807 body, if there is one.
func problemDetail(r io.Reader) string {
	var p struct {
		Title  string `json:"title"`
		Detail string `json:"detail"`
	}
	if err := json.NewDecoder(io.LimitReader(r, 64<<10)).Decode(&p); err != nil {
		return ""
	}
	if p.Detail != "" {
		return p.Detail
	}
	return p.Title
}
