// Package rpc is a minimal JSON-RPC over HTTP client for chain node control
// interfaces: a cheap read call as a readiness probe and a stop call for
// graceful shutdown.
package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"
)

// Version is the JSON-RPC version sent with every request. Node daemons in
// the bitcoind family accept the 1.0 envelope.
const Version = "1.0"

// maxResponseSize caps how much of a reply is read.
const maxResponseSize = 4 << 20

// ErrNoEndpoint is returned by a Client without a URL.
var ErrNoEndpoint = errors.New("rpc endpoint not configured")

// Request is a JSON-RPC request.
type Request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

// Response is a JSON-RPC response.
type Response struct {
	ID     int64           `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *ResponseError  `json:"error,omitempty"`
}

// ResponseError is an error reported by the node.
type ResponseError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *ResponseError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// HTTPError is a reply without a JSON-RPC body.
type HTTPError struct {
	Code   int
	Status string
}

func (e *HTTPError) Error() string {
	return "rpc http status " + e.Status
}

// Client calls one node's RPC endpoint with optional basic auth.
//
// Thread Safety: safe for concurrent use.
type Client struct {
	url      string
	user     string
	password string
	http     *http.Client
	nextID   atomic.Int64
}

// NewClient creates a client. timeout bounds each call in addition to the
// caller's context.
func NewClient(url, user, password string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		url:      url,
		user:     user,
		password: password,
		http:     &http.Client{Timeout: timeout},
	}
}

// Call invokes method and returns the raw result.
func (c *Client) Call(ctx context.Context, method string, params ...any) (json.RawMessage, error) {
	if c.url == "" {
		return nil, ErrNoEndpoint
	}
	if params == nil {
		params = []any{}
	}

	body, err := json.Marshal(Request{
		JSONRPC: Version,
		ID:      c.nextID.Add(1),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return nil, fmt.Errorf("encoding %s request: %w", method, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.user != "" || c.password != "" {
		req.SetBasicAuth(c.user, c.password)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("calling %s: %w", method, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("reading %s reply: %w", method, err)
	}

	// Nodes report RPC errors with a 4xx/5xx status and a JSON body, so try
	// the body before the status.
	var out Response
	if jsonErr := json.Unmarshal(data, &out); jsonErr != nil {
		if resp.StatusCode != http.StatusOK {
			return nil, &HTTPError{Code: resp.StatusCode, Status: resp.Status}
		}
		return nil, fmt.Errorf("decoding %s reply: %w", method, jsonErr)
	}
	if out.Error != nil {
		return nil, out.Error
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &HTTPError{Code: resp.StatusCode, Status: resp.Status}
	}
	return out.Result, nil
}

// Caller returns a func that calls method and discards the result, the
// shape the process manager takes for probes and graceful stops.
func (c *Client) Caller(method string) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		_, err := c.Call(ctx, method)
		return err
	}
}
