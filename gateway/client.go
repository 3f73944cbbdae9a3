// Package gateway exposes the node's JSON-RPC surface as an authenticated
// REST facade with rate limiting and idempotent retries.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Client is a minimal JSON-RPC 2.0 client for the rental node.
type Client struct {
	endpoint  string
	authToken string
	http      *http.Client
}

func NewClient(endpoint, authToken string) *Client {
	return &Client{
		endpoint:  endpoint,
		authToken: authToken,
		http:      &http.Client{Timeout: 10 * time.Second},
	}
}

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params,omitempty"`
	ID      int           `json:"id"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *NodeError      `json:"error"`
}

// NodeError is a JSON-RPC error returned by the node, surfaced verbatim to
// gateway callers.
type NodeError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
	// Status is the HTTP status the node responded with.
	Status int `json:"-"`
}

func (e *NodeError) Error() string {
	return fmt.Sprintf("node rpc: %s (code %d)", e.Message, e.Code)
}

// Call invokes a node method with a single parameter object. A nil params
// sends an empty parameter list.
func (c *Client) Call(ctx context.Context, method string, params interface{}, out interface{}) error {
	body := rpcRequest{JSONRPC: "2.0", Method: method, ID: 1}
	if params != nil {
		body.Params = []interface{}{params}
	}
	blob, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("gateway: marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(blob))
	if err != nil {
		return fmt.Errorf("gateway: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("gateway: node unreachable: %w", err)
	}
	defer resp.Body.Close()

	decoded := rpcResponse{}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return fmt.Errorf("gateway: decode node response: %w", err)
	}
	if decoded.Error != nil {
		decoded.Error.Status = resp.StatusCode
		return decoded.Error
	}
	if out != nil && decoded.Result != nil {
		if err := json.Unmarshal(decoded.Result, out); err != nil {
			return fmt.Errorf("gateway: decode node result: %w", err)
		}
	}
	return nil
}
