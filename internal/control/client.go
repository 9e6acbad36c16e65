package control

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/postalsys/dronenet/internal/identity"
)

// Client is a control socket client.
type Client struct {
	socketPath string
	httpClient *http.Client
}

// NewClient creates a new control client.
func NewClient(socketPath string) *Client {
	transport := &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", socketPath)
		},
	}

	return &Client{
		socketPath: socketPath,
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   10 * time.Second,
		},
	}
}

// Status retrieves the network status.
func (c *Client) Status(ctx context.Context) (*StatusResponse, error) {
	var status StatusResponse
	if err := c.do(ctx, http.MethodGet, "/status", nil, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// Drones retrieves the status of every drone.
func (c *Client) Drones(ctx context.Context) (*DronesResponse, error) {
	var drones DronesResponse
	if err := c.do(ctx, http.MethodGet, "/drones", nil, &drones); err != nil {
		return nil, err
	}
	return &drones, nil
}

// Links retrieves the current links.
func (c *Client) Links(ctx context.Context) (*LinksResponse, error) {
	var links LinksResponse
	if err := c.do(ctx, http.MethodGet, "/links", nil, &links); err != nil {
		return nil, err
	}
	return &links, nil
}

// Crash crashes a drone.
func (c *Client) Crash(ctx context.Context, id identity.NodeID) error {
	return c.do(ctx, http.MethodPost, "/drones/"+id.String()+"/crash", nil, nil)
}

// SetPDR changes a drone's packet drop rate.
func (c *Client) SetPDR(ctx context.Context, id identity.NodeID, pdr float64) error {
	return c.do(ctx, http.MethodPost, "/drones/"+id.String()+"/pdr", PDRRequest{PDR: pdr}, nil)
}

// Link connects two nodes.
func (c *Client) Link(ctx context.Context, a, b identity.NodeID) error {
	return c.do(ctx, http.MethodPost, "/links", LinkRequest{A: a, B: b}, nil)
}

// Unlink disconnects two nodes.
func (c *Client) Unlink(ctx context.Context, a, b identity.NodeID) error {
	return c.do(ctx, http.MethodDelete, "/links", LinkRequest{A: a, B: b}, nil)
}

// do performs a request against the control socket, encoding in as the
// body and decoding the response into out when they are non-nil.
func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	// Use a dummy host since we're connecting via Unix socket
	url := "http://localhost" + path

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e ErrorResponse
		if json.NewDecoder(resp.Body).Decode(&e) == nil && e.Error != "" {
			return fmt.Errorf("%s (status %d)", e.Error, resp.StatusCode)
		}
		return fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// Close closes the client.
func (c *Client) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}
