package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/benaskins/aosup/internal/supervisor"
)

// Client talks to a Server over its Unix socket.
type Client struct {
	socket string
	http   *http.Client
}

// NewClient creates a client for the socket at path.
func NewClient(path string) *Client {
	return &Client{
		socket: path,
		http: &http.Client{
			Timeout: 2 * time.Minute,
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
					var d net.Dialer
					return d.DialContext(ctx, "unix", path)
				},
			},
		},
	}
}

// Available reports whether a server is listening on the socket.
func (c *Client) Available() bool {
	if _, err := os.Stat(c.socket); err != nil {
		return false
	}
	conn, err := net.DialTimeout("unix", c.socket, time.Second)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// State returns the served process state.
func (c *Client) State(ctx context.Context) (*supervisor.ProcessState, error) {
	var state supervisor.ProcessState
	if err := c.do(ctx, http.MethodGet, "/v1/state", nil, &state); err != nil {
		return nil, err
	}
	return &state, nil
}

// Logs returns the last n output lines; n <= 0 returns all buffered lines.
func (c *Client) Logs(ctx context.Context, n int) ([]string, error) {
	var lines []string
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/v1/logs?n=%d", n), nil, &lines); err != nil {
		return nil, err
	}
	return lines, nil
}

// Eval sends an action. The reply message is nil unless req.Await is set.
func (c *Client) Eval(ctx context.Context, req EvalRequest) (*supervisor.Message, error) {
	if !req.Await {
		return nil, c.do(ctx, http.MethodPost, "/v1/eval", req, nil)
	}
	var msg supervisor.Message
	if err := c.do(ctx, http.MethodPost, "/v1/eval", req, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// Load asks the process to reload a Lua file.
func (c *Client) Load(ctx context.Context, path string) error {
	return c.do(ctx, http.MethodPost, "/v1/load", LoadRequest{Path: path}, nil)
}

// Stop asks the owning aosup to stop its process.
func (c *Client) Stop(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/v1/stop", nil, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		r = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, "http://aosup"+path, r)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("connecting to aosup: %w (is the process running in the foreground?)", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr map[string]string
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if json.Unmarshal(data, &apiErr) == nil && apiErr["error"] != "" {
			return fmt.Errorf("API error %d: %s", resp.StatusCode, apiErr["error"])
		}
		return fmt.Errorf("API error %d: %s", resp.StatusCode, data)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}
