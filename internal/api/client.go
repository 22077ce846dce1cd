package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/mev-engine/mev-execution-core/internal/app"
)

// Client talks to a running engine's ops server
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a client for the ops server at addr (host:port or URL)
func NewClient(addr string, timeout time.Duration) *Client {
	if !strings.HasPrefix(addr, "http://") && !strings.HasPrefix(addr, "https://") {
		addr = "http://" + addr
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(addr, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Health fetches /health. A degraded engine answers 503 with a body, which
// is not an error here.
func (c *Client) Health(ctx context.Context) (*app.Health, error) {
	var health app.Health
	if err := c.do(ctx, http.MethodGet, "/health", &health, http.StatusOK, http.StatusServiceUnavailable); err != nil {
		return nil, err
	}
	return &health, nil
}

// Snapshot fetches the component metrics document
func (c *Client) Snapshot(ctx context.Context) (*app.Snapshot, error) {
	var snapshot app.Snapshot
	if err := c.do(ctx, http.MethodGet, "/snapshot", &snapshot, http.StatusOK); err != nil {
		return nil, err
	}
	return &snapshot, nil
}

// SetStrategyEnabled switches a strategy on or off
func (c *Client) SetStrategyEnabled(ctx context.Context, name string, enabled bool) error {
	action := "disable"
	if enabled {
		action = "enable"
	}
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/strategies/%s/%s", name, action), nil, http.StatusOK)
}

// EmergencyStop halts the engine and returns how many executions were stopped
func (c *Client) EmergencyStop(ctx context.Context) (int, error) {
	var resp struct {
		Stopped int `json:"stopped"`
	}
	if err := c.do(ctx, http.MethodPost, "/emergency-stop", &resp, http.StatusOK); err != nil {
		return 0, err
	}
	return resp.Stopped, nil
}

func (c *Client) do(ctx context.Context, method, path string, out interface{}, accept ...int) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	ok := false
	for _, code := range accept {
		if resp.StatusCode == code {
			ok = true
			break
		}
	}
	if !ok {
		var body struct {
			Error string `json:"error"`
		}
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if json.Unmarshal(raw, &body) == nil && body.Error != "" {
			return fmt.Errorf("%s %s: %s: %s", method, path, resp.Status, body.Error)
		}
		return fmt.Errorf("%s %s: %s", method, path, resp.Status)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", path, err)
	}
	return nil
}
