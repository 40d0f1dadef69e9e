// Package vestaapi provides a Go SDK for the vesta-trader control API.
package vestaapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Client talks to a running vesta-trader over its HTTP control API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a new vesta API client.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// Status is the decoded payload of GET /api/status.
type Status struct {
	Symbol  string `json:"symbol"`
	State   string `json:"state"`
	Account struct {
		Equity      float64 `json:"equity"`
		Cash        float64 `json:"cash"`
		BuyingPower float64 `json:"buying_power"`
	} `json:"account"`
	Position Position  `json:"position"`
	Now      time.Time `json:"now"`
}

// Position is the decoded payload of GET /api/position.
type Position struct {
	Symbol        string     `json:"symbol"`
	Status        string     `json:"status"`
	Shares        int        `json:"shares"`
	EntryPrice    float64    `json:"entry_price"`
	EntryTime     *time.Time `json:"entry_time"`
	CurrentStop   float64    `json:"current_stop"`
	HighWaterMark float64    `json:"high_water_mark"`
}

// Trade is one completed round trip from GET /api/trades.
type Trade struct {
	Symbol     string    `json:"symbol"`
	Qty        int       `json:"qty"`
	EntryPrice float64   `json:"entry_price"`
	ExitPrice  float64   `json:"exit_price"`
	EntryTime  time.Time `json:"entry_time"`
	ExitTime   time.Time `json:"exit_time"`
	PnL        float64   `json:"pnl"`
	Commission float64   `json:"commission"`
	ExitReason string    `json:"exit_reason"`
}

// ControlAck is the acknowledgement returned by POST /api/control.
type ControlAck struct {
	Command string `json:"command"`
	State   string `json:"state"`
}

// GetStatus retrieves the runner's meta-state, account, and position
// snapshot.
func (c *Client) GetStatus(ctx context.Context) (*Status, error) {
	var out Status
	if err := c.get(ctx, "/api/status", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetPosition retrieves the current position snapshot.
func (c *Client) GetPosition(ctx context.Context) (*Position, error) {
	var out Position
	if err := c.get(ctx, "/api/position", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetTrades retrieves the most recent completed trades, newest first.
func (c *Client) GetTrades(ctx context.Context, limit int) ([]Trade, error) {
	path := "/api/trades"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var out []Trade
	if err := c.get(ctx, path, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Control sends an operator command (pause, resume, stop, force_flatten,
// force_update) and returns the acknowledged meta-state.
func (c *Client) Control(ctx context.Context, command string) (*ControlAck, error) {
	body, _ := json.Marshal(map[string]string{"command": command})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/control", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	var out ControlAck
	if err := c.do(req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var apiErr struct {
			Error string `json:"error"`
		}
		data, _ := io.ReadAll(resp.Body)
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s %s: %s (HTTP %d)", req.Method, req.URL.Path, apiErr.Error, resp.StatusCode)
		}
		return fmt.Errorf("%s %s: HTTP %d", req.Method, req.URL.Path, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
