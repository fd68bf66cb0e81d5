package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Config holds backend connection settings.
type Config struct {
	BaseURL string
	// Timeout bounds each request. Zero means requests are only cancelled
	// through their context.
	Timeout time.Duration
}

// Client talks to the TV control backend.
type Client struct {
	base   string
	http   *http.Client
	logger *slog.Logger
}

// NewClient creates a backend client rooted at cfg.BaseURL.
func NewClient(cfg Config, logger *slog.Logger) (*Client, error) {
	u, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("base url %q: scheme must be http or https", cfg.BaseURL)
	}
	return &Client{
		base:   strings.TrimRight(cfg.BaseURL, "/"),
		http:   &http.Client{Timeout: cfg.Timeout},
		logger: logger.With("component", "backend"),
	}, nil
}

// FleetStatus fetches the status of every TV.
func (c *Client) FleetStatus(ctx context.Context) (StatusSnapshot, error) {
	var resp statusResponse
	path := "/api/status/todas"
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	if !resp.Success {
		return nil, &SoftFailure{Path: path, Message: resp.Message}
	}
	if resp.Status == nil {
		return StatusSnapshot{}, nil
	}
	return resp.Status, nil
}

// ToggleWithoutTrigger flips one TV without notifying the BI system.
func (c *Client) ToggleWithoutTrigger(ctx context.Context, name string) error {
	return c.command(ctx, "/api/ligar-sem-bi/"+url.PathEscape(name))
}

// PowerOnWithTrigger turns one TV on and notifies the BI system.
func (c *Client) PowerOnWithTrigger(ctx context.Context, name string) error {
	return c.command(ctx, "/api/ligar-com-bi/"+url.PathEscape(name))
}

// PowerOnAllWithTrigger starts the fleet power-on sequence with BI webhooks.
func (c *Client) PowerOnAllWithTrigger(ctx context.Context) error {
	return c.command(ctx, "/api/executar/todas")
}

// PowerOnAllWithoutTrigger starts the fleet power-on sequence without webhooks.
func (c *Client) PowerOnAllWithoutTrigger(ctx context.Context) error {
	return c.command(ctx, "/api/religar/todas")
}

// PowerOffExceptMeeting starts the throttled fleet shutdown that skips
// meeting-room TVs.
func (c *Client) PowerOffExceptMeeting(ctx context.Context) error {
	return c.command(ctx, "/api/desligar/exceto-reuniao")
}

// Reconnect runs the reconnect key sequence on one TV.
func (c *Client) Reconnect(ctx context.Context, name string) error {
	return c.command(ctx, "/api/reconnect/"+url.PathEscape(name))
}

// TokenStatus returns the outcome of the last token renewal attempt.
func (c *Client) TokenStatus(ctx context.Context) (TokenStatus, error) {
	var resp tokenStatusResponse
	path := "/api/token/status"
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return TokenStatus{}, err
	}
	if !resp.Success || resp.Status == nil {
		return TokenStatus{}, &SoftFailure{Path: path, Message: resp.Message}
	}
	return *resp.Status, nil
}

// RenewToken asks the backend to renew the access token in the background.
func (c *Client) RenewToken(ctx context.Context) error {
	return c.command(ctx, "/api/token/renovar")
}

// TokenSchedule returns the daily token renewal schedule.
func (c *Client) TokenSchedule(ctx context.Context) (TokenSchedule, error) {
	var resp tokenScheduleResponse
	path := "/api/token/config"
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return TokenSchedule{}, err
	}
	if !resp.Success || resp.Config == nil {
		return TokenSchedule{}, &SoftFailure{Path: path, Message: resp.Message}
	}
	return *resp.Config, nil
}

// SetTokenSchedule sets the daily renewal time, formatted HH:MM.
func (c *Client) SetTokenSchedule(ctx context.Context, horario string) error {
	var resp envelope
	path := "/api/token/config"
	body := map[string]string{"horario": horario}
	if err := c.do(ctx, http.MethodPost, path, body, &resp); err != nil {
		return err
	}
	if !resp.Success {
		return &SoftFailure{Path: path, Message: resp.Message}
	}
	return nil
}

// Logs returns the whole backend log stream in append order.
func (c *Client) Logs(ctx context.Context) ([]LogEntry, error) {
	var resp logsResponse
	path := "/api/logs"
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	if resp.Logs == nil {
		return nil, &SoftFailure{Path: path}
	}
	return *resp.Logs, nil
}

// ClearLogs empties the backend log stream.
func (c *Client) ClearLogs(ctx context.Context) error {
	return c.command(ctx, "/api/logs/limpar")
}

func (c *Client) command(ctx context.Context, path string) error {
	var resp envelope
	if err := c.do(ctx, http.MethodPost, path, nil, &resp); err != nil {
		return err
	}
	if !resp.Success {
		return &SoftFailure{Path: path, Message: resp.Message}
	}
	return nil
}

// do performs a request and decodes the JSON body into out regardless of the
// HTTP status; the backend reports failures in the body.
func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%s %s: encode body: %w", method, path, err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s %s: decode response (status %d): %w", method, path, resp.StatusCode, err)
	}
	c.logger.Debug("backend request", "method", method, "path", path, "status", resp.StatusCode)
	return nil
}
