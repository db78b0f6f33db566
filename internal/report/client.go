package report

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"runtime"
	"strings"
	"time"
)

const defaultRequestTimeout = 10 * time.Second

// ClientConfig configures the server client.
type ClientConfig struct {
	ServerURL string
	Token     string
	Headers   map[string]string
	UserAgent string
	Timeout   time.Duration
}

// Client talks to the DLP server.
type Client struct {
	base      string
	token     string
	headers   map[string]string
	userAgent string
	http      *http.Client
}

// NewClient creates a client for cfg.ServerURL.
func NewClient(cfg ClientConfig) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	ua := cfg.UserAgent
	if ua == "" {
		ua = "dlpwatch"
	}
	return &Client{
		base:      strings.TrimRight(cfg.ServerURL, "/"),
		token:     cfg.Token,
		headers:   cfg.Headers,
		userAgent: ua,
		http:      &http.Client{Timeout: timeout},
	}
}

// SendEvent posts one event report. Any non-2xx status is a
// ServerRejected delivery error; a request that fails outright is a
// Transport error.
func (c *Client) SendEvent(ctx context.Context, p Payload) error {
	return c.post(ctx, "/events", p)
}

// Registration is the body posted to {server_url}/agents.
type Registration struct {
	AgentID      string          `json:"agent_id"`
	Name         string          `json:"name"`
	Hostname     string          `json:"hostname"`
	OS           string          `json:"os"`
	OSVersion    string          `json:"os_version"`
	Version      string          `json:"version"`
	Capabilities map[string]bool `json:"capabilities"`
}

// NewRegistration describes this agent for the server.
func NewRegistration(id Identity, version string) Registration {
	return Registration{
		AgentID:   id.AgentID,
		Name:      id.AgentName,
		Hostname:  id.Hostname,
		OS:        runtime.GOOS,
		OSVersion: runtime.GOOS + "/" + runtime.GOARCH,
		Version:   version,
		Capabilities: map[string]bool{
			"file_monitoring":      true,
			"clipboard_monitoring": false,
			"usb_monitoring":       false,
		},
	}
}

// Register announces the agent.
func (c *Client) Register(ctx context.Context, r Registration) error {
	return c.post(ctx, "/agents", r)
}

// Heartbeat is the body posted to {server_url}/agents/{id}/heartbeat.
type Heartbeat struct {
	AgentID   string `json:"agent_id"`
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
	Queued    int    `json:"queued"`
	Dropped   int64  `json:"dropped"`
}

// SendHeartbeat reports liveness.
func (c *Client) SendHeartbeat(ctx context.Context, hb Heartbeat) error {
	return c.post(ctx, "/agents/"+hb.AgentID+"/heartbeat", hb)
}

func (c *Client) post(ctx context.Context, path string, body any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(data))
	if err != nil {
		return &DeliveryError{Kind: Transport, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &DeliveryError{Kind: Transport, Err: err}
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	_ = resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return &DeliveryError{Kind: ServerRejected, Status: resp.StatusCode}
}
