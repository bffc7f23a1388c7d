package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/stellarlinkco/inboxd/internal/inbox"
)

const maxResponseBytes = 1 << 20

// Client talks to a bridge server. It implements inbox.Messenger.
type Client struct {
	baseURL    string
	httpClient *http.Client
	now        func() time.Time
}

func NewClient(baseURL string, hc *http.Client) *Client {
	if hc == nil {
		hc = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), httpClient: hc, now: time.Now}
}

func (c *Client) Status(ctx context.Context) (inbox.BridgeStatus, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/status", nil)
	if err != nil {
		return inbox.BridgeStatus{}, fmt.Errorf("build status request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return inbox.BridgeStatus{}, fmt.Errorf("bridge status: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return inbox.BridgeStatus{}, fmt.Errorf("bridge status: http %d", resp.StatusCode)
	}
	var out StatusResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(&out); err != nil {
		return inbox.BridgeStatus{}, fmt.Errorf("decode bridge status: %w", err)
	}
	state := out.Status
	if state == "" {
		state = inbox.BridgeDisconnected
	}
	return inbox.BridgeStatus{State: state, HasQR: out.HasQR, Error: out.Error, CheckedAt: c.now()}, nil
}

// Send posts a text message and returns the bridge's message id.
func (c *Client) Send(ctx context.Context, recipient, body string) (string, error) {
	payload, err := json.Marshal(SendRequest{RecipientIdentifier: recipient, Body: body})
	if err != nil {
		return "", fmt.Errorf("encode send request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/send", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("build send request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("bridge send: %w", err)
	}
	defer resp.Body.Close()

	var out SendResponse
	decodeErr := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(&out)
	if resp.StatusCode != http.StatusOK || decodeErr != nil || !out.Success {
		msg := out.Error
		if msg == "" && decodeErr != nil {
			msg = decodeErr.Error()
		}
		return "", fmt.Errorf("bridge send: http %d: %s", resp.StatusCode, msg)
	}
	return out.MessageID, nil
}
