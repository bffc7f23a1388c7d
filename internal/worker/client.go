package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"

	"github.com/stellarlinkco/inboxd/internal/inbox"
)

const maxResponseBytes = 1 << 20

// RemoteError is a definitive failure reported by the worker. It is not
// retried.
type RemoteError struct {
	StatusCode int
	Message    string
}

func (e *RemoteError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("worker returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("worker returned status %d: %s", e.StatusCode, e.Message)
}

// Client calls a remote worker. It implements inbox.ArchiveWorker.
type Client struct {
	baseURL    string
	httpClient *http.Client
	maxTries   uint
	newBackOff func() backoff.BackOff
	log        zerolog.Logger
}

type ClientOption func(*Client)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = hc }
}

// WithBackOff sets the retry policy factory, called once per request.
func WithBackOff(fn func() backoff.BackOff) ClientOption {
	return func(c *Client) { c.newBackOff = fn }
}

// NewClient builds a client for baseURL. Transport errors and 5xx responses
// are retried up to maxRetries times.
func NewClient(baseURL string, maxRetries int, log zerolog.Logger, opts ...ClientOption) *Client {
	if maxRetries < 0 {
		maxRetries = 0
	}
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
		maxTries:   uint(maxRetries) + 1,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 500 * time.Millisecond
			b.MaxInterval = 5 * time.Second
			return b
		},
		log: log,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) Archive(ctx context.Context, conv inbox.Conversation) error {
	body, err := json.Marshal(NewArchiveRequest(conv))
	if err != nil {
		return fmt.Errorf("encode archive request: %w", err)
	}

	attempt := 0
	op := func() (*ArchiveResponse, error) {
		attempt++
		out, err := c.post(ctx, "/archive", body)
		if err != nil {
			var remote *RemoteError
			if errors.As(err, &remote) && remote.StatusCode < http.StatusInternalServerError {
				return nil, backoff.Permanent(err)
			}
			c.log.Warn().Err(err).Str("conversation", conv.ID).Int("attempt", attempt).Msg("archive request failed")
			return nil, err
		}
		return out, nil
	}

	_, err = backoff.Retry(ctx, op,
		backoff.WithBackOff(c.newBackOff()),
		backoff.WithMaxTries(c.maxTries),
	)
	if err != nil {
		return fmt.Errorf("archive %s: %w", conv.ID, err)
	}
	return nil
}

// Health checks GET /health once.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("build health request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("worker health: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))
	if resp.StatusCode != http.StatusOK {
		return &RemoteError{StatusCode: resp.StatusCode}
	}
	return nil
}

func (c *Client) post(ctx context.Context, path string, body []byte) (*ArchiveResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out ArchiveResponse
	decodeErr := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(&out)
	if resp.StatusCode >= 300 || (decodeErr == nil && !out.Success) {
		return nil, &RemoteError{StatusCode: resp.StatusCode, Message: out.Error}
	}
	if decodeErr != nil {
		return nil, backoff.Permanent(fmt.Errorf("decode worker response: %w", decodeErr))
	}
	return &out, nil
}
