// Package apiclient talks to the download manager's HTTP API.
package apiclient

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/italolelis/download_manager/internal/download"
	"github.com/italolelis/download_manager/internal/http/rest"
)

// ErrNotFound is returned by Get for unknown ids.
var ErrNotFound = errors.New("download not found")

const maxEventSize = 16 * 1024 * 1024

// Option configures a Client.
type Option func(*Client)

// WithBasicAuth sends credentials with every request.
func WithBasicAuth(username, password string) Option {
	return func(c *Client) {
		c.username = username
		c.password = password
	}
}

// WithRetry sets how many times failed requests are retried.
func WithRetry(retryMax int, waitMin, waitMax time.Duration) Option {
	return func(c *Client) {
		c.http.RetryMax = retryMax
		c.http.RetryWaitMin = waitMin
		c.http.RetryWaitMax = waitMax
	}
}

// WithLogger logs retries. Without it the client is silent.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.http.Logger = logger
		}
	}
}

type Client struct {
	baseURL  string
	username string
	password string
	http     *retryablehttp.Client
}

// New creates a client for the API served at baseURL.
func New(baseURL string, opts ...Option) *Client {
	httpClient := retryablehttp.NewClient()
	httpClient.RetryMax = 3
	httpClient.RetryWaitMin = 500 * time.Millisecond
	httpClient.RetryWaitMax = 5 * time.Second
	httpClient.Logger = nil
	httpClient.ErrorHandler = retryablehttp.PassthroughErrorHandler

	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    httpClient,
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Submit queues a download and returns its id.
func (c *Client) Submit(ctx context.Context, rawURL, filename string) (string, error) {
	var resp rest.SubmitResponse
	if err := c.do(ctx, "submit", http.MethodPost, "/downloads", rest.SubmitRequest{URL: rawURL, Filename: filename}, http.StatusAccepted, &resp); err != nil {
		return "", err
	}

	return resp.ID, nil
}

// Cancel cancels a download.
func (c *Client) Cancel(ctx context.Context, id string) error {
	return c.do(ctx, "cancel", http.MethodDelete, "/downloads/"+url.PathEscape(id), nil, http.StatusNoContent, nil)
}

// Get returns one download, or ErrNotFound.
func (c *Client) Get(ctx context.Context, id string) (download.Entity, error) {
	var e download.Entity

	err := c.do(ctx, "get", http.MethodGet, "/downloads/"+url.PathEscape(id), nil, http.StatusOK, &e)

	var netErr *download.NetworkError
	if errors.As(err, &netErr) && netErr.StatusCode == http.StatusNotFound {
		return download.Entity{}, ErrNotFound
	}

	return e, err
}

// List returns every download.
func (c *Client) List(ctx context.Context) ([]download.Entity, error) {
	var out []download.Entity
	if err := c.do(ctx, "list", http.MethodGet, "/downloads", nil, http.StatusOK, &out); err != nil {
		return nil, err
	}

	return out, nil
}

// ListToday returns today's downloads; a non-positive limit means all of them.
func (c *Client) ListToday(ctx context.Context, limit int) ([]download.Entity, error) {
	path := "/downloads/today"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}

	var out []download.Entity
	if err := c.do(ctx, "list_today", http.MethodGet, path, nil, http.StatusOK, &out); err != nil {
		return nil, err
	}

	return out, nil
}

// ClearCompleted removes finished downloads and returns how many were removed.
func (c *Client) ClearCompleted(ctx context.Context) (int, error) {
	var resp rest.ClearResponse
	if err := c.do(ctx, "clear", http.MethodPost, "/downloads/clear", nil, http.StatusOK, &resp); err != nil {
		return 0, err
	}

	return resp.Removed, nil
}

// Watch calls fn with every snapshot the server streams until ctx is done or
// the stream ends.
func (c *Client) Watch(ctx context.Context, fn func([]download.Entity)) error {
	req, err := c.newRequest(ctx, http.MethodGet, "/downloads/events", nil)
	if err != nil {
		return err
	}

	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.http.Do(req)
	if err != nil {
		return c.transportError(ctx, "watch", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return statusError("watch", resp)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxEventSize)

	var event string

	for scanner.Scan() {
		line := scanner.Text()

		switch {
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: ") && event == "snapshot":
			var snapshot []download.Entity
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &snapshot); err != nil {
				return fmt.Errorf("failed to decode snapshot: %w", err)
			}

			fn(snapshot)
		case line == "":
			event = ""
		}
	}

	if ctx.Err() != nil {
		return ctx.Err()
	}

	if err := scanner.Err(); err != nil {
		return &download.NetworkError{Operation: "watch", Message: err.Error(), Err: err}
	}

	return nil
}

func (c *Client) do(ctx context.Context, op, method, path string, body any, wantStatus int, out any) error {
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return c.transportError(ctx, op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != wantStatus {
		return statusError(op, resp)
	}

	if out == nil {
		return nil
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", op, err)
	}

	return nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, body any) (*retryablehttp.Request, error) {
	var payload io.Reader

	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request: %w", err)
		}

		payload = bytes.NewReader(data)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, method, c.baseURL+path, payload)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	if c.username != "" {
		req.SetBasicAuth(c.username, c.password)
	}

	return req, nil
}

func (c *Client) transportError(ctx context.Context, op string, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	return &download.NetworkError{Operation: op, Message: err.Error(), Err: err}
}

func statusError(op string, resp *http.Response) error {
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	message := strings.TrimSpace(string(msg))
	if message == "" {
		message = http.StatusText(resp.StatusCode)
	}

	return &download.NetworkError{Operation: op, StatusCode: resp.StatusCode, Message: message}
}
