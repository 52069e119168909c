package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/datallboy/songq/internal/api/controllers"
	"github.com/datallboy/songq/internal/domain"
)

// APIError is a non-2xx answer from the daemon.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("daemon responded with %d %s", e.Status, http.StatusText(e.Status))
	}
	return fmt.Sprintf("daemon responded with %d: %s", e.Status, e.Message)
}

// IsStatus reports whether err is an APIError with the given status.
func IsStatus(err error, status int) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == status
}

// Client talks to a running songq daemon over its HTTP API.
type Client struct {
	base string
	http *http.Client
}

func New(addr string) *Client {
	base := strings.TrimRight(addr, "/")
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	return &Client{base: base, http: &http.Client{Timeout: 10 * time.Second}}
}

func (c *Client) List(ctx context.Context) (*controllers.QueueResponse, error) {
	var out controllers.QueueResponse
	if _, err := c.do(ctx, http.MethodGet, "/api/downloads", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Get(ctx context.Context, id string) (*domain.DownloadItem, error) {
	var out domain.DownloadItem
	if _, err := c.do(ctx, http.MethodGet, "/api/downloads/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Enqueue submits a download. added is false when the id was already in
// flight.
func (c *Client) Enqueue(ctx context.Context, req controllers.EnqueueRequest) (item *domain.DownloadItem, added bool, err error) {
	var out domain.DownloadItem
	status, err := c.do(ctx, http.MethodPost, "/api/downloads", req, &out)
	if err != nil {
		return nil, false, err
	}
	return &out, status == http.StatusAccepted, nil
}

func (c *Client) Remove(ctx context.Context, id string) error {
	_, err := c.do(ctx, http.MethodDelete, "/api/downloads/"+url.PathEscape(id), nil, nil)
	return err
}

func (c *Client) Retry(ctx context.Context, id string) (*domain.DownloadItem, error) {
	var out domain.DownloadItem
	if _, err := c.do(ctx, http.MethodPost, "/api/downloads/"+url.PathEscape(id)+"/retry", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) SetConcurrency(ctx context.Context, n int) (int, error) {
	var out controllers.ConcurrencyResponse
	if _, err := c.do(ctx, http.MethodPut, "/api/settings/concurrency", controllers.ConcurrencyRequest{MaxConcurrent: n}, &out); err != nil {
		return 0, err
	}
	return out.MaxConcurrent, nil
}

func (c *Client) Library(ctx context.Context) ([]*domain.Song, error) {
	var out controllers.LibraryResponse
	if _, err := c.do(ctx, http.MethodGet, "/api/library", nil, &out); err != nil {
		return nil, err
	}
	return out.Songs, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) (int, error) {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return 0, err
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return 0, err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("connect to daemon at %s: %w", c.base, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var msg struct {
			Message string `json:"message"`
		}
		_ = json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&msg)
		return resp.StatusCode, &APIError{Status: resp.StatusCode, Message: msg.Message}
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return resp.StatusCode, nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return resp.StatusCode, fmt.Errorf("failed to decode daemon response: %w", err)
	}
	return resp.StatusCode, nil
}
