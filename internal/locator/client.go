package locator

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// Descriptor is the source payload callers attach to a download request.
type Descriptor struct {
	Source  string `json:"source"`
	TrackID string `json:"track_id"`
	Bitrate int    `json:"bitrate,omitempty"`
}

// Client resolves descriptors against a music API that answers
// ?types=url&id=..&source=..&br=.. with {"url": "..."}.
type Client struct {
	BaseURL   string
	Bitrate   int
	UserAgent string
	HTTP      *http.Client
}

func New(baseURL string, bitrate int) *Client {
	return &Client{BaseURL: baseURL, Bitrate: bitrate, HTTP: http.DefaultClient}
}

type urlResponse struct {
	URL string `json:"url"`
}

// ParseDescriptor validates a raw source descriptor.
func ParseDescriptor(raw json.RawMessage) (Descriptor, error) {
	var d Descriptor
	if len(raw) == 0 {
		return d, fmt.Errorf("empty source descriptor")
	}
	if err := json.Unmarshal(raw, &d); err != nil {
		return d, fmt.Errorf("invalid source descriptor: %w", err)
	}
	d.Source = strings.TrimSpace(d.Source)
	d.TrackID = strings.TrimSpace(d.TrackID)
	if d.Source == "" || d.TrackID == "" {
		return d, fmt.Errorf("source descriptor needs source and track_id")
	}
	return d, nil
}

func (c *Client) Resolve(ctx context.Context, raw json.RawMessage) (string, error) {
	d, err := ParseDescriptor(raw)
	if err != nil {
		return "", err
	}

	br := c.Bitrate
	if d.Bitrate > 0 {
		br = d.Bitrate
	}

	q := url.Values{}
	q.Set("types", "url")
	q.Set("id", d.TrackID)
	q.Set("source", d.Source)
	if br > 0 {
		q.Set("br", strconv.Itoa(br))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"?"+q.Encode(), nil)
	if err != nil {
		return "", err
	}
	if c.UserAgent != "" {
		req.Header.Set("User-Agent", c.UserAgent)
	}

	client := c.HTTP
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("locator returned status: %d", resp.StatusCode)
	}

	var out urlResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&out); err != nil {
		return "", fmt.Errorf("failed to decode locator response: %w", err)
	}
	if out.URL == "" {
		return "", fmt.Errorf("no playable url for %s track %s", d.Source, d.TrackID)
	}
	return out.URL, nil
}
