package schedule

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// DefaultURL is the public schedule page.
const DefaultURL = "https://kacky.gg/schedule"

// DefaultUserAgent identifies this agent to the site.
const DefaultUserAgent = "KackyChecker/1.0 (+https://kacky.gg/schedule)"

// Client fetches and parses the remote schedule page. It satisfies the
// watcher's SnapshotSource seam; a browser-automation backed fetcher could
// replace it without the core noticing.
type Client struct {
	url       string
	userAgent string
	http      *http.Client
	log       *slog.Logger
}

// NewClient returns a Client for the given page URL. Empty url or userAgent
// fall back to the package defaults; timeout bounds the whole request.
func NewClient(url, userAgent string, timeout time.Duration, log *slog.Logger) *Client {
	if url == "" {
		url = DefaultURL
	}
	if userAgent == "" {
		userAgent = DefaultUserAgent
	}
	return &Client{
		url:       url,
		userAgent: userAgent,
		http:      &http.Client{Timeout: timeout},
		log:       log,
	}
}

// Fetch downloads the schedule page and parses it into records.
// An HTTP error status, a network failure, or an unparseable document all
// return an error; the caller's fetch policy treats any of them as one
// failed fetch and retries on its own cadence.
func (c *Client) Fetch(ctx context.Context) ([]Record, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, fmt.Errorf("build schedule request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch schedule: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("fetch schedule: unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read schedule body: %w", err)
	}

	records, err := Parse(string(body), c.log)
	if err != nil {
		return nil, err
	}

	c.log.Debug("schedule fetched",
		slog.Int("bytes", len(body)),
		slog.Int("records", len(records)),
		slog.Int("duration_ms", int(time.Since(start).Milliseconds())),
	)
	return records, nil
}
