package storage

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/flaneur2020/build-get/buildget/logger"
)

// ClientOptions configures a Client.
type ClientOptions struct {
	Timeout   time.Duration
	Retries   int
	Wait      time.Duration
	Insecure  bool
	UserAgent string
}

// Client is a small GET helper shared by the chunk fetcher and the
// downloaders. Each request is attempted 1+Retries times.
type Client struct {
	httpClient *http.Client
	retries    int
	wait       time.Duration
	userAgent  string
}

// StatusError is returned for a response other than 200 OK.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("GET %s: unexpected status %d", e.URL, e.StatusCode)
}

// NotFound reports whether the server answered 404.
func (e *StatusError) NotFound() bool {
	return e.StatusCode == http.StatusNotFound
}

func NewClient(opts ClientOptions) *Client {
	client := &http.Client{Timeout: opts.Timeout}
	if opts.Insecure {
		client.Transport = &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		}
	}
	return NewClientWith(client, opts)
}

// NewClientWith wraps an existing http.Client, e.g. one from httptest.
func NewClientWith(client *http.Client, opts ClientOptions) *Client {
	retries := opts.Retries
	if retries < 0 {
		retries = 0
	}
	return &Client{
		httpClient: client,
		retries:    retries,
		wait:       opts.Wait,
		userAgent:  opts.UserAgent,
	}
}

// Get returns the body of url.
func (c *Client) Get(ctx context.Context, url string) ([]byte, error) {
	var body []byte
	err := c.Download(ctx, url, func(r io.Reader) error {
		var err error
		body, err = io.ReadAll(r)
		return err
	})
	return body, err
}

// Download streams the body of url into fn. fn is invoked again on every
// retry and must restart its output.
func (c *Client) Download(ctx context.Context, url string, fn func(io.Reader) error) error {
	var lastErr error
	for attempt := 0; attempt <= c.retries; attempt++ {
		if attempt > 0 {
			logger.Warn("GET %s failed (%v), retrying in %s (%d/%d)", url, lastErr, c.wait, attempt, c.retries)
			if err := sleep(ctx, c.wait); err != nil {
				return err
			}
		}

		lastErr = c.download(ctx, url, fn)
		if lastErr == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return lastErr
}

func (c *Client) download(ctx context.Context, url string, fn func(io.Reader) error) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer drainAndClose(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return &StatusError{URL: url, StatusCode: resp.StatusCode}
	}
	return fn(resp.Body)
}

func drainAndClose(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, body)
	_ = body.Close()
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
