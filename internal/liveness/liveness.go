// Package liveness checks HTTP liveness endpoints.
package liveness

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"ckpt-go/internal/ckpt"
)

// Options configures an HTTPChecker. Zero values take the defaults.
type Options struct {
	// Timeout bounds each GET. Default: 5 seconds
	Timeout time.Duration
	// Retries is the number of extra attempts after a failed GET. Default: 0
	Retries uint64
	// InitialInterval is the first retry delay. Default: 200ms
	InitialInterval time.Duration
	// MaxInterval caps the retry delay. Default: 2 seconds
	MaxInterval time.Duration
}

// HTTPChecker implements ckpt.LivenessChecker. An endpoint is reachable when
// a GET answers with a status below 400. Server errors and transport
// failures are retried; client errors are not.
type HTTPChecker struct {
	client *http.Client
	opts   Options
}

func New(opts Options) *HTTPChecker {
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.InitialInterval <= 0 {
		opts.InitialInterval = 200 * time.Millisecond
	}
	if opts.MaxInterval <= 0 {
		opts.MaxInterval = 2 * time.Second
	}
	return &HTTPChecker{client: &http.Client{Timeout: opts.Timeout}, opts: opts}
}

func (c *HTTPChecker) Reachable(ctx context.Context, url string) bool {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.opts.InitialInterval
	bo.MaxInterval = c.opts.MaxInterval
	bo.MaxElapsedTime = 0

	err := backoff.Retry(func() error {
		return c.get(ctx, url)
	}, backoff.WithContext(backoff.WithMaxRetries(bo, c.opts.Retries), ctx))
	return err == nil
}

func (c *HTTPChecker) get(ctx context.Context, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return backoff.Permanent(err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	switch {
	case resp.StatusCode < 400:
		return nil
	case resp.StatusCode < 500:
		return backoff.Permanent(fmt.Errorf("%s: status %d", url, resp.StatusCode))
	default:
		return fmt.Errorf("%s: status %d", url, resp.StatusCode)
	}
}

var _ ckpt.LivenessChecker = (*HTTPChecker)(nil)
