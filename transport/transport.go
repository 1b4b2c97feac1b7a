// Package transport wraps outbound HTTP calls to the remote store with
// exponential-backoff retry on rate-limit responses, so callers never carry
// their own retry loops.
package transport

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/gridware/go-sheet-sync/internal/apperrors"
)

const (
	defaultMaxAttempts = 3
	defaultBaseDelay   = 1 * time.Second
)

// Client retries requests against the remote store. Retry policy:
//   - 429: exponential backoff (base, 2x base, 4x base, ...) up to MaxAttempts
//   - network errors, 408 and 5xx: retried on the same schedule (transient)
//   - other 4xx (400/401/403/404): surfaced immediately, never retried
type Client struct {
	httpClient  *http.Client
	maxAttempts int
	baseDelay   time.Duration
	sleep       func(ctx context.Context, d time.Duration) error // injectable for testing
	log         zerolog.Logger
}

// Option defines a function type to modify the Client instance.
type Option func(*Client)

// WithMaxAttempts overrides the attempt budget.
func WithMaxAttempts(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.maxAttempts = n
		}
	}
}

// WithBaseDelay overrides the first backoff delay.
func WithBaseDelay(d time.Duration) Option {
	return func(c *Client) {
		c.baseDelay = d
	}
}

// WithSleep sets the sleep function (primarily for testing)
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Client) {
		c.sleep = sleep
	}
}

// WithHTTPClient sets the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithLogger sets the component logger.
func WithLogger(log zerolog.Logger) Option {
	return func(c *Client) {
		c.log = log
	}
}

// New creates a retrying transport client.
func New(options ...Option) *Client {
	c := &Client{
		httpClient:  http.DefaultClient,
		maxAttempts: defaultMaxAttempts,
		baseDelay:   defaultBaseDelay,
		sleep:       sleepWithContext,
		log:         zerolog.Nop(),
	}
	for _, opt := range options {
		opt(c)
	}
	return c
}

// Do performs the request, transparently retrying per the policy above.
// Requests with bodies must carry GetBody (http.NewRequest sets it for the
// common reader types) so the body can be replayed on retry. The response
// body of a failed intermediate attempt is always drained and closed.
func (c *Client) Do(ctx context.Context, req *http.Request) (*http.Response, error) {
	var lastErr error

	delay := c.baseDelay
	for attempt := 0; attempt < c.maxAttempts; attempt++ {
		if attempt > 0 {
			if err := c.sleep(ctx, delay); err != nil {
				return nil, errors.Wrap(err, "[Client.Do] backoff interrupted")
			}
			delay *= 2
			if err := rewindBody(req); err != nil {
				return nil, errors.Wrap(err, "[Client.Do] rewind request body")
			}
		}

		resp, err := c.httpClient.Do(req.WithContext(ctx))
		if err != nil {
			lastErr = errors.Wrapf(err, "attempt %d", attempt+1)
			c.log.Warn().Err(err).Int("attempt", attempt+1).Str("url", req.URL.String()).Msg("request failed, retrying")
			continue
		}

		switch {
		case resp.StatusCode < 300:
			return resp, nil
		case resp.StatusCode == http.StatusTooManyRequests:
			drain(resp)
			lastErr = errors.Wrapf(apperrors.ErrRateLimited, "attempt %d", attempt+1)
			c.log.Warn().Int("attempt", attempt+1).Dur("next_delay", delay).Str("url", req.URL.String()).Msg("rate limited, backing off")
		case resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode >= 500:
			drain(resp)
			lastErr = errors.Errorf("attempt %d: status %d", attempt+1, resp.StatusCode)
			c.log.Warn().Int("attempt", attempt+1).Int("status", resp.StatusCode).Str("url", req.URL.String()).Msg("transient status, retrying")
		default:
			// Non-recoverable client error, surface immediately
			return resp, nil
		}
	}

	return nil, errors.Wrapf(apperrors.ErrRetriesExhausted, "[Client.Do] %d attempts: %v", c.maxAttempts, lastErr)
}

func rewindBody(req *http.Request) error {
	if req.Body == nil {
		return nil
	}
	if req.GetBody == nil {
		// The first attempt consumed the body; retrying would send an empty
		// payload, so refuse instead
		return errors.New("request body is not replayable (no GetBody)")
	}
	body, err := req.GetBody()
	if err != nil {
		return err
	}
	req.Body = body
	return nil
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	_ = resp.Body.Close()
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
