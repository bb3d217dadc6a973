// Package httpclient builds the resty clients used for outbound calls to the
// sandbox control plane, the sandbox data plane and the LLM endpoint.
package httpclient

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/hashicorp/go-retryablehttp"
	"golang.org/x/time/rate"
)

// DefaultUserAgent is sent on every outbound request.
const DefaultUserAgent = "sandboxrelay/1.0"

// Options configures a Client.
type Options struct {
	BaseURL   string
	Timeout   time.Duration
	Retries   int     // 0 disables retries
	RateLimit float64 // requests per second, 0 = unlimited
	UserAgent string
	Token     string // bearer token, optional
}

// Client wraps resty with rate limiting.
type Client struct {
	Resty   *resty.Client
	Limiter *rate.Limiter
}

// New creates a client. Retries, when enabled, only apply to transport
// errors and 5xx responses.
func New(opts Options) *Client {
	// Pooled transport from the retryable client
	retryClient := retryablehttp.NewClient()
	retryClient.Logger = nil

	if opts.Timeout == 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.UserAgent == "" {
		opts.UserAgent = DefaultUserAgent
	}

	restyClient := resty.New()
	restyClient.
		SetTimeout(opts.Timeout).
		SetHeader("User-Agent", opts.UserAgent).
		SetTransport(retryClient.HTTPClient.Transport)

	if opts.BaseURL != "" {
		restyClient.SetBaseURL(opts.BaseURL)
	}
	if opts.Token != "" {
		restyClient.SetAuthToken(opts.Token)
	}
	if opts.Retries > 0 {
		restyClient.
			SetRetryCount(opts.Retries).
			SetRetryWaitTime(500 * time.Millisecond).
			SetRetryMaxWaitTime(5 * time.Second).
			AddRetryCondition(func(r *resty.Response, err error) bool {
				if err != nil {
					return true
				}
				return r != nil && r.StatusCode() >= http.StatusInternalServerError
			})
	}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if opts.RateLimit > 0 {
		burst := int(opts.RateLimit)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), burst)
	}

	return &Client{
		Resty:   restyClient,
		Limiter: limiter,
	}
}

// Request creates a new request after waiting for the rate limiter.
func (c *Client) Request(ctx context.Context) (*resty.Request, error) {
	if err := c.Limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit error: %w", err)
	}
	return c.Resty.R().SetContext(ctx), nil
}

// StatusError describes a non-2xx response.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTP Error: %d - %s", e.StatusCode, e.Body)
}

// CheckResponse returns a *StatusError for non-2xx responses.
func CheckResponse(resp *resty.Response) error {
	if resp.IsSuccess() {
		return nil
	}
	return &StatusError{StatusCode: resp.StatusCode(), Body: resp.String()}
}
