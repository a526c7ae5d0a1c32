package exchange

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"

	"wolfinch/internal/sink"
)

const (
	httpTimeout       = 10 * time.Second
	defaultRecvWindow = "5000"
)

// RestClient wraps a resty HTTP client with rate limiting, retry on 5xx and
// transport errors, request signing, and per-endpoint latency metrics.
// binance.go drives it; paper never touches HTTP.
type RestClient struct {
	http    *resty.Client
	signer  *Signer // nil = public endpoints only
	rl      *RateLimiter
	venue   string
	metrics *sink.Metrics
	logger  *slog.Logger

	// timeOffset is server minus local in seconds, set once at adapter init
	// before any request goroutines exist.
	timeOffset int64
}

func NewRestClient(venue, baseURL string, signer *Signer, metrics *sink.Metrics, logger *slog.Logger) *RestClient {
	httpClient := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(httpTimeout).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("Content-Type", "application/json")

	return &RestClient{
		http:    httpClient,
		signer:  signer,
		rl:      NewRateLimiter(),
		venue:   venue,
		metrics: metrics,
		logger:  logger,
	}
}

// SetTimeOffset records the venue clock skew applied to signed timestamps.
func (c *RestClient) SetTimeOffset(seconds int64) {
	c.timeOffset = seconds
}

// Get performs an unauthenticated GET against a market-data endpoint.
func (c *RestClient) Get(ctx context.Context, endpoint string, params url.Values, out interface{}) error {
	if err := c.rl.Data.Wait(ctx); err != nil {
		return err
	}
	query := ""
	if params != nil {
		query = params.Encode()
	}
	return c.do(ctx, http.MethodGet, endpoint, query, false, out)
}

// Signed performs an authenticated call against an account/data endpoint.
func (c *RestClient) Signed(ctx context.Context, method, endpoint string, params url.Values, out interface{}) error {
	if err := c.rl.Data.Wait(ctx); err != nil {
		return err
	}
	return c.signedDo(ctx, method, endpoint, params, out)
}

// SignedOrder performs an authenticated call against an order endpoint,
// drawing from the stricter order-rate bucket.
func (c *RestClient) SignedOrder(ctx context.Context, method, endpoint string, params url.Values, out interface{}) error {
	if err := c.rl.Order.Wait(ctx); err != nil {
		return err
	}
	return c.signedDo(ctx, method, endpoint, params, out)
}

// APIKeyOnly performs a call authenticated by the key header alone, without
// a signature (listen-key management endpoints).
func (c *RestClient) APIKeyOnly(ctx context.Context, method, endpoint string, params url.Values, out interface{}) error {
	if c.signer == nil {
		return fmt.Errorf("%s: %w: no credentials configured", endpoint, ErrAuthFailure)
	}
	if err := c.rl.Data.Wait(ctx); err != nil {
		return err
	}
	query := ""
	if params != nil {
		query = params.Encode()
	}
	return c.do(ctx, method, endpoint, query, true, out)
}

func (c *RestClient) signedDo(ctx context.Context, method, endpoint string, params url.Values, out interface{}) error {
	if c.signer == nil {
		return fmt.Errorf("%s: %w: no credentials configured", endpoint, ErrAuthFailure)
	}
	if params == nil {
		params = url.Values{}
	}
	ts := time.Now().UnixMilli() + c.timeOffset*1000
	params.Set("timestamp", strconv.FormatInt(ts, 10))
	params.Set("recvWindow", defaultRecvWindow)
	encoded := params.Encode()
	query := encoded + "&signature=" + c.signer.Sign(encoded)
	return c.do(ctx, method, endpoint, query, true, out)
}

// do executes the request with the query baked into the URL so the bytes on
// the wire are exactly the bytes that were signed.
func (c *RestClient) do(ctx context.Context, method, endpoint, query string, authed bool, out interface{}) error {
	req := c.http.R().SetContext(ctx)
	if authed {
		req.SetHeader("X-MBX-APIKEY", c.signer.APIKey())
	}
	if out != nil {
		req.SetResult(out)
	}
	target := endpoint
	if query != "" {
		target = endpoint + "?" + query
	}

	start := time.Now()
	resp, err := req.Execute(method, target)
	c.observe(endpoint, resp, err, time.Since(start))

	if err != nil {
		return fmt.Errorf("%s %s: %w", method, endpoint, err)
	}
	switch {
	case resp.StatusCode() == http.StatusUnauthorized || resp.StatusCode() == http.StatusForbidden:
		return fmt.Errorf("%s %s: %w: %s", method, endpoint, ErrAuthFailure, resp.String())
	case resp.StatusCode() >= 400:
		return fmt.Errorf("%s %s: status %d: %s", method, endpoint, resp.StatusCode(), resp.String())
	}
	return nil
}

func (c *RestClient) observe(endpoint string, resp *resty.Response, err error, took time.Duration) {
	if c.metrics == nil {
		return
	}
	status := "error"
	if err == nil && resp != nil {
		status = strconv.Itoa(resp.StatusCode())
	}
	c.metrics.APIRequestsTotal.WithLabelValues(c.venue, endpoint, status).Inc()
	c.metrics.APIRequestDuration.WithLabelValues(c.venue, endpoint).Observe(took.Seconds())
	switch {
	case err != nil:
		c.metrics.APIErrorsTotal.WithLabelValues(c.venue, "transport").Inc()
	case resp.StatusCode() >= 400:
		c.metrics.APIErrorsTotal.WithLabelValues(c.venue, fmt.Sprintf("http_%d", resp.StatusCode())).Inc()
	}
}
