// Package eodhd is a rate-limited client for the EOD Historical Data API.
package eodhd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"portfolio-optimizer/internal/engine"
	"portfolio-optimizer/internal/metrics"
)

const defaultBaseURL = "https://eodhd.com/api"

// ErrNoToken is returned when no API token is configured.
var ErrNoToken = errors.New("EODHD API token is not configured")

// PriceCache is a persistent L2 cache for daily bars.
type PriceCache interface {
	GetPrices(symbol string, start, end time.Time, ttl time.Duration) ([]engine.PricePoint, bool)
	SetPrices(symbol string, from, to time.Time, bars []Bar) error
}

// Options configures NewClient. Zero values use defaults.
type Options struct {
	BaseURL           string
	Token             string
	RequestsPerSecond float64
	Burst             int
	MaxConcurrent     int
	Timeout           time.Duration
	CacheTTL          time.Duration
	// HTTPClient overrides the default client; its Timeout is left alone.
	HTTPClient *http.Client
	Metrics    *metrics.Recorder
}

// StatusError is a non-200 API response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("EODHD %d: %s", e.Code, e.Body)
}

// Client is a rate-limited EODHD HTTP client with a circuit breaker.
type Client struct {
	http    *http.Client
	baseURL string
	token   string
	sem     chan struct{}
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
	group   singleflight.Group
	cache   PriceCache
	ttl     time.Duration
	metrics *metrics.Recorder
}

// NewClient creates a client backed by the given price cache (may be nil).
func NewClient(opts Options, cache PriceCache) *Client {
	if opts.BaseURL == "" {
		opts.BaseURL = defaultBaseURL
	}
	if opts.RequestsPerSecond <= 0 {
		opts.RequestsPerSecond = 5
	}
	if opts.Burst <= 0 {
		opts.Burst = 1
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 4
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: opts.Timeout}
	}

	st := gobreaker.Settings{
		Name:     "eodhd",
		Interval: 60 * time.Second,
		Timeout:  30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		// Client errors say nothing about upstream health.
		IsSuccessful: func(err error) bool {
			var se *StatusError
			if errors.As(err, &se) {
				return se.Code < 500 && se.Code != http.StatusTooManyRequests
			}
			return err == nil || errors.Is(err, context.Canceled)
		},
	}

	return &Client{
		http:    httpClient,
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		token:   opts.Token,
		sem:     make(chan struct{}, opts.MaxConcurrent),
		limiter: rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), opts.Burst),
		breaker: gobreaker.NewCircuitBreaker(st),
		cache:   cache,
		ttl:     opts.CacheTTL,
		metrics: opts.Metrics,
	}
}

// GetJSON fetches path with query and decodes the JSON body into dst. The
// API token and fmt=json are added to the query.
func (c *Client) GetJSON(ctx context.Context, path string, query url.Values, dst interface{}) error {
	if c.token == "" {
		return ErrNoToken
	}
	select {
	case c.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-c.sem }()

	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	if query == nil {
		query = url.Values{}
	}
	query.Set("api_token", c.token)
	query.Set("fmt", "json")
	u := c.baseURL + "/" + strings.TrimLeft(path, "/") + "?" + query.Encode()

	_, err := c.breaker.Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("User-Agent", "portfolio-optimizer/1.0")
		req.Header.Set("Accept", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return nil, &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(body))}
		}
		return nil, json.NewDecoder(resp.Body).Decode(dst)
	})
	return err
}

// HealthCheck verifies connectivity and the token against the user endpoint.
func (c *Client) HealthCheck(ctx context.Context) bool {
	var info map[string]interface{}
	return c.GetJSON(ctx, "user", nil, &info) == nil
}

// BreakerState reports the circuit breaker state.
func (c *Client) BreakerState() string {
	return c.breaker.State().String()
}
