package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/kjstillabower/aqi-forecast-service/internal/circuitbreaker"
	"github.com/kjstillabower/aqi-forecast-service/internal/models"
	"github.com/kjstillabower/aqi-forecast-service/internal/observability"
)

// AirQualityClient reads current conditions from the live provider.
type AirQualityClient interface {
	FeedByCity(ctx context.Context, city string) (models.LiveReading, error)
	FeedByGeo(ctx context.Context, lat, lon float64) (models.LiveReading, error)
	Stations(ctx context.Context, bounds Bounds) ([]models.Station, error)
	ValidateToken(ctx context.Context) error
}

var (
	ErrInvalidToken    = errors.New("invalid WAQI token")
	ErrStationNotFound = errors.New("station not found")
	ErrUpstreamFailure = errors.New("upstream failure")
	ErrRateLimited     = errors.New("rate limited")
	ErrCircuitOpen     = errors.New("circuit open")
)

const DefaultBaseURL = "https://api.waqi.info"

// Config configures a WAQIClient. Zero retry and rate values get defaults; RatePerSecond <= 0 disables the outbound limiter.
type Config struct {
	Token          string
	BaseURL        string
	Timeout        time.Duration
	RetryAttempts  int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
	RatePerSecond  float64
	Burst          int
	Breaker        *circuitbreaker.CircuitBreaker
}

// WAQIClient calls the World Air Quality Index JSON API.
type WAQIClient struct {
	token          string
	baseURL        string
	timeout        time.Duration
	client         *http.Client
	retryAttempts  int
	retryBaseDelay time.Duration
	retryMaxDelay  time.Duration
	limiter        *rate.Limiter
	breaker        *circuitbreaker.CircuitBreaker
}

func NewWAQIClient(cfg Config) (*WAQIClient, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, fmt.Errorf("%w: token is required", ErrInvalidToken)
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid WAQI URL: %w", err)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = 3
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = 100 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 2 * time.Second
	}

	c := &WAQIClient{
		token:          cfg.Token,
		baseURL:        strings.TrimRight(cfg.BaseURL, "/"),
		timeout:        cfg.Timeout,
		client:         &http.Client{Timeout: cfg.Timeout},
		retryAttempts:  cfg.RetryAttempts,
		retryBaseDelay: cfg.RetryBaseDelay,
		retryMaxDelay:  cfg.RetryMaxDelay,
		breaker:        cfg.Breaker,
	}
	if cfg.RatePerSecond > 0 {
		burst := cfg.Burst
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), burst)
	}
	return c, nil
}

// FeedByCity returns the current reading for a city or station keyword.
func (c *WAQIClient) FeedByCity(ctx context.Context, city string) (models.LiveReading, error) {
	city = strings.TrimSpace(city)
	if city == "" {
		return models.LiveReading{}, fmt.Errorf("%w: empty city", ErrStationNotFound)
	}
	return c.feed(ctx, "/feed/"+url.PathEscape(city)+"/", city)
}

// FeedByGeo returns the reading of the station nearest to (lat, lon).
func (c *WAQIClient) FeedByGeo(ctx context.Context, lat, lon float64) (models.LiveReading, error) {
	path := fmt.Sprintf("/feed/geo:%s;%s/", formatCoord(lat), formatCoord(lon))
	return c.feed(ctx, path, "")
}

func (c *WAQIClient) feed(ctx context.Context, path, fallbackName string) (models.LiveReading, error) {
	data, err := c.get(ctx, path, nil)
	if err != nil {
		return models.LiveReading{}, err
	}
	var fd feedData
	if err := json.Unmarshal(data, &fd); err != nil {
		return models.LiveReading{}, fmt.Errorf("parse feed: %w", err)
	}
	return fd.reading(fallbackName), nil
}

// Stations lists monitoring stations inside bounds.
func (c *WAQIClient) Stations(ctx context.Context, bounds Bounds) ([]models.Station, error) {
	if err := bounds.Validate(); err != nil {
		return nil, err
	}
	q := url.Values{}
	q.Set("latlng", bounds.String())
	data, err := c.get(ctx, "/map/bounds/", q)
	if err != nil {
		return nil, err
	}
	var entries []boundsEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("parse stations: %w", err)
	}
	out := make([]models.Station, 0, len(entries))
	for _, e := range entries {
		if e.Station.Name == "" {
			continue
		}
		out = append(out, e.station())
	}
	return out, nil
}

// ValidateToken performs a single cheap call without retries to confirm the token is accepted.
func (c *WAQIClient) ValidateToken(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, err := c.callAPI(ctx, "/feed/here/", nil)
	if err != nil && !errors.Is(err, ErrStationNotFound) {
		return fmt.Errorf("validate token: %w", err)
	}
	return nil
}

// get runs callAPI with rate limiting, circuit breaking and retry with backoff.
func (c *WAQIClient) get(ctx context.Context, path string, q url.Values) (json.RawMessage, error) {
	var lastErr error
	for attempt := 0; attempt < c.retryAttempts; attempt++ {
		if attempt > 0 {
			observability.WAQIRetriesTotal.Inc()
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(c.calculateBackoff(attempt)):
			}
		}
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return nil, fmt.Errorf("%w: outbound limiter: %v", ErrRateLimited, err)
			}
		}

		data, err := c.protected(ctx, path, q)
		if err == nil {
			return data, nil
		}
		lastErr = err
		if !c.isRetryable(ctx, err) {
			observability.WAQIErrorsTotal.WithLabelValues(string(CategorizeError(err))).Inc()
			return nil, err
		}
	}
	observability.WAQIErrorsTotal.WithLabelValues(string(CategorizeError(lastErr))).Inc()
	return nil, fmt.Errorf("exhausted retries: %w", lastErr)
}

func (c *WAQIClient) protected(ctx context.Context, path string, q url.Values) (json.RawMessage, error) {
	if c.breaker == nil {
		return c.callAPI(ctx, path, q)
	}
	data, err := circuitbreaker.Do(ctx, c.breaker, func() (json.RawMessage, error) {
		return c.callAPI(ctx, path, q)
	})
	if errors.Is(err, circuitbreaker.ErrOpen) {
		return nil, fmt.Errorf("%w: %v", ErrCircuitOpen, err)
	}
	return data, err
}

func (c *WAQIClient) callAPI(ctx context.Context, path string, q url.Values) (json.RawMessage, error) {
	start := time.Now()

	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := c.buildRequest(reqCtx, path, q)
	if err != nil {
		observability.WAQICallsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("build request: %w", err)
	}
	if corrID := observability.CorrelationID(ctx); corrID != "" {
		req.Header.Set("X-Correlation-ID", corrID)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		observability.WAQICallsTotal.WithLabelValues("error").Inc()
		observability.WAQIDuration.WithLabelValues("error").Observe(time.Since(start).Seconds())
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			return nil, fmt.Errorf("request timeout: %w", context.DeadlineExceeded)
		}
		return nil, fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	status := statusLabel(resp.StatusCode)
	observability.WAQICallsTotal.WithLabelValues(status).Inc()
	observability.WAQIDuration.WithLabelValues(status).Observe(time.Since(start).Seconds())

	if err := handleErrorResponse(resp); err != nil {
		return nil, err
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}
	if env.Status != "ok" {
		return nil, env.err()
	}
	return env.Data, nil
}

func (c *WAQIClient) buildRequest(ctx context.Context, path string, q url.Values) (*http.Request, error) {
	u, err := url.Parse(c.baseURL + path)
	if err != nil {
		return nil, fmt.Errorf("invalid WAQI URL: %w", err)
	}
	params := url.Values{}
	for k, vs := range q {
		params[k] = vs
	}
	params.Set("token", c.token)
	u.RawQuery = params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	return req, nil
}

// isRetryable is false once the caller's context is done.
func (c *WAQIClient) isRetryable(ctx context.Context, err error) bool {
	if err == nil || ctx.Err() != nil {
		return false
	}
	switch {
	case errors.Is(err, ErrCircuitOpen), errors.Is(err, ErrInvalidToken), errors.Is(err, ErrStationNotFound):
		return false
	case errors.Is(err, ErrRateLimited), errors.Is(err, ErrUpstreamFailure), errors.Is(err, context.DeadlineExceeded):
		return true
	}
	return false
}

func (c *WAQIClient) calculateBackoff(attempt int) time.Duration {
	delay := float64(c.retryBaseDelay) * math.Pow(2, float64(attempt-1))
	if delay > float64(c.retryMaxDelay) {
		delay = float64(c.retryMaxDelay)
	}
	jitter := delay * 0.1 * rand.Float64()
	return time.Duration(delay + jitter)
}

func handleErrorResponse(resp *http.Response) error {
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: HTTP %d", ErrInvalidToken, resp.StatusCode)
	case resp.StatusCode == http.StatusNotFound:
		return ErrStationNotFound
	case resp.StatusCode == http.StatusTooManyRequests:
		return ErrRateLimited
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return fmt.Errorf("%w: HTTP %d", ErrUpstreamFailure, resp.StatusCode)
	}
	return nil
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func statusLabel(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return "success"
	case statusCode == http.StatusTooManyRequests:
		return "rate_limited"
	case statusCode >= 400 && statusCode < 500:
		return "client_error"
	case statusCode >= 500:
		return "server_error"
	}
	return "error"
}
