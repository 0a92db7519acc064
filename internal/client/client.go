package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/kjstillabower/pollen-risk-service/internal/circuitbreaker"
	"github.com/kjstillabower/pollen-risk-service/internal/models"
	"github.com/kjstillabower/pollen-risk-service/internal/observability"
)

// DefaultForecastURL is the public Open-Meteo forecast endpoint.
const DefaultForecastURL = "https://api.open-meteo.com/v1/forecast"

// ForecastQuery selects the coordinates and variables of one forecast call.
type ForecastQuery struct {
	Latitude       float64
	Longitude      float64
	Hourly         []string
	CurrentWeather bool
}

// WeatherClient fetches raw forecasts from the weather provider.
type WeatherClient interface {
	GetForecast(ctx context.Context, q ForecastQuery) (*models.Forecast, error)
}

var (
	// ErrWeatherFetch matches every error returned by GetForecast.
	ErrWeatherFetch    = errors.New("weather fetch failed")
	ErrBadRequest      = errors.New("bad request")
	ErrUpstreamFailure = errors.New("upstream failure")
	ErrRateLimited     = errors.New("rate limited")
)

// FetchError carries the underlying cause of a failed forecast call. Its message is
// the cause's message so callers can surface it verbatim.
type FetchError struct {
	Err error
}

func (e *FetchError) Error() string { return e.Err.Error() }

func (e *FetchError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrWeatherFetch) true for every FetchError.
func (e *FetchError) Is(target error) bool { return target == ErrWeatherFetch }

// OpenMeteoClient calls the Open-Meteo forecast API.
type OpenMeteoClient struct {
	apiURL         string
	timeout        time.Duration
	client         *http.Client
	retryAttempts  int
	retryBaseDelay time.Duration
	retryMaxDelay  time.Duration
	breaker        *circuitbreaker.CircuitBreaker
}

// NewOpenMeteoClient returns a client that makes a single attempt per call.
func NewOpenMeteoClient(apiURL string, timeout time.Duration) (*OpenMeteoClient, error) {
	return NewOpenMeteoClientWithRetry(apiURL, timeout, 1, 100*time.Millisecond, 2*time.Second)
}

// NewOpenMeteoClientWithRetry returns a client that retries transient failures up to
// retryAttempts total attempts with exponential backoff.
func NewOpenMeteoClientWithRetry(apiURL string, timeout time.Duration, retryAttempts int, retryBaseDelay, retryMaxDelay time.Duration) (*OpenMeteoClient, error) {
	if apiURL == "" {
		apiURL = DefaultForecastURL
	}
	u, err := url.Parse(apiURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid weather API URL %q", apiURL)
	}
	if retryAttempts < 1 {
		retryAttempts = 1
	}
	return &OpenMeteoClient{
		apiURL:         apiURL,
		timeout:        timeout,
		retryAttempts:  retryAttempts,
		retryBaseDelay: retryBaseDelay,
		retryMaxDelay:  retryMaxDelay,
		client:         &http.Client{Timeout: timeout},
	}, nil
}

// SetCircuitBreaker routes every attempt through cb. Nil disables it.
func (c *OpenMeteoClient) SetCircuitBreaker(cb *circuitbreaker.CircuitBreaker) {
	c.breaker = cb
}

// openMeteoError is the body Open-Meteo returns with 4xx responses.
type openMeteoError struct {
	Error  bool   `json:"error"`
	Reason string `json:"reason"`
}

// GetForecast implements WeatherClient. Every error it returns is a *FetchError.
func (c *OpenMeteoClient) GetForecast(ctx context.Context, q ForecastQuery) (*models.Forecast, error) {
	var lastErr error

	for attempt := 0; attempt < c.retryAttempts; attempt++ {
		if attempt > 0 {
			observability.WeatherAPIRetriesTotal.Inc()
			select {
			case <-ctx.Done():
				return nil, &FetchError{Err: fmt.Errorf("request cancelled: %w", ctx.Err())}
			case <-time.After(c.calculateBackoff(attempt)):
			}
		}

		var result *models.Forecast
		err := c.guard(ctx, func() error {
			var callErr error
			result, callErr = c.callAPI(ctx, q)
			return callErr
		})
		if err == nil {
			return result, nil
		}

		lastErr = err
		if !c.isRetryable(err) {
			return nil, &FetchError{Err: err}
		}
	}

	if c.retryAttempts > 1 {
		return nil, &FetchError{Err: fmt.Errorf("exhausted retries: %w", lastErr)}
	}
	return nil, &FetchError{Err: lastErr}
}

func (c *OpenMeteoClient) guard(ctx context.Context, fn func() error) error {
	if c.breaker == nil {
		return fn()
	}
	return c.breaker.Call(ctx, fn)
}

func (c *OpenMeteoClient) callAPI(ctx context.Context, q ForecastQuery) (*models.Forecast, error) {
	start := time.Now()

	reqCtx := ctx
	if c.timeout > 0 {
		var cancel context.CancelFunc
		reqCtx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	req, err := c.buildRequest(reqCtx, q)
	if err != nil {
		observability.WeatherAPICallsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("build request: %w", err)
	}

	if corrID := observability.CorrelationID(ctx); corrID != "" {
		req.Header.Set("X-Correlation-ID", corrID)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		duration := time.Since(start).Seconds()
		observability.WeatherAPICallsTotal.WithLabelValues("error").Inc()
		observability.WeatherAPIDuration.WithLabelValues("error").Observe(duration)

		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return nil, fmt.Errorf("request timeout: %w", err)
		}
		return nil, fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	duration := time.Since(start).Seconds()
	status := statusLabel(resp.StatusCode)
	observability.WeatherAPICallsTotal.WithLabelValues(status).Inc()
	observability.WeatherAPIDuration.WithLabelValues(status).Observe(duration)

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}

	if err := c.handleErrorResponse(resp.StatusCode, body); err != nil {
		return nil, err
	}

	var forecast models.Forecast
	if err := json.Unmarshal(body, &forecast); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}
	return &forecast, nil
}

func (c *OpenMeteoClient) isRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, circuitbreaker.ErrOpen) {
		return false
	}
	if errors.Is(err, ErrRateLimited) || errors.Is(err, ErrUpstreamFailure) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "context deadline exceeded") ||
		strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "connection reset")
}

func (c *OpenMeteoClient) calculateBackoff(attempt int) time.Duration {
	delay := float64(c.retryBaseDelay) * math.Pow(2, float64(attempt-1))
	if delay > float64(c.retryMaxDelay) {
		delay = float64(c.retryMaxDelay)
	}

	jitter := delay * 0.1 * rand.Float64()
	return time.Duration(delay + jitter)
}

func (c *OpenMeteoClient) buildRequest(ctx context.Context, q ForecastQuery) (*http.Request, error) {
	baseURL, err := url.Parse(c.apiURL)
	if err != nil {
		return nil, fmt.Errorf("invalid API URL: %w", err)
	}

	params := baseURL.Query()
	params.Set("latitude", strconv.FormatFloat(q.Latitude, 'f', -1, 64))
	params.Set("longitude", strconv.FormatFloat(q.Longitude, 'f', -1, 64))
	if len(q.Hourly) > 0 {
		params.Set("hourly", strings.Join(q.Hourly, ","))
	}
	if q.CurrentWeather {
		params.Set("current_weather", "true")
	}
	params.Set("timezone", "auto")
	baseURL.RawQuery = params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	return req, nil
}

func (c *OpenMeteoClient) handleErrorResponse(statusCode int, body []byte) error {
	if statusCode >= 200 && statusCode < 300 {
		return nil
	}
	switch {
	case statusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%w: HTTP %d", ErrRateLimited, statusCode)
	case statusCode >= 500:
		return fmt.Errorf("%w: HTTP %d", ErrUpstreamFailure, statusCode)
	case statusCode >= 400:
		var apiErr openMeteoError
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Reason != "" {
			return fmt.Errorf("%w: HTTP %d: %s", ErrBadRequest, statusCode, apiErr.Reason)
		}
		return fmt.Errorf("%w: HTTP %d", ErrBadRequest, statusCode)
	}
	return fmt.Errorf("unexpected HTTP %d", statusCode)
}

func statusLabel(statusCode int) string {
	if statusCode >= 200 && statusCode < 300 {
		return "success"
	}
	if statusCode == 429 {
		return "rate_limited"
	}
	if statusCode >= 400 && statusCode < 500 {
		return "client_error"
	}
	if statusCode >= 500 {
		return "server_error"
	}
	return "error"
}
