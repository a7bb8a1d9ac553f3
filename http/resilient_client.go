// Package http provides the outbound HTTP client used to reach platform
// services, and the small server toolkit behind the ops endpoints.
package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/zoobzio/clockz"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	apperrors "github.com/cobrun/tripwatch/errors"
	"github.com/cobrun/tripwatch/resilience"
)

// ResilientClientConfig holds configuration for the resilient HTTP client.
type ResilientClientConfig struct {
	// BaseURL is prepended to every request path.
	BaseURL string
	// Timeout bounds a single attempt.
	Timeout time.Duration
	// CircuitBreaker configures the breaker wrapped around all attempts.
	CircuitBreaker resilience.CircuitBreakerConfig
	// Retry configures retry behavior.
	Retry RetryConfig
	// Authorizer, when set, supplies the Authorization header.
	Authorizer Authorizer
	// Clock drives retry backoff. Defaults to clockz.RealClock.
	Clock clockz.Clock
	// Transport overrides the underlying http.Client.
	Transport *http.Client
}

// RetryConfig configures retry behavior for the HTTP client.
type RetryConfig struct {
	MaxRetries   int
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

// Authorizer produces an Authorization header value for an outgoing request.
type Authorizer interface {
	Authorization(ctx context.Context) (string, error)
}

// DefaultResilientClientConfig returns production defaults.
func DefaultResilientClientConfig(serviceName, baseURL string) ResilientClientConfig {
	breaker := resilience.DefaultCircuitBreakerConfig(serviceName)
	breaker.MaxRequests = 1

	return ResilientClientConfig{
		BaseURL:        baseURL,
		Timeout:        10 * time.Second,
		CircuitBreaker: breaker,
		Retry: RetryConfig{
			MaxRetries:   3,
			InitialDelay: 100 * time.Millisecond,
			MaxDelay:     2 * time.Second,
		},
	}
}

// ResilientClient is an HTTP client with circuit breaker and retry.
type ResilientClient struct {
	config     ResilientClientConfig
	httpClient *http.Client
	breaker    *resilience.CircuitBreaker
	clock      clockz.Clock
	tracer     trace.Tracer
}

// NewResilientClient creates a new resilient HTTP client.
func NewResilientClient(config ResilientClientConfig) *ResilientClient {
	httpClient := config.Transport
	if httpClient == nil {
		httpClient = &http.Client{Timeout: config.Timeout}
	}
	clock := config.Clock
	if clock == nil {
		clock = clockz.RealClock
	}
	if config.CircuitBreaker.Clock == nil {
		config.CircuitBreaker.Clock = clock
	}

	return &ResilientClient{
		config:     config,
		httpClient: httpClient,
		breaker:    resilience.NewCircuitBreaker(config.CircuitBreaker),
		clock:      clock,
		tracer:     otel.Tracer("tripwatch/http"),
	}
}

// Request is one outgoing call.
type Request struct {
	Method  string
	Path    string
	Body    any
	Headers map[string]string
}

// HTTPResponse is a buffered response.
type HTTPResponse struct {
	StatusCode int
	Body       []byte
	Headers    http.Header
}

// Do executes req under the circuit breaker, retrying transient failures.
// Client errors (4xx other than 408 and 429) are returned without counting
// against the breaker.
func (c *ResilientClient) Do(ctx context.Context, req Request) (*HTTPResponse, error) {
	var (
		response  *HTTPResponse
		clientErr error
	)

	err := c.breaker.ExecuteWithContext(ctx, func(ctx context.Context) error {
		resp, err := c.doWithRetry(ctx, req)
		response = resp
		var httpErr *HTTPError
		if errors.As(err, &httpErr) && !httpErr.Retryable() {
			clientErr = err
			return nil
		}
		return err
	})
	if errors.Is(err, resilience.ErrCircuitOpen) {
		return nil, apperrors.Wrap(err, apperrors.CodeUnavailable, c.config.CircuitBreaker.Name+" circuit open")
	}
	if err != nil {
		return nil, err
	}
	if clientErr != nil {
		return response, clientErr
	}
	return response, nil
}

func (c *ResilientClient) doWithRetry(ctx context.Context, req Request) (*HTTPResponse, error) {
	var (
		response *HTTPResponse
		lastErr  error
	)

	for attempt := 0; attempt <= c.config.Retry.MaxRetries; attempt++ {
		response, lastErr = c.doRequest(ctx, req)
		if lastErr == nil || !isRetryable(lastErr) {
			return response, lastErr
		}
		if attempt == c.config.Retry.MaxRetries {
			break
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-c.clock.After(c.calculateDelay(attempt)):
		}
	}

	return response, lastErr
}

func (c *ResilientClient) doRequest(ctx context.Context, req Request) (*HTTPResponse, error) {
	url := c.config.BaseURL + req.Path

	ctx, span := c.tracer.Start(ctx, fmt.Sprintf("HTTP %s %s", req.Method, req.Path),
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.method", req.Method),
			attribute.String("http.url", url),
			attribute.String("peer.service", c.config.CircuitBreaker.Name),
		),
	)
	defer span.End()

	fail := func(err error, msg string) (*HTTPResponse, error) {
		span.RecordError(err)
		span.SetStatus(codes.Error, msg)
		return nil, fmt.Errorf("%s: %w", msg, err)
	}

	var bodyReader io.Reader
	if req.Body != nil {
		bodyBytes, err := json.Marshal(req.Body)
		if err != nil {
			return fail(apperrors.Validation(err.Error()), "failed to marshal request body")
		}
		bodyReader = bytes.NewReader(bodyBytes)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, url, bodyReader)
	if err != nil {
		return fail(err, "failed to create request")
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	if c.config.Authorizer != nil {
		authz, err := c.config.Authorizer.Authorization(ctx)
		if err != nil {
			return fail(err, "failed to authorize request")
		}
		httpReq.Header.Set("Authorization", authz)
	}
	for key, value := range req.Headers {
		httpReq.Header.Set(key, value)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(httpReq.Header))

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fail(err, "request failed")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fail(err, "failed to read response body")
	}

	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	response := &HTTPResponse{
		StatusCode: resp.StatusCode,
		Body:       body,
		Headers:    resp.Header,
	}

	if resp.StatusCode >= 400 {
		span.SetStatus(codes.Error, fmt.Sprintf("HTTP %d", resp.StatusCode))
		return response, &HTTPError{StatusCode: resp.StatusCode, Body: body}
	}

	span.SetStatus(codes.Ok, "")
	return response, nil
}

// isRetryable retries transport failures and retryable statuses, never
// caller cancellation or local request errors.
func isRetryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.Retryable()
	}
	return !apperrors.IsValidation(err)
}

func (c *ResilientClient) calculateDelay(attempt int) time.Duration {
	delay := c.config.Retry.InitialDelay * (1 << attempt)
	if delay > c.config.Retry.MaxDelay {
		delay = c.config.Retry.MaxDelay
	}
	return delay
}

// HTTPError is a non-2xx response. It unwraps to the AppError matching its
// status so callers can use the errors package predicates.
type HTTPError struct {
	StatusCode int
	Body       []byte
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, string(e.Body))
}

// Retryable reports statuses worth another attempt.
func (e *HTTPError) Retryable() bool {
	switch e.StatusCode {
	case http.StatusRequestTimeout, http.StatusTooManyRequests,
		http.StatusInternalServerError, http.StatusBadGateway,
		http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}

// Unwrap maps the status to an AppError.
func (e *HTTPError) Unwrap() error {
	msg := http.StatusText(e.StatusCode)
	switch {
	case e.StatusCode == http.StatusNotFound:
		return apperrors.New(apperrors.CodeNotFound, msg)
	case e.StatusCode == http.StatusConflict:
		return apperrors.Conflict(msg)
	case e.StatusCode == http.StatusTooManyRequests:
		return apperrors.RateLimited(msg)
	case e.StatusCode == http.StatusRequestTimeout || e.StatusCode == http.StatusGatewayTimeout:
		return apperrors.Timeout(msg)
	case e.StatusCode == http.StatusBadRequest || e.StatusCode == http.StatusUnprocessableEntity:
		return apperrors.Validation(msg)
	case e.StatusCode >= 500:
		return apperrors.Unavailable(msg)
	}
	return apperrors.New(apperrors.CodeInternal, msg)
}

// Get performs a GET request.
func (c *ResilientClient) Get(ctx context.Context, path string, headers map[string]string) (*HTTPResponse, error) {
	return c.Do(ctx, Request{Method: http.MethodGet, Path: path, Headers: headers})
}

// Post performs a POST request.
func (c *ResilientClient) Post(ctx context.Context, path string, body any, headers map[string]string) (*HTTPResponse, error) {
	return c.Do(ctx, Request{Method: http.MethodPost, Path: path, Body: body, Headers: headers})
}

// GetJSON performs a GET request and decodes the response.
func (c *ResilientClient) GetJSON(ctx context.Context, path string, result any) error {
	resp, err := c.Get(ctx, path, nil)
	if err != nil {
		return err
	}
	return json.Unmarshal(resp.Body, result)
}

// PostJSON performs a POST request and decodes the response into result
// when both are present.
func (c *ResilientClient) PostJSON(ctx context.Context, path string, body, result any, headers map[string]string) error {
	resp, err := c.Post(ctx, path, body, headers)
	if err != nil {
		return err
	}
	if result != nil && len(resp.Body) > 0 {
		return json.Unmarshal(resp.Body, result)
	}
	return nil
}

// CircuitState returns the breaker state.
func (c *ResilientClient) CircuitState() resilience.CircuitState {
	return c.breaker.State()
}

// Metrics returns the breaker counters.
func (c *ResilientClient) Metrics() resilience.CircuitBreakerMetrics {
	return c.breaker.Metrics()
}
