package apicore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

const healthCheckTimeout = 5 * time.Second

// Middleware wraps the transport for cross-cutting concerns.
type Middleware func(req *http.Request, next RoundTripper) (*http.Response, error)

// RoundTripper is the HTTP transport interface the middleware chain is built
// on.
type RoundTripper interface {
	RoundTrip(*http.Request) (*http.Response, error)
}

// RoundTripperFunc adapts a function to RoundTripper.
type RoundTripperFunc func(*http.Request) (*http.Response, error)

func (f RoundTripperFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

// TokenProvider supplies the current bearer token for outbound requests. An
// empty token or an error means the request proceeds unauthenticated.
type TokenProvider interface {
	Token(ctx context.Context) (string, error)
}

// TokenProviderFunc adapts a function to TokenProvider.
type TokenProviderFunc func(ctx context.Context) (string, error)

func (f TokenProviderFunc) Token(ctx context.Context) (string, error) {
	return f(ctx)
}

// Response is the caller-facing result of a successful call. Body is fully
// read and the underlying connection released before it is returned.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	// Attempts is the number of transport attempts made; 0 for cache hits.
	Attempts int
}

// JSON decodes the response body into v.
func (r *Response) JSON(v any) error {
	return json.Unmarshal(r.Body, v)
}

// Client is the single façade for outbound calls. It composes auth-token
// attachment, per-call timeout, request deduplication with supersede
// semantics, retry with backoff, response caching, rate limiting, circuit
// breaking, middleware and metrics. Safe for concurrent use.
type Client struct {
	baseURL     *url.URL
	baseURLErr  error
	httpClient  *http.Client
	timeout     time.Duration
	retryPolicy RetryPolicy
	uploadRetry RetryPolicy

	tokenProvider TokenProvider
	middleware    []Middleware

	tracker *RequestTracker

	cache          Cache
	cacheTTL       time.Duration
	cacheCondition CacheCondition

	rateLimiter    *RateLimiter
	circuitBreaker *CircuitBreaker

	healthPath   string
	userAgent    string
	requestIDGen func() string

	logger  Logger
	metrics *MetricsCollector

	validationError error
}

// New constructs a Client for the given base endpoint using the provided
// functional options. A best effort validation is performed; call
// IsValid / ValidationError for errors.
func New(baseURL string, options ...Option) *Client {
	client := &Client{
		httpClient:     &http.Client{},
		timeout:        30 * time.Second,
		retryPolicy:    DefaultRetryPolicy(),
		uploadRetry:    DefaultUploadRetryPolicy(),
		tracker:        NewRequestTracker(),
		cacheTTL:       5 * time.Minute,
		cacheCondition: DefaultCacheCondition,
		healthPath:     "/health",
		userAgent:      "apicore/" + Version,
		requestIDGen:   uuid.NewString,
	}

	client.baseURL, client.baseURLErr = url.Parse(baseURL)

	for _, option := range options {
		option(client)
	}

	if err := client.ValidateConfiguration(); err != nil {
		client.validationError = err
	}

	return client
}

// IsValid reports whether configuration validation passed at construction.
func (c *Client) IsValid() bool {
	return c.validationError == nil
}

// ValidationError returns the configuration validation error, if any.
func (c *Client) ValidationError() error {
	return c.validationError
}

// Get performs an HTTP GET against path.
func (c *Client) Get(ctx context.Context, path string, opts ...CallOption) (*Response, error) {
	return c.Call(ctx, http.MethodGet, path, nil, opts...)
}

// Delete performs an HTTP DELETE against path.
func (c *Client) Delete(ctx context.Context, path string, opts ...CallOption) (*Response, error) {
	return c.Call(ctx, http.MethodDelete, path, nil, opts...)
}

// Post performs an HTTP POST with body serialized as JSON.
func (c *Client) Post(ctx context.Context, path string, body any, opts ...CallOption) (*Response, error) {
	return c.Call(ctx, http.MethodPost, path, body, opts...)
}

// Put performs an HTTP PUT with body serialized as JSON.
func (c *Client) Put(ctx context.Context, path string, body any, opts ...CallOption) (*Response, error) {
	return c.Call(ctx, http.MethodPut, path, body, opts...)
}

// Patch performs an HTTP PATCH with body serialized as JSON.
func (c *Client) Patch(ctx context.Context, path string, body any, opts ...CallOption) (*Response, error) {
	return c.Call(ctx, http.MethodPatch, path, body, opts...)
}

// Call is the generic dispatch path shared by every verb. body is serialized
// as JSON unless it is nil, a []byte or a json.RawMessage.
func (c *Client) Call(ctx context.Context, method, path string, body any, opts ...CallOption) (*Response, error) {
	method = strings.ToUpper(strings.TrimSpace(method))
	if !supportedMethod(method) {
		return nil, &Error{
			Type:    TypeValidation,
			Status:  http.StatusMethodNotAllowed,
			Message: "unsupported method " + method,
			Method:  method,
			URL:     path,
		}
	}

	u, err := c.resolveURL(path)
	if err != nil {
		return nil, &Error{
			Type:    TypeValidation,
			Status:  http.StatusBadRequest,
			Message: "invalid request URL",
			Method:  method,
			URL:     path,
			Cause:   err,
		}
	}

	payload, err := marshalBody(body)
	if err != nil {
		return nil, &Error{
			Type:    TypeValidation,
			Status:  http.StatusBadRequest,
			Message: "request body is not serializable",
			Method:  method,
			URL:     u.String(),
			Cause:   err,
		}
	}

	contentType := ""
	if payload != nil {
		contentType = "application/json"
	}

	co := c.newCallOptions(c.retryPolicy, opts)
	return c.dispatch(ctx, callSpec{
		method:      method,
		url:         u,
		body:        payload,
		contentType: contentType,
	}, co)
}

// HealthCheck performs a single GET against the configured health path with
// retry disabled and a short timeout. It returns true only for HTTP 200,
// swallowing every error as false.
func (c *Client) HealthCheck(ctx context.Context) bool {
	resp, err := c.Get(ctx, c.healthPath,
		WithNoRetry(),
		WithNoDedup(),
		WithNoCache(),
		WithCallTimeout(healthCheckTimeout),
	)
	return err == nil && resp.StatusCode == http.StatusOK
}

// CancelAll cancels every tracked in-flight request, for shutdown or
// navigation boundaries. Returns the number cancelled.
func (c *Client) CancelAll() int {
	return c.tracker.CancelAll(context.Canceled)
}

// CancelRequest cancels the in-flight request for one logical request key.
func (c *Client) CancelRequest(key string) bool {
	return c.tracker.Cancel(key, context.Canceled)
}

// PendingRequests returns the number of in-flight requests in the registry.
func (c *Client) PendingRequests() int {
	return c.tracker.Pending()
}

// callSpec is one fully resolved outbound request.
type callSpec struct {
	method      string
	url         *url.URL
	body        []byte
	contentType string
	// keyMaterial replaces body bytes in the request key when the body is
	// not key-stable (multipart uploads with random boundaries).
	keyMaterial []byte
}

func (s callSpec) requestKey() string {
	material := s.body
	if s.keyMaterial != nil {
		material = s.keyMaterial
	}
	return RequestKey(s.method, s.url.String(), material)
}

func (c *Client) dispatch(ctx context.Context, spec callSpec, co *callOptions) (*Response, error) {
	start := time.Now()
	urlStr := spec.url.String()
	endpoint := endpointLabel(spec.url)
	requestID := c.requestIDGen()

	c.metrics.RecordRequestStart(spec.method, endpoint)
	defer c.metrics.RecordRequestEnd(spec.method, endpoint)

	finish := func(resp *Response, err error) (*Response, error) {
		statusCode := 0
		var e *Error
		if resp != nil {
			statusCode = resp.StatusCode
		} else if errors.As(err, &e) {
			statusCode = e.Status
		}
		c.metrics.RecordRequest(spec.method, endpoint, statusCode, time.Since(start))
		return resp, err
	}

	if c.rateLimiter != nil {
		allowed := c.rateLimiter.Allow()
		c.metrics.RecordRateLimiterTokens("default", c.rateLimiter.Tokens())
		if !allowed {
			if c.logger != nil {
				c.logger.Warn("rate limit exceeded", "requestID", requestID, "endpoint", endpoint)
			}
			c.metrics.RecordError(string(TypeRateLimited), spec.method, endpoint)
			return finish(nil, &Error{
				Type:      TypeRateLimited,
				Message:   "rate limit exceeded",
				RequestID: requestID,
				Method:    spec.method,
				URL:       urlStr,
				Cause:     ErrRateLimited,
			})
		}
	}

	if c.circuitBreaker != nil && !c.circuitBreaker.Allow() {
		if c.logger != nil {
			c.logger.Warn("circuit breaker open", "requestID", requestID, "endpoint", endpoint)
		}
		c.metrics.RecordError(string(TypeCircuitOpen), spec.method, endpoint)
		c.metrics.RecordCircuitBreakerState("default", c.circuitBreaker.State())
		return finish(nil, &Error{
			Type:      TypeCircuitOpen,
			Message:   "circuit breaker is open",
			RequestID: requestID,
			Method:    spec.method,
			URL:       urlStr,
			Cause:     ErrCircuitOpen,
		})
	}

	cacheable := c.cache != nil && !co.noCache && c.cacheCondition(spec.method, urlStr)
	cacheKey := cacheKeyFor(spec.method, urlStr)
	if cacheable {
		if entry, found := c.cache.Get(cacheKey); found {
			c.metrics.RecordCacheHit(spec.method, endpoint)
			if c.logger != nil {
				c.logger.Debug("cache hit", "requestID", requestID, "cacheKey", cacheKey)
			}
			return finish(responseFromCache(entry), nil)
		}
		c.metrics.RecordCacheMiss(spec.method, endpoint)
	}

	callCtx := ctx
	var pending *PendingRequest
	if !co.noDedup || co.cancel != nil {
		cctx, cancel := context.WithCancelCause(ctx)
		callCtx = cctx
		// Release the child context on settlement so a long-lived cancellable
		// parent does not accumulate dead children. The response body is fully
		// read by then, so cancelling is harmless.
		defer cancel(nil)
		if !co.noDedup {
			var superseded bool
			pending, superseded = c.tracker.Register(spec.requestKey(), cancel)
			if superseded {
				c.metrics.RecordDedupCancellation(spec.method, endpoint)
				if c.logger != nil {
					c.logger.Debug("superseded pending duplicate", "requestID", requestID, "endpoint", endpoint)
				}
			}
			defer c.tracker.Settle(pending)
		}
		if co.cancel != nil {
			co.cancel.bind(cancel)
		}
	}

	op := func(opCtx context.Context) (*Response, error) {
		return c.attempt(opCtx, spec, co, requestID)
	}

	var outcome Outcome[*Response]
	if co.noRetry {
		resp, err := op(callCtx)
		if err != nil {
			if cause := context.Cause(callCtx); cause != nil {
				err = cancelledError(cause, err)
			}
		}
		outcome = Outcome[*Response]{Value: resp, Err: err, Attempts: 1, Succeeded: err == nil}
	} else {
		policy := co.retryPolicy
		userOnRetry := policy.OnRetry
		policy.OnRetry = func(attempt int, err error) {
			c.metrics.RecordRetry(spec.method, endpoint)
			if c.logger != nil {
				c.logger.Info("scheduling retry", "requestID", requestID, "attempt", attempt, "endpoint", endpoint, "error", err.Error())
			}
			if userOnRetry != nil {
				userOnRetry(attempt, err)
			}
		}
		outcome = Retry(callCtx, policy, op)
	}

	if outcome.Succeeded {
		resp := outcome.Value
		resp.Attempts = outcome.Attempts
		if cacheable && resp.StatusCode < 400 {
			c.cache.Set(cacheKey, cacheEntryFor(resp), co.cacheTTL)
			c.metrics.RecordCacheSize("default", c.cache.Stats().Entries)
		}
		return finish(resp, nil)
	}

	normalized := c.normalizeError(outcome.Err, spec, requestID, outcome.Attempts)
	c.metrics.RecordError(string(normalized.Type), spec.method, endpoint)
	if c.logger != nil {
		c.logger.Debug("request failed", "requestID", requestID, "endpoint", endpoint, "type", string(normalized.Type), "attempts", outcome.Attempts)
	}
	return finish(nil, normalized)
}

// attempt performs one transport round trip, mapping every failure mode onto
// the error taxonomy. The request is rebuilt per attempt so the body can be
// re-read.
func (c *Client) attempt(ctx context.Context, spec callSpec, co *callOptions, requestID string) (*Response, error) {
	attemptCtx := ctx
	if co.timeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, co.timeout)
		defer cancel()
	}

	var bodyReader io.Reader
	if spec.body != nil {
		r := io.Reader(bytes.NewReader(spec.body))
		if co.progress != nil && len(spec.body) > 0 {
			r = newProgressReader(r, int64(len(spec.body)), co.progress)
		}
		bodyReader = r
	}

	req, err := http.NewRequestWithContext(attemptCtx, spec.method, spec.url.String(), bodyReader)
	if err != nil {
		return nil, &Error{Type: TypeValidation, Status: http.StatusBadRequest, Message: "building request failed", Cause: err}
	}
	if spec.contentType != "" {
		req.Header.Set("Content-Type", spec.contentType)
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("X-Request-ID", requestID)
	for k, v := range co.headers {
		req.Header.Set(k, v)
	}

	if c.tokenProvider != nil {
		token, err := c.tokenProvider.Token(attemptCtx)
		if err != nil {
			// Absence of a credential is not an error; proceed unauthenticated.
			if c.logger != nil {
				c.logger.Debug("token provider failed, proceeding unauthenticated", "requestID", requestID, "error", err.Error())
			}
		} else if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := c.transport(req)
	if err != nil {
		if cause := context.Cause(ctx); cause != nil {
			return nil, &Error{Type: TypeCancelled, Message: "request cancelled", Cause: cause}
		}
		c.recordBreakerFailure()
		typ := TypeNetwork
		msg := "network request failed"
		if errors.Is(err, context.DeadlineExceeded) {
			typ = TypeTimeout
			msg = "request timed out"
		}
		return nil, &Error{Type: typ, Message: msg, Cause: err}
	}

	body, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		c.recordBreakerFailure()
		return nil, &Error{Type: TypeNetwork, Message: "reading response body failed", Cause: readErr}
	}

	if resp.StatusCode >= 500 {
		c.recordBreakerFailure()
	} else {
		c.recordBreakerSuccess()
	}

	if resp.StatusCode >= 400 {
		typ := TypeClient
		if resp.StatusCode >= 500 {
			typ = TypeServer
		}
		return nil, &Error{
			Type:    typ,
			Status:  resp.StatusCode,
			Message: http.StatusText(resp.StatusCode),
		}
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       body,
	}, nil
}

func (c *Client) transport(req *http.Request) (*http.Response, error) {
	if len(c.middleware) == 0 {
		return c.httpClient.Do(req)
	}

	current := RoundTripper(RoundTripperFunc(c.httpClient.Do))
	for i := len(c.middleware) - 1; i >= 0; i-- {
		middleware := c.middleware[i]
		next := current
		current = RoundTripperFunc(func(r *http.Request) (*http.Response, error) {
			return middleware(r, next)
		})
	}
	return current.RoundTrip(req)
}

func (c *Client) recordBreakerFailure() {
	if c.circuitBreaker == nil {
		return
	}
	c.circuitBreaker.RecordFailure()
	c.metrics.RecordCircuitBreakerState("default", c.circuitBreaker.State())
}

func (c *Client) recordBreakerSuccess() {
	if c.circuitBreaker == nil {
		return
	}
	c.circuitBreaker.RecordSuccess()
	c.metrics.RecordCircuitBreakerState("default", c.circuitBreaker.State())
}

// normalizeError coerces any terminal failure into *Error with attempt count
// and request identity filled in.
func (c *Client) normalizeError(err error, spec callSpec, requestID string, attempts int) *Error {
	var e *Error
	if !errors.As(err, &e) {
		e = &Error{Type: TypeNetwork, Message: "request failed", Cause: err}
	}

	normalized := *e
	normalized.Attempts = attempts
	if normalized.RequestID == "" {
		normalized.RequestID = requestID
	}
	if normalized.Method == "" {
		normalized.Method = spec.method
	}
	if normalized.URL == "" {
		normalized.URL = spec.url.String()
	}
	return &normalized
}

func (c *Client) resolveURL(path string) (*url.URL, error) {
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return url.Parse(path)
	}
	if c.baseURLErr != nil {
		return nil, c.baseURLErr
	}
	if c.baseURL == nil {
		return nil, errors.New("no base URL configured")
	}
	rel, err := url.Parse(path)
	if err != nil {
		return nil, err
	}
	return c.baseURL.ResolveReference(rel), nil
}

func marshalBody(body any) ([]byte, error) {
	switch b := body.(type) {
	case nil:
		return nil, nil
	case []byte:
		return b, nil
	case json.RawMessage:
		return b, nil
	case string:
		return []byte(b), nil
	default:
		return json.Marshal(body)
	}
}

func supportedMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}

func endpointLabel(u *url.URL) string {
	if u == nil {
		return "unknown"
	}

	host := u.Host
	path := u.Path

	var builder strings.Builder
	builder.WriteString(host)
	if path != "" && path != "/" {
		builder.WriteString(path)
	} else {
		builder.WriteByte('/')
	}
	return builder.String()
}
