package apicore

import (
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Option configures a Client at construction.
type Option func(*Client)

// WithRetryPolicy sets the client-level default retry policy.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(c *Client) {
		c.retryPolicy = p
	}
}

// WithUploadRetryPolicy sets the default retry policy for uploads, which
// defaults to a shorter budget appropriate for large transfers.
func WithUploadRetryPolicy(p RetryPolicy) Option {
	return func(c *Client) {
		c.uploadRetry = p
	}
}

// WithHTTPClient sets a custom HTTP transport client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		c.httpClient = client
	}
}

// WithTimeout sets the default per-attempt timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.timeout = d
	}
}

// WithTokenProvider sets the session provider consulted once per outbound
// request for a bearer token.
func WithTokenProvider(p TokenProvider) Option {
	return func(c *Client) {
		c.tokenProvider = p
	}
}

// WithLogger sets a logger for debug output.
func WithLogger(logger Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithMetrics enables Prometheus metrics on the default registerer.
func WithMetrics() Option {
	return func(c *Client) {
		c.metrics = NewMetricsCollector()
	}
}

// WithMetricsCollector sets a custom metrics collector.
func WithMetricsCollector(collector *MetricsCollector) Option {
	return func(c *Client) {
		c.metrics = collector
	}
}

// WithCache enables response caching with the default in-memory cache.
func WithCache(ttl time.Duration) Option {
	return func(c *Client) {
		c.cache = NewMemoryCache()
		c.cacheTTL = ttl
	}
}

// WithCustomCache sets a custom cache implementation.
func WithCustomCache(cache Cache, ttl time.Duration) Option {
	return func(c *Client) {
		c.cache = cache
		c.cacheTTL = ttl
	}
}

// WithCacheCondition sets a custom cache eligibility function.
func WithCacheCondition(fn CacheCondition) Option {
	return func(c *Client) {
		c.cacheCondition = fn
	}
}

// WithRateLimiter enables a token-bucket rate limiter.
func WithRateLimiter(maxTokens int, refillRate time.Duration) Option {
	return func(c *Client) {
		c.rateLimiter = NewRateLimiter(maxTokens, refillRate)
	}
}

// WithCircuitBreaker enables a circuit breaker.
func WithCircuitBreaker(config CircuitBreakerConfig) Option {
	return func(c *Client) {
		c.circuitBreaker = NewCircuitBreaker(config)
	}
}

// WithMiddleware appends middleware to the transport chain.
func WithMiddleware(middleware ...Middleware) Option {
	return func(c *Client) {
		c.middleware = append(c.middleware, middleware...)
	}
}

// WithHealthPath sets the path probed by HealthCheck (default "/health").
func WithHealthPath(path string) Option {
	return func(c *Client) {
		c.healthPath = path
	}
}

// WithUserAgent sets the User-Agent header attached to every request.
func WithUserAgent(ua string) Option {
	return func(c *Client) {
		c.userAgent = ua
	}
}

// WithRequestIDGenerator sets a custom request ID generator.
func WithRequestIDGenerator(gen func() string) Option {
	return func(c *Client) {
		c.requestIDGen = gen
	}
}

// ValidateConfiguration validates the client configuration and returns an
// error aggregating every violation.
func (c *Client) ValidateConfiguration() error {
	var errors []string

	errors = append(errors, c.validateBaseURL()...)
	errors = append(errors, c.validateRetryConfig()...)
	errors = append(errors, c.validateRateLimiterConfig()...)
	errors = append(errors, c.validateCacheConfig()...)
	errors = append(errors, c.validateCircuitBreakerConfig()...)
	errors = append(errors, c.validateMiddlewareConfig()...)
	errors = append(errors, c.validateHTTPClientConfig()...)

	if len(errors) > 0 {
		return &Error{
			Type:    TypeValidation,
			Message: "configuration validation failed",
			Cause:   fmt.Errorf("validation errors: %v", errors),
		}
	}

	return nil
}

func (c *Client) validateBaseURL() []string {
	var errors []string

	if c.baseURLErr != nil {
		errors = append(errors, fmt.Sprintf("base URL does not parse: %v", c.baseURLErr))
	} else if c.baseURL != nil && c.baseURL.Scheme != "" &&
		c.baseURL.Scheme != "http" && c.baseURL.Scheme != "https" {
		errors = append(errors, "base URL scheme must be http or https")
	}
	if c.healthPath == "" {
		errors = append(errors, "health path cannot be empty")
	}

	return errors
}

func (c *Client) validateRetryConfig() []string {
	var errors []string

	for _, p := range []struct {
		name   string
		policy RetryPolicy
	}{
		{"retryPolicy", c.retryPolicy},
		{"uploadRetryPolicy", c.uploadRetry},
	} {
		if p.policy.MaxRetries < 0 {
			errors = append(errors, p.name+".MaxRetries must be non-negative")
		}
		if p.policy.InitialDelay < 0 {
			errors = append(errors, p.name+".InitialDelay must be non-negative")
		}
		if p.policy.MaxDelay < p.policy.InitialDelay {
			errors = append(errors, p.name+".MaxDelay must be greater than or equal to InitialDelay")
		}
		if p.policy.Factor != 0 && p.policy.Factor <= 1 {
			errors = append(errors, p.name+".Factor must be greater than 1")
		}
		if p.policy.MaxRetries > 100 {
			errors = append(errors, p.name+".MaxRetries > 100 may cause excessive resource usage")
		}
	}

	if c.timeout <= 0 {
		errors = append(errors, "timeout must be positive")
	}
	if c.timeout > 10*time.Minute {
		errors = append(errors, "timeout > 10m may cause requests to hang for too long")
	}

	return errors
}

func (c *Client) validateRateLimiterConfig() []string {
	var errors []string

	if c.rateLimiter != nil {
		if c.rateLimiter.maxTokens <= 0 {
			errors = append(errors, "rateLimiter maxTokens must be positive")
		}
		if c.rateLimiter.refillRate <= 0 {
			errors = append(errors, "rateLimiter refillRate must be positive")
		}
	}

	return errors
}

func (c *Client) validateCacheConfig() []string {
	var errors []string

	if c.cache != nil {
		if c.cacheTTL <= 0 {
			errors = append(errors, "cacheTTL must be positive when cache is enabled")
		}
		if c.cacheCondition == nil {
			errors = append(errors, "cacheCondition must be set when cache is enabled")
		}
	}

	return errors
}

func (c *Client) validateCircuitBreakerConfig() []string {
	var errors []string

	if c.circuitBreaker != nil {
		if c.circuitBreaker.config.FailureThreshold <= 0 {
			errors = append(errors, "circuitBreaker FailureThreshold must be positive")
		}
		if c.circuitBreaker.config.RecoveryTimeout <= 0 {
			errors = append(errors, "circuitBreaker RecoveryTimeout must be positive")
		}
		if c.circuitBreaker.config.SuccessThreshold <= 0 {
			errors = append(errors, "circuitBreaker SuccessThreshold must be positive")
		}
	}

	return errors
}

func (c *Client) validateMiddlewareConfig() []string {
	var errors []string

	for i, middleware := range c.middleware {
		if middleware == nil {
			errors = append(errors, fmt.Sprintf("middleware[%d] cannot be nil", i))
		}
	}

	return errors
}

func (c *Client) validateHTTPClientConfig() []string {
	var errors []string

	if c.httpClient == nil {
		errors = append(errors, "HTTP client cannot be nil")
	}
	if c.requestIDGen == nil {
		errors = append(errors, "request ID generator cannot be nil")
	}
	if strings.TrimSpace(c.userAgent) == "" {
		errors = append(errors, "user agent cannot be empty")
	}

	return errors
}
