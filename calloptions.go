package apicore

import "time"

// CallOption overrides client defaults for a single request.
type CallOption func(*callOptions)

type callOptions struct {
	retryPolicy RetryPolicy
	noRetry     bool
	timeout     time.Duration
	headers     map[string]string
	cancel      *CancelHandle
	noDedup     bool
	noCache     bool
	cacheTTL    time.Duration
	progress    ProgressFunc
}

// ProgressFunc receives upload progress as a 0-100 integer percentage.
type ProgressFunc func(percent int)

func (c *Client) newCallOptions(base RetryPolicy, opts []CallOption) *callOptions {
	co := &callOptions{
		retryPolicy: base,
		timeout:     c.timeout,
		cacheTTL:    c.cacheTTL,
	}
	for _, opt := range opts {
		opt(co)
	}
	return co
}

// WithCallRetryPolicy replaces the retry policy for this call.
func WithCallRetryPolicy(p RetryPolicy) CallOption {
	return func(co *callOptions) {
		co.retryPolicy = p
		co.noRetry = false
	}
}

// WithNoRetry executes the call exactly once; any failure is returned without
// engaging the backoff engine.
func WithNoRetry() CallOption {
	return func(co *callOptions) {
		co.noRetry = true
	}
}

// WithCallTimeout sets the per-attempt transport timeout for this call.
func WithCallTimeout(d time.Duration) CallOption {
	return func(co *callOptions) {
		co.timeout = d
	}
}

// WithCancel binds a cancellation handle to this call. Cancelling the handle
// aborts the in-flight attempt and settles the call with a Cancelled error.
func WithCancel(h *CancelHandle) CallOption {
	return func(co *callOptions) {
		co.cancel = h
	}
}

// WithCallHeader adds a header to every attempt of this call.
func WithCallHeader(key, value string) CallOption {
	return func(co *callOptions) {
		if co.headers == nil {
			co.headers = make(map[string]string)
		}
		co.headers[key] = value
	}
}

// WithProgress registers an upload progress callback.
func WithProgress(fn ProgressFunc) CallOption {
	return func(co *callOptions) {
		co.progress = fn
	}
}

// WithNoDedup opts this call out of the deduplication registry.
func WithNoDedup() CallOption {
	return func(co *callOptions) {
		co.noDedup = true
	}
}

// WithNoCache bypasses the response cache for this call.
func WithNoCache() CallOption {
	return func(co *callOptions) {
		co.noCache = true
	}
}

// WithCallCacheTTL overrides the cache TTL for this call's response.
func WithCallCacheTTL(ttl time.Duration) CallOption {
	return func(co *callOptions) {
		co.cacheTTL = ttl
	}
}
