// Package apicore is the resilient API-call core for web clients of a hosted
// backend service:
//
//   - Retry with exponential backoff + additive jitter (generic over any
//     operation via Retry)
//   - Request de-duplication with supersede semantics: a later dispatch of
//     the same logical request cancels the earlier pending one
//   - Cooperative cancellation through minimal CancelHandle values
//   - A single client façade composing auth-token injection, per-call
//     timeouts, multipart uploads with byte-level progress, order-preserving
//     concurrent batches and health checks
//   - A batching error-reporting pipeline with bounded queueing,
//     severity-triggered flushes and pluggable sinks (in-memory, REST,
//     Redis, Postgres)
//   - Response caching, token-bucket rate limiting, circuit breaking,
//     middleware and Prometheus metrics around the standard net/http Client
//
// Design goals:
//   - Small surface area – functional options configure everything
//   - Errors cross the public boundary in one normalized shape (*Error)
//   - Safe concurrent use of a single *Client instance
//   - Extensibility via user supplied middleware, caches, sinks and loggers
//
// Typical usage:
//
//	client := apicore.New("https://api.example.com",
//	    apicore.WithRetryPolicy(apicore.DefaultRetryPolicy()),
//	    apicore.WithTokenProvider(sessions),
//	    apicore.WithCache(5*time.Minute),
//	    apicore.WithCircuitBreaker(apicore.CircuitBreakerConfig{}),
//	)
//	resp, err := client.Get(ctx, "/students")
//
// The library avoids opinionated logging: provide a Logger (e.g. via
// NewTintLogger) to see retry, cache and pipeline activity.
package apicore
