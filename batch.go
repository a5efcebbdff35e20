package apicore

import (
	"context"
	"net/http"
	"strings"
	"sync"
)

// BatchRequest is one entry of a batch call.
type BatchRequest struct {
	Method string
	URL    string
	Body   any
}

// BatchResult is the outcome of one batch entry. Exactly one of
// Response/Err is set.
type BatchResult struct {
	Response *Response
	Err      error
}

// Batch executes every request concurrently and returns results in input
// order. An empty input yields an empty, non-nil result slice. Malformed
// entries (missing URL, unsupported method) resolve independently to
// 400/405 validation outcomes without failing the batch or being dispatched.
// Sub-requests default to no retry unless a call option overrides that.
func (c *Client) Batch(ctx context.Context, reqs []BatchRequest, opts ...CallOption) []BatchResult {
	results := make([]BatchResult, len(reqs))
	if len(reqs) == 0 {
		return results
	}

	callOpts := append([]CallOption{WithNoRetry()}, opts...)

	var wg sync.WaitGroup
	for i, req := range reqs {
		method := strings.ToUpper(strings.TrimSpace(req.Method))

		if strings.TrimSpace(req.URL) == "" {
			results[i] = BatchResult{Err: &Error{
				Type:    TypeValidation,
				Status:  http.StatusBadRequest,
				Message: "batch entry is missing a URL",
				Method:  method,
			}}
			continue
		}
		if !supportedMethod(method) {
			results[i] = BatchResult{Err: &Error{
				Type:    TypeValidation,
				Status:  http.StatusMethodNotAllowed,
				Message: "unsupported method " + req.Method,
				Method:  method,
				URL:     req.URL,
			}}
			continue
		}

		wg.Add(1)
		go func(i int, req BatchRequest, method string) {
			defer wg.Done()
			resp, err := c.Call(ctx, method, req.URL, req.Body, callOpts...)
			results[i] = BatchResult{Response: resp, Err: err}
		}(i, req, method)
	}
	wg.Wait()

	return results
}
