package apicore

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func testClient(baseURL string, opts ...Option) *Client {
	defaults := []Option{WithRetryPolicy(fastPolicy(3)), WithUploadRetryPolicy(fastPolicy(2))}
	return New(baseURL, append(defaults, opts...)...)
}

func TestNewDefaults(t *testing.T) {
	client := New("https://api.example.com")

	if client == nil {
		t.Fatal("New() returned nil")
	}
	if !client.IsValid() {
		t.Fatalf("default configuration invalid: %v", client.ValidationError())
	}
	if client.retryPolicy.MaxRetries != 3 {
		t.Errorf("default MaxRetries = %d, want 3", client.retryPolicy.MaxRetries)
	}
	if client.uploadRetry.MaxRetries != 2 {
		t.Errorf("default upload MaxRetries = %d, want 2", client.uploadRetry.MaxRetries)
	}
	if client.healthPath != "/health" {
		t.Errorf("default health path = %q", client.healthPath)
	}
	if client.timeout != 30*time.Second {
		t.Errorf("default timeout = %v", client.timeout)
	}
}

func TestGet(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			t.Errorf("method = %s, want GET", r.Method)
		}
		if r.URL.Path != "/students" {
			t.Errorf("path = %s, want /students", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`[{"id":1,"name":"Ada"}]`))
	}))
	defer server.Close()

	client := testClient(server.URL)
	resp, err := client.Get(context.Background(), "/students")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
	if resp.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", resp.Attempts)
	}

	var students []struct {
		ID   int    `json:"id"`
		Name string `json:"name"`
	}
	if err := resp.JSON(&students); err != nil {
		t.Fatalf("JSON() error: %v", err)
	}
	if len(students) != 1 || students[0].Name != "Ada" {
		t.Errorf("unexpected decode result: %+v", students)
	}
}

func TestPostSerializesJSON(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("Content-Type = %q, want application/json", ct)
		}
		body, _ := io.ReadAll(r.Body)
		if string(body) != `{"name":"Ada"}` {
			t.Errorf("body = %q", body)
		}
		w.WriteHeader(http.StatusCreated)
	}))
	defer server.Close()

	client := testClient(server.URL)
	resp, err := client.Post(context.Background(), "/students", map[string]string{"name": "Ada"})
	if err != nil {
		t.Fatalf("Post() error: %v", err)
	}
	if resp.StatusCode != http.StatusCreated {
		t.Errorf("status = %d, want 201", resp.StatusCode)
	}
}

func TestCallRetriesTransientFailures(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := testClient(server.URL)
	resp, err := client.Get(context.Background(), "/flaky")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if atomic.LoadInt32(&calls) != 3 {
		t.Errorf("server saw %d calls, want 3", calls)
	}
	if resp.Attempts != 3 {
		t.Errorf("attempts = %d, want 3", resp.Attempts)
	}
}

func TestCallExhaustsRetries(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	client := testClient(server.URL, WithRetryPolicy(fastPolicy(2)))
	_, err := client.Get(context.Background(), "/down")
	if err == nil {
		t.Fatal("expected error")
	}

	var e *Error
	if !errors.As(err, &e) {
		t.Fatalf("error not normalized: %T", err)
	}
	if e.Type != TypeServer || e.Status != http.StatusBadGateway {
		t.Errorf("error = %+v, want Server/502", e)
	}
	if e.Attempts != 3 {
		t.Errorf("attempts = %d, want 3", e.Attempts)
	}
	if atomic.LoadInt32(&calls) != 3 {
		t.Errorf("server saw %d calls, want 3", calls)
	}
}

func TestPermanentClientErrorNotRetried(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	client := testClient(server.URL)
	_, err := client.Get(context.Background(), "/missing")

	var e *Error
	if !errors.As(err, &e) || e.Type != TypeClient || e.Status != http.StatusNotFound {
		t.Fatalf("error = %v, want Client/404", err)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Errorf("404 was retried: %d calls", calls)
	}
}

func TestWithNoRetryExecutesOnce(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	client := testClient(server.URL)
	_, err := client.Get(context.Background(), "/flaky", WithNoRetry())
	if err == nil {
		t.Fatal("expected error")
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Errorf("server saw %d calls, want 1", calls)
	}

	var e *Error
	if !errors.As(err, &e) || e.Attempts != 1 {
		t.Errorf("attempts = %v, want 1", err)
	}
}

func TestUnsupportedMethodRejected(t *testing.T) {
	client := testClient("https://api.example.com")
	_, err := client.Call(context.Background(), "TRACE", "/x", nil)

	var e *Error
	if !errors.As(err, &e) || e.Type != TypeValidation || e.Status != http.StatusMethodNotAllowed {
		t.Fatalf("error = %v, want Validation/405", err)
	}
}

func TestTokenInjection(t *testing.T) {
	var gotAuth atomic.Value
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth.Store(r.Header.Get("Authorization"))
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := testClient(server.URL, WithTokenProvider(TokenProviderFunc(func(context.Context) (string, error) {
		return "tok-123", nil
	})))
	if _, err := client.Get(context.Background(), "/"); err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if got := gotAuth.Load(); got != "Bearer tok-123" {
		t.Errorf("Authorization = %q, want 'Bearer tok-123'", got)
	}
}

func TestTokenProviderFailureProceedsUnauthenticated(t *testing.T) {
	var gotAuth atomic.Value
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth.Store(r.Header.Get("Authorization"))
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := testClient(server.URL, WithTokenProvider(TokenProviderFunc(func(context.Context) (string, error) {
		return "", errors.New("session expired")
	})))
	resp, err := client.Get(context.Background(), "/")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}
	if got := gotAuth.Load(); got != "" {
		t.Errorf("Authorization = %q, want empty", got)
	}
}

func TestDuplicateDispatchSupersedesFirst(t *testing.T) {
	release := make(chan struct{})
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			select {
			case <-release:
			case <-r.Context().Done():
				return
			}
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := testClient(server.URL)

	firstDone := make(chan error, 1)
	go func() {
		_, err := client.Get(context.Background(), "/slow")
		firstDone <- err
	}()

	// Wait until the first request is registered and in flight.
	deadline := time.Now().Add(2 * time.Second)
	for client.PendingRequests() == 0 || atomic.LoadInt32(&calls) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("first request never became pending")
		}
		time.Sleep(time.Millisecond)
	}

	go func() {
		time.Sleep(50 * time.Millisecond)
		close(release)
	}()

	resp, err := client.Get(context.Background(), "/slow")
	if err != nil {
		t.Fatalf("second request failed: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Errorf("second request status = %d", resp.StatusCode)
	}

	select {
	case err := <-firstDone:
		if err == nil {
			t.Fatal("first request should have been superseded")
		}
		if !errors.Is(err, ErrSuperseded) {
			t.Errorf("first request error = %v, want ErrSuperseded cause", err)
		}
		var e *Error
		if !errors.As(err, &e) || e.Type != TypeCancelled {
			t.Errorf("first request error type = %v, want Cancelled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("first request never settled")
	}

	if client.PendingRequests() != 0 {
		t.Errorf("PendingRequests() = %d after settlement, want 0", client.PendingRequests())
	}
}

func TestCancelHandleAbortsCall(t *testing.T) {
	started := make(chan struct{}, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started <- struct{}{}
		<-r.Context().Done()
	}))
	defer server.Close()

	client := testClient(server.URL)
	handle := NewCancelHandle()

	done := make(chan error, 1)
	go func() {
		_, err := client.Get(context.Background(), "/hang", WithCancel(handle))
		done <- err
	}()

	<-started
	handle.Cancel(errors.New("user cancelled"))

	select {
	case err := <-done:
		if !IsCancelled(err) {
			t.Errorf("error = %v, want cancelled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("cancelled call never settled")
	}
}

func TestHealthCheck(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
		want    bool
	}{
		{"healthy", func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path != "/health" {
				t.Errorf("path = %s, want /health", r.URL.Path)
			}
			w.WriteHeader(http.StatusOK)
		}, true},
		{"degraded", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		}, false},
		{"unexpected success code", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNoContent)
		}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(tt.handler)
			defer server.Close()

			client := testClient(server.URL)
			if got := client.HealthCheck(context.Background()); got != tt.want {
				t.Errorf("HealthCheck() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestHealthCheckNeverThrows(t *testing.T) {
	client := testClient("http://127.0.0.1:1") // nothing listening
	if client.HealthCheck(context.Background()) {
		t.Error("HealthCheck() = true for unreachable endpoint")
	}
}

func TestHealthCheckCustomPath(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/status/live" {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	client := testClient(server.URL, WithHealthPath("/status/live"))
	if !client.HealthCheck(context.Background()) {
		t.Error("HealthCheck() = false for healthy custom path")
	}
}

func TestCacheHitSkipsTransport(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer server.Close()

	client := testClient(server.URL, WithCache(time.Minute))

	for i := 0; i < 3; i++ {
		resp, err := client.Get(context.Background(), "/cached")
		if err != nil {
			t.Fatalf("Get() error: %v", err)
		}
		if string(resp.Body) != `{"ok":true}` {
			t.Errorf("body = %q", resp.Body)
		}
	}

	if atomic.LoadInt32(&calls) != 1 {
		t.Errorf("server saw %d calls, want 1 (cache hits)", calls)
	}
}

func TestWithNoCacheBypassesCache(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := testClient(server.URL, WithCache(time.Minute))
	for i := 0; i < 2; i++ {
		if _, err := client.Get(context.Background(), "/fresh", WithNoCache()); err != nil {
			t.Fatalf("Get() error: %v", err)
		}
	}
	if atomic.LoadInt32(&calls) != 2 {
		t.Errorf("server saw %d calls, want 2", calls)
	}
}

func TestRateLimiterGate(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := testClient(server.URL, WithRateLimiter(1, time.Hour))

	if _, err := client.Get(context.Background(), "/a"); err != nil {
		t.Fatalf("first request error: %v", err)
	}

	_, err := client.Get(context.Background(), "/b")
	if !errors.Is(err, ErrRateLimited) {
		t.Errorf("error = %v, want ErrRateLimited", err)
	}
}

func TestCircuitBreakerGate(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	client := testClient(server.URL,
		WithRetryPolicy(fastPolicy(0)),
		WithCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 2, RecoveryTimeout: time.Hour, SuccessThreshold: 1}),
	)

	for i := 0; i < 2; i++ {
		if _, err := client.Get(context.Background(), "/err"); err == nil {
			t.Fatal("expected server error")
		}
	}

	_, err := client.Get(context.Background(), "/err")
	if !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("error = %v, want ErrCircuitOpen", err)
	}
}

func TestMiddlewareChainOrder(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Trace") != "outer,inner" {
			t.Errorf("X-Trace = %q", r.Header.Get("X-Trace"))
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	appendTrace := func(tag string) Middleware {
		return func(req *http.Request, next RoundTripper) (*http.Response, error) {
			trace := req.Header.Get("X-Trace")
			if trace != "" {
				trace += ","
			}
			req.Header.Set("X-Trace", trace+tag)
			return next.RoundTrip(req)
		}
	}

	client := testClient(server.URL, WithMiddleware(appendTrace("outer"), appendTrace("inner")))
	if _, err := client.Get(context.Background(), "/"); err != nil {
		t.Fatalf("Get() error: %v", err)
	}
}

func TestCancelAllClearsRegistry(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer server.Close()

	client := testClient(server.URL)

	done := make(chan error, 2)
	for _, path := range []string{"/a", "/b"} {
		go func(path string) {
			_, err := client.Get(context.Background(), path)
			done <- err
		}(path)
	}

	deadline := time.Now().Add(2 * time.Second)
	for client.PendingRequests() != 2 {
		if time.Now().After(deadline) {
			t.Fatalf("PendingRequests() = %d, want 2", client.PendingRequests())
		}
		time.Sleep(time.Millisecond)
	}

	if n := client.CancelAll(); n != 2 {
		t.Errorf("CancelAll() = %d, want 2", n)
	}
	for i := 0; i < 2; i++ {
		select {
		case err := <-done:
			if !IsCancelled(err) {
				t.Errorf("error = %v, want cancelled", err)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("cancelled request never settled")
		}
	}
}

func TestCallContextReleasedAfterSettlement(t *testing.T) {
	var captured atomic.Value
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := testClient(server.URL, WithMiddleware(func(req *http.Request, next RoundTripper) (*http.Response, error) {
		captured.Store(req.Context())
		return next.RoundTrip(req)
	}))

	// A long-lived cancellable parent must not accumulate live child
	// contexts across settled calls.
	parent, cancel := context.WithCancel(context.Background())
	defer cancel()

	// A zero per-call timeout leaves the dispatch context on the request, so
	// its release is observable here.
	if _, err := client.Get(parent, "/ok", WithCallTimeout(0)); err != nil {
		t.Fatalf("Get() error: %v", err)
	}

	callCtx, ok := captured.Load().(context.Context)
	if !ok {
		t.Fatal("middleware never ran")
	}
	select {
	case <-callCtx.Done():
	default:
		t.Error("dispatch context still live after the call settled")
	}
	if parent.Err() != nil {
		t.Error("parent context was cancelled")
	}
}

func TestPerCallTimeoutIsRetryable(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			select {
			case <-time.After(5 * time.Second):
			case <-r.Context().Done():
				return
			}
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := testClient(server.URL, WithRetryPolicy(fastPolicy(1)))
	resp, err := client.Get(context.Background(), "/slow", WithCallTimeout(50*time.Millisecond))
	if err != nil {
		t.Fatalf("expected the timed-out attempt to be retried, got %v", err)
	}
	if resp.Attempts != 2 {
		t.Errorf("attempts = %d, want 2", resp.Attempts)
	}
}
