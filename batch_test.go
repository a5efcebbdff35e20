package apicore

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"
)

func TestBatchEmptyInput(t *testing.T) {
	client := testClient("https://api.example.com")

	results := client.Batch(context.Background(), nil)
	if results == nil {
		t.Fatal("Batch(nil) returned nil, want empty slice")
	}
	if len(results) != 0 {
		t.Errorf("len(results) = %d, want 0", len(results))
	}

	results = client.Batch(context.Background(), []BatchRequest{})
	if results == nil || len(results) != 0 {
		t.Errorf("Batch(empty) = %v, want empty non-nil slice", results)
	}
}

func TestBatchPreservesOrder(t *testing.T) {
	// Later entries respond faster than earlier ones, so completion order is
	// the reverse of input order.
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		idx, _ := strconv.Atoi(strings.TrimPrefix(r.URL.Path, "/item/"))
		time.Sleep(time.Duration(5-idx) * 20 * time.Millisecond)
		_, _ = fmt.Fprintf(w, `{"index":%d}`, idx)
	}))
	defer server.Close()

	client := testClient(server.URL)

	var reqs []BatchRequest
	for i := 0; i < 5; i++ {
		reqs = append(reqs, BatchRequest{Method: "GET", URL: fmt.Sprintf("/item/%d", i)})
	}

	results := client.Batch(context.Background(), reqs)
	if len(results) != 5 {
		t.Fatalf("len(results) = %d, want 5", len(results))
	}

	for i, res := range results {
		if res.Err != nil {
			t.Fatalf("results[%d] error: %v", i, res.Err)
		}
		var body struct {
			Index int `json:"index"`
		}
		if err := res.Response.JSON(&body); err != nil {
			t.Fatalf("results[%d] decode: %v", i, err)
		}
		if body.Index != i {
			t.Errorf("results[%d] carries response for entry %d", i, body.Index)
		}
	}
}

func TestBatchMalformedEntriesResolveInline(t *testing.T) {
	var calls int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := testClient(server.URL)

	results := client.Batch(context.Background(), []BatchRequest{
		{Method: "GET", URL: "/ok"},
		{Method: "GET", URL: ""},
		{Method: "TRACE", URL: "/nope"},
	})

	if results[0].Err != nil {
		t.Errorf("valid entry failed: %v", results[0].Err)
	}

	var e *Error
	if !errors.As(results[1].Err, &e) || e.Type != TypeValidation || e.Status != http.StatusBadRequest {
		t.Errorf("missing URL entry = %v, want Validation/400", results[1].Err)
	}
	if !errors.As(results[2].Err, &e) || e.Type != TypeValidation || e.Status != http.StatusMethodNotAllowed {
		t.Errorf("unsupported method entry = %v, want Validation/405", results[2].Err)
	}

	if calls != 1 {
		t.Errorf("server saw %d calls, want 1 (malformed entries must not dispatch)", calls)
	}
}

func TestBatchPartialFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/bad" {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := testClient(server.URL)

	results := client.Batch(context.Background(), []BatchRequest{
		{Method: "GET", URL: "/good"},
		{Method: "GET", URL: "/bad"},
	})

	if results[0].Err != nil {
		t.Errorf("healthy entry failed: %v", results[0].Err)
	}

	var e *Error
	if !errors.As(results[1].Err, &e) || e.Type != TypeServer {
		t.Errorf("failing entry = %v, want Server error", results[1].Err)
	}
	// Batch entries run without retry by default.
	if e != nil && e.Attempts != 1 {
		t.Errorf("failing entry attempts = %d, want 1", e.Attempts)
	}
}
