package apicore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"sync"
)

// RequestKey derives a deterministic key from method, normalized URL and
// serialized body. Two logically distinct requests never collide; retries of
// the same logical request always map to the same key.
func RequestKey(method, rawURL string, body []byte) string {
	normalized := rawURL
	if u, err := url.Parse(rawURL); err == nil {
		u.RawQuery = u.Query().Encode() // re-encode sorted
		normalized = u.String()
	}

	bodySum := sha256.Sum256(body)

	h := sha256.New()
	h.Write([]byte(method))
	h.Write([]byte{'\n'})
	h.Write([]byte(normalized))
	h.Write([]byte{'\n'})
	h.Write(bodySum[:])
	return hex.EncodeToString(h.Sum(nil))
}

// PendingRequest is a tracked in-flight request. Owned exclusively by the
// RequestTracker from dispatch to settlement.
type PendingRequest struct {
	key    string
	cancel context.CancelCauseFunc
}

// RequestTracker maps request keys to in-flight requests so that a later
// dispatch of the same logical request supersedes (cancels) an earlier
// pending one.
type RequestTracker struct {
	mu      sync.Mutex
	pending map[string]*PendingRequest
}

// NewRequestTracker returns an empty tracker.
func NewRequestTracker() *RequestTracker {
	return &RequestTracker{pending: make(map[string]*PendingRequest)}
}

// Register installs a new in-flight request under key. An existing entry for
// the same key is cancelled with ErrSuperseded and replaced; superseded
// reports whether that happened.
func (t *RequestTracker) Register(key string, cancel context.CancelCauseFunc) (p *PendingRequest, superseded bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if prev, ok := t.pending[key]; ok {
		prev.cancel(ErrSuperseded)
		superseded = true
	}

	p = &PendingRequest{key: key, cancel: cancel}
	t.pending[key] = p
	return p, superseded
}

// Settle removes p from the tracker if it is still the current entry for its
// key. A superseding request must not be removed by the loser, so removal is
// guarded by identity.
func (t *RequestTracker) Settle(p *PendingRequest) {
	if p == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if cur, ok := t.pending[p.key]; ok && cur == p {
		delete(t.pending, p.key)
	}
}

// Cancel cancels the in-flight request registered under key, if any.
func (t *RequestTracker) Cancel(key string, reason error) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.pending[key]
	if !ok {
		return false
	}
	p.cancel(reason)
	delete(t.pending, key)
	return true
}

// CancelAll cancels every tracked request and clears the registry, returning
// the number cancelled. Used at shutdown or navigation boundaries.
func (t *RequestTracker) CancelAll(reason error) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := len(t.pending)
	for key, p := range t.pending {
		p.cancel(reason)
		delete(t.pending, key)
	}
	return n
}

// Pending returns the number of currently tracked requests.
func (t *RequestTracker) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// CancelHandle is a minimal cancellation handle decoupled from any specific
// transport: Cancel aborts the bound request with the given reason,
// IsCancelled and Reason expose the state. A handle may be cancelled before
// the request dispatches, in which case the call aborts immediately.
type CancelHandle struct {
	mu        sync.Mutex
	cancelled bool
	reason    error
	cancel    context.CancelCauseFunc
}

// NewCancelHandle returns an unbound handle.
func NewCancelHandle() *CancelHandle {
	return &CancelHandle{}
}

// Cancel aborts the bound request. A nil reason is recorded as
// context.Canceled. Subsequent calls are no-ops.
func (h *CancelHandle) Cancel(reason error) {
	if reason == nil {
		reason = context.Canceled
	}
	h.mu.Lock()
	if h.cancelled {
		h.mu.Unlock()
		return
	}
	h.cancelled = true
	h.reason = reason
	cancel := h.cancel
	h.mu.Unlock()

	if cancel != nil {
		cancel(reason)
	}
}

// IsCancelled reports whether Cancel has been called.
func (h *CancelHandle) IsCancelled() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cancelled
}

// Reason returns the cancellation reason, or nil if not cancelled.
func (h *CancelHandle) Reason() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.reason
}

// bind attaches the handle to a dispatched request's cancel function. If the
// handle was cancelled before dispatch the request is cancelled immediately.
func (h *CancelHandle) bind(cancel context.CancelCauseFunc) {
	h.mu.Lock()
	h.cancel = cancel
	cancelled, reason := h.cancelled, h.reason
	h.mu.Unlock()

	if cancelled {
		cancel(reason)
	}
}
