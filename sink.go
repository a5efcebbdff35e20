package apicore

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"sync"
	"time"
)

// ErrorSink is the remote store error records are flushed to. Implementations
// must be safe for concurrent use.
type ErrorSink interface {
	// Insert writes a batch of records.
	Insert(ctx context.Context, records []*ErrorRecord) error
	// MarkResolved sets the resolved flag on one record.
	MarkResolved(ctx context.Context, id string) error
	// DeleteBefore removes records older than cutoff, returning how many
	// were removed (-1 when the sink cannot count).
	DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error)
	// Select returns records with Timestamp >= since, newest first, at most
	// limit.
	Select(ctx context.Context, since time.Time, limit int) ([]*ErrorRecord, error)
}

// MemorySink is an in-memory ErrorSink for tests and development.
type MemorySink struct {
	mu      sync.Mutex
	records []*ErrorRecord
}

// NewMemorySink returns an empty in-memory sink.
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

// Insert appends copies of records.
func (s *MemorySink) Insert(_ context.Context, records []*ErrorRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range records {
		cp := *r
		s.records = append(s.records, &cp)
	}
	return nil
}

// MarkResolved sets the resolved flag on the record with the given ID.
func (s *MemorySink) MarkResolved(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.records {
		if r.ID == id {
			r.Resolved = true
			return nil
		}
	}
	return fmt.Errorf("record %s not found", id)
}

// DeleteBefore removes records older than cutoff.
func (s *MemorySink) DeleteBefore(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.records[:0]
	var removed int64
	for _, r := range s.records {
		if r.Timestamp.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, r)
	}
	s.records = kept
	return removed, nil
}

// Select returns records since the given time, newest first.
func (s *MemorySink) Select(_ context.Context, since time.Time, limit int) ([]*ErrorRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*ErrorRecord, 0, len(s.records))
	for _, r := range s.records {
		if !r.Timestamp.Before(since) {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Len returns the number of stored records.
func (s *MemorySink) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// HTTPSink persists records to a PostgREST-style REST table endpoint, riding
// the apicore Client itself. Inserts run with retry disabled since the
// pipeline owns re-delivery.
type HTTPSink struct {
	client *Client
	table  string
}

// NewHTTPSink returns a sink writing to the named table through client.
func NewHTTPSink(client *Client, table string) *HTTPSink {
	return &HTTPSink{client: client, table: table}
}

// Insert POSTs the batch as a JSON array.
func (s *HTTPSink) Insert(ctx context.Context, records []*ErrorRecord) error {
	_, err := s.client.Post(ctx, "/"+s.table, records,
		WithNoRetry(),
		WithNoDedup(),
		WithCallHeader("Prefer", "return=minimal"),
	)
	return err
}

// MarkResolved PATCHes the resolved flag by ID.
func (s *HTTPSink) MarkResolved(ctx context.Context, id string) error {
	path := fmt.Sprintf("/%s?id=eq.%s", s.table, url.QueryEscape(id))
	_, err := s.client.Patch(ctx, path, map[string]any{"resolved": true}, WithNoDedup())
	return err
}

// DeleteBefore issues a range delete by age. The REST protocol does not
// report a count without extra representation headers, so -1 is returned.
func (s *HTTPSink) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	path := fmt.Sprintf("/%s?timestamp=lt.%s", s.table, url.QueryEscape(cutoff.UTC().Format(time.RFC3339Nano)))
	_, err := s.client.Delete(ctx, path, WithNoDedup())
	if err != nil {
		return 0, err
	}
	return -1, nil
}

// Select fetches records since the given time, newest first.
func (s *HTTPSink) Select(ctx context.Context, since time.Time, limit int) ([]*ErrorRecord, error) {
	path := fmt.Sprintf("/%s?timestamp=gte.%s&order=timestamp.desc&limit=%d",
		s.table, url.QueryEscape(since.UTC().Format(time.RFC3339Nano)), limit)
	resp, err := s.client.Get(ctx, path, WithNoDedup(), WithNoCache())
	if err != nil {
		return nil, err
	}
	var records []*ErrorRecord
	if err := resp.JSON(&records); err != nil {
		return nil, fmt.Errorf("decoding error records: %w", err)
	}
	return records, nil
}
