package apicore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"sync"
	"time"
)

// File describes an upload. Field is the multipart form field name, Name the
// file name sent to the server.
type File struct {
	Field  string
	Name   string
	Reader io.Reader
	Size   int64
}

// DefaultUploadRetryPolicy returns the shorter retry budget used for file
// uploads: 2 retries starting at 1s, doubling up to 10s.
func DefaultUploadRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:   2,
		InitialDelay: time.Second,
		MaxDelay:     10 * time.Second,
		Factor:       2.0,
	}
}

// Upload submits file and any extra form fields to path as multipart form
// data. A nil reader or empty file name is rejected immediately with a
// 400-class validation error, never dispatched. When a progress callback is
// registered via WithProgress it receives monotonically non-decreasing 0-100
// percentages derived from bytes actually handed to the transport, with 100
// guaranteed on completion; the guarantee holds across retries, which never
// report below the high-water mark of an earlier attempt.
func (c *Client) Upload(ctx context.Context, path string, file File, fields map[string]string, opts ...CallOption) (*Response, error) {
	if file.Reader == nil || file.Name == "" {
		return nil, &Error{
			Type:    TypeValidation,
			Status:  http.StatusBadRequest,
			Message: "no file supplied",
			Method:  http.MethodPost,
			URL:     path,
			Cause:   ErrNoFile,
		}
	}

	u, err := c.resolveURL(path)
	if err != nil {
		return nil, &Error{
			Type:    TypeValidation,
			Status:  http.StatusBadRequest,
			Message: "invalid request URL",
			Method:  http.MethodPost,
			URL:     path,
			Cause:   err,
		}
	}

	field := file.Field
	if field == "" {
		field = "file"
	}

	// The multipart body is buffered once so retries re-send identical bytes;
	// the file content is digested while buffering for the request key.
	var buf bytes.Buffer
	digest := sha256.New()
	writer := multipart.NewWriter(&buf)
	for k, v := range fields {
		if err := writer.WriteField(k, v); err != nil {
			return nil, &Error{Type: TypeValidation, Status: http.StatusBadRequest, Message: "building multipart form failed", Cause: err}
		}
	}
	part, err := writer.CreateFormFile(field, file.Name)
	if err != nil {
		return nil, &Error{Type: TypeValidation, Status: http.StatusBadRequest, Message: "building multipart form failed", Cause: err}
	}
	if _, err := io.Copy(part, io.TeeReader(file.Reader, digest)); err != nil {
		return nil, &Error{Type: TypeValidation, Status: http.StatusBadRequest, Message: "reading file failed", Cause: err}
	}
	if err := writer.Close(); err != nil {
		return nil, &Error{Type: TypeValidation, Status: http.StatusBadRequest, Message: "building multipart form failed", Cause: err}
	}

	co := c.newCallOptions(c.uploadRetry, opts)
	if co.progress != nil {
		co.progress = monotonicProgress(co.progress)
	}

	// The multipart boundary is random, so the request key is derived from
	// the stable upload identity plus the content digest instead of the body
	// bytes. Distinct contents must never collide on field/name alone.
	keyMaterial := []byte(fmt.Sprintf("%s\n%s\n%x", field, file.Name, digest.Sum(nil)))

	return c.dispatch(ctx, callSpec{
		method:      http.MethodPost,
		url:         u,
		body:        buf.Bytes(),
		contentType: writer.FormDataContentType(),
		keyMaterial: keyMaterial,
	}, co)
}

// monotonicProgress wraps a progress callback so percentages never regress.
// The reader below is rebuilt per attempt; this keeps the high-water mark
// across retries.
func monotonicProgress(fn ProgressFunc) ProgressFunc {
	var mu sync.Mutex
	last := -1
	return func(pct int) {
		mu.Lock()
		defer mu.Unlock()
		if pct <= last {
			return
		}
		last = pct
		fn(pct)
	}
}

// progressReader counts bytes read by the transport and reports integer
// percentages, once per change.
type progressReader struct {
	r        io.Reader
	total    int64
	read     int64
	lastPct  int
	callback ProgressFunc
}

func newProgressReader(r io.Reader, total int64, callback ProgressFunc) *progressReader {
	return &progressReader{r: r, total: total, lastPct: -1, callback: callback}
}

func (p *progressReader) Read(buf []byte) (int, error) {
	n, err := p.r.Read(buf)
	if n > 0 {
		p.read += int64(n)
		pct := int(p.read * 100 / p.total)
		if pct > 100 {
			pct = 100
		}
		if pct != p.lastPct {
			p.lastPct = pct
			p.callback(pct)
		}
	}
	if err == io.EOF && p.lastPct != 100 {
		p.lastPct = 100
		p.callback(100)
	}
	return n, err
}
