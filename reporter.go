package apicore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Reporter defaults.
const (
	defaultBatchSize     = 10
	defaultMaxBatch      = 50
	defaultFlushInterval = 30 * time.Second
	defaultQueueLimit    = 100
	defaultRetention     = 30 * 24 * time.Hour
	defaultSummaryWindow = 7 * 24 * time.Hour
	followUpFlushDelay   = time.Second
	summarySelectLimit   = 1000
	maxTopSignatures     = 10
)

// Reporter is the batching error-reporting pipeline: it normalizes errors
// into ErrorRecords, queues them with bounds, and flushes batches to an
// ErrorSink on size, severity and timer triggers. Callers never block on the
// sink, and a failure to persist a record is only logged locally and retried
// on the next cycle.
//
// A Reporter is explicitly constructed and owned by the composing
// application; call Close for a final flush at shutdown.
type Reporter struct {
	sink ErrorSink

	enabled       bool
	batchSize     int
	maxBatch      int
	queueLimit    int
	flushInterval time.Duration
	retention     time.Duration

	logger  Logger
	metrics *MetricsCollector
	origin  string
	now     func() time.Time

	sessionID string

	mu      sync.Mutex
	queue   []*ErrorRecord
	dropped uint64
	closed  bool

	flushCh chan struct{}
	done    chan struct{}
	wg      sync.WaitGroup
}

// ReporterOption configures a Reporter at construction.
type ReporterOption func(*Reporter)

// WithEnabled is the single runtime-mode flag controlling whether the
// pipeline is active. A disabled Reporter is a no-op that returns an empty
// record ID from every report call.
func WithEnabled(enabled bool) ReporterOption {
	return func(r *Reporter) { r.enabled = enabled }
}

// WithBatchSize sets the queue length that triggers an immediate flush.
func WithBatchSize(n int) ReporterOption {
	return func(r *Reporter) {
		if n > 0 {
			r.batchSize = n
		}
	}
}

// WithMaxBatch sets the maximum records per sink write.
func WithMaxBatch(n int) ReporterOption {
	return func(r *Reporter) {
		if n > 0 {
			r.maxBatch = n
		}
	}
}

// WithFlushInterval sets the periodic flush interval.
func WithFlushInterval(d time.Duration) ReporterOption {
	return func(r *Reporter) {
		if d > 0 {
			r.flushInterval = d
		}
	}
}

// WithQueueLimit bounds the in-memory queue; beyond it the oldest record is
// dropped and counted.
func WithQueueLimit(n int) ReporterOption {
	return func(r *Reporter) {
		if n > 0 {
			r.queueLimit = n
		}
	}
}

// WithRetention sets the pruning retention window.
func WithRetention(d time.Duration) ReporterOption {
	return func(r *Reporter) {
		if d > 0 {
			r.retention = d
		}
	}
}

// WithReporterLogger sets the local diagnostic channel.
func WithReporterLogger(logger Logger) ReporterOption {
	return func(r *Reporter) { r.logger = logger }
}

// WithReporterMetrics sets the metrics collector for pipeline metrics.
func WithReporterMetrics(metrics *MetricsCollector) ReporterOption {
	return func(r *Reporter) { r.metrics = metrics }
}

// WithOrigin overrides the origin string stamped on every record.
func WithOrigin(origin string) ReporterOption {
	return func(r *Reporter) { r.origin = origin }
}

// WithClock injects a time source, for tests.
func WithClock(now func() time.Time) ReporterOption {
	return func(r *Reporter) { r.now = now }
}

// NewReporter constructs a Reporter flushing to sink. The pipeline is
// disabled unless WithEnabled(true) is supplied.
func NewReporter(sink ErrorSink, opts ...ReporterOption) *Reporter {
	hostname, _ := os.Hostname()
	r := &Reporter{
		sink:          sink,
		batchSize:     defaultBatchSize,
		maxBatch:      defaultMaxBatch,
		queueLimit:    defaultQueueLimit,
		flushInterval: defaultFlushInterval,
		retention:     defaultRetention,
		origin:        fmt.Sprintf("%s go/%s", hostname, GoVersion),
		now:           time.Now,
		sessionID:     uuid.NewString(),
		flushCh:       make(chan struct{}, 1),
		done:          make(chan struct{}),
	}

	for _, opt := range opts {
		opt(r)
	}

	if r.enabled {
		r.wg.Add(1)
		go r.worker()
	}

	return r
}

// Enabled reports whether the pipeline is active.
func (r *Reporter) Enabled() bool {
	return r.enabled
}

// SessionID returns the session identifier stamped on every record.
func (r *Reporter) SessionID() string {
	return r.sessionID
}

// QueueDepth returns the number of records waiting to be flushed.
func (r *Reporter) QueueDepth() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.queue)
}

// Dropped returns the number of records dropped due to queue bounds.
func (r *Reporter) Dropped() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}

// LogOption customizes one reported record.
type LogOption func(*logOptions)

type logOptions struct {
	severity       Severity
	category       Category
	context        map[string]any
	userID         string
	stack          string
	componentTrace string
}

// WithSeverity sets the record severity explicitly, overriding
// auto-classification.
func WithSeverity(s Severity) LogOption {
	return func(lo *logOptions) { lo.severity = s }
}

// WithCategory sets the record category.
func WithCategory(c Category) LogOption {
	return func(lo *logOptions) { lo.category = c }
}

// WithContext attaches contextual values to the record. Values are sanitized
// for serialization before queueing.
func WithContext(ctx map[string]any) LogOption {
	return func(lo *logOptions) {
		if lo.context == nil {
			lo.context = make(map[string]any, len(ctx))
		}
		for k, v := range ctx {
			lo.context[k] = v
		}
	}
}

// WithUser attaches the user ID to the record.
func WithUser(userID string) LogOption {
	return func(lo *logOptions) { lo.userID = userID }
}

// WithStack attaches a stack trace.
func WithStack(stack string) LogOption {
	return func(lo *logOptions) { lo.stack = stack }
}

// WithComponentTrace attaches a component trace.
func WithComponentTrace(trace string) LogOption {
	return func(lo *logOptions) { lo.componentTrace = trace }
}

// Report normalizes err into an ErrorRecord and queues it, returning the
// record ID, or "" when the pipeline is disabled or the message is empty.
// Normalized client errors contribute their status, attempt count and URL as
// context and default to the api/network categories.
func (r *Reporter) Report(err error, opts ...LogOption) string {
	if err == nil {
		return ""
	}

	lo := &logOptions{}
	var e *Error
	if errors.As(err, &e) {
		lo.category = CategoryAPI
		if e.Type == TypeNetwork || e.Type == TypeTimeout {
			lo.category = CategoryNetwork
		}
		lo.context = map[string]any{
			"error_type": string(e.Type),
		}
		if e.Status > 0 {
			lo.context["status"] = e.Status
		}
		if e.Attempts > 0 {
			lo.context["attempts"] = e.Attempts
		}
		if e.URL != "" {
			lo.context["url"] = e.URL
		}
	}
	for _, opt := range opts {
		opt(lo)
	}

	return r.log(err.Error(), lo)
}

// ReportMessage queues an ErrorRecord built from a plain message. An empty or
// whitespace-only message logs nothing and returns "".
func (r *Reporter) ReportMessage(message string, opts ...LogOption) string {
	lo := &logOptions{}
	for _, opt := range opts {
		opt(lo)
	}
	return r.log(message, lo)
}

func (r *Reporter) log(message string, lo *logOptions) string {
	if !r.enabled {
		return ""
	}
	if strings.TrimSpace(message) == "" {
		if r.logger != nil {
			r.logger.Warn("rejecting error report with empty message")
		}
		return ""
	}

	severity := lo.severity
	if severity == "" {
		severity = ClassifySeverity(message, SeverityMedium)
	}
	category := lo.category
	if category == "" {
		category = CategoryCustom
	}

	record := &ErrorRecord{
		ID:             uuid.NewString(),
		Message:        truncateRunes(message, maxMessageLen),
		StackTrace:     truncateRunes(lo.stack, maxStackTraceLen),
		ComponentTrace: truncateRunes(lo.componentTrace, maxComponentTraceLen),
		Timestamp:      r.now(),
		Origin:         r.origin,
		Category:       category,
		UserID:         lo.userID,
		SessionID:      r.sessionID,
		Severity:       severity,
		Context:        sanitizeContext(lo.context),
	}

	r.enqueue(record)
	return record.ID
}

func (r *Reporter) enqueue(record *ErrorRecord) {
	r.mu.Lock()
	if len(r.queue) >= r.queueLimit {
		r.queue = r.queue[1:]
		r.dropped++
		r.metrics.RecordErrorRecordDropped()
		if r.logger != nil {
			r.logger.Warn("error queue full, dropping oldest record", "queueLimit", r.queueLimit)
		}
	}
	r.queue = append(r.queue, record)
	depth := len(r.queue)
	r.mu.Unlock()

	r.metrics.RecordErrorQueueDepth(depth)

	if depth >= r.batchSize || record.Severity == SeverityCritical {
		r.signalFlush()
	}
}

// signalFlush is non-blocking and coalesced; callers never wait on the sink.
func (r *Reporter) signalFlush() {
	select {
	case r.flushCh <- struct{}{}:
	default:
	}
}

func (r *Reporter) worker() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.done:
			return
		case <-ticker.C:
			_ = r.Flush(context.Background())
		case <-r.flushCh:
			_ = r.Flush(context.Background())
		}
	}
}

// Flush sends at most one batch (maxBatch records) to the sink. On sink
// failure the batch is re-queued at the front for a later retry. When more
// records remain after a successful write, a follow-up flush is scheduled
// after a short delay rather than draining in one burst.
func (r *Reporter) Flush(ctx context.Context) error {
	r.mu.Lock()
	if len(r.queue) == 0 {
		r.mu.Unlock()
		return nil
	}
	n := len(r.queue)
	if n > r.maxBatch {
		n = r.maxBatch
	}
	batch := make([]*ErrorRecord, n)
	copy(batch, r.queue[:n])
	rest := make([]*ErrorRecord, len(r.queue)-n)
	copy(rest, r.queue[n:])
	r.queue = rest
	remaining := len(r.queue)
	r.mu.Unlock()

	if err := r.sink.Insert(ctx, batch); err != nil {
		r.metrics.RecordErrorFlush("error")
		if r.logger != nil {
			r.logger.Warn("error flush failed, re-queueing batch", "records", len(batch), "error", err.Error())
		}
		r.mu.Lock()
		r.queue = append(batch, r.queue...)
		for len(r.queue) > r.queueLimit {
			r.queue = r.queue[:len(r.queue)-1]
			r.dropped++
			r.metrics.RecordErrorRecordDropped()
		}
		depth := len(r.queue)
		r.mu.Unlock()
		r.metrics.RecordErrorQueueDepth(depth)
		return err
	}

	r.metrics.RecordErrorFlush("ok")
	r.metrics.RecordErrorQueueDepth(remaining)
	if r.logger != nil {
		r.logger.Debug("flushed error records", "records", len(batch), "remaining", remaining)
	}

	if remaining > 0 {
		time.AfterFunc(followUpFlushDelay, r.signalFlush)
	}
	return nil
}

// SignatureCount is one aggregated error signature: the first line of the
// message, how often it occurred, and when it was last seen.
type SignatureCount struct {
	Signature string
	Count     int
	LastSeen  time.Time
}

// ErrorSummary aggregates records over a trailing window.
type ErrorSummary struct {
	Total      int
	ByCategory map[Category]int
	BySeverity map[Severity]int
	Top        []SignatureCount
	Recent     []*ErrorRecord
}

// Summary aggregates sink records over the trailing window (default 7 days
// when window <= 0): totals, counts by category and severity, the most
// frequent signatures and the recentN newest records.
func (r *Reporter) Summary(ctx context.Context, window time.Duration, recentN int) (*ErrorSummary, error) {
	if window <= 0 {
		window = defaultSummaryWindow
	}

	records, err := r.sink.Select(ctx, r.now().Add(-window), summarySelectLimit)
	if err != nil {
		return nil, fmt.Errorf("selecting error records: %w", err)
	}

	summary := &ErrorSummary{
		Total:      len(records),
		ByCategory: make(map[Category]int),
		BySeverity: make(map[Severity]int),
	}

	type agg struct {
		count    int
		lastSeen time.Time
	}
	signatures := make(map[string]*agg)

	for _, rec := range records {
		summary.ByCategory[rec.Category]++
		summary.BySeverity[rec.Severity]++

		sig, _, _ := strings.Cut(rec.Message, "\n")
		a, ok := signatures[sig]
		if !ok {
			a = &agg{}
			signatures[sig] = a
		}
		a.count++
		if rec.Timestamp.After(a.lastSeen) {
			a.lastSeen = rec.Timestamp
		}
	}

	for sig, a := range signatures {
		summary.Top = append(summary.Top, SignatureCount{Signature: sig, Count: a.count, LastSeen: a.lastSeen})
	}
	sort.Slice(summary.Top, func(i, j int) bool {
		if summary.Top[i].Count != summary.Top[j].Count {
			return summary.Top[i].Count > summary.Top[j].Count
		}
		return summary.Top[i].LastSeen.After(summary.Top[j].LastSeen)
	})
	if len(summary.Top) > maxTopSignatures {
		summary.Top = summary.Top[:maxTopSignatures]
	}

	if recentN > 0 {
		if recentN > len(records) {
			recentN = len(records)
		}
		summary.Recent = records[:recentN]
	}

	return summary, nil
}

// Resolve marks the record with the given ID resolved in the sink.
func (r *Reporter) Resolve(ctx context.Context, id string) error {
	return r.sink.MarkResolved(ctx, id)
}

// Prune removes sink records older than the retention window.
func (r *Reporter) Prune(ctx context.Context) (int64, error) {
	return r.sink.DeleteBefore(ctx, r.now().Add(-r.retention))
}

// Recover reports a panic as a critical boundary error when deferred at a
// call boundary:
//
//	defer reporter.Recover()
//
// When the pipeline is disabled the panic propagates untouched.
func (r *Reporter) Recover() {
	if !r.enabled {
		return
	}
	if rec := recover(); rec != nil {
		r.ReportMessage(fmt.Sprintf("uncaught panic: %v", rec),
			WithCategory(CategoryBoundary),
			WithSeverity(SeverityCritical),
			WithStack(string(debug.Stack())),
		)
	}
}

// Go runs fn in a goroutine and reports any panic as a high-severity
// unhandled rejection instead of crashing the process. When the pipeline is
// disabled fn runs as a plain goroutine and a panic propagates, matching
// Recover: disabling reporting never swallows a crash silently.
func (r *Reporter) Go(fn func()) {
	go func() {
		if r.enabled {
			defer func() {
				if rec := recover(); rec != nil {
					r.ReportMessage(fmt.Sprintf("unhandled panic in background task: %v", rec),
						WithCategory(CategoryUnhandled),
						WithSeverity(SeverityHigh),
						WithStack(string(debug.Stack())),
					)
				}
			}()
		}
		fn()
	}()
}

// Close stops the flush worker and performs a final drain of the queue. It
// is safe to call more than once.
func (r *Reporter) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	if r.enabled {
		close(r.done)
		r.wg.Wait()
	}

	for {
		r.mu.Lock()
		pending := len(r.queue)
		r.mu.Unlock()
		if pending == 0 {
			return nil
		}
		if err := r.Flush(ctx); err != nil {
			return err
		}
	}
}
