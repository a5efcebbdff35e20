package apicore

import (
	"encoding/json"
	"reflect"
	"strings"
	"time"
)

// Severity grades an error record.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Category describes where an error record originated.
type Category string

const (
	CategoryBoundary  Category = "boundary"
	CategoryAPI       Category = "api"
	CategoryUnhandled Category = "unhandled_rejection"
	CategoryNetwork   Category = "network"
	CategoryCustom    Category = "custom"
)

// Truncation limits applied when a record is created.
const (
	maxMessageLen        = 2000
	maxStackTraceLen     = 5000
	maxComponentTraceLen = 2000
)

// ErrorRecord is one captured runtime error. Records are created at the
// moment an error is observed, mutated only to set Resolved, and destroyed by
// retention-window pruning.
type ErrorRecord struct {
	ID             string         `json:"id" db:"id"`
	Message        string         `json:"message" db:"message"`
	StackTrace     string         `json:"stack_trace,omitempty" db:"stack_trace"`
	ComponentTrace string         `json:"component_trace,omitempty" db:"component_trace"`
	Timestamp      time.Time      `json:"timestamp" db:"timestamp"`
	Origin         string         `json:"origin" db:"origin"`
	Category       Category       `json:"category" db:"category"`
	UserID         string         `json:"user_id,omitempty" db:"user_id"`
	SessionID      string         `json:"session_id,omitempty" db:"session_id"`
	Severity       Severity       `json:"severity" db:"severity"`
	Context        map[string]any `json:"context,omitempty" db:"-"`
	Resolved       bool           `json:"resolved" db:"resolved"`
}

// ClassifySeverity derives a severity from the message by case-insensitive
// substring match: critical/fatal/uncaught are critical,
// network/timeout/connection high, warning low; anything else falls back to
// def (or medium when def is empty).
func ClassifySeverity(message string, def Severity) Severity {
	lower := strings.ToLower(message)
	switch {
	case containsAny(lower, "critical", "fatal", "uncaught"):
		return SeverityCritical
	case containsAny(lower, "network", "timeout", "connection"):
		return SeverityHigh
	case containsAny(lower, "warning"):
		return SeverityLow
	}
	if def != "" {
		return def
	}
	return SeverityMedium
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// truncateRunes cuts s to at most n runes.
func truncateRunes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}

// sanitizeContext returns a copy of m whose values are guaranteed to survive
// json.Marshal: functions and channels become placeholders, errors their
// string form, nested maps are sanitized recursively, and anything else that
// fails to serialize is replaced with a placeholder.
func sanitizeContext(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = sanitizeValue(v)
	}
	return out
}

func sanitizeValue(v any) any {
	switch val := v.(type) {
	case nil:
		return nil
	case string, bool,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64, time.Time, time.Duration:
		return val
	case error:
		return val.Error()
	case map[string]any:
		return sanitizeContext(val)
	}

	switch reflect.ValueOf(v).Kind() {
	case reflect.Func:
		return "[function]"
	case reflect.Chan:
		return "[channel]"
	}

	if _, err := json.Marshal(v); err != nil {
		return "[unserializable]"
	}
	return v
}
