package pgsink

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/Jayant71/apicore"
)

func TestNewValidatesTableName(t *testing.T) {
	if _, err := New(nil, "error_logs"); err != nil {
		t.Errorf("valid table name rejected: %v", err)
	}

	sink, err := New(nil, "")
	if err != nil {
		t.Fatalf("default table rejected: %v", err)
	}
	if sink.table != defaultTable {
		t.Errorf("table = %q, want %q", sink.table, defaultTable)
	}

	for _, bad := range []string{"err-logs", "1table", "logs; DROP TABLE x", "a b"} {
		if _, err := New(nil, bad); err == nil {
			t.Errorf("table name %q accepted", bad)
		}
	}
}

func TestRowRoundTrip(t *testing.T) {
	rec := &apicore.ErrorRecord{
		ID:             "rec-1",
		Message:        "timeout calling /students",
		StackTrace:     "stack",
		ComponentTrace: "component",
		Timestamp:      time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC),
		Origin:         "host go/go1.24",
		Category:       apicore.CategoryNetwork,
		UserID:         "user-1",
		SessionID:      "session-1",
		Severity:       apicore.SeverityHigh,
		Context:        map[string]any{"status": float64(503), "url": "https://x/y"},
		Resolved:       true,
	}

	row, err := toRow(rec)
	if err != nil {
		t.Fatalf("toRow: %v", err)
	}
	got, err := row.toRecord()
	if err != nil {
		t.Fatalf("toRecord: %v", err)
	}

	if diff := cmp.Diff(rec, got); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestRowNilContext(t *testing.T) {
	row, err := toRow(&apicore.ErrorRecord{ID: "1", Message: "boom"})
	if err != nil {
		t.Fatalf("toRow: %v", err)
	}
	if row.Context != nil {
		t.Errorf("nil context serialized to %q", row.Context)
	}

	got, err := row.toRecord()
	if err != nil {
		t.Fatalf("toRecord: %v", err)
	}
	if got.Context != nil {
		t.Errorf("nil context round-tripped to %v", got.Context)
	}
}
