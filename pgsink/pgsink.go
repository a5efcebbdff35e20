// Package pgsink provides a PostgreSQL-backed ErrorSink using sqlx with the
// lib/pq driver.
package pgsink

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/Jayant71/apicore"
)

const defaultTable = "error_logs"

var identPattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Sink persists error records in a PostgreSQL table.
type Sink struct {
	db    *sqlx.DB
	table string
}

// Open connects to PostgreSQL, applies pool tuning and verifies the
// connection.
func Open(ctx context.Context, url string) (*sqlx.DB, error) {
	db, err := sqlx.Open("postgres", url)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(time.Hour)
	db.SetConnMaxIdleTime(30 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return db, nil
}

// New returns a sink writing to the named table (default "error_logs").
func New(db *sqlx.DB, table string) (*Sink, error) {
	if table == "" {
		table = defaultTable
	}
	if !identPattern.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &Sink{db: db, table: table}, nil
}

// EnsureSchema creates the error table and its timestamp index if missing.
func (s *Sink) EnsureSchema(ctx context.Context) error {
	schema := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %[1]s (
			id              TEXT PRIMARY KEY,
			message         TEXT NOT NULL,
			stack_trace     TEXT NOT NULL DEFAULT '',
			component_trace TEXT NOT NULL DEFAULT '',
			timestamp       TIMESTAMPTZ NOT NULL,
			origin          TEXT NOT NULL DEFAULT '',
			category        TEXT NOT NULL,
			user_id         TEXT NOT NULL DEFAULT '',
			session_id      TEXT NOT NULL DEFAULT '',
			severity        TEXT NOT NULL,
			context         JSONB,
			resolved        BOOLEAN NOT NULL DEFAULT FALSE
		);
		CREATE INDEX IF NOT EXISTS %[1]s_timestamp_idx ON %[1]s (timestamp);
	`, s.table)

	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to ensure schema: %w", err)
	}
	return nil
}

type recordRow struct {
	ID             string    `db:"id"`
	Message        string    `db:"message"`
	StackTrace     string    `db:"stack_trace"`
	ComponentTrace string    `db:"component_trace"`
	Timestamp      time.Time `db:"timestamp"`
	Origin         string    `db:"origin"`
	Category       string    `db:"category"`
	UserID         string    `db:"user_id"`
	SessionID      string    `db:"session_id"`
	Severity       string    `db:"severity"`
	Context        []byte    `db:"context"`
	Resolved       bool      `db:"resolved"`
}

func toRow(rec *apicore.ErrorRecord) (*recordRow, error) {
	var contextJSON []byte
	if rec.Context != nil {
		data, err := json.Marshal(rec.Context)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal record context: %w", err)
		}
		contextJSON = data
	}
	return &recordRow{
		ID:             rec.ID,
		Message:        rec.Message,
		StackTrace:     rec.StackTrace,
		ComponentTrace: rec.ComponentTrace,
		Timestamp:      rec.Timestamp,
		Origin:         rec.Origin,
		Category:       string(rec.Category),
		UserID:         rec.UserID,
		SessionID:      rec.SessionID,
		Severity:       string(rec.Severity),
		Context:        contextJSON,
		Resolved:       rec.Resolved,
	}, nil
}

func (row *recordRow) toRecord() (*apicore.ErrorRecord, error) {
	var recCtx map[string]any
	if len(row.Context) > 0 {
		if err := json.Unmarshal(row.Context, &recCtx); err != nil {
			return nil, fmt.Errorf("failed to unmarshal record context: %w", err)
		}
	}
	return &apicore.ErrorRecord{
		ID:             row.ID,
		Message:        row.Message,
		StackTrace:     row.StackTrace,
		ComponentTrace: row.ComponentTrace,
		Timestamp:      row.Timestamp,
		Origin:         row.Origin,
		Category:       apicore.Category(row.Category),
		UserID:         row.UserID,
		SessionID:      row.SessionID,
		Severity:       apicore.Severity(row.Severity),
		Context:        recCtx,
		Resolved:       row.Resolved,
	}, nil
}

// Insert writes the batch inside one transaction.
func (s *Sink) Insert(ctx context.Context, records []*apicore.ErrorRecord) error {
	if len(records) == 0 {
		return nil
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := fmt.Sprintf(`
		INSERT INTO %s (id, message, stack_trace, component_trace, timestamp,
			origin, category, user_id, session_id, severity, context, resolved)
		VALUES (:id, :message, :stack_trace, :component_trace, :timestamp,
			:origin, :category, :user_id, :session_id, :severity, :context, :resolved)
		ON CONFLICT (id) DO NOTHING
	`, s.table)

	for _, rec := range records {
		row, err := toRow(rec)
		if err != nil {
			return err
		}
		if _, err := tx.NamedExecContext(ctx, query, row); err != nil {
			return fmt.Errorf("failed to insert error record: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

// MarkResolved sets the resolved flag by ID.
func (s *Sink) MarkResolved(ctx context.Context, id string) error {
	query := fmt.Sprintf(`UPDATE %s SET resolved = TRUE WHERE id = $1`, s.table)
	res, err := s.db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("failed to mark record resolved: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// DeleteBefore removes records older than cutoff.
func (s *Sink) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	query := fmt.Sprintf(`DELETE FROM %s WHERE timestamp < $1`, s.table)
	res, err := s.db.ExecContext(ctx, query, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete error records: %w", err)
	}
	return res.RowsAffected()
}

// Select returns records since the given time, newest first, at most limit.
func (s *Sink) Select(ctx context.Context, since time.Time, limit int) ([]*apicore.ErrorRecord, error) {
	query := fmt.Sprintf(`
		SELECT id, message, stack_trace, component_trace, timestamp,
			origin, category, user_id, session_id, severity, context, resolved
		FROM %s
		WHERE timestamp >= $1
		ORDER BY timestamp DESC
		LIMIT $2
	`, s.table)

	var rows []recordRow
	if err := s.db.SelectContext(ctx, &rows, query, since, limit); err != nil {
		return nil, fmt.Errorf("failed to select error records: %w", err)
	}

	records := make([]*apicore.ErrorRecord, 0, len(rows))
	for i := range rows {
		rec, err := rows[i].toRecord()
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}
