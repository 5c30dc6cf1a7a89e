// Package audit persists per-request outcome records to SQLite and buffers
// writes behind an async logger so the request path never waits on the disk.
package audit

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"runtime"
	"strings"
	"time"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	proxy "github.com/lassohq/lasso/internal"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Store is the durable audit log, SQLite-backed with a single-writer
// connection and a multi-reader pool.
type Store struct {
	write *sql.DB
	read  *sql.DB
}

// NewStore opens the database at dsn, runs migrations, and returns the store.
// dsn ":memory:" uses a shared-cache in-memory database.
func NewStore(dsn string) (*Store, error) {
	pragmas := "_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(1)"

	var fullDSN string
	if dsn == ":memory:" {
		fullDSN = "file::memory:?mode=memory&cache=shared&" + pragmas
	} else {
		fullDSN = "file:" + dsn + "?" + pragmas
	}

	write, err := sql.Open("sqlite", fullDSN)
	if err != nil {
		return nil, fmt.Errorf("open write db: %w", err)
	}
	write.SetMaxOpenConns(1)

	read, err := sql.Open("sqlite", fullDSN)
	if err != nil {
		write.Close()
		return nil, fmt.Errorf("open read db: %w", err)
	}
	read.SetMaxOpenConns(max(4, runtime.NumCPU()))

	if err := runMigrations(write); err != nil {
		write.Close()
		read.Close()
		return nil, fmt.Errorf("migrations: %w", err)
	}
	return &Store{write: write, read: read}, nil
}

func runMigrations(db *sql.DB) error {
	fsys, err := fs.Sub(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("sub fs: %w", err)
	}
	provider, err := goose.NewProvider(goose.DialectSQLite3, db, fsys)
	if err != nil {
		return fmt.Errorf("create migration provider: %w", err)
	}
	_, err = provider.Up(context.Background())
	return err
}

// Ping verifies connectivity via the read pool.
func (s *Store) Ping(ctx context.Context) error {
	return s.read.PingContext(ctx)
}

// Close closes both connection pools.
func (s *Store) Close() error {
	return errors.Join(s.write.Close(), s.read.Close())
}

// Insert batch-inserts records in one multi-row statement.
func (s *Store) Insert(ctx context.Context, records []proxy.AuditRecord) error {
	if len(records) == 0 {
		return nil
	}
	placeholders := make([]string, len(records))
	args := make([]any, 0, len(records)*8)
	for i, r := range records {
		placeholders[i] = "(?, ?, ?, ?, ?, ?, ?, ?)"
		args = append(args,
			r.ID,
			r.Timestamp.UTC().Format(time.RFC3339Nano),
			r.Provider,
			nullString(r.AnonymizedPayload),
			string(r.Action),
			r.Endpoint,
			nullInt64(r.ResponseTimeMs),
			nullString(r.ErrorMessage),
		)
	}
	query := `INSERT INTO audit_log
		(id, timestamp, provider, anonymized_payload, action, endpoint, response_time_ms, error_message)
		VALUES ` + strings.Join(placeholders, ", ")
	_, err := s.write.ExecContext(ctx, query, args...)
	return err
}

const selectCols = `id, timestamp, provider, anonymized_payload, action, endpoint, response_time_ms, error_message`

// Recent returns the newest records, most recent first.
func (s *Store) Recent(ctx context.Context, limit int) ([]proxy.AuditRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.read.QueryContext(ctx,
		`SELECT `+selectCols+` FROM audit_log ORDER BY timestamp DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRecords(rows)
}

// ByAction returns the newest records with the given action.
func (s *Store) ByAction(ctx context.Context, action proxy.Action, limit int) ([]proxy.AuditRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.read.QueryContext(ctx,
		`SELECT `+selectCols+` FROM audit_log WHERE action = ? ORDER BY timestamp DESC LIMIT ?`,
		string(action), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRecords(rows)
}

// Stats aggregates record counts by action and provider.
func (s *Store) Stats(ctx context.Context) (proxy.AuditStats, error) {
	stats := proxy.AuditStats{
		ByAction:   make(map[string]int64),
		ByProvider: make(map[string]int64),
	}

	if err := s.read.QueryRowContext(ctx, `SELECT COUNT(*) FROM audit_log`).Scan(&stats.Total); err != nil {
		return stats, err
	}

	rows, err := s.read.QueryContext(ctx, `SELECT action, COUNT(*) FROM audit_log GROUP BY action`)
	if err != nil {
		return stats, err
	}
	defer rows.Close()
	for rows.Next() {
		var action string
		var n int64
		if err := rows.Scan(&action, &n); err != nil {
			return stats, err
		}
		stats.ByAction[action] = n
	}
	if err := rows.Err(); err != nil {
		return stats, err
	}

	prows, err := s.read.QueryContext(ctx, `SELECT provider, COUNT(*) FROM audit_log GROUP BY provider`)
	if err != nil {
		return stats, err
	}
	defer prows.Close()
	for prows.Next() {
		var provider string
		var n int64
		if err := prows.Scan(&provider, &n); err != nil {
			return stats, err
		}
		stats.ByProvider[provider] = n
	}
	return stats, prows.Err()
}

func scanRecords(rows *sql.Rows) ([]proxy.AuditRecord, error) {
	var out []proxy.AuditRecord
	for rows.Next() {
		var r proxy.AuditRecord
		var ts string
		var payload, errMsg sql.NullString
		var rt sql.NullInt64
		if err := rows.Scan(&r.ID, &ts, &r.Provider, &payload, (*string)(&r.Action), &r.Endpoint, &rt, &errMsg); err != nil {
			return nil, err
		}
		t, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, fmt.Errorf("parse timestamp %q: %w", ts, err)
		}
		r.Timestamp = t
		r.AnonymizedPayload = payload.String
		r.ErrorMessage = errMsg.String
		if rt.Valid {
			v := rt.Int64
			r.ResponseTimeMs = &v
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullInt64(p *int64) any {
	if p == nil {
		return nil
	}
	return *p
}
