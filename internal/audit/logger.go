package audit

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	proxy "github.com/lassohq/lasso/internal"
)

const (
	logChanSize   = 1000
	logBatchSize  = 100
	logFlushEvery = 5 * time.Second
	logDrainTime  = 30 * time.Second
)

// Inserter is the persistence surface the Logger flushes to.
type Inserter interface {
	Insert(ctx context.Context, records []proxy.AuditRecord) error
}

// Logger buffers audit records and batch-flushes them to the store. Log never
// blocks the request path; records are dropped when the buffer is full.
type Logger struct {
	ch      chan proxy.AuditRecord
	store   Inserter
	dropped atomic.Int64
	flushed atomic.Int64
}

// NewLogger creates a Logger backed by store.
func NewLogger(store Inserter) *Logger {
	return &Logger{
		ch:    make(chan proxy.AuditRecord, logChanSize),
		store: store,
	}
}

// Name returns the worker identifier.
func (l *Logger) Name() string { return "audit_logger" }

// Log enqueues a record, assigning id and timestamp if unset. It never
// blocks; on a full buffer the record is dropped and counted.
func (l *Logger) Log(r proxy.AuditRecord) {
	if r.ID == "" {
		r.ID = uuid.Must(uuid.NewV7()).String()
	}
	if r.Timestamp.IsZero() {
		r.Timestamp = time.Now().UTC()
	}
	select {
	case l.ch <- r:
	default:
		l.dropped.Add(1)
		slog.Warn("audit record dropped, buffer full", "action", string(r.Action))
	}
}

// Dropped returns the number of records lost to a full buffer.
func (l *Logger) Dropped() int64 { return l.dropped.Load() }

// QueueLen returns the number of buffered, unflushed records.
func (l *Logger) QueueLen() int { return len(l.ch) }

// Run flushes batches until ctx is cancelled, then drains the buffer with a
// bounded timeout. Audit writes are never cancelled with the request.
func (l *Logger) Run(ctx context.Context) error {
	ticker := time.NewTicker(logFlushEvery)
	defer ticker.Stop()

	buf := make([]proxy.AuditRecord, 0, logBatchSize)

	for {
		select {
		case r := <-l.ch:
			buf = append(buf, r)
			if len(buf) >= logBatchSize {
				l.flush(ctx, buf)
				buf = buf[:0]
			}

		case <-ticker.C:
			if len(buf) > 0 {
				l.flush(ctx, buf)
				buf = buf[:0]
			}

		case <-ctx.Done():
			l.drainInto(buf)
			return nil
		}
	}
}

// Flush synchronously drains and persists everything currently buffered.
// Tests and shutdown paths use it; the request path never does.
func (l *Logger) Flush(ctx context.Context) {
	buf := make([]proxy.AuditRecord, 0, logBatchSize)
	for {
		select {
		case r := <-l.ch:
			buf = append(buf, r)
			if len(buf) >= logBatchSize {
				l.flush(ctx, buf)
				buf = buf[:0]
			}
		default:
			if len(buf) > 0 {
				l.flush(ctx, buf)
			}
			return
		}
	}
}

func (l *Logger) drainInto(buf []proxy.AuditRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), logDrainTime)
	defer cancel()
	for {
		select {
		case r := <-l.ch:
			buf = append(buf, r)
			if len(buf) >= logBatchSize {
				l.flush(ctx, buf)
				buf = buf[:0]
			}
		default:
			if len(buf) > 0 {
				l.flush(ctx, buf)
			}
			return
		}
	}
}

func (l *Logger) flush(ctx context.Context, buf []proxy.AuditRecord) {
	batch := make([]proxy.AuditRecord, len(buf))
	copy(batch, buf)

	if err := l.store.Insert(ctx, batch); err != nil {
		slog.LogAttrs(ctx, slog.LevelError, "audit flush failed",
			slog.Int("count", len(batch)),
			slog.String("error", err.Error()),
		)
		return
	}
	l.flushed.Add(int64(len(batch)))
}
