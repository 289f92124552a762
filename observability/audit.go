// Package observability keeps the SQLite audit trail of find/replace
// operations: one row per RunOperation with its counts, completeness and
// timing. Writes are batched off the request path.
package observability

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hazyhaar/docreplace/idgen"
)

// Entry statuses.
const (
	StatusSuccess    = "success"
	StatusIncomplete = "incomplete"
	StatusError      = "error"
)

// Entry is one operation in the audit trail.
type Entry struct {
	EntryID   string    `json:"entry_id"`
	Timestamp time.Time `json:"timestamp"`

	Identity   string `json:"identity,omitempty"`
	RunID      string `json:"run_id,omitempty"`
	RequestID  string `json:"request_id,omitempty"`
	Transport  string `json:"transport,omitempty"`
	RemoteAddr string `json:"remote_addr,omitempty"`

	Action     string `json:"action"`
	URL        string `json:"url,omitempty"`
	Parameters string `json:"parameters,omitempty"` // JSON

	Original   int   `json:"original"`
	Replaced   int   `json:"replaced"`
	Received   int   `json:"received"`
	Expected   int   `json:"expected"`
	DurationMs int64 `json:"duration_ms"`

	Status       string `json:"status"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// Filter selects entries from the trail. Zero fields match everything.
type Filter struct {
	Since  time.Time
	Action string
	Status string
	RunID  string
	Limit  int // default 100
}

// AuditLogger persists entries asynchronously.
type AuditLogger struct {
	db     *sql.DB
	newID  idgen.Generator
	logger *slog.Logger
	ch     chan *Entry
	stop   chan struct{}
	done   chan struct{}
	flush  time.Duration
	once   sync.Once
}

// AuditOption configures an AuditLogger.
type AuditOption func(*AuditLogger)

// WithIDGenerator sets the generator for entry IDs.
func WithIDGenerator(gen idgen.Generator) AuditOption {
	return func(a *AuditLogger) { a.newID = gen }
}

// WithFlushInterval sets how often queued entries are written.
func WithFlushInterval(d time.Duration) AuditOption {
	return func(a *AuditLogger) { a.flush = d }
}

// WithLogger sets the logger for write failures.
func WithLogger(l *slog.Logger) AuditOption {
	return func(a *AuditLogger) { a.logger = l }
}

// NewAuditLogger starts an async logger over db, which must carry Schema.
func NewAuditLogger(db *sql.DB, bufferSize int, opts ...AuditOption) *AuditLogger {
	a := &AuditLogger{
		db:     db,
		newID:  idgen.Prefixed("op_", idgen.Default),
		logger: slog.Default(),
		ch:     make(chan *Entry, bufferSize),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
		flush:  2 * time.Second,
	}
	for _, o := range opts {
		o(a)
	}
	go a.flushLoop()
	return a
}

// NewEntry builds an entry for an operation. params is marshalled to JSON.
// A non-nil err sets StatusError; otherwise complete picks success or
// incomplete.
func NewEntry(action string, params any, complete bool, err error, duration time.Duration) *Entry {
	e := &Entry{
		Timestamp:  time.Now(),
		Action:     action,
		DurationMs: duration.Milliseconds(),
	}
	if params != nil {
		if b, mErr := json.Marshal(params); mErr == nil {
			e.Parameters = string(b)
		}
	}
	switch {
	case err != nil:
		e.Status = StatusError
		e.ErrorMessage = err.Error()
	case complete:
		e.Status = StatusSuccess
	default:
		e.Status = StatusIncomplete
	}
	return e
}

// Log inserts an entry synchronously.
func (a *AuditLogger) Log(ctx context.Context, e *Entry) error {
	a.fillDefaults(e)
	return a.insert(ctx, a.db, e)
}

// LogAsync queues an entry. A full buffer falls back to a synchronous insert.
func (a *AuditLogger) LogAsync(e *Entry) {
	a.fillDefaults(e)
	select {
	case a.ch <- e:
	default:
		a.logger.Warn("observability: audit buffer full, sync fallback", "entry_id", e.EntryID)
		if err := a.insert(context.Background(), a.db, e); err != nil {
			a.logger.Error("observability: sync fallback failed", "error", err)
		}
	}
}

// Query returns entries matching f, newest first.
func (a *AuditLogger) Query(ctx context.Context, f Filter) ([]Entry, error) {
	q := `SELECT entry_id, timestamp, identity, run_id, request_id, transport, remote_addr,
		action, url, parameters, original, replaced, received, expected,
		duration_ms, status, error_message
		FROM operation_log WHERE 1=1`
	var args []any
	if !f.Since.IsZero() {
		q += " AND timestamp >= ?"
		args = append(args, f.Since.UnixMilli())
	}
	if f.Action != "" {
		q += " AND action = ?"
		args = append(args, f.Action)
	}
	if f.Status != "" {
		q += " AND status = ?"
		args = append(args, f.Status)
	}
	if f.RunID != "" {
		q += " AND run_id = ?"
		args = append(args, f.RunID)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	q += " ORDER BY timestamp DESC LIMIT ?"
	args = append(args, limit)

	rows, err := a.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("observability: query: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var ts int64
		if err := rows.Scan(&e.EntryID, &ts, &e.Identity, &e.RunID, &e.RequestID, &e.Transport, &e.RemoteAddr,
			&e.Action, &e.URL, &e.Parameters, &e.Original, &e.Replaced, &e.Received, &e.Expected,
			&e.DurationMs, &e.Status, &e.ErrorMessage); err != nil {
			return nil, fmt.Errorf("observability: scan: %w", err)
		}
		e.Timestamp = time.UnixMilli(ts)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Cleanup deletes entries older than retention.
func (a *AuditLogger) Cleanup(ctx context.Context, retention time.Duration) (int64, error) {
	threshold := time.Now().Add(-retention).UnixMilli()
	res, err := a.db.ExecContext(ctx, `DELETE FROM operation_log WHERE timestamp < ?`, threshold)
	if err != nil {
		return 0, fmt.Errorf("observability: cleanup: %w", err)
	}
	return res.RowsAffected()
}

// Close drains the queue and stops the flush loop. Later calls are no-ops.
func (a *AuditLogger) Close() error {
	a.once.Do(func() { close(a.stop) })
	<-a.done
	return nil
}

func (a *AuditLogger) fillDefaults(e *Entry) {
	if e.EntryID == "" {
		e.EntryID = a.newID()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	if e.Status == "" {
		if e.ErrorMessage != "" {
			e.Status = StatusError
		} else {
			e.Status = StatusSuccess
		}
	}
	if e.Parameters == "" {
		e.Parameters = "{}"
	}
}

func (a *AuditLogger) flushLoop() {
	defer close(a.done)
	ticker := time.NewTicker(a.flush)
	defer ticker.Stop()
	batch := make([]*Entry, 0, 100)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		tx, err := a.db.BeginTx(ctx, nil)
		if err != nil {
			a.logger.Error("observability: begin tx", "error", err)
			return
		}
		for _, e := range batch {
			if err := a.insert(ctx, tx, e); err != nil {
				a.logger.Error("observability: insert", "error", err, "entry_id", e.EntryID)
			}
		}
		if err := tx.Commit(); err != nil {
			a.logger.Error("observability: commit", "error", err)
		}
		batch = batch[:0]
	}

	for {
		select {
		case <-a.stop:
			for {
				select {
				case e := <-a.ch:
					batch = append(batch, e)
				default:
					flush()
					return
				}
			}
		case e := <-a.ch:
			batch = append(batch, e)
			if len(batch) >= 100 {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (a *AuditLogger) insert(ctx context.Context, x execer, e *Entry) error {
	_, err := x.ExecContext(ctx, `INSERT INTO operation_log
		(entry_id, timestamp, identity, run_id, request_id, transport, remote_addr,
		 action, url, parameters, original, replaced, received, expected,
		 duration_ms, status, error_message)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		e.EntryID, e.Timestamp.UnixMilli(), e.Identity, e.RunID, e.RequestID, e.Transport, e.RemoteAddr,
		e.Action, e.URL, e.Parameters, e.Original, e.Replaced, e.Received, e.Expected,
		e.DurationMs, e.Status, e.ErrorMessage)
	return err
}
