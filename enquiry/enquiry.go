// Package enquiry persists a best-effort log of seating lookups. Writes are
// buffered and flushed in batches so the request path never waits on the
// database; a full buffer drops the record rather than blocking.
package enquiry

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/campuskit/seatfinder/idgen"
)

// Schema contains the enquiry log DDL, applied via dbopen.WithSchema.
const Schema = `
CREATE TABLE IF NOT EXISTS enquiries (
    enquiry_id   TEXT PRIMARY KEY,
    timestamp    INTEGER NOT NULL,
    identifier   TEXT NOT NULL,
    lookup_date  TEXT,
    found        INTEGER NOT NULL,
    result_count INTEGER NOT NULL,
    sources      TEXT,
    duration_ms  INTEGER NOT NULL,
    remote_addr  TEXT,
    user_agent   TEXT,
    transport    TEXT
);
CREATE INDEX IF NOT EXISTS idx_enquiries_timestamp
    ON enquiries(timestamp DESC);
CREATE INDEX IF NOT EXISTS idx_enquiries_identifier
    ON enquiries(identifier, timestamp DESC);
`

// Record is one completed lookup.
type Record struct {
	EnquiryID   string
	Timestamp   time.Time
	Identifier  string
	LookupDate  string // empty for all-dates lookups
	Found       bool
	ResultCount int
	Sources     []string // campuses that contributed matches
	Duration    time.Duration
	RemoteAddr  string
	UserAgent   string
	Transport   string // "http", "sse", "mcp"
}

// Logger persists enquiry records asynchronously.
type Logger struct {
	db      *sql.DB
	newID   idgen.Generator
	log     *slog.Logger
	ch      chan *Record
	stop    chan struct{}
	done    chan struct{}
	dropped atomic.Int64
}

// Option configures a Logger.
type Option func(*Logger)

// WithIDGenerator sets a custom ID generator for enquiry IDs.
func WithIDGenerator(gen idgen.Generator) Option {
	return func(l *Logger) { l.newID = gen }
}

// WithLogger routes internal diagnostics to a specific slog logger.
func WithLogger(log *slog.Logger) Option {
	return func(l *Logger) { l.log = log }
}

// New creates an async enquiry logger. Recommended bufferSize: 1000.
func New(db *sql.DB, bufferSize int, opts ...Option) *Logger {
	l := &Logger{
		db:    db,
		newID: idgen.Prefixed("enq_", idgen.Default),
		log:   slog.Default(),
		ch:    make(chan *Record, bufferSize),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	for _, o := range opts {
		o(l)
	}
	go l.flushLoop()
	return l
}

// Record queues a record without blocking. When the buffer is full the
// record is dropped and counted; lookups must never wait on bookkeeping.
func (l *Logger) Record(rec *Record) {
	l.fillDefaults(rec)
	select {
	case l.ch <- rec:
	default:
		if l.dropped.Add(1) == 1 {
			l.log.Warn("enquiry buffer full, dropping records")
		}
	}
}

// Dropped reports how many records were discarded on a full buffer.
func (l *Logger) Dropped() int64 {
	return l.dropped.Load()
}

// Recent returns the newest records, newest first.
func (l *Logger) Recent(ctx context.Context, limit int) ([]*Record, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := l.db.QueryContext(ctx, `SELECT enquiry_id, timestamp, identifier,
		lookup_date, found, result_count, sources, duration_ms,
		remote_addr, user_agent, transport
		FROM enquiries ORDER BY timestamp DESC, enquiry_id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query enquiries: %w", err)
	}
	defer rows.Close()

	var records []*Record
	for rows.Next() {
		var rec Record
		var ts, durationMs int64
		var found int
		var lookupDate, sources, remoteAddr, userAgent, transport sql.NullString
		if err := rows.Scan(&rec.EnquiryID, &ts, &rec.Identifier,
			&lookupDate, &found, &rec.ResultCount, &sources, &durationMs,
			&remoteAddr, &userAgent, &transport); err != nil {
			return nil, fmt.Errorf("scan enquiry: %w", err)
		}
		rec.Timestamp = time.Unix(ts, 0)
		rec.LookupDate = lookupDate.String
		rec.Found = found != 0
		rec.Duration = time.Duration(durationMs) * time.Millisecond
		rec.RemoteAddr = remoteAddr.String
		rec.UserAgent = userAgent.String
		rec.Transport = transport.String
		if sources.Valid && sources.String != "" {
			if err := json.Unmarshal([]byte(sources.String), &rec.Sources); err != nil {
				l.log.Warn("enquiry sources column corrupt", "enquiry_id", rec.EnquiryID)
			}
		}
		records = append(records, &rec)
	}
	return records, rows.Err()
}

// Cleanup deletes records older than retentionDays.
func (l *Logger) Cleanup(ctx context.Context, retentionDays int) (int64, error) {
	threshold := time.Now().AddDate(0, 0, -retentionDays).Unix()
	result, err := l.db.ExecContext(ctx, `DELETE FROM enquiries WHERE timestamp < ?`, threshold)
	if err != nil {
		return 0, fmt.Errorf("cleanup enquiries: %w", err)
	}
	return result.RowsAffected()
}

// Close drains the buffer and stops the flush goroutine.
func (l *Logger) Close() error {
	close(l.stop)
	<-l.done
	return nil
}

func (l *Logger) fillDefaults(rec *Record) {
	if rec.EnquiryID == "" {
		rec.EnquiryID = l.newID()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	if rec.Transport == "" {
		rec.Transport = "http"
	}
}

func (l *Logger) flushLoop() {
	defer close(l.done)
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	batch := make([]*Record, 0, 50)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		tx, err := l.db.BeginTx(ctx, nil)
		if err != nil {
			l.log.Error("enquiry flush: begin tx", "error", err)
			return
		}
		stmt, err := tx.PrepareContext(ctx, `INSERT INTO enquiries
			(enquiry_id, timestamp, identifier, lookup_date, found,
			 result_count, sources, duration_ms, remote_addr, user_agent, transport)
			VALUES (?,?,?,?,?,?,?,?,?,?,?)`)
		if err != nil {
			tx.Rollback()
			l.log.Error("enquiry flush: prepare", "error", err)
			return
		}
		defer stmt.Close()

		for _, rec := range batch {
			var sources string
			if len(rec.Sources) > 0 {
				if b, err := json.Marshal(rec.Sources); err == nil {
					sources = string(b)
				}
			}
			found := 0
			if rec.Found {
				found = 1
			}
			if _, err := stmt.ExecContext(ctx,
				rec.EnquiryID, rec.Timestamp.Unix(), rec.Identifier, rec.LookupDate,
				found, rec.ResultCount, sources, rec.Duration.Milliseconds(),
				rec.RemoteAddr, rec.UserAgent, rec.Transport,
			); err != nil {
				l.log.Error("enquiry flush: insert", "error", err, "enquiry_id", rec.EnquiryID)
			}
		}
		if err := tx.Commit(); err != nil {
			l.log.Error("enquiry flush: commit", "error", err)
		}
		batch = batch[:0]
	}

	for {
		select {
		case <-l.stop:
			for {
				select {
				case rec := <-l.ch:
					batch = append(batch, rec)
				default:
					flush()
					return
				}
			}
		case rec := <-l.ch:
			batch = append(batch, rec)
			if len(batch) >= 50 {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}
