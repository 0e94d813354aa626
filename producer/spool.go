package producer

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"promptforge/broker"

	_ "modernc.org/sqlite"
)

// SpooledMessage is a message waiting to be resent.
type SpooledMessage struct {
	ID        int64
	Message   broker.Message
	Attempts  int
	LastError string
	CreatedAt time.Time
}

// Spool is a durable queue of messages whose send failed.
type Spool interface {
	Save(ctx context.Context, msg broker.Message, cause error) error
	// Pending returns the oldest live messages, at most limit of them.
	Pending(ctx context.Context, limit int) ([]SpooledMessage, error)
	Delete(ctx context.Context, id int64) error
	// MarkFailed records another failed attempt. Once attempts reach
	// maxAttempts the message is marked dead and reported as such.
	MarkFailed(ctx context.Context, id int64, cause error, maxAttempts int) (dead bool, err error)
	Depth(ctx context.Context) (int, error)
	Close() error
}

const spoolSchema = `
CREATE TABLE IF NOT EXISTS producer_spool (
  id         INTEGER PRIMARY KEY AUTOINCREMENT,
  topic      TEXT    NOT NULL,
  msg_key    TEXT    NOT NULL DEFAULT '',
  value      BLOB    NOT NULL,
  headers    TEXT    NOT NULL DEFAULT '{}',
  attempts   INTEGER NOT NULL DEFAULT 0,
  last_error TEXT    NOT NULL DEFAULT '',
  status     TEXT    NOT NULL DEFAULT 'pending',
  created_at INTEGER NOT NULL,
  updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_producer_spool_status ON producer_spool (status, id);
`

const (
	spoolPending = "pending"
	spoolDead    = "dead"
)

// SQLiteSpool keeps the spool in a local SQLite file.
type SQLiteSpool struct {
	db  *sql.DB
	now func() time.Time
}

var _ Spool = (*SQLiteSpool)(nil)

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// OpenSQLiteSpool opens (creating if needed) the spool at path.
func OpenSQLiteSpool(path string) (*SQLiteSpool, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("spool path is required")
	}
	dsn := filepath.Clean(path) + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite spool: %w", err)
	}
	// SQLite serializes writers.
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite spool: %w", err)
	}
	if _, err := db.Exec(spoolSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create spool schema: %w", err)
	}
	return &SQLiteSpool{db: db, now: time.Now}, nil
}

func (s *SQLiteSpool) Save(ctx context.Context, msg broker.Message, cause error) error {
	headers, err := json.Marshal(msg.Headers)
	if err != nil {
		return fmt.Errorf("marshal headers: %w", err)
	}
	var lastErr string
	if cause != nil {
		lastErr = cause.Error()
	}
	now := toMillis(s.now())
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO producer_spool (topic, msg_key, value, headers, last_error, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.Topic, msg.Key, msg.Value, string(headers), lastErr, spoolPending, now, now,
	)
	if err != nil {
		return fmt.Errorf("spool %s message: %w", msg.Topic, err)
	}
	return nil
}

func (s *SQLiteSpool) Pending(ctx context.Context, limit int) ([]SpooledMessage, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, topic, msg_key, value, headers, attempts, last_error, created_at
		 FROM producer_spool WHERE status = ? ORDER BY id LIMIT ?`,
		spoolPending, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query spool: %w", err)
	}
	defer rows.Close()

	var out []SpooledMessage
	for rows.Next() {
		var (
			m       SpooledMessage
			headers string
			created int64
		)
		if err := rows.Scan(&m.ID, &m.Message.Topic, &m.Message.Key, &m.Message.Value, &headers, &m.Attempts, &m.LastError, &created); err != nil {
			return nil, fmt.Errorf("scan spool row: %w", err)
		}
		if headers != "" && headers != "null" {
			if err := json.Unmarshal([]byte(headers), &m.Message.Headers); err != nil {
				return nil, fmt.Errorf("decode spool headers for %d: %w", m.ID, err)
			}
		}
		m.CreatedAt = fromMillis(created)
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *SQLiteSpool) Delete(ctx context.Context, id int64) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM producer_spool WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete spool row %d: %w", id, err)
	}
	return nil
}

func (s *SQLiteSpool) MarkFailed(ctx context.Context, id int64, cause error, maxAttempts int) (bool, error) {
	var lastErr string
	if cause != nil {
		lastErr = cause.Error()
	}
	var attempts int
	err := s.db.QueryRowContext(ctx,
		`UPDATE producer_spool SET attempts = attempts + 1, last_error = ?, updated_at = ?
		 WHERE id = ? RETURNING attempts`,
		lastErr, toMillis(s.now()), id,
	).Scan(&attempts)
	if errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("spool row %d not found", id)
	}
	if err != nil {
		return false, fmt.Errorf("update spool row %d: %w", id, err)
	}
	if maxAttempts <= 0 || attempts < maxAttempts {
		return false, nil
	}
	if _, err := s.db.ExecContext(ctx, `UPDATE producer_spool SET status = ? WHERE id = ?`, spoolDead, id); err != nil {
		return false, fmt.Errorf("mark spool row %d dead: %w", id, err)
	}
	return true, nil
}

// Depth counts live messages; dead ones are kept for inspection but not counted.
func (s *SQLiteSpool) Depth(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM producer_spool WHERE status = ?`, spoolPending).Scan(&n); err != nil {
		return 0, fmt.Errorf("count spool: %w", err)
	}
	return n, nil
}

// Dead counts messages that exhausted their attempts.
func (s *SQLiteSpool) Dead(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM producer_spool WHERE status = ?`, spoolDead).Scan(&n); err != nil {
		return 0, fmt.Errorf("count dead spool rows: %w", err)
	}
	return n, nil
}

func (s *SQLiteSpool) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
