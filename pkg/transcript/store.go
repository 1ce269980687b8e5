package transcript

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

// Entry is one archived conversation turn.
type Entry struct {
	SessionID   string `json:"session_id" yaml:"session_id"`
	Generation  int    `json:"generation" yaml:"generation"`
	Ordinal     int    `json:"ordinal" yaml:"ordinal"`
	Role        string `json:"role" yaml:"role"`
	Text        string `json:"text" yaml:"text"`
	CreatedAtMs int64  `json:"created_at_ms" yaml:"created_at_ms"`
}

func (e Entry) CreatedAt() time.Time {
	return time.UnixMilli(e.CreatedAtMs)
}

// Query filters List. Zero values match everything; Limit 0 means no limit.
type Query struct {
	SessionID string
	Role      string
	Limit     int
}

// SQLiteStore archives turns for later inspection. Nothing reads it back into
// a running session.
type SQLiteStore struct {
	db *sql.DB
}

// DSNForFile builds the sqlite dsn used for an on-disk transcript.
func DSNForFile(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", errors.New("transcript: empty path")
	}
	return fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000", path), nil
}

func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("transcript: empty dsn")
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "transcript: open")
	}
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS transcript_turns (
			session_id TEXT NOT NULL,
			generation INTEGER NOT NULL,
			ordinal INTEGER NOT NULL,
			role TEXT NOT NULL,
			text TEXT NOT NULL,
			created_at_ms INTEGER NOT NULL,
			PRIMARY KEY (session_id, generation, ordinal)
		);`,
		`CREATE INDEX IF NOT EXISTS transcript_turns_by_time ON transcript_turns(created_at_ms);`,
	}
	for _, st := range stmts {
		if _, err := s.db.Exec(st); err != nil {
			return errors.Wrap(err, "transcript: migrate")
		}
	}
	return nil
}

// Save inserts e. Saving the same (session, generation, ordinal) twice keeps
// the first row, since turns are never mutated.
func (s *SQLiteStore) Save(ctx context.Context, e Entry) error {
	if strings.TrimSpace(e.SessionID) == "" {
		return errors.New("transcript: empty session id")
	}
	if e.Ordinal <= 0 {
		return errors.Errorf("transcript: invalid ordinal %d", e.Ordinal)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO transcript_turns (session_id, generation, ordinal, role, text, created_at_ms)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (session_id, generation, ordinal) DO NOTHING`,
		e.SessionID, e.Generation, e.Ordinal, e.Role, e.Text, e.CreatedAtMs)
	if err != nil {
		return errors.Wrap(err, "transcript: save")
	}
	return nil
}

// List returns entries in conversation order.
func (s *SQLiteStore) List(ctx context.Context, q Query) ([]Entry, error) {
	var where []string
	var args []any
	if q.SessionID != "" {
		where = append(where, "session_id = ?")
		args = append(args, q.SessionID)
	}
	if q.Role != "" {
		where = append(where, "role = ?")
		args = append(args, q.Role)
	}

	query := `SELECT session_id, generation, ordinal, role, text, created_at_ms FROM transcript_turns`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at_ms ASC, session_id ASC, generation ASC, ordinal ASC"
	if q.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "transcript: list")
	}
	defer func() { _ = rows.Close() }()

	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.SessionID, &e.Generation, &e.Ordinal, &e.Role, &e.Text, &e.CreatedAtMs); err != nil {
			return nil, errors.Wrap(err, "transcript: scan")
		}
		out = append(out, e)
	}
	return out, errors.Wrap(rows.Err(), "transcript: rows")
}
