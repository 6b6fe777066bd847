// Package workspace persists the durable parts of a session: registered
// sources, bookmarks, extracted attachments and the operation journal.
// One sqlite file per daemon, single writer, WAL mode.
package workspace

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/vlaube/sessiond/internal/model"
)

var (
	ErrDuplicate = errors.New("duplicate")
	ErrNotFound  = errors.New("not found")
)

type Store struct {
	db *sql.DB
}

func Open(ctx context.Context, path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close() //nolint:errcheck
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if err := os.Chmod(path, 0o600); err != nil && !errors.Is(err, os.ErrNotExist) {
		db.Close() //nolint:errcheck
		return nil, fmt.Errorf("chmod db path: %w", err)
	}
	if err := ApplyMigrations(ctx, db); err != nil {
		db.Close() //nolint:errcheck
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) DB() *sql.DB {
	return s.db
}

// CreateSession registers a session id. Creating an existing id fails
// with ErrDuplicate.
func (s *Store) CreateSession(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO sessions(session_id, created_at) VALUES (?, ?)
`, sessionID, ts(time.Now().UTC()))
	if err != nil {
		if isConstraintErr(err) {
			return fmt.Errorf("session %s: %w", sessionID, ErrDuplicate)
		}
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

// DeleteSession purges the session and all dependent rows.
func (s *Store) DeleteSession(ctx context.Context, sessionID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE session_id = ?`, sessionID)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete session rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// AddSource records one ingested origin of a session.
func (s *Store) AddSource(ctx context.Context, sessionID string, src model.SourceDefinition) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO sources(session_id, source_id, alias, created_at)
VALUES (?, ?, ?, ?)
ON CONFLICT(session_id, source_id) DO UPDATE SET alias=excluded.alias
`, sessionID, src.ID, src.Alias, ts(time.Now().UTC()))
	if err != nil {
		return fmt.Errorf("add source: %w", err)
	}
	return nil
}

func (s *Store) ListSources(ctx context.Context, sessionID string) ([]model.SourceDefinition, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT source_id, alias FROM sources WHERE session_id = ? ORDER BY source_id ASC
`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list sources: %w", err)
	}
	defer rows.Close()

	out := make([]model.SourceDefinition, 0)
	for rows.Next() {
		var def model.SourceDefinition
		if err := rows.Scan(&def.ID, &def.Alias); err != nil {
			return nil, fmt.Errorf("scan source: %w", err)
		}
		out = append(out, def)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iter sources: %w", err)
	}
	return out, nil
}

// AddBookmark is idempotent, adding the same position twice is a no-op.
func (s *Store) AddBookmark(ctx context.Context, sessionID string, pos uint64) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO bookmarks(session_id, pos, created_at) VALUES (?, ?, ?)
ON CONFLICT(session_id, pos) DO NOTHING
`, sessionID, pos, ts(time.Now().UTC()))
	if err != nil {
		return fmt.Errorf("add bookmark: %w", err)
	}
	return nil
}

// RemoveBookmark is idempotent, removing a missing position is a no-op.
func (s *Store) RemoveBookmark(ctx context.Context, sessionID string, pos uint64) error {
	_, err := s.db.ExecContext(ctx, `
DELETE FROM bookmarks WHERE session_id = ? AND pos = ?
`, sessionID, pos)
	if err != nil {
		return fmt.Errorf("remove bookmark: %w", err)
	}
	return nil
}

// SetBookmarks replaces the bookmark set in one transaction.
func (s *Store) SetBookmarks(ctx context.Context, sessionID string, positions []uint64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin set bookmarks: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM bookmarks WHERE session_id = ?`, sessionID); err != nil {
		tx.Rollback() //nolint:errcheck
		return fmt.Errorf("clear bookmarks: %w", err)
	}
	now := ts(time.Now().UTC())
	for _, pos := range positions {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO bookmarks(session_id, pos, created_at) VALUES (?, ?, ?)
ON CONFLICT(session_id, pos) DO NOTHING
`, sessionID, pos, now); err != nil {
			tx.Rollback() //nolint:errcheck
			return fmt.Errorf("insert bookmark: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit set bookmarks: %w", err)
	}
	return nil
}

func (s *Store) ListBookmarks(ctx context.Context, sessionID string) ([]uint64, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT pos FROM bookmarks WHERE session_id = ? ORDER BY pos ASC
`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list bookmarks: %w", err)
	}
	defer rows.Close()

	out := make([]uint64, 0)
	for rows.Next() {
		var pos uint64
		if err := rows.Scan(&pos); err != nil {
			return nil, fmt.Errorf("scan bookmark: %w", err)
		}
		out = append(out, pos)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iter bookmarks: %w", err)
	}
	return out, nil
}

// AddAttachment records one extracted file.
func (s *Store) AddAttachment(ctx context.Context, sessionID string, att model.Attachment) error {
	messages, err := json.Marshal(att.Messages)
	if err != nil {
		return fmt.Errorf("encode attachment messages: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO attachments(uuid, session_id, filepath, name, ext, size, mime, messages_json, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
`, att.UUID, sessionID, att.Filepath, att.Name, att.Ext, att.Size, att.Mime, string(messages), ts(time.Now().UTC()))
	if err != nil {
		if isConstraintErr(err) {
			return fmt.Errorf("attachment %s: %w", att.UUID, ErrDuplicate)
		}
		return fmt.Errorf("add attachment: %w", err)
	}
	return nil
}

func (s *Store) ListAttachments(ctx context.Context, sessionID string) ([]model.Attachment, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT uuid, filepath, name, ext, size, mime, messages_json
FROM attachments WHERE session_id = ? ORDER BY created_at ASC, uuid ASC
`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list attachments: %w", err)
	}
	defer rows.Close()

	out := make([]model.Attachment, 0)
	for rows.Next() {
		var (
			att      model.Attachment
			messages string
		)
		if err := rows.Scan(&att.UUID, &att.Filepath, &att.Name, &att.Ext, &att.Size, &att.Mime, &messages); err != nil {
			return nil, fmt.Errorf("scan attachment: %w", err)
		}
		if err := json.Unmarshal([]byte(messages), &att.Messages); err != nil {
			return nil, fmt.Errorf("decode attachment messages: %w", err)
		}
		out = append(out, att)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iter attachments: %w", err)
	}
	return out, nil
}

// OperationRecord is one journal entry of a tracked job.
type OperationRecord struct {
	OperationID string
	SessionID   string
	Kind        string
	State       model.OperationState
	CreatedAt   time.Time
	StartedAt   *time.Time
	StoppedAt   *time.Time
	Error       string
}

// RecordOperation journals a new operation in state created.
func (s *Store) RecordOperation(ctx context.Context, sessionID, operationID, kind string) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO operations(operation_id, session_id, kind, state, created_at)
VALUES (?, ?, ?, 'created', ?)
`, operationID, sessionID, kind, ts(time.Now().UTC()))
	if err != nil {
		if isConstraintErr(err) {
			return fmt.Errorf("operation %s: %w", operationID, ErrDuplicate)
		}
		return fmt.Errorf("record operation: %w", err)
	}
	return nil
}

func (s *Store) MarkOperationStarted(ctx context.Context, operationID string) error {
	return s.transition(ctx, operationID, `
UPDATE operations SET state='started', started_at=? WHERE operation_id=?
`, ts(time.Now().UTC()), operationID)
}

func (s *Store) MarkOperationStopped(ctx context.Context, operationID string) error {
	return s.transition(ctx, operationID, `
UPDATE operations SET state='stopped', stopped_at=? WHERE operation_id=?
`, ts(time.Now().UTC()), operationID)
}

func (s *Store) MarkOperationErrored(ctx context.Context, operationID, message string) error {
	return s.transition(ctx, operationID, `
UPDATE operations SET state='errored', stopped_at=?, error=? WHERE operation_id=?
`, ts(time.Now().UTC()), message, operationID)
}

func (s *Store) transition(ctx context.Context, operationID, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update operation: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update operation rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("operation %s: %w", operationID, ErrNotFound)
	}
	return nil
}

func (s *Store) ListOperations(ctx context.Context, sessionID string) ([]OperationRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT operation_id, session_id, kind, state, created_at, started_at, stopped_at, COALESCE(error, '')
FROM operations WHERE session_id = ? ORDER BY created_at ASC, operation_id ASC
`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list operations: %w", err)
	}
	defer rows.Close()

	out := make([]OperationRecord, 0)
	for rows.Next() {
		var (
			rec                  OperationRecord
			state                string
			created              string
			startedAt, stoppedAt sql.NullString
		)
		if err := rows.Scan(&rec.OperationID, &rec.SessionID, &rec.Kind, &state, &created, &startedAt, &stoppedAt, &rec.Error); err != nil {
			return nil, fmt.Errorf("scan operation: %w", err)
		}
		rec.State = model.OperationState(state)
		if rec.CreatedAt, err = parseTS(created); err != nil {
			return nil, err
		}
		if rec.StartedAt, err = parseNullTS(startedAt); err != nil {
			return nil, err
		}
		if rec.StoppedAt, err = parseNullTS(stoppedAt); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iter operations: %w", err)
	}
	return out, nil
}

// OperationStats counts journaled operations per state.
func (s *Store) OperationStats(ctx context.Context, sessionID string) (map[model.OperationState]uint64, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT state, COUNT(*) FROM operations WHERE session_id = ? GROUP BY state
`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("operation stats: %w", err)
	}
	defer rows.Close()

	out := map[model.OperationState]uint64{}
	for rows.Next() {
		var (
			state string
			count uint64
		)
		if err := rows.Scan(&state, &count); err != nil {
			return nil, fmt.Errorf("scan operation stat: %w", err)
		}
		out[model.OperationState(state)] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iter operation stats: %w", err)
	}
	return out, nil
}

const tsLayout = "2006-01-02T15:04:05.000000000Z"

func ts(t time.Time) string {
	return t.UTC().Format(tsLayout)
}

func parseTS(v string) (time.Time, error) {
	t, err := time.Parse(tsLayout, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", v, err)
	}
	return t, nil
}

func parseNullTS(v sql.NullString) (*time.Time, error) {
	if !v.Valid || v.String == "" {
		return nil, nil
	}
	t, err := parseTS(v.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func isConstraintErr(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "constraint failed")
}
