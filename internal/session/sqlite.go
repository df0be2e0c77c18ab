package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/nugget/backlog-assistant/internal/llm"
)

// SQLiteStore persists sessions in a SQLite database.
type SQLiteStore struct {
	db   *sql.DB
	opts options
}

// NewSQLiteStore opens (creating if needed) the session database at
// dbPath.
func NewSQLiteStore(dbPath string, opts ...Option) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &SQLiteStore{db: db, opts: buildOptions(opts)}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	// Lease expiry is unix milliseconds so it compares numerically.
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		version INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		expires_at TIMESTAMP NOT NULL,
		lease_holder TEXT NOT NULL DEFAULT '',
		lease_expires_ms INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_owner ON sessions(owner_id);

	CREATE TABLE IF NOT EXISTS session_messages (
		session_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		role TEXT NOT NULL,
		body TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		PRIMARY KEY (session_id, seq),
		FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Find(ctx context.Context, id, owner string) (*Session, error) {
	sess := &Session{ID: id}
	err := s.db.QueryRowContext(ctx, `
		SELECT owner_id, version, created_at, updated_at, expires_at
		FROM sessions WHERE id = ?
	`, id).Scan(&sess.OwnerID, &sess.Version, &sess.CreatedAt, &sess.UpdatedAt, &sess.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query session: %w", err)
	}
	if sess.OwnerID != owner || sess.Expired(s.opts.now()) {
		return nil, ErrNotFound
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT body FROM session_messages
		WHERE session_id = ? AND seq <= ?
		ORDER BY seq ASC
	`, id, sess.Version)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		var msg llm.Message
		if err := json.Unmarshal([]byte(body), &msg); err != nil {
			return nil, fmt.Errorf("decode message: %w", err)
		}
		sess.Messages = append(sess.Messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	return sess, nil
}

func (s *SQLiteStore) Create(ctx context.Context, owner string) (*Session, error) {
	sess, err := newSession(owner, s.opts)
	if err != nil {
		return nil, err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, owner_id, version, created_at, updated_at, expires_at)
		VALUES (?, ?, 0, ?, ?, ?)
	`, sess.ID, sess.OwnerID, sess.CreatedAt, sess.UpdatedAt, sess.ExpiresAt)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	return sess, nil
}

func (s *SQLiteStore) Append(ctx context.Context, sess *Session, msgs ...llm.Message) error {
	bodies, err := encodeMessages(msgs)
	if err != nil {
		return err
	}
	now := s.opts.now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE sessions SET version = version + ?, updated_at = ?
		WHERE id = ? AND version = ?
	`, len(msgs), now, sess.ID, sess.Version)
	if err != nil {
		return fmt.Errorf("bump version: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return s.missingOrConflict(ctx, tx, sess.ID)
	}

	for i, body := range bodies {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO session_messages (session_id, seq, role, body, created_at)
			VALUES (?, ?, ?, ?, ?)
		`, sess.ID, sess.Version+int64(i)+1, string(msgs[i].Role), body, now)
		if err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	sess.Messages = append(sess.Messages, msgs...)
	sess.Version += int64(len(msgs))
	sess.UpdatedAt = now
	return nil
}

func (s *SQLiteStore) missingOrConflict(ctx context.Context, tx *sql.Tx, id string) error {
	var one int
	err := tx.QueryRowContext(ctx, `SELECT 1 FROM sessions WHERE id = ?`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("query session: %w", err)
	}
	return ErrVersionConflict
}

func (s *SQLiteStore) AcquireLease(ctx context.Context, id, holder string, ttl time.Duration) error {
	now := s.opts.now()
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET lease_holder = ?, lease_expires_ms = ?
		WHERE id = ? AND (lease_holder = '' OR lease_holder = ? OR lease_expires_ms <= ?)
	`, holder, now.Add(ttl).UnixMilli(), id, holder, now.UnixMilli())
	if err != nil {
		return fmt.Errorf("acquire lease: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}

	var one int
	err = s.db.QueryRowContext(ctx, `SELECT 1 FROM sessions WHERE id = ?`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("query session: %w", err)
	}
	return ErrLeaseHeld
}

func (s *SQLiteStore) ReleaseLease(ctx context.Context, id, holder string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET lease_holder = '', lease_expires_ms = 0
		WHERE id = ? AND lease_holder = ?
	`, id, holder)
	if err != nil {
		return fmt.Errorf("release lease: %w", err)
	}
	return nil
}

func encodeMessages(msgs []llm.Message) ([]string, error) {
	bodies := make([]string, len(msgs))
	for i, m := range msgs {
		data, err := json.Marshal(m)
		if err != nil {
			return nil, fmt.Errorf("encode message: %w", err)
		}
		bodies[i] = string(data)
	}
	return bodies, nil
}
