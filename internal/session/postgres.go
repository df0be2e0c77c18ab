package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nugget/backlog-assistant/internal/llm"
)

// PostgresStore persists sessions in PostgreSQL.
type PostgresStore struct {
	db   *pgxpool.Pool
	opts options
}

// NewPostgresStore connects to dsn and ensures the schema exists.
func NewPostgresStore(ctx context.Context, dsn string, opts ...Option) (*PostgresStore, error) {
	db, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	s := &PostgresStore{db: db, opts: buildOptions(opts)}
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

const postgresSchema = `
CREATE TABLE IF NOT EXISTS chat_sessions (
	id               TEXT PRIMARY KEY,
	owner_id         TEXT NOT NULL,
	version          BIGINT NOT NULL DEFAULT 0,
	created_at       TIMESTAMPTZ NOT NULL,
	updated_at       TIMESTAMPTZ NOT NULL,
	expires_at       TIMESTAMPTZ NOT NULL,
	lease_holder     TEXT NOT NULL DEFAULT '',
	lease_expires_at TIMESTAMPTZ NOT NULL DEFAULT 'epoch'
);
CREATE INDEX IF NOT EXISTS idx_chat_sessions_owner ON chat_sessions(owner_id);

CREATE TABLE IF NOT EXISTS chat_messages (
	session_id TEXT NOT NULL REFERENCES chat_sessions(id) ON DELETE CASCADE,
	seq        BIGINT NOT NULL,
	role       TEXT NOT NULL,
	body       JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (session_id, seq)
);
`

// Migrate creates the tables if they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.db.Exec(ctx, postgresSchema)
	return err
}

func (s *PostgresStore) Close() error {
	s.db.Close()
	return nil
}

func (s *PostgresStore) Find(ctx context.Context, id, owner string) (*Session, error) {
	sess := &Session{ID: id}
	err := s.db.QueryRow(ctx,
		`SELECT owner_id, version, created_at, updated_at, expires_at
		 FROM chat_sessions WHERE id = $1`,
		id,
	).Scan(&sess.OwnerID, &sess.Version, &sess.CreatedAt, &sess.UpdatedAt, &sess.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query session: %w", err)
	}
	if sess.OwnerID != owner || sess.Expired(s.opts.now()) {
		return nil, ErrNotFound
	}

	rows, err := s.db.Query(ctx,
		`SELECT body FROM chat_messages
		 WHERE session_id = $1 AND seq <= $2
		 ORDER BY seq ASC`,
		id, sess.Version,
	)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		var msg llm.Message
		if err := json.Unmarshal(body, &msg); err != nil {
			return nil, fmt.Errorf("decode message: %w", err)
		}
		sess.Messages = append(sess.Messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	return sess, nil
}

func (s *PostgresStore) Create(ctx context.Context, owner string) (*Session, error) {
	sess, err := newSession(owner, s.opts)
	if err != nil {
		return nil, err
	}
	_, err = s.db.Exec(ctx,
		`INSERT INTO chat_sessions (id, owner_id, version, created_at, updated_at, expires_at)
		 VALUES ($1, $2, 0, $3, $4, $5)`,
		sess.ID, sess.OwnerID, sess.CreatedAt, sess.UpdatedAt, sess.ExpiresAt,
	)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	return sess, nil
}

func (s *PostgresStore) Append(ctx context.Context, sess *Session, msgs ...llm.Message) error {
	bodies, err := encodeMessages(msgs)
	if err != nil {
		return err
	}
	now := s.opts.now().UTC()

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		`UPDATE chat_sessions SET version = version + $1, updated_at = $2
		 WHERE id = $3 AND version = $4`,
		len(msgs), now, sess.ID, sess.Version,
	)
	if err != nil {
		return fmt.Errorf("bump version: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM chat_sessions WHERE id = $1)`, sess.ID).Scan(&exists); err != nil {
			return fmt.Errorf("query session: %w", err)
		}
		if !exists {
			return ErrNotFound
		}
		return ErrVersionConflict
	}

	batch := &pgx.Batch{}
	for i, body := range bodies {
		batch.Queue(
			`INSERT INTO chat_messages (session_id, seq, role, body, created_at)
			 VALUES ($1, $2, $3, $4, $5)`,
			sess.ID, sess.Version+int64(i)+1, string(msgs[i].Role), body, now,
		)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("insert messages: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	sess.Messages = append(sess.Messages, msgs...)
	sess.Version += int64(len(msgs))
	sess.UpdatedAt = now
	return nil
}

func (s *PostgresStore) AcquireLease(ctx context.Context, id, holder string, ttl time.Duration) error {
	now := s.opts.now().UTC()
	tag, err := s.db.Exec(ctx,
		`UPDATE chat_sessions SET lease_holder = $1, lease_expires_at = $2
		 WHERE id = $3 AND (lease_holder = '' OR lease_holder = $1 OR lease_expires_at <= $4)`,
		holder, now.Add(ttl), id, now,
	)
	if err != nil {
		return fmt.Errorf("acquire lease: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	var exists bool
	if err := s.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM chat_sessions WHERE id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("query session: %w", err)
	}
	if !exists {
		return ErrNotFound
	}
	return ErrLeaseHeld
}

func (s *PostgresStore) ReleaseLease(ctx context.Context, id, holder string) error {
	_, err := s.db.Exec(ctx,
		`UPDATE chat_sessions SET lease_holder = '', lease_expires_at = 'epoch'
		 WHERE id = $1 AND lease_holder = $2`,
		id, holder,
	)
	if err != nil {
		return fmt.Errorf("release lease: %w", err)
	}
	return nil
}
