package backlog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Store persists backlog entries in SQLite. Every query is scoped to
// a single user.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// NewStore creates a backlog store, running migrations on first use.
func NewStore(db *sql.DB) (*Store, error) {
	s := &Store{db: db, now: time.Now}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate backlog: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS backlog_entries (
			id           INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id      TEXT NOT NULL,
			game_id      INTEGER NOT NULL DEFAULT 0,
			title        TEXT NOT NULL,
			status       TEXT NOT NULL,
			priority     INTEGER NOT NULL DEFAULT 0,
			hours_played REAL NOT NULL DEFAULT 0,
			notes        TEXT NOT NULL DEFAULT '',
			created_at   TIMESTAMP NOT NULL,
			updated_at   TIMESTAMP NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_backlog_user_status ON backlog_entries(user_id, status);
	`)
	return err
}

const entryColumns = `id, user_id, game_id, title, status, priority, hours_played, notes, created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(row scanner) (*Entry, error) {
	var e Entry
	err := row.Scan(&e.ID, &e.UserID, &e.GameID, &e.Title, &e.Status, &e.Priority,
		&e.HoursPlayed, &e.Notes, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// Add inserts a new entry and returns it with its assigned ID.
func (s *Store) Add(ctx context.Context, e Entry) (*Entry, error) {
	if err := e.validate(); err != nil {
		return nil, err
	}
	now := s.now().UTC()
	e.CreatedAt, e.UpdatedAt = now, now

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO backlog_entries (user_id, game_id, title, status, priority, hours_played, notes, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.UserID, e.GameID, e.Title, string(e.Status), e.Priority, e.HoursPlayed, e.Notes, e.CreatedAt, e.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert entry: %w", err)
	}
	if e.ID, err = res.LastInsertId(); err != nil {
		return nil, fmt.Errorf("insert entry: %w", err)
	}
	return &e, nil
}

// List returns the user's entries ordered by ascending priority, with
// unprioritized entries last and title as the tie breaker.
func (s *Store) List(ctx context.Context, userID string, f Filter) ([]Entry, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}

	where := []string{"user_id = ?"}
	args := []any{userID}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+entryColumns+` FROM backlog_entries
		WHERE `+strings.Join(where, " AND ")+`
		ORDER BY priority = 0, priority ASC, title ASC, id ASC
		LIMIT ?
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("list entries: %w", err)
	}
	defer rows.Close()

	entries := []Entry{}
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		entries = append(entries, *e)
	}
	return entries, rows.Err()
}

// Get returns one of the user's entries.
func (s *Store) Get(ctx context.Context, userID string, id int64) (*Entry, error) {
	e, err := scanEntry(s.db.QueryRowContext(ctx,
		`SELECT `+entryColumns+` FROM backlog_entries WHERE id = ? AND user_id = ?`,
		id, userID,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get entry: %w", err)
	}
	return e, nil
}

// Update applies p to one of the user's entries and returns the result.
// Entries that belong to another user are reported as ErrNotFound and
// left untouched.
func (s *Store) Update(ctx context.Context, userID string, id int64, p Patch) (*Entry, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}
	if p.Empty() {
		return s.Get(ctx, userID, id)
	}

	set := []string{"updated_at = ?"}
	args := []any{s.now().UTC()}
	if p.Status != nil {
		set = append(set, "status = ?")
		args = append(args, string(*p.Status))
	}
	if p.Priority != nil {
		set = append(set, "priority = ?")
		args = append(args, *p.Priority)
	}
	if p.Notes != nil {
		set = append(set, "notes = ?")
		args = append(args, *p.Notes)
	}
	args = append(args, id, userID)

	res, err := s.db.ExecContext(ctx,
		`UPDATE backlog_entries SET `+strings.Join(set, ", ")+` WHERE id = ? AND user_id = ?`,
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("update entry: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrNotFound
	}
	return s.Get(ctx, userID, id)
}
