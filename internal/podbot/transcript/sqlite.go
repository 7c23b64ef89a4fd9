package transcript

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/bdobrica/podbot/internal/podbot/roles"
)

// SQLiteStore keeps transcripts in the turns table.
type SQLiteStore struct {
	db   *sql.DB
	opts options
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore returns a Store backed by db, which must carry the schema
// applied by store.New.
func NewSQLiteStore(db *sql.DB, opts ...Option) *SQLiteStore {
	return &SQLiteStore{db: db, opts: buildOptions(opts)}
}

// Append implements Store.
func (s *SQLiteStore) Append(ctx context.Context, namespace, user, session string, role roles.TranscriptRole, content string) (Turn, error) {
	if _, err := roles.ParseTranscriptRole(string(role)); err != nil {
		return Turn{}, err
	}
	now := s.opts.now()
	ts := millis(now)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Turn{}, storeErr("append", fmt.Errorf("begin: %w", err))
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO turns (namespace, user_id, session_id, role, content, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, namespace, user, session, string(role), content, ts); err != nil {
		return Turn{}, storeErr("append", err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE sessions SET last_active = ?
		WHERE namespace = ? AND user_id = ? AND id = ?
	`, ts, namespace, user, session); err != nil {
		return Turn{}, storeErr("append", fmt.Errorf("touch session: %w", err))
	}
	if err := tx.Commit(); err != nil {
		return Turn{}, storeErr("append", fmt.Errorf("commit: %w", err))
	}
	return Turn{Role: role, Content: content, Timestamp: fromMillis(ts)}, nil
}

// Read implements Store.
func (s *SQLiteStore) Read(ctx context.Context, namespace, user, session string) ([]Turn, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT role, content, created_at FROM turns
		WHERE namespace = ? AND user_id = ? AND session_id = ?
		ORDER BY seq ASC
	`, namespace, user, session)
	if err != nil {
		return nil, storeErr("read", err)
	}
	defer rows.Close()

	turns := []Turn{}
	for rows.Next() {
		var (
			raw, content string
			ts           int64
		)
		if err := rows.Scan(&raw, &content, &ts); err != nil {
			return nil, storeErr("read", err)
		}
		role, err := roles.ParseTranscriptRole(raw)
		if err != nil {
			return nil, storeErr("read", err)
		}
		turns = append(turns, Turn{Role: role, Content: content, Timestamp: fromMillis(ts)})
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("read", err)
	}
	return turns, nil
}

// Clear implements Store.
func (s *SQLiteStore) Clear(ctx context.Context, namespace, user, session string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM turns WHERE namespace = ? AND user_id = ? AND session_id = ?
	`, namespace, user, session)
	return storeErr("clear", err)
}

// SQLiteRegistry keeps the session registry in the sessions table.
type SQLiteRegistry struct {
	db   *sql.DB
	opts options
}

var _ Registry = (*SQLiteRegistry)(nil)

// NewSQLiteRegistry returns a Registry backed by db.
func NewSQLiteRegistry(db *sql.DB, opts ...Option) *SQLiteRegistry {
	return &SQLiteRegistry{db: db, opts: buildOptions(opts)}
}

// Create implements Registry.
func (r *SQLiteRegistry) Create(ctx context.Context, namespace, user string) (Session, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return Session{}, storeErr("create session", fmt.Errorf("generate id: %w", err))
	}
	ts := millis(r.opts.now())
	if _, err := r.db.ExecContext(ctx, `
		INSERT INTO sessions (namespace, user_id, id, created_at, last_active)
		VALUES (?, ?, ?, ?, ?)
	`, namespace, user, id.String(), ts, ts); err != nil {
		return Session{}, storeErr("create session", err)
	}
	return Session{ID: id.String(), LastActive: fromMillis(ts)}, nil
}

// List implements Registry.
func (r *SQLiteRegistry) List(ctx context.Context, namespace, user string) ([]Session, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, last_active FROM sessions
		WHERE namespace = ? AND user_id = ?
		ORDER BY last_active DESC, id DESC
	`, namespace, user)
	if err != nil {
		return nil, storeErr("list sessions", err)
	}
	defer rows.Close()

	sessions := []Session{}
	for rows.Next() {
		var (
			id string
			ts int64
		)
		if err := rows.Scan(&id, &ts); err != nil {
			return nil, storeErr("list sessions", err)
		}
		sessions = append(sessions, Session{ID: id, LastActive: fromMillis(ts)})
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("list sessions", err)
	}
	return sessions, nil
}

// Delete implements Registry. Deleting an unknown session is not an error.
func (r *SQLiteRegistry) Delete(ctx context.Context, namespace, user, session string) error {
	_, err := r.db.ExecContext(ctx, `
		DELETE FROM sessions WHERE namespace = ? AND user_id = ? AND id = ?
	`, namespace, user, session)
	return storeErr("delete session", err)
}
