package matrix

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"time"
)

// SessionMap remembers which PodBot session a sender is using in a room.
type SessionMap interface {
	// Lookup returns ("", false, nil) when the pair has no session yet.
	Lookup(ctx context.Context, roomID, sender string) (string, bool, error)
	Put(ctx context.Context, roomID, sender, sessionID string) error
	Forget(ctx context.Context, roomID, sender string) error
}

// --- SQLite ---

type sqlSessionMap struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLSessionMap stores the mapping in the matrix_sessions table.
func NewSQLSessionMap(db *sql.DB) SessionMap {
	return &sqlSessionMap{db: db, now: time.Now}
}

func (m *sqlSessionMap) Lookup(ctx context.Context, roomID, sender string) (string, bool, error) {
	var session string
	err := m.db.QueryRowContext(ctx,
		`SELECT session_id FROM matrix_sessions WHERE room_id = ? AND sender = ?`,
		roomID, sender,
	).Scan(&session)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return "", false, nil
	case err != nil:
		return "", false, err
	}
	return session, true, nil
}

func (m *sqlSessionMap) Put(ctx context.Context, roomID, sender, sessionID string) error {
	_, err := m.db.ExecContext(ctx, `
		INSERT INTO matrix_sessions (room_id, sender, session_id, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(room_id, sender) DO UPDATE
		SET session_id = excluded.session_id, created_at = excluded.created_at
	`, roomID, sender, sessionID, m.now().UnixMilli())
	return err
}

func (m *sqlSessionMap) Forget(ctx context.Context, roomID, sender string) error {
	_, err := m.db.ExecContext(ctx,
		`DELETE FROM matrix_sessions WHERE room_id = ? AND sender = ?`, roomID, sender)
	return err
}

// --- in memory ---

type memorySessionMap struct {
	mu       sync.Mutex
	sessions map[string]string
}

// NewMemorySessionMap keeps the mapping in process; every restart starts new
// sessions.
func NewMemorySessionMap() SessionMap {
	return &memorySessionMap{sessions: make(map[string]string)}
}

func pairKey(roomID, sender string) string { return roomID + "\x00" + sender }

func (m *memorySessionMap) Lookup(_ context.Context, roomID, sender string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[pairKey(roomID, sender)]
	return s, ok, nil
}

func (m *memorySessionMap) Put(_ context.Context, roomID, sender, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[pairKey(roomID, sender)] = sessionID
	return nil
}

func (m *memorySessionMap) Forget(_ context.Context, roomID, sender string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, pairKey(roomID, sender))
	return nil
}
