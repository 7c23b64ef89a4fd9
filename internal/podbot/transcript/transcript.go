// Package transcript persists the verbatim user-visible exchange of each
// session and keeps the per-user registry of sessions ordered by recency.
//
// Two backends are provided: SQLite (the default, built on the store
// package) and Redis, where a session's transcript is a stream and the
// registry is a sorted set scored by last activity.
package transcript

import (
	"context"
	"fmt"
	"time"

	"github.com/bdobrica/podbot/internal/podbot/roles"
)

// Turn is one immutable entry of a session transcript.
type Turn struct {
	Role      roles.TranscriptRole `json:"role"`
	Content   string               `json:"content"`
	Timestamp time.Time            `json:"timestamp"`
}

// Session is a conversation thread owned by one user.
type Session struct {
	ID         string    `json:"id"`
	LastActive time.Time `json:"lastActive"`
}

// Store is the append-only transcript of each session.
type Store interface {
	// Append durably records one turn after every previously appended turn
	// of the same session, and bumps the session's last-active time when
	// the session is registered.
	Append(ctx context.Context, namespace, user, session string, role roles.TranscriptRole, content string) (Turn, error)
	// Read returns all turns oldest first. An unknown session yields an
	// empty, non-nil slice.
	Read(ctx context.Context, namespace, user, session string) ([]Turn, error)
	// Clear removes every turn of a session.
	Clear(ctx context.Context, namespace, user, session string) error
}

// Registry tracks which sessions a user owns.
type Registry interface {
	Create(ctx context.Context, namespace, user string) (Session, error)
	// List returns the user's sessions, most recently active first. Equal
	// activity times are ordered by descending id.
	List(ctx context.Context, namespace, user string) ([]Session, error)
	Delete(ctx context.Context, namespace, user, session string) error
}

// StoreError reports a failure of the transcript or session backend.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("transcript store: %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

func storeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StoreError{Op: op, Err: err}
}

// Option configures a backend.
type Option func(*options)

type options struct {
	now func() time.Time
}

// WithClock overrides the time source used for turn timestamps and session
// activity.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func millis(t time.Time) int64 { return t.UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }
