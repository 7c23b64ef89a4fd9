package transcript_test

import (
	"context"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bdobrica/podbot/internal/podbot/roles"
	"github.com/bdobrica/podbot/internal/podbot/store"
	"github.com/bdobrica/podbot/internal/podbot/transcript"
)

const ns = "podbot"

// fakeClock hands out a fixed time until advanced.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type backend struct {
	name  string
	store transcript.Store
	reg   transcript.Registry
	// corrupt writes a turn with an invalid role behind the adapter's back.
	corrupt func(t *testing.T, user, session string)
}

func newSQLiteBackend(t *testing.T, clock *fakeClock) backend {
	t.Helper()
	s, err := store.New(filepath.Join(t.TempDir(), "transcript.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	return backend{
		name:  "sqlite",
		store: transcript.NewSQLiteStore(s.DB(), transcript.WithClock(clock.Now)),
		reg:   transcript.NewSQLiteRegistry(s.DB(), transcript.WithClock(clock.Now)),
		corrupt: func(t *testing.T, user, session string) {
			_, err := s.DB().Exec(`
				INSERT INTO turns (namespace, user_id, session_id, role, content, created_at)
				VALUES (?, ?, ?, 'narrator', 'x', 0)
			`, ns, user, session)
			require.NoError(t, err)
		},
	}
}

func newRedisBackend(t *testing.T, clock *fakeClock) backend {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	return backend{
		name:  "redis",
		store: transcript.NewRedisStore(rdb, transcript.WithClock(clock.Now)),
		reg:   transcript.NewRedisRegistry(rdb, transcript.WithClock(clock.Now)),
		corrupt: func(t *testing.T, user, session string) {
			err := rdb.XAdd(context.Background(), &redis.XAddArgs{
				Stream: ns + ":chat:" + user + ":" + session,
				Values: map[string]interface{}{"role": "narrator", "content": "x", "timestamp": "0"},
			}).Err()
			require.NoError(t, err)
		},
	}
}

func forEachBackend(t *testing.T, fn func(t *testing.T, b backend, clock *fakeClock)) {
	for _, mk := range []func(*testing.T, *fakeClock) backend{newSQLiteBackend, newRedisBackend} {
		clock := newFakeClock()
		b := mk(t, clock)
		t.Run(b.name, func(t *testing.T) { fn(t, b, clock) })
	}
}

func TestAppendPreservesOrder(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b backend, clock *fakeClock) {
		ctx := context.Background()
		sess, err := b.reg.Create(ctx, ns, "alice")
		require.NoError(t, err)

		for i := 0; i < 3; i++ {
			clock.Advance(time.Second)
			_, err := b.store.Append(ctx, ns, "alice", sess.ID, roles.TranscriptUser, "question")
			require.NoError(t, err)
			_, err = b.store.Append(ctx, ns, "alice", sess.ID, roles.TranscriptPodbot, "answer")
			require.NoError(t, err)
		}

		turns, err := b.store.Read(ctx, ns, "alice", sess.ID)
		require.NoError(t, err)
		require.Len(t, turns, 6)
		for i, turn := range turns {
			if i%2 == 0 {
				assert.Equal(t, roles.TranscriptUser, turn.Role)
				assert.Equal(t, "question", turn.Content)
			} else {
				assert.Equal(t, roles.TranscriptPodbot, turn.Role)
				assert.Equal(t, "answer", turn.Content)
			}
		}
		assert.True(t, turns[0].Timestamp.Before(turns[5].Timestamp))
	})
}

func TestReadUnknownSessionIsEmpty(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b backend, _ *fakeClock) {
		turns, err := b.store.Read(context.Background(), ns, "alice", "no-such-session")
		require.NoError(t, err)
		assert.NotNil(t, turns)
		assert.Empty(t, turns)

		sessions, err := b.reg.List(context.Background(), ns, "nobody")
		require.NoError(t, err)
		assert.NotNil(t, sessions)
		assert.Empty(t, sessions)
	})
}

func TestListOrdersByRecency(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b backend, clock *fakeClock) {
		ctx := context.Background()
		var ids []string
		for i := 0; i < 3; i++ {
			clock.Advance(time.Minute)
			s, err := b.reg.Create(ctx, ns, "alice")
			require.NoError(t, err)
			ids = append(ids, s.ID)
		}

		sessions, err := b.reg.List(ctx, ns, "alice")
		require.NoError(t, err)
		require.Len(t, sessions, 3)
		assert.Equal(t, []string{ids[2], ids[1], ids[0]}, sessionIDs(sessions))

		// Activity on the oldest session moves it to the front.
		clock.Advance(time.Minute)
		_, err = b.store.Append(ctx, ns, "alice", ids[0], roles.TranscriptUser, "hi")
		require.NoError(t, err)

		sessions, err = b.reg.List(ctx, ns, "alice")
		require.NoError(t, err)
		assert.Equal(t, []string{ids[0], ids[2], ids[1]}, sessionIDs(sessions))
		assert.True(t, clock.Now().Equal(sessions[0].LastActive))
	})
}

func TestListTiesBrokenByDescendingID(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b backend, _ *fakeClock) {
		ctx := context.Background()
		var ids []string
		for i := 0; i < 3; i++ {
			s, err := b.reg.Create(ctx, ns, "alice")
			require.NoError(t, err)
			ids = append(ids, s.ID)
		}
		sort.Sort(sort.Reverse(sort.StringSlice(ids)))

		sessions, err := b.reg.List(ctx, ns, "alice")
		require.NoError(t, err)
		assert.Equal(t, ids, sessionIDs(sessions))
	})
}

func TestSessionsAreScopedPerUser(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b backend, _ *fakeClock) {
		ctx := context.Background()
		_, err := b.reg.Create(ctx, ns, "alice")
		require.NoError(t, err)

		sessions, err := b.reg.List(ctx, ns, "bob")
		require.NoError(t, err)
		assert.Empty(t, sessions)

		sessions, err = b.reg.List(ctx, "other", "alice")
		require.NoError(t, err)
		assert.Empty(t, sessions)
	})
}

func TestAppendDoesNotRegisterUnknownSession(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b backend, _ *fakeClock) {
		ctx := context.Background()
		_, err := b.store.Append(ctx, ns, "alice", "adhoc", roles.TranscriptUser, "hi")
		require.NoError(t, err)

		sessions, err := b.reg.List(ctx, ns, "alice")
		require.NoError(t, err)
		assert.Empty(t, sessions)

		turns, err := b.store.Read(ctx, ns, "alice", "adhoc")
		require.NoError(t, err)
		assert.Len(t, turns, 1)
	})
}

func TestClearAndDelete(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b backend, _ *fakeClock) {
		ctx := context.Background()
		s, err := b.reg.Create(ctx, ns, "alice")
		require.NoError(t, err)
		_, err = b.store.Append(ctx, ns, "alice", s.ID, roles.TranscriptUser, "hi")
		require.NoError(t, err)

		require.NoError(t, b.store.Clear(ctx, ns, "alice", s.ID))
		require.NoError(t, b.reg.Delete(ctx, ns, "alice", s.ID))

		turns, err := b.store.Read(ctx, ns, "alice", s.ID)
		require.NoError(t, err)
		assert.Empty(t, turns)
		sessions, err := b.reg.List(ctx, ns, "alice")
		require.NoError(t, err)
		assert.Empty(t, sessions)

		// Repeating is harmless.
		require.NoError(t, b.store.Clear(ctx, ns, "alice", s.ID))
		require.NoError(t, b.reg.Delete(ctx, ns, "alice", s.ID))
	})
}

func TestAppendRejectsUnknownRole(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b backend, _ *fakeClock) {
		_, err := b.store.Append(context.Background(), ns, "alice", "s", "assistant", "hi")
		require.ErrorIs(t, err, roles.ErrUnknownRole)
	})
}

func TestReadFailsOnUnknownStoredRole(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b backend, _ *fakeClock) {
		b.corrupt(t, "alice", "s1")

		_, err := b.store.Read(context.Background(), ns, "alice", "s1")
		require.ErrorIs(t, err, roles.ErrUnknownRole)
		var se *transcript.StoreError
		require.ErrorAs(t, err, &se)
		assert.Equal(t, "read", se.Op)
	})
}

func TestRedisUnavailable(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { rdb.Close() })
	mr.Close()

	s := transcript.NewRedisStore(rdb)
	_, err := s.Read(context.Background(), ns, "alice", "s1")
	var se *transcript.StoreError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "read", se.Op)
}

func sessionIDs(sessions []transcript.Session) []string {
	ids := make([]string, len(sessions))
	for i, s := range sessions {
		ids[i] = s.ID
	}
	return ids
}
