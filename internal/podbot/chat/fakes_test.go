package chat_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/bdobrica/podbot/internal/podbot/chat"
	"github.com/bdobrica/podbot/internal/podbot/llm"
	"github.com/bdobrica/podbot/internal/podbot/memoryserver"
	"github.com/bdobrica/podbot/internal/podbot/roles"
	"github.com/bdobrica/podbot/internal/podbot/store"
	"github.com/bdobrica/podbot/internal/podbot/transcript"
)

// fakeMemory behaves like the memory server: records are stored by session,
// reads of unknown sessions return an empty record.
type fakeMemory struct {
	mu         sync.Mutex
	records    map[string]*memoryserver.WorkingMemory
	facts      map[string][]memoryserver.Fact
	windowMax  []int
	readErr    error
	replaceErr error
	searchErr  error
	deleteErr  error
	reads      int
	replaces   int
}

func newFakeMemory() *fakeMemory {
	return &fakeMemory{
		records: make(map[string]*memoryserver.WorkingMemory),
		facts:   make(map[string][]memoryserver.Fact),
	}
}

func clone(wm *memoryserver.WorkingMemory) *memoryserver.WorkingMemory {
	data, err := json.Marshal(wm)
	if err != nil {
		panic(err)
	}
	var out memoryserver.WorkingMemory
	if err := json.Unmarshal(data, &out); err != nil {
		panic(err)
	}
	return &out
}

func (f *fakeMemory) ReadWorkingMemory(_ context.Context, namespace, user, session string) (*memoryserver.WorkingMemory, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads++
	if f.readErr != nil {
		return nil, f.readErr
	}
	if wm, ok := f.records[session]; ok {
		return clone(wm), nil
	}
	return &memoryserver.WorkingMemory{
		Namespace: namespace, UserID: user, SessionID: session,
		Messages: []memoryserver.Message{}, Memories: []memoryserver.Fact{},
	}, nil
}

func (f *fakeMemory) ReplaceWorkingMemory(_ context.Context, session string, windowMax int, wm *memoryserver.WorkingMemory) (*memoryserver.WorkingMemory, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replaces++
	f.windowMax = append(f.windowMax, windowMax)
	if f.replaceErr != nil {
		return nil, f.replaceErr
	}
	f.records[session] = clone(wm)
	return clone(wm), nil
}

func (f *fakeMemory) SearchLongTermMemory(_ context.Context, _, user string) ([]memoryserver.Fact, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.searchErr != nil {
		return nil, f.searchErr
	}
	return f.facts[user], nil
}

func (f *fakeMemory) DeleteWorkingMemory(_ context.Context, _, session string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deleteErr != nil {
		return f.deleteErr
	}
	delete(f.records, session)
	return nil
}

func (f *fakeMemory) seed(session string, wm *memoryserver.WorkingMemory) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records[session] = clone(wm)
}

func (f *fakeMemory) record(session string) *memoryserver.WorkingMemory {
	f.mu.Lock()
	defer f.mu.Unlock()
	if wm, ok := f.records[session]; ok {
		return clone(wm)
	}
	return nil
}

// fakeModel answers "reply N" to the Nth call unless err is set.
type fakeModel struct {
	mu    sync.Mutex
	calls [][]llm.Message
	err   error
}

func (m *fakeModel) Generate(_ context.Context, messages []llm.Message) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, messages)
	if m.err != nil {
		return "", m.err
	}
	return fmt.Sprintf("reply %d", len(m.calls)), nil
}

// failingStore fails Append once failAfter successful appends have happened.
type failingStore struct {
	transcript.Store
	mu        sync.Mutex
	appends   int
	failAfter int
	err       error
	readErr   error
	clearErr  error
}

func (s *failingStore) Append(ctx context.Context, namespace, user, session string, role roles.TranscriptRole, content string) (transcript.Turn, error) {
	s.mu.Lock()
	n := s.appends
	s.appends++
	s.mu.Unlock()
	if s.err != nil && n >= s.failAfter {
		return transcript.Turn{}, &transcript.StoreError{Op: "append", Err: s.err}
	}
	return s.Store.Append(ctx, namespace, user, session, role, content)
}

func (s *failingStore) Read(ctx context.Context, namespace, user, session string) ([]transcript.Turn, error) {
	if s.readErr != nil {
		return nil, &transcript.StoreError{Op: "read", Err: s.readErr}
	}
	return s.Store.Read(ctx, namespace, user, session)
}

func (s *failingStore) Clear(ctx context.Context, namespace, user, session string) error {
	if s.clearErr != nil {
		return &transcript.StoreError{Op: "clear", Err: s.clearErr}
	}
	return s.Store.Clear(ctx, namespace, user, session)
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Second)
	return c.t
}

type harness struct {
	orch     *chat.Orchestrator
	memory   *fakeMemory
	model    *fakeModel
	store    *failingStore
	registry transcript.Registry
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db, err := store.New(filepath.Join(t.TempDir(), "chat.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	c := &clock{t: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)}
	h := &harness{
		memory:   newFakeMemory(),
		model:    &fakeModel{},
		store:    &failingStore{Store: transcript.NewSQLiteStore(db.DB(), transcript.WithClock(c.Now))},
		registry: transcript.NewSQLiteRegistry(db.DB(), transcript.WithClock(c.Now)),
	}
	h.orch, err = chat.New(chat.Config{
		ContextWindowMax: 2048,
		Memory:           h.memory,
		Transcripts:      h.store,
		Sessions:         h.registry,
		Model:            h.model,
	})
	require.NoError(t, err)
	return h
}

var errBackend = errors.New("backend down")
