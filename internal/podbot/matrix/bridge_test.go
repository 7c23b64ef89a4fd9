package matrix

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/bdobrica/podbot/internal/podbot/chat"
	"github.com/bdobrica/podbot/internal/podbot/llm"
	"github.com/bdobrica/podbot/internal/podbot/roles"
	"github.com/bdobrica/podbot/internal/podbot/store"
	"github.com/bdobrica/podbot/internal/podbot/transcript"
)

// --- fakes -----------------------------------------------------------------

type fakeConversations struct {
	created  []string
	sent     []string // user/session:text
	cleared  []string
	sendErr  error
	noReply  bool
	stale    bool
	facts    []chat.Fact
	sessions int
}

func (f *fakeConversations) CreateSession(_ context.Context, user string) (transcript.Session, error) {
	f.sessions++
	id := fmt.Sprintf("session-%d", f.sessions)
	f.created = append(f.created, user+"/"+id)
	return transcript.Session{ID: id, LastActive: time.Now()}, nil
}

func (f *fakeConversations) SendMessage(_ context.Context, user, session, text string) (*chat.Conversation, error) {
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	f.sent = append(f.sent, user+"/"+session+":"+text)
	if f.stale {
		return &chat.Conversation{Transcript: []transcript.Turn{
			{Role: roles.TranscriptUser, Content: "older question"},
			{Role: roles.TranscriptPodbot, Content: "older answer"},
		}}, nil
	}
	conv := &chat.Conversation{Transcript: []transcript.Turn{
		{Role: roles.TranscriptUser, Content: "older question"},
		{Role: roles.TranscriptPodbot, Content: "older answer"},
		{Role: roles.TranscriptUser, Content: text},
	}}
	if !f.noReply {
		conv.Transcript = append(conv.Transcript, transcript.Turn{Role: roles.TranscriptPodbot, Content: "answer to " + text})
	}
	return conv, nil
}

func (f *fakeConversations) ClearSession(_ context.Context, user, session string) error {
	f.cleared = append(f.cleared, user+"/"+session)
	return nil
}

func (f *fakeConversations) ListMemories(context.Context, string) ([]chat.Fact, error) {
	return f.facts, nil
}

type sent struct {
	kind    string // reply | notice
	roomID  string
	eventID string
	text    string
}

type fakeSender struct {
	out    []sent
	typing []bool
}

func (f *fakeSender) SendReply(_ context.Context, roomID, eventID, text string) error {
	f.out = append(f.out, sent{"reply", roomID, eventID, text})
	return nil
}

func (f *fakeSender) SendNotice(_ context.Context, roomID, text string) error {
	f.out = append(f.out, sent{"notice", roomID, "", text})
	return nil
}

func (f *fakeSender) SetTyping(_ context.Context, _ string, typing bool) error {
	f.typing = append(f.typing, typing)
	return nil
}

func msg(room, sender, body string) Message {
	return Message{RoomID: room, Sender: sender, EventID: "$evt-" + body, Body: body}
}

// --- bridge ----------------------------------------------------------------

func TestBridge_CreatesSessionOnFirstMessageAndReuses(t *testing.T) {
	conv := &fakeConversations{}
	out := &fakeSender{}
	b := NewBridge(conv, out, nil, nil)
	ctx := context.Background()

	b.Handle(ctx, msg("!room:x", "@alice:x", "first"))
	b.Handle(ctx, msg("!room:x", "@alice:x", "second"))

	assert.Equal(t, []string{"@alice:x/session-1"}, conv.created)
	assert.Equal(t, []string{"@alice:x/session-1:first", "@alice:x/session-1:second"}, conv.sent)
	require.Len(t, out.out, 2)
	assert.Equal(t, sent{"reply", "!room:x", "$evt-second", "answer to second"}, out.out[1])
	assert.Equal(t, []bool{true, false, true, false}, out.typing)
}

func TestBridge_SessionPerRoomAndSender(t *testing.T) {
	conv := &fakeConversations{}
	b := NewBridge(conv, &fakeSender{}, nil, nil)
	ctx := context.Background()

	b.Handle(ctx, msg("!a:x", "@alice:x", "hi"))
	b.Handle(ctx, msg("!b:x", "@alice:x", "hi"))
	b.Handle(ctx, msg("!a:x", "@bob:x", "hi"))
	b.Handle(ctx, msg("!a:x", "@alice:x", "again"))

	assert.Len(t, conv.created, 3)
}

func TestBridge_ReplyIsNewestPodbotTurn(t *testing.T) {
	out := &fakeSender{}
	b := NewBridge(&fakeConversations{}, out, nil, nil)

	b.Handle(context.Background(), msg("!r:x", "@alice:x", "what next?"))

	require.Len(t, out.out, 1)
	assert.Equal(t, "answer to what next?", out.out[0].text)
}

func TestBridge_NoReplyPostsNotice(t *testing.T) {
	out := &fakeSender{}
	b := NewBridge(&fakeConversations{noReply: true}, out, nil, nil)

	b.Handle(context.Background(), msg("!r:x", "@alice:x", "hello"))

	require.Len(t, out.out, 1)
	assert.Equal(t, "notice", out.out[0].kind)
	assert.NotContains(t, out.out[0].text, "older answer")
}

func TestBridge_StaleTranscriptPostsNotice(t *testing.T) {
	out := &fakeSender{}
	b := NewBridge(&fakeConversations{stale: true}, out, nil, nil)

	b.Handle(context.Background(), msg("!r:x", "@alice:x", "hello"))

	require.Len(t, out.out, 1)
	assert.Equal(t, "notice", out.out[0].kind)
	assert.NotContains(t, out.out[0].text, "older answer")
}

func TestReplyTo(t *testing.T) {
	user := func(s string) transcript.Turn { return transcript.Turn{Role: roles.TranscriptUser, Content: s} }
	bot := func(s string) transcript.Turn { return transcript.Turn{Role: roles.TranscriptPodbot, Content: s} }

	tests := []struct {
		name  string
		turns []transcript.Turn
		want  string
		ok    bool
	}{
		{"answered", []transcript.Turn{user("a"), bot("A"), user("b"), bot("B")}, "B", true},
		{"ends with user", []transcript.Turn{user("a"), bot("A"), user("b")}, "", false},
		{"answer to another question", []transcript.Turn{user("a"), bot("A")}, "", false},
		{"two podbot turns", []transcript.Turn{user("b"), bot("A"), bot("B")}, "", false},
		{"single turn", []transcript.Turn{bot("B")}, "", false},
		{"empty", nil, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := replyTo(&chat.Conversation{Transcript: tt.turns}, "b")
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
	_, ok := replyTo(nil, "b")
	assert.False(t, ok)
}

func TestBridge_FailurePostsNoticeNeverFabricatedReply(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"rate limited", &llm.InvocationError{Provider: "openai", StatusCode: 429}, "busy"},
		{"model down", &llm.InvocationError{Provider: "openai", StatusCode: 500}, "did not answer"},
		{"bad role", fmt.Errorf("assemble: %w", roles.ErrUnknownRole), "!new"},
		{"other", errors.New("connection refused to 10.0.0.3"), "something went wrong"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := &fakeSender{}
			b := NewBridge(&fakeConversations{sendErr: tt.err}, out, nil, nil)

			b.Handle(context.Background(), msg("!r:x", "@alice:x", "hello"))

			require.Len(t, out.out, 1)
			assert.Equal(t, "notice", out.out[0].kind)
			assert.Contains(t, out.out[0].text, tt.want)
			assert.Contains(t, out.out[0].text, "trace t_")
			assert.NotContains(t, out.out[0].text, "10.0.0.3")
		})
	}
}

func TestBridge_IgnoresBlankMessages(t *testing.T) {
	conv := &fakeConversations{}
	out := &fakeSender{}
	b := NewBridge(conv, out, nil, nil)

	b.Handle(context.Background(), msg("!r:x", "@alice:x", "   "))

	assert.Empty(t, conv.created)
	assert.Empty(t, out.out)
}

func TestBridge_NewClearsAndForgetsSession(t *testing.T) {
	conv := &fakeConversations{}
	out := &fakeSender{}
	b := NewBridge(conv, out, nil, nil)
	ctx := context.Background()

	b.Handle(ctx, msg("!r:x", "@alice:x", "hello"))
	b.Handle(ctx, msg("!r:x", "@alice:x", "!new"))
	b.Handle(ctx, msg("!r:x", "@alice:x", "hello again"))

	assert.Equal(t, []string{"@alice:x/session-1"}, conv.cleared)
	assert.Equal(t, []string{"@alice:x/session-1", "@alice:x/session-2"}, conv.created)
	assert.Equal(t, "notice", out.out[1].kind)
}

func TestBridge_NewWithoutSessionOnlyAcknowledges(t *testing.T) {
	conv := &fakeConversations{}
	out := &fakeSender{}
	b := NewBridge(conv, out, nil, nil)

	b.Handle(context.Background(), msg("!r:x", "@alice:x", "!new"))

	assert.Empty(t, conv.cleared)
	require.Len(t, out.out, 1)
	assert.Equal(t, "notice", out.out[0].kind)
}

func TestBridge_Memories(t *testing.T) {
	out := &fakeSender{}
	conv := &fakeConversations{facts: []chat.Fact{
		{ID: "f1", Content: "enjoys true crime", Topics: []string{"crime"}},
		{ID: "f2", Content: "commutes an hour"},
	}}
	b := NewBridge(conv, out, nil, nil)

	b.Handle(context.Background(), msg("!r:x", "@alice:x", "!memories"))

	require.Len(t, out.out, 1)
	assert.Contains(t, out.out[0].text, "enjoys true crime (crime)")
	assert.Contains(t, out.out[0].text, "commutes an hour")
	assert.Empty(t, conv.created)
}

func TestBridge_MemoriesEmpty(t *testing.T) {
	out := &fakeSender{}
	b := NewBridge(&fakeConversations{}, out, nil, nil)

	b.Handle(context.Background(), msg("!r:x", "@alice:x", "!memories"))

	require.Len(t, out.out, 1)
	assert.Contains(t, out.out[0].text, "don't remember")
}

func TestBridge_Help(t *testing.T) {
	out := &fakeSender{}
	b := NewBridge(&fakeConversations{}, out, nil, nil)

	b.Handle(context.Background(), msg("!r:x", "@alice:x", "!HELP"))

	require.Len(t, out.out, 1)
	assert.True(t, strings.HasPrefix(out.out[0].text, "PodBot commands:"))
	for _, cmd := range []string{"!new", "!reset", "!memories", "!help"} {
		assert.Contains(t, out.out[0].text, cmd)
	}
}

// --- persistence -----------------------------------------------------------

func openDB(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.New(filepath.Join(t.TempDir(), "podbot.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLSessionMap(t *testing.T) {
	ctx := context.Background()
	m := NewSQLSessionMap(openDB(t).DB())

	_, ok, err := m.Lookup(ctx, "!r:x", "@alice:x")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, m.Put(ctx, "!r:x", "@alice:x", "s1"))
	require.NoError(t, m.Put(ctx, "!r:x", "@alice:x", "s2"))
	got, ok, err := m.Lookup(ctx, "!r:x", "@alice:x")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "s2", got)

	_, ok, err = m.Lookup(ctx, "!r:x", "@bob:x")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, m.Forget(ctx, "!r:x", "@alice:x"))
	_, ok, err = m.Lookup(ctx, "!r:x", "@alice:x")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestBridge_SessionSurvivesRestartWithSQLMap(t *testing.T) {
	db := openDB(t).DB()
	ctx := context.Background()
	conv := &fakeConversations{}

	NewBridge(conv, &fakeSender{}, NewSQLSessionMap(db), nil).Handle(ctx, msg("!r:x", "@alice:x", "one"))
	NewBridge(conv, &fakeSender{}, NewSQLSessionMap(db), nil).Handle(ctx, msg("!r:x", "@alice:x", "two"))

	assert.Len(t, conv.created, 1)
	assert.Equal(t, "@alice:x/session-1:two", conv.sent[1])
}

func TestDBSyncStore(t *testing.T) {
	ctx := context.Background()
	s := newDBSyncStore(openDB(t).DB())
	user := id.UserID("@podbot:x")

	batch, err := s.LoadNextBatch(ctx, user)
	require.NoError(t, err)
	assert.Empty(t, batch)

	require.NoError(t, s.SaveNextBatch(ctx, user, "s1_2_3"))
	require.NoError(t, s.SaveNextBatch(ctx, user, "s4_5_6"))
	require.NoError(t, s.SaveFilterID(ctx, user, "filter-1"))

	batch, err = s.LoadNextBatch(ctx, user)
	require.NoError(t, err)
	assert.Equal(t, "s4_5_6", batch)
	filter, err := s.LoadFilterID(ctx, user)
	require.NoError(t, err)
	assert.Equal(t, "filter-1", filter)
}

// --- event filtering -------------------------------------------------------

func TestClient_Accept(t *testing.T) {
	c, err := New(Config{
		Homeserver: "https://matrix.example.org",
		UserID:     "@podbot:example.org",
		Rooms:      []string{"!allowed:example.org"},
	})
	require.NoError(t, err)

	text := func(room, sender string, msgType event.MessageType) *event.Event {
		return &event.Event{
			Type:   event.EventMessage,
			RoomID: id.RoomID(room),
			Sender: id.UserID(sender),
			ID:     id.EventID("$1"),
			Content: event.Content{Parsed: &event.MessageEventContent{
				MsgType: msgType,
				Body:    "hello",
			}},
		}
	}

	got, ok := c.accept(text("!allowed:example.org", "@alice:example.org", event.MsgText))
	require.True(t, ok)
	assert.Equal(t, Message{RoomID: "!allowed:example.org", Sender: "@alice:example.org", EventID: "$1", Body: "hello"}, got)

	_, ok = c.accept(text("!allowed:example.org", "@podbot:example.org", event.MsgText))
	assert.False(t, ok, "own messages")
	_, ok = c.accept(text("!other:example.org", "@alice:example.org", event.MsgText))
	assert.False(t, ok, "unconfigured room")
	_, ok = c.accept(text("!allowed:example.org", "@alice:example.org", event.MsgNotice))
	assert.False(t, ok, "notices")
}
