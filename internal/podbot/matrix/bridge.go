package matrix

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/bdobrica/podbot/common/trace"
	"github.com/bdobrica/podbot/internal/podbot/chat"
	"github.com/bdobrica/podbot/internal/podbot/llm"
	"github.com/bdobrica/podbot/internal/podbot/observability"
	"github.com/bdobrica/podbot/internal/podbot/roles"
	"github.com/bdobrica/podbot/internal/podbot/transcript"
)

// Conversations is the part of chat.Orchestrator the bridge drives.
type Conversations interface {
	CreateSession(ctx context.Context, user string) (transcript.Session, error)
	SendMessage(ctx context.Context, user, session, text string) (*chat.Conversation, error)
	ClearSession(ctx context.Context, user, session string) error
	ListMemories(ctx context.Context, user string) ([]chat.Fact, error)
}

var _ Conversations = (*chat.Orchestrator)(nil)

// Sender posts back into a room. *Client implements it.
type Sender interface {
	SendReply(ctx context.Context, roomID, eventID, text string) error
	SendNotice(ctx context.Context, roomID, text string) error
	SetTyping(ctx context.Context, roomID string, typing bool) error
}

var _ Sender = (*Client)(nil)

const helpText = `PodBot commands:
!new       start a fresh conversation (also !reset)
!memories  show what PodBot remembers about you
!help      this message
Anything else is sent to PodBot.`

// Bridge answers Matrix messages with the conversation orchestrator. Each
// (room, sender) pair talks in its own session, created on first message.
type Bridge struct {
	conv     Conversations
	sender   Sender
	sessions SessionMap
	logger   *slog.Logger
}

// NewBridge returns a Bridge. A nil sessions map keeps the mapping in memory.
func NewBridge(conv Conversations, sender Sender, sessions SessionMap, logger *slog.Logger) *Bridge {
	if sessions == nil {
		sessions = NewMemorySessionMap()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{conv: conv, sender: sender, sessions: sessions, logger: logger.With("component", "matrix_bridge")}
}

// Handle processes one inbound message. It is a MessageHandler.
func (b *Bridge) Handle(ctx context.Context, msg Message) {
	ctx = trace.WithTraceID(ctx, trace.GenerateID())
	logger := observability.WithTraceLogger(ctx, b.logger).With("room_id", msg.RoomID, "user_id", msg.Sender)

	text := strings.TrimSpace(msg.Body)
	if text == "" {
		return
	}

	var err error
	switch strings.ToLower(text) {
	case "!help":
		err = b.sender.SendNotice(ctx, msg.RoomID, helpText)
	case "!new", "!reset":
		err = b.reset(ctx, msg)
	case "!memories":
		err = b.memories(ctx, msg)
	default:
		err = b.answer(ctx, msg, text)
	}
	if err != nil {
		logger.Error("could not handle matrix message", "err", err)
		b.notify(ctx, msg.RoomID, failureNotice(ctx, err))
	}
}

func (b *Bridge) answer(ctx context.Context, msg Message, text string) error {
	session, err := b.session(ctx, msg)
	if err != nil {
		return err
	}

	if err := b.sender.SetTyping(ctx, msg.RoomID, true); err != nil {
		b.logger.Debug("typing indicator failed", "err", err)
	}
	conv, err := b.conv.SendMessage(ctx, msg.Sender, session, text)
	if err := b.sender.SetTyping(ctx, msg.RoomID, false); err != nil {
		b.logger.Debug("typing indicator failed", "err", err)
	}
	if err != nil {
		return err
	}

	reply, ok := replyTo(conv, text)
	if !ok {
		return errors.New("no reply in the reconciled transcript")
	}
	return b.sender.SendReply(ctx, msg.RoomID, msg.EventID, reply)
}

// session returns the pair's session, creating and recording one if needed.
func (b *Bridge) session(ctx context.Context, msg Message) (string, error) {
	id, ok, err := b.sessions.Lookup(ctx, msg.RoomID, msg.Sender)
	if err != nil {
		return "", fmt.Errorf("look up session: %w", err)
	}
	if ok {
		return id, nil
	}
	s, err := b.conv.CreateSession(ctx, msg.Sender)
	if err != nil {
		return "", err
	}
	if err := b.sessions.Put(ctx, msg.RoomID, msg.Sender, s.ID); err != nil {
		return "", fmt.Errorf("record session: %w", err)
	}
	return s.ID, nil
}

func (b *Bridge) reset(ctx context.Context, msg Message) error {
	id, ok, err := b.sessions.Lookup(ctx, msg.RoomID, msg.Sender)
	if err != nil {
		return fmt.Errorf("look up session: %w", err)
	}
	if ok {
		if err := b.conv.ClearSession(ctx, msg.Sender, id); err != nil {
			return err
		}
		if err := b.sessions.Forget(ctx, msg.RoomID, msg.Sender); err != nil {
			return fmt.Errorf("forget session: %w", err)
		}
	}
	return b.sender.SendNotice(ctx, msg.RoomID, "Started a fresh conversation.")
}

func (b *Bridge) memories(ctx context.Context, msg Message) error {
	facts, err := b.conv.ListMemories(ctx, msg.Sender)
	if err != nil {
		return err
	}
	if len(facts) == 0 {
		return b.sender.SendNotice(ctx, msg.RoomID, "I don't remember anything about you yet.")
	}
	var sb strings.Builder
	sb.WriteString("What I remember about you:\n")
	for _, f := range facts {
		sb.WriteString("• ")
		sb.WriteString(f.Content)
		if len(f.Topics) > 0 {
			sb.WriteString(" (" + strings.Join(f.Topics, ", ") + ")")
		}
		sb.WriteString("\n")
	}
	return b.sender.SendNotice(ctx, msg.RoomID, strings.TrimRight(sb.String(), "\n"))
}

func (b *Bridge) notify(ctx context.Context, roomID, text string) {
	if err := b.sender.SendNotice(ctx, roomID, text); err != nil {
		b.logger.Error("could not post notice", "room_id", roomID, "err", err)
	}
}

// replyTo returns the podbot turn answering text. The transcript must end
// with the user turn for text followed by a podbot turn; an earlier answer is
// never returned.
func replyTo(conv *chat.Conversation, text string) (string, bool) {
	if conv == nil || len(conv.Transcript) < 2 {
		return "", false
	}
	last := conv.Transcript[len(conv.Transcript)-1]
	prev := conv.Transcript[len(conv.Transcript)-2]
	if last.Role != roles.TranscriptPodbot || prev.Role != roles.TranscriptUser || prev.Content != text {
		return "", false
	}
	return last.Content, true
}

// failureNotice describes err without backend detail.
func failureNotice(ctx context.Context, err error) string {
	var (
		modelErr *llm.InvocationError
		reason   string
	)
	switch {
	case errors.As(err, &modelErr) && modelErr.RateLimited():
		reason = "the language model is busy, try again in a moment"
	case errors.As(err, &modelErr):
		reason = "the language model did not answer"
	case errors.Is(err, roles.ErrUnknownRole), errors.Is(err, roles.ErrUnsupportedRole):
		reason = "this conversation's stored history is unreadable; send !new to start over"
	default:
		reason = "something went wrong"
	}
	return fmt.Sprintf("⚠️ PodBot could not answer: %s (trace %s)", reason, trace.FromContext(ctx))
}
