// Package matrix connects PodBot to Matrix rooms. The Client wraps mautrix-go
// and delivers text messages from the configured rooms; the Bridge turns each
// of them into a chat.Orchestrator call and posts the answer back.
package matrix

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// Config holds the Matrix connection parameters.
type Config struct {
	Homeserver  string
	UserID      string
	AccessToken string
	// Rooms are the room IDs PodBot joins and answers in.
	Rooms []string
	// DB, when set, persists the /sync position across restarts. It must
	// have the store migrations applied.
	DB     *sql.DB
	Logger *slog.Logger
}

// Message is an inbound text message.
type Message struct {
	RoomID  string
	Sender  string
	EventID string
	Body    string
}

// MessageHandler is called for each text message in a configured room.
type MessageHandler func(ctx context.Context, msg Message)

// Client is PodBot's Matrix connection.
type Client struct {
	mxc      *mautrix.Client
	cfg      Config
	rooms    map[string]bool
	stopCh   chan struct{}
	stopOnce sync.Once
	logger   *slog.Logger
}

// New creates a client but does not start syncing yet.
func New(cfg Config) (*Client, error) {
	mxc, err := mautrix.NewClient(cfg.Homeserver, id.UserID(cfg.UserID), cfg.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("create matrix client: %w", err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "matrix")

	if cfg.DB != nil {
		mxc.Store = newDBSyncStore(cfg.DB)
	} else {
		logger.Warn("no sync store configured; room history replays on restart")
	}

	rooms := make(map[string]bool, len(cfg.Rooms))
	for _, r := range cfg.Rooms {
		rooms[r] = true
	}
	return &Client{mxc: mxc, cfg: cfg, rooms: rooms, stopCh: make(chan struct{}), logger: logger}, nil
}

// Start joins the configured rooms and begins the sync loop. handler runs on
// the sync goroutine, so messages are answered one at a time. The loop
// reconnects with exponential back-off and stops when ctx is cancelled or
// Stop is called.
func (c *Client) Start(ctx context.Context, handler MessageHandler) error {
	c.logger.Warn("Matrix E2EE is not enabled; messages are in plaintext")

	syncer, ok := c.mxc.Syncer.(*mautrix.DefaultSyncer)
	if !ok {
		return errors.New("matrix: unexpected syncer type")
	}
	syncer.OnEventType(event.EventMessage, func(_ context.Context, evt *event.Event) {
		if msg, ok := c.accept(evt); ok {
			handler(ctx, msg)
		}
	})

	for _, room := range c.cfg.Rooms {
		if err := c.join(ctx, id.RoomID(room)); err != nil {
			return fmt.Errorf("join room %s: %w", room, err)
		}
	}

	go func() {
		<-ctx.Done()
		c.Stop()
	}()

	go func() {
		const (
			backoffMin = 2 * time.Second
			backoffMax = 5 * time.Minute
		)
		backoff := backoffMin
		for {
			err := c.mxc.Sync()
			select {
			case <-c.stopCh:
				return
			default:
			}
			if err == nil {
				return
			}
			c.logger.Error("matrix sync stopped; reconnecting", "err", err, "backoff", backoff)
			select {
			case <-c.stopCh:
				return
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, backoffMax)
		}
	}()
	return nil
}

// Stop halts the sync loop. It is safe to call more than once.
func (c *Client) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopCh)
		c.mxc.StopSync()
	})
}

// accept filters events down to text messages from other users in the
// configured rooms.
func (c *Client) accept(evt *event.Event) (Message, bool) {
	if evt.Sender == id.UserID(c.cfg.UserID) {
		return Message{}, false
	}
	if len(c.rooms) > 0 && !c.rooms[evt.RoomID.String()] {
		return Message{}, false
	}
	content := evt.Content.AsMessage()
	if content == nil || content.MsgType != event.MsgText {
		return Message{}, false
	}
	return Message{
		RoomID:  evt.RoomID.String(),
		Sender:  evt.Sender.String(),
		EventID: evt.ID.String(),
		Body:    content.Body,
	}, true
}

// SendReply posts text as a reply to eventID.
func (c *Client) SendReply(ctx context.Context, roomID, eventID, text string) error {
	content := event.MessageEventContent{
		MsgType: event.MsgText,
		Body:    text,
		RelatesTo: &event.RelatesTo{
			InReplyTo: &event.InReplyTo{EventID: id.EventID(eventID)},
		},
	}
	if _, err := c.mxc.SendMessageEvent(ctx, id.RoomID(roomID), event.EventMessage, &content); err != nil {
		return fmt.Errorf("send reply: %w", err)
	}
	return nil
}

// SendNotice posts an m.notice, used for errors and command output.
func (c *Client) SendNotice(ctx context.Context, roomID, text string) error {
	content := event.MessageEventContent{MsgType: event.MsgNotice, Body: text}
	if _, err := c.mxc.SendMessageEvent(ctx, id.RoomID(roomID), event.EventMessage, &content); err != nil {
		return fmt.Errorf("send notice: %w", err)
	}
	return nil
}

// SetTyping toggles the typing indicator while a reply is generated.
func (c *Client) SetTyping(ctx context.Context, roomID string, typing bool) error {
	if _, err := c.mxc.UserTyping(ctx, id.RoomID(roomID), typing, 30*time.Second); err != nil {
		return fmt.Errorf("set typing: %w", err)
	}
	return nil
}

// join joins a room. M_FORBIDDEN is what homeservers return when the bot is
// already a member.
func (c *Client) join(ctx context.Context, roomID id.RoomID) error {
	if _, err := c.mxc.JoinRoomByID(ctx, roomID); err != nil {
		if errors.Is(err, mautrix.MForbidden) {
			c.logger.Warn("join room: already a member or access denied, continuing", "room", roomID)
			return nil
		}
		return err
	}
	return nil
}
