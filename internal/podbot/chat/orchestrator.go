// Package chat is the conversation core of PodBot. The Orchestrator keeps
// three independently owned backends in agreement: the append-only transcript
// store, the memory server's per-session working memory and the language
// model. There is no transaction spanning them, so the order of operations in
// SendMessage is what keeps them consistent:
//
//  1. read working memory
//  2. assemble the model input
//  3. call the model (nothing has been written yet)
//  4. append both new turns to working memory in process
//  5. replace working memory on the server
//  6. append the user turn, then the assistant turn, to the transcript
//  7. re-read both stores and return the reconciled view
//
// A model failure therefore leaves no trace. A transcript failure after step
// 5 leaves working memory ahead of the transcript; that divergence is logged
// and returned, never repaired automatically. Nothing in this package retries.
package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/bdobrica/podbot/internal/podbot/llm"
	"github.com/bdobrica/podbot/internal/podbot/memoryserver"
	"github.com/bdobrica/podbot/internal/podbot/observability"
	"github.com/bdobrica/podbot/internal/podbot/roles"
	"github.com/bdobrica/podbot/internal/podbot/transcript"
)

const (
	DefaultNamespace        = "podbot"
	DefaultContextWindowMax = 4000
)

var (
	// ErrEmptyMessage is returned by SendMessage for blank text.
	ErrEmptyMessage = errors.New("message is empty")
	// ErrMissingID is returned when a user or session id is blank.
	ErrMissingID = errors.New("user and session ids are required")
)

var tracer = otel.Tracer("github.com/bdobrica/podbot/internal/podbot/chat")

// MemoryService is the subset of the memory server client the orchestrator
// uses. *memoryserver.Client implements it.
type MemoryService interface {
	ReadWorkingMemory(ctx context.Context, namespace, user, session string) (*memoryserver.WorkingMemory, error)
	ReplaceWorkingMemory(ctx context.Context, session string, windowMax int, wm *memoryserver.WorkingMemory) (*memoryserver.WorkingMemory, error)
	SearchLongTermMemory(ctx context.Context, namespace, user string) ([]memoryserver.Fact, error)
	DeleteWorkingMemory(ctx context.Context, namespace, session string) error
}

// Generator produces the assistant reply. *llm.Generator implements it.
type Generator interface {
	Generate(ctx context.Context, messages []llm.Message) (string, error)
}

// Config holds the orchestrator's collaborators and settings.
type Config struct {
	// Namespace scopes every backend key. Defaults to "podbot".
	Namespace string
	// ContextWindowMax is the token budget passed to the memory server on
	// every working-memory write. Defaults to 4000.
	ContextWindowMax int

	Memory      MemoryService
	Transcripts transcript.Store
	Sessions    transcript.Registry
	Model       Generator
	Logger      *slog.Logger
}

// Orchestrator implements the conversation operations. It holds no per-request
// state and is safe for concurrent use; concurrent sends on one session are
// not serialised and the last working-memory write wins.
type Orchestrator struct {
	namespace   string
	windowMax   int
	memory      MemoryService
	transcripts transcript.Store
	sessions    transcript.Registry
	model       Generator
	logger      *slog.Logger
}

// New validates cfg and returns an Orchestrator.
func New(cfg Config) (*Orchestrator, error) {
	switch {
	case cfg.Memory == nil:
		return nil, errors.New("chat: memory service is required")
	case cfg.Transcripts == nil:
		return nil, errors.New("chat: transcript store is required")
	case cfg.Sessions == nil:
		return nil, errors.New("chat: session registry is required")
	case cfg.Model == nil:
		return nil, errors.New("chat: model generator is required")
	}
	if cfg.Namespace == "" {
		cfg.Namespace = DefaultNamespace
	}
	if cfg.ContextWindowMax <= 0 {
		cfg.ContextWindowMax = DefaultContextWindowMax
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		namespace:   cfg.Namespace,
		windowMax:   cfg.ContextWindowMax,
		memory:      cfg.Memory,
		transcripts: cfg.Transcripts,
		sessions:    cfg.Sessions,
		model:       cfg.Model,
		logger:      logger.With("component", "chat", "namespace", cfg.Namespace),
	}, nil
}

// Namespace returns the namespace every operation is scoped to.
func (o *Orchestrator) Namespace() string { return o.namespace }

// ListSessions returns the user's sessions, most recently active first.
func (o *Orchestrator) ListSessions(ctx context.Context, user string) (_ []transcript.Session, err error) {
	ctx, span := o.start(ctx, "chat.ListSessions", user, "")
	defer endSpan(span, &err)

	if strings.TrimSpace(user) == "" {
		return nil, ErrMissingID
	}
	return o.sessions.List(ctx, o.namespace, user)
}

// CreateSession registers a new, empty session for the user.
func (o *Orchestrator) CreateSession(ctx context.Context, user string) (_ transcript.Session, err error) {
	ctx, span := o.start(ctx, "chat.CreateSession", user, "")
	defer endSpan(span, &err)

	if strings.TrimSpace(user) == "" {
		return transcript.Session{}, ErrMissingID
	}
	s, err := o.sessions.Create(ctx, o.namespace, user)
	if err != nil {
		return transcript.Session{}, err
	}
	o.log(ctx).Info("session created", "user_id", user, "session_id", s.ID)
	return s, nil
}

// LoadConversation reads the transcript and working memory concurrently and
// returns the combined view. A failure in either half is logged and that half
// is returned empty, so the call itself only fails on invalid input.
func (o *Orchestrator) LoadConversation(ctx context.Context, user, session string) (_ *Conversation, err error) {
	ctx, span := o.start(ctx, "chat.LoadConversation", user, session)
	defer endSpan(span, &err)

	if strings.TrimSpace(user) == "" || strings.TrimSpace(session) == "" {
		return nil, ErrMissingID
	}
	return o.load(ctx, user, session), nil
}

func (o *Orchestrator) load(ctx context.Context, user, session string) *Conversation {
	logger := o.log(ctx).With("user_id", user, "session_id", session)
	conv := &Conversation{Transcript: []transcript.Turn{}, Context: emptyContext()}

	var g errgroup.Group
	g.Go(func() error {
		turns, err := o.transcripts.Read(ctx, o.namespace, user, session)
		if err != nil {
			logger.Warn("transcript unavailable, showing empty history", "err", err)
			return nil
		}
		conv.Transcript = turns
		return nil
	})
	g.Go(func() error {
		wm, err := o.memory.ReadWorkingMemory(ctx, o.namespace, user, session)
		if err != nil {
			logger.Warn("working memory unavailable, showing empty context", "err", err)
			return nil
		}
		c, err := toContext(wm)
		if err != nil {
			logger.Warn("working memory has untranslatable roles, showing empty context", "err", err)
			return nil
		}
		conv.Context = c
		return nil
	})
	_ = g.Wait()
	return conv
}

// SendMessage runs one user message through the model and records the
// exchange. See the package documentation for the order of operations.
func (o *Orchestrator) SendMessage(ctx context.Context, user, session, text string) (_ *Conversation, err error) {
	ctx, span := o.start(ctx, "chat.SendMessage", user, session)
	defer endSpan(span, &err)

	if strings.TrimSpace(user) == "" || strings.TrimSpace(session) == "" {
		return nil, ErrMissingID
	}
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyMessage
	}
	logger := o.log(ctx).With("user_id", user, "session_id", session)

	// 1. Working memory is the base for both the prompt and the write-back.
	wm, err := o.memory.ReadWorkingMemory(ctx, o.namespace, user, session)
	if err != nil {
		return nil, fmt.Errorf("read working memory: %w", err)
	}

	// 2.
	messages, err := assemble(wm, text)
	if err != nil {
		return nil, fmt.Errorf("assemble model input: %w", err)
	}
	span.AddEvent("model input assembled", trace.WithAttributes(attribute.Int("messages", len(messages))))

	// 3. Nothing has been written yet; a failure here leaves no trace.
	reply, err := o.model.Generate(ctx, messages)
	if err != nil {
		return nil, err
	}

	// 4.
	for _, m := range []llm.Message{
		{Role: roles.ModelUser, Content: text},
		{Role: roles.ModelAssistant, Content: reply},
	} {
		role, err := roles.ModelToMemory(m.Role)
		if err != nil {
			return nil, fmt.Errorf("record %s turn in working memory: %w", m.Role, err)
		}
		wm.Messages = append(wm.Messages, memoryserver.Message{Role: role, Content: m.Content})
	}
	wm.Namespace = o.namespace
	wm.UserID = user
	wm.SessionID = session

	// 5.
	if _, err := o.memory.ReplaceWorkingMemory(ctx, session, o.windowMax, wm); err != nil {
		return nil, fmt.Errorf("replace working memory: %w", err)
	}

	// 6. From here on a failure leaves working memory ahead of the transcript.
	for _, t := range []struct {
		role    roles.TranscriptRole
		content string
	}{
		{roles.TranscriptUser, text},
		{roles.TranscriptPodbot, reply},
	} {
		if _, err := o.transcripts.Append(ctx, o.namespace, user, session, t.role, t.content); err != nil {
			logger.Error("transcript append failed after working memory update; stores have diverged",
				"role", t.role, "err", err)
			return nil, fmt.Errorf("append %s turn to transcript: %w", t.role, err)
		}
	}
	logger.Info("message processed", "message_len", len(text), "reply_len", len(reply))

	// 7.
	return o.load(ctx, user, session), nil
}

// assemble builds the model input: an optional system message carrying the
// summary and facts as JSON, the prior turns in stored order, then the new
// user message.
func assemble(wm *memoryserver.WorkingMemory, text string) ([]llm.Message, error) {
	messages := make([]llm.Message, 0, len(wm.Messages)+2)

	if wm.Context != "" || len(wm.Memories) > 0 {
		memories := wm.Memories
		if memories == nil {
			memories = []memoryserver.Fact{}
		}
		payload, err := json.Marshal(struct {
			Context  string              `json:"context"`
			Memories []memoryserver.Fact `json:"memories"`
		}{wm.Context, memories})
		if err != nil {
			return nil, fmt.Errorf("encode memory context: %w", err)
		}
		messages = append(messages, llm.Message{Role: roles.ModelSystem, Content: string(payload)})
	}

	for i, m := range wm.Messages {
		role, err := roles.MemoryToModel(m.Role)
		if err != nil {
			return nil, fmt.Errorf("working memory message %d: %w", i, err)
		}
		messages = append(messages, llm.Message{Role: role, Content: m.Content})
	}

	messages = append(messages, llm.Message{Role: roles.ModelUser, Content: text})
	return messages, nil
}

// ClearSession removes a session from working memory, the transcript and the
// registry. All three deletions are attempted; the first error is returned.
func (o *Orchestrator) ClearSession(ctx context.Context, user, session string) (err error) {
	ctx, span := o.start(ctx, "chat.ClearSession", user, session)
	defer endSpan(span, &err)

	if strings.TrimSpace(user) == "" || strings.TrimSpace(session) == "" {
		return ErrMissingID
	}
	logger := o.log(ctx).With("user_id", user, "session_id", session)

	var first error
	record := func(what string, err error) {
		if err == nil {
			return
		}
		logger.Warn("session clear step failed", "step", what, "err", err)
		if first == nil {
			first = err
		}
	}
	record("working memory", o.memory.DeleteWorkingMemory(ctx, o.namespace, session))
	record("transcript", o.transcripts.Clear(ctx, o.namespace, user, session))
	record("registry", o.sessions.Delete(ctx, o.namespace, user, session))

	if first == nil {
		logger.Info("session cleared")
	}
	return first
}

// ListMemories returns the user's long-term facts. A memory server failure is
// logged and yields an empty list.
func (o *Orchestrator) ListMemories(ctx context.Context, user string) (_ []Fact, err error) {
	ctx, span := o.start(ctx, "chat.ListMemories", user, "")
	defer endSpan(span, &err)

	if strings.TrimSpace(user) == "" {
		return nil, ErrMissingID
	}
	facts, err := o.memory.SearchLongTermMemory(ctx, o.namespace, user)
	if err != nil {
		o.log(ctx).Warn("long-term memory unavailable, returning none", "user_id", user, "err", err)
		return []Fact{}, nil
	}
	return toFacts(facts), nil
}

func (o *Orchestrator) log(ctx context.Context) *slog.Logger {
	return observability.WithTraceLogger(ctx, o.logger)
}

func (o *Orchestrator) start(ctx context.Context, name, user, session string) (context.Context, trace.Span) {
	attrs := []attribute.KeyValue{attribute.String("podbot.namespace", o.namespace)}
	if user != "" {
		attrs = append(attrs, attribute.String("podbot.user_id", user))
	}
	if session != "" {
		attrs = append(attrs, attribute.String("podbot.session_id", session))
	}
	return tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

func endSpan(span trace.Span, err *error) {
	if *err != nil {
		span.RecordError(*err)
		span.SetStatus(codes.Error, (*err).Error())
	}
	span.End()
}
