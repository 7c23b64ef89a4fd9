package chat

import (
	"github.com/bdobrica/podbot/internal/podbot/memoryserver"
	"github.com/bdobrica/podbot/internal/podbot/roles"
	"github.com/bdobrica/podbot/internal/podbot/transcript"
)

// Conversation is the reconciled view of one session. It is rebuilt from the
// transcript store and the memory server on every call and never cached.
type Conversation struct {
	Transcript []transcript.Turn `json:"transcript"`
	Context    Context           `json:"context"`
}

// Context is the memory server's view of the session.
type Context struct {
	Summary       string        `json:"summary"`
	RecentTurns   []ContextTurn `json:"recentTurns"`
	RelevantFacts []Fact        `json:"relevantFacts"`
}

// ContextTurn is a recent turn held in working memory, with its role in the
// caller-facing vocabulary.
type ContextTurn struct {
	Role    roles.TranscriptRole `json:"role"`
	Content string               `json:"content"`
}

// Fact is a long-term memory about the user.
type Fact struct {
	ID        string   `json:"id"`
	Content   string   `json:"content"`
	Topics    []string `json:"topics"`
	CreatedAt string   `json:"createdAt"`
}

func emptyContext() Context {
	return Context{RecentTurns: []ContextTurn{}, RelevantFacts: []Fact{}}
}

func toFacts(in []memoryserver.Fact) []Fact {
	out := make([]Fact, 0, len(in))
	for _, f := range in {
		topics := f.Topics
		if topics == nil {
			topics = []string{}
		}
		out = append(out, Fact{ID: f.ID, Content: f.Text, Topics: topics, CreatedAt: f.CreatedAt})
	}
	return out
}

// toContext translates a working-memory record into the caller-facing view.
func toContext(wm *memoryserver.WorkingMemory) (Context, error) {
	c := Context{
		Summary:       wm.Context,
		RecentTurns:   make([]ContextTurn, 0, len(wm.Messages)),
		RelevantFacts: toFacts(wm.Memories),
	}
	for _, m := range wm.Messages {
		role, err := roles.MemoryToTranscript(m.Role)
		if err != nil {
			return Context{}, err
		}
		c.RecentTurns = append(c.RecentTurns, ContextTurn{Role: role, Content: m.Content})
	}
	return c, nil
}
