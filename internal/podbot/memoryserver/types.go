package memoryserver

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/bdobrica/podbot/internal/podbot/roles"
)

// WorkingMemory is the memory server's per-session record. Fields PodBot does
// not use are kept in Extra and written back unchanged on replace.
type WorkingMemory struct {
	Namespace string
	UserID    string
	SessionID string
	// Context is the rolling summary of turns that fell out of the window.
	Context  string
	Messages []Message
	Memories []Fact
	Extra    map[string]json.RawMessage
}

// Message is one recent turn as the memory server stores it.
type Message struct {
	Role    roles.MemoryRole
	Content string
	Extra   map[string]json.RawMessage
}

// Fact is a long-term memory extracted by the server.
type Fact struct {
	ID        string
	Text      string
	Topics    []string
	CreatedAt string
	Extra     map[string]json.RawMessage
}

// SearchResult is the response envelope of a long-term memory search.
type SearchResult struct {
	Memories   []Fact  `json:"memories"`
	Total      int     `json:"total"`
	NextOffset *string `json:"next_offset"`
}

type workingMemoryWire struct {
	Namespace string    `json:"namespace"`
	UserID    string    `json:"user_id"`
	SessionID string    `json:"session_id"`
	Context   string    `json:"context"`
	Messages  []Message `json:"messages"`
	Memories  []Fact    `json:"memories"`
}

var workingMemoryFields = []string{"namespace", "user_id", "session_id", "context", "messages", "memories"}

// MarshalJSON implements json.Marshaler.
func (wm WorkingMemory) MarshalJSON() ([]byte, error) {
	w := workingMemoryWire{
		Namespace: wm.Namespace,
		UserID:    wm.UserID,
		SessionID: wm.SessionID,
		Context:   wm.Context,
		Messages:  wm.Messages,
		Memories:  wm.Memories,
	}
	if w.Messages == nil {
		w.Messages = []Message{}
	}
	if w.Memories == nil {
		w.Memories = []Fact{}
	}
	doc, err := json.Marshal(w)
	if err != nil {
		return nil, err
	}
	return mergeExtra(doc, wm.Extra, workingMemoryFields)
}

// UnmarshalJSON implements json.Unmarshaler.
func (wm *WorkingMemory) UnmarshalJSON(data []byte) error {
	var w workingMemoryWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*wm = WorkingMemory{
		Namespace: w.Namespace,
		UserID:    w.UserID,
		SessionID: w.SessionID,
		Context:   w.Context,
		Messages:  w.Messages,
		Memories:  w.Memories,
		Extra:     splitExtra(data, workingMemoryFields),
	}
	if wm.Messages == nil {
		wm.Messages = []Message{}
	}
	if wm.Memories == nil {
		wm.Memories = []Fact{}
	}
	return nil
}

type messageWire struct {
	Role    roles.MemoryRole `json:"role"`
	Content string           `json:"content"`
}

var messageFields = []string{"role", "content"}

// MarshalJSON implements json.Marshaler.
func (m Message) MarshalJSON() ([]byte, error) {
	doc, err := json.Marshal(messageWire{Role: m.Role, Content: m.Content})
	if err != nil {
		return nil, err
	}
	return mergeExtra(doc, m.Extra, messageFields)
}

// UnmarshalJSON implements json.Unmarshaler.
func (m *Message) UnmarshalJSON(data []byte) error {
	var w messageWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*m = Message{Role: w.Role, Content: w.Content, Extra: splitExtra(data, messageFields)}
	return nil
}

type factWire struct {
	ID        string   `json:"id"`
	Text      string   `json:"text"`
	Topics    []string `json:"topics"`
	CreatedAt string   `json:"created_at"`
}

var factFields = []string{"id", "text", "topics", "created_at"}

// MarshalJSON implements json.Marshaler.
func (f Fact) MarshalJSON() ([]byte, error) {
	w := factWire{ID: f.ID, Text: f.Text, Topics: f.Topics, CreatedAt: f.CreatedAt}
	if w.Topics == nil {
		w.Topics = []string{}
	}
	doc, err := json.Marshal(w)
	if err != nil {
		return nil, err
	}
	return mergeExtra(doc, f.Extra, factFields)
}

// UnmarshalJSON implements json.Unmarshaler.
func (f *Fact) UnmarshalJSON(data []byte) error {
	var w factWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*f = Fact{ID: w.ID, Text: w.Text, Topics: w.Topics, CreatedAt: w.CreatedAt, Extra: splitExtra(data, factFields)}
	if f.Topics == nil {
		f.Topics = []string{}
	}
	return nil
}

// splitExtra collects the members of a JSON object whose keys are not in
// known. It returns nil when there are none.
func splitExtra(data []byte, known []string) map[string]json.RawMessage {
	var extra map[string]json.RawMessage
	gjson.ParseBytes(data).ForEach(func(k, v gjson.Result) bool {
		key := k.String()
		if isKnown(key, known) {
			return true
		}
		if extra == nil {
			extra = make(map[string]json.RawMessage)
		}
		extra[key] = json.RawMessage(v.Raw)
		return true
	})
	return extra
}

// mergeExtra adds the extra members to the JSON object doc. Known keys are
// never overwritten.
func mergeExtra(doc []byte, extra map[string]json.RawMessage, known []string) ([]byte, error) {
	if len(extra) == 0 {
		return doc, nil
	}
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var err error
	for _, k := range keys {
		if isKnown(k, known) {
			continue
		}
		raw := extra[k]
		if !gjson.ValidBytes(raw) {
			return nil, fmt.Errorf("extra field %q: invalid JSON", k)
		}
		doc, err = sjson.SetRawBytes(doc, escapePath(k), raw)
		if err != nil {
			return nil, fmt.Errorf("extra field %q: %w", k, err)
		}
	}
	return doc, nil
}

func isKnown(key string, known []string) bool {
	for _, k := range known {
		if k == key {
			return true
		}
	}
	return false
}

var pathEscaper = strings.NewReplacer(`\`, `\\`, ".", `\.`, "*", `\*`, "?", `\?`)

// escapePath turns an object key into a literal sjson path.
func escapePath(key string) string {
	return pathEscaper.Replace(key)
}
