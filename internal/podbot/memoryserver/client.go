// Package memoryserver is a client for the Agent Memory Server REST API. The
// server owns each session's working memory (rolling summary, recent turns,
// retrieved facts) and the per-user long-term memory store.
//
// A missing working-memory record or an empty long-term store is not an
// error: reads return an empty value instead. Every other failure is
// reported as *Error. The client never retries.
package memoryserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/bdobrica/podbot/common/trace"
	"github.com/bdobrica/podbot/common/version"
)

const (
	defaultBaseURL = "http://localhost:8000"
	defaultTimeout = 30 * time.Second

	// maxErrorBody bounds how much of a failed response is kept in Error.
	maxErrorBody = 512

	// SearchQuery is the deliberately broad text used to pull back every
	// long-term fact about a user via KNN.
	SearchQuery = "user preferences interests likes dislikes experiences memories"
	// SearchLimit is the largest page the server accepts.
	SearchLimit = 100
)

// Config configures the client.
type Config struct {
	// BaseURL of the memory server. Defaults to http://localhost:8000.
	BaseURL string
	// Timeout for each HTTP request. Defaults to 30s.
	Timeout time.Duration
	// HTTPClient overrides the transport, mainly for tests.
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Client talks to one memory server. It is safe for concurrent use.
type Client struct {
	base   string
	http   *http.Client
	logger *slog.Logger
}

// New returns a Client for cfg.
func New(cfg Config) *Client {
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = defaultBaseURL
	}
	hc := cfg.HTTPClient
	if hc == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		hc = &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{base: base, http: hc, logger: logger.With("component", "memoryserver")}
}

// Error reports a failed memory server call.
type Error struct {
	Op string
	// StatusCode is 0 when no response was received.
	StatusCode int
	Status     string
	Body       string
	Err        error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString("memory server: ")
	b.WriteString(e.Op)
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, ": %s", e.Status)
	}
	if e.Body != "" {
		fmt.Fprintf(&b, ": %s", e.Body)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// ReadWorkingMemory fetches the working memory of a session. A session the
// server has never seen yields an empty record carrying the requested ids.
func (c *Client) ReadWorkingMemory(ctx context.Context, namespace, user, session string) (*WorkingMemory, error) {
	const op = "read working memory"
	q := url.Values{"namespace": {namespace}, "user_id": {user}}

	var wm WorkingMemory
	status, err := c.do(ctx, op, http.MethodGet, workingMemoryPath(session), q, nil, &wm, http.StatusNotFound)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNotFound {
		c.logger.Debug("working memory not found, starting empty",
			"namespace", namespace, "user_id", user, "session_id", session)
		return &WorkingMemory{
			Namespace: namespace,
			UserID:    user,
			SessionID: session,
			Messages:  []Message{},
			Memories:  []Fact{},
		}, nil
	}
	return &wm, nil
}

// ReplaceWorkingMemory overwrites the session's working memory with wm and
// returns the record as stored. windowMax is the token budget the server
// enforces by summarising older messages into the context.
func (c *Client) ReplaceWorkingMemory(ctx context.Context, session string, windowMax int, wm *WorkingMemory) (*WorkingMemory, error) {
	const op = "replace working memory"
	q := url.Values{"context_window_max": {strconv.Itoa(windowMax)}}

	var stored WorkingMemory
	if _, err := c.do(ctx, op, http.MethodPut, workingMemoryPath(session), q, wm, &stored); err != nil {
		return nil, err
	}
	return &stored, nil
}

// SearchLongTermMemory returns the user's long-term facts. A 404 means the
// user has none yet.
func (c *Client) SearchLongTermMemory(ctx context.Context, namespace, user string) ([]Fact, error) {
	const op = "search long-term memory"
	q := url.Values{"namespace": {namespace}, "user_id": {user}}
	body := map[string]any{"text": SearchQuery, "limit": SearchLimit}

	var res SearchResult
	status, err := c.do(ctx, op, http.MethodPost, "/v1/long-term-memory/search", q, body, &res, http.StatusNotFound)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNotFound || res.Memories == nil {
		return []Fact{}, nil
	}
	return res.Memories, nil
}

// DeleteWorkingMemory removes a session's working memory. Deleting a record
// that does not exist succeeds.
func (c *Client) DeleteWorkingMemory(ctx context.Context, namespace, session string) error {
	const op = "delete working memory"
	q := url.Values{"namespace": {namespace}}
	_, err := c.do(ctx, op, http.MethodDelete, workingMemoryPath(session), q, nil, nil, http.StatusNotFound)
	return err
}

// Health checks that the server is up.
func (c *Client) Health(ctx context.Context) error {
	_, err := c.do(ctx, "health", http.MethodGet, "/v1/health", nil, nil, nil)
	return err
}

func workingMemoryPath(session string) string {
	return "/v1/working-memory/" + url.PathEscape(session)
}

// do performs one request. A 2xx response is decoded into out when out is
// non-nil. Status codes listed in tolerated are returned without decoding and
// without error.
func (c *Client) do(ctx context.Context, op, method, path string, query url.Values, in, out any, tolerated ...int) (int, error) {
	u := c.base + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return 0, &Error{Op: op, Err: fmt.Errorf("marshal request: %w", err)}
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return 0, &Error{Op: op, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Client-Version", version.MemoryClientVersion)
	req.Header.Set("User-Agent", version.UserAgent())
	if id := trace.FromContext(ctx); id != "" {
		req.Header.Set(trace.Header, id)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, &Error{Op: op, Err: err}
	}
	defer resp.Body.Close()

	c.logger.Debug("memory server call",
		"op", op, "method", method, "path", path,
		"status", resp.StatusCode, "duration", time.Since(start))

	for _, code := range tolerated {
		if resp.StatusCode == code {
			io.Copy(io.Discard, resp.Body) //nolint:errcheck
			return resp.StatusCode, nil
		}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return resp.StatusCode, &Error{
			Op:         op,
			StatusCode: resp.StatusCode,
			Status:     resp.Status,
			Body:       strings.TrimSpace(string(snippet)),
		}
	}

	if out == nil {
		io.Copy(io.Discard, resp.Body) //nolint:errcheck
		return resp.StatusCode, nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return resp.StatusCode, &Error{
			Op:         op,
			StatusCode: resp.StatusCode,
			Status:     resp.Status,
			Err:        fmt.Errorf("decode response: %w", err),
		}
	}
	return resp.StatusCode, nil
}
