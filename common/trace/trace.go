// Package trace provides request id generation and context propagation so a
// single PodBot request can be followed across the API handler, the
// orchestrator and every backend call it makes.
package trace

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"
	"time"

	oteltrace "go.opentelemetry.io/otel/trace"
)

// Header is the HTTP header used to accept and echo request ids.
const Header = "X-Request-ID"

// maxInboundIDLen bounds ids supplied by clients.
const maxInboundIDLen = 128

// traceKey is the unexported context key used to store the trace ID.
type traceKey struct{}

// GenerateID generates a unique trace ID.
func GenerateID() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		return fmt.Sprintf("trace_%d", time.Now().UnixNano())
	}
	return "t_" + hex.EncodeToString(bytes)
}

// WithTraceID returns a child context carrying the given trace ID.
func WithTraceID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, traceKey{}, id)
}

// FromContext extracts the trace ID from ctx. When no id was attached
// explicitly it falls back to the OpenTelemetry trace id of the active span,
// and returns "" when neither is present.
func FromContext(ctx context.Context) string {
	if v, ok := ctx.Value(traceKey{}).(string); ok {
		return v
	}
	if sc := oteltrace.SpanContextFromContext(ctx); sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// FromRequest returns the client-supplied request id when it is usable, or a
// freshly generated one otherwise.
func FromRequest(r *http.Request) string {
	id := strings.TrimSpace(r.Header.Get(Header))
	if id == "" || len(id) > maxInboundIDLen || strings.ContainsAny(id, "\r\n") {
		return GenerateID()
	}
	return id
}
