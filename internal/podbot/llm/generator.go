package llm

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/bdobrica/podbot/internal/podbot/roles"
)

var tracer = otel.Tracer("github.com/bdobrica/podbot/internal/podbot/llm")

// Generator produces PodBot replies from a Provider.
type Generator struct {
	provider Provider
	prompt   string
	logger   *slog.Logger
}

// NewGenerator returns a Generator that speaks as PodBot through p.
func NewGenerator(p Provider, logger *slog.Logger) *Generator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Generator{
		provider: p,
		prompt:   SystemPrompt,
		logger:   logger.With("component", "llm", "provider", p.Name()),
	}
}

// Generate prepends the system prompt to messages and returns the model's
// reply. Any failure is returned as *InvocationError.
func (g *Generator) Generate(ctx context.Context, messages []Message) (_ string, err error) {
	ctx, span := tracer.Start(ctx, "llm.generate",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("llm.provider", g.provider.Name()),
			attribute.String("llm.model", g.provider.Model()),
			attribute.Int("llm.messages", len(messages)+1),
		),
	)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	full := make([]Message, 0, len(messages)+1)
	full = append(full, Message{Role: roles.ModelSystem, Content: g.prompt})
	full = append(full, messages...)

	start := time.Now()
	reply, err := g.provider.Complete(ctx, full)
	if err != nil {
		var ie *InvocationError
		if !errors.As(err, &ie) {
			ie = &InvocationError{Provider: g.provider.Name(), Model: g.provider.Model(), Err: err}
		}
		g.logger.Warn("model invocation failed", "err", ie, "duration", time.Since(start))
		return "", ie
	}
	g.logger.Debug("model invocation complete",
		"messages", len(full), "reply_len", len(reply), "duration", time.Since(start))
	return reply, nil
}
