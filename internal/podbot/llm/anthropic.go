package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/bdobrica/podbot/internal/podbot/roles"
)

const (
	DefaultAnthropicModel     = "claude-3-5-haiku-latest"
	defaultAnthropicMaxTokens = 1024
)

// AnthropicConfig configures the Anthropic Messages API adapter.
type AnthropicConfig struct {
	APIKey  string
	BaseURL string
	// Model defaults to claude-3-5-haiku-latest.
	Model       string
	Temperature float64
	// MaxTokens caps the reply length. Defaults to 1024.
	MaxTokens int
	// Timeout for each HTTP request. Defaults to 120s.
	Timeout    time.Duration
	MaxRetries int
	HTTPClient *http.Client
}

// Anthropic implements Provider with the Messages API. System messages are
// sent as system blocks; consecutive messages of the same role are merged
// because the API requires alternating turns.
type Anthropic struct {
	client anthropic.Client
	cfg    AnthropicConfig
}

var _ Provider = (*Anthropic)(nil)

// NewAnthropic returns a Provider backed by the Anthropic API.
func NewAnthropic(cfg AnthropicConfig) *Anthropic {
	if cfg.Model == "" {
		cfg.Model = DefaultAnthropicModel
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaultAnthropicMaxTokens
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithHTTPClient(hc),
		option.WithMaxRetries(cfg.MaxRetries),
		option.WithRequestTimeout(cfg.Timeout),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &Anthropic{client: anthropic.NewClient(opts...), cfg: cfg}
}

func (p *Anthropic) Name() string  { return "anthropic" }
func (p *Anthropic) Model() string { return p.cfg.Model }

// Complete implements Provider.
func (p *Anthropic) Complete(ctx context.Context, messages []Message) (string, error) {
	var (
		system []anthropic.TextBlockParam
		turns  []Message
	)
	for _, m := range messages {
		switch m.Role {
		case roles.ModelSystem:
			system = append(system, anthropic.TextBlockParam{Text: m.Content})
		case roles.ModelUser, roles.ModelAssistant:
			if n := len(turns); n > 0 && turns[n-1].Role == m.Role {
				turns[n-1].Content += "\n\n" + m.Content
				continue
			}
			turns = append(turns, m)
		default:
			return "", p.fail(fmt.Errorf("%w: model role %q", roles.ErrUnknownRole, m.Role))
		}
	}

	params := anthropic.MessageNewParams{
		Model:       anthropic.Model(p.cfg.Model),
		MaxTokens:   int64(p.cfg.MaxTokens),
		Temperature: anthropic.Float(p.cfg.Temperature),
		Messages:    make([]anthropic.MessageParam, 0, len(turns)),
	}
	if len(system) > 0 {
		params.System = system
	}
	for _, m := range turns {
		if m.Role == roles.ModelUser {
			params.Messages = append(params.Messages, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		} else {
			params.Messages = append(params.Messages, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Content)))
		}
	}

	msg, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return "", p.fail(err)
	}
	var b strings.Builder
	for _, block := range msg.Content {
		if tb, ok := block.AsAny().(anthropic.TextBlock); ok {
			b.WriteString(tb.Text)
		}
	}
	return b.String(), nil
}

func (p *Anthropic) fail(err error) *InvocationError {
	ie := &InvocationError{Provider: p.Name(), Model: p.cfg.Model, Err: err}
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		ie.StatusCode = apiErr.StatusCode
	}
	return ie
}
