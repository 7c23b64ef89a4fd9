package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/bdobrica/podbot/internal/podbot/roles"
)

const (
	DefaultOpenAIModel = "gpt-4o-mini"
	DefaultTemperature = 0.7
	defaultTimeout     = 120 * time.Second
)

// OpenAIConfig configures the OpenAI-compatible adapter.
type OpenAIConfig struct {
	// APIKey is the bearer token for the API.
	APIKey string
	// BaseURL overrides the API endpoint (useful for local models like Ollama
	// or an Azure OpenAI deployment).
	BaseURL string
	// Model defaults to gpt-4o-mini.
	Model       string
	Temperature float64
	// Timeout for each HTTP request. Defaults to 120s.
	Timeout time.Duration
	// MaxRetries is passed to the SDK. Zero disables SDK retries.
	MaxRetries int
	// HTTPClient overrides the transport, mainly for tests.
	HTTPClient *http.Client
}

// OpenAI implements Provider with the chat completions API.
type OpenAI struct {
	client openai.Client
	cfg    OpenAIConfig
}

var _ Provider = (*OpenAI)(nil)

// NewOpenAI returns a Provider backed by the OpenAI (or compatible) API.
func NewOpenAI(cfg OpenAIConfig) *OpenAI {
	if cfg.Model == "" {
		cfg.Model = DefaultOpenAIModel
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
	return &OpenAI{client: openai.NewClient(opts...), cfg: cfg}
}

func (p *OpenAI) Name() string  { return "openai" }
func (p *OpenAI) Model() string { return p.cfg.Model }

// Complete implements Provider.
func (p *OpenAI) Complete(ctx context.Context, messages []Message) (string, error) {
	params := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case roles.ModelSystem:
			params = append(params, openai.SystemMessage(m.Content))
		case roles.ModelUser:
			params = append(params, openai.UserMessage(m.Content))
		case roles.ModelAssistant:
			params = append(params, openai.AssistantMessage(m.Content))
		default:
			return "", p.fail(fmt.Errorf("%w: model role %q", roles.ErrUnknownRole, m.Role))
		}
	}

	completion, err := p.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Messages:    params,
		Model:       openai.ChatModel(p.cfg.Model),
		Temperature: openai.Float(p.cfg.Temperature),
	})
	if err != nil {
		return "", p.fail(err)
	}
	if len(completion.Choices) == 0 {
		return "", p.fail(errors.New("no choices in response"))
	}
	return completion.Choices[0].Message.Content, nil
}

func (p *OpenAI) fail(err error) *InvocationError {
	ie := &InvocationError{Provider: p.Name(), Model: p.cfg.Model, Err: err}
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		ie.StatusCode = apiErr.StatusCode
	}
	return ie
}
