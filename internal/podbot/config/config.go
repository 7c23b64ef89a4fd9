// Package config loads PodBot's process configuration.
//
// Values are resolved in three layers: built-in defaults, an optional YAML
// file, then environment variables. The result is checked by Validate before
// anything is wired.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/bdobrica/podbot/common/environment"
	"github.com/bdobrica/podbot/common/redact"
)

// Transcript backends.
const (
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
)

// Model providers.
const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
)

// Config is the full process configuration.
type Config struct {
	// Namespace scopes every transcript key and memory server record.
	Namespace  string           `yaml:"namespace"`
	Log        LogConfig        `yaml:"log"`
	HTTP       HTTPConfig       `yaml:"http"`
	Memory     MemoryConfig     `yaml:"memory"`
	LLM        LLMConfig        `yaml:"llm"`
	Transcript TranscriptConfig `yaml:"transcript"`
	Matrix     MatrixConfig     `yaml:"matrix"`
	Tracing    TracingConfig    `yaml:"tracing"`
	Startup    StartupConfig    `yaml:"startup"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// HTTPConfig configures the JSON API.
type HTTPConfig struct {
	Addr string `yaml:"addr"`
	// Token, when set, is required as a bearer token on every /api request.
	Token string `yaml:"token"`
	// RatePerMinute bounds sendMessage calls per user. Zero disables the limit.
	RatePerMinute int           `yaml:"rate_per_minute"`
	RateBurst     int           `yaml:"rate_burst"`
	ReadTimeout   time.Duration `yaml:"read_timeout"`
	WriteTimeout  time.Duration `yaml:"write_timeout"`
}

// MemoryConfig configures the memory server client.
type MemoryConfig struct {
	BaseURL string `yaml:"base_url"`
	// ContextWindowMax is the token budget sent with every working-memory
	// write.
	ContextWindowMax int           `yaml:"context_window_max"`
	Timeout          time.Duration `yaml:"timeout"`
}

// LLMConfig configures the model provider.
type LLMConfig struct {
	Provider    string        `yaml:"provider"`
	APIKey      string        `yaml:"api_key"`
	BaseURL     string        `yaml:"base_url"`
	Model       string        `yaml:"model"`
	Temperature float64       `yaml:"temperature"`
	MaxTokens   int           `yaml:"max_tokens"`
	Timeout     time.Duration `yaml:"timeout"`
	MaxRetries  int           `yaml:"max_retries"`
}

// TranscriptConfig selects and configures the transcript backend.
type TranscriptConfig struct {
	Backend      string `yaml:"backend"`
	DatabasePath string `yaml:"database_path"`
	RedisURL     string `yaml:"redis_url"`
}

// MatrixConfig configures the optional Matrix gateway.
type MatrixConfig struct {
	Enabled     bool     `yaml:"enabled"`
	Homeserver  string   `yaml:"homeserver"`
	UserID      string   `yaml:"user_id"`
	AccessToken string   `yaml:"access_token"`
	Rooms       []string `yaml:"rooms"`
}

type TracingConfig struct {
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRatio float64 `yaml:"sample_ratio"`
}

// StartupConfig controls the readiness wait for backends at process start.
type StartupConfig struct {
	WaitForBackends bool          `yaml:"wait_for_backends"`
	MaxAttempts     int           `yaml:"max_attempts"`
	InitialDelay    time.Duration `yaml:"initial_delay"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Namespace: "podbot",
		Log:       LogConfig{Level: "info", Format: "text"},
		HTTP: HTTPConfig{
			Addr:          ":8080",
			RatePerMinute: 30,
			RateBurst:     5,
			ReadTimeout:   15 * time.Second,
			WriteTimeout:  150 * time.Second,
		},
		Memory: MemoryConfig{
			BaseURL:          "http://localhost:8000",
			ContextWindowMax: 4000,
			Timeout:          30 * time.Second,
		},
		LLM: LLMConfig{
			Provider:    ProviderOpenAI,
			Model:       "gpt-4o-mini",
			Temperature: 0.7,
			MaxTokens:   1024,
			Timeout:     120 * time.Second,
		},
		Transcript: TranscriptConfig{
			Backend:      BackendSQLite,
			DatabasePath: "./podbot.db",
			RedisURL:     "redis://localhost:6379",
		},
		Tracing: TracingConfig{ServiceName: "podbot", SampleRatio: 1},
		Startup: StartupConfig{
			WaitForBackends: true,
			MaxAttempts:     10,
			InitialDelay:    500 * time.Millisecond,
		},
	}
}

// Load builds the configuration from defaults, the YAML file at path (skipped
// when path is empty) and the environment, then validates it.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overlays environment variables. The unprefixed names are the ones
// the memory server and OpenAI tooling already use.
func (c *Config) applyEnv() error {
	var errs []error
	intVar := func(name string, dst *int) {
		v, err := environment.IntOr(name, *dst)
		errs = append(errs, err)
		*dst = v
	}
	floatVar := func(name string, dst *float64) {
		v, err := environment.FloatOr(name, *dst)
		errs = append(errs, err)
		*dst = v
	}
	durVar := func(name string, dst *time.Duration) {
		v, err := environment.DurationOr(name, *dst)
		errs = append(errs, err)
		*dst = v
	}
	boolVar := func(name string, dst *bool) {
		v, err := environment.BoolOr(name, *dst)
		errs = append(errs, err)
		*dst = v
	}

	c.Namespace = environment.StringOr("PODBOT_NAMESPACE", c.Namespace)
	c.Log.Level = environment.StringOr("PODBOT_LOG_LEVEL", c.Log.Level)
	c.Log.Format = environment.StringOr("PODBOT_LOG_FORMAT", c.Log.Format)

	c.HTTP.Addr = environment.StringOr("PODBOT_HTTP_ADDR", c.HTTP.Addr)
	c.HTTP.Token = environment.StringOr("PODBOT_API_TOKEN", c.HTTP.Token)
	intVar("PODBOT_RATE_PER_MINUTE", &c.HTTP.RatePerMinute)
	intVar("PODBOT_RATE_BURST", &c.HTTP.RateBurst)

	c.Memory.BaseURL = environment.StringOr("AMS_BASE_URL", c.Memory.BaseURL)
	intVar("AMS_CONTEXT_WINDOW_MAX", &c.Memory.ContextWindowMax)
	durVar("AMS_TIMEOUT", &c.Memory.Timeout)

	c.LLM.Provider = strings.ToLower(environment.StringOr("PODBOT_LLM_PROVIDER", c.LLM.Provider))
	switch c.LLM.Provider {
	case ProviderAnthropic:
		c.LLM.APIKey = environment.StringOr("ANTHROPIC_API_KEY", c.LLM.APIKey)
		c.LLM.BaseURL = environment.StringOr("ANTHROPIC_BASE_URL", c.LLM.BaseURL)
	default:
		c.LLM.APIKey = environment.StringOr("OPENAI_API_KEY", c.LLM.APIKey)
		c.LLM.BaseURL = environment.StringOr("OPENAI_BASE_URL", c.LLM.BaseURL)
	}
	c.LLM.Model = environment.StringOr("PODBOT_LLM_MODEL", c.LLM.Model)
	floatVar("PODBOT_LLM_TEMPERATURE", &c.LLM.Temperature)
	intVar("PODBOT_LLM_MAX_TOKENS", &c.LLM.MaxTokens)
	durVar("PODBOT_LLM_TIMEOUT", &c.LLM.Timeout)

	c.Transcript.Backend = strings.ToLower(environment.StringOr("PODBOT_TRANSCRIPT_BACKEND", c.Transcript.Backend))
	c.Transcript.DatabasePath = environment.StringOr("PODBOT_DATABASE_PATH", c.Transcript.DatabasePath)
	c.Transcript.RedisURL = environment.StringOr("REDIS_URL", c.Transcript.RedisURL)

	boolVar("PODBOT_MATRIX_ENABLED", &c.Matrix.Enabled)
	c.Matrix.Homeserver = environment.StringOr("MATRIX_HOMESERVER", c.Matrix.Homeserver)
	c.Matrix.UserID = environment.StringOr("MATRIX_USER_ID", c.Matrix.UserID)
	c.Matrix.AccessToken = environment.StringOr("MATRIX_ACCESS_TOKEN", c.Matrix.AccessToken)
	c.Matrix.Rooms = environment.StringSliceOr("MATRIX_ROOMS", c.Matrix.Rooms)

	c.Tracing.Endpoint = environment.StringOr("OTEL_EXPORTER_OTLP_TRACES_ENDPOINT", c.Tracing.Endpoint)
	floatVar("PODBOT_TRACE_SAMPLE_RATIO", &c.Tracing.SampleRatio)

	boolVar("PODBOT_WAIT_FOR_BACKENDS", &c.Startup.WaitForBackends)

	return errors.Join(errs...)
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	bad := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if strings.TrimSpace(c.Namespace) == "" {
		bad("namespace must not be empty")
	}
	if c.Memory.BaseURL == "" {
		bad("memory.base_url is required")
	}
	if c.Memory.ContextWindowMax <= 0 {
		bad("memory.context_window_max must be positive, got %d", c.Memory.ContextWindowMax)
	}
	switch c.LLM.Provider {
	case ProviderOpenAI, ProviderAnthropic:
	default:
		bad("llm.provider must be %q or %q, got %q", ProviderOpenAI, ProviderAnthropic, c.LLM.Provider)
	}
	if c.LLM.Temperature < 0 || c.LLM.Temperature > 2 {
		bad("llm.temperature must be within [0, 2], got %g", c.LLM.Temperature)
	}
	if c.LLM.MaxRetries < 0 {
		bad("llm.max_retries must not be negative")
	}
	switch c.Transcript.Backend {
	case BackendSQLite:
		if c.Transcript.DatabasePath == "" {
			bad("transcript.database_path is required for the sqlite backend")
		}
	case BackendRedis:
		if c.Transcript.RedisURL == "" {
			bad("transcript.redis_url is required for the redis backend")
		}
	default:
		bad("transcript.backend must be %q or %q, got %q", BackendSQLite, BackendRedis, c.Transcript.Backend)
	}
	if c.HTTP.RatePerMinute < 0 || c.HTTP.RateBurst < 0 {
		bad("http rate limits must not be negative")
	}
	if c.Matrix.Enabled {
		if c.Matrix.Homeserver == "" {
			bad("matrix.homeserver is required when matrix is enabled")
		}
		if c.Matrix.UserID == "" {
			bad("matrix.user_id is required when matrix is enabled")
		}
		if c.Matrix.AccessToken == "" {
			bad("matrix.access_token is required when matrix is enabled")
		}
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		bad("tracing.sample_ratio must be within [0, 1]")
	}
	return errors.Join(errs...)
}

// Secrets returns the non-empty secret values held by the configuration, for
// scrubbing free-form log text such as backend error messages.
func (c *Config) Secrets() []string {
	var out []string
	for _, v := range []string{c.LLM.APIKey, c.HTTP.Token, c.Matrix.AccessToken} {
		if v != "" {
			out = append(out, v)
		}
	}
	if u, err := url.Parse(c.Transcript.RedisURL); err == nil && u.User != nil {
		if pw, ok := u.User.Password(); ok && pw != "" {
			out = append(out, pw)
		}
	}
	return out
}

// Redacted returns the configuration as a generic map with secrets replaced,
// suitable for logging at startup.
func (c *Config) Redacted() map[string]any {
	data, err := yaml.Marshal(c)
	if err != nil {
		return map[string]any{"error": err.Error()}
	}
	var m map[string]any
	if err := yaml.Unmarshal(data, &m); err != nil {
		return map[string]any{"error": err.Error()}
	}
	m = redact.Map(m)
	if t, ok := m["transcript"].(map[string]any); ok {
		if raw, ok := t["redis_url"].(string); ok {
			if u, err := url.Parse(raw); err == nil {
				t["redis_url"] = u.Redacted()
			}
		}
	}
	return m
}
