package redact_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/bdobrica/podbot/common/redact"
)

func TestString_RedactsSensitiveValues(t *testing.T) {
	got := redact.String("Authorization: Bearer sk-live-12345 (request)", "sk-live-12345")
	assert.Equal(t, "Authorization: Bearer [REDACTED] (request)", got)
}

func TestString_SkipsShortValues(t *testing.T) {
	assert.Equal(t, "abc token", redact.String("abc token", "abc"))
}

func TestMap_Nested(t *testing.T) {
	in := map[string]any{
		"namespace": "podbot",
		"llm": map[string]any{
			"provider": "openai",
			"api_key":  "sk-secret",
		},
		"matrix": map[string]any{
			"access_token": "",
		},
		"http": map[string]any{"token": "bearer-secret", "addr": ":8080"},
	}
	out := redact.Map(in)

	assert.Equal(t, "podbot", out["namespace"])
	llm := out["llm"].(map[string]any)
	assert.Equal(t, "openai", llm["provider"])
	assert.Equal(t, "[REDACTED]", llm["api_key"])
	assert.Equal(t, "", out["matrix"].(map[string]any)["access_token"])
	httpCfg := out["http"].(map[string]any)
	assert.Equal(t, "[REDACTED]", httpCfg["token"])
	assert.Equal(t, ":8080", httpCfg["addr"])

	// The input is left untouched.
	assert.Equal(t, "sk-secret", in["llm"].(map[string]any)["api_key"])
}
