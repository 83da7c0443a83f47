package queuekey_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/oddish-run/oddish/pkg/queuekey"
)

func TestNormalize(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"", "default"},
		{"  ", "default"},
		{"-", "default"},
		{"none", "default"},
		{"N/A", "default"},
		{"default", "default"},
		{"openai", "default"},
		{"Anthropic", "default"},
		{"claude", "default"},
		{"google", "default"},
		{"gemini", "default"},
		{"anthropic/claude", "default"},
		{"openai/gpt-5.2", "openai/gpt-5.2"},
		{"  OpenAI/GPT-5.2 ", "openai/gpt-5.2"},
		{"gpt-5.2", "openai/gpt-5.2"},
		{"chatgpt-4o-latest", "openai/chatgpt-4o-latest"},
		{"o3-mini", "openai/o3-mini"},
		{"claude-haiku-4-5", "anthropic/claude-haiku-4-5"},
		{"gemini-2.5-pro", "google/gemini-2.5-pro"},
		{"some mystery model", "some_mystery_model"},
		{"vertex_ai/gemini-2.5-pro", "vertex_ai/gemini-2.5-pro"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, queuekey.Normalize(tc.in), "Normalize(%q)", tc.in)
	}
}

func TestNormalizeIdempotent(t *testing.T) {
	inputs := []string{
		"", "default", "openai", "gpt-5.2", "claude-haiku-4-5",
		"openai/gpt-5.2", "mystery", "Some Model", "anthropic/claude",
	}
	for _, in := range inputs {
		once := queuekey.Normalize(in)
		assert.Equal(t, once, queuekey.Normalize(once), "Normalize not idempotent for %q", in)
	}
}

func TestNormalizeModel(t *testing.T) {
	assert.Equal(t, "default", queuekey.NormalizeModel("nop", "gpt-5.2"))
	assert.Equal(t, "default", queuekey.NormalizeModel("Oracle", ""))
	assert.Equal(t, "", queuekey.NormalizeModel("claude-code", "none"))
	assert.Equal(t, "", queuekey.NormalizeModel("claude-code", " - "))
	assert.Equal(t, "claude-haiku-4-5", queuekey.NormalizeModel("claude-code", "claude-haiku-4-5"))
}

func TestForTrial(t *testing.T) {
	assert.Equal(t, "default", queuekey.ForTrial("nop", "gpt-5.2"))
	assert.Equal(t, "default", queuekey.ForTrial("codex", ""))
	assert.Equal(t, "openai/gpt-5.2", queuekey.ForTrial("codex", "gpt-5.2"))
	assert.Equal(t, "anthropic/claude-haiku-4-5", queuekey.ForTrial("claude-code", "claude-haiku-4-5"))
}

func TestProvider(t *testing.T) {
	assert.Equal(t, "claude", queuekey.Provider("anthropic/claude-haiku-4-5"))
	assert.Equal(t, "gemini", queuekey.Provider("gemini-2.5-pro"))
	assert.Equal(t, "openai", queuekey.Provider("gpt-5.2"))
	assert.Equal(t, "default", queuekey.Provider(""))
	assert.Equal(t, "default", queuekey.Provider("mystery-model"))
}
