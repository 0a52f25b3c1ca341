package anthropicprovider

import (
	"testing"
)

func TestBuildParams_BasicMessage(t *testing.T) {
	params := buildParams([]Message{
		{Role: "user", Content: "Hello"},
	}, "claude-sonnet-4-5", map[string]any{"max_tokens": 1024})

	if string(params.Model) != "claude-sonnet-4-5" {
		t.Errorf("model = %q", params.Model)
	}
	if params.MaxTokens != 1024 {
		t.Errorf("max tokens = %d, want 1024", params.MaxTokens)
	}
	if len(params.Messages) != 1 {
		t.Fatalf("messages = %d, want 1", len(params.Messages))
	}
}

func TestBuildParams_SystemSeparated(t *testing.T) {
	params := buildParams([]Message{
		{Role: "system", Content: "You are terse."},
		{Role: "user", Content: "Hello"},
		{Role: "assistant", Content: "Hi."},
	}, "claude-sonnet-4-5", nil)

	if len(params.System) != 1 || params.System[0].Text != "You are terse." {
		t.Errorf("system = %+v", params.System)
	}
	if len(params.Messages) != 2 {
		t.Errorf("messages = %d, want 2 (system lifted out)", len(params.Messages))
	}
}

func TestBuildParams_SamplingOptions(t *testing.T) {
	params := buildParams([]Message{{Role: "user", Content: "x"}}, "claude-sonnet-4-5", map[string]any{
		"temperature": 0.6,
		"top_p":       0.85,
	})
	if params.Temperature.Value != 0.6 {
		t.Errorf("temperature = %v", params.Temperature)
	}
	if params.TopP.Value != 0.85 {
		t.Errorf("top_p = %v", params.TopP)
	}
}

func TestBuildParams_DefaultMaxTokens(t *testing.T) {
	params := buildParams([]Message{{Role: "user", Content: "x"}}, "claude-sonnet-4-5", nil)
	if params.MaxTokens != 4096 {
		t.Errorf("max tokens = %d, want default 4096", params.MaxTokens)
	}
}

func TestNormalizeModel(t *testing.T) {
	if got := normalizeModel("anthropic/claude-sonnet-4-5", "fallback"); got != "claude-sonnet-4-5" {
		t.Errorf("got %q", got)
	}
	if got := normalizeModel("  ", "fallback"); got != "fallback" {
		t.Errorf("got %q", got)
	}
}

func TestNormalizeBaseURL(t *testing.T) {
	if got := normalizeBaseURL(""); got != defaultBaseURL {
		t.Errorf("got %q", got)
	}
	if got := normalizeBaseURL("https://proxy.example.com/v1/"); got != "https://proxy.example.com/v1" {
		t.Errorf("got %q", got)
	}
}
