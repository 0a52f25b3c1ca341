package redaction

import (
	"strings"
	"testing"
)

func resetGlobals(t *testing.T) {
	t.Helper()
	SetGlobalConfig(DefaultConfig())
	ClearProfileValues()
	t.Cleanup(func() {
		SetGlobalConfig(DefaultConfig())
		ClearProfileValues()
	})
}

func TestRedact_ProfileValues(t *testing.T) {
	resetGlobals(t)
	RegisterProfileValues([]string{"pediatric nurse", "Buddhist"})

	got := Redact("user is a pediatric nurse and Buddhist from Busan")
	if strings.Contains(got, "pediatric nurse") || strings.Contains(got, "Buddhist") {
		t.Errorf("profile values not redacted: %q", got)
	}
}

func TestRedact_ShortValuesIgnored(t *testing.T) {
	resetGlobals(t)
	RegisterProfileValues([]string{"ko", ""})

	got := Redact("locale ko stays visible")
	if got != "locale ko stays visible" {
		t.Errorf("short value should not be redacted, got %q", got)
	}
}

func TestRedact_Emails(t *testing.T) {
	resetGlobals(t)
	got := Redact("contact someone@example.com please")
	if strings.Contains(got, "someone@example.com") {
		t.Errorf("email not redacted: %q", got)
	}
}

func TestRedact_Disabled(t *testing.T) {
	resetGlobals(t)
	cfg := DefaultConfig()
	cfg.Enabled = false
	SetGlobalConfig(cfg)
	RegisterProfileValues([]string{"pediatric nurse"})

	in := "pediatric nurse at someone@example.com"
	if got := Redact(in); got != in {
		t.Errorf("redaction should be off, got %q", got)
	}
}

func TestRedact_CustomPattern(t *testing.T) {
	resetGlobals(t)
	cfg := DefaultConfig()
	cfg.CustomPatterns = []string{`age band: \d+-\d+`}
	SetGlobalConfig(cfg)

	got := Redact("age band: 30-39 recorded")
	if strings.Contains(got, "30-39") {
		t.Errorf("custom pattern not applied: %q", got)
	}
}

func TestRedactFields(t *testing.T) {
	resetGlobals(t)
	RegisterProfileValues([]string{"civil engineer"})

	fields := RedactFields(map[string]any{
		"occupation": "civil engineer",
		"count":      3,
	})
	if s, _ := fields["occupation"].(string); strings.Contains(s, "civil engineer") {
		t.Errorf("field value not redacted: %q", s)
	}
	if fields["count"] != 3 {
		t.Errorf("non-string field changed: %v", fields["count"])
	}
}
