// Package redaction masks personalization data before it reaches log output.
// The pipeline handles user-profile snapshots (age band, locale, occupation,
// religion) that must never appear in plain text in logs or log files.
package redaction

import (
	"regexp"
	"strings"
	"sync"
)

// Config holds redaction configuration.
type Config struct {
	// Enabled controls whether redaction is active.
	Enabled bool `json:"enabled"`

	// RedactEmails redacts email addresses.
	RedactEmails bool `json:"redact_emails"`

	// RedactPhoneNumbers redacts phone numbers.
	RedactPhoneNumbers bool `json:"redact_phone_numbers"`

	// CustomPatterns allows additional regex patterns to redact.
	CustomPatterns []string `json:"custom_patterns"`

	// Replacement is the string used to replace sensitive data.
	Replacement string `json:"replacement"`
}

// DefaultConfig returns the default redaction configuration.
func DefaultConfig() Config {
	return Config{
		Enabled:            true,
		RedactEmails:       true,
		RedactPhoneNumbers: true,
		Replacement:        "[REDACTED]",
	}
}

var (
	mu            sync.RWMutex
	globalConfig  = DefaultConfig()
	profileValues []string
	custom        []*regexp.Regexp

	emailPattern = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)
	phonePattern = regexp.MustCompile(`\+?\d[\d\-\s]{7,}\d`)
)

// SetGlobalConfig replaces the active redaction configuration.
func SetGlobalConfig(config Config) {
	mu.Lock()
	defer mu.Unlock()
	globalConfig = config
	custom = custom[:0]
	for _, p := range config.CustomPatterns {
		if re, err := regexp.Compile(p); err == nil {
			custom = append(custom, re)
		}
	}
}

// RegisterProfileValues records user-profile values (occupation, religion,
// locale and so on) so any literal occurrence is masked. Values shorter than
// three runes are ignored to avoid redacting common words.
func RegisterProfileValues(values []string) {
	mu.Lock()
	defer mu.Unlock()
	for _, v := range values {
		v = strings.TrimSpace(v)
		if len([]rune(v)) < 3 {
			continue
		}
		profileValues = append(profileValues, v)
	}
}

// ClearProfileValues drops all registered profile values.
func ClearProfileValues() {
	mu.Lock()
	defer mu.Unlock()
	profileValues = nil
}

// Redact masks sensitive data in the given text.
func Redact(text string) string {
	mu.RLock()
	cfg := globalConfig
	values := profileValues
	patterns := custom
	mu.RUnlock()

	if !cfg.Enabled || text == "" {
		return text
	}

	replacement := cfg.Replacement
	if replacement == "" {
		replacement = "[REDACTED]"
	}

	for _, v := range values {
		text = strings.ReplaceAll(text, v, replacement)
	}
	if cfg.RedactEmails {
		text = emailPattern.ReplaceAllString(text, replacement)
	}
	if cfg.RedactPhoneNumbers {
		text = phonePattern.ReplaceAllString(text, replacement)
	}
	for _, re := range patterns {
		text = re.ReplaceAllString(text, replacement)
	}
	return text
}

// RedactFields applies redaction to every string value in a field map.
func RedactFields(fields map[string]any) map[string]any {
	if fields == nil {
		return nil
	}
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		if s, ok := v.(string); ok {
			out[k] = Redact(s)
			continue
		}
		out[k] = v
	}
	return out
}
