package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"
)

type LLMConfig struct {
	Provider string `json:"provider" env:"TROUPE_LLM_PROVIDER"`
	Model    string `json:"model" env:"TROUPE_LLM_MODEL"`
	APIKey   string `json:"api_key" env:"TROUPE_LLM_API_KEY"`
	BaseURL  string `json:"base_url" env:"TROUPE_LLM_BASE_URL"`

	// EvalModel is used for classification and scoring sub-calls. Empty
	// means the main model.
	EvalModel string `json:"eval_model" env:"TROUPE_LLM_EVAL_MODEL"`
}

// GateConfig drives the boundary gate.
type GateConfig struct {
	// ControversyTerms trigger the hard SearchRequired override before any
	// classification call. Matching is case-insensitive substring.
	ControversyTerms []string `json:"controversy_terms"`

	CoverageFloor    float64 `json:"coverage_floor" env:"TROUPE_GATE_COVERAGE_FLOOR"`
	ConsistencyFloor float64 `json:"consistency_floor" env:"TROUPE_GATE_CONSISTENCY_FLOOR"`
	TimeoutSeconds   int     `json:"timeout_seconds" env:"TROUPE_GATE_TIMEOUT_SECONDS"`
}

// RefineConfig holds the acceptance thresholds and attempt budget of the
// generation loop. The defaults are product-tuned; nothing in the code
// depends on the exact values.
type RefineConfig struct {
	AcceptOverall  float64 `json:"accept_overall" env:"TROUPE_REFINE_ACCEPT_OVERALL"`
	AcceptPerAxis  float64 `json:"accept_per_axis" env:"TROUPE_REFINE_ACCEPT_PER_AXIS"`
	MaxAttempts    int     `json:"max_attempts" env:"TROUPE_REFINE_MAX_ATTEMPTS"`
	TimeoutSeconds int     `json:"timeout_seconds" env:"TROUPE_REFINE_TIMEOUT_SECONDS"`
}

// DecodingOverride layers persona-specific sampling values over the category
// defaults. Nil fields inherit.
type DecodingOverride struct {
	Temperature      *float64 `json:"temperature,omitempty"`
	TopP             *float64 `json:"top_p,omitempty"`
	PresencePenalty  *float64 `json:"presence_penalty,omitempty"`
	FrequencyPenalty *float64 `json:"frequency_penalty,omitempty"`
}

type DecodingConfig struct {
	// Overrides is keyed by persona id.
	Overrides map[string]DecodingOverride `json:"overrides,omitempty"`
}

type StoreConfig struct {
	Path string `json:"path" env:"TROUPE_STORE_PATH"`

	// DedupWindowMinutes bounds the trailing window for content-identical
	// duplicate detection when no turn id is supplied.
	DedupWindowMinutes int `json:"dedup_window_minutes" env:"TROUPE_STORE_DEDUP_WINDOW_MINUTES"`
}

type PipelineConfig struct {
	MaxRequestsPerMinute int `json:"max_requests_per_minute" env:"TROUPE_PIPELINE_MAX_REQUESTS_PER_MINUTE"`
	WindowCacheMinutes   int `json:"window_cache_minutes" env:"TROUPE_PIPELINE_WINDOW_CACHE_MINUTES"`
}

type PersonasConfig struct {
	Dir string `json:"dir" env:"TROUPE_PERSONAS_DIR"`
}

// NormalizeConfig carries the normalizer's lookup tables.
type NormalizeConfig struct {
	// NameFixes maps known institution-name typos to their canonical form.
	NameFixes map[string]string `json:"name_fixes,omitempty"`

	// CueIcons substitutes an icon for matching stage-direction cue words
	// instead of dropping the cue. Keys are lowercase cue words.
	CueIcons map[string]string `json:"cue_icons,omitempty"`
}

type Config struct {
	LLM       LLMConfig       `json:"llm"`
	Gate      GateConfig      `json:"gate"`
	Refine    RefineConfig    `json:"refine"`
	Decoding  DecodingConfig  `json:"decoding"`
	Store     StoreConfig     `json:"store"`
	Pipeline  PipelineConfig  `json:"pipeline"`
	Personas  PersonasConfig  `json:"personas"`
	Normalize NormalizeConfig `json:"normalize"`
}

func DefaultConfig() *Config {
	return &Config{
		LLM: LLMConfig{
			Provider: "openai",
		},
		Gate: GateConfig{
			ControversyTerms: []string{
				"allegation", "fraud", "investigation", "lawsuit",
				"indictment", "embezzlement", "stock manipulation",
				"insider trading", "scandal", "bribery",
			},
			CoverageFloor:    0.3,
			ConsistencyFloor: 0.4,
			TimeoutSeconds:   15,
		},
		Refine: RefineConfig{
			AcceptOverall:  4.3,
			AcceptPerAxis:  4.0,
			MaxAttempts:    3,
			TimeoutSeconds: 60,
		},
		Store: StoreConfig{
			Path:               "~/.troupe/turns.db",
			DedupWindowMinutes: 10,
		},
		Pipeline: PipelineConfig{
			MaxRequestsPerMinute: 30,
			WindowCacheMinutes:   30,
		},
		Personas: PersonasConfig{
			Dir: "~/.troupe/personas",
		},
	}
}

// LoadConfig reads path as JSON over the defaults and then applies
// environment overrides. A missing file is not an error.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			if err := env.Parse(cfg); err != nil {
				return nil, err
			}
			return cfg, nil
		}
		return nil, err
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// SaveConfig writes cfg to path, creating parent directories.
func SaveConfig(path string, cfg *Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

// EvalModel returns the model used for classification and scoring calls,
// falling back to the main chat model.
func (c *Config) EvalModel() string {
	if c.LLM.EvalModel != "" {
		return c.LLM.EvalModel
	}
	return c.LLM.Model
}

func (c *Config) GateTimeout() time.Duration {
	return secondsOr(c.Gate.TimeoutSeconds, 15*time.Second)
}

func (c *Config) RefineTimeout() time.Duration {
	return secondsOr(c.Refine.TimeoutSeconds, 60*time.Second)
}

func (c *Config) DedupWindow() time.Duration {
	return minutesOr(c.Store.DedupWindowMinutes, 10*time.Minute)
}

func (c *Config) WindowCacheAge() time.Duration {
	return minutesOr(c.Pipeline.WindowCacheMinutes, 30*time.Minute)
}

func (c *Config) StorePath() string {
	return expandHome(c.Store.Path)
}

func (c *Config) PersonasDir() string {
	return expandHome(c.Personas.Dir)
}

func secondsOr(n int, fallback time.Duration) time.Duration {
	if n <= 0 {
		return fallback
	}
	return time.Duration(n) * time.Second
}

func minutesOr(n int, fallback time.Duration) time.Duration {
	if n <= 0 {
		return fallback
	}
	return time.Duration(n) * time.Minute
}

func expandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, _ := os.UserHomeDir()
	if len(path) > 1 && path[1] == '/' {
		return home + path[1:]
	}
	return home
}
