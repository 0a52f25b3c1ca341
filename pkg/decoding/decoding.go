// Package decoding maps a persona and task onto sampling parameters and a
// reproducible seed. The seed is a stable hash of the display name, so
// repeated calls for one persona are byte-reproducible while distinct
// personas diverge.
package decoding

import (
	"hash/fnv"

	"github.com/troupelab/troupe/pkg/config"
	"github.com/troupelab/troupe/pkg/persona"
)

// TaskType selects a sampling band.
type TaskType string

const (
	// TaskReply is the normal conversational generation.
	TaskReply TaskType = "reply"
	// TaskRewrite is a targeted refinement pass; it samples tighter than
	// the original generation so fixes do not drift.
	TaskRewrite TaskType = "rewrite"
)

// Profile is one resolved set of decoding parameters.
type Profile struct {
	Temperature      float64
	TopP             float64
	PresencePenalty  float64
	FrequencyPenalty float64
	Seed             int64
}

// Options renders the profile as provider chat options.
func (p Profile) Options() map[string]any {
	return map[string]any{
		"temperature":       p.Temperature,
		"top_p":             p.TopP,
		"presence_penalty":  p.PresencePenalty,
		"frequency_penalty": p.FrequencyPenalty,
		"seed":              p.Seed,
	}
}

// Selector resolves profiles from category defaults plus per-persona
// overrides supplied by configuration.
type Selector struct {
	overrides map[string]config.DecodingOverride
}

func NewSelector(overrides map[string]config.DecodingOverride) *Selector {
	return &Selector{overrides: overrides}
}

// Select layers, in order: category default (humor-enabled personas sample
// from a wider band than humor-disabled ones), task adjustment, then any
// hand-tuned per-persona override.
func (s *Selector) Select(id persona.Identity, task TaskType) Profile {
	var p Profile
	if id.Humor.Enabled {
		p = Profile{Temperature: 0.9, TopP: 0.95, PresencePenalty: 0.3, FrequencyPenalty: 0.2}
	} else {
		p = Profile{Temperature: 0.6, TopP: 0.85, PresencePenalty: 0.1, FrequencyPenalty: 0.1}
	}

	if task == TaskRewrite {
		p.Temperature -= 0.2
		if p.Temperature < 0.1 {
			p.Temperature = 0.1
		}
	}

	if s != nil && s.overrides != nil {
		if o, ok := s.overrides[id.ID]; ok {
			if o.Temperature != nil {
				p.Temperature = *o.Temperature
			}
			if o.TopP != nil {
				p.TopP = *o.TopP
			}
			if o.PresencePenalty != nil {
				p.PresencePenalty = *o.PresencePenalty
			}
			if o.FrequencyPenalty != nil {
				p.FrequencyPenalty = *o.FrequencyPenalty
			}
		}
	}

	p.Seed = SeedFor(id.DisplayName)
	return p
}

// SeedFor hashes a display name into a non-negative seed.
func SeedFor(displayName string) int64 {
	h := fnv.New64a()
	h.Write([]byte(displayName))
	seed := int64(h.Sum64() &^ (1 << 63))
	return seed
}
