// Package boundary decides whether a persona may answer a question at all.
// The gate classifies each inbound question as answerable, out of scope, or
// requiring an external fact lookup, in strict precedence order. Every
// classifier failure fails open to Answer: downstream stages can still
// self-correct, and availability wins over strict gating.
package boundary

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/troupelab/troupe/pkg/logger"
	"github.com/troupelab/troupe/pkg/persona"
	"github.com/troupelab/troupe/pkg/providers"
)

// Mode is the gate's verdict for one question.
type Mode string

const (
	ModeAnswer         Mode = "answer"
	ModeUnknown        Mode = "unknown"
	ModeSearchRequired Mode = "search_required"
)

// WorldGuard marks whether a topic lies inside the persona's assumed
// temporal/experiential world.
type WorldGuard string

const (
	WorldIn  WorldGuard = "in"
	WorldOut WorldGuard = "out"
)

// Decision is computed fresh per question and never persisted.
type Decision struct {
	Mode                Mode       `json:"mode"`
	Coverage            float64    `json:"coverage"`
	Consistency         float64    `json:"consistency"`
	Certainty           float64    `json:"certainty"`
	WorldGuard          WorldGuard `json:"world_guard"`
	NeedsClarification  bool       `json:"needs_clarification"`
	Reason              string     `json:"reason"`
	ForceExternalLookup bool       `json:"force_external_lookup"`
}

// Config carries the gate's tunables; see config.GateConfig.
type Config struct {
	ControversyTerms []string
	CoverageFloor    float64
	ConsistencyFloor float64
	Timeout          time.Duration
}

// Gate classifies questions against a persona's knowledge boundary.
type Gate struct {
	provider providers.LLMProvider
	model    string
	cfg      Config
	terms    []string
}

func NewGate(provider providers.LLMProvider, model string, cfg Config) *Gate {
	terms := make([]string, 0, len(cfg.ControversyTerms))
	for _, t := range cfg.ControversyTerms {
		t = strings.ToLower(strings.TrimSpace(t))
		if t != "" {
			terms = append(terms, t)
		}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	return &Gate{provider: provider, model: model, cfg: cfg, terms: terms}
}

// Classify runs the gate's precedence chain for one question.
func (g *Gate) Classify(ctx context.Context, question string, id persona.Identity, excerpt string) Decision {
	// 1. Hard override: safety/fact-sensitive topics are never freely
	// generated, regardless of domain match.
	if term, hit := g.matchControversyTerm(question); hit {
		return Decision{
			Mode:                ModeSearchRequired,
			Certainty:           1,
			WorldGuard:          WorldIn,
			Reason:              fmt.Sprintf("controversy term %q requires verified sources", term),
			ForceExternalLookup: true,
		}
	}

	ctx, cancel := context.WithTimeout(ctx, g.cfg.Timeout)
	defer cancel()

	// 2. Domain-bounded personas get a relevance classification.
	if strings.TrimSpace(id.KnowledgeDomain) != "" {
		return g.classifyDomain(ctx, question, id, excerpt)
	}

	// 3. A contemporary persona's knowledge is not era-bounded.
	if id.Contemporary() {
		return Decision{
			Mode:        ModeAnswer,
			Coverage:    1,
			Consistency: 1,
			Certainty:   0.9,
			WorldGuard:  WorldIn,
			Reason:      "contemporary persona, no era bound",
		}
	}

	// 4. General world-guard classification for period personas.
	return g.classifyGeneral(ctx, question, id, excerpt)
}

func (g *Gate) matchControversyTerm(question string) (string, bool) {
	q := strings.ToLower(question)
	for _, term := range g.terms {
		if strings.Contains(q, term) {
			return term, true
		}
	}
	return "", false
}

const domainPromptTemplate = `You are a relevance classifier for the persona %q whose knowledge domain is %q.

Rules, in order:
- Questions about the persona's own biography or personal history are always "in_domain".
- Questions about controversy, misconduct, or disputes involving the persona or close associates are always "controversy".
- Professional topics unrelated to the knowledge domain are "out_of_domain".
- Everything inside the knowledge domain is "in_domain".

Recent conversation:
%s

Question: %s

Reply with only a JSON object: {"relevance": "in_domain" | "controversy" | "out_of_domain", "reason": "..."}`

type domainVerdict struct {
	Relevance string `json:"relevance"`
	Reason    string `json:"reason"`
}

func (g *Gate) classifyDomain(ctx context.Context, question string, id persona.Identity, excerpt string) Decision {
	prompt := fmt.Sprintf(domainPromptTemplate, id.DisplayName, id.KnowledgeDomain, excerpt, question)

	resp, err := g.provider.Chat(ctx, []providers.Message{
		{Role: "system", Content: "You classify questions. Reply with a single JSON object and nothing else."},
		{Role: "user", Content: prompt},
	}, g.model, map[string]any{"temperature": 0.0, "max_tokens": 256})
	if err != nil {
		return g.failOpen("domain classifier error", err)
	}

	var verdict domainVerdict
	if err := providers.ExtractJSONObject(resp.Content, &verdict); err != nil {
		return g.failOpen("domain classifier returned malformed JSON", err)
	}

	switch strings.ToLower(strings.TrimSpace(verdict.Relevance)) {
	case "controversy":
		return Decision{
			Mode:                ModeSearchRequired,
			Certainty:           0.9,
			WorldGuard:          WorldIn,
			Reason:              nonEmpty(verdict.Reason, "self/associate controversy"),
			ForceExternalLookup: true,
		}
	case "out_of_domain":
		return Decision{
			Mode:               ModeUnknown,
			Certainty:          0.8,
			WorldGuard:         WorldIn,
			NeedsClarification: true,
			Reason:             nonEmpty(verdict.Reason, "outside the persona's knowledge domain"),
		}
	case "in_domain":
		return Decision{
			Mode:        ModeAnswer,
			Coverage:    1,
			Consistency: 1,
			Certainty:   0.9,
			WorldGuard:  WorldIn,
			Reason:      nonEmpty(verdict.Reason, "in domain"),
		}
	default:
		return g.failOpen("domain classifier returned unknown relevance", fmt.Errorf("relevance=%q", verdict.Relevance))
	}
}

const generalPromptTemplate = `You evaluate whether the persona %q, whose world is anchored in %q, can answer from within that world.

Recent conversation:
%s

Question: %s

Score each field in [0,1]:
- coverage: how much of the question the persona's knowledge covers
- consistency: how consistent an answer would be with the persona's world
- certainty: your confidence in these scores
- world_guard: "in" if the topic exists inside the persona's era and experience, "out" if it is anachronistic for that world

Reply with only a JSON object: {"coverage": 0.0, "consistency": 0.0, "certainty": 0.0, "world_guard": "in" | "out", "reason": "..."}`

type generalVerdict struct {
	Coverage    float64 `json:"coverage"`
	Consistency float64 `json:"consistency"`
	Certainty   float64 `json:"certainty"`
	WorldGuard  string  `json:"world_guard"`
	Reason      string  `json:"reason"`
}

func (g *Gate) classifyGeneral(ctx context.Context, question string, id persona.Identity, excerpt string) Decision {
	prompt := fmt.Sprintf(generalPromptTemplate, id.DisplayName, id.Era, excerpt, question)

	resp, err := g.provider.Chat(ctx, []providers.Message{
		{Role: "system", Content: "You classify questions. Reply with a single JSON object and nothing else."},
		{Role: "user", Content: prompt},
	}, g.model, map[string]any{"temperature": 0.0, "max_tokens": 256})
	if err != nil {
		return g.failOpen("general classifier error", err)
	}

	var verdict generalVerdict
	if err := providers.ExtractJSONObject(resp.Content, &verdict); err != nil {
		return g.failOpen("general classifier returned malformed JSON", err)
	}

	d := Decision{
		Coverage:    clamp01(verdict.Coverage),
		Consistency: clamp01(verdict.Consistency),
		Certainty:   clamp01(verdict.Certainty),
		WorldGuard:  WorldIn,
		Reason:      verdict.Reason,
	}
	if strings.EqualFold(strings.TrimSpace(verdict.WorldGuard), "out") {
		d.WorldGuard = WorldOut
	}

	switch {
	case d.WorldGuard == WorldOut:
		d.Mode = ModeUnknown
		d.Reason = nonEmpty(d.Reason, "topic is anachronistic for this persona's world")
	case d.Coverage < g.cfg.CoverageFloor:
		d.Mode = ModeUnknown
		d.NeedsClarification = true
		d.Reason = nonEmpty(d.Reason, "insufficient coverage")
	case d.Consistency < g.cfg.ConsistencyFloor:
		d.Mode = ModeUnknown
		d.NeedsClarification = true
		d.Reason = nonEmpty(d.Reason, "answer would be inconsistent with persona")
	default:
		d.Mode = ModeAnswer
	}
	return d
}

// failOpen is the gate's error posture: answer at mid confidence.
func (g *Gate) failOpen(reason string, err error) Decision {
	logger.WarnCF("boundary", reason, map[string]any{"error": err.Error()})
	return Decision{
		Mode:        ModeAnswer,
		Coverage:    0.5,
		Consistency: 0.5,
		Certainty:   0.5,
		WorldGuard:  WorldIn,
		Reason:      reason,
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func nonEmpty(s, fallback string) string {
	if strings.TrimSpace(s) == "" {
		return fallback
	}
	return s
}
