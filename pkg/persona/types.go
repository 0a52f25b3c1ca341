// Package persona holds the externally managed configuration surface of the
// response pipeline: persona identities, canon/tone profiles, and the
// per-request relationship context. Everything here is read-only to the
// pipeline.
package persona

import (
	"strings"
	"time"
)

// HumorSettings describes whether and how a persona jokes.
type HumorSettings struct {
	Enabled bool     `json:"enabled" yaml:"enabled"`
	Styles  []string `json:"styles,omitempty" yaml:"styles,omitempty"`
}

// PronounRule is one find/replace entry of the locked-persona first-person
// rewrite table. Longer Find strings are applied first so particle-bearing
// forms win over bare names.
type PronounRule struct {
	Find    string `json:"find" yaml:"find"`
	Replace string `json:"replace" yaml:"replace"`
}

// Identity is a configured agent personality.
type Identity struct {
	ID              string `json:"id" yaml:"id"`
	DisplayName     string `json:"display_name" yaml:"display_name"`
	KnowledgeDomain string `json:"knowledge_domain,omitempty" yaml:"knowledge_domain,omitempty"`

	// Era anchors the persona's assumed world. Empty or "contemporary"
	// means modern-day knowledge with no period bound.
	Era string `json:"era,omitempty" yaml:"era,omitempty"`

	CanonProfileRef string `json:"canon_profile_ref,omitempty" yaml:"canon_profile_ref,omitempty"`
	ToneProfileRef  string `json:"tone_profile_ref,omitempty" yaml:"tone_profile_ref,omitempty"`

	BaseSpeechStyle string `json:"base_speech_style,omitempty" yaml:"base_speech_style,omitempty"`
	BasePersonality string `json:"base_personality,omitempty" yaml:"base_personality,omitempty"`

	// LockedRoleDescriptor, when set, pins the persona to exactly this
	// operator-authored role and bypasses every other composition tier.
	LockedRoleDescriptor string `json:"locked_role_descriptor,omitempty" yaml:"locked_role_descriptor,omitempty"`

	Humor             HumorSettings `json:"humor" yaml:"humor"`
	ReactionIntensity int           `json:"reaction_intensity" yaml:"reaction_intensity"` // 0..10

	// Honorific and PronounRules feed the locked-persona first-person
	// rewrite in the normalizer.
	Honorific    string        `json:"honorific,omitempty" yaml:"honorific,omitempty"`
	PronounRules []PronounRule `json:"pronoun_rules,omitempty" yaml:"pronoun_rules,omitempty"`
}

// Contemporary reports whether the persona's knowledge is era-bounded.
func (id Identity) Contemporary() bool {
	era := strings.ToLower(strings.TrimSpace(id.Era))
	return era == "" || era == "contemporary" || era == "modern"
}

// Locked reports whether the persona runs in hard-pinned role mode.
func (id Identity) Locked() bool {
	return strings.TrimSpace(id.LockedRoleDescriptor) != ""
}

// CanonProfile is the factual / role-boundary layer of a persona's
// instructions: what the persona is responsible for knowing.
type CanonProfile struct {
	Ref        string   `json:"ref" yaml:"ref"`
	Summary    string   `json:"summary,omitempty" yaml:"summary,omitempty"`
	Facts      []string `json:"facts,omitempty" yaml:"facts,omitempty"`
	Boundaries []string `json:"boundaries,omitempty" yaml:"boundaries,omitempty"`
	Forbidden  []string `json:"forbidden,omitempty" yaml:"forbidden,omitempty"`
}

// ToneProfile is the delivery layer. It may shape how something is said,
// never what the persona is allowed to claim.
type ToneProfile struct {
	Ref              string   `json:"ref" yaml:"ref"`
	Style            string   `json:"style,omitempty" yaml:"style,omitempty"`
	Delivery         []string `json:"delivery,omitempty" yaml:"delivery,omitempty"`
	ForbiddenPhrases []string `json:"forbidden_phrases,omitempty" yaml:"forbidden_phrases,omitempty"`
}

// Counterpart role tags recognized by the relationship overlay.
const (
	RoleMentor         = "mentor"
	RoleDebater        = "debater"
	RoleRoleplay       = "roleplay"
	RoleLockedCanon    = "locked-canon"
	RoleLockedLanguage = "locked-language"
)

// UserProfile is a soft-personalization snapshot. Advisory only; it must
// never be referenced explicitly in output, and it is redacted from logs.
type UserProfile struct {
	AgeBand    string `json:"age_band,omitempty" yaml:"age_band,omitempty"`
	Locale     string `json:"locale,omitempty" yaml:"locale,omitempty"`
	Occupation string `json:"occupation,omitempty" yaml:"occupation,omitempty"`
	Religion   string `json:"religion,omitempty" yaml:"religion,omitempty"`
}

// RelationshipContext is supplied per request and immutable during the turn.
type RelationshipContext struct {
	CounterpartRole string `json:"counterpart_role,omitempty" yaml:"counterpart_role,omitempty"`

	// CounterpartName names the peer being addressed, when known. The
	// normalizer uses it to soften adversarial connectives in locked mode.
	CounterpartName string `json:"counterpart_name,omitempty" yaml:"counterpart_name,omitempty"`

	// LockedLanguage pins replies to one natural language when the
	// locked-language overlay is active, e.g. "Korean".
	LockedLanguage string `json:"locked_language,omitempty" yaml:"locked_language,omitempty"`

	// LanguageLevelCap is a ceiling (never a floor) on syntactic
	// complexity, 0..6. Negative means unset.
	LanguageLevelCap int `json:"language_level_cap" yaml:"language_level_cap"`

	Profile *UserProfile `json:"profile,omitempty" yaml:"profile,omitempty"`
}

// NewRelationshipContext returns a context with the cap unset.
func NewRelationshipContext() RelationshipContext {
	return RelationshipContext{LanguageLevelCap: -1}
}

// CapSet reports whether a language-complexity ceiling applies.
func (r RelationshipContext) CapSet() bool {
	return r.LanguageLevelCap >= 0 && r.LanguageLevelCap <= 6
}

// Turn is one prior message in a conversation window.
type Turn struct {
	Role        string    `json:"role"`
	Content     string    `json:"content"`
	SpeakerName string    `json:"speaker_name,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// ConversationWindow is the curated, length-capped slice of prior turns the
// context curator supplies. The pipeline treats it as authoritative and
// never re-derives it.
type ConversationWindow struct {
	Turns   []Turn `json:"turns"`
	Summary string `json:"summary,omitempty"`
}

// Excerpt renders the trailing n turns as "speaker: content" lines, for the
// boundary gate's short window excerpt.
func (w ConversationWindow) Excerpt(n int) string {
	turns := w.Turns
	if n > 0 && len(turns) > n {
		turns = turns[len(turns)-n:]
	}
	var b strings.Builder
	for i, t := range turns {
		if i > 0 {
			b.WriteByte('\n')
		}
		name := t.SpeakerName
		if name == "" {
			name = t.Role
		}
		b.WriteString(name)
		b.WriteString(": ")
		b.WriteString(t.Content)
	}
	return b.String()
}
