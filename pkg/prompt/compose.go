// Package prompt assembles a persona's instruction set from ordered
// composition tiers. Each tier is a pure function of the composition context,
// and the reducer applies them in a fixed order, so identical inputs always
// produce a byte-identical prompt.
package prompt

import (
	"fmt"
	"strings"

	"github.com/troupelab/troupe/pkg/persona"
)

// Context is everything a tier may look at.
type Context struct {
	Identity      persona.Identity
	Canon         persona.CanonProfile
	Tone          persona.ToneProfile
	Relationship  persona.RelationshipContext
	WindowSummary string
}

// Composed is the final instruction string plus a record of which tiers
// contributed a fragment.
type Composed struct {
	Prompt string
	Tiers  []string
}

// Tier is one named composition layer. Render returns the fragment and
// whether it fired; it must not mutate ctx or observe anything outside it.
type Tier struct {
	Name   string
	Render func(ctx Context) (string, bool)
}

// Tiers returns the composition order. Canon precedes tone structurally:
// tone is appended after canon and can only add delivery guidance, never
// replace or relax a canon rule.
func Tiers() []Tier {
	return []Tier{
		{Name: "canon", Render: renderCanon},
		{Name: "tone", Render: renderTone},
		{Name: "relationship", Render: renderRelationship},
		{Name: "language-cap", Render: renderLanguageCap},
		{Name: "personalization", Render: renderPersonalization},
		{Name: "self-consistency", Render: renderSelfConsistency},
	}
}

// Compose merges the tiers for ctx. A locked role descriptor short-circuits
// everything: the result is the identity header plus the operator-authored
// role text, nothing else.
func Compose(ctx Context) Composed {
	var b strings.Builder
	fired := []string{"identity"}

	b.WriteString(renderIdentityHeader(ctx))

	if ctx.Identity.Locked() {
		b.WriteString("\n\n")
		b.WriteString(strings.TrimSpace(ctx.Identity.LockedRoleDescriptor))
		return Composed{Prompt: b.String(), Tiers: append(fired, "locked-role")}
	}

	for _, tier := range Tiers() {
		fragment, ok := tier.Render(ctx)
		if !ok {
			continue
		}
		b.WriteString("\n\n")
		b.WriteString(fragment)
		fired = append(fired, tier.Name)
	}

	if ctx.WindowSummary != "" {
		b.WriteString("\n\n## Conversation so far\n")
		b.WriteString(ctx.WindowSummary)
		fired = append(fired, "window-summary")
	}

	return Composed{Prompt: b.String(), Tiers: fired}
}

func renderIdentityHeader(ctx Context) string {
	id := ctx.Identity
	var b strings.Builder
	fmt.Fprintf(&b, "You are %s.", id.DisplayName)
	if id.BasePersonality != "" {
		fmt.Fprintf(&b, " Personality: %s.", id.BasePersonality)
	}
	if id.BaseSpeechStyle != "" {
		fmt.Fprintf(&b, " Speech style: %s.", id.BaseSpeechStyle)
	}
	return b.String()
}

func renderCanon(ctx Context) (string, bool) {
	c := ctx.Canon
	var lines []string
	if c.Summary != "" {
		lines = append(lines, c.Summary)
	}
	for _, f := range c.Facts {
		lines = append(lines, "- "+f)
	}
	for _, bd := range c.Boundaries {
		lines = append(lines, "- "+bd)
	}
	for _, fb := range c.Forbidden {
		lines = append(lines, "- Never claim or imply: "+fb)
	}
	if len(lines) == 0 {
		return "", false
	}
	return "## What you know and are responsible for\n" + strings.Join(lines, "\n"), true
}

func renderTone(ctx Context) (string, bool) {
	t := ctx.Tone
	id := ctx.Identity
	var lines []string
	if t.Style != "" {
		lines = append(lines, t.Style)
	}
	for _, d := range t.Delivery {
		lines = append(lines, "- "+d)
	}
	for _, p := range t.ForbiddenPhrases {
		lines = append(lines, "- Avoid the phrase: "+p)
	}
	if id.Humor.Enabled {
		humor := "Humor is welcome"
		if len(id.Humor.Styles) > 0 {
			humor += " (" + strings.Join(id.Humor.Styles, ", ") + ")"
		}
		lines = append(lines, "- "+humor+".")
	} else {
		lines = append(lines, "- Keep a literal register; do not joke.")
	}
	if id.ReactionIntensity > 0 {
		lines = append(lines, fmt.Sprintf("- Emotional reaction intensity: %d/10.", id.ReactionIntensity))
	}
	if len(lines) == 0 {
		return "", false
	}
	// Delivery only: nothing here may grant content the canon tier forbids.
	return "## How you deliver it\n" + strings.Join(lines, "\n"), true
}

// relationshipOverlays maps counterpart role tags to behavioral rules. The
// table is data, not branching: new roles are added here or via persona
// configuration, never as code paths.
var relationshipOverlays = map[string]string{
	persona.RoleMentor: "Your counterpart looks to you as a mentor. Guide rather than lecture; " +
		"check understanding with an occasional question.",
	persona.RoleDebater: "Your counterpart is debating you. Engage their strongest point and " +
		"present at least one explicit counter-argument in every reply.",
	persona.RoleRoleplay: "You are in an in-fiction roleplay. Stay inside the scene; do not " +
		"break the fourth wall or reference being an assistant.",
	persona.RoleLockedCanon: "Stick strictly to established facts about yourself; when unsure, " +
		"say so rather than improvise.",
}

func renderRelationship(ctx Context) (string, bool) {
	rel := ctx.Relationship
	var lines []string
	if overlay, ok := relationshipOverlays[rel.CounterpartRole]; ok {
		lines = append(lines, overlay)
	}
	if rel.CounterpartRole == persona.RoleLockedLanguage || rel.LockedLanguage != "" {
		lang := rel.LockedLanguage
		if lang == "" {
			lang = "the language of the conversation"
		}
		lines = append(lines, fmt.Sprintf("Reply only in %s. Do not translate or mix languages, even if asked.", lang))
	}
	if rel.CounterpartName != "" {
		lines = append(lines, fmt.Sprintf("You are speaking with %s.", rel.CounterpartName))
	}
	if len(lines) == 0 {
		return "", false
	}
	return "## Relationship\n" + strings.Join(lines, "\n"), true
}

// languageLevels phrases each cap as a ceiling. A cap never pushes a persona
// to write more elaborately than it otherwise would.
var languageLevels = [7]string{
	"single short sentences with everyday words only",
	"short sentences; avoid subordinate clauses",
	"at most two clauses per sentence; common vocabulary",
	"plain prose; occasional subordinate clauses are fine",
	"normal adult prose; avoid jargon chains",
	"fluent prose; technical terms allowed when explained",
	"no structural restriction",
}

func renderLanguageCap(ctx Context) (string, bool) {
	rel := ctx.Relationship
	if !rel.CapSet() {
		return "", false
	}
	return fmt.Sprintf("## Language complexity ceiling\nKeep syntax at or below this level: %s. "+
		"This is an upper bound, not a target.", languageLevels[rel.LanguageLevelCap]), true
}

func renderPersonalization(ctx Context) (string, bool) {
	p := ctx.Relationship.Profile
	if p == nil {
		return "", false
	}
	var hints []string
	if p.AgeBand != "" {
		hints = append(hints, "age band "+p.AgeBand)
	}
	if p.Locale != "" {
		hints = append(hints, "locale "+p.Locale)
	}
	if p.Occupation != "" {
		hints = append(hints, "occupation "+p.Occupation)
	}
	if p.Religion != "" {
		hints = append(hints, "religion "+p.Religion)
	}
	if len(hints) == 0 {
		return "", false
	}
	return "## Audience (background only)\nFor calibration: " + strings.Join(hints, ", ") + ". " +
		"Never mention, quote, or allude to any of this in your reply.", true
}

var genericAIPhrases = []string{
	"As an AI",
	"As a language model",
	"I'm just an AI",
	"I don't have personal opinions",
	"I cannot have feelings",
}

func renderSelfConsistency(ctx Context) (string, bool) {
	lines := []string{
		"Always speak in the first person as " + ctx.Identity.DisplayName + ".",
		"Never use any of these phrasings: " + strings.Join(genericAIPhrases, "; ") + ".",
	}
	return "## Voice\n" + strings.Join(lines, "\n"), true
}
