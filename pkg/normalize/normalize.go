// Package normalize applies pure text transforms to a generated reply before
// persistence. Every pass is total: it returns a string for any input and
// never touches the network. The pass order is fixed, and the pronoun rewrite
// runs last so it sees the final surface form.
package normalize

import (
	"regexp"
	"sort"
	"strings"

	"github.com/troupelab/troupe/pkg/persona"
)

// Normalizer holds the passes configured for one deployment.
type Normalizer struct {
	nameFixes map[string]string
	icons     map[string]string
}

// Option configures a Normalizer.
type Option func(*Normalizer)

// WithNameFixes installs the canonical institution-name lookup table.
func WithNameFixes(fixes map[string]string) Option {
	return func(n *Normalizer) { n.nameFixes = fixes }
}

// WithCueIcons substitutes an icon for matching stage-direction cues instead
// of dropping them. Keys are lowercase cue words.
func WithCueIcons(icons map[string]string) Option {
	return func(n *Normalizer) { n.icons = icons }
}

func New(opts ...Option) *Normalizer {
	n := &Normalizer{}
	for _, o := range opts {
		o(n)
	}
	return n
}

// Apply runs every pass in order against one reply.
func (n *Normalizer) Apply(text string, id persona.Identity, peerName string) string {
	out := RepairTableShape(text)
	out = n.CorrectNames(out)
	out = n.StripStageDirections(out)
	out = RewritePronouns(out, id, peerName)
	return out
}

var separatorCell = regexp.MustCompile(`^\s*:?-{3,}:?\s*$`)

// RepairTableShape re-inserts row breaks into a markdown table that collapsed
// onto one line. A table that already spans multiple lines is left unchanged,
// so the repair is idempotent.
func RepairTableShape(text string) string {
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		if repaired, ok := repairLine(line); ok {
			lines[i] = repaired
		}
	}
	return strings.Join(lines, "\n")
}

// repairLine detects "| h1 | h2 | --- | --- | a | b |" shapes. The separator
// cells mark the column count; everything before them is the header and the
// rest is chunked into rows of that width.
func repairLine(line string) (string, bool) {
	trimmed := strings.TrimSpace(line)
	if !strings.HasPrefix(trimmed, "|") || !strings.HasSuffix(trimmed, "|") {
		return "", false
	}
	cells := splitCells(trimmed)

	sepStart, sepEnd := -1, -1
	for i, c := range cells {
		if separatorCell.MatchString(c) {
			if sepStart < 0 {
				sepStart = i
			}
			sepEnd = i + 1
		} else if sepStart >= 0 {
			break
		}
	}
	if sepStart <= 0 {
		return "", false
	}
	width := sepEnd - sepStart
	// A well-formed single table line has no trailing cells after its
	// separator run, and the header width matches the separator width.
	if sepStart != width || sepEnd >= len(cells) {
		return "", false
	}
	body := cells[sepEnd:]
	if len(body)%width != 0 {
		return "", false
	}

	var rows []string
	rows = append(rows, renderRow(cells[:sepStart]))
	rows = append(rows, renderRow(cells[sepStart:sepEnd]))
	for i := 0; i < len(body); i += width {
		rows = append(rows, renderRow(body[i:i+width]))
	}
	return strings.Join(rows, "\n"), true
}

func splitCells(line string) []string {
	parts := strings.Split(strings.Trim(line, "|"), "|")
	cells := make([]string, 0, len(parts))
	for _, p := range parts {
		cells = append(cells, strings.TrimSpace(p))
	}
	return cells
}

func renderRow(cells []string) string {
	return "| " + strings.Join(cells, " | ") + " |"
}

// CorrectNames applies the fixed institution-name lookup table.
func (n *Normalizer) CorrectNames(text string) string {
	if len(n.nameFixes) == 0 {
		return text
	}
	// Longest key first: a short typo must not fire inside a longer one.
	keys := make([]string, 0, len(n.nameFixes))
	for k := range n.nameFixes {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return len(keys[i]) > len(keys[j]) })
	for _, k := range keys {
		text = strings.ReplaceAll(text, k, n.nameFixes[k])
	}
	return text
}

// stageDirection matches bracketed or parenthesized performance cues such as
// "(laughs)", "[sighs deeply]", "*nods*".
var stageDirection = regexp.MustCompile(`(\([^()\n]{1,60}\)|\[[^\[\]\n]{1,60}\]|\*[^*\n]{1,40}\*)`)

var cueWords = []string{
	"laugh", "sigh", "nod", "smile", "pause", "chuckle", "grin", "shrug",
	"clears throat", "whisper", "cough", "wink",
}

// StripStageDirections removes performance cues so they are never forwarded
// as literal text. A configured icon replaces the cue; otherwise it is
// dropped along with any doubled whitespace it leaves behind.
func (n *Normalizer) StripStageDirections(text string) string {
	out := stageDirection.ReplaceAllStringFunc(text, func(m string) string {
		inner := strings.ToLower(strings.Trim(m, "()[]*"))
		if !containsCue(inner) {
			return m
		}
		for cue, icon := range n.icons {
			if strings.Contains(inner, cue) {
				return icon
			}
		}
		return ""
	})
	out = doubledSpace.ReplaceAllString(out, " ")
	out = edgeSpace.ReplaceAllString(out, "")
	return out
}

var (
	doubledSpace = regexp.MustCompile(`[ \t]{2,}`)
	edgeSpace    = regexp.MustCompile(`(?m)^[ \t]+|[ \t]+$`)
)

func containsCue(inner string) bool {
	for _, cue := range cueWords {
		if strings.Contains(inner, cue) {
			return true
		}
	}
	return false
}

// defaultParticleSuffixes maps a Korean case particle following
// name+honorific to its first-person form. Applied longest-first.
var defaultParticleSuffixes = []persona.PronounRule{
	{Find: "께서는", Replace: "저는"},
	{Find: "께서", Replace: "제가"},
	{Find: "은", Replace: "저는"},
	{Find: "는", Replace: "저는"},
	{Find: "이", Replace: "제가"},
	{Find: "가", Replace: "제가"},
	{Find: "의", Replace: "제"},
	{Find: "을", Replace: "저를"},
	{Find: "를", Replace: "저를"},
	{Find: "에게", Replace: "저에게"},
	{Find: "도", Replace: "저도"},
}

// adversarialConnectives maps confrontational openers to an elaborative
// agreement register. Used only when a locked persona addresses a named peer.
var adversarialConnectives = []persona.PronounRule{
	{Find: "하지만 ", Replace: "말씀하신 것에 더해, "},
	{Find: "그러나 ", Replace: "말씀하신 것에 더해, "},
	{Find: "However, ", Replace: "Building on that, "},
	{Find: "But ", Replace: "Adding to that, "},
	{Find: "On the contrary, ", Replace: "Looking at it another way, "},
}

// RewritePronouns converts a locked persona's third-person self-references
// into first person. Only locked personas are rewritten: a free persona
// speaking about itself in the third person may be a stylistic choice.
func RewritePronouns(text string, id persona.Identity, peerName string) string {
	if !id.Locked() {
		return text
	}

	rules := rewriteRules(id)
	sort.SliceStable(rules, func(i, j int) bool { return len(rules[i].Find) > len(rules[j].Find) })
	for _, r := range rules {
		text = strings.ReplaceAll(text, r.Find, r.Replace)
	}

	if strings.TrimSpace(peerName) != "" {
		for _, r := range adversarialConnectives {
			text = strings.ReplaceAll(text, r.Find, r.Replace)
		}
	}
	return text
}

// rewriteRules expands the persona's explicit rules plus the default particle
// table anchored on name+honorific ("김선생님은" style self-reference).
func rewriteRules(id persona.Identity) []persona.PronounRule {
	rules := append([]persona.PronounRule(nil), id.PronounRules...)

	subject := strings.TrimSpace(id.DisplayName)
	if subject == "" {
		return rules
	}
	anchors := []string{subject}
	if h := strings.TrimSpace(id.Honorific); h != "" {
		anchors = append([]string{subject + h}, anchors...)
	}
	for _, anchor := range anchors {
		for _, p := range defaultParticleSuffixes {
			rules = append(rules, persona.PronounRule{Find: anchor + p.Find, Replace: p.Replace})
		}
		// Bare anchor with no particle.
		rules = append(rules, persona.PronounRule{Find: anchor, Replace: "저"})
	}
	return rules
}
