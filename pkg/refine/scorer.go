package refine

import (
	"context"
	"fmt"

	"github.com/troupelab/troupe/pkg/providers"
)

const scorePromptTemplate = `You grade a chat reply written in the voice of the persona %q.

Persona instructions:
%s

User message:
%s

Candidate reply:
%s

Grade each axis from 1 (badly off) to 5 (flawless):
- voice: does it sound like this persona, not a generic assistant?
- expertise: is the content accurate for the persona's claimed knowledge?
- stance: does it hold the persona's opinions and boundaries?
- relationship: does it fit the stated relationship with the counterpart?

List concrete issues for any axis below 5.

Reply with only a JSON object:
{"voice": 0, "expertise": 0, "stance": 0, "relationship": 0, "issues": ["..."]}`

const rewritePromptTemplate = `Your previous reply scored below the quality bar. Fix only the listed issues; keep everything that already works, and stay fully in character.

Issues:
%s

Previous reply:
%s

Write the corrected reply. Output only the reply text.`

// NewContextScorer returns a score stage backed by an evaluation model. The
// grader sees the persona instructions and the user message that produced the
// draft, so axis scores reflect fit, not just fluency.
func NewContextScorer(provider providers.LLMProvider, model, personaPrompt, userMessage, displayName string) func(ctx context.Context, draft string) (*Score, error) {
	return func(ctx context.Context, draft string) (*Score, error) {
		prompt := fmt.Sprintf(scorePromptTemplate, displayName, personaPrompt, userMessage, draft)
		resp, err := provider.Chat(ctx, []providers.Message{
			{Role: "system", Content: "You are a strict quality grader. Reply with a single JSON object and nothing else."},
			{Role: "user", Content: prompt},
		}, model, map[string]any{"temperature": 0.0, "max_tokens": 512})
		if err != nil {
			return nil, err
		}
		var s Score
		if err := providers.ExtractJSONObject(resp.Content, &s); err != nil {
			return nil, fmt.Errorf("scorer returned malformed JSON: %w", err)
		}
		return &s, nil
	}
}

// RewriteInstruction renders the correction request sent back to the
// generation model together with the original persona prompt.
func RewriteInstruction(previous string, s Score) string {
	issues := "- (none listed; raise overall fidelity)"
	if len(s.Issues) > 0 {
		issues = ""
		for i, is := range s.Issues {
			if i > 0 {
				issues += "\n"
			}
			issues += "- " + is
		}
	}
	return fmt.Sprintf(rewritePromptTemplate, issues, previous)
}
