package providers

import (
	"context"

	"github.com/troupelab/troupe/pkg/providers/protocoltypes"
)

type (
	Message     = protocoltypes.Message
	LLMResponse = protocoltypes.LLMResponse
	UsageInfo   = protocoltypes.UsageInfo
)

// LLMProvider is the minimal surface the pipeline needs from a model vendor:
// one blocking chat round-trip. Classification and scoring sub-calls use the
// same entry point with a JSON-constrained instruction; decoding options
// travel in the options map (temperature, top_p, presence_penalty,
// frequency_penalty, seed, max_tokens).
type LLMProvider interface {
	Chat(ctx context.Context, messages []Message, model string, options map[string]any) (*LLMResponse, error)
	GetDefaultModel() string
}
