package providers

import (
	"fmt"
	"strings"

	anthropicprovider "github.com/troupelab/troupe/pkg/providers/anthropic"
	"github.com/troupelab/troupe/pkg/providers/openai_sdk"
)

// CreateProvider constructs the LLMProvider named by cfg. The provider name
// may also be inferred from a "vendor/model" prefix on the model string.
func CreateProvider(provider, model, apiKey, baseURL string) (LLMProvider, error) {
	name := strings.ToLower(strings.TrimSpace(provider))
	if name == "" {
		if i := strings.Index(model, "/"); i > 0 {
			name = strings.ToLower(model[:i])
		}
	}

	switch name {
	case "", "openai":
		return openai_sdk.NewProvider(apiKey, baseURL), nil
	case "anthropic":
		return anthropicprovider.NewProvider(apiKey, baseURL), nil
	default:
		return nil, fmt.Errorf("unknown LLM provider %q", provider)
	}
}
