package providers

import (
	"encoding/json"
	"strings"
)

// ExtractJSONObject finds the first JSON object in a model reply and
// unmarshals it into v. Models frequently wrap the object in code fences or
// prose; classification callers treat an extraction failure as that
// sub-call's fail-open default, so the error here is advisory.
func ExtractJSONObject(text string, v any) error {
	text = strings.TrimSpace(text)

	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```json")
		text = strings.TrimPrefix(text, "```")
		if i := strings.Index(text, "```"); i >= 0 {
			text = text[:i]
		}
		text = strings.TrimSpace(text)
	}

	start := strings.Index(text, "{")
	if start < 0 {
		return json.Unmarshal([]byte(text), v) // surface the real error
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		if escaped {
			escaped = false
			continue
		}
		switch c {
		case '\\':
			if inString {
				escaped = true
			}
		case '"':
			inString = !inString
		case '{':
			if !inString {
				depth++
			}
		case '}':
			if !inString {
				depth--
				if depth == 0 {
					return json.Unmarshal([]byte(text[start:i+1]), v)
				}
			}
		}
	}
	return json.Unmarshal([]byte(text[start:]), v)
}
