package generate

import (
	"encoding/json"
	"fmt"
	"strings"
)

// extractJSONArray pulls the first JSON array out of model output, tolerating
// markdown fences and surrounding prose.
func extractJSONArray(content string) string {
	content = strings.TrimSpace(content)

	if idx := strings.Index(content, "```"); idx >= 0 {
		rest := content[idx+3:]
		rest = strings.TrimPrefix(rest, "json")
		if end := strings.Index(rest, "```"); end >= 0 {
			content = strings.TrimSpace(rest[:end])
		}
	}

	start := strings.Index(content, "[")
	end := strings.LastIndex(content, "]")
	if start < 0 || end <= start {
		return ""
	}
	return content[start : end+1]
}

// parseVariants decodes model output into validated variants.
func parseVariants(content string, want int) ([]VariantContent, error) {
	raw := extractJSONArray(content)
	if raw == "" {
		return nil, fmt.Errorf("no JSON array in model output")
	}

	var variants []VariantContent
	if err := json.Unmarshal([]byte(raw), &variants); err != nil {
		return nil, fmt.Errorf("decode variants: %w", err)
	}
	if len(variants) == 0 {
		return nil, fmt.Errorf("model returned an empty variant array")
	}
	for i, v := range variants {
		if strings.TrimSpace(v.Text) == "" {
			return nil, fmt.Errorf("variant %d has empty text", i+1)
		}
	}
	// More variants than asked is tolerated; trim to the requested count.
	if len(variants) > want {
		variants = variants[:want]
	}
	return variants, nil
}
