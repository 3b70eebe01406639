package guard

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

var codeBlockRe = regexp.MustCompile("```(?:json)?\\s*\\n([\\s\\S]*?)\\n```")

// validateOutputSchema checks a model answer against a caller-supplied
// JSON schema. Answers wrapped in markdown fences or surrounded by
// prose are unwrapped first.
func validateOutputSchema(content string, schema map[string]any) error {
	var parsed any
	if err := json.Unmarshal([]byte(content), &parsed); err != nil {
		extracted := extractJSON(content)
		if err := json.Unmarshal([]byte(extracted), &parsed); err != nil {
			return fmt.Errorf("response is not valid JSON: %w", err)
		}
		content = extracted
	}

	result, err := gojsonschema.Validate(
		gojsonschema.NewGoLoader(schema),
		gojsonschema.NewStringLoader(content),
	)
	if err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}
	if !result.Valid() {
		var errs []string
		for _, e := range result.Errors() {
			errs = append(errs, e.String())
		}
		return fmt.Errorf("response does not match schema: %s", strings.Join(errs, "; "))
	}
	return nil
}

// extractJSON pulls a JSON document out of a fenced code block or mixed
// prose. Returns the input unchanged when nothing extractable is found.
func extractJSON(content string) string {
	if matches := codeBlockRe.FindStringSubmatch(content); len(matches) > 1 {
		candidate := strings.TrimSpace(matches[1])
		if json.Valid([]byte(candidate)) {
			return candidate
		}
	}

	for _, pair := range [][2]string{{"{", "}"}, {"[", "]"}} {
		start := strings.Index(content, pair[0])
		end := strings.LastIndex(content, pair[1])
		if start >= 0 && end > start {
			candidate := content[start : end+1]
			if json.Valid([]byte(candidate)) {
				return candidate
			}
		}
	}
	return content
}
