package providers

import (
	"encoding/json"
	"fmt"
	"strings"
)

// BuildSchemaPrompt appends JSON-output instructions to a prompt for
// providers without native structured-output support. The model is asked to
// reply with a single JSON object matching the schema and nothing else.
func BuildSchemaPrompt(prompt string, schema json.RawMessage) string {
	var b strings.Builder
	b.WriteString(prompt)
	b.WriteString("\n\nRespond ONLY with a single JSON object that conforms to this JSON schema. ")
	b.WriteString("Do not include markdown fences, commentary, or any text outside the JSON object.\n\nSchema:\n")
	b.Write(schema)
	return b.String()
}

// ExtractJSON strips common wrappers (markdown fences, leading prose) from a
// model reply and returns the first top-level JSON object or array.
func ExtractJSON(content string) string {
	s := strings.TrimSpace(content)
	if i := strings.Index(s, "```"); i >= 0 {
		s = s[i+3:]
		s = strings.TrimPrefix(s, "json")
		if j := strings.Index(s, "```"); j >= 0 {
			s = s[:j]
		}
		s = strings.TrimSpace(s)
	}
	// Fall back to the outermost braces when prose surrounds the object.
	if !strings.HasPrefix(s, "{") && !strings.HasPrefix(s, "[") {
		start := strings.IndexAny(s, "{[")
		if start < 0 {
			return s
		}
		end := strings.LastIndexAny(s, "}]")
		if end <= start {
			return s
		}
		s = s[start : end+1]
	}
	return s
}

// schemaShape is the subset of JSON schema the gateway checks: top-level type
// and required properties. Full validation is the consumer's concern.
type schemaShape struct {
	Type       string                     `json:"type"`
	Required   []string                   `json:"required"`
	Properties map[string]json.RawMessage `json:"properties"`
}

// ValidateAgainstSchema reports whether content is valid JSON satisfying the
// schema's shape: it must parse, match the declared top-level type, and
// contain every required property.
func ValidateAgainstSchema(content string, schema json.RawMessage) error {
	cleaned := ExtractJSON(content)

	var parsed any
	if err := json.Unmarshal([]byte(cleaned), &parsed); err != nil {
		return fmt.Errorf("response is not valid JSON: %w", err)
	}

	if len(schema) == 0 {
		return nil
	}
	var shape schemaShape
	if err := json.Unmarshal(schema, &shape); err != nil {
		// Unparseable schema: accept any valid JSON.
		return nil
	}

	switch shape.Type {
	case "object":
		obj, ok := parsed.(map[string]any)
		if !ok {
			return fmt.Errorf("expected a JSON object, got %T", parsed)
		}
		for _, field := range shape.Required {
			if _, present := obj[field]; !present {
				return fmt.Errorf("missing required field %q", field)
			}
		}
	case "array":
		if _, ok := parsed.([]any); !ok {
			return fmt.Errorf("expected a JSON array, got %T", parsed)
		}
	}
	return nil
}
