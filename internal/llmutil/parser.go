// File: internal/llmutil/parser.go
package llmutil

import (
	"fmt"
	"regexp"
	"strings"

	json "github.com/json-iterator/go"
)

// fencedRegex captures the body of a markdown code fence, with or without a
// language tag. \x60 is a backtick.
var fencedRegex = regexp.MustCompile("(?s)\x60\x60\x60[a-zA-Z]*\\s*(.*?)\\s*\x60\x60\x60")

// ExtractJSON pulls the JSON document out of an LLM response: the body of a
// markdown fence if there is one, otherwise the outermost object or array
// embedded in surrounding prose.
func ExtractJSON(response string) string {
	response = strings.TrimSpace(response)
	if m := fencedRegex.FindStringSubmatch(response); len(m) > 1 {
		response = strings.TrimSpace(m[1])
	}
	if strings.HasPrefix(response, "{") || strings.HasPrefix(response, "[") {
		return response
	}

	// Whichever bracket opens first decides the document kind.
	obj, arr := strings.Index(response, "{"), strings.Index(response, "[")
	open, close := "{", "}"
	if arr != -1 && (obj == -1 || arr < obj) {
		open, close = "[", "]"
	}
	first, last := strings.Index(response, open), strings.LastIndex(response, close)
	if first != -1 && last > first {
		return response[first : last+1]
	}
	return response
}

// ParseJSONResponse decodes an LLM response into T, tolerating markdown
// fences and conversational text around the JSON.
func ParseJSONResponse[T any](response string) (*T, error) {
	doc := ExtractJSON(response)
	var result T
	if err := json.Unmarshal([]byte(doc), &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal LLM JSON response: %w. Extracted JSON (truncated): %s", err, truncateString(doc, 500))
	}
	return &result, nil
}

func truncateString(s string, maxLen int) string {
	if maxLen <= 0 {
		return ""
	}
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
