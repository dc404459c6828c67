package validate

import (
	"encoding/json"
	"strings"
)

// ExtractJSON pulls a JSON object out of model text. It tries, in order:
// a fenced code block, brace matching on the first balanced object, and
// finally parsing the whole text as-is. The second return is false when
// no parseable object was found.
func ExtractJSON(text string) (string, bool) {
	if candidate, ok := extractFenced(text); ok {
		return candidate, true
	}
	if candidate, ok := extractBraced(text); ok {
		return candidate, true
	}

	trimmed := strings.TrimSpace(text)
	if isValidJSON(trimmed) {
		return trimmed, true
	}
	return "", false
}

// extractFenced looks for a ```json (or bare ```) fenced block.
func extractFenced(text string) (string, bool) {
	for _, fence := range []string{"```json", "```"} {
		start := strings.Index(text, fence)
		if start < 0 {
			continue
		}
		rest := text[start+len(fence):]
		end := strings.Index(rest, "```")
		if end < 0 {
			continue
		}
		candidate := strings.TrimSpace(rest[:end])
		if isValidJSON(candidate) {
			return candidate, true
		}
	}
	return "", false
}

// extractBraced scans for the first balanced {...} span, tracking string
// literals and escapes so braces inside strings do not count.
func extractBraced(text string) (string, bool) {
	start := strings.IndexByte(text, '{')
	if start < 0 {
		return "", false
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

		switch {
		case inString && c == '\\':
			escaped = true
		case c == '"':
			inString = !inString
		case inString:
		case c == '{':
			depth++
		case c == '}':
			depth--
			if depth == 0 {
				candidate := text[start : i+1]
				if isValidJSON(candidate) {
					return candidate, true
				}
				return "", false
			}
		}
	}
	return "", false
}

func isValidJSON(s string) bool {
	if s == "" {
		return false
	}
	var v interface{}
	return json.Unmarshal([]byte(s), &v) == nil
}
