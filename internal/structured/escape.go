package structured

import (
	"fmt"
	"strings"

	"github.com/yosuke-furukawa/json5/encoding/json5"
)

var templateEscaper = strings.NewReplacer(
	"{{", `{{"{{"}}`,
	"}}", `{{"}}"}}`,
)

// EscapeTemplate makes text safe to embed in a text/template source: action
// delimiters render as literal braces instead of being executed.
func EscapeTemplate(text string) string {
	return templateEscaper.Replace(text)
}

// ParseParams parses a JSON-ish parameters block keyed by action name.
func ParseParams(raw string) (map[string]map[string]any, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	raw = doubleQuote(stripFence(raw))

	var top map[string]any
	if err := json5.Unmarshal([]byte(raw), &top); err != nil {
		return nil, fmt.Errorf("parse params: %w", err)
	}

	out := make(map[string]map[string]any, len(top))
	for action, v := range top {
		params, ok := v.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("parse params: %s is not an object", action)
		}
		out[strings.ToUpper(action)] = params
	}
	return out, nil
}

// ParseActionParams parses parameters for a single action. Both
// {"ACTION": {...}} and a bare {...} are accepted.
func ParseActionParams(raw, action string) (map[string]any, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	raw = doubleQuote(stripFence(raw))

	var top map[string]any
	if err := json5.Unmarshal([]byte(raw), &top); err != nil {
		return nil, fmt.Errorf("parse params: %w", err)
	}
	for k, v := range top {
		if strings.EqualFold(k, action) {
			if nested, ok := v.(map[string]any); ok {
				return nested, nil
			}
		}
	}
	return top, nil
}

// stripFence removes a surrounding markdown code fence.
func stripFence(s string) string {
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	}
	return strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(s), "```"))
}

// doubleQuote rewrites single-quoted strings as double-quoted ones, which is
// the only form the json5 decoder accepts. Double-quoted strings are copied
// unchanged.
func doubleQuote(s string) string {
	if !strings.ContainsRune(s, '\'') {
		return s
	}
	var b strings.Builder
	b.Grow(len(s) + 8)
	var quote rune
	escaped := false
	for _, r := range s {
		switch {
		case quote == 0:
			if r == '\'' {
				quote = r
				r = '"'
			} else if r == '"' {
				quote = r
			}
		case escaped:
			escaped = false
			if quote != '\'' || r != '\'' {
				b.WriteRune('\\')
			}
		case r == '\\':
			escaped = true
			continue
		case r == quote:
			quote = 0
			if r == '\'' {
				r = '"'
			}
		case quote == '\'' && r == '"':
			b.WriteString(`\"`)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
