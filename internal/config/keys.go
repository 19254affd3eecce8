package config

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/yosuke-furukawa/json5/encoding/json5"
)

// IsSecretKey reports whether the dot-path key holds a credential.
func IsSecretKey(key string) bool {
	leaf := key[strings.LastIndex(key, ".")+1:]
	return leaf == "api_key" || leaf == "token"
}

// Flatten maps every leaf of a nested config map to its dot path, so
// {"llm": {"provider": "openai"}} becomes {"llm.provider": "openai"}.
// Empty objects produce no keys.
func Flatten(m map[string]any) map[string]any {
	out := make(map[string]any)
	var walk func(prefix string, node map[string]any)
	walk = func(prefix string, node map[string]any) {
		for k, v := range node {
			path := k
			if prefix != "" {
				path = prefix + "." + k
			}
			if child, ok := v.(map[string]any); ok {
				walk(path, child)
				continue
			}
			out[path] = v
		}
	}
	walk("", m)
	return out
}

// MaskSecrets returns a copy of flat with non-empty secrets replaced by
// "***" and their last four characters.
func MaskSecrets(flat map[string]any) map[string]any {
	out := make(map[string]any, len(flat))
	for k, v := range flat {
		if s, ok := v.(string); ok && s != "" && IsSecretKey(k) {
			v = mask(s)
		}
		out[k] = v
	}
	return out
}

func mask(s string) string {
	if len(s) > 4 {
		s = s[len(s)-4:]
	}
	return "***" + s
}

func lookup(m map[string]any, key string) (any, bool) {
	var cur any = m
	for _, part := range strings.Split(key, ".") {
		node, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		if cur, ok = node[part]; !ok {
			return nil, false
		}
	}
	return cur, true
}

// assign stores v at a dot path, replacing non-map intermediates.
func assign(m map[string]any, key string, v any) {
	parts := strings.Split(key, ".")
	for _, part := range parts[:len(parts)-1] {
		child, ok := m[part].(map[string]any)
		if !ok {
			child = make(map[string]any)
			m[part] = child
		}
		m = child
	}
	m[parts[len(parts)-1]] = v
}

// coerce parses raw as the type of def, the default value stored at key.
// Lists accept a JSON array or a comma-separated string.
func coerce(key, raw string, def any) (any, error) {
	switch def.(type) {
	case bool:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, fmt.Errorf("%s expects a boolean, got %q", key, raw)
		}
		return b, nil
	case float64:
		n, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, fmt.Errorf("%s expects a number, got %q", key, raw)
		}
		return n, nil
	case []any:
		if strings.HasPrefix(strings.TrimSpace(raw), "[") {
			var list []any
			if err := json5.Unmarshal([]byte(raw), &list); err != nil {
				return nil, fmt.Errorf("%s expects a list: %w", key, err)
			}
			return list, nil
		}
		list := []any{}
		for _, item := range strings.Split(raw, ",") {
			if item = strings.TrimSpace(item); item != "" {
				list = append(list, item)
			}
		}
		return list, nil
	default:
		return raw, nil
	}
}
