// Package builtin holds the actions, providers and evaluators every agent
// gets by default.
package builtin

import (
	"fmt"
	"strconv"
	"strings"
)

// stringParam returns a trimmed string parameter. Numbers are formatted.
func stringParam(params map[string]any, name string) string {
	for k, v := range params {
		if !strings.EqualFold(k, name) {
			continue
		}
		switch t := v.(type) {
		case string:
			return strings.TrimSpace(t)
		case nil:
			return ""
		default:
			return fmt.Sprint(t)
		}
	}
	return ""
}

// intParam returns an integer parameter, or def when it is missing or not a
// number. JSON numbers arrive as float64.
func intParam(params map[string]any, name string, def int) int {
	for k, v := range params {
		if !strings.EqualFold(k, name) {
			continue
		}
		switch t := v.(type) {
		case float64:
			return int(t)
		case int:
			return t
		case string:
			if n, err := strconv.Atoi(strings.TrimSpace(t)); err == nil {
				return n
			}
		}
	}
	return def
}
