// Package structured issues inference calls that answer in a tagged
// envelope and parses the answer into named fields.
//
//	<response>
//	  <thought>...</thought>
//	  <text>...</text>
//	</response>
package structured

import (
	"strings"

	"github.com/yosuke-furukawa/json5/encoding/json5"
)

// Result is either Parsed (fields available) or Malformed (only the raw
// model output is available).
type Result struct {
	fields map[string]string
	raw    string
}

// Parsed builds a successful result.
func Parsed(fields map[string]string, raw string) Result {
	if fields == nil {
		fields = map[string]string{}
	}
	return Result{fields: fields, raw: raw}
}

// Malformed builds a failed result carrying the raw output.
func Malformed(raw string) Result {
	return Result{raw: raw}
}

// OK reports whether the result was parsed.
func (r Result) OK() bool {
	return r.fields != nil
}

// Raw returns the unparsed model output.
func (r Result) Raw() string {
	return r.raw
}

// Field returns the trimmed value of name, or "".
func (r Result) Field(name string) string {
	return r.fields[name]
}

// Fields returns a copy of all parsed fields.
func (r Result) Fields() map[string]string {
	out := make(map[string]string, len(r.fields))
	for k, v := range r.fields {
		out[k] = v
	}
	return out
}

// Bool interprets name as a boolean flag.
func (r Result) Bool(name string) bool {
	return ParseBool(r.fields[name])
}

// List interprets name as a list.
func (r Result) List(name string) []string {
	return ParseList(r.fields[name])
}

// ParseBool accepts true/yes/1 in any case.
func ParseBool(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "yes", "1":
		return true
	}
	return false
}

// ParseList accepts a JSON-ish array or a comma separated string. Items are
// trimmed and empty items dropped.
func ParseList(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}

	var items []string
	if strings.HasPrefix(s, "[") {
		var arr []any
		if err := json5.Unmarshal([]byte(s), &arr); err == nil {
			for _, v := range arr {
				if str, ok := v.(string); ok {
					items = append(items, str)
				}
			}
			return clean(items)
		}
		s = strings.Trim(s, "[]")
	}
	return clean(strings.Split(s, ","))
}

func clean(items []string) []string {
	out := make([]string, 0, len(items))
	for _, item := range items {
		item = strings.Trim(strings.TrimSpace(item), `"'`)
		if item != "" {
			out = append(out, item)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
