package structured

import (
	"fmt"
	"regexp"
	"strings"
	"sync"
)

// Field declares one element of the response envelope.
type Field struct {
	Name        string
	Description string
	Required    bool
	// Stream forwards the field body to the context's stream sink while the
	// response is being generated. Only the first streamed field is used.
	Stream bool
}

const (
	envelopeOpen  = "<response>"
	envelopeClose = "</response>"
)

var (
	tagMu    sync.Mutex
	tagCache = map[string]*regexp.Regexp{}
)

func tagPattern(name string) *regexp.Regexp {
	tagMu.Lock()
	defer tagMu.Unlock()

	if re, ok := tagCache[name]; ok {
		return re
	}
	re := regexp.MustCompile(`(?s)<` + regexp.QuoteMeta(name) + `>(.*?)</` + regexp.QuoteMeta(name) + `>`)
	tagCache[name] = re
	return re
}

// Parse extracts fields from a complete envelope. The result is Malformed
// when the envelope is missing or a required field is absent or empty.
func Parse(raw string, fields []Field) Result {
	start := strings.Index(raw, envelopeOpen)
	end := strings.LastIndex(raw, envelopeClose)
	if start < 0 || end < start {
		return Malformed(raw)
	}
	body := raw[start+len(envelopeOpen) : end]

	values := make(map[string]string, len(fields))
	for _, f := range fields {
		m := tagPattern(f.Name).FindStringSubmatch(body)
		if m == nil {
			if f.Required {
				return Malformed(raw)
			}
			continue
		}
		v := strings.TrimSpace(m[1])
		if f.Required && v == "" {
			return Malformed(raw)
		}
		values[f.Name] = v
	}
	return Parsed(values, raw)
}

// Scrape is the permissive fallback: it pulls whatever named tags it can
// find anywhere in raw, without an envelope. A trailing unclosed tag takes
// the rest of the text.
func Scrape(raw string, names ...string) map[string]string {
	out := make(map[string]string)
	for _, name := range names {
		if m := tagPattern(name).FindStringSubmatch(raw); m != nil {
			if v := strings.TrimSpace(m[1]); v != "" {
				out[name] = v
			}
			continue
		}
		open := "<" + name + ">"
		if idx := strings.LastIndex(raw, open); idx >= 0 {
			if v := strings.TrimSpace(raw[idx+len(open):]); v != "" {
				out[name] = v
			}
		}
	}
	return out
}

// FormatInstructions tells the model how to lay out its answer.
func FormatInstructions(fields []Field) string {
	var sb strings.Builder
	sb.WriteString("Respond using exactly this XML format and nothing else:\n")
	sb.WriteString(envelopeOpen + "\n")
	for _, f := range fields {
		desc := f.Description
		if desc == "" {
			desc = f.Name
		}
		if !f.Required {
			desc += " (optional)"
		}
		fmt.Fprintf(&sb, "  <%s>%s</%s>\n", f.Name, desc, f.Name)
	}
	sb.WriteString(envelopeClose)
	return sb.String()
}
