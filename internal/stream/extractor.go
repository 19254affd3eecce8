// Package stream turns raw model deltas into user-visible deltas.
//
// Structured generations arrive as an XML-like envelope. Only the body of one
// field (usually <text>) is meant for the chat; FieldExtractor filters the
// markup out while the text is still streaming.
package stream

import "strings"

type extractState int

const (
	seeking extractState = iota
	inside
	closed
)

// FieldExtractor emits the body of a single <field>...</field> element from
// incrementally pushed raw text.
type FieldExtractor struct {
	open  string
	close string
	state extractState
	buf   strings.Builder
}

// NewFieldExtractor returns an extractor for the named field.
func NewFieldExtractor(field string) *FieldExtractor {
	return &FieldExtractor{
		open:  "<" + field + ">",
		close: "</" + field + ">",
	}
}

// Push consumes a raw chunk and returns the newly visible portion, which may
// be empty. Text that could be the start of the closing tag is held back
// until the next chunk disambiguates it.
func (e *FieldExtractor) Push(chunk string) string {
	if e.state == closed {
		return ""
	}
	e.buf.WriteString(chunk)
	pending := e.buf.String()

	if e.state == seeking {
		idx := strings.Index(pending, e.open)
		if idx < 0 {
			// Keep only what could still become the opening tag.
			e.reset(pending[len(pending)-heldPrefix(pending, e.open):])
			return ""
		}
		e.state = inside
		pending = pending[idx+len(e.open):]
	}

	if idx := strings.Index(pending, e.close); idx >= 0 {
		e.state = closed
		e.reset("")
		return pending[:idx]
	}

	hold := heldPrefix(pending, e.close)
	e.reset(pending[len(pending)-hold:])
	return pending[:len(pending)-hold]
}

// Done reports whether the closing tag has been seen.
func (e *FieldExtractor) Done() bool {
	return e.state == closed
}

// Started reports whether the opening tag has been seen.
func (e *FieldExtractor) Started() bool {
	return e.state != seeking
}

func (e *FieldExtractor) reset(s string) {
	e.buf.Reset()
	e.buf.WriteString(s)
}

// heldPrefix returns the length of the longest suffix of s that is a proper
// prefix of tag.
func heldPrefix(s, tag string) int {
	n := min(len(tag)-1, len(s))
	for ; n > 0; n-- {
		if strings.HasSuffix(s, tag[:n]) {
			return n
		}
	}
	return 0
}
