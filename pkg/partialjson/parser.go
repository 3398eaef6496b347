// Package partialjson parses one JSON document delivered as a stream of text
// fragments, yielding best-effort partial values after every fragment.
//
// The asymmetry is deliberate: truncation is expected mid-stream and is
// tolerated, while malformed JSON indicates a bug upstream and surfaces
// immediately as a hard parse failure.
package partialjson

import (
	"encoding/json"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/instructor-ai/instructor-sub002/pkg/errors"
)

// Parser accumulates fragments of exactly one logical document. A new
// document requires a new Parser.
type Parser struct {
	buf      strings.Builder
	elements []interface{} // fully closed top-level array elements
	last     interface{}
	complete bool
}

// NewParser creates a parser for a single document.
func NewParser() *Parser {
	return &Parser{}
}

// Feed appends fragment to the internal buffer and re-parses. It returns the
// best-effort value materialized so far and whether the buffer is a complete,
// strictly valid document. True syntax errors (an invalid token where a value
// is expected, trailing garbage) are returned as ParseFailed errors;
// truncation never is.
func (p *Parser) Feed(fragment string) (interface{}, bool, error) {
	p.buf.WriteString(fragment)
	text := p.buf.String()
	trimmed := strings.TrimSpace(text)

	if trimmed == "" {
		return nil, false, nil
	}

	// Strict parse first: a complete valid buffer needs no tolerance.
	if gjson.Valid(trimmed) {
		var v interface{}
		if err := json.Unmarshal([]byte(trimmed), &v); err == nil {
			p.last = v
			p.complete = true
			if arr, ok := v.([]interface{}); ok {
				p.elements = arr
			}
			return v, true, nil
		}
	}

	sc := &scanner{s: trimmed}
	v, has, next, err := sc.parseValue(0, 0)
	if err != nil && err != errTruncated {
		return nil, false, err
	}
	if err == nil {
		// The value itself closed but the buffer was not strictly valid,
		// so whatever follows it is garbage.
		rest := strings.TrimSpace(trimmed[next:])
		if rest != "" {
			return nil, false, errors.WithFields(
				errors.New(errors.ParseFailed, "trailing content after JSON value"),
				errors.Fields{"trailing": truncateForError(rest)})
		}
	}
	if !has {
		return p.last, false, nil
	}

	p.last = v
	p.elements = sc.topElements
	return v, false, nil
}

// Value returns the last successfully materialized value.
func (p *Parser) Value() interface{} {
	return p.last
}

// Complete reports whether the buffer has formed a strictly valid document.
func (p *Parser) Complete() bool {
	return p.complete
}

// Elements returns the fully closed elements of a top-level array seen so
// far, in document order. Used by iterable-mode consumers to act on each
// element as soon as its closing bracket completes.
func (p *Parser) Elements() []interface{} {
	return p.elements
}

// Buffer returns the text accumulated so far.
func (p *Parser) Buffer() string {
	return p.buf.String()
}

func truncateForError(s string) string {
	if len(s) > 40 {
		return s[:40] + "..."
	}
	return s
}
