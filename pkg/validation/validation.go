// Package validation runs field- and model-level validators against a
// constructed candidate instance, aggregating every failure instead of
// stopping at the first so corrective feedback can address all of them at
// once.
package validation

import (
	"fmt"
	"strings"
)

// Failure is one validator rejection: where, why, and who raised it.
type Failure struct {
	// Path reaches into nested structures with dot/bracket notation,
	// e.g. "items[2].name".
	Path      string
	Message   string
	Validator string
}

func (f Failure) String() string {
	if f.Path == "" {
		return fmt.Sprintf("%s (%s)", f.Message, f.Validator)
	}
	return fmt.Sprintf("%s: %s (%s)", f.Path, f.Message, f.Validator)
}

// Context carries caller-supplied side data available to validators, e.g.
// source text that extracted substrings must be checked against.
type Context struct {
	Data map[string]interface{}
}

// Value looks up one entry of the side data.
func (c *Context) Value(key string) (interface{}, bool) {
	if c == nil || c.Data == nil {
		return nil, false
	}
	v, ok := c.Data[key]
	return v, ok
}

// RuleError is the error validators return to reject a candidate. Any other
// error type returned by a validator is treated as an unexpected internal
// failure and propagates immediately instead of being aggregated.
type RuleError struct {
	Path    string
	Message string
}

func (e *RuleError) Error() string {
	if e.Path == "" {
		return e.Message
	}
	return e.Path + ": " + e.Message
}

// Fail rejects the candidate at the given field path.
func Fail(path, message string) error {
	return &RuleError{Path: path, Message: message}
}

// Failf rejects the candidate with a formatted message.
func Failf(path, format string, args ...interface{}) error {
	return &RuleError{Path: path, Message: fmt.Sprintf(format, args...)}
}

// AggregateError carries every failure from one validation pass.
type AggregateError struct {
	Failures []Failure
}

func (e *AggregateError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "validation failed with %d failure(s)", len(e.Failures))
	for _, f := range e.Failures {
		b.WriteString("; ")
		b.WriteString(f.String())
	}
	return b.String()
}

// Aggregate wraps failures into an AggregateError, or returns nil when there
// are none.
func Aggregate(failures []Failure) error {
	if len(failures) == 0 {
		return nil
	}
	return &AggregateError{Failures: failures}
}
