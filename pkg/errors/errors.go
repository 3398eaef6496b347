// Package errors defines the structured error type shared by every stage of
// the extraction engine, with codes matching the engine's failure taxonomy.
package errors

import (
	"fmt"
	"sort"
	"strings"
)

// ErrorCode identifies the failure class of an Error.
type ErrorCode int

const (
	Unknown ErrorCode = iota
	InvalidInput
	Canceled

	// Extraction pipeline failures. The first four are retryable by the
	// orchestrator; the rest terminate the invocation.
	ConstructionFailed
	ParseFailed
	ValidationFailed
	ProviderFailure
	UsageFormatInvalid
	RetryExhausted

	UnsupportedOperation
)

// Error carries a code, a message and optional structured context.
type Error struct {
	code     ErrorCode
	message  string
	original error
	fields   Fields
}

// Fields carries structured data about the error.
type Fields map[string]interface{}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.message)

	if e.original != nil {
		b.WriteString(": ")
		b.WriteString(e.original.Error())
	}

	if len(e.fields) > 0 {
		keys := make([]string, 0, len(e.fields))
		for k := range e.fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		b.WriteString(" [")
		for i, k := range keys {
			if i > 0 {
				b.WriteString(" ")
			}
			fmt.Fprintf(&b, "%s=%v", k, e.fields[k])
		}
		b.WriteString("]")
	}

	return b.String()
}

func (e *Error) Unwrap() error {
	return e.original
}

func (e *Error) Code() ErrorCode {
	return e.code
}

// Retryable reports whether the orchestrator may convert this error into
// another attempt instead of surfacing it.
func (e *Error) Retryable() bool {
	switch e.code {
	case ConstructionFailed, ParseFailed, ValidationFailed, ProviderFailure:
		return true
	default:
		return false
	}
}

// New creates a new error with a code and message.
func New(code ErrorCode, message string) error {
	return &Error{
		code:    code,
		message: message,
	}
}

// Newf creates a new error with a code and a formatted message.
func Newf(code ErrorCode, format string, args ...interface{}) error {
	return &Error{
		code:    code,
		message: fmt.Sprintf(format, args...),
	}
}

// Wrap wraps an existing error with additional context.
func Wrap(err error, code ErrorCode, message string) error {
	if err == nil {
		return nil
	}
	return &Error{
		code:     code,
		message:  message,
		original: err,
	}
}

// WithFields attaches structured context to an error. When err is already an
// *Error the code and message are preserved and the field sets merged.
func WithFields(err error, fields Fields) error {
	if err == nil {
		return nil
	}

	if e, ok := err.(*Error); ok {
		merged := make(Fields, len(e.fields)+len(fields))
		for k, v := range e.fields {
			merged[k] = v
		}
		for k, v := range fields {
			merged[k] = v
		}
		return &Error{
			code:     e.code,
			message:  e.message,
			original: e.original,
			fields:   merged,
		}
	}

	return &Error{
		code:     Unknown,
		message:  err.Error(),
		original: err,
		fields:   fields,
	}
}

// Is matches errors by code so callers can test against sentinel values
// created with New.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.code == t.code
}

// As supports errors.As extraction of *Error.
func (e *Error) As(target interface{}) bool {
	ptr, ok := target.(**Error)
	if !ok {
		return false
	}
	*ptr = e
	return true
}

// Fields returns a copy of the structured context attached to the error.
func (e *Error) Fields() Fields {
	fields := make(Fields, len(e.fields))
	for k, v := range e.fields {
		fields[k] = v
	}
	return fields
}

// CodeOf returns the code carried by err, or Unknown for foreign errors.
func CodeOf(err error) ErrorCode {
	if e, ok := err.(*Error); ok {
		return e.Code()
	}
	return Unknown
}
