package extract

import (
	"fmt"

	"github.com/instructor-ai/instructor-sub002/pkg/core"
	"github.com/instructor-ai/instructor-sub002/pkg/usage"
	"github.com/instructor-ai/instructor-sub002/pkg/validation"
)

// AttemptRecord captures one iteration of the retry loop. Records are never
// mutated after creation and are retained only to build the final
// RetryExhaustedError.
type AttemptRecord struct {
	// Index is the 0-based attempt index.
	Index int

	// Response is the raw provider response, nil when the provider call
	// itself failed.
	Response *core.Response

	// Candidate is the constructed value, nil when parsing or
	// construction failed.
	Candidate interface{}

	// Failures lists the validation failures of this attempt; empty when
	// the attempt failed before validation.
	Failures []validation.Failure

	// Err is the failure that ended the attempt.
	Err error
}

// RetryExhaustedError reports that the attempt budget ran out. It carries
// the full diagnostic bundle: callers always get enough context to see why
// validation kept failing, never a bare stack trace from inside parsing.
type RetryExhaustedError struct {
	// Attempts is the total number of provider calls made.
	Attempts int

	// LastResponse is the raw response of the final attempt, if any.
	LastResponse *core.Response

	// History is the full turn history including corrective turns.
	History []core.Message

	// Usage is the token usage accumulated across all attempts.
	Usage usage.Usage

	// Request is the caller's original request.
	Request *core.Request

	// Records holds one AttemptRecord per attempt, in order.
	Records []AttemptRecord

	cause error
}

func (e *RetryExhaustedError) Error() string {
	msg := fmt.Sprintf("extraction failed after %d attempt(s)", e.Attempts)
	if e.cause != nil {
		msg += ": " + e.cause.Error()
	}
	return msg
}

// Unwrap exposes the failure of the final attempt.
func (e *RetryExhaustedError) Unwrap() error {
	return e.cause
}

// LastFailures returns the validation failures of the final attempt, if any.
func (e *RetryExhaustedError) LastFailures() []validation.Failure {
	if len(e.Records) == 0 {
		return nil
	}
	return e.Records[len(e.Records)-1].Failures
}
