package errors

import (
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewAndCode(t *testing.T) {
	err := New(ParseFailed, "bad document")
	assert.Equal(t, "bad document", err.Error())
	assert.Equal(t, ParseFailed, CodeOf(err))
}

func TestWrapPreservesOriginal(t *testing.T) {
	inner := stderrors.New("connection reset")
	err := Wrap(inner, ProviderFailure, "provider call failed")

	assert.Equal(t, "provider call failed: connection reset", err.Error())
	assert.Equal(t, inner, stderrors.Unwrap(err))
	assert.Equal(t, ProviderFailure, CodeOf(err))
}

func TestWrapNil(t *testing.T) {
	assert.Nil(t, Wrap(nil, ProviderFailure, "ignored"))
}

func TestWithFieldsRendersSorted(t *testing.T) {
	err := WithFields(New(ConstructionFailed, "bad field"), Fields{
		"path":  "age",
		"got":   "string",
		"limit": 3,
	})
	assert.Equal(t, "bad field [got=string limit=3 path=age]", err.Error())
}

func TestWithFieldsMergesOntoExisting(t *testing.T) {
	err := WithFields(New(ValidationFailed, "rejected"), Fields{"a": 1})
	err = WithFields(err, Fields{"b": 2})

	var e *Error
	require.True(t, stderrors.As(err, &e))
	assert.Equal(t, ValidationFailed, e.Code())
	assert.Equal(t, Fields{"a": 1, "b": 2}, e.Fields())
}

func TestWithFieldsForeignError(t *testing.T) {
	err := WithFields(fmt.Errorf("plain"), Fields{"k": "v"})

	var e *Error
	require.True(t, stderrors.As(err, &e))
	assert.Equal(t, Unknown, e.Code())
	assert.Equal(t, "plain [k=v]", err.Error())
}

func TestRetryable(t *testing.T) {
	retryable := []ErrorCode{ConstructionFailed, ParseFailed, ValidationFailed, ProviderFailure}
	for _, code := range retryable {
		var e *Error
		require.True(t, stderrors.As(New(code, "x"), &e))
		assert.True(t, e.Retryable(), "code %d should be retryable", code)
	}

	terminal := []ErrorCode{Unknown, InvalidInput, Canceled, UsageFormatInvalid, RetryExhausted, UnsupportedOperation}
	for _, code := range terminal {
		var e *Error
		require.True(t, stderrors.As(New(code, "x"), &e))
		assert.False(t, e.Retryable(), "code %d should not be retryable", code)
	}
}

func TestIsMatchesByCode(t *testing.T) {
	err := Wrap(stderrors.New("boom"), ParseFailed, "while parsing")
	assert.True(t, stderrors.Is(err, New(ParseFailed, "")))
	assert.False(t, stderrors.Is(err, New(ValidationFailed, "")))
}

func TestCodeOfForeign(t *testing.T) {
	assert.Equal(t, Unknown, CodeOf(stderrors.New("plain")))
}
