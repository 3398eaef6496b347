package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestClone(t *testing.T) {
	orig := &Request{
		Model:       "test-model",
		Messages:    []Message{{Role: RoleUser, Content: "hello"}},
		MaxTokens:   256,
		Temperature: 0.5,
		Metadata:    map[string]interface{}{"k": "v"},
	}

	clone := orig.Clone()
	clone.Messages = append(clone.Messages, Message{Role: RoleAssistant, Content: "reply"})
	clone.Metadata["k2"] = "v2"

	assert.Len(t, orig.Messages, 1)
	assert.NotContains(t, orig.Metadata, "k2")
	assert.Equal(t, orig.Model, clone.Model)
}

func TestRequestCloneNil(t *testing.T) {
	var r *Request
	assert.Nil(t, r.Clone())
}

func TestVariableTemplater(t *testing.T) {
	msgs := []Message{
		{Role: RoleSystem, Content: "You extract {{entity}} records."},
		{Role: RoleUser, Content: "Extract {{entity}} from: {{text}}"},
	}

	out, err := VariableTemplater{}.Apply(msgs, map[string]interface{}{
		"entity": "person",
		"text":   "Jason is 25",
	})
	require.NoError(t, err)

	assert.Equal(t, "You extract person records.", out[0].Content)
	assert.Equal(t, "Extract person from: Jason is 25", out[1].Content)

	// Input messages stay untouched.
	assert.Equal(t, "You extract {{entity}} records.", msgs[0].Content)
}

func TestVariableTemplaterNoVariables(t *testing.T) {
	msgs := []Message{{Role: RoleUser, Content: "{{untouched}}"}}
	out, err := VariableTemplater{}.Apply(msgs, nil)
	require.NoError(t, err)
	assert.Equal(t, msgs, out)
}

func TestVariableTemplaterNonStringValues(t *testing.T) {
	out, err := VariableTemplater{}.Apply(
		[]Message{{Role: RoleUser, Content: "age is {{age}}"}},
		map[string]interface{}{"age": 25},
	)
	require.NoError(t, err)
	assert.Equal(t, "age is 25", out[0].Content)
}
