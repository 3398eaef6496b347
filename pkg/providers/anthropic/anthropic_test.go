package anthropic

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/instructor-ai/instructor-sub002/pkg/core"
)

func TestNewRequiresAPIKey(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "")
	_, err := New("")
	require.Error(t, err)

	c, err := New("test-key")
	require.NoError(t, err)
	assert.NotNil(t, c)
}

func TestBuildParamsRoleMapping(t *testing.T) {
	c, err := New("test-key", WithDefaultModel("claude-sonnet-4-5"), WithDefaultMaxTokens(512))
	require.NoError(t, err)

	params := c.buildParams(&core.Request{
		Messages: []core.Message{
			{Role: core.RoleSystem, Content: "respond with JSON"},
			{Role: core.RoleUser, Content: "extract the person"},
			{Role: core.RoleAssistant, Content: `{"name": "jason"}`},
			{Role: core.RoleUser, Content: "name must be uppercase"},
		},
	})

	require.Len(t, params.System, 1)
	assert.Equal(t, "respond with JSON", params.System[0].Text)

	// System turns never appear in the message list.
	require.Len(t, params.Messages, 3)
	assert.Equal(t, "claude-sonnet-4-5", string(params.Model))
	assert.Equal(t, int64(512), params.MaxTokens)
}

func TestBuildParamsRequestOverrides(t *testing.T) {
	c, err := New("test-key")
	require.NoError(t, err)

	params := c.buildParams(&core.Request{
		Model:       "claude-opus-4-1",
		MaxTokens:   2048,
		Temperature: 0.7,
		Messages:    []core.Message{{Role: core.RoleUser, Content: "hi"}},
	})

	assert.Equal(t, "claude-opus-4-1", string(params.Model))
	assert.Equal(t, int64(2048), params.MaxTokens)
	assert.True(t, params.Temperature.Valid())
}
