package partialjson

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/instructor-ai/instructor-sub002/pkg/errors"
)

func TestFeedCompleteDocument(t *testing.T) {
	p := NewParser()
	v, complete, err := p.Feed(`{"name": "Jason", "age": 25}`)
	require.NoError(t, err)
	assert.True(t, complete)
	assert.Equal(t, map[string]interface{}{"name": "Jason", "age": 25.0}, v)
	assert.True(t, p.Complete())
}

func TestFeedTruncatedObject(t *testing.T) {
	cases := []struct {
		name string
		text string
		want map[string]interface{}
	}{
		{
			name: "mid string value",
			text: `{"name": "Jas`,
			want: map[string]interface{}{"name": "Jas"},
		},
		{
			name: "number at buffer end",
			text: `{"age": 10`,
			want: map[string]interface{}{"age": 10.0},
		},
		{
			name: "colon with nothing after",
			text: `{"age":`,
			want: map[string]interface{}{"age": nil},
		},
		{
			name: "key still streaming",
			text: `{"na`,
			want: map[string]interface{}{},
		},
		{
			name: "literal prefix",
			text: `{"active": tru`,
			want: map[string]interface{}{},
		},
		{
			name: "nested object truncated",
			text: `{"user": {"name": "Bo`,
			want: map[string]interface{}{"user": map[string]interface{}{"name": "Bo"}},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := NewParser()
			v, complete, err := p.Feed(tc.text)
			require.NoError(t, err)
			assert.False(t, complete)
			assert.Equal(t, tc.want, v)
		})
	}
}

func TestFeedMalformedIsHardError(t *testing.T) {
	cases := []struct {
		name string
		text string
	}{
		{"bare word", `hello`},
		{"unquoted key", `{oops: 1}`},
		{"invalid token as value", `{"a": qfoo}`},
		{"missing colon", `{"a" 1}`},
		{"bad separator", `{"a": 1; "b": 2}`},
		{"trailing garbage", `{"a": 1} extra`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := NewParser()
			_, _, err := p.Feed(tc.text)
			require.Error(t, err)
			assert.Equal(t, errors.ParseFailed, errors.CodeOf(err))
		})
	}
}

// Feeding a valid document one byte at a time must never produce an error,
// and the final value must match a strict parse of the whole text.
func TestFeedBytewiseNeverErrors(t *testing.T) {
	docs := []string{
		`{"name": "Jason", "age": 25, "active": true, "score": 1.5, "extra": null}`,
		`{"quote": "she said \"hi\"", "path": "a\\b", "uni": "snow☃man"}`,
		`{"nested": {"deep": {"tags": ["x", "y"], "n": -3.2e2}}}`,
		`[{"id": 1}, {"id": 2}, {"id": 3}]`,
	}

	for _, doc := range docs {
		p := NewParser()
		var v interface{}
		var complete bool
		for i := 0; i < len(doc); i++ {
			var err error
			v, complete, err = p.Feed(doc[i : i+1])
			require.NoError(t, err, "doc %q failed at byte %d", doc, i)
		}
		require.True(t, complete, "doc %q never completed", doc)

		var want interface{}
		require.NoError(t, json.Unmarshal([]byte(doc), &want))
		assert.Equal(t, want, v)
	}
}

func TestFeedAccumulatesAcrossFragments(t *testing.T) {
	p := NewParser()

	v, complete, err := p.Feed(`{"name": "Ja`)
	require.NoError(t, err)
	assert.False(t, complete)
	assert.Equal(t, map[string]interface{}{"name": "Ja"}, v)

	v, complete, err = p.Feed(`son", "age": 2`)
	require.NoError(t, err)
	assert.False(t, complete)
	assert.Equal(t, map[string]interface{}{"name": "Jason", "age": 2.0}, v)

	v, complete, err = p.Feed(`5}`)
	require.NoError(t, err)
	assert.True(t, complete)
	assert.Equal(t, map[string]interface{}{"name": "Jason", "age": 25.0}, v)
}

func TestPartialStringEscapes(t *testing.T) {
	cases := []struct {
		name string
		text string
		want string
	}{
		{"dangling backslash dropped", `{"s": "ab\`, "ab"},
		{"incomplete unicode escape dropped", `{"s": "ab\u26`, "ab"},
		{"complete escape kept", `{"s": "ab\n`, "ab\n"},
		{"escaped backslash then cut", `{"s": "ab\\`, `ab\`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := NewParser()
			v, _, err := p.Feed(tc.text)
			require.NoError(t, err)
			m, ok := v.(map[string]interface{})
			require.True(t, ok)
			assert.Equal(t, tc.want, m["s"])
		})
	}
}

func TestElementsTrackClosedOnly(t *testing.T) {
	p := NewParser()

	_, _, err := p.Feed(`[{"id": 1}, {"id`)
	require.NoError(t, err)
	assert.Equal(t, []interface{}{map[string]interface{}{"id": 1.0}}, p.Elements())

	_, _, err = p.Feed(`": 2}`)
	require.NoError(t, err)
	assert.Len(t, p.Elements(), 2)

	_, complete, err := p.Feed(`]`)
	require.NoError(t, err)
	assert.True(t, complete)
	assert.Equal(t, []interface{}{
		map[string]interface{}{"id": 1.0},
		map[string]interface{}{"id": 2.0},
	}, p.Elements())
}

func TestElementsPendingNumberNotClosed(t *testing.T) {
	p := NewParser()
	// 2 may still grow into 25, so only 1 counts as closed.
	_, _, err := p.Feed(`[1, 2`)
	require.NoError(t, err)
	assert.Equal(t, []interface{}{1.0}, p.Elements())
}

func TestFeedEmptyBuffer(t *testing.T) {
	p := NewParser()
	v, complete, err := p.Feed("   ")
	require.NoError(t, err)
	assert.False(t, complete)
	assert.Nil(t, v)
}
