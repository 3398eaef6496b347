// Package usage normalizes provider token accounting into one shape and
// accumulates totals across attempts.
package usage

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/instructor-ai/instructor-sub002/pkg/errors"
)

// Usage is the unified token accounting shape. TotalTokens equals
// InputTokens+OutputTokens unless the provider supplied its own total,
// which is trusted as-is.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// Add returns the sum of u and delta. Pure; called once per attempt
// regardless of the attempt's outcome, since failed attempts still
// consume tokens.
func (u Usage) Add(delta Usage) Usage {
	return Usage{
		InputTokens:  u.InputTokens + delta.InputTokens,
		OutputTokens: u.OutputTokens + delta.OutputTokens,
		TotalTokens:  u.TotalTokens + delta.TotalTokens,
	}
}

// IsZero reports whether no tokens have been recorded.
func (u Usage) IsZero() bool {
	return u == Usage{}
}

func (u Usage) String() string {
	return fmt.Sprintf("in=%d out=%d total=%d", u.InputTokens, u.OutputTokens, u.TotalTokens)
}

// Recognized raw key pairs, checked in order. OpenAI-style prompt/completion,
// Anthropic-style input/output, Gemini-style prompt/candidates.
var keyShapes = []struct {
	input, output, total string
}{
	{"prompt_tokens", "completion_tokens", "total_tokens"},
	{"input_tokens", "output_tokens", "total_tokens"},
	{"prompt_token_count", "candidates_token_count", "total_token_count"},
}

// Normalize converts a provider-specific usage payload into Usage. It accepts
// a Usage (or *Usage) verbatim, a map with one of the recognized key pairs, or
// any struct whose JSON form matches one of those pairs. Unrecognized shapes
// return a UsageFormatInvalid error; accounting never silently degrades to
// zeros.
func Normalize(raw interface{}) (Usage, error) {
	switch v := raw.(type) {
	case nil:
		return Usage{}, errors.New(errors.UsageFormatInvalid, "usage payload is nil")
	case Usage:
		return v, nil
	case *Usage:
		if v == nil {
			return Usage{}, errors.New(errors.UsageFormatInvalid, "usage payload is nil")
		}
		return *v, nil
	case map[string]interface{}:
		return fromMap(v)
	}

	// Fall back to the struct's JSON form so provider SDK usage types work
	// without this package importing any SDK.
	data, err := json.Marshal(raw)
	if err != nil {
		return Usage{}, errors.Wrap(err, errors.UsageFormatInvalid, "usage payload is not serializable")
	}
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		return Usage{}, errors.Wrap(err, errors.UsageFormatInvalid, "usage payload is not an object")
	}
	return fromMap(m)
}

func fromMap(m map[string]interface{}) (Usage, error) {
	for _, shape := range keyShapes {
		in, okIn := intValue(m[shape.input])
		out, okOut := intValue(m[shape.output])
		if !okIn || !okOut {
			continue
		}
		if in < 0 || out < 0 {
			return Usage{}, errors.WithFields(
				errors.New(errors.UsageFormatInvalid, "negative token count"),
				errors.Fields{"input": in, "output": out})
		}

		u := Usage{InputTokens: in, OutputTokens: out, TotalTokens: in + out}
		if total, ok := intValue(m[shape.total]); ok {
			// Provider supplied all three independently; trust its total.
			u.TotalTokens = total
		}
		return u, nil
	}

	return Usage{}, errors.WithFields(
		errors.New(errors.UsageFormatInvalid, "unrecognized usage shape"),
		errors.Fields{"keys": mapKeys(m)})
}

func intValue(v interface{}) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int32:
		return int(n), true
	case int64:
		return int(n), true
	case uint64:
		return int(n), true
	case float64:
		return int(n), true
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, false
		}
		return int(i), true
	default:
		return 0, false
	}
}

func mapKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
