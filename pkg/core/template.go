package core

import (
	"fmt"
	"strings"
)

// Templater is the optional message-templating capability. It is applied
// once, before the first request, when the caller supplied template
// variables.
type Templater interface {
	Apply(messages []Message, variables map[string]interface{}) ([]Message, error)
}

// VariableTemplater substitutes {{name}} placeholders with the string form
// of the corresponding variable. It is not a templating engine: no
// conditionals, no loops, just substitution.
type VariableTemplater struct{}

func (VariableTemplater) Apply(messages []Message, variables map[string]interface{}) ([]Message, error) {
	if len(variables) == 0 {
		return messages, nil
	}

	pairs := make([]string, 0, len(variables)*2)
	for name, value := range variables {
		pairs = append(pairs, "{{"+name+"}}", fmt.Sprintf("%v", value))
	}
	replacer := strings.NewReplacer(pairs...)

	out := make([]Message, len(messages))
	for i, m := range messages {
		out[i] = Message{Role: m.Role, Content: replacer.Replace(m.Content)}
	}
	return out, nil
}
